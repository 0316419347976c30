package storage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/SirClappington/enrichq/internal/domain"
)

// jobRow is the GORM model for the jobs table. Tags are kept as JSON text so the
// same model works on SQLite and Postgres.
type jobRow struct {
	ID           string    `gorm:"primaryKey;size:64"`
	WorkspaceID  string    `gorm:"size:128;not null;index:idx_jobs_workspace_created,priority:1"`
	Type         string    `gorm:"size:64;not null"`
	Priority     int       `gorm:"not null;index:idx_jobs_due,priority:1"`
	Status       string    `gorm:"size:32;not null;index"`
	Payload      []byte    `gorm:"not null"`
	Result       []byte
	ErrorMessage *string
	ErrorCode    *string
	RetryCount   int       `gorm:"not null"`
	MaxRetries   int       `gorm:"not null"`
	ScheduledAt  *time.Time
	CreatedAt    time.Time `gorm:"not null;autoCreateTime:false;index:idx_jobs_workspace_created,priority:2;index:idx_jobs_due,priority:2"`
	UpdatedAt    time.Time `gorm:"not null;autoUpdateTime:false"`
	StartedAt    *time.Time
	CompletedAt  *time.Time
	WebhookURL   string  `gorm:"not null;default:''"`
	Tags         string  `gorm:"not null;default:'[]'"`
	ExternalID   *string `gorm:"size:255;index"`
	Version      int64   `gorm:"not null;default:0"`
}

func (jobRow) TableName() string { return "jobs" }

// likeEscaper makes LIKE wildcards in a tag match literally.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// GormStore implements Store on top of GORM.
type GormStore struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) a SQLite database file and migrates it.
func OpenSQLite(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	return NewGormStore(db, true)
}

// OpenGormPostgres connects through GORM to Postgres. The GORM schema stores tags
// as JSON text, so it must not share a database with the goose-managed schema.
func OpenGormPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	return NewGormStore(db, true)
}

func NewGormStore(db *gorm.DB, autoMigrate bool) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("storage: database handle is required")
	}
	if autoMigrate {
		if err := db.AutoMigrate(&jobRow{}); err != nil {
			return nil, errors.Wrap(err, "auto migrate")
		}
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Insert(ctx context.Context, j domain.Job) error {
	row, err := toRow(j)
	if err != nil {
		return err
	}
	return errors.Wrap(s.db.WithContext(ctx).Create(&row).Error, "insert job")
}

func (s *GormStore) Get(ctx context.Context, id string) (domain.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, errors.Wrap(err, "get job")
	}
	return fromRow(row)
}

func (s *GormStore) filtered(ctx context.Context, f ListFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&jobRow{})
	if f.WorkspaceID != "" {
		q = q.Where("workspace_id = ?", f.WorkspaceID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.Type != "" {
		q = q.Where("type = ?", string(f.Type))
	}
	if f.Priority != 0 {
		q = q.Where("priority = ?", f.Priority)
	}
	for _, tag := range f.Tags {
		b, _ := json.Marshal(tag)
		q = q.Where(`tags LIKE ? ESCAPE '\'`, "%"+likeEscaper.Replace(string(b))+"%")
	}
	return q
}

func (s *GormStore) List(ctx context.Context, f ListFilter) ([]domain.Job, int, error) {
	var total int64
	if err := s.filtered(ctx, f).Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "count jobs")
	}
	order := " asc"
	if f.Desc {
		order = " desc"
	}
	q := s.filtered(ctx, f).Order(sortColumn(f.SortBy) + order).Order("id" + order)
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, errors.Wrap(err, "list jobs")
	}
	jobs, err := fromRows(rows)
	return jobs, int(total), err
}

func (s *GormStore) Swap(ctx context.Context, j domain.Job, expected domain.Status) (bool, error) {
	row, err := toRow(j)
	if err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND status = ? AND version = ?", j.ID, string(expected), j.Version).
		Updates(map[string]any{
			"priority":      row.Priority,
			"status":        row.Status,
			"result":        row.Result,
			"error_message": row.ErrorMessage,
			"error_code":    row.ErrorCode,
			"retry_count":   row.RetryCount,
			"max_retries":   row.MaxRetries,
			"scheduled_at":  row.ScheduledAt,
			"updated_at":    row.UpdatedAt,
			"started_at":    row.StartedAt,
			"completed_at":  row.CompletedAt,
			"webhook_url":   row.WebhookURL,
			"tags":          row.Tags,
			"external_id":   row.ExternalID,
			"version":       gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return false, errors.Wrapf(res.Error, "swap job %s", j.ID)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&jobRow{}).Where("id = ?", j.ID).Count(&n).Error; err != nil {
		return false, errors.Wrap(err, "check job")
	}
	if n == 0 {
		return false, domain.ErrNotFound
	}
	return false, nil
}

func (s *GormStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("status IN ?", claimableStatuses()).
		Where("scheduled_at IS NULL OR scheduled_at <= ?", now).
		Order("priority asc").Order("created_at asc").
		Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "list due jobs")
	}
	return fromRows(rows)
}

func (s *GormStore) ListStuck(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Job, error) {
	var rows []jobRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND started_at IS NOT NULL AND started_at < ?", string(domain.InProgress), startedBefore).
		Order("started_at asc").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "list stuck jobs")
	}
	return fromRows(rows)
}

func (s *GormStore) FindInFlight(ctx context.Context, externalID string) (domain.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).
		Where("status = ? AND external_id = ?", string(domain.InProgress), externalID).
		Order("started_at asc").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Job{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Job{}, errors.Wrap(err, "find in-flight job")
	}
	return fromRow(row)
}

func (s *GormStore) Counts(ctx context.Context, workspaceID string) (Counts, error) {
	c := newCounts()
	scope := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&jobRow{})
		if workspaceID != "" {
			q = q.Where("workspace_id = ?", workspaceID)
		}
		return q
	}

	var groups []struct {
		Status string
		Type   string
		N      int
	}
	if err := scope().Select("status, type, count(*) as n").Group("status, type").Scan(&groups).Error; err != nil {
		return c, errors.Wrap(err, "count jobs")
	}
	for _, g := range groups {
		c.Total += g.N
		c.ByStatus[domain.Status(g.Status)] += g.N
		c.ByType[domain.Type(g.Type)] += g.N
	}

	var spans []struct {
		StartedAt   time.Time
		CompletedAt time.Time
	}
	err := scope().Select("started_at, completed_at").
		Where("status = ? AND started_at IS NOT NULL AND completed_at IS NOT NULL", string(domain.Completed)).
		Scan(&spans).Error
	if err != nil {
		return c, errors.Wrap(err, "average processing time")
	}
	if len(spans) > 0 {
		var sum float64
		for _, sp := range spans {
			sum += float64(sp.CompletedAt.Sub(sp.StartedAt).Milliseconds())
		}
		avg := sum / float64(len(spans))
		c.AvgProcessingMs = &avg
	}
	return c, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(j domain.Job) (jobRow, error) {
	tags, err := json.Marshal(tagsOrEmpty(j.Tags))
	if err != nil {
		return jobRow{}, errors.Wrap(err, "encode tags")
	}
	msg, code := splitError(j.Error)
	row := jobRow{
		ID:           j.ID,
		WorkspaceID:  j.WorkspaceID,
		Type:         string(j.Type),
		Priority:     j.Priority,
		Status:       string(j.Status),
		Payload:      []byte(j.Payload),
		ErrorMessage: msg,
		ErrorCode:    code,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		ScheduledAt:  j.ScheduledAt,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		WebhookURL:   j.WebhookURL,
		Tags:         string(tags),
		ExternalID:   nullString(j.ExternalID),
		Version:      j.Version,
	}
	if len(j.Result) > 0 {
		row.Result = []byte(j.Result)
	}
	return row, nil
}

func fromRow(r jobRow) (domain.Job, error) {
	j := domain.Job{
		ID:          r.ID,
		WorkspaceID: r.WorkspaceID,
		Type:        domain.Type(r.Type),
		Priority:    r.Priority,
		Status:      domain.Status(r.Status),
		Payload:     json.RawMessage(r.Payload),
		RetryCount:  r.RetryCount,
		MaxRetries:  r.MaxRetries,
		ScheduledAt: r.ScheduledAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		WebhookURL:  r.WebhookURL,
		ExternalID:  deref(r.ExternalID),
		Version:     r.Version,
	}
	if len(r.Result) > 0 {
		j.Result = json.RawMessage(r.Result)
	}
	if r.ErrorMessage != nil || r.ErrorCode != nil {
		j.Error = &domain.JobError{Message: deref(r.ErrorMessage), Code: deref(r.ErrorCode)}
	}
	if err := json.Unmarshal([]byte(r.Tags), &j.Tags); err != nil {
		return domain.Job{}, errors.Wrapf(err, "decode tags of job %s", r.ID)
	}
	return j, nil
}

func fromRows(rows []jobRow) ([]domain.Job, error) {
	out := make([]domain.Job, 0, len(rows))
	for _, r := range rows {
		j, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}
