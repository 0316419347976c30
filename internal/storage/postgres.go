package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/SirClappington/enrichq/internal/domain"
)

// PostgresStore keeps jobs in the jobs table created by the goose migrations.
type PostgresStore struct{ db *pgxpool.Pool }

func NewPostgres(db *pgxpool.Pool) *PostgresStore { return &PostgresStore{db} }

const jobColumns = `id, workspace_id, type, priority, status, payload, result,
error_message, error_code, retry_count, max_retries, scheduled_at, created_at,
updated_at, started_at, completed_at, webhook_url, tags, external_id, version`

func (s *PostgresStore) Insert(ctx context.Context, j domain.Job) error {
	errMsg, errCode := splitError(j.Error)
	_, err := s.db.Exec(ctx, `insert into jobs(`+jobColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		j.ID, j.WorkspaceID, string(j.Type), j.Priority, string(j.Status), string(j.Payload), nullJSON(j.Result),
		errMsg, errCode, j.RetryCount, j.MaxRetries, j.ScheduledAt, j.CreatedAt,
		j.UpdatedAt, j.StartedAt, j.CompletedAt, j.WebhookURL, tagsOrEmpty(j.Tags), nullString(j.ExternalID), j.Version,
	)
	return errors.Wrap(err, "insert job")
}

func (s *PostgresStore) Get(ctx context.Context, id string) (domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, errors.Wrap(err, "get job")
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]domain.Job, int, error) {
	where, args := listWhere(f)
	var total int
	if err := s.db.QueryRow(ctx, `select count(*) from jobs`+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "count jobs")
	}

	order := "asc"
	if f.Desc {
		order = "desc"
	}
	q := fmt.Sprintf(`select %s from jobs%s order by %s %s, id %s`, jobColumns, where, sortColumn(f.SortBy), order, order)
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" limit $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" offset $%d", len(args))
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list jobs")
	}
	jobs, err := collectJobs(rows)
	return jobs, total, err
}

func listWhere(f ListFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.WorkspaceID != "" {
		add("workspace_id = $%d", f.WorkspaceID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Type != "" {
		add("type = $%d", string(f.Type))
	}
	if f.Priority != 0 {
		add("priority = $%d", f.Priority)
	}
	if len(f.Tags) > 0 {
		add("tags @> $%d", f.Tags)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " where " + strings.Join(conds, " and "), args
}

func (s *PostgresStore) Swap(ctx context.Context, j domain.Job, expected domain.Status) (bool, error) {
	errMsg, errCode := splitError(j.Error)
	tag, err := s.db.Exec(ctx, `update jobs set
    priority = $3, status = $4, result = $5, error_message = $6, error_code = $7,
    retry_count = $8, max_retries = $9, scheduled_at = $10, updated_at = $11,
    started_at = $12, completed_at = $13, webhook_url = $14, tags = $15, external_id = $16,
    version = version + 1
  where id = $1 and status = $2 and version = $17`,
		j.ID, string(expected), j.Priority, string(j.Status), nullJSON(j.Result), errMsg, errCode,
		j.RetryCount, j.MaxRetries, j.ScheduledAt, j.UpdatedAt,
		j.StartedAt, j.CompletedAt, j.WebhookURL, tagsOrEmpty(j.Tags), nullString(j.ExternalID), j.Version,
	)
	if err != nil {
		return false, errors.Wrapf(err, "swap job %s", j.ID)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `select exists(select 1 from jobs where id = $1)`, j.ID).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "check job")
	}
	if !exists {
		return false, domain.ErrNotFound
	}
	return false, nil
}

func (s *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	rows, err := s.db.Query(ctx, `select `+jobColumns+` from jobs
  where status = any($1) and (scheduled_at is null or scheduled_at <= $2)
  order by priority asc, created_at asc
  limit $3`, claimableStatuses(), now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list due jobs")
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListStuck(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Job, error) {
	rows, err := s.db.Query(ctx, `select `+jobColumns+` from jobs
  where status = 'in_progress' and started_at is not null and started_at < $1
  order by started_at asc
  limit $2`, startedBefore, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list stuck jobs")
	}
	return collectJobs(rows)
}

func (s *PostgresStore) FindInFlight(ctx context.Context, externalID string) (domain.Job, error) {
	row := s.db.QueryRow(ctx, `select `+jobColumns+` from jobs
  where status = 'in_progress' and external_id = $1
  order by started_at asc limit 1`, externalID)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, errors.Wrap(err, "find in-flight job")
}

func (s *PostgresStore) Counts(ctx context.Context, workspaceID string) (Counts, error) {
	c := newCounts()
	rows, err := s.db.Query(ctx, `select status, type, count(*) from jobs
  where ($1 = '' or workspace_id = $1)
  group by status, type`, workspaceID)
	if err != nil {
		return c, errors.Wrap(err, "count jobs")
	}
	defer rows.Close()
	for rows.Next() {
		var status, typ string
		var n int
		if err := rows.Scan(&status, &typ, &n); err != nil {
			return c, errors.Wrap(err, "scan counts")
		}
		c.Total += n
		c.ByStatus[domain.Status(status)] += n
		c.ByType[domain.Type(typ)] += n
	}
	if err := rows.Err(); err != nil {
		return c, errors.Wrap(err, "count jobs")
	}
	err = s.db.QueryRow(ctx, `select avg(extract(epoch from (completed_at - started_at)) * 1000)::float8 from jobs
  where status = 'completed' and started_at is not null and completed_at is not null
    and ($1 = '' or workspace_id = $1)`, workspaceID).Scan(&c.AvgProcessingMs)
	return c, errors.Wrap(err, "average processing time")
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// AdvisoryLock tries the session-level lock used for scheduler leader election.
// The returned release func must be called when ok is true.
func (s *PostgresStore) AdvisoryLock(ctx context.Context, key int64) (release func(), ok bool, err error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire conn")
	}
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, errors.Wrap(err, "advisory lock")
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		_, _ = conn.Exec(context.Background(), `select pg_advisory_unlock($1)`, key)
		conn.Release()
	}, true, nil
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var (
		j               domain.Job
		typ, status     string
		payload         string
		result          *string
		errMsg, errCode *string
		externalID      *string
	)
	err := row.Scan(&j.ID, &j.WorkspaceID, &typ, &j.Priority, &status, &payload, &result,
		&errMsg, &errCode, &j.RetryCount, &j.MaxRetries, &j.ScheduledAt, &j.CreatedAt,
		&j.UpdatedAt, &j.StartedAt, &j.CompletedAt, &j.WebhookURL, &j.Tags, &externalID, &j.Version)
	if err != nil {
		return domain.Job{}, err
	}
	j.Type = domain.Type(typ)
	j.Status = domain.Status(status)
	j.Payload = json.RawMessage(payload)
	if result != nil {
		j.Result = json.RawMessage(*result)
	}
	if errMsg != nil || errCode != nil {
		j.Error = &domain.JobError{Message: deref(errMsg), Code: deref(errCode)}
	}
	j.ExternalID = deref(externalID)
	return j, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	defer rows.Close()
	out := make([]domain.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "read jobs")
}

func splitError(e *domain.JobError) (msg, code *string) {
	if e == nil {
		return nil, nil
	}
	return &e.Message, &e.Code
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
