package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/enrichq/internal/domain"
)

type memRow struct {
	job domain.Job
	seq int64
}

// MemoryStore keeps jobs in process memory. Used by tests and the memory driver.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*memRow
	seq  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*memRow)}
}

func (m *MemoryStore) Insert(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return errors.Errorf("job %s already exists", job.ID)
	}
	m.seq++
	m.jobs[job.ID] = &memRow{job: job.Clone(), seq: m.seq}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return row.job.Clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]domain.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]*memRow, 0)
	for _, row := range m.jobs {
		if matches(row.job, f) {
			rows = append(rows, row)
		}
	}
	col := sortColumn(f.SortBy)
	sort.SliceStable(rows, func(i, k int) bool {
		a, b := rows[i], rows[k]
		c := compareColumn(a.job, b.job, col)
		if c == 0 {
			c = compareInt64(a.seq, b.seq)
		}
		if f.Desc {
			return c > 0
		}
		return c < 0
	})
	total := len(rows)
	rows = page(rows, f.Offset, f.Limit)
	out := make([]domain.Job, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.job.Clone())
	}
	return out, total, nil
}

func (m *MemoryStore) Swap(_ context.Context, job domain.Job, expected domain.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.jobs[job.ID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if row.job.Status != expected || row.job.Version != job.Version {
		return false, nil
	}
	// identity and creation fields are immutable
	job.WorkspaceID = row.job.WorkspaceID
	job.CreatedAt = row.job.CreatedAt
	job.Version++
	row.job = job.Clone()
	return true, nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]*memRow, 0)
	for _, row := range m.jobs {
		if domain.Claimable(row.job.Status) && row.job.Due(now) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, k int) bool {
		a, b := rows[i], rows[k]
		if a.job.Priority != b.job.Priority {
			return a.job.Priority < b.job.Priority
		}
		if !a.job.CreatedAt.Equal(b.job.CreatedAt) {
			return a.job.CreatedAt.Before(b.job.CreatedAt)
		}
		return a.seq < b.seq
	})
	rows = page(rows, 0, limit)
	out := make([]domain.Job, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.job.Clone())
	}
	return out, nil
}

func (m *MemoryStore) ListStuck(_ context.Context, startedBefore time.Time, limit int) ([]domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Job, 0)
	for _, row := range m.jobs {
		j := row.job
		if j.Status != domain.InProgress || j.StartedAt == nil || !j.StartedAt.Before(startedBefore) {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartedAt.Before(*out[k].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) FindInFlight(_ context.Context, externalID string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.jobs {
		if row.job.Status == domain.InProgress && externalID != "" && row.job.ExternalID == externalID {
			return row.job.Clone(), nil
		}
	}
	return domain.Job{}, domain.ErrNotFound
}

func (m *MemoryStore) Counts(_ context.Context, workspaceID string) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := newCounts()
	var sum float64
	var n int
	for _, row := range m.jobs {
		j := row.job
		if workspaceID != "" && j.WorkspaceID != workspaceID {
			continue
		}
		c.Total++
		c.ByStatus[j.Status]++
		c.ByType[j.Type]++
		if d := j.ProcessingTime(); d != nil && j.Status == domain.Completed {
			sum += float64(d.Milliseconds())
			n++
		}
	}
	if n > 0 {
		avg := sum / float64(n)
		c.AvgProcessingMs = &avg
	}
	return c, nil
}

func (m *MemoryStore) Close() error { return nil }

func matches(j domain.Job, f ListFilter) bool {
	if f.WorkspaceID != "" && j.WorkspaceID != f.WorkspaceID {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if f.Priority != 0 && j.Priority != f.Priority {
		return false
	}
	for _, tag := range f.Tags {
		if !j.HasTag(tag) {
			return false
		}
	}
	return true
}

func compareColumn(a, b domain.Job, col string) int {
	switch col {
	case "priority":
		return compareInt64(int64(a.Priority), int64(b.Priority))
	case "status":
		switch {
		case a.Status < b.Status:
			return -1
		case a.Status > b.Status:
			return 1
		}
		return 0
	case "updated_at":
		return a.UpdatedAt.Compare(b.UpdatedAt)
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func page[T any](rows []T, offset, limit int) []T {
	if offset >= len(rows) {
		return rows[:0]
	}
	if offset > 0 {
		rows = rows[offset:]
	}
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
