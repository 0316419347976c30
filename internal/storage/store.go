package storage

import (
	"context"
	"time"

	"github.com/SirClappington/enrichq/internal/domain"
)

// Store persists job rows. It is the single source of truth for job state.
type Store interface {
	Insert(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	List(ctx context.Context, f ListFilter) ([]domain.Job, int, error)
	// Swap overwrites the stored job only if its status still equals expected
	// and its version still equals job.Version; the stored version is then
	// incremented. It reports false, without error, when another writer got
	// there first.
	Swap(ctx context.Context, job domain.Job, expected domain.Status) (bool, error)
	// ListDue returns claimable jobs scheduled at or before now, by priority then age.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)
	ListStuck(ctx context.Context, startedBefore time.Time, limit int) ([]domain.Job, error)
	FindInFlight(ctx context.Context, externalID string) (domain.Job, error)
	// Counts aggregates jobs for workspaceID, or across every workspace when empty.
	Counts(ctx context.Context, workspaceID string) (Counts, error)
	Close() error
}

type ListFilter struct {
	WorkspaceID string
	Status      domain.Status
	Type        domain.Type
	Priority    int
	Tags        []string
	SortBy      string
	Desc        bool
	Limit       int
	Offset      int
}

// Sortable columns keyed by their API name.
var sortColumns = map[string]string{
	"createdAt": "created_at",
	"updatedAt": "updated_at",
	"priority":  "priority",
	"status":    "status",
}

func ValidSort(field string) bool {
	_, ok := sortColumns[field]
	return ok
}

func sortColumn(field string) string {
	if c, ok := sortColumns[field]; ok {
		return c
	}
	return "created_at"
}

type Counts struct {
	Total           int
	ByStatus        map[domain.Status]int
	ByType          map[domain.Type]int
	AvgProcessingMs *float64
}

func newCounts() Counts {
	return Counts{ByStatus: map[domain.Status]int{}, ByType: map[domain.Type]int{}}
}

func claimableStatuses() []string {
	return []string{string(domain.Pending), string(domain.Queued), string(domain.Retrying)}
}
