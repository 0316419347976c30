package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/enrichq/internal/domain"
	"github.com/SirClappington/enrichq/internal/outbox"
	"github.com/SirClappington/enrichq/internal/storage"
)

const (
	maxTags      = 20
	maxTagLength = 64
	swapAttempts = 3
)

// Manager is the only component that writes job rows. Every state change goes
// through a conditional write on the row's status and version.
type Manager struct {
	store   storage.Store
	events  *outbox.Sink
	log     *zap.Logger
	now     func() time.Time
	backoff Backoff
}

type Option func(*Manager)

func WithEvents(s *outbox.Sink) Option { return func(m *Manager) { m.events = s } }

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.log = l } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithBackoff(b Backoff) Option { return func(m *Manager) { m.backoff = b } }

func NewManager(store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		log:     zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		backoff: Backoff{Strategy: BackoffExponential, Base: 30 * time.Second, Max: 15 * time.Minute},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type EnqueueOptions struct {
	Priority    int
	MaxRetries  *int
	ScheduledAt *time.Time
	WebhookURL  string
	Tags        []string
}

// Enqueue validates and persists a new job. It is pending, or queued when
// scheduled in the future.
func (m *Manager) Enqueue(ctx context.Context, typ domain.Type, workspaceID string, payload json.RawMessage, opts EnqueueOptions) (domain.Job, error) {
	v := &domain.ValidationError{}
	if strings.TrimSpace(workspaceID) == "" {
		v.Add("workspaceId", "is required")
	}
	if !typ.Valid() {
		v.Add("type", fmt.Sprintf("must be one of %s", joinTypes()))
	}
	var decoded domain.Payload
	if typ.Valid() {
		p, err := domain.DecodePayload(typ, payload)
		if err != nil {
			var pv *domain.ValidationError
			if !errors.As(err, &pv) {
				return domain.Job{}, err
			}
			v.Fields = append(v.Fields, pv.Fields...)
		}
		decoded = p
	}

	priority := opts.Priority
	if priority == 0 {
		priority = domain.DefaultPriority
	}
	validatePriority(v, priority)

	maxRetries := domain.DefaultMaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}
	if maxRetries < 0 || maxRetries > domain.MaxMaxRetries {
		v.Add("maxRetries", fmt.Sprintf("must be between 0 and %d", domain.MaxMaxRetries))
	}
	validateWebhookURL(v, opts.WebhookURL)
	tags := normalizeTags(v, opts.Tags)
	if err := v.Err(); err != nil {
		return domain.Job{}, err
	}

	now := m.now()
	j := domain.Job{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Type:        typ,
		Priority:    priority,
		Status:      domain.Pending,
		Payload:     append(json.RawMessage(nil), payload...),
		MaxRetries:  maxRetries,
		CreatedAt:   now,
		UpdatedAt:   now,
		WebhookURL:  opts.WebhookURL,
		Tags:        tags,
		ExternalID:  decoded.ExternalRef(),
	}
	if opts.ScheduledAt != nil {
		at := opts.ScheduledAt.UTC()
		j.ScheduledAt = &at
		if at.After(now) {
			j.Status = domain.Queued
		}
	}
	if err := m.store.Insert(ctx, j); err != nil {
		return domain.Job{}, errors.Wrap(err, "enqueue")
	}
	m.log.Info("job enqueued",
		zap.String("job_id", j.ID),
		zap.String("workspace_id", workspaceID),
		zap.String("type", string(typ)),
		zap.Int("priority", priority),
		zap.String("status", string(j.Status)))
	m.emit(ctx, j)
	return j, nil
}

// GetJobs lists jobs owned by workspaceID.
func (m *Manager) GetJobs(ctx context.Context, workspaceID string, f storage.ListFilter) ([]domain.Job, int, error) {
	if workspaceID == "" {
		return nil, 0, &domain.ValidationError{Fields: []domain.FieldError{{Field: "workspaceId", Message: "is required"}}}
	}
	f.WorkspaceID = workspaceID
	return m.store.List(ctx, f)
}

// GetJobStatus returns the job or domain.ErrNotFound.
func (m *Manager) GetJobStatus(ctx context.Context, jobID string) (domain.Job, error) {
	return m.store.Get(ctx, jobID)
}

// GetJob returns the job only if it belongs to workspaceID. A job owned by
// another workspace is reported as not found.
func (m *Manager) GetJob(ctx context.Context, workspaceID, jobID string) (domain.Job, error) {
	j, err := m.store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.WorkspaceID != workspaceID {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

// UpdateJobStatus moves a job along the state machine. On an invalid
// transition nothing is written and a *domain.TransitionError is returned.
func (m *Manager) UpdateJobStatus(ctx context.Context, jobID string, to domain.Status, result json.RawMessage, jobErr *domain.JobError) (domain.Job, error) {
	return m.mutate(ctx, "", jobID, func(cur domain.Job) (domain.Job, error) {
		if !domain.CanTransition(cur.Status, to) {
			return domain.Job{}, &domain.TransitionError{JobID: cur.ID, Current: cur.Status, Target: to}
		}
		return m.transition(cur, to, result, jobErr), nil
	})
}

// Claim moves a due job to in_progress with a single conditional write against
// the snapshot the caller read. It reports false when another worker won.
// A retrying job whose budget is already spent is dead-lettered instead.
func (m *Manager) Claim(ctx context.Context, j domain.Job) (domain.Job, bool, error) {
	if !domain.Claimable(j.Status) || !j.Due(m.now()) {
		return domain.Job{}, false, nil
	}
	if j.Status == domain.Retrying && j.RetryCount >= j.MaxRetries {
		next := m.transition(j, domain.DeadLetter, nil, &domain.JobError{
			Message: "retry budget exhausted",
			Code:    domain.CodeRetriesExhausted,
		})
		ok, err := m.swap(ctx, next, j.Status)
		if err != nil {
			return domain.Job{}, false, err
		}
		if ok {
			m.emit(ctx, next)
		}
		return domain.Job{}, false, nil
	}
	next := m.transition(j, domain.InProgress, nil, nil)
	// Asynchronous providers answer under this id, and a callback can land
	// before the provider call returns, so it is stored with the claim.
	if next.ExternalID == "" {
		next.ExternalID = uuid.NewString()
	}
	ok, err := m.swap(ctx, next, j.Status)
	if err != nil || !ok {
		return domain.Job{}, false, err
	}
	next.Version++
	m.emit(ctx, next)
	return next, true, nil
}

// Reclaim sends a stuck in-progress job back to the retry path, or to
// dead_letter when its budget is spent. It writes only against the snapshot
// given, so a job that moved on since it was listed is left alone.
func (m *Manager) Reclaim(ctx context.Context, j domain.Job) (domain.Job, bool, error) {
	if j.Status != domain.InProgress {
		return domain.Job{}, false, nil
	}
	next := m.transition(j, domain.Retrying, nil, &domain.JobError{
		Message: "job exceeded the in-progress threshold",
		Code:    domain.CodeStaleInProgress,
	})
	ok, err := m.swap(ctx, next, j.Status)
	if err != nil || !ok {
		return domain.Job{}, false, err
	}
	next.Version++
	m.emit(ctx, next)
	return next, true, nil
}

// Resolution turns a provider callback into a result, or an error for a
// failed lookup, for the job it belongs to.
type Resolution func(j domain.Job) (json.RawMessage, *domain.JobError)

var errStaleCallback = errors.New("callback no longer matches an in-flight job")

// Resolve applies a provider callback to the in-progress job waiting on
// externalID. It reports false when no such job exists, which makes repeated
// deliveries no-ops.
func (m *Manager) Resolve(ctx context.Context, externalID string, fn Resolution) (domain.Job, bool, error) {
	j, err := m.FindInFlight(ctx, externalID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	next, err := m.mutate(ctx, "", j.ID, func(cur domain.Job) (domain.Job, error) {
		if cur.Status != domain.InProgress || cur.ExternalID != externalID {
			return domain.Job{}, errStaleCallback
		}
		result, jobErr := fn(cur)
		if jobErr != nil {
			return m.transition(cur, domain.Failed, nil, jobErr), nil
		}
		return m.transition(cur, domain.Completed, result, nil), nil
	})
	if errors.Is(err, errStaleCallback) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, err
	}
	return next, true, nil
}

// Complete records a successful result for an in-progress job.
func (m *Manager) Complete(ctx context.Context, jobID string, result json.RawMessage) (domain.Job, error) {
	return m.UpdateJobStatus(ctx, jobID, domain.Completed, result, nil)
}

// Fail records an attempt failure for an in-progress job. Retryable failures
// go to retrying, or dead_letter once maxRetries is reached; others go to failed.
func (m *Manager) Fail(ctx context.Context, jobID string, jobErr domain.JobError, retryable bool) (domain.Job, error) {
	to := domain.Failed
	if retryable {
		to = domain.Retrying
	}
	return m.UpdateJobStatus(ctx, jobID, to, nil, &jobErr)
}

// AwaitExternal records the provider reference of an in-progress job whose
// result will arrive by webhook. When the job already carries externalID it is
// returned as stored, which may be resolved if the callback came first.
func (m *Manager) AwaitExternal(ctx context.Context, jobID, externalID string) (domain.Job, error) {
	cur, err := m.store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if externalID != "" && cur.ExternalID == externalID {
		return cur, nil
	}
	return m.mutate(ctx, "", jobID, func(cur domain.Job) (domain.Job, error) {
		if cur.Status != domain.InProgress {
			return domain.Job{}, &domain.TransitionError{JobID: cur.ID, Current: cur.Status, Target: domain.InProgress}
		}
		cur.ExternalID = externalID
		cur.UpdatedAt = m.now()
		return cur, nil
	})
}

// Cancel fails a pending, queued or retrying job on behalf of its workspace.
func (m *Manager) Cancel(ctx context.Context, workspaceID, jobID string) (domain.Job, error) {
	return m.mutate(ctx, workspaceID, jobID, func(cur domain.Job) (domain.Job, error) {
		if !domain.Cancellable(cur.Status) {
			return domain.Job{}, &domain.TransitionError{JobID: cur.ID, Current: cur.Status, Target: domain.Failed}
		}
		return m.transition(cur, domain.Failed, nil, cancelledError()), nil
	})
}

// Retry resets a failed or dead-lettered job to pending.
func (m *Manager) Retry(ctx context.Context, workspaceID, jobID string) (domain.Job, error) {
	return m.mutate(ctx, workspaceID, jobID, func(cur domain.Job) (domain.Job, error) {
		if !domain.Retriable(cur.Status) {
			return domain.Job{}, &domain.TransitionError{JobID: cur.ID, Current: cur.Status, Target: domain.Pending}
		}
		return m.transition(cur, domain.Pending, nil, nil), nil
	})
}

// Patch is a partial update requested by a workspace.
type Patch struct {
	Status     *domain.Status
	Priority   *int
	WebhookURL *string
	Tags       *[]string
}

// userStatuses are the statuses a workspace may request directly.
var userStatuses = []domain.Status{domain.Pending, domain.Queued, domain.Failed}

func (m *Manager) Patch(ctx context.Context, workspaceID, jobID string, p Patch) (domain.Job, error) {
	v := &domain.ValidationError{}
	if p.Status != nil && !isUserStatus(*p.Status) {
		v.Add("status", "can only be set to pending, queued or failed")
	}
	if p.Priority != nil {
		validatePriority(v, *p.Priority)
	}
	if p.WebhookURL != nil {
		validateWebhookURL(v, *p.WebhookURL)
	}
	var tags []string
	if p.Tags != nil {
		tags = normalizeTags(v, *p.Tags)
	}
	if err := v.Err(); err != nil {
		return domain.Job{}, err
	}

	return m.mutate(ctx, workspaceID, jobID, func(cur domain.Job) (domain.Job, error) {
		next := cur
		if p.Status != nil && *p.Status != cur.Status {
			to := *p.Status
			if !domain.CanTransition(cur.Status, to) || (to == domain.Failed && !domain.Cancellable(cur.Status)) {
				return domain.Job{}, &domain.TransitionError{JobID: cur.ID, Current: cur.Status, Target: to}
			}
			var jobErr *domain.JobError
			if to == domain.Failed {
				jobErr = cancelledError()
			}
			next = m.transition(cur, to, nil, jobErr)
		}
		if p.Priority != nil {
			next.Priority = *p.Priority
		}
		if p.WebhookURL != nil {
			next.WebhookURL = *p.WebhookURL
		}
		if p.Tags != nil {
			next.Tags = tags
		}
		next.UpdatedAt = m.now()
		return next, nil
	})
}

// Progress broadcasts a progress notification for a job without changing it.
func (m *Manager) Progress(ctx context.Context, j domain.Job, progress *int, message string) {
	m.events.Emit(ctx, outbox.NewProgressEvent(j, progress, message, m.now()))
}

// FindInFlight returns the in-progress job waiting on externalID.
func (m *Manager) FindInFlight(ctx context.Context, externalID string) (domain.Job, error) {
	if externalID == "" {
		return domain.Job{}, domain.ErrNotFound
	}
	return m.store.FindInFlight(ctx, externalID)
}

// ListDue returns up to limit claimable jobs that are due now.
func (m *Manager) ListDue(ctx context.Context, limit int) ([]domain.Job, error) {
	return m.store.ListDue(ctx, m.now(), limit)
}

// ListStuck returns in-progress jobs started more than threshold ago.
func (m *Manager) ListStuck(ctx context.Context, threshold time.Duration, limit int) ([]domain.Job, error) {
	return m.store.ListStuck(ctx, m.now().Add(-threshold), limit)
}

type Metrics struct {
	Workspace storage.Counts
	Queue     storage.Counts
}

func (m *Manager) Metrics(ctx context.Context, workspaceID string) (Metrics, error) {
	ws, err := m.store.Counts(ctx, workspaceID)
	if err != nil {
		return Metrics{}, err
	}
	all, err := m.store.Counts(ctx, "")
	if err != nil {
		return Metrics{}, err
	}
	return Metrics{Workspace: ws, Queue: all}, nil
}

// mutate re-reads the job and applies fn until the conditional write wins.
// A non-empty workspaceID hides jobs owned by other workspaces.
func (m *Manager) mutate(ctx context.Context, workspaceID, jobID string, fn func(cur domain.Job) (domain.Job, error)) (domain.Job, error) {
	for attempt := 0; attempt < swapAttempts; attempt++ {
		cur, err := m.store.Get(ctx, jobID)
		if err != nil {
			return domain.Job{}, err
		}
		if workspaceID != "" && cur.WorkspaceID != workspaceID {
			return domain.Job{}, domain.ErrNotFound
		}
		next, err := fn(cur)
		if err != nil {
			return domain.Job{}, err
		}
		ok, err := m.swap(ctx, next, cur.Status)
		if err != nil {
			return domain.Job{}, err
		}
		if ok {
			next.Version++
			if next.Status != cur.Status {
				m.emit(ctx, next)
			}
			return next, nil
		}
	}
	return domain.Job{}, errors.Wrapf(domain.ErrConflict, "job %s", jobID)
}

func (m *Manager) swap(ctx context.Context, next domain.Job, expected domain.Status) (bool, error) {
	ok, err := m.store.Swap(ctx, next, expected)
	if err != nil {
		return false, err
	}
	if ok && next.Status != expected {
		m.log.Debug("job transition",
			zap.String("job_id", next.ID),
			zap.String("from", string(expected)),
			zap.String("to", string(next.Status)),
			zap.Int("retry_count", next.RetryCount))
	}
	return ok, nil
}

// transition returns cur moved to status to, with the bookkeeping the target
// state requires. It does not validate the edge.
func (m *Manager) transition(cur domain.Job, to domain.Status, result json.RawMessage, jobErr *domain.JobError) domain.Job {
	now := m.now()
	next := cur.Clone()
	next.UpdatedAt = now

	if to == domain.Retrying {
		next.RetryCount = cur.RetryCount + 1
		if next.RetryCount >= cur.MaxRetries {
			to = domain.DeadLetter
			next.RetryCount = cur.MaxRetries
		}
	}
	next.Status = to

	switch to {
	case domain.InProgress:
		next.StartedAt = &now
		next.CompletedAt = nil
	case domain.Completed:
		if len(result) == 0 {
			result = json.RawMessage(`{}`)
		}
		next.Result = append(json.RawMessage(nil), result...)
		next.CompletedAt = &now
		next.Error = nil
	case domain.Retrying:
		next.Error = jobErr
		at := now.Add(m.backoff.Delay(next.RetryCount))
		next.ScheduledAt = &at
	case domain.Failed, domain.DeadLetter:
		if jobErr == nil {
			jobErr = &domain.JobError{Message: "job failed", Code: domain.CodeProviderError}
		}
		next.Error = jobErr
		next.Result = nil
		next.CompletedAt = nil
	case domain.Pending:
		next.RetryCount = 0
		next.Error = nil
		next.Result = nil
		next.StartedAt = nil
		next.CompletedAt = nil
		next.ScheduledAt = nil
		next.ExternalID = ""
	}
	return next
}

func (m *Manager) emit(ctx context.Context, j domain.Job) {
	m.events.Emit(ctx, outbox.NewStatusEvent(j, m.now()))
}

func cancelledError() *domain.JobError {
	return &domain.JobError{Message: "Job cancelled by user", Code: domain.CodeUserCancelled}
}

func isUserStatus(s domain.Status) bool {
	for _, u := range userStatuses {
		if u == s {
			return true
		}
	}
	return false
}

func validatePriority(v *domain.ValidationError, p int) {
	if p < domain.MinPriority || p > domain.MaxPriority {
		v.Add("priority", fmt.Sprintf("must be between %d and %d", domain.MinPriority, domain.MaxPriority))
	}
}

func validateWebhookURL(v *domain.ValidationError, raw string) {
	if raw == "" {
		return
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		v.Add("webhookUrl", "must be an absolute http(s) URL")
	}
}

func normalizeTags(v *domain.ValidationError, in []string) []string {
	if len(in) > maxTags {
		v.Add("tags", fmt.Sprintf("at most %d tags", maxTags))
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if len(t) > maxTagLength {
			v.Add("tags", fmt.Sprintf("tag %q exceeds %d characters", t, maxTagLength))
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func joinTypes() string {
	names := make([]string, 0, len(domain.Types))
	for _, t := range domain.Types {
		names = append(names, string(t))
	}
	return strings.Join(names, ", ")
}
