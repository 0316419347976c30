package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/enrichq/internal/domain"
)

type Kind string

const (
	StatusChanged Kind = "job.status_changed"
	Progress      Kind = "job.progress"
)

// Event is a committed job change awaiting side-channel delivery.
type Event struct {
	ID          string        `json:"id"`
	Kind        Kind          `json:"kind"`
	JobID       string        `json:"jobId"`
	WorkspaceID string        `json:"workspaceId"`
	Status      domain.Status `json:"status"`
	WebhookURL  string        `json:"webhookUrl,omitempty"`
	Progress    *int          `json:"progress,omitempty"`
	Message     string        `json:"message,omitempty"`
	Job         *domain.Job   `json:"job,omitempty"`
	OccurredAt  time.Time     `json:"occurredAt"`
}

func NewStatusEvent(j domain.Job, at time.Time) Event {
	snapshot := j.Clone()
	return Event{
		ID:          uuid.NewString(),
		Kind:        StatusChanged,
		JobID:       j.ID,
		WorkspaceID: j.WorkspaceID,
		Status:      j.Status,
		WebhookURL:  j.WebhookURL,
		Job:         &snapshot,
		OccurredAt:  at,
	}
}

func NewProgressEvent(j domain.Job, progress *int, message string, at time.Time) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        Progress,
		JobID:       j.ID,
		WorkspaceID: j.WorkspaceID,
		Status:      j.Status,
		Progress:    progress,
		Message:     message,
		OccurredAt:  at,
	}
}

// Deliverable reports whether the event should be POSTed to the job's webhookUrl.
func (e Event) Deliverable() bool {
	if e.WebhookURL == "" || e.Kind != StatusChanged {
		return false
	}
	return domain.Terminal(e.Status)
}

func (e Event) Channel() string { return "jobs:" + e.WorkspaceID }

func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

// Queue buffers events between the committing writer and the dispatcher.
type Queue interface {
	Push(ctx context.Context, e Event) error
	// Pop waits up to block for an event. ok is false when none arrived.
	Pop(ctx context.Context, block time.Duration) (e Event, ok bool, err error)
}

// Sink hands events to a Queue without ever failing the caller.
type Sink struct {
	q   Queue
	log *zap.Logger
}

func NewSink(q Queue, log *zap.Logger) *Sink {
	return &Sink{q: q, log: log}
}

func (s *Sink) Emit(ctx context.Context, e Event) {
	if s == nil || s.q == nil {
		return
	}
	if err := s.q.Push(ctx, e); err != nil {
		s.log.Warn("outbox push failed",
			zap.String("job_id", e.JobID),
			zap.String("kind", string(e.Kind)),
			zap.Error(err))
	}
}
