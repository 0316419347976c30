package webhook

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/enrichq/internal/domain"
	"github.com/SirClappington/enrichq/internal/enrich"
	"github.com/SirClappington/enrichq/internal/observability"
	"github.com/SirClappington/enrichq/internal/queue"
)

const Generic = "generic"

var (
	ErrUnknownProvider = errors.New("unknown webhook provider")
	ErrBadSignature    = errors.New("invalid webhook signature")
	ErrMalformed       = errors.New("malformed webhook payload")
)

// Generic event names accepted by job id.
const (
	EventStarted   = "job.started"
	EventProgress  = "job.progress"
	EventCompleted = "job.completed"
	EventFailed    = "job.failed"
)

// Outcome describes what a callback did.
type Outcome struct {
	Provider string
	Matched  bool
	Applied  bool
	JobID    string
	Status   domain.Status
}

// Receiver verifies provider callbacks and applies them through the queue manager.
type Receiver struct {
	jobs    *queue.Manager
	secrets func(provider string) string
	metrics *observability.Metrics
	log     *zap.Logger
}

func NewReceiver(jobs *queue.Manager, secrets func(provider string) string, metrics *observability.Metrics, log *zap.Logger) *Receiver {
	if metrics == nil {
		metrics = observability.NewMetrics(nil)
	}
	return &Receiver{jobs: jobs, secrets: secrets, metrics: metrics, log: log}
}

// Known reports whether provider has an adapter or is the generic channel.
func Known(provider string) bool {
	if provider == Generic {
		return true
	}
	_, ok := adapters[provider]
	return ok
}

// Handle verifies and applies one callback. Per-callback failures never
// escape as anything but the returned error.
func (r *Receiver) Handle(ctx context.Context, provider string, body []byte, signature string) (out Outcome, err error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	out.Provider = provider
	defer func() {
		r.metrics.RecordWebhook(ctx, provider, outcomeLabel(out, err))
	}()

	if !Known(provider) {
		return out, ErrUnknownProvider
	}
	if secret := r.secrets(provider); secret != "" && !Verify(secret, body, signature) {
		r.log.Warn("webhook signature rejected", zap.String("provider", provider))
		return out, ErrBadSignature
	}
	if provider == Generic {
		return r.generic(ctx, body)
	}

	cb, err := adapters[provider](body)
	if err != nil {
		return out, errors.Wrap(ErrMalformed, err.Error())
	}
	job, matched, err := r.jobs.Resolve(ctx, cb.ExternalID, func(j domain.Job) (json.RawMessage, *domain.JobError) {
		if !cb.Success {
			return nil, &domain.JobError{Message: cb.Error, Code: domain.CodeProviderError}
		}
		result, err := enrich.CallbackResult(j, provider, cb.Data)
		if err != nil {
			return nil, &domain.JobError{Message: "result could not be stored: " + err.Error(), Code: domain.CodeWebhookFailure}
		}
		return result, nil
	})
	if err != nil {
		return out, err
	}
	if !matched {
		r.log.Info("webhook matched no in-flight job",
			zap.String("provider", provider),
			zap.String("external_id", cb.ExternalID))
		return out, nil
	}
	out.Matched, out.Applied = true, true
	out.JobID, out.Status = job.ID, job.Status
	r.log.Info("webhook applied",
		zap.String("provider", provider),
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)))
	return out, nil
}

type genericEvent struct {
	Event    string          `json:"event"`
	JobID    string          `json:"jobId"`
	Result   json.RawMessage `json:"result"`
	Error    json.RawMessage `json:"error"`
	Progress *int            `json:"progress"`
	Message  string          `json:"message"`
	// Retryable sends a failed job to the retry path instead of failed.
	Retryable bool `json:"retryable"`
}

// generic applies a provider-agnostic event addressed by job id. Events that
// no longer fit the job's state are acknowledged without effect.
func (r *Receiver) generic(ctx context.Context, body []byte) (Outcome, error) {
	out := Outcome{Provider: Generic}
	var ev genericEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return out, errors.Wrap(ErrMalformed, err.Error())
	}
	if ev.JobID == "" {
		return out, errors.Wrap(ErrMalformed, "jobId is required")
	}
	j, err := r.jobs.GetJobStatus(ctx, ev.JobID)
	if err != nil {
		return out, err
	}
	out.Matched, out.JobID, out.Status = true, j.ID, j.Status

	var next domain.Job
	switch ev.Event {
	case EventStarted:
		if j.Status == domain.InProgress {
			return out, nil
		}
		next, err = r.jobs.UpdateJobStatus(ctx, j.ID, domain.InProgress, nil, nil)
	case EventProgress:
		if j.Status != domain.InProgress {
			return out, nil
		}
		r.jobs.Progress(ctx, j, ev.Progress, ev.Message)
		out.Applied = true
		return out, nil
	case EventCompleted:
		next, err = r.jobs.Complete(ctx, j.ID, ev.Result)
	case EventFailed:
		next, err = r.jobs.Fail(ctx, j.ID, parseJobError(ev.Error), ev.Retryable)
	default:
		return out, errors.Wrapf(ErrMalformed, "unknown event %q", ev.Event)
	}
	if errors.Is(err, domain.ErrInvalidTransition) {
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Applied, out.Status = true, next.Status
	return out, nil
}

// parseJobError accepts either {"message","code"} or a bare string.
func parseJobError(raw json.RawMessage) domain.JobError {
	e := domain.JobError{Message: "reported failed by callback", Code: domain.CodeProviderError}
	if len(raw) == 0 {
		return e
	}
	var s string
	if json.Unmarshal(raw, &s) == nil && s != "" {
		e.Message = s
		return e
	}
	var obj domain.JobError
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Message != "" {
			e.Message = obj.Message
		}
		if obj.Code != "" {
			e.Code = obj.Code
		}
	}
	return e
}

func outcomeLabel(o Outcome, err error) string {
	switch {
	case err != nil:
		return "error"
	case o.Applied:
		return "applied"
	case o.Matched:
		return "stale"
	default:
		return "unmatched"
	}
}
