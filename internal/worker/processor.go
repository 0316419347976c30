package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/enrichq/internal/domain"
	"github.com/SirClappington/enrichq/internal/enrich"
	"github.com/SirClappington/enrichq/internal/observability"
	"github.com/SirClappington/enrichq/internal/queue"
)

const (
	DefaultMaxJobs    = 10
	DefaultJobTimeout = 20 * time.Second

	// bookkeepingTimeout bounds the writes that record an attempt's outcome,
	// which run even after the invocation deadline has passed.
	bookkeepingTimeout = 5 * time.Second
)

// Enricher runs the type-specific enrichment routine for one job.
type Enricher interface {
	Enrich(ctx context.Context, j domain.Job) (enrich.Outcome, error)
}

// Processor is one invocation-bounded pass of the worker loop. Any number of
// processors may run at once; exclusivity comes from the conditional claim.
type Processor struct {
	jobs       *queue.Manager
	enricher   Enricher
	log        *zap.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	jobTimeout time.Duration
}

type Option func(*Processor)

func WithJobTimeout(d time.Duration) Option { return func(p *Processor) { p.jobTimeout = d } }

func WithMetrics(m *observability.Metrics) Option { return func(p *Processor) { p.metrics = m } }

func WithTracer(t *observability.Tracer) Option { return func(p *Processor) { p.tracer = t } }

func NewProcessor(jobs *queue.Manager, e Enricher, log *zap.Logger, opts ...Option) *Processor {
	p := &Processor{
		jobs:       jobs,
		enricher:   e,
		log:        log,
		jobTimeout: DefaultJobTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observability.NewMetrics(nil)
	}
	if p.tracer == nil {
		p.tracer = observability.NewTracer(nil)
	}
	return p
}

// ProcessOnce claims and runs up to maxJobs due jobs, highest priority first,
// and returns how many it claimed. It stops claiming once ctx is done; a job
// already claimed is finished and recorded.
func (p *Processor) ProcessOnce(ctx context.Context, maxJobs int) (int, error) {
	if maxJobs <= 0 {
		maxJobs = DefaultMaxJobs
	}
	start := time.Now()
	processed := 0
	attempted := make(map[string]struct{})
	defer func() {
		p.metrics.RecordBatch(context.WithoutCancel(ctx), processed, time.Since(start))
	}()

	for processed < maxJobs {
		if ctx.Err() != nil {
			break
		}
		due, err := p.jobs.ListDue(ctx, maxJobs-processed+len(attempted))
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return processed, errors.Wrap(err, "list due jobs")
		}
		claimed := 0
		for _, j := range due {
			if processed >= maxJobs || ctx.Err() != nil {
				break
			}
			if _, seen := attempted[j.ID]; seen {
				continue
			}
			job, ok, err := p.jobs.Claim(ctx, j)
			if err != nil {
				p.log.Warn("claim failed", zap.String("job_id", j.ID), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
			attempted[j.ID] = struct{}{}
			claimed++
			processed++
			p.run(ctx, job)
		}
		if claimed == 0 {
			break
		}
	}

	if processed > 0 {
		p.log.Info("worker pass finished",
			zap.Int("processed", processed),
			zap.Duration("elapsed", time.Since(start)))
	}
	return processed, nil
}

// run executes one claimed job and records its outcome.
func (p *Processor) run(ctx context.Context, j domain.Job) {
	log := p.log.With(
		zap.String("job_id", j.ID),
		zap.String("workspace_id", j.WorkspaceID),
		zap.String("type", string(j.Type)))
	p.metrics.RecordClaim(ctx, string(j.Type))

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()
	jobCtx, span := p.tracer.StartJob(jobCtx, j.ID, string(j.Type))

	outcome, err := p.enricher.Enrich(jobCtx, j)
	observability.EndSpan(span, err)

	// The outcome is recorded even if the invocation deadline has passed.
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer wcancel()

	var (
		final  domain.Job
		recErr error
	)
	switch {
	case err == nil && outcome.Async():
		final, recErr = p.jobs.AwaitExternal(wctx, j.ID, outcome.ExternalID)
		if recErr == nil && final.Status == domain.InProgress {
			log.Info("job awaiting provider callback", zap.String("external_id", outcome.ExternalID))
			return
		}
	case err == nil:
		final, recErr = p.jobs.Complete(wctx, j.ID, outcome.Result)
	default:
		jobErr := enrich.JobError(err)
		retryable := enrich.Retryable(err)
		log.Warn("job attempt failed",
			zap.String("code", jobErr.Code),
			zap.Bool("retryable", retryable),
			zap.Error(err))
		final, recErr = p.jobs.Fail(wctx, j.ID, jobErr, retryable)
	}
	if recErr != nil {
		log.Error("recording job outcome failed", zap.Error(recErr))
		return
	}
	p.metrics.RecordOutcome(wctx, string(j.Type), string(final.Status))
	log.Info("job attempt finished",
		zap.String("status", string(final.Status)),
		zap.Int("retry_count", final.RetryCount))
}
