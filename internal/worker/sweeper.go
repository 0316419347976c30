package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/enrichq/internal/queue"
)

const (
	DefaultStuckThreshold = 30 * time.Minute
	sweepBatch            = 500
)

// Sweeper returns jobs left in_progress past the threshold, by a crashed
// invocation or a provider that never called back, to the retry path.
type Sweeper struct {
	jobs      *queue.Manager
	threshold time.Duration
	log       *zap.Logger
}

func NewSweeper(jobs *queue.Manager, threshold time.Duration, log *zap.Logger) *Sweeper {
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	return &Sweeper{jobs: jobs, threshold: threshold, log: log}
}

// Sweep reclaims stuck jobs and returns how many it moved.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	stuck, err := s.jobs.ListStuck(ctx, s.threshold, sweepBatch)
	if err != nil {
		return 0, errors.Wrap(err, "list stuck jobs")
	}
	n := 0
	for _, j := range stuck {
		if ctx.Err() != nil {
			break
		}
		next, ok, err := s.jobs.Reclaim(ctx, j)
		if err != nil {
			s.log.Warn("reclaim failed", zap.String("job_id", j.ID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		n++
		s.log.Info("reclaimed stuck job",
			zap.String("job_id", j.ID),
			zap.String("status", string(next.Status)),
			zap.Int("retry_count", next.RetryCount))
	}
	return n, nil
}
