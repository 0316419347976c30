package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/enrichq/internal/domain"
)

const (
	defaultProcessTimeout = 25 * time.Second
	minProcessTimeoutMs   = 1000
	maxProcessTimeoutMs   = 300000
	maxProcessJobs        = 100
)

type processRequest struct {
	MaxJobs *int `json:"maxJobs"`
	// Timeout is the invocation budget in milliseconds.
	Timeout *int `json:"timeout"`
}

func (s *Server) processHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"service":   "job-processor",
		"timestamp": s.now(),
	})
}

// process runs one bounded worker invocation: stuck jobs are reclaimed first,
// then due jobs are claimed until maxJobs or the timeout is reached.
func (s *Server) process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	maxJobs, timeout := s.maxJobs, defaultProcessTimeout
	v := &domain.ValidationError{}
	if req.MaxJobs != nil {
		if *req.MaxJobs < 1 || *req.MaxJobs > maxProcessJobs {
			v.Add("maxJobs", "must be between 1 and 100")
		}
		maxJobs = *req.MaxJobs
	}
	if req.Timeout != nil {
		if *req.Timeout < minProcessTimeoutMs || *req.Timeout > maxProcessTimeoutMs {
			v.Add("timeout", "must be between 1000 and 300000 milliseconds")
		}
		timeout = time.Duration(*req.Timeout) * time.Millisecond
	}
	if err := v.Err(); err != nil {
		s.fail(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	reclaimed, err := s.sweeper.Sweep(ctx)
	if err != nil {
		// A failed sweep must not block due work.
		s.log.Warn("stuck job sweep failed", zap.Error(err))
	}
	processed, err := s.processor.ProcessOnce(ctx, maxJobs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"processedJobs": processed,
		"reclaimedJobs": reclaimed,
		"timestamp":     s.now(),
	})
}
