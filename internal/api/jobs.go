package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/SirClappington/enrichq/internal/domain"
	"github.com/SirClappington/enrichq/internal/observability"
	"github.com/SirClappington/enrichq/internal/queue"
	"github.com/SirClappington/enrichq/internal/storage"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
	maxBulkJobs     = 100
)

type createJobRequest struct {
	Type        domain.Type     `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Priority    *int            `json:"priority"`
	MaxRetries  *int            `json:"maxRetries"`
	WebhookURL  string          `json:"webhookUrl"`
	Tags        []string        `json:"tags"`
	ScheduledAt *time.Time      `json:"scheduledAt"`
}

type jobSummary struct {
	ID          string        `json:"id"`
	Type        domain.Type   `json:"type"`
	Status      domain.Status `json:"status"`
	Priority    int           `json:"priority"`
	CreatedAt   time.Time     `json:"createdAt"`
	ScheduledAt *time.Time    `json:"scheduledAt,omitempty"`
}

type jobDetail struct {
	domain.Job
	ProcessingTimeMs *int64 `json:"processingTimeMs"`
}

func detail(j domain.Job) jobDetail {
	d := jobDetail{Job: j}
	if pt := j.ProcessingTime(); pt != nil {
		ms := pt.Milliseconds()
		d.ProcessingTimeMs = &ms
	}
	return d
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	// Enqueue treats a zero priority as "use the default"; an explicit zero is out of range.
	if req.Priority != nil && *req.Priority == 0 {
		v := &domain.ValidationError{}
		v.Add("priority", "must be between 1 and 5")
		s.fail(w, r, v)
		return
	}
	opts := queue.EnqueueOptions{
		MaxRetries:  req.MaxRetries,
		ScheduledAt: req.ScheduledAt,
		WebhookURL:  req.WebhookURL,
		Tags:        req.Tags,
	}
	if req.Priority != nil {
		opts.Priority = *req.Priority
	}

	st := observability.StartServerTiming(r.Context(), "store")
	j, err := s.jobs.Enqueue(r.Context(), req.Type, workspace(r.Context()), req.Payload, opts)
	st.Stop()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"jobId":   j.ID,
		"job": jobSummary{
			ID:          j.ID,
			Type:        j.Type,
			Status:      j.Status,
			Priority:    j.Priority,
			CreatedAt:   j.CreatedAt,
			ScheduledAt: j.ScheduledAt,
		},
	})
}

// parseListFilter reads the list query. Every malformed parameter is reported.
func parseListFilter(q url.Values) (storage.ListFilter, error) {
	v := &domain.ValidationError{}
	f := storage.ListFilter{Limit: defaultPageSize, SortBy: "createdAt", Desc: true}

	if s := q.Get("status"); s != "" {
		if !domain.Status(s).Valid() {
			v.Add("status", "unknown status")
		}
		f.Status = domain.Status(s)
	}
	if t := q.Get("type"); t != "" {
		if !domain.Type(t).Valid() {
			v.Add("type", "unknown job type")
		}
		f.Type = domain.Type(t)
	}
	if p := q.Get("priority"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < domain.MinPriority || n > domain.MaxPriority {
			v.Add("priority", "must be between 1 and 5")
		}
		f.Priority = n
	}
	if t := q.Get("tags"); t != "" {
		for _, tag := range strings.Split(t, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				f.Tags = append(f.Tags, tag)
			}
		}
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > maxPageSize {
			v.Add("limit", "must be between 1 and 100")
		}
		f.Limit = n
	}
	if o := q.Get("offset"); o != "" {
		n, err := strconv.Atoi(o)
		if err != nil || n < 0 {
			v.Add("offset", "must be a non-negative integer")
		}
		f.Offset = n
	}
	if sb := q.Get("sortBy"); sb != "" {
		if !storage.ValidSort(sb) {
			v.Add("sortBy", "must be one of createdAt, updatedAt, priority, status")
		}
		f.SortBy = sb
	}
	switch q.Get("sortOrder") {
	case "", "desc":
	case "asc":
		f.Desc = false
	default:
		v.Add("sortOrder", "must be asc or desc")
	}
	return f, v.Err()
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	f, err := parseListFilter(r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st := observability.StartServerTiming(r.Context(), "store")
	jobs, total, err := s.jobs.GetJobs(r.Context(), workspace(r.Context()), f)
	st.Stop()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []domain.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"jobs":    jobs,
		"pagination": map[string]any{
			"limit":   f.Limit,
			"offset":  f.Offset,
			"total":   total,
			"hasMore": f.Offset+len(jobs) < total,
		},
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	st := observability.StartServerTiming(r.Context(), "store")
	j, err := s.jobs.GetJob(r.Context(), workspace(r.Context()), chi.URLParam(r, "id"))
	st.Stop()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": detail(j)})
}

type updateJobRequest struct {
	Status     *domain.Status `json:"status"`
	Priority   *int           `json:"priority"`
	WebhookURL *string        `json:"webhookUrl"`
	Tags       *[]string      `json:"tags"`
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	var req updateJobRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	j, err := s.jobs.Patch(r.Context(), workspace(r.Context()), chi.URLParam(r, "id"), queue.Patch{
		Status:     req.Status,
		Priority:   req.Priority,
		WebhookURL: req.WebhookURL,
		Tags:       req.Tags,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "job": detail(j)})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Cancel(r.Context(), workspace(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Job cancelled", "job": detail(j)})
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.jobs.Retry(r.Context(), workspace(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Job queued for retry", "job": detail(j)})
}

type bulkRequest struct {
	JobIDs []string       `json:"jobIds"`
	Status *domain.Status `json:"status"`
}

type bulkResult struct {
	JobID  string        `json:"jobId"`
	OK     bool          `json:"success"`
	Status domain.Status `json:"status,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// bulk cancels every listed job, or moves each to the requested status.
// Each id succeeds or fails on its own.
func (s *Server) bulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "Invalid JSON body")
		return
	}
	v := &domain.ValidationError{}
	if len(req.JobIDs) == 0 || len(req.JobIDs) > maxBulkJobs {
		v.Add("jobIds", "must contain between 1 and 100 ids")
	}
	if req.Status != nil && !req.Status.Valid() {
		v.Add("status", "unknown status")
	}
	if err := v.Err(); err != nil {
		s.fail(w, r, err)
		return
	}

	ws := workspace(r.Context())
	results := make([]bulkResult, 0, len(req.JobIDs))
	succeeded := 0
	for _, id := range req.JobIDs {
		var (
			j   domain.Job
			err error
		)
		if req.Status == nil {
			j, err = s.jobs.Cancel(r.Context(), ws, id)
		} else {
			j, err = s.jobs.Patch(r.Context(), ws, id, queue.Patch{Status: req.Status})
		}
		if err != nil {
			status, body := errorResponse(err)
			if status >= 500 {
				s.log.Error("bulk update failed",
					zap.String("job_id", id),
					zap.String("workspace_id", ws),
					zap.Error(err))
			}
			msg := body.Error
			if len(body.Details) > 0 {
				msg = body.Details[0].Field + ": " + body.Details[0].Message
			}
			results = append(results, bulkResult{JobID: id, Status: body.CurrentStatus, Error: msg})
			continue
		}
		succeeded++
		results = append(results, bulkResult{JobID: id, OK: true, Status: j.Status})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"updated": succeeded,
		"failed":  len(results) - succeeded,
		"results": results,
	})
}

type countsView struct {
	Total               int                   `json:"total"`
	ByStatus            map[domain.Status]int `json:"byStatus"`
	ByType              map[domain.Type]int   `json:"byType"`
	AverageProcessingMs *float64              `json:"averageProcessingMs"`
}

func (s *Server) jobMetrics(w http.ResponseWriter, r *http.Request) {
	st := observability.StartServerTiming(r.Context(), "store")
	m, err := s.jobs.Metrics(r.Context(), workspace(r.Context()))
	st.Stop()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"metrics": map[string]any{
			"workspace": countsView{
				Total:               m.Workspace.Total,
				ByStatus:            m.Workspace.ByStatus,
				ByType:              m.Workspace.ByType,
				AverageProcessingMs: m.Workspace.AvgProcessingMs,
			},
			"queue": map[string]any{
				"total":    m.Queue.Total,
				"byStatus": m.Queue.ByStatus,
			},
		},
	})
}
