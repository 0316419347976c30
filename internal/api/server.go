package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/enrichq/internal/observability"
	"github.com/SirClappington/enrichq/internal/queue"
	"github.com/SirClappington/enrichq/internal/webhook"
	"github.com/SirClappington/enrichq/internal/worker"
)

const maxBodyBytes = 1 << 20

// Deps are the collaborators the HTTP layer delegates to.
type Deps struct {
	Jobs      *queue.Manager
	Processor *worker.Processor
	Sweeper   *worker.Sweeper
	Receiver  *webhook.Receiver
	Metrics   *observability.Metrics
	Log       *zap.Logger

	// Tokens maps bearer tokens to the workspace they act for.
	Tokens     map[string]string
	CronSecret string
	// MaxJobs is the default batch size for /jobs/process.
	MaxJobs int
}

type Server struct {
	jobs       *queue.Manager
	processor  *worker.Processor
	sweeper    *worker.Sweeper
	receiver   *webhook.Receiver
	metrics    *observability.Metrics
	log        *zap.Logger
	tokens     map[string]string
	cronSecret string
	maxJobs    int
	now        func() time.Time
}

func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.MaxJobs <= 0 {
		d.MaxJobs = worker.DefaultMaxJobs
	}
	return &Server{
		jobs:       d.Jobs,
		processor:  d.Processor,
		sweeper:    d.Sweeper,
		receiver:   d.Receiver,
		metrics:    d.Metrics,
		log:        d.Log,
		tokens:     d.Tokens,
		cronSecret: d.CronSecret,
		maxJobs:    d.MaxJobs,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.AccessLog(s.log, s.metrics))
	r.Use(middleware.Recoverer)
	r.Use(observability.ServerTiming)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/process", s.processHealth)
		r.With(s.requireCron).Post("/process", s.process)

		r.Group(func(r chi.Router) {
			r.Use(s.requireWorkspace)
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Get("/metrics", s.jobMetrics)
			r.Post("/bulk", s.bulk)
			r.Get("/{id}", s.getJob)
			r.Put("/{id}", s.updateJob)
			r.Delete("/{id}", s.cancelJob)
			r.Post("/{id}/retry", s.retryJob)
		})
	})

	r.Get("/webhook", s.webhookHealth)
	r.Post("/webhook", s.receiveWebhook)
	return r
}
