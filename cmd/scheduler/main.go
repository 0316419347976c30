package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/enrichq/internal/config"
	"github.com/SirClappington/enrichq/internal/observability"
	"github.com/SirClappington/enrichq/internal/outbox"
	"github.com/SirClappington/enrichq/internal/queue"
	"github.com/SirClappington/enrichq/internal/storage"
	"github.com/SirClappington/enrichq/internal/worker"
)

const (
	// leaderLockKey elects one scheduler replica per tick.
	leaderLockKey = 42
	outboxKey     = "enrichq:outbox"
)

type processResponse struct {
	Success       bool   `json:"success"`
	ProcessedJobs int    `json:"processedJobs"`
	ReclaimedJobs int    `json:"reclaimedJobs"`
	Error         string `json:"error"`
}

type scheduler struct {
	url    string
	secret string
	body   []byte
	client *http.Client
	lock   *storage.PostgresStore

	// sweeper reclaims stuck jobs straight from Postgres, so a wedged API
	// still has its in_progress backlog returned to the retry path.
	sweeper *worker.Sweeper
	log     *zap.Logger
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log, err := observability.NewLogger(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.CronSecret == "" {
		log.Fatal("CRON_SECRET is required")
	}
	body, _ := json.Marshal(map[string]int{"maxJobs": cfg.ProcessMaxJobs})
	s := &scheduler{
		url:    strings.TrimRight(cfg.SchedAPIURL, "/") + "/jobs/process",
		secret: cfg.CronSecret,
		body:   body,
		// The API bounds each invocation to 25s by default.
		client: &http.Client{Timeout: 60 * time.Second},
		log:    log,
	}
	// Without Postgres every replica fires; run exactly one in that case.
	if cfg.PostgresDSN != "" {
		db, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal("connect postgres", zap.Error(err))
		}
		defer db.Close()
		s.lock = storage.NewPostgres(db)
	}
	if sweepsDirectly(cfg) {
		opts := []queue.Option{queue.WithLogger(log)}
		if cfg.OutboxBackend == "redis" {
			rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
			defer rdb.Close()
			opts = append(opts, queue.WithEvents(outbox.NewSink(outbox.NewRedisQ(rdb, outboxKey), log)))
		}
		jobs := queue.NewManager(s.lock, opts...)
		s.sweeper = worker.NewSweeper(jobs, cfg.StuckThreshold, log)
	}

	log.Info("scheduler started",
		zap.String("url", s.url),
		zap.Duration("interval", cfg.SchedInterval),
		zap.Bool("direct_sweep", s.sweeper != nil))
	tick := time.NewTicker(cfg.SchedInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return
		case <-tick.C:
			s.tick(ctx)
		}
	}
}

// sweepsDirectly reports whether the scheduler can reclaim stuck jobs itself.
// The sweep reads the jobs table through pgx, so it only runs when the API
// stores jobs there too; other drivers rely on the sweep in /jobs/process.
func sweepsDirectly(cfg config.Config) bool {
	return cfg.PostgresDSN != "" && cfg.StoreDriver == "postgres"
}

func (s *scheduler) tick(ctx context.Context) {
	if s.lock != nil {
		release, ok, err := s.lock.AdvisoryLock(ctx, leaderLockKey)
		if err != nil {
			s.log.Warn("leader lock failed", zap.Error(err))
			return
		}
		if !ok {
			return
		}
		defer release()
	}
	if s.sweeper != nil {
		if n, err := s.sweeper.Sweep(ctx); err != nil {
			s.log.Warn("stuck job sweep failed", zap.Error(err))
		} else if n > 0 {
			s.log.Info("stuck jobs reclaimed", zap.Int("reclaimed", n))
		}
	}
	res, err := s.trigger(ctx)
	if err != nil {
		s.log.Error("process trigger failed", zap.Error(err))
		return
	}
	s.log.Info("process triggered",
		zap.Int("processed", res.ProcessedJobs),
		zap.Int("reclaimed", res.ReclaimedJobs))
}

func (s *scheduler) trigger(ctx context.Context) (processResponse, error) {
	var out processResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(s.body))
	if err != nil {
		return out, err
	}
	req.Header.Set("Authorization", "Bearer "+s.secret)
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return out, errors.Wrap(err, "post")
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, errors.Wrapf(err, "decode response (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return out, errors.Errorf("status %d: %s", resp.StatusCode, out.Error)
	}
	return out, nil
}
