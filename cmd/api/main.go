package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/enrichq/internal/api"
	"github.com/SirClappington/enrichq/internal/config"
	"github.com/SirClappington/enrichq/internal/enrich"
	"github.com/SirClappington/enrichq/internal/observability"
	"github.com/SirClappington/enrichq/internal/outbox"
	"github.com/SirClappington/enrichq/internal/queue"
	"github.com/SirClappington/enrichq/internal/storage"
	"github.com/SirClappington/enrichq/internal/webhook"
	"github.com/SirClappington/enrichq/internal/worker"
)

const outboxKey = "enrichq:outbox"

func main() {
	// A missing .env is fine; the environment wins either way.
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := observability.NewLogger(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("api exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) (err error) {
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	q, bc, closeOutbox, err := openOutbox(cfg)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeOutbox()) }()

	backoff := queue.Backoff{Strategy: cfg.RetryBackoff, Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay}
	if err := backoff.Validate(); err != nil {
		return err
	}

	metrics := observability.NewMetrics(nil)
	jobs := queue.NewManager(store,
		queue.WithEvents(outbox.NewSink(q, log.Named("outbox"))),
		queue.WithLogger(log.Named("queue")),
		queue.WithBackoff(backoff))

	workerLog := log.Named("worker")
	processor := worker.NewProcessor(jobs, enrichService(cfg, log.Named("enrich")), workerLog,
		worker.WithJobTimeout(cfg.JobTimeout),
		worker.WithMetrics(metrics),
		worker.WithTracer(observability.NewTracer(nil)))
	srv := api.NewServer(api.Deps{
		Jobs:       jobs,
		Processor:  processor,
		Sweeper:    worker.NewSweeper(jobs, cfg.StuckThreshold, workerLog),
		Receiver:   webhook.NewReceiver(jobs, cfg.WebhookSecret, metrics, log.Named("webhook")),
		Metrics:    metrics,
		Log:        log.Named("api"),
		Tokens:     cfg.APITokens,
		CronSecret: cfg.CronSecret,
		MaxJobs:    cfg.ProcessMaxJobs,
	})
	if cfg.CronSecret == "" {
		log.Warn("CRON_SECRET is empty; /jobs/process rejects every request")
	}

	httpSrv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	dispatcher := outbox.NewDispatcher(q, bc, nil, outbox.DispatcherConfig{
		Secret:  cfg.OutboundWebhookSecret,
		Timeout: cfg.WebhookDeliveryTimeout,
	}, log.Named("outbox"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.APIAddr), zap.String("store", cfg.StoreDriver))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (storage.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("POSTGRES_DSN is required for the postgres store")
		}
		if cfg.AutoMigrate {
			if err := storage.Migrate(cfg.PostgresDSN, cfg.MigrationsDir); err != nil {
				return nil, err
			}
			log.Info("migrations applied", zap.String("dir", cfg.MigrationsDir))
		}
		db, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, errors.Wrap(err, "connect postgres")
		}
		return storage.NewPostgres(db), nil
	case "gorm":
		return storage.OpenGormPostgres(cfg.PostgresDSN)
	case "sqlite":
		return storage.OpenSQLite(cfg.SQLitePath)
	case "memory":
		log.Warn("using the in-memory store; jobs are lost on restart")
		return storage.NewMemoryStore(), nil
	}
	return nil, errors.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
}

func openOutbox(cfg config.Config) (outbox.Queue, outbox.Broadcaster, func() error, error) {
	switch cfg.OutboxBackend {
	case "redis":
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		return outbox.NewRedisQ(rdb, outboxKey), outbox.NewRedisBroadcaster(rdb), rdb.Close, nil
	case "memory":
		return outbox.NewMemoryQueue(0), outbox.NewHub(), func() error { return nil }, nil
	}
	return nil, nil, nil, errors.Errorf("unknown OUTBOX_BACKEND %q", cfg.OutboxBackend)
}

// enrichService registers every provider that has an API key configured.
func enrichService(cfg config.Config, log *zap.Logger) *enrich.Service {
	client := &http.Client{Timeout: cfg.JobTimeout}
	var providers []enrich.Provider
	if cfg.ClearbitAPIKey != "" {
		providers = append(providers, enrich.NewClearbit(enrich.ProviderConfig{
			APIKey: cfg.ClearbitAPIKey, BaseURL: cfg.ClearbitBaseURL, Client: client,
		}, cfg.ClearbitAsync))
	}
	if cfg.HunterAPIKey != "" {
		providers = append(providers, enrich.NewHunter(enrich.ProviderConfig{
			APIKey: cfg.HunterAPIKey, BaseURL: cfg.HunterBaseURL, Client: client,
		}))
	}
	if cfg.ApolloAPIKey != "" {
		providers = append(providers, enrich.NewApollo(enrich.ProviderConfig{
			APIKey: cfg.ApolloAPIKey, BaseURL: cfg.ApolloBaseURL, Client: client,
		}))
	}
	if len(providers) == 0 {
		log.Warn("no enrichment provider configured; jobs will fail permanently")
	}
	return enrich.NewService(log, providers...)
}
