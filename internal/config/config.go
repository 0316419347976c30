package config

import (
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"dev"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr  string `env:"API_ADDR" envDefault:":8080"`

	StoreDriver   string `env:"STORE_DRIVER" envDefault:"postgres"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"enrichq.db"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	AutoMigrate   bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	OutboxBackend string `env:"OUTBOX_BACKEND" envDefault:"memory"`

	// APITokens maps bearer tokens to the workspace they act for.
	APITokens  map[string]string `env:"API_TOKENS" envKeyValSeparator:"="`
	CronSecret string            `env:"CRON_SECRET"`

	ClearbitWebhookSecret string `env:"CLEARBIT_WEBHOOK_SECRET"`
	HunterWebhookSecret   string `env:"HUNTER_WEBHOOK_SECRET"`
	ApolloWebhookSecret   string `env:"APOLLO_WEBHOOK_SECRET"`
	GenericWebhookSecret  string `env:"GENERIC_WEBHOOK_SECRET"`

	ClearbitAPIKey  string `env:"CLEARBIT_API_KEY"`
	ClearbitBaseURL string `env:"CLEARBIT_BASE_URL" envDefault:"https://person.clearbit.com"`
	ClearbitAsync   bool   `env:"CLEARBIT_ASYNC" envDefault:"false"`
	HunterAPIKey    string `env:"HUNTER_API_KEY"`
	HunterBaseURL   string `env:"HUNTER_BASE_URL" envDefault:"https://api.hunter.io"`
	ApolloAPIKey    string `env:"APOLLO_API_KEY"`
	ApolloBaseURL   string `env:"APOLLO_BASE_URL" envDefault:"https://api.apollo.io"`

	RetryBackoff   string        `env:"RETRY_BACKOFF" envDefault:"exponential"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"30s"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY" envDefault:"15m"`
	JobTimeout     time.Duration `env:"JOB_TIMEOUT" envDefault:"20s"`
	StuckThreshold time.Duration `env:"STUCK_THRESHOLD" envDefault:"30m"`
	ProcessMaxJobs int           `env:"PROCESS_MAX_JOBS" envDefault:"10"`

	OutboundWebhookSecret  string        `env:"OUTBOUND_WEBHOOK_SECRET"`
	WebhookDeliveryTimeout time.Duration `env:"WEBHOOK_DELIVERY_TIMEOUT" envDefault:"10s"`

	SchedInterval time.Duration `env:"SCHED_INTERVAL" envDefault:"1m"`
	SchedAPIURL   string        `env:"SCHED_API_URL" envDefault:"http://localhost:8080"`
}

// WebhookSecret returns the {PROVIDER}_WEBHOOK_SECRET value for provider.
func (c Config) WebhookSecret(provider string) string {
	switch strings.ToLower(provider) {
	case "clearbit":
		return c.ClearbitWebhookSecret
	case "hunter":
		return c.HunterWebhookSecret
	case "apollo":
		return c.ApolloWebhookSecret
	case "generic":
		return c.GenericWebhookSecret
	}
	return ""
}

func Parse() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, err
	}
	return c, nil
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}
