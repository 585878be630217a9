package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"timecapsule/internal/domain"
)

// Common is shared by every long-running binary.
type Common struct {
	DBDSN       string `envconfig:"DB_DSN"` // empty => in-memory store (dev only)
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`
	DBAutoMigrate           bool          `envconfig:"DB_AUTO_MIGRATE" default:"true"`

	LogFormat     string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	LogFile       string `envconfig:"LOG_FILE"`
	LogMaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"100"`
	LogMaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"5"`
	LogMaxAgeDays int    `envconfig:"LOG_MAX_AGE_DAYS" default:"14"`
}

// Policy seeds the settings row the first time it is read.
type Policy struct {
	IPDailyLimit     int   `envconfig:"IP_DAILY_LIMIT" default:"20"`
	IP10MinLimit     int   `envconfig:"IP_10MIN_LIMIT" default:"5"`
	MinLeadSeconds   int64 `envconfig:"MIN_LEAD_SECONDS" default:"3600"`
	DailyCreateLimit int   `envconfig:"DAILY_CREATE_LIMIT" default:"80"`
}

func (p Policy) Defaults() domain.Settings {
	return domain.Settings{
		IPDailyLimit:     p.IPDailyLimit,
		IP10MinLimit:     p.IP10MinLimit,
		MinLeadSeconds:   p.MinLeadSeconds,
		DailyCreateLimit: p.DailyCreateLimit,
	}
}

type Redis struct {
	RateLimitBackend string `envconfig:"RATE_LIMIT_BACKEND" default:"store"` // store|redis
	RedisAddr        string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword    string `envconfig:"REDIS_PASSWORD"`
	RedisDB          int    `envconfig:"REDIS_DB" default:"0"`
}

// AWS / SQS
type Queue struct {
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	EventsQueueURL     string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL"`
}

type APIConfig struct {
	Common
	Policy
	Redis
	Queue

	BaseURL       string `envconfig:"BASE_URL"`
	AdminPassword string `envconfig:"ADMIN_PASSWORD"`
	CookieSecure  bool   `envconfig:"COOKIE_SECURE" default:"true"`

	ServeWebhook  bool   `envconfig:"SERVE_WEBHOOK" default:"true"`
	WebhookSecret string `envconfig:"RESEND_WEBHOOK_SECRET"`
}

type WorkerConfig struct {
	Common

	// Resend
	ResendAPIKey  string  `envconfig:"RESEND_API_KEY" required:"true"`
	ResendBaseURL string  `envconfig:"RESEND_BASE_URL" default:"https://api.resend.com"`
	FromEmail     string  `envconfig:"FROM_EMAIL" required:"true"`
	ResendRPS     float64 `envconfig:"RESEND_RPS" default:"2"`
	ResendBurst   int     `envconfig:"RESEND_BURST" default:"2"`
	BaseURL       string  `envconfig:"BASE_URL"`

	SweepInterval      time.Duration `envconfig:"SWEEP_INTERVAL" default:"1m"`
	SweepBatchSize     int           `envconfig:"SWEEP_BATCH_SIZE" default:"50"`
	SweepConcurrency   int           `envconfig:"SWEEP_CONCURRENCY" default:"5"`
	SendTimeout        time.Duration `envconfig:"SEND_TIMEOUT" default:"15s"`
	ClaimLease         time.Duration `envconfig:"CLAIM_LEASE" default:"2m"`
	RateLimitRetention time.Duration `envconfig:"RATE_LIMIT_RETENTION" default:"720h"`
	PruneInterval      time.Duration `envconfig:"PRUNE_INTERVAL" default:"1h"`
}

// Validate rejects limiter settings under which no send could ever proceed.
func (c WorkerConfig) Validate() error {
	if c.ResendRPS <= 0 {
		return fmt.Errorf("RESEND_RPS must be positive, got %v", c.ResendRPS)
	}
	if c.ResendBurst < 1 {
		return fmt.Errorf("RESEND_BURST must be at least 1, got %d", c.ResendBurst)
	}
	return nil
}

type WebhookConfig struct {
	Common
	Queue

	WebhookSecret string `envconfig:"RESEND_WEBHOOK_SECRET" required:"true"`
}

type WebhookProcessorConfig struct {
	Common
	Queue

	SQSWaitTime   int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs    int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	Concurrency   int   `envconfig:"WORKER_CONCURRENCY" default:"10"`
}

type MigrateConfig struct {
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
}

// Load reads an optional .env file, then the environment, into cfg, and
// runs cfg's Validate method when it has one.
func Load(cfg any) error {
	_ = godotenv.Load() // a missing .env is fine
	if err := envconfig.Process("", cfg); err != nil {
		return err
	}
	if v, ok := cfg.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return nil
}

func mustLoad[T any]() T {
	var cfg T
	if err := Load(&cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadAPI() APIConfig                           { return mustLoad[APIConfig]() }
func LoadWorker() WorkerConfig                     { return mustLoad[WorkerConfig]() }
func LoadWebhook() WebhookConfig                   { return mustLoad[WebhookConfig]() }
func LoadWebhookProcessor() WebhookProcessorConfig { return mustLoad[WebhookProcessorConfig]() }
func LoadMigrate() MigrateConfig                   { return mustLoad[MigrateConfig]() }
