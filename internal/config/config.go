package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type App struct {
	Name         string `env:"APP_NAME" envDefault:"stagehand"`
	HTTPPort     string `env:"HTTP_PORT" envDefault:":8080"`
	Region       string `env:"REGION" envDefault:"local"`          // stamped on every job as regionOrigin
	FailoverMode string `env:"FAILOVER_MODE" envDefault:"primary"` // primary | secondary | drill
}

type DB struct {
	User string `env:"DB_USER" envDefault:"postgres"`
	Pass string `env:"DB_PASS" envDefault:"postgres"`
	Host string `env:"DB_HOST" envDefault:"postgres"`
	Port string `env:"DB_PORT" envDefault:"5432"`
	Name string `env:"DB_NAME" envDefault:"stagehand"`
	// MigrateOnStart applies the embedded goose migrations before serving.
	MigrateOnStart bool `env:"DB_MIGRATE_ON_START" envDefault:"true"`
}

type NSQ struct {
	NsqdTCPAddr    string `env:"NSQD_TCP_ADDR" envDefault:"nsqd:4150"`
	NsqdHTTPAddr   string `env:"NSQD_HTTP_ADDR" envDefault:"nsqd:4151"`
	LookupHTTPAddr string `env:"NSQ_LOOKUP_HTTP_ADDR" envDefault:"http://nsqlookupd:4161"`
	WorkerChannel  string `env:"NSQ_WORKER_CHANNEL" envDefault:"workers"`
}

type Redis struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"redis:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	// PendingTTL bounds how long a deduplicated job id stays claimed if a worker never releases it.
	PendingTTL time.Duration `env:"REDIS_PENDING_TTL" envDefault:"24h"`
}

type Queue struct {
	MaxAttempts    int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"5"`
	BackoffDelay   time.Duration `env:"QUEUE_BACKOFF_DELAY" envDefault:"3s"`
	BackoffMax     time.Duration `env:"QUEUE_BACKOFF_MAX" envDefault:"10m"`
	JitterPercent  float64       `env:"QUEUE_BACKOFF_JITTER_PCT" envDefault:"0"`
	Concurrency    int           `env:"QUEUE_CONCURRENCY" envDefault:"5"`
	LeaseTimeout   time.Duration `env:"QUEUE_LEASE_TIMEOUT" envDefault:"60s"`
	MonitorEvery   time.Duration `env:"QUEUE_MONITOR_INTERVAL" envDefault:"15s"`
	ReminderSweep  time.Duration `env:"REMINDER_SWEEP_INTERVAL" envDefault:"1h"`
	ReminderWindow time.Duration `env:"REMINDER_UPCOMING_WINDOW" envDefault:"72h"`
}

type Notify struct {
	SeenStore string        `env:"NOTIFY_SEEN_STORE" envDefault:"memory"` // memory | bolt | redis
	BoltPath  string        `env:"NOTIFY_BOLT_PATH" envDefault:"/var/lib/stagehand/notify.db"`
	SeenTTL   time.Duration `env:"NOTIFY_SEEN_TTL" envDefault:"168h"`
}

type Billing struct {
	// WebhookSecrets maps provider name to its shared HMAC secret, e.g. "demo:s3cret,acme:other".
	WebhookSecrets  map[string]string `env:"WEBHOOK_SECRETS" envDefault:"demo:demo-secret"`
	SignatureHeader string            `env:"WEBHOOK_SIGNATURE_HEADER" envDefault:"x-provider-signature"`
}

type Auth struct {
	PublicKeyPEM string `env:"JWT_PUBLIC_KEY"`
	Issuer       string `env:"JWT_ISSUER" envDefault:"stagehand"`
	Audience     string `env:"JWT_AUDIENCE" envDefault:"stagehand-api"`
}

type Worker struct {
	HTTPPort string `env:"WORKER_HTTP_PORT" envDefault:":8083"`
}

type Config struct {
	App     App
	DB      DB
	NSQ     NSQ
	Redis   Redis
	Queue   Queue
	Notify  Notify
	Billing Billing
	Auth    Auth
	Worker  Worker
}

// FromEnv loads an optional .env file and parses the process environment into a Config.
func FromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects configurations the worker pool and producer cannot run with.
func (c Config) Validate() error {
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be >= 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be >= 1, got %d", c.Queue.Concurrency)
	}
	if c.Queue.BackoffDelay < 0 {
		return fmt.Errorf("QUEUE_BACKOFF_DELAY must not be negative")
	}
	switch c.Notify.SeenStore {
	case "memory", "bolt", "redis":
	default:
		return fmt.Errorf("NOTIFY_SEEN_STORE must be one of memory, bolt, redis; got %q", c.Notify.SeenStore)
	}
	return nil
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
