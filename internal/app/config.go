package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/spendlens/spendlens/internal/classifier"
)

// Config holds runtime configuration for the application.
type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	AppAddr           string        `envconfig:"APP_ADDR" default:":8080"`
	AppReadTimeout    time.Duration `envconfig:"APP_READ_TIMEOUT" default:"15s"`
	AppWriteTimeout   time.Duration `envconfig:"APP_WRITE_TIMEOUT" default:"15s"`
	AppRequestTimeout time.Duration `envconfig:"APP_REQUEST_TIMEOUT" default:"30s"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"pretty"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`

	ClassifierBackend string `envconfig:"CLASSIFIER_BACKEND" default:"bayes"`
	GeminiModel       string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash"`

	RetrainThreshold int    `envconfig:"RETRAIN_THRESHOLD" default:"10"`
	RetrainCron      string `envconfig:"RETRAIN_CRON" default:"*/15 * * * *"`
	SweepCron        string `envconfig:"SWEEP_CRON" default:"*/5 * * * *"`

	ProcessingLease time.Duration `envconfig:"PROCESSING_LEASE" default:"10m"`
	SweepBatch      int           `envconfig:"SWEEP_BATCH" default:"200"`

	AnalysisMaxRetry  int           `envconfig:"ANALYSIS_MAX_RETRY" default:"3"`
	AnalysisTimeout   time.Duration `envconfig:"ANALYSIS_TIMEOUT" default:"2m"`
	WorkerConcurrency int           `envconfig:"WORKER_CONCURRENCY" default:"5"`

	CacheTTL           time.Duration `envconfig:"CACHE_TTL" default:"2s"`
	RateLimitPerMinute int           `envconfig:"RATE_LIMIT_PER_MINUTE" default:"100"`

	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`

	StatementMaxBytes   int64 `envconfig:"STATEMENT_MAX_BYTES" default:"10485760"`
	StatementGCSEnabled bool  `envconfig:"STATEMENT_GCS_ENABLED" default:"false"`
}

// LoadConfig reads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings envconfig cannot express.
func (c *Config) Validate() error {
	if c.PGDSN == "" {
		return errors.New("postgres dsn must be provided")
	}
	if c.RetrainThreshold <= 0 {
		return fmt.Errorf("retrain threshold must be positive, got %d", c.RetrainThreshold)
	}
	c.ClassifierBackend = strings.ToLower(strings.TrimSpace(c.ClassifierBackend))
	switch c.ClassifierBackend {
	case classifier.BackendBayes, classifier.BackendGemini:
	default:
		return fmt.Errorf("unknown classifier backend %q", c.ClassifierBackend)
	}
	if c.StatementMaxBytes <= 0 {
		return errors.New("statement max bytes must be positive")
	}
	return nil
}

// IsProduction returns true when the application runs in production.
func (c *Config) IsProduction() bool {
	return c != nil && c.AppEnv == "production"
}
