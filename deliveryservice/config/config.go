// Package config loads and validates the delivery service configuration.
// Loading is two-stage: raw YAML is unmarshaled into YamlConfig, then
// converted into the canonical AppConfig with parsed durations, defaults,
// and environment overrides applied.
package config

import (
	"fmt"
	"os"
	"time"
)

// --- Application Config Struct ---

// AppConfig is the canonical, validated configuration object used
// throughout the application.
type AppConfig struct {
	RunMode       string
	APIPort       string
	WebSocketPort string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	ConnectionTTL     time.Duration
	RenewInterval     time.Duration
	ReconcileInterval time.Duration

	RelayChannel string

	QueueMaxAttempts          int
	QueueInitialDelay         time.Duration
	QueueBackoffBase          time.Duration
	QueueBackoffCap           time.Duration
	QueueVisibilityTimeout    time.Duration
	QueueWorkerConcurrency    int
	QueueWorkerPollInterval   time.Duration
	QueueWorkerRateLimit      int
	QueueDeadLetterRetention  time.Duration
	QueueDeadLetterMaxEntries int64

	FirestoreProjectID        string
	FirestoreEventsCollection string
}

// NewConfigFromYaml converts the raw unmarshaled YamlConfig into a clean,
// validated AppConfig, applying defaults and environment overrides.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	cfg := &AppConfig{
		RunMode:                   stringOr(yamlCfg.RunMode, "local"),
		APIPort:                   stringOr(yamlCfg.APIPort, "8080"),
		WebSocketPort:             stringOr(yamlCfg.WebSocketPort, "8081"),
		RedisAddr:                 stringOr(yamlCfg.Redis.Addr, "localhost:6379"),
		RedisPassword:             yamlCfg.Redis.Password,
		RedisDB:                   yamlCfg.Redis.DB,
		RelayChannel:              yamlCfg.Relay.Channel,
		QueueMaxAttempts:          yamlCfg.Queue.MaxAttempts,
		QueueWorkerConcurrency:    yamlCfg.Queue.WorkerConcurrency,
		QueueWorkerRateLimit:      yamlCfg.Queue.WorkerRateLimit,
		QueueDeadLetterMaxEntries: yamlCfg.Queue.DeadLetterMaxEntries,
		FirestoreProjectID:        yamlCfg.Firestore.ProjectID,
		FirestoreEventsCollection: yamlCfg.Firestore.EventsCollection,
	}

	var err error
	if cfg.ConnectionTTL, err = durationOr(yamlCfg.Presence.ConnectionTTL, 60*time.Second); err != nil {
		return nil, fmt.Errorf("presence.connection_ttl: %w", err)
	}
	if cfg.RenewInterval, err = durationOr(yamlCfg.Presence.RenewInterval, 20*time.Second); err != nil {
		return nil, fmt.Errorf("presence.renew_interval: %w", err)
	}
	if cfg.ReconcileInterval, err = durationOr(yamlCfg.Presence.ReconcileInterval, 30*time.Second); err != nil {
		return nil, fmt.Errorf("presence.reconcile_interval: %w", err)
	}
	if cfg.QueueInitialDelay, err = durationOr(yamlCfg.Queue.InitialDelay, 2*time.Second); err != nil {
		return nil, fmt.Errorf("queue.initial_delay: %w", err)
	}
	if cfg.QueueBackoffBase, err = durationOr(yamlCfg.Queue.BackoffBase, 2*time.Second); err != nil {
		return nil, fmt.Errorf("queue.backoff_base: %w", err)
	}
	if cfg.QueueBackoffCap, err = durationOr(yamlCfg.Queue.BackoffCap, 60*time.Second); err != nil {
		return nil, fmt.Errorf("queue.backoff_cap: %w", err)
	}
	if cfg.QueueVisibilityTimeout, err = durationOr(yamlCfg.Queue.VisibilityTimeout, 30*time.Second); err != nil {
		return nil, fmt.Errorf("queue.visibility_timeout: %w", err)
	}
	if cfg.QueueWorkerPollInterval, err = durationOr(yamlCfg.Queue.WorkerPollInterval, 500*time.Millisecond); err != nil {
		return nil, fmt.Errorf("queue.worker_poll_interval: %w", err)
	}
	if cfg.QueueDeadLetterRetention, err = durationOr(yamlCfg.Queue.DeadLetterRetention, 24*time.Hour); err != nil {
		return nil, fmt.Errorf("queue.dead_letter_retention: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads, parses, and validates a config file in one call.
func LoadFromFile(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	yamlCfg, err := ParseYaml(data)
	if err != nil {
		return nil, err
	}
	return NewConfigFromYaml(yamlCfg)
}

// applyEnvOverrides lets deployment environments override addresses
// without editing the config file.
func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		cfg.APIPort = v
	}
	if v := os.Getenv("WEBSOCKET_PORT"); v != "" {
		cfg.WebSocketPort = v
	}
	if v := os.Getenv("GOOGLE_CLOUD_PROJECT"); v != "" {
		cfg.FirestoreProjectID = v
	}
}

func (c *AppConfig) validate() error {
	if c.RunMode != "local" && c.RunMode != "prod" {
		return fmt.Errorf("run_mode must be 'local' or 'prod', got %q", c.RunMode)
	}
	if c.RunMode == "prod" && c.FirestoreProjectID == "" {
		return fmt.Errorf("firestore.project_id is required in prod mode")
	}
	if c.ConnectionTTL <= c.RenewInterval {
		return fmt.Errorf("presence.connection_ttl (%s) must exceed presence.renew_interval (%s)",
			c.ConnectionTTL, c.RenewInterval)
	}
	if c.APIPort == c.WebSocketPort {
		return fmt.Errorf("api_port and websocket_port must differ")
	}
	return nil
}

func stringOr(val, fallback string) string {
	if val == "" {
		return fallback
	}
	return val
}

func durationOr(val string, fallback time.Duration) (time.Duration, error) {
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", val, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", val)
	}
	return d, nil
}
