package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// --- YAML-Specific Structs ---

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type YamlPresenceConfig struct {
	ConnectionTTL     string `yaml:"connection_ttl"`
	RenewInterval     string `yaml:"renew_interval"`
	ReconcileInterval string `yaml:"reconcile_interval"`
}

type YamlRelayConfig struct {
	Channel string `yaml:"channel"`
}

type YamlQueueConfig struct {
	MaxAttempts          int    `yaml:"max_attempts"`
	InitialDelay         string `yaml:"initial_delay"`
	BackoffBase          string `yaml:"backoff_base"`
	BackoffCap           string `yaml:"backoff_cap"`
	VisibilityTimeout    string `yaml:"visibility_timeout"`
	WorkerConcurrency    int    `yaml:"worker_concurrency"`
	WorkerPollInterval   string `yaml:"worker_poll_interval"`
	WorkerRateLimit      int    `yaml:"worker_rate_limit"`
	DeadLetterRetention  string `yaml:"dead_letter_retention"`
	DeadLetterMaxEntries int64  `yaml:"dead_letter_max_entries"`
}

type YamlFirestoreConfig struct {
	ProjectID        string `yaml:"project_id"`
	EventsCollection string `yaml:"events_collection"`
}

// YamlConfig defines the structure for unmarshaling the config.yaml file.
type YamlConfig struct {
	RunMode       string              `yaml:"run_mode"`
	APIPort       string              `yaml:"api_port"`
	WebSocketPort string              `yaml:"websocket_port"`
	Redis         YamlRedisConfig     `yaml:"redis"`
	Presence      YamlPresenceConfig  `yaml:"presence"`
	Relay         YamlRelayConfig     `yaml:"relay"`
	Queue         YamlQueueConfig     `yaml:"queue"`
	Firestore     YamlFirestoreConfig `yaml:"firestore"`
}

// ParseYaml unmarshals raw config bytes into the YamlConfig staging struct.
func ParseYaml(data []byte) (*YamlConfig, error) {
	var cfg YamlConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}
	return &cfg, nil
}
