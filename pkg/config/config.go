// Package config loads engine configuration from a YAML or JSON file plus
// environment overrides. Defaults let the engine start with no file at all.
// The configuration always describes a DynamoDB store; the in-memory store
// is chosen by the engine's -memory_store flag, not by configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/viewfinderco/viewfinder/pkg/logger"
)

// ServerConfig controls the HTTP dispatch surface.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DynamoDBConfig controls the backing key-value store.
type DynamoDBConfig struct {
	Region      string `json:"region" yaml:"region" env:"DYNAMODB_REGION"`
	Endpoint    string `json:"endpoint" yaml:"endpoint" env:"DYNAMODB_ENDPOINT"`
	TablePrefix string `json:"table_prefix" yaml:"table_prefix" env:"DYNAMODB_TABLE_PREFIX"`
	MaxRetries  int    `json:"max_retries" yaml:"max_retries" env:"DYNAMODB_MAX_RETRIES"`
}

// SchedulerConfig controls the operation manager.
type SchedulerConfig struct {
	// ScanOps enables the startup scan of the Operation table to discover
	// orphaned work left behind by dead processes.
	ScanOps bool `json:"scan_ops" yaml:"scan_ops" env:"SCHEDULER_SCAN_OPS"`
	// RescanSchedule is a cron expression for periodic orphan rescans.
	RescanSchedule string `json:"rescan_schedule" yaml:"rescan_schedule" env:"SCHEDULER_RESCAN_SCHEDULE"`
	// MaxUsers bounds the number of concurrent per-user drain tasks.
	MaxUsers int `json:"max_users" yaml:"max_users" env:"SCHEDULER_MAX_USERS"`
	// QuarantineAttempts is the retry budget before an operation is parked.
	QuarantineAttempts int `json:"quarantine_attempts" yaml:"quarantine_attempts" env:"SCHEDULER_QUARANTINE_ATTEMPTS"`
}

// PushConfig controls APNS/GCM dispatch.
type PushConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled" env:"PUSH_ENABLED"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval" env:"PUSH_FLUSH_INTERVAL"`
	RatePerSec    float64       `json:"rate_per_sec" yaml:"rate_per_sec" env:"PUSH_RATE_PER_SEC"`
}

// EmailConfig selects the email backend.
type EmailConfig struct {
	Backend string `json:"backend" yaml:"backend" env:"EMAIL_BACKEND"` // logging|test|http
	APIURL  string `json:"api_url" yaml:"api_url" env:"EMAIL_API_URL"`
	APIKey  string `json:"api_key" yaml:"api_key" env:"EMAIL_API_KEY"`
	Sender  string `json:"sender" yaml:"sender" env:"EMAIL_SENDER"`
}

// SMSConfig selects the SMS backend.
type SMSConfig struct {
	Backend string `json:"backend" yaml:"backend" env:"SMS_BACKEND"` // logging|test|http
	APIURL  string `json:"api_url" yaml:"api_url" env:"SMS_API_URL"`
	APIKey  string `json:"api_key" yaml:"api_key" env:"SMS_API_KEY"`
	Number  string `json:"number" yaml:"number" env:"SMS_NUMBER"`
}

// Config is the root configuration object.
type Config struct {
	Server    ServerConfig        `json:"server" yaml:"server"`
	DynamoDB  DynamoDBConfig      `json:"dynamodb" yaml:"dynamodb"`
	Logging   logger.LoggingConfig `json:"logging" yaml:"logging"`
	Scheduler SchedulerConfig     `json:"scheduler" yaml:"scheduler"`
	Push      PushConfig          `json:"push" yaml:"push"`
	Email     EmailConfig         `json:"email" yaml:"email"`
	SMS       SMSConfig           `json:"sms" yaml:"sms"`
}

// Default returns the configuration used when no file or environment is
// present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8443},
		DynamoDB: DynamoDBConfig{
			Region:      "us-east-1",
			TablePrefix: "vf_",
			MaxRetries:  5,
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "json"},
		Scheduler: SchedulerConfig{
			ScanOps:            true,
			RescanSchedule:     "@every 5m",
			MaxUsers:           256,
			QuarantineAttempts: 20,
		},
		Push:  PushConfig{FlushInterval: time.Second, RatePerSec: 100},
		Email: EmailConfig{Backend: "logging", Sender: "info@goviewfinder.com"},
		SMS:   SMSConfig{Backend: "logging"},
	}
}

// Load reads configuration from path (optional), then applies .env and
// environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".json":
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	// .env is optional; ignore a missing file.
	_ = godotenv.Load()

	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, nil
}
