// Package config centralises configuration parsing for the sync engine and its services.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/pelosync/config.yaml",
}

// Config captures runtime configuration values.
type Config struct {
	Database DatabaseConfig `koanf:"database"`
	Peloton  PelotonConfig  `koanf:"peloton"`
	Sync     SyncConfig     `koanf:"sync"`
	Logging  LoggingConfig  `koanf:"logging"`
	Server   ServerConfig   `koanf:"server"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Outbox   OutboxConfig   `koanf:"outbox"`
	DLQ      DLQConfig      `koanf:"dlq"`
	Auth     AuthConfig     `koanf:"auth"`
}

// DatabaseConfig holds the PostgreSQL connection settings. URL wins over the discrete fields.
type DatabaseConfig struct {
	URL      string `koanf:"url"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
}

// PelotonConfig holds the remote platform credentials and client budget.
type PelotonConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	BaseURL  string `koanf:"base_url"`
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int `koanf:"max_retries"`
	// RetryDelaySeconds is the base backoff delay.
	RetryDelaySeconds int `koanf:"retry_delay"`
	RateLimitCalls    int `koanf:"rate_limit_calls"`
	// RateLimitPeriodSeconds is the window RateLimitCalls applies to.
	RateLimitPeriodSeconds int           `koanf:"rate_limit_period"`
	Timeout                time.Duration `koanf:"timeout"`
	SampleInterval         int           `koanf:"sample_interval"`
}

// RetryDelay returns the base backoff delay.
func (p PelotonConfig) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelaySeconds) * time.Second
}

// RateLimitPeriod returns the rate limit window.
func (p PelotonConfig) RateLimitPeriod() time.Duration {
	return time.Duration(p.RateLimitPeriodSeconds) * time.Second
}

// SyncConfig controls run sizing.
type SyncConfig struct {
	MaxWorkouts        int  `koanf:"max_workouts"`
	IncludePerformance bool `koanf:"include_performance"`
	IntervalHours      int  `koanf:"interval_hours"`
	Workers            int  `koanf:"workers"`
	// RunTimeout bounds a consumer-triggered run. Zero means no limit.
	RunTimeout time.Duration `koanf:"run_timeout"`
}

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// ServerConfig holds listen addresses.
type ServerConfig struct {
	HTTPAddress    string `koanf:"http_address"`
	MetricsAddress string `koanf:"metrics_address"`
}

// KafkaConfig holds broker settings.
type KafkaConfig struct {
	Brokers          []string `koanf:"brokers"`
	SyncRequestTopic string   `koanf:"sync_request_topic"`
	ConsumerGroupID  string   `koanf:"consumer_group_id"`
}

// OutboxConfig tunes the outbox dispatcher.
type OutboxConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	BatchSize    int           `koanf:"batch_size"`
}

// DLQConfig tunes the dead-letter retry loop.
type DLQConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"` // Interval between DLQ polling iterations.
	MaxRetries   int           `koanf:"max_retries"`   // Maximum number of DLQ retry attempts before quarantine.
	BaseDelay    time.Duration `koanf:"base_delay"`    // Base delay used for exponential backoff.
}

// AuthConfig holds JWT verification settings for the HTTP API.
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	JWTIssuer string `koanf:"jwt_issuer"`
}

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host: "localhost",
			Port: 5432,
			Name: "peloton_data",
		},
		Peloton: PelotonConfig{
			BaseURL:                "https://api.onepeloton.com",
			MaxRetries:             3,
			RetryDelaySeconds:      1,
			RateLimitCalls:         60,
			RateLimitPeriodSeconds: 60,
			Timeout:                30 * time.Second,
			SampleInterval:         5,
		},
		Sync: SyncConfig{
			MaxWorkouts:        100,
			IncludePerformance: true,
			IntervalHours:      24,
			Workers:            1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			HTTPAddress:    ":8080",
			MetricsAddress: ":9090",
		},
		Kafka: KafkaConfig{
			Brokers:          []string{"kafka:9092"},
			SyncRequestTopic: "sync_requests",
			ConsumerGroupID:  "peloton-sync",
		},
		Outbox: OutboxConfig{
			PollInterval: 2 * time.Second,
			BatchSize:    25,
		},
		DLQ: DLQConfig{
			PollInterval: 30 * time.Second,
			MaxRetries:   5,
			BaseDelay:    time.Minute,
		},
		Auth: AuthConfig{
			JWTSecret: "dev-secret-change-me",
			JWTIssuer: "pelosync.identity",
		},
	}
}

// envMappings keeps the historical variable names of the sync tool.
var envMappings = map[string]string{
	"database_url": "database.url",
	"db_host":      "database.host",
	"db_port":      "database.port",
	"db_name":      "database.name",
	"db_user":      "database.user",
	"db_password":  "database.password",

	"peloton_username":        "peloton.username",
	"peloton_password":        "peloton.password",
	"peloton_base_url":        "peloton.base_url",
	"peloton_timeout":         "peloton.timeout",
	"peloton_sample_interval": "peloton.sample_interval",
	"max_retries":             "peloton.max_retries",
	"retry_delay":             "peloton.retry_delay",
	"rate_limit_calls":        "peloton.rate_limit_calls",
	"rate_limit_period":       "peloton.rate_limit_period",

	"max_workouts_per_sync":    "sync.max_workouts",
	"include_performance_data": "sync.include_performance",
	"sync_interval_hours":      "sync.interval_hours",
	"sync_workers":             "sync.workers",
	"sync_run_timeout":         "sync.run_timeout",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"http_address":    "server.http_address",
	"metrics_address": "server.metrics_address",

	"kafka_brokers":      "kafka.brokers",
	"sync_request_topic": "kafka.sync_request_topic",
	"consumer_group_id":  "kafka.consumer_group_id",

	"outbox_poll_interval": "outbox.poll_interval",
	"outbox_batch_size":    "outbox.batch_size",

	"dlq_poll_interval": "dlq.poll_interval",
	"dlq_max_retries":   "dlq.max_retries",
	"dlq_base_delay":    "dlq.base_delay",

	"jwt_secret": "auth.jwt_secret",
	"jwt_issuer": "auth.jwt_issuer",
}

var sliceConfigPaths = []string{"kafka.brokers"}

// Load reads configuration from defaults, an optional YAML file and the environment, in that
// order of precedence.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := splitSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings that would make every run fail.
func (c *Config) Validate() error {
	var errs []error
	if c.Sync.MaxWorkouts <= 0 {
		errs = append(errs, errors.New("max_workouts_per_sync must be positive"))
	}
	if c.Sync.Workers < 0 {
		errs = append(errs, errors.New("sync_workers must not be negative"))
	}
	if c.Peloton.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must not be negative"))
	}
	if c.Peloton.RateLimitCalls < 0 || c.Peloton.RateLimitPeriodSeconds < 0 {
		errs = append(errs, errors.New("rate limit settings must not be negative"))
	}
	if c.Outbox.BatchSize <= 0 {
		errs = append(errs, errors.New("outbox_batch_size must be positive"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console", "text":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// RequireDatabase reports whether a connection string can be built.
func (c *Config) RequireDatabase() error {
	if c.Database.URL != "" {
		return nil
	}
	if c.Database.User == "" || c.Database.Password == "" {
		return errors.New("database credentials not configured: set DATABASE_URL or DB_USER and DB_PASSWORD")
	}
	return nil
}

// RequirePeloton reports whether remote credentials are present.
func (c *Config) RequirePeloton() error {
	if c.Peloton.Username == "" || c.Peloton.Password == "" {
		return errors.New("peloton credentials not configured: set PELOTON_USERNAME and PELOTON_PASSWORD")
	}
	return nil
}

// DatabaseURL returns the explicit URL or builds one from the discrete settings.
func (c *Config) DatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Database.User, c.Database.Password),
		Host:   net.JoinHostPort(c.Database.Host, strconv.Itoa(c.Database.Port)),
		Path:   "/" + c.Database.Name,
	}
	return u.String()
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform maps known variables onto config keys and drops everything else.
func envTransform(key string) string {
	return envMappings[strings.ToLower(key)]
}

func splitSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}
