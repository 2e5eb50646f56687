package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	LiveOps LiveOpsConfig `yaml:"liveops"`
}

// LiveOpsConfig is the project configuration.
type LiveOpsConfig struct {
	Analytics AnalyticsConfig `yaml:"analytics"`
	Pool      PoolConfig      `yaml:"pool"`
	Cache     CacheConfig     `yaml:"cache"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// AnalyticsConfig controls access to the analytical store.
type AnalyticsConfig struct {
	URL         string        `yaml:"url"`
	Database    string        `yaml:"database"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	Timeout     time.Duration `yaml:"timeout"`
	ResponseTTL time.Duration `yaml:"response_ttl"`
	SchemaTTL   time.Duration `yaml:"schema_ttl"`
}

// PoolConfig controls the query execution pool.
type PoolConfig struct {
	Size          int           `yaml:"size"`
	QueryTimeout  time.Duration `yaml:"query_timeout"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// CacheConfig controls the tiered cache.
type CacheConfig struct {
	Redis          RedisConfig   `yaml:"redis"`
	BoltPath       string        `yaml:"bolt_path"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	ExtendWindow   time.Duration `yaml:"extend_window"`
	AttemptCeiling int           `yaml:"attempt_ceiling"`
}

// RedisConfig controls Redis access.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// IngestConfig controls the event intake pipeline.
type IngestConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Queue         RedisConfig   `yaml:"queue"`
	Key           string        `yaml:"key"`
	BlockTimeout  time.Duration `yaml:"block_timeout"`
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	RecentLimit   int64         `yaml:"recent_limit"`
	Sink          SinkConfig    `yaml:"sink"`
}

// SinkConfig controls where ingested events land.
type SinkConfig struct {
	Mode string           `yaml:"mode"` // clickhouse|file
	File FileOutputConfig `yaml:"file"`
}

// FileOutputConfig config for local JSONL output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// AlertsConfig controls the alert evaluator.
type AlertsConfig struct {
	Enabled      bool          `yaml:"enabled"`
	TickInterval time.Duration `yaml:"tick_interval"`
	Environment  string        `yaml:"environment"`
	RulesPath    string        `yaml:"rules_path"`
	Slack        WebhookConfig `yaml:"slack"`
	Discord      WebhookConfig `yaml:"discord"`
	Email        EmailConfig   `yaml:"email"`
}

// WebhookConfig configures one webhook notification channel.
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// EmailConfig configures the SMTP notification channel.
type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
