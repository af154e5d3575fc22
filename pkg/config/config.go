// Package config loads the vulnsla configuration file.
//
// Values are resolved in order: built-in defaults, the YAML file (with
// ${VAR} references expanded), then VULNSLA_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/exploopio/vulnsla/pkg/compress"
	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/logger"
	"github.com/exploopio/vulnsla/pkg/parsers"
	"github.com/exploopio/vulnsla/pkg/retry"
	"github.com/exploopio/vulnsla/pkg/sla"
)

// Environment variable names.
const (
	EnvDB          = "VULNSLA_DB"
	EnvLogLevel    = "VULNSLA_LOG_LEVEL"
	EnvLogEncoding = "VULNSLA_LOG_ENCODING"
	EnvAuditFile   = "VULNSLA_AUDIT_FILE"
	EnvMetricsAddr = "VULNSLA_METRICS_ADDR"
	EnvWorkers     = "VULNSLA_WORKERS"
)

// Config is the complete configuration.
type Config struct {
	Storage  StorageConfig  `yaml:"storage"`
	Parse    ParseConfig    `yaml:"parse"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	SLA      sla.Policy     `yaml:"sla"`
	Logging  LoggingConfig  `yaml:"logging"`
	Audit    AuditConfig    `yaml:"audit"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// ArchivePayloads keeps the raw scan file of every import.
	ArchivePayloads bool   `yaml:"archive_payloads"`
	Compression     string `yaml:"compression"`
}

// ParseConfig configures the scan parsers.
type ParseConfig struct {
	// Delimiter is "auto", "tab", "comma" or a single character.
	Delimiter       string `yaml:"delimiter"`
	MaxRecordErrors int    `yaml:"max_record_errors"`
}

// PipelineConfig configures concurrent imports.
type PipelineConfig struct {
	Workers    int           `yaml:"workers"`
	QueueSize  int           `yaml:"queue_size"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// BackoffStrategy is exponential, linear or constant.
	BackoffStrategy string `yaml:"backoff_strategy"`

	// RateLimit caps imports started per second. Zero disables it.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// LoggingConfig configures the application logger.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	Enabled       bool          `yaml:"enabled"`
	File          string        `yaml:"file"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of /metrics. Empty disables the endpoint.
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:            "vulnsla.db",
			BusyTimeout:     5 * time.Second,
			ArchivePayloads: true,
			Compression:     string(compress.AlgorithmZSTD),
		},
		Parse: ParseConfig{
			Delimiter: "auto",
		},
		Pipeline: PipelineConfig{
			Workers:         4,
			QueueSize:       100,
			MaxRetries:      3,
			RetryDelay:      500 * time.Millisecond,
			BackoffStrategy: "exponential",
			Burst:           1,
		},
		SLA: sla.DefaultPolicy(),
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "console",
		},
		Audit: AuditConfig{
			Enabled:       true,
			File:          "vulnsla-audit.log",
			BufferSize:    100,
			FlushInterval: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Namespace: "vulnsla",
		},
	}
}

// Load reads path over the defaults, applies the environment and validates.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, verrors.E(verrors.KindInvalidInput, "config.Load", "read config", err)
		}
		if err := cfg.Decode(data); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode merges YAML data into cfg. ${VAR} references are expanded first.
func (c *Config) Decode(data []byte) error {
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return verrors.E(verrors.KindInvalidInput, "config.Decode", "parse config", err)
	}
	return nil
}

// ApplyEnv overrides settings from VULNSLA_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvDB); ok && v != "" {
		c.Storage.Path = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvLogEncoding); ok && v != "" {
		c.Logging.Encoding = v
	}
	if v, ok := lookup(EnvAuditFile); ok && v != "" {
		c.Audit.File = v
	}
	if v, ok := lookup(EnvMetricsAddr); ok {
		c.Metrics.Addr = v
	}
	if v, ok := lookup(EnvWorkers); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return verrors.WrapWithMessage(verrors.ErrInvalidConfig,
				fmt.Sprintf("%s=%q is not a number", EnvWorkers, v))
		}
		c.Pipeline.Workers = n
	}
	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		add("storage.path is required")
	}
	if _, err := compress.ParseAlgorithm(c.Storage.Compression); err != nil {
		add("storage.compression: %v", err)
	}
	if _, err := c.Parse.Rune(); err != nil {
		add("parse.delimiter: %v", err)
	}
	if c.Parse.MaxRecordErrors < 0 {
		add("parse.max_record_errors must not be negative")
	}
	if c.Pipeline.Workers < 1 {
		add("pipeline.workers must be at least 1")
	}
	if c.Pipeline.QueueSize < 1 {
		add("pipeline.queue_size must be at least 1")
	}
	if c.Pipeline.MaxRetries < 0 {
		add("pipeline.max_retries must not be negative")
	}
	if _, err := c.Pipeline.Backoff(); err != nil {
		add("pipeline.backoff_strategy: %v", err)
	}
	if c.Pipeline.RateLimit < 0 {
		add("pipeline.rate_limit must not be negative")
	}
	if err := c.SLA.Validate(); err != nil {
		add("sla: %v", err)
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level: %v", err)
	}
	if e := c.Logging.Encoding; e != "" && e != "console" && e != "json" {
		add("logging.encoding must be console or json, got %q", e)
	}
	if c.Audit.Enabled && strings.TrimSpace(c.Audit.File) == "" {
		add("audit.file is required when audit is enabled")
	}

	if len(problems) > 0 {
		return verrors.WrapWithMessage(verrors.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Backoff returns the retry backoff strategy.
func (p PipelineConfig) Backoff() (retry.BackoffStrategy, error) {
	return retry.ParseStrategy(p.BackoffStrategy)
}

// Rune returns the tabular delimiter. Zero means detect it per file.
func (p ParseConfig) Rune() (rune, error) {
	switch strings.ToLower(p.Delimiter) {
	case "", "auto":
		return 0, nil
	case "tab", `\t`:
		return '\t', nil
	case "comma":
		return ',', nil
	case "semicolon":
		return ';', nil
	}
	r := []rune(p.Delimiter)
	if len(r) != 1 || r[0] == '\n' || r[0] == '\r' || r[0] == '"' {
		return 0, fmt.Errorf("unsupported delimiter %q", p.Delimiter)
	}
	return r[0], nil
}

// ParseOptions converts the parse section.
func (c *Config) ParseOptions() *parsers.ParseOptions {
	delim, _ := c.Parse.Rune()
	return &parsers.ParseOptions{Delimiter: delim, MaxRecordErrors: c.Parse.MaxRecordErrors}
}

// LoggerConfig converts the logging section.
func (c *Config) LoggerConfig() logger.Config {
	level, _ := logger.ParseLevel(c.Logging.Level)
	return logger.Config{Level: level, Encoding: c.Logging.Encoding}
}
