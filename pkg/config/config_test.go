package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	verrors "github.com/exploopio/vulnsla/pkg/errors"
	"github.com/exploopio/vulnsla/pkg/logger"
	"github.com/exploopio/vulnsla/pkg/retry"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vulnsla.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.SLA.Critical != 15 || cfg.SLA.Unknown != 90 {
		t.Errorf("Default().SLA = %+v", cfg.SLA)
	}
	if r, _ := cfg.Parse.Rune(); r != 0 {
		t.Errorf("Default().Parse.Rune() = %q, want detection", r)
	}
}

func TestDecode(t *testing.T) {
	t.Setenv("VULNSLA_TEST_DB", "/var/lib/vulnsla/test.db")

	cfg := Default()
	err := cfg.Decode([]byte(`
storage:
  path: ${VULNSLA_TEST_DB}
  compression: gzip
parse:
  delimiter: comma
  max_record_errors: 50
pipeline:
  workers: 8
  retry_delay: 2s
  backoff_strategy: linear
sla:
  critical: 7
logging:
  level: debug
  encoding: json
`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if cfg.Storage.Path != "/var/lib/vulnsla/test.db" {
		t.Errorf("Storage.Path = %q, want expanded env value", cfg.Storage.Path)
	}
	if cfg.Storage.Compression != "gzip" {
		t.Errorf("Storage.Compression = %q, want gzip", cfg.Storage.Compression)
	}
	if cfg.Pipeline.Workers != 8 {
		t.Errorf("Pipeline.Workers = %d, want 8", cfg.Pipeline.Workers)
	}
	if cfg.Pipeline.RetryDelay != 2*time.Second {
		t.Errorf("Pipeline.RetryDelay = %v, want 2s", cfg.Pipeline.RetryDelay)
	}
	if b, err := cfg.Pipeline.Backoff(); err != nil || b != retry.BackoffLinear {
		t.Errorf("Pipeline.Backoff() = %v, %v, want linear", b, err)
	}
	// Unset fields keep their defaults.
	if cfg.Pipeline.QueueSize != 100 {
		t.Errorf("Pipeline.QueueSize = %d, want 100", cfg.Pipeline.QueueSize)
	}
	if cfg.SLA.Critical != 7 || cfg.SLA.High != 30 {
		t.Errorf("SLA = %+v, want critical 7 and default high", cfg.SLA)
	}
	if r, _ := cfg.Parse.Rune(); r != ',' {
		t.Errorf("Parse.Rune() = %q, want ','", r)
	}
	if got := cfg.ParseOptions(); got.Delimiter != ',' || got.MaxRecordErrors != 50 {
		t.Errorf("ParseOptions() = %+v", got)
	}
	if got := cfg.LoggerConfig(); got.Level != logger.LogLevelDebug || got.Encoding != "json" {
		t.Errorf("LoggerConfig() = %+v", got)
	}
}

func TestDecode_Invalid(t *testing.T) {
	cfg := Default()
	err := cfg.Decode([]byte("storage: [unterminated"))
	if !verrors.IsInvalidInput(err) {
		t.Errorf("Decode() error = %v, want invalid input", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvDB:          "/tmp/env.db",
		EnvLogLevel:    "warn",
		EnvAuditFile:   "/tmp/audit.log",
		EnvMetricsAddr: ":9100",
		EnvWorkers:     "2",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}

	tests := []struct {
		name string
		got  interface{}
		want interface{}
	}{
		{"storage path", cfg.Storage.Path, "/tmp/env.db"},
		{"log level", cfg.Logging.Level, "warn"},
		{"log encoding", cfg.Logging.Encoding, "console"},
		{"audit file", cfg.Audit.File, "/tmp/audit.log"},
		{"metrics addr", cfg.Metrics.Addr, ":9100"},
		{"workers", cfg.Pipeline.Workers, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestApplyEnv_BadWorkers(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == EnvWorkers {
			return "many", true
		}
		return "", false
	})
	if !errors.Is(err, verrors.ErrInvalidConfig) {
		t.Errorf("ApplyEnv() error = %v, want ErrInvalidConfig", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty storage path", func(c *Config) { c.Storage.Path = " " }},
		{"bad compression", func(c *Config) { c.Storage.Compression = "lz4" }},
		{"bad delimiter", func(c *Config) { c.Parse.Delimiter = "::" }},
		{"negative max record errors", func(c *Config) { c.Parse.MaxRecordErrors = -1 }},
		{"no workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"no queue", func(c *Config) { c.Pipeline.QueueSize = 0 }},
		{"negative retries", func(c *Config) { c.Pipeline.MaxRetries = -1 }},
		{"negative rate", func(c *Config) { c.Pipeline.RateLimit = -1 }},
		{"bad backoff strategy", func(c *Config) { c.Pipeline.BackoffStrategy = "fibonacci" }},
		{"zero sla window", func(c *Config) { c.SLA.High = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad log encoding", func(c *Config) { c.Logging.Encoding = "xml" }},
		{"audit without file", func(c *Config) { c.Audit.File = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			if err := cfg.Validate(); !errors.Is(err, verrors.ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	cfg := Default()
	cfg.Audit.Enabled = false
	cfg.Audit.File = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with audit disabled error = %v", err)
	}
}

func TestParseConfig_Rune(t *testing.T) {
	tests := []struct {
		delim   string
		want    rune
		wantErr bool
	}{
		{"", 0, false},
		{"auto", 0, false},
		{"tab", '\t', false},
		{"TAB", '\t', false},
		{`\t`, '\t', false},
		{"comma", ',', false},
		{"semicolon", ';', false},
		{"|", '|', false},
		{`"`, 0, true},
		{"ab", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.delim, func(t *testing.T) {
			got, err := ParseConfig{Delimiter: tt.delim}.Rune()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Rune() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Rune() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "storage:\n  path: from-file.db\n")
	t.Setenv(EnvDB, "")
	t.Setenv(EnvWorkers, "3")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Path != "from-file.db" {
		t.Errorf("Storage.Path = %q, want from-file.db", cfg.Storage.Path)
	}
	if cfg.Pipeline.Workers != 3 {
		t.Errorf("Pipeline.Workers = %d, want 3", cfg.Pipeline.Workers)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of missing file should fail")
	}

	bad := writeConfig(t, "pipeline:\n  workers: 0\n")
	if _, err := Load(bad); !errors.Is(err, verrors.ErrInvalidConfig) {
		t.Errorf("Load() error = %v, want ErrInvalidConfig", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error = %v", err)
	}
	if cfg.Storage.Path == "" {
		t.Error("Load(\"\") should return defaults")
	}
}
