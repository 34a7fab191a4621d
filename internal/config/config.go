// Package config loads the huntlog configuration: YAML file, defaults,
// then HUNTLOG_* environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Capture  CaptureConfig  `yaml:"capture"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Advisor  AdvisorConfig  `yaml:"advisor"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

type StorageConfig struct {
	// SQLitePath is the durable system of record.
	SQLitePath string `yaml:"sqlite_path"`
	// Mirror optionally appends every event to a rotating JSONL file.
	Mirror MirrorConfig `yaml:"mirror"`
}

type MirrorConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type CaptureConfig struct {
	// Path is the JSONL capture log written by the terminal integration.
	Path string `yaml:"path"`
	// FromStart replays the whole file on startup instead of tailing
	// from the current end.
	FromStart bool `yaml:"from_start"`
	// PollInterval is the fallback scan cadence.
	PollInterval string `yaml:"poll_interval"`
}

type IngestConfig struct {
	QueueSize     int    `yaml:"queue_size"`
	SessionBuffer int    `yaml:"session_buffer"`
	AppendRetries int    `yaml:"append_retries"`
	AppendBackoff string `yaml:"append_backoff"`
}

type AnalysisConfig struct {
	// NoveltyThreshold gates advisor escalation.
	NoveltyThreshold float64 `yaml:"novelty_threshold"`
	// DispatchCooldown is the minimum spacing between advisor calls per
	// scope.
	DispatchCooldown string `yaml:"dispatch_cooldown"`
	// DispatchBatchSize caps how many recent events one prompt carries.
	DispatchBatchSize int `yaml:"dispatch_batch_size"`
	// MaxPromptChars bounds the rendered prompt.
	MaxPromptChars int `yaml:"max_prompt_chars"`
}

type AdvisorConfig struct {
	// Enabled turns external escalation on. Rules always run.
	Enabled bool `yaml:"enabled"`
	// Command is the advisor executable; the prompt is passed as the
	// final argument.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Timeout string   `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a YAML config file and applies defaults and HUNTLOG_*
// environment overrides.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := LoadFromBytes(b)
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadFromBytes parses config without environment overrides, for tests.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8712"
	}
	if cfg.Server.ReadTimeout == "" {
		cfg.Server.ReadTimeout = "30s"
	}
	if cfg.Server.WriteTimeout == "" {
		cfg.Server.WriteTimeout = "5m"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "huntlog.db"
	}
	if cfg.Storage.Mirror.Path == "" {
		cfg.Storage.Mirror.Path = "huntlog-events.jsonl"
	}
	if cfg.Storage.Mirror.MaxSizeMB <= 0 {
		cfg.Storage.Mirror.MaxSizeMB = 100
	}
	if cfg.Storage.Mirror.MaxBackups <= 0 {
		cfg.Storage.Mirror.MaxBackups = 3
	}
	if cfg.Capture.Path == "" {
		cfg.Capture.Path = "capture.jsonl"
	}
	if cfg.Capture.PollInterval == "" {
		cfg.Capture.PollInterval = "1s"
	}
	if cfg.Ingest.QueueSize <= 0 {
		cfg.Ingest.QueueSize = 1024
	}
	if cfg.Ingest.SessionBuffer <= 0 {
		cfg.Ingest.SessionBuffer = 256
	}
	if cfg.Ingest.AppendRetries <= 0 {
		cfg.Ingest.AppendRetries = 3
	}
	if cfg.Ingest.AppendBackoff == "" {
		cfg.Ingest.AppendBackoff = "100ms"
	}
	if cfg.Analysis.NoveltyThreshold <= 0 {
		cfg.Analysis.NoveltyThreshold = 1.5
	}
	if cfg.Analysis.DispatchCooldown == "" {
		cfg.Analysis.DispatchCooldown = "2m"
	}
	if cfg.Analysis.DispatchBatchSize <= 0 {
		cfg.Analysis.DispatchBatchSize = 5
	}
	if cfg.Analysis.MaxPromptChars <= 0 {
		cfg.Analysis.MaxPromptChars = 12000
	}
	if cfg.Advisor.Timeout == "" {
		cfg.Advisor.Timeout = "2m"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HUNTLOG_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("HUNTLOG_DB"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("HUNTLOG_CAPTURE"); v != "" {
		cfg.Capture.Path = v
	}
	if v := os.Getenv("HUNTLOG_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HUNTLOG_ADVISOR_COMMAND"); v != "" {
		cfg.Advisor.Command = v
		cfg.Advisor.Enabled = true
	}
	if v := os.Getenv("HUNTLOG_NOVELTY_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Analysis.NoveltyThreshold = f
		}
	}
}

func validate(cfg *Config) error {
	for name, value := range map[string]string{
		"server.read_timeout":        cfg.Server.ReadTimeout,
		"server.write_timeout":       cfg.Server.WriteTimeout,
		"capture.poll_interval":      cfg.Capture.PollInterval,
		"ingest.append_backoff":      cfg.Ingest.AppendBackoff,
		"analysis.dispatch_cooldown": cfg.Analysis.DispatchCooldown,
		"advisor.timeout":            cfg.Advisor.Timeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("config %s: %w", name, err)
		}
	}
	if cfg.Advisor.Enabled && cfg.Advisor.Command == "" {
		return fmt.Errorf("config advisor.command: required when advisor is enabled")
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config logging.format: %q is not json or text", cfg.Logging.Format)
	}
	return nil
}

// Duration parses a validated duration field.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
