// Package config handles configuration loading, validation, and management for typestatd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TYPESTATD_"

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Capture configuration for key event ingestion.
	Capture CaptureConfig `toml:"capture" json:"capture" yaml:"capture" envPrefix:"CAPTURE_"`

	// Stats configuration for the compute orchestrator.
	Stats StatsConfig `toml:"stats" json:"stats" yaml:"stats" envPrefix:"STATS_"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging" envPrefix:"LOG_"`

	// Health endpoint configuration.
	Health HealthConfig `toml:"health" json:"health" yaml:"health" envPrefix:"HEALTH_"`
}

// CaptureConfig holds key event ingestion configuration.
type CaptureConfig struct {
	// DrainIntervalMs is how often queued key events are processed.
	DrainIntervalMs int `toml:"drain_interval_ms" json:"drain_interval_ms" yaml:"drain_interval_ms" env:"DRAIN_INTERVAL_MS"`

	// QueueSize bounds the number of key events waiting to be processed.
	// Events arriving at a full queue are dropped.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size" env:"QUEUE_SIZE"`

	// CountSpecial records function, modifier and navigation keys in the
	// raw key counter.
	CountSpecial bool `toml:"count_special" json:"count_special" yaml:"count_special" env:"COUNT_SPECIAL"`

	// FocusCacheMs is how long a focused-window lookup is reused.
	FocusCacheMs int `toml:"focus_cache_ms" json:"focus_cache_ms" yaml:"focus_cache_ms" env:"FOCUS_CACHE_MS"`
}

// StatsConfig holds typing-statistics computation configuration.
type StatsConfig struct {
	// ProcessingMode is one of "normal", "cpu-intensive", "gpu-intensive".
	ProcessingMode string `toml:"processing_mode" json:"processing_mode" yaml:"processing_mode" env:"PROCESSING_MODE"`

	// MemoryCeilingMB is the compute unit's heap ceiling.
	MemoryCeilingMB int `toml:"memory_ceiling_mb" json:"memory_ceiling_mb" yaml:"memory_ceiling_mb" env:"MEMORY_CEILING_MB"`

	SubmitTimeoutMs       int `toml:"submit_timeout_ms" json:"submit_timeout_ms" yaml:"submit_timeout_ms" env:"SUBMIT_TIMEOUT_MS"`
	PendingTimeoutMs      int `toml:"pending_timeout_ms" json:"pending_timeout_ms" yaml:"pending_timeout_ms" env:"PENDING_TIMEOUT_MS"`
	MemoryCheckIntervalMs int `toml:"memory_check_interval_ms" json:"memory_check_interval_ms" yaml:"memory_check_interval_ms" env:"MEMORY_CHECK_INTERVAL_MS"`

	// LowMemoryPercent and FallbackPercent are host memory thresholds.
	LowMemoryPercent float64 `toml:"low_memory_percent" json:"low_memory_percent" yaml:"low_memory_percent" env:"LOW_MEMORY_PERCENT"`
	FallbackPercent  float64 `toml:"fallback_percent" json:"fallback_percent" yaml:"fallback_percent" env:"FALLBACK_PERCENT"`

	// MaxConsecutiveFailures is how many timeouts or transport errors in a
	// row switch computation in-process.
	MaxConsecutiveFailures int `toml:"max_consecutive_failures" json:"max_consecutive_failures" yaml:"max_consecutive_failures" env:"MAX_CONSECUTIVE_FAILURES"`

	CacheSize          int `toml:"cache_size" json:"cache_size" yaml:"cache_size" env:"CACHE_SIZE"`
	LowMemoryCacheSize int `toml:"low_memory_cache_size" json:"low_memory_cache_size" yaml:"low_memory_cache_size" env:"LOW_MEMORY_CACHE_SIZE"`

	// AcceleratorPlugin is a Go plugin exporting an accelerated backend.
	AcceleratorPlugin string `toml:"accelerator_plugin" json:"accelerator_plugin" yaml:"accelerator_plugin" env:"ACCELERATOR_PLUGIN"`

	// WorkerPath runs the compute unit as a typestat-worker subprocess.
	// Empty runs it in-process.
	WorkerPath string `toml:"worker_path" json:"worker_path" yaml:"worker_path" env:"WORKER_PATH"`

	// UpdateIntervalMs is the minimum spacing between submissions.
	UpdateIntervalMs int `toml:"update_interval_ms" json:"update_interval_ms" yaml:"update_interval_ms" env:"UPDATE_INTERVAL_MS"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level" env:"LEVEL"`

	// Format is the log format: text or json.
	Format string `toml:"format" json:"format" yaml:"format" env:"FORMAT"`

	// Output is the log destination: stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output" env:"OUTPUT"`

	// FilePath is the log file path when Output is file or both.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path" env:"PATH"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb" env:"MAX_SIZE_MB"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups" env:"MAX_BACKUPS"`

	// RedactTitles replaces window titles in logs.
	RedactTitles bool `toml:"redact_titles" json:"redact_titles" yaml:"redact_titles" env:"REDACT_TITLES"`

	// AddSource adds file:line to log records.
	AddSource bool `toml:"add_source" json:"add_source" yaml:"add_source" env:"ADD_SOURCE"`
}

// HealthConfig holds the health and metrics HTTP endpoint configuration.
type HealthConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr" env:"LISTEN_ADDR"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Capture: CaptureConfig{
			DrainIntervalMs: 16,
			QueueSize:       1024,
			CountSpecial:    false,
			FocusCacheMs:    250,
		},
		Stats: StatsConfig{
			ProcessingMode:         "normal",
			MemoryCeilingMB:        100,
			SubmitTimeoutMs:        5000,
			PendingTimeoutMs:       10000,
			MemoryCheckIntervalMs:  30000,
			LowMemoryPercent:       80,
			FallbackPercent:        92,
			MaxConsecutiveFailures: 3,
			CacheSize:              10,
			LowMemoryCacheSize:     3,
			UpdateIntervalMs:       1000,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "typestatd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
		},
		Health: HealthConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:7767",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(TypestatdDir(), "config.toml")
}

// TypestatdDir returns the base configuration directory.
// TYPESTATD_CONFIG_DIR overrides the platform default.
func TypestatdDir() string {
	if dir := os.Getenv("TYPESTATD_CONFIG_DIR"); dir != "" {
		return dir
	}
	return PlatformConfigDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Variables are named TYPESTATD_<SECTION>_<FIELD>, for example
// TYPESTATD_STATS_PROCESSING_MODE. Unset variables leave fields untouched.
func (c *Config) ApplyEnvOverrides() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// EnsureDirectories creates the log directory when logging to a file.
func (c *Config) EnsureDirectories() error {
	if c.Logging.Output != "file" && c.Logging.Output != "both" {
		return nil
	}
	dir := filepath.Dir(c.Logging.FilePath)
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// DrainInterval returns DrainIntervalMs as a duration.
func (c CaptureConfig) DrainInterval() time.Duration { return ms(c.DrainIntervalMs) }

// FocusCacheTTL returns FocusCacheMs as a duration.
func (c CaptureConfig) FocusCacheTTL() time.Duration { return ms(c.FocusCacheMs) }

// SubmitTimeout returns SubmitTimeoutMs as a duration.
func (s StatsConfig) SubmitTimeout() time.Duration { return ms(s.SubmitTimeoutMs) }

// PendingTimeout returns PendingTimeoutMs as a duration.
func (s StatsConfig) PendingTimeout() time.Duration { return ms(s.PendingTimeoutMs) }

// MemoryCheckInterval returns MemoryCheckIntervalMs as a duration.
func (s StatsConfig) MemoryCheckInterval() time.Duration { return ms(s.MemoryCheckIntervalMs) }

// UpdateInterval returns UpdateIntervalMs as a duration.
func (s StatsConfig) UpdateInterval() time.Duration { return ms(s.UpdateIntervalMs) }

// MemoryCeiling returns MemoryCeilingMB in bytes.
func (s StatsConfig) MemoryCeiling() uint64 { return uint64(s.MemoryCeilingMB) << 20 }
