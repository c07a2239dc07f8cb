package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// Is makes errors.Is(errs, ErrInvalidConfig) hold for any non-empty set.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig && len(e) > 0
}

// ProcessingModes lists the accepted stats.processing_mode values.
var ProcessingModes = []string{"normal", "cpu-intensive", "gpu-intensive"}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	// Validate version
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateCapture(&c.Capture)...)
	errs = append(errs, validateStats(&c.Stats)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateHealth(&c.Health)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateCapture(c *CaptureConfig) ValidationErrors {
	var errs ValidationErrors

	if c.DrainIntervalMs < 1 || c.DrainIntervalMs > 1000 {
		errs = append(errs, *RangeError("capture.drain_interval_ms", 1, 1000))
	}
	if c.QueueSize < 1 {
		errs = append(errs, ValidationError{
			Field:   "capture.queue_size",
			Message: "queue size must be at least 1",
		})
	}
	if c.FocusCacheMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "capture.focus_cache_ms",
			Message: "focus cache duration cannot be negative",
		})
	}

	return errs
}

func validateStats(s *StatsConfig) ValidationErrors {
	var errs ValidationErrors

	validMode := false
	for _, m := range ProcessingModes {
		if s.ProcessingMode == m {
			validMode = true
		}
	}
	if !validMode {
		errs = append(errs, ValidationError{
			Field:   "stats.processing_mode",
			Message: fmt.Sprintf("invalid processing mode: %s (valid: %s)", s.ProcessingMode, strings.Join(ProcessingModes, ", ")),
		})
	}

	if s.MemoryCeilingMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "stats.memory_ceiling_mb",
			Message: "memory ceiling must be at least 1 MB",
		})
	}

	positive := []struct {
		field string
		value int
	}{
		{"stats.submit_timeout_ms", s.SubmitTimeoutMs},
		{"stats.pending_timeout_ms", s.PendingTimeoutMs},
		{"stats.update_interval_ms", s.UpdateIntervalMs},
		{"stats.max_consecutive_failures", s.MaxConsecutiveFailures},
		{"stats.cache_size", s.CacheSize},
	}
	for _, p := range positive {
		if p.value < 1 {
			errs = append(errs, ValidationError{Field: p.field, Message: "must be at least 1"})
		}
	}

	if s.MemoryCheckIntervalMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "stats.memory_check_interval_ms",
			Message: "memory check interval must be at least 100ms",
		})
	}

	lowInRange := s.LowMemoryPercent > 0 && s.LowMemoryPercent < 100
	if !lowInRange {
		errs = append(errs, ValidationError{
			Field:   "stats.low_memory_percent",
			Message: fmt.Sprintf("value must be above 0 and below 100, got %v", s.LowMemoryPercent),
		})
	}
	// The fallback threshold is only compared against a usable low threshold.
	if s.FallbackPercent > 100 || (lowInRange && s.FallbackPercent <= s.LowMemoryPercent) {
		errs = append(errs, ValidationError{
			Field:   "stats.fallback_percent",
			Message: fmt.Sprintf("fallback threshold must be above low_memory_percent (%v) and at most 100", s.LowMemoryPercent),
		})
	}

	if s.LowMemoryCacheSize < 1 || s.LowMemoryCacheSize > s.CacheSize {
		errs = append(errs, *RangeError("stats.low_memory_cache_size", 1, s.CacheSize))
	}

	// Missing files are warnings: the daemon falls back to in-process
	// computation and pure logic.
	if s.WorkerPath != "" {
		if _, err := os.Stat(expandPath(s.WorkerPath)); err != nil {
			errs = append(errs, ValidationError{
				Field:   "stats.worker_path",
				Message: fmt.Sprintf("worker not found: %v", err),
			})
		}
	}
	if s.AcceleratorPlugin != "" {
		if _, err := os.Stat(expandPath(s.AcceleratorPlugin)); err != nil {
			errs = append(errs, ValidationError{
				Field:   "stats.accelerator_plugin",
				Message: fmt.Sprintf("plugin not found: %v", err),
			})
		}
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	return errs
}

func validateHealth(h *HealthConfig) ValidationErrors {
	if !h.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(h.ListenAddr); err != nil {
		return ValidationErrors{{
			Field:   "health.listen_addr",
			Message: fmt.Sprintf("invalid listen address %q: %v", h.ListenAddr, err),
		}}
	}
	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return homeDir() + path[1:]
	}
	return path
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	warningFields := []string{
		"stats.worker_path",
		"stats.accelerator_plugin",
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max interface{}) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}

// Split separates a Validate result into warnings and a fatal error. The
// fatal error is nil when every issue is a warning.
func Split(err error) (warnings ValidationErrors, fatal error) {
	if err == nil {
		return nil, nil
	}
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		return nil, err
	}
	if errs.HasErrors() {
		return errs.Warnings(), errs.Errors()
	}
	return errs.Warnings(), nil
}
