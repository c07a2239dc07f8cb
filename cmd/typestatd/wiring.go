package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"typestatd/internal/compute"
	"typestatd/internal/config"
	"typestatd/internal/focus"
	"typestatd/internal/logging"
	"typestatd/internal/pipeline"
	"typestatd/internal/stats"
)

// newLogger builds the daemon logger. Logs never go to stdout, which
// carries the event stream.
func newLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	output := lc.Output
	if output == "stdout" {
		output = "stderr"
	}

	return logging.New(&logging.Config{
		Level:        level,
		Format:       format,
		Output:       output,
		FilePath:     expandHome(lc.FilePath),
		MaxSize:      int64(lc.MaxSizeMB),
		MaxBackups:   lc.MaxBackups,
		Compress:     true,
		AddSource:    lc.AddSource,
		RedactTitles: lc.RedactTitles,
		Component:    "typestatd",
	})
}

// unitOptions configures an in-process compute unit. An accelerator plugin
// that fails to load leaves the unit on pure logic.
func unitOptions(sc config.StatsConfig, logger *slog.Logger) compute.Options {
	opts := compute.Options{
		Mode:          sc.ProcessingMode,
		MemoryCeiling: sc.MemoryCeiling(),
		CacheSize:     sc.CacheSize,
		Logger:        logger,
	}
	if sc.AcceleratorPlugin != "" {
		acc, err := compute.LoadPlugin(expandHome(sc.AcceleratorPlugin))
		if err != nil {
			logger.Warn("accelerator unavailable, using pure logic", "plugin", sc.AcceleratorPlugin, "error", err)
		} else {
			opts.Accelerator = acc
		}
	}
	return opts
}

// newSpawner runs units in typestat-worker processes when a worker path is
// configured and present, otherwise in-process.
func newSpawner(sc config.StatsConfig, logLevel string, logger *slog.Logger) stats.Spawner {
	if sc.WorkerPath != "" {
		path := expandHome(sc.WorkerPath)
		if _, err := os.Stat(path); err == nil {
			return stats.Subprocess(path, stats.SubprocessOptions{Args: workerArgs(sc, logLevel), Logger: logger})
		}
		logger.Warn("compute worker not found, running in-process", "path", path)
	}
	return stats.InProcess(unitOptions(sc, logger))
}

// workerArgs are the typestat-worker flags for sc. The worker logs at the
// daemon's level.
func workerArgs(sc config.StatsConfig, logLevel string) []string {
	args := []string{"-cache-size", strconv.Itoa(sc.CacheSize)}
	if logLevel != "" {
		args = append(args, "-log-level", logLevel)
	}
	if sc.AcceleratorPlugin != "" {
		args = append(args, "-accelerator", expandHome(sc.AcceleratorPlugin))
	}
	return args
}

func statsConfig(sc config.StatsConfig, obs stats.Observer) stats.Config {
	return stats.Config{
		Mode:                   sc.ProcessingMode,
		MemoryCeiling:          sc.MemoryCeiling(),
		SubmitTimeout:          sc.SubmitTimeout(),
		PendingTimeout:         sc.PendingTimeout(),
		MemoryCheckInterval:    sc.MemoryCheckInterval(),
		LowMemoryPercent:       sc.LowMemoryPercent,
		FallbackPercent:        sc.FallbackPercent,
		MaxConsecutiveFailures: sc.MaxConsecutiveFailures,
		LowMemoryCacheSize:     sc.LowMemoryCacheSize,
		Observer:               obs,
	}
}

func pipelineOptions(cfg *config.Config, fp focus.Provider, deps pipeline.Options) pipeline.Options {
	deps.DrainInterval = cfg.Capture.DrainInterval()
	deps.QueueSize = cfg.Capture.QueueSize
	deps.CountSpecial = cfg.Capture.CountSpecial
	deps.UpdateInterval = cfg.Stats.UpdateInterval()
	deps.Focus = fp
	return deps
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
