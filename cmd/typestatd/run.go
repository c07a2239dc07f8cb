package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"typestatd/internal/config"
	"typestatd/internal/event"
	"typestatd/internal/focus"
	"typestatd/internal/health"
	"typestatd/internal/keystroke"
	"typestatd/internal/logging"
	"typestatd/internal/metrics"
	"typestatd/internal/pipeline"
	"typestatd/internal/stats"
)

const (
	shutdownTimeout    = 5 * time.Second
	unitStatusInterval = 10 * time.Second
	eventBuffer        = 1024
)

type runOptions struct {
	configPath string
	logLevel   string
	source     string
	watch      bool
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	logLevel := fs.String("log-level", "", "override logging.level")
	source := fs.String("source", "stdin", "key source: stdin or device")
	watch := fs.Bool("watch", true, "reload the configuration file on change")
	fs.Parse(args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, runOptions{
		configPath: resolveConfigPath(*configPath),
		logLevel:   *logLevel,
		source:     *source,
		watch:      *watch,
	}, os.Stdin, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// outbound is one line of the event stream.
type outbound struct {
	Topic event.Topic `json:"topic"`
	Data  event.Event `json:"data"`
}

// run wires capture, composition and statistics together and streams bus
// events to out until ctx is cancelled or the key source ends.
func run(ctx context.Context, opts runOptions, in io.Reader, out io.Writer) error {
	loader := config.NewLoader(opts.configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer loader.Close()
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer log.Close()
	logging.SetDefault(log)
	for _, w := range loader.Warnings() {
		log.Warn("config warning", "field", w.Field, "message", w.Message)
	}

	src, err := newSource(opts.source, in, log)
	if err != nil {
		return err
	}

	tm := metrics.NewTypingMetrics(nil)
	bus := event.NewBus(log.WithComponent("event").Logger)
	defer bus.Close()

	orch := stats.New(
		statsConfig(cfg.Stats, tm),
		newSpawner(cfg.Stats, cfg.Logging.Level, log.WithComponent("compute").Logger),
		bus,
		log.WithComponent("stats").Logger,
	)

	tracker := focus.NewTracker(log.WithComponent("focus").Logger)
	defer tracker.Close()
	fp := focus.Cached(tracker, cfg.Capture.FocusCacheTTL(), log.WithComponent("focus").Logger)

	pipe := pipeline.New(pipelineOptions(cfg, fp, pipeline.Options{
		Stats:    orch,
		Bus:      bus,
		Observer: tm,
		Logger:   log.WithComponent("pipeline").Logger,
	}))

	sub, err := bus.Subscribe(eventBuffer)
	if err != nil {
		return err
	}

	checker := health.NewChecker()
	checker.RegisterFunc("stats-orchestrator", true, health.StatsCheck(orch))
	checker.RegisterFunc("memory", false, health.MemoryCheck(cfg.Stats.MemoryCeiling()))
	checker.RegisterFunc("pipeline", true, health.CustomCheck(func() error {
		if !pipe.Status().Running {
			return pipeline.ErrNotRunning
		}
		return nil
	}))

	if opts.watch {
		loader.OnChange(func(prev, next *config.Config) {
			applyReload(ctx, log, orch, prev, next, opts.logLevel)
		})
		if err := loader.Watch(); err != nil {
			log.Warn("config watch unavailable", "path", loader.Path(), "error", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if err := orch.Start(gctx); err != nil {
		log.Warn("compute unit unavailable, computing in-process", "error", err)
	}
	if err := pipe.Start(gctx); err != nil {
		orch.Close(context.Background())
		return fmt.Errorf("start pipeline: %w", err)
	}
	checker.SetReady(true)
	log.Info("typestatd started",
		"version", version,
		"session", pipe.ID(),
		"config", loader.Path(),
		"mode", orch.Mode(),
		"source", opts.source,
	)

	// A blocked stdin read does not observe cancellation, so the source is
	// not part of the group. Its ending is a normal shutdown.
	srcDone := make(chan error, 1)
	go func() {
		srcDone <- src.Run(gctx, func(ev keystroke.Event) { pipe.Enqueue(ev) })
	}()
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-srcDone:
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("key source: %w", err)
			}
			log.Info("key source ended")
			return nil
		}
	})

	// Events flow until the bus closes after shutdown.
	writerDone := make(chan error, 1)
	go func() { writerDone <- writeEvents(sub, out) }()

	g.Go(func() error { return pollUnit(gctx, orch, tm, log) })

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-loader.Errors():
				log.Error("config reload failed", "error", err)
			}
		}
	})

	if cfg.Health.Enabled {
		srv := &http.Server{
			Addr:              cfg.Health.ListenAddr,
			Handler:           checker.Mux(tm.Registry().HTTPHandler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("health endpoint listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("health server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()
	checker.SetReady(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	// The pipeline submits its final statistics before the orchestrator
	// goes away.
	if err := pipe.Stop(shutdownCtx); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
		log.Warn("pipeline stop", "error", err)
	}
	if err := orch.Close(shutdownCtx); err != nil {
		log.Warn("orchestrator close", "error", err)
	}
	bus.Close()
	if err := <-writerDone; err != nil && runErr == nil {
		runErr = err
	}

	st := pipe.Status()
	log.Info("typestatd stopped",
		"keystrokes", st.Keystrokes,
		"compositions", st.Compositions,
		"submissions", st.Submissions,
		"dropped", st.Dropped,
	)
	return runErr
}

func newSource(name string, in io.Reader, log *logging.Logger) (keystroke.Source, error) {
	switch name {
	case "stdin":
		return keystroke.NewJSONSource(in, log.WithComponent("capture").Logger, func() int64 {
			return time.Now().UnixMilli()
		}), nil
	case "device":
		return keystroke.NewPlatformSource(log.WithComponent("capture").Logger)
	default:
		return nil, fmt.Errorf("unknown key source %q (valid: stdin, device)", name)
	}
}

// writeEvents encodes every event on sub as one JSON line until the
// subscription closes.
func writeEvents(sub *event.Subscription, out io.Writer) error {
	enc := json.NewEncoder(out)
	var writeErr error
	for ev := range sub.C() {
		if writeErr != nil {
			continue
		}
		if err := enc.Encode(outbound{Topic: ev.Topic(), Data: ev}); err != nil {
			writeErr = fmt.Errorf("write event: %w", err)
		}
	}
	return writeErr
}

// pollUnit folds the unit's self-report into the metrics.
func pollUnit(ctx context.Context, orch *stats.Orchestrator, tm *metrics.TypingMetrics, log *logging.Logger) error {
	ticker := time.NewTicker(unitStatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tm.UpdateUptime()
			st, err := orch.UnitStatus(ctx)
			if err != nil {
				log.Debug("unit status unavailable", "error", err)
				continue
			}
			tm.ObserveUnitStatus(st)
		}
	}
}

// applyReload pushes the reloadable settings into the running daemon. A
// -log-level flag keeps precedence over the file.
func applyReload(ctx context.Context, log *logging.Logger, orch *stats.Orchestrator, prev, next *config.Config, levelFlag string) {
	if levelFlag == "" && prev.Logging.Level != next.Logging.Level {
		if level, err := logging.ParseLevel(next.Logging.Level); err == nil {
			log.SetLevel(level)
			log.Info("log level changed", "level", next.Logging.Level)
		}
	}

	if prev.Stats.ProcessingMode != next.Stats.ProcessingMode {
		if err := orch.SetMode(ctx, next.Stats.ProcessingMode); err != nil {
			log.Warn("processing mode change failed", "mode", next.Stats.ProcessingMode, "error", err)
		} else {
			log.Info("processing mode changed", "mode", next.Stats.ProcessingMode)
		}
	}

	for _, field := range restartOnly(prev, next) {
		log.Warn("config change needs a restart", "field", field)
	}
}

// restartOnly lists changed settings that the running daemon cannot apply.
func restartOnly(prev, next *config.Config) []string {
	var fields []string
	if prev.Capture != next.Capture {
		fields = append(fields, "capture")
	}
	o, n := prev.Stats, next.Stats
	o.ProcessingMode, n.ProcessingMode = "", ""
	if o != n {
		fields = append(fields, "stats")
	}
	if prev.Health != next.Health {
		fields = append(fields, "health")
	}
	ol, nl := prev.Logging, next.Logging
	ol.Level, nl.Level = "", ""
	if ol != nl {
		fields = append(fields, "logging")
	}
	return fields
}
