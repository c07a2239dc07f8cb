// typestat-worker - Out-of-process statistics unit for typestatd
//
// The worker speaks the framed compute protocol on stdin and stdout and logs
// to stderr. It is started by typestatd when stats.worker_path is set and is
// not meant to be run by hand.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"typestatd/internal/compute"
	"typestatd/internal/logging"
)

// Set by the linker.
var version = "dev"

func main() {
	cacheSize := flag.Int("cache-size", 0, "result cache capacity (0 for the default)")
	accelerator := flag.String("accelerator", "", "accelerator plugin path")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("typestat-worker %s\n", version)
		return
	}

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	log, err := logging.New(&logging.Config{
		Level:     level,
		Format:    logging.FormatText,
		Output:    "stderr",
		Component: "typestat-worker",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, *cacheSize, *accelerator, log.Logger); err != nil {
		log.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cacheSize int, accelerator string, log *slog.Logger) error {
	opts := compute.Options{
		CacheSize: cacheSize,
		Logger:    log,
	}
	if accelerator != "" {
		acc, err := compute.LoadPlugin(accelerator)
		if err != nil {
			log.Warn("accelerator unavailable, using pure logic", "plugin", accelerator, "error", err)
		} else {
			opts.Accelerator = acc
		}
	}

	unit := compute.NewUnit(opts)
	log.Info("worker ready", "pid", os.Getpid(), "cache_size", cacheSize, "accelerator", opts.Accelerator != nil)

	err := compute.Serve(ctx, unit, compute.NewStreamServer(os.Stdin, os.Stdout))
	if err == nil || errors.Is(err, compute.ErrClosed) || errors.Is(err, context.Canceled) {
		log.Info("worker stopped")
		return nil
	}
	return err
}
