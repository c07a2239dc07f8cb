package keystroke

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Defaults for IngestorOptions.
const (
	DefaultDrainInterval = 16 * time.Millisecond
	DefaultQueueSize     = 1024
)

// IngestorOptions configures an Ingestor.
type IngestorOptions struct {
	DrainInterval time.Duration
	QueueSize     int
	Logger        *slog.Logger
}

// Ingestor decouples capture callbacks from processing. Enqueue never blocks;
// Run hands the whole backlog to the handler once per tick.
type Ingestor struct {
	queue    chan Event
	interval time.Duration
	logger   *slog.Logger

	enqueued atomic.Uint64
	dropped  atomic.Uint64
}

// NewIngestor creates an ingestor, applying defaults for zero options.
func NewIngestor(opts IngestorOptions) *Ingestor {
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = DefaultDrainInterval
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Ingestor{
		queue:    make(chan Event, opts.QueueSize),
		interval: opts.DrainInterval,
		logger:   opts.Logger,
	}
}

// Enqueue appends ev to the queue. It returns false and counts the event as
// dropped when the queue is full.
func (in *Ingestor) Enqueue(ev Event) bool {
	select {
	case in.queue <- ev:
		in.enqueued.Add(1)
		return true
	default:
		if in.dropped.Add(1) == 1 {
			in.logger.Warn("key event queue full, dropping events", "capacity", cap(in.queue))
		}
		return false
	}
}

// Drain removes every queued event and returns them in capture order.
// Events enqueued while draining are left for the next call.
func (in *Ingestor) Drain() []Event {
	n := len(in.queue)
	if n == 0 {
		return nil
	}
	batch := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-in.queue:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
	return batch
}

// Run drains the queue every DrainInterval and passes non-empty batches to
// handle until ctx is cancelled. Events still queued at cancellation are
// handed over in a final batch.
func (in *Ingestor) Run(ctx context.Context, handle func([]Event)) {
	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if batch := in.Drain(); len(batch) > 0 {
				handle(batch)
			}
			return
		case <-ticker.C:
			if batch := in.Drain(); len(batch) > 0 {
				handle(batch)
			}
		}
	}
}

// Len returns the number of queued events.
func (in *Ingestor) Len() int {
	return len(in.queue)
}

// Enqueued returns the number of accepted events.
func (in *Ingestor) Enqueued() uint64 {
	return in.enqueued.Load()
}

// Dropped returns the number of events rejected because the queue was full.
func (in *Ingestor) Dropped() uint64 {
	return in.dropped.Load()
}
