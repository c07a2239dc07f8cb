// Package pipeline runs one input session.
//
// A Pipeline ties together:
//   - the key event Ingestor, drained on a fixed interval
//   - key classification and raw key counting
//   - Hangul composition into completed text
//   - focused-window lookup for every processed key
//   - periodic typing-statistics submissions to a compute orchestrator
//
// The capture goroutine owns the composer and never waits on compute. It hands
// statistics snapshots to a separate submitter goroutine through a one-slot
// channel; a snapshot that is still queued when a newer one arrives is
// replaced.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"typestatd/internal/compute"
	"typestatd/internal/event"
	"typestatd/internal/focus"
	"typestatd/internal/hangul"
	"typestatd/internal/keystroke"
	"typestatd/internal/stats"
)

// DefaultUpdateInterval is the minimum spacing between statistics
// submissions.
const DefaultUpdateInterval = time.Second

var (
	// ErrAlreadyRunning is returned by Start on a running pipeline.
	ErrAlreadyRunning = errors.New("pipeline: already running")

	// ErrNotRunning is returned by Stop on a pipeline that was never started.
	ErrNotRunning = errors.New("pipeline: not running")
)

// Submitter computes typing statistics. *stats.Orchestrator implements it.
type Submitter interface {
	Submit(ctx context.Context, in stats.Input) (compute.StatsResult, error)
}

// Observer receives pipeline measurements.
type Observer interface {
	KeyProcessed(c keystroke.Class)
	EventDropped()
	CompositionCompleted()
}

type nopObserver struct{}

func (nopObserver) KeyProcessed(keystroke.Class) {}
func (nopObserver) EventDropped()                {}
func (nopObserver) CompositionCompleted()        {}

// Options configures a Pipeline.
type Options struct {
	DrainInterval time.Duration
	QueueSize     int

	// CountSpecial records special keys in the raw counter and publishes
	// them as KeyProcessed events. They never reach composition or
	// statistics either way.
	CountSpecial bool

	UpdateInterval time.Duration

	// Focus defaults to always reporting focus.Unknown.
	Focus focus.Provider
	// Stats may be nil, in which case no statistics are computed.
	Stats Submitter
	// Bus may be nil.
	Bus      *event.Bus
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

func (o *Options) withDefaults() {
	if o.UpdateInterval <= 0 {
		o.UpdateInterval = DefaultUpdateInterval
	}
	if o.Focus == nil {
		o.Focus = focus.Static(focus.Unknown)
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// snapshot is the typing state handed to the submitter.
type snapshot struct {
	typed      uint64
	backspaces uint64
	elapsedMs  int64
}

func (s snapshot) input() stats.Input {
	correct := float64(0)
	if s.typed > s.backspaces {
		correct = float64(s.typed - s.backspaces)
	}
	return stats.Input{
		Keystrokes: float64(s.typed),
		TimeMs:     float64(s.elapsedMs),
		Correct:    correct,
		Total:      float64(s.typed),
	}
}

// Pipeline processes one input session. Create it with New.
type Pipeline struct {
	id     string
	opts   Options
	logger *slog.Logger

	ingestor *keystroke.Ingestor
	counter  keystroke.RawCounter

	// Owned by the capture goroutine.
	composer   *hangul.Composer
	transcript hangul.Transcript
	firstKeyMs int64
	lastKeyMs  int64

	typed        atomic.Uint64
	backspaces   atomic.Uint64
	compositions atomic.Uint64
	submissions  atomic.Uint64

	snapshots chan snapshot

	mu        sync.Mutex
	running   bool
	stopped   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	last      *compute.StatsResult
	lastErr   error
	sent      snapshot
}

// New creates a pipeline. It does nothing until Start.
func New(opts Options) *Pipeline {
	opts.withDefaults()
	id := uuid.NewString()
	logger := opts.Logger.With("session", id)
	return &Pipeline{
		id:     id,
		opts:   opts,
		logger: logger,
		ingestor: keystroke.NewIngestor(keystroke.IngestorOptions{
			DrainInterval: opts.DrainInterval,
			QueueSize:     opts.QueueSize,
			Logger:        logger,
		}),
		composer:  hangul.NewComposer(),
		snapshots: make(chan snapshot, 1),
	}
}

// ID returns the session identifier.
func (p *Pipeline) ID() string {
	return p.id
}

// Counter returns the raw key counter.
func (p *Pipeline) Counter() *keystroke.RawCounter {
	return &p.counter
}

// Enqueue hands a captured event to the pipeline. It never blocks and
// returns false when the event was dropped because the queue is full.
func (p *Pipeline) Enqueue(ev keystroke.Event) bool {
	if !p.ingestor.Enqueue(ev) {
		p.opts.Observer.EventDropped()
		return false
	}
	return true
}

// Start launches the capture and submitter goroutines.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.stopped {
		return ErrAlreadyRunning
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	p.startedAt = p.opts.Now()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.ingestor.Run(ctx, func(batch []keystroke.Event) { p.handle(ctx, batch) })
	}()
	go func() {
		defer p.wg.Done()
		p.submitLoop(ctx)
	}()

	p.logger.Info("input session started")
	return nil
}

// Stop ends the session. Events still queued are processed, the composition
// in progress is completed, and a final statistics snapshot is submitted
// using ctx.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.running = false
	p.stopped = true
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()

	// The capture goroutine has exited; its state is ours now.
	p.complete(p.opts.Now().UnixMilli())

	select {
	case <-p.snapshots:
	default:
	}
	var err error
	if snap, ok := p.current(); ok && p.opts.Stats != nil && p.dirty(snap) {
		err = p.submit(ctx, snap)
	}
	p.counter.Close()

	p.logger.Info("input session stopped",
		"keystrokes", p.typed.Load(),
		"compositions", p.compositions.Load(),
		"dropped", p.ingestor.Dropped(),
	)
	return err
}

// handle processes one drained batch on the capture goroutine.
func (p *Pipeline) handle(ctx context.Context, batch []keystroke.Event) {
	typing := false
	for _, ev := range batch {
		if p.process(ctx, ev) {
			typing = true
		}
	}
	if !typing || p.opts.Stats == nil {
		return
	}
	if snap, ok := p.current(); ok {
		p.offer(snap)
	}
}

// current builds a snapshot of the typing state. It reports false before
// the first typed key.
// Elapsed time runs from the first to the latest typed key on the source's
// clock.
func (p *Pipeline) current() (snapshot, bool) {
	typed := p.typed.Load()
	if typed == 0 {
		return snapshot{}, false
	}
	return snapshot{
		typed:      typed,
		backspaces: p.backspaces.Load(),
		elapsedMs:  p.lastKeyMs - p.firstKeyMs,
	}, true
}

// dirty reports whether snap differs from the last submitted state.
func (p *Pipeline) dirty(snap snapshot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return snap.typed != p.sent.typed || snap.backspaces != p.sent.backspaces
}

// process applies one event and reports whether typing state changed.
func (p *Pipeline) process(ctx context.Context, ev keystroke.Event) bool {
	class := keystroke.Classify(ev)
	p.opts.Observer.KeyProcessed(class)

	if class == keystroke.ClassSpecial {
		if p.opts.CountSpecial {
			p.counter.Increment(class)
			p.publishKey(ctx, ev, class, "")
		}
		return false
	}
	p.counter.Increment(class)

	var char string
	switch class {
	case keystroke.ClassBackspace:
		p.backspaces.Add(1)
		if step := p.composer.Backspace(); step.Consumed {
			p.transcript.Apply(step)
		} else {
			p.transcript.Backspace()
		}
	case keystroke.ClassSpace, keystroke.ClassEnter:
		p.markTyped(ev)
		p.complete(ev.TimestampMs)
		if class == keystroke.ClassSpace {
			char = " "
		} else {
			char = "\n"
		}
	default:
		p.markTyped(ev)
		r := ev.Rune()
		p.transcript.Apply(p.composer.Process(r))
		char = string(r)
	}

	p.publishKey(ctx, ev, class, char)
	return true
}

// markTyped counts a typed key and extends the typing span. Events without
// a timestamp are stamped on arrival; a timestamp older than the latest one
// never shrinks the span.
func (p *Pipeline) markTyped(ev keystroke.Event) {
	ts := ev.TimestampMs
	if ts == 0 {
		ts = p.opts.Now().UnixMilli()
	}
	if p.typed.Add(1) == 1 {
		p.firstKeyMs, p.lastKeyMs = ts, ts
		return
	}
	if ts > p.lastKeyMs {
		p.lastKeyMs = ts
	}
}

// complete finishes the composition in progress and publishes the text
// composed since the last completion.
func (p *Pipeline) complete(tsMs int64) {
	p.transcript.Append(p.composer.Flush())
	if p.transcript.Len() == 0 {
		return
	}
	syllables := p.transcript.Syllables()
	text := p.transcript.Finish()

	p.compositions.Add(1)
	p.opts.Observer.CompositionCompleted()
	p.publish(event.CompositionComplete{Text: text, Syllables: syllables, TimestampMs: tsMs})
}

func (p *Pipeline) publishKey(ctx context.Context, ev keystroke.Event, class keystroke.Class, char string) {
	if p.opts.Bus == nil {
		return
	}
	info, err := p.opts.Focus.Focused(ctx)
	if err != nil {
		info = focus.Unknown
	}
	p.publish(event.KeyProcessed{
		Event: ev,
		Class: class.String(),
		Char:  char,
		Focus: info,
		Count: p.counter.Count(),
	})
}

func (p *Pipeline) publish(ev event.Event) {
	if p.opts.Bus == nil {
		return
	}
	if err := p.opts.Bus.Publish(ev); err != nil && !errors.Is(err, event.ErrBusClosed) {
		p.logger.Debug("publish failed", "topic", ev.Topic(), "error", err)
	}
}

// offer queues snap for the submitter, replacing any snapshot it has not
// picked up yet. Only the capture goroutine calls it.
func (p *Pipeline) offer(snap snapshot) {
	select {
	case p.snapshots <- snap:
		return
	default:
	}
	select {
	case <-p.snapshots:
	default:
	}
	select {
	case p.snapshots <- snap:
	default:
	}
}

// submitLoop submits snapshots at most once per UpdateInterval.
func (p *Pipeline) submitLoop(ctx context.Context) {
	if p.opts.Stats == nil {
		<-ctx.Done()
		return
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		// Throttle.
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		var snap snapshot
		select {
		case <-ctx.Done():
			return
		case snap = <-p.snapshots:
		}

		if err := p.submit(ctx, snap); err != nil && ctx.Err() != nil {
			// Cancelled mid-flight; Stop submits the final state.
			return
		}
		timer.Reset(p.opts.UpdateInterval)
	}
}

func (p *Pipeline) submit(ctx context.Context, snap snapshot) error {
	res, err := p.opts.Stats.Submit(ctx, snap.input())

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastErr = err
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("stats submission failed", "error", err)
		}
		return err
	}
	p.submissions.Add(1)
	p.sent = snap
	p.last = &res
	return nil
}

// Status is a snapshot of the session.
type Status struct {
	ID           string               `json:"id"`
	Running      bool                 `json:"running"`
	StartedAt    time.Time            `json:"startedAt"`
	Keystrokes   uint64               `json:"keystrokes"`
	RawKeys      uint64               `json:"rawKeys"`
	Backspaces   uint64               `json:"backspaces"`
	Compositions uint64               `json:"compositions"`
	Submissions  uint64               `json:"submissions"`
	Queued       int                  `json:"queued"`
	Dropped      uint64               `json:"dropped"`
	LastStats    *compute.StatsResult `json:"lastStats,omitempty"`
	LastError    string               `json:"lastError,omitempty"`
}

// Status returns the current session status.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Status{
		ID:           p.id,
		Running:      p.running,
		StartedAt:    p.startedAt,
		Keystrokes:   p.typed.Load(),
		RawKeys:      p.counter.Count(),
		Backspaces:   p.backspaces.Load(),
		Compositions: p.compositions.Load(),
		Submissions:  p.submissions.Load(),
		Queued:       p.ingestor.Len(),
		Dropped:      p.ingestor.Dropped(),
	}
	if p.last != nil {
		res := *p.last
		st.LastStats = &res
	}
	if p.lastErr != nil {
		st.LastError = p.lastErr.Error()
	}
	return st
}
