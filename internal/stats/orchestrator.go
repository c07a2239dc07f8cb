// Package stats owns the compute unit's lifecycle.
//
// An Orchestrator multiplexes callers onto a single compute unit, one round
// trip at a time in submission order. It queues work while the unit starts,
// watches memory pressure, and degrades to computing in-process when the
// unit cannot be trusted. Callers always get a result of the same shape; only
// its Fallback flag tells them which path produced it.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"typestatd/internal/compute"
	"typestatd/internal/event"
)

// Input is one typing-statistics calculation.
type Input = compute.StatsInput

// Orchestrator defaults.
const (
	DefaultSubmitTimeout          = 5 * time.Second
	DefaultPendingTimeout         = 10 * time.Second
	DefaultMemoryCheckInterval    = 30 * time.Second
	DefaultLowMemoryPercent       = 80
	DefaultFallbackPercent        = 92
	DefaultMaxConsecutiveFailures = 3
	DefaultLowMemoryCacheSize     = 3
)

// Config configures an Orchestrator. Zero values take the defaults above.
type Config struct {
	// Mode is the caller-selected processing mode sent with initialize.
	Mode string
	// MemoryCeiling is the unit's own heap ceiling in bytes.
	MemoryCeiling uint64

	SubmitTimeout       time.Duration
	PendingTimeout      time.Duration
	MemoryCheckInterval time.Duration

	LowMemoryPercent       float64
	FallbackPercent        float64
	MaxConsecutiveFailures int
	LowMemoryCacheSize     int

	// Probe reads memory pressure. Nil uses host memory, falling back to the
	// Go runtime's footprint against MemoryCeiling.
	Probe    MemoryProbe
	Observer Observer
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.withDefaults()
	return cfg
}

func (c *Config) withDefaults() {
	if !compute.ValidMode(c.Mode) {
		c.Mode = compute.ModeNormal
	}
	if c.MemoryCeiling == 0 {
		c.MemoryCeiling = compute.DefaultMemoryCeiling
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = DefaultSubmitTimeout
	}
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = DefaultPendingTimeout
	}
	if c.MemoryCheckInterval <= 0 {
		c.MemoryCheckInterval = DefaultMemoryCheckInterval
	}
	if c.LowMemoryPercent <= 0 {
		c.LowMemoryPercent = DefaultLowMemoryPercent
	}
	if c.FallbackPercent <= 0 {
		c.FallbackPercent = DefaultFallbackPercent
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.LowMemoryCacheSize <= 0 {
		c.LowMemoryCacheSize = DefaultLowMemoryCacheSize
	}
	if c.Probe == nil {
		c.Probe = FirstAvailable(HostMemory(), RuntimeMemory(c.MemoryCeiling))
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
}

// Observer receives orchestrator measurements.
type Observer interface {
	RoundTrip(d time.Duration, err error)
	Timeout()
	FallbackComputed()
	HealthChanged(h Health)
	PendingTasks(n int)
}

type nopObserver struct{}

func (nopObserver) RoundTrip(time.Duration, error) {}
func (nopObserver) Timeout()                       {}
func (nopObserver) FallbackComputed()              {}
func (nopObserver) HealthChanged(Health)           {}
func (nopObserver) PendingTasks(int)               {}

// Status is a snapshot of the orchestrator.
type Status struct {
	Health              Health `json:"health"`
	Mode                string `json:"mode"`
	Pending             int    `json:"pending"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	UnitAlive           bool   `json:"unit_alive"`
	Started             bool   `json:"started"`
	Closed              bool   `json:"closed"`
}

type outcome struct {
	result compute.StatsResult
	err    error
}

// task is a submitted calculation waiting for its round trip.
type task struct {
	input       Input
	req         compute.Request
	submittedAt time.Time
	done        chan outcome

	once      sync.Once
	abandoned bool
}

func (t *task) finish(out outcome) {
	t.once.Do(func() { t.done <- out })
}

// Orchestrator owns one compute unit at a time.
type Orchestrator struct {
	cfg     Config
	spawner Spawner
	bus     *event.Bus
	logger  *slog.Logger
	obs     Observer

	mu       sync.Mutex
	health   Health
	mode     string
	conn     *conn
	ready    bool
	started  bool
	closed   bool
	queue    []*task
	failures int

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator and starts its dispatcher. Submissions made
// before Start are queued. bus may be nil.
func New(cfg Config, spawner Spawner, bus *event.Bus, logger *slog.Logger) *Orchestrator {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:     cfg,
		spawner: spawner,
		bus:     bus,
		logger:  logger,
		obs:     cfg.Observer,
		health:  Healthy,
		mode:    cfg.Mode,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	o.obs.HealthChanged(Healthy)

	o.wg.Add(1)
	go o.dispatch()
	return o
}

// Start spawns and initializes the compute unit and starts the memory
// monitor. If the unit cannot be started the orchestrator enters Fallback
// and Start returns the cause; the orchestrator remains usable.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return ErrShuttingDown
	case o.started:
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.wg.Add(1)
	o.mu.Unlock()

	go o.monitor()

	return o.connect(ctx)
}

// connect spawns a unit and sends initialize. On success queued tasks start
// draining.
func (o *Orchestrator) connect(ctx context.Context) error {
	h, err := o.spawner.Spawn(ctx)
	if err != nil {
		o.escalate(Fallback, fmt.Sprintf("spawn failed: %v", err), false)
		return fmt.Errorf("spawn compute unit: %w", err)
	}
	c := newConn(h, o.logger)

	o.mu.Lock()
	mode := o.mode
	o.mu.Unlock()

	req, err := compute.NewRequest(compute.KindInitialize, compute.InitializePayload{
		ProcessingMode: mode,
		MemoryLimit:    o.cfg.MemoryCeiling,
	})
	if err != nil {
		c.tearDown()
		return err
	}

	var init compute.InitializeResult
	resp, err := c.roundTrip(ctx, req, o.cfg.SubmitTimeout)
	if err == nil {
		err = resp.Decode(&init)
	}
	if err != nil {
		c.tearDown()
		o.escalate(Fallback, fmt.Sprintf("initialize failed: %v", err), false)
		return fmt.Errorf("initialize compute unit: %w", err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		c.tearDown()
		return ErrShuttingDown
	}
	if o.health == Fallback {
		// Escalated while initializing.
		o.mu.Unlock()
		c.tearDown()
		return nil
	}
	o.conn = c
	o.ready = true
	o.failures = 0
	pending := len(o.queue)
	o.mu.Unlock()

	o.logger.Info("compute unit ready",
		"mode", init.Mode,
		"accelerated", init.AcceleratorAvailable,
		"memory_limit", init.MemoryLimit,
		"pending", pending,
	)
	o.signal()
	return nil
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Submit computes statistics for in. It waits for the unit's response, or
// computes the result in-process when health is Fallback. Nothing is retried
// automatically.
func (o *Orchestrator) Submit(ctx context.Context, in Input) (compute.StatsResult, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return compute.StatsResult{}, ErrShuttingDown
	}
	if o.health == Fallback {
		o.mu.Unlock()
		return o.computeFallback(in), nil
	}
	o.mu.Unlock()

	req, err := compute.NewRequest(compute.KindCalculateStats, in)
	if err != nil {
		return compute.StatsResult{}, err
	}
	t := &task{
		input:       in,
		req:         req,
		submittedAt: time.Now(),
		done:        make(chan outcome, 1),
	}

	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return compute.StatsResult{}, ErrShuttingDown
	case o.health == Fallback:
		o.mu.Unlock()
		return o.computeFallback(in), nil
	}
	o.queue = append(o.queue, t)
	n := len(o.queue)
	o.mu.Unlock()

	o.obs.PendingTasks(n)
	o.signal()

	select {
	case out := <-t.done:
		return out.result, out.err
	case <-ctx.Done():
		o.mu.Lock()
		t.abandoned = true
		o.mu.Unlock()
		return compute.StatsResult{}, ctx.Err()
	}
}

// computeFallback runs the pure-logic path in the caller's goroutine.
func (o *Orchestrator) computeFallback(in Input) compute.StatsResult {
	res := compute.CalculateResult(in, time.Now())
	res.Fallback = true
	o.obs.FallbackComputed()
	o.publishStats(res)
	return res
}

func (o *Orchestrator) publishStats(res compute.StatsResult) {
	if o.bus == nil {
		return
	}
	_ = o.bus.Publish(event.StatsUpdated{
		WPM:              res.WPM,
		Accuracy:         res.Accuracy,
		ProcessingTimeMs: res.ProcessingTimeMs,
		TimestampMs:      res.Timestamp.UnixMilli(),
		Accelerated:      res.Accelerated,
		Cached:           res.Cached,
		Fallback:         res.Fallback,
	})
}

// dispatch sends queued tasks to the unit one at a time.
func (o *Orchestrator) dispatch() {
	defer o.wg.Done()

	for {
		t, c, wait, stop := o.next()
		if stop {
			return
		}
		if t != nil {
			o.run(t, c)
			continue
		}

		var timer *time.Timer
		var expire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			expire = timer.C
		}
		select {
		case <-o.wake:
		case <-expire:
		case <-o.ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// next pops the next task when the unit is ready. Otherwise it reports how
// long until the oldest queued task expires, or 0 when nothing is queued.
func (o *Orchestrator) next() (t *task, c *conn, wait time.Duration, stop bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, nil, 0, true
	}

	now := time.Now()
	expired := 0
	for len(o.queue) > 0 {
		head := o.queue[0]
		if !head.abandoned {
			if now.Sub(head.submittedAt) < o.cfg.PendingTimeout {
				break
			}
			head.finish(outcome{err: ErrPendingExpired})
			expired++
		}
		o.queue = o.queue[1:]
	}
	if expired > 0 {
		o.logger.Warn("pending tasks expired", "count", expired, "timeout", o.cfg.PendingTimeout)
	}

	if len(o.queue) == 0 {
		o.obs.PendingTasks(0)
		return nil, nil, 0, false
	}
	if !o.ready {
		o.obs.PendingTasks(len(o.queue))
		return nil, nil, o.cfg.PendingTimeout - now.Sub(o.queue[0].submittedAt), false
	}

	t = o.queue[0]
	o.queue[0] = nil
	o.queue = o.queue[1:]
	o.obs.PendingTasks(len(o.queue))
	return t, o.conn, 0, false
}

// run performs one calculate-stats round trip for t.
func (o *Orchestrator) run(t *task, c *conn) {
	start := time.Now()
	resp, err := c.roundTrip(o.ctx, t.req, o.cfg.SubmitTimeout)
	elapsed := time.Since(start)

	unitFailure := err != nil
	if err == nil {
		if err = compute.ResponseError(resp); errors.Is(err, compute.ErrUnitStopped) {
			unitFailure = true
		}
	}

	if err != nil {
		o.mu.Lock()
		closed, health := o.closed, o.health
		o.mu.Unlock()

		switch {
		case closed:
			t.finish(outcome{err: ErrShuttingDown})
			return
		case health == Fallback && c.torndown.Load():
			// The unit was torn down under this task; finish it in-process.
			t.finish(outcome{result: o.computeFallback(t.input)})
			return
		}

		o.obs.RoundTrip(elapsed, err)
		if errors.Is(err, ErrUnitUnresponsive) {
			o.obs.Timeout()
		}
		if unitFailure {
			o.recordFailure(err)
		}
		t.finish(outcome{err: err})
		return
	}

	var res compute.StatsResult
	if err := resp.Decode(&res); err != nil {
		o.obs.RoundTrip(elapsed, err)
		t.finish(outcome{err: fmt.Errorf("decode stats result: %w", err)})
		return
	}

	o.mu.Lock()
	o.failures = 0
	o.mu.Unlock()

	o.obs.RoundTrip(elapsed, nil)
	o.publishStats(res)
	t.finish(outcome{result: res})
}

func (o *Orchestrator) recordFailure(err error) {
	o.mu.Lock()
	o.failures++
	n := o.failures
	o.mu.Unlock()

	o.logger.Warn("compute unit failure", "consecutive", n, "error", err)
	if n >= o.cfg.MaxConsecutiveFailures {
		o.escalate(Fallback, fmt.Sprintf("%d consecutive compute unit failures", n), false)
	}
}

// escalate raises health to at least to. With walk set every intermediate
// state is entered and announced in turn. Reaching Fallback tears the unit
// down and finishes every queued task in-process. Newly entering LowMemory
// asks the unit to shed its cache.
func (o *Orchestrator) escalate(to Health, reason string, walk bool) {
	o.mu.Lock()
	if o.closed || o.health >= to {
		o.mu.Unlock()
		return
	}

	from := o.health
	if walk {
		for o.health < to {
			o.setHealthLocked(o.health+1, reason)
		}
	} else {
		o.setHealthLocked(to, reason)
	}

	var (
		teardown *conn
		cleanup  *conn
		drained  []*task
	)
	if o.health == Fallback {
		teardown = o.conn
		o.conn = nil
		o.ready = false
		for _, t := range o.queue {
			if !t.abandoned {
				drained = append(drained, t)
			}
		}
		o.queue = nil
	} else if from < LowMemory && o.health == LowMemory && o.ready {
		cleanup = o.conn
	}
	o.mu.Unlock()

	if teardown != nil {
		teardown.tearDown()
	}
	for _, t := range drained {
		t.finish(outcome{result: o.computeFallback(t.input)})
	}
	if len(drained) > 0 {
		o.obs.PendingTasks(0)
	}
	if cleanup != nil {
		o.shedMemory(cleanup)
	}
}

func (o *Orchestrator) setHealthLocked(h Health, reason string) {
	prev := o.health
	o.health = h
	o.logger.Warn("compute health changed", "health", h, "previous", prev, "reason", reason)
	o.obs.HealthChanged(h)
	if o.bus != nil {
		_ = o.bus.Publish(event.HealthChanged{
			Health:   h.String(),
			Previous: prev.String(),
			Reason:   reason,
		})
	}
}

// shedMemory clears and shrinks the unit's cache and collects garbage here.
func (o *Orchestrator) shedMemory(c *conn) {
	runtime.GC()

	req, err := compute.NewRequest(compute.KindMemoryCleanup, compute.CleanupPayload{
		ReduceCache: o.cfg.LowMemoryCacheSize,
	})
	if err != nil {
		return
	}
	var res compute.CleanupResult
	resp, err := c.roundTrip(o.ctx, req, o.cfg.SubmitTimeout)
	if err == nil {
		err = resp.Decode(&res)
	}
	if err != nil {
		o.logger.Warn("memory cleanup failed", "error", err)
		return
	}
	o.logger.Info("compute unit shed memory",
		"cleared", res.Cleared,
		"cache_capacity", res.CacheCapacity,
		"heap_used", res.HeapUsed,
	)
}

func (o *Orchestrator) monitor() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.MemoryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.CheckMemory()
			o.CheckUnitMemory(o.ctx)
		}
	}
}

// CheckMemory reads the memory probe once and escalates health when a
// threshold is crossed. It runs on every MemoryCheckInterval tick.
func (o *Orchestrator) CheckMemory() {
	pct, err := o.cfg.Probe.UsedPercent()
	if err != nil {
		o.logger.Debug("memory probe failed", "error", err)
		return
	}

	switch {
	case pct >= o.cfg.FallbackPercent:
		o.escalate(Fallback, fmt.Sprintf("memory usage %.1f%% at or above %.0f%%: %v",
			pct, o.cfg.FallbackPercent, compute.ErrMemoryCeilingExceeded), true)
	case pct >= o.cfg.LowMemoryPercent:
		o.escalate(LowMemory, fmt.Sprintf("memory usage %.1f%% at or above %.0f%%",
			pct, o.cfg.LowMemoryPercent), true)
	}
}

// CheckUnitMemory asks a healthy unit for its self-report and moves to
// LowMemory when the unit has seen sustained heap growth past its ceiling.
// Entering LowMemory sends the memory-cleanup that clears the unit's flag.
func (o *Orchestrator) CheckUnitMemory(ctx context.Context) {
	if o.Health() != Healthy {
		return
	}
	st, err := o.UnitStatus(ctx)
	if err != nil {
		o.logger.Debug("unit memory status unavailable", "error", err)
		return
	}
	if !st.NeedsCleanup {
		return
	}
	o.escalate(LowMemory, fmt.Sprintf("unit heap %d bytes over ceiling %d: %v",
		st.HeapUsed, st.MemoryCeiling, compute.ErrMemoryCeilingExceeded), true)
}

// SetMode records the caller's processing mode and forwards it to a running
// unit. Health is unaffected.
func (o *Orchestrator) SetMode(ctx context.Context, mode string) error {
	if !compute.ValidMode(mode) {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	o.mode = mode
	c := o.conn
	if !o.ready {
		c = nil
	}
	o.mu.Unlock()

	if c == nil {
		return nil
	}
	req, err := compute.NewRequest(compute.KindSetMode, compute.SetModePayload{Mode: mode})
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(ctx, req, o.cfg.SubmitTimeout)
	if err != nil {
		if errors.Is(err, ErrUnitUnresponsive) {
			o.recordFailure(err)
		}
		return err
	}
	return compute.ResponseError(resp)
}

// Mode returns the caller-selected processing mode.
func (o *Orchestrator) Mode() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}

// Health returns the current health.
func (o *Orchestrator) Health() Health {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.health
}

// UnitStatus asks the running unit for its self-report.
func (o *Orchestrator) UnitStatus(ctx context.Context) (compute.StatusResult, error) {
	o.mu.Lock()
	c := o.conn
	if !o.ready {
		c = nil
	}
	o.mu.Unlock()
	if c == nil {
		return compute.StatusResult{}, ErrUnitUnavailable
	}

	req, err := compute.NewRequest(compute.KindStatus, nil)
	if err != nil {
		return compute.StatusResult{}, err
	}
	var st compute.StatusResult
	resp, err := c.roundTrip(ctx, req, o.cfg.SubmitTimeout)
	if err == nil {
		err = resp.Decode(&st)
	}
	return st, err
}

// Restart tears down the current unit, resets health to Healthy and starts a
// new unit. Nothing is replayed.
func (o *Orchestrator) Restart(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrShuttingDown
	}
	old := o.conn
	o.conn = nil
	o.ready = false
	o.failures = 0
	if o.health != Healthy {
		o.setHealthLocked(Healthy, "restart")
	}
	o.mu.Unlock()

	if old != nil {
		old.tearDown()
	}
	o.logger.Info("restarting compute unit")
	return o.connect(ctx)
}

// Status returns a snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	pending := 0
	for _, t := range o.queue {
		if !t.abandoned {
			pending++
		}
	}
	return Status{
		Health:              o.health,
		Mode:                o.mode,
		Pending:             pending,
		ConsecutiveFailures: o.failures,
		UnitAlive:           o.ready && o.conn != nil && o.conn.alive(),
		Started:             o.started,
		Closed:              o.closed,
	}
}

// Close sends shutdown to the unit, fails queued tasks with ErrShuttingDown
// and stops background work.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	c := o.conn
	o.conn = nil
	o.ready = false
	queued := o.queue
	o.queue = nil
	o.mu.Unlock()

	for _, t := range queued {
		t.finish(outcome{err: ErrShuttingDown})
	}

	var err error
	if c != nil {
		req, rerr := compute.NewRequest(compute.KindShutdown, nil)
		if rerr == nil {
			_, rerr = c.roundTrip(ctx, req, o.cfg.SubmitTimeout)
		}
		if rerr != nil {
			o.logger.Debug("compute unit shutdown", "error", rerr)
			err = rerr
		}
		c.tearDown()
	}

	o.cancel()
	o.wg.Wait()
	if err != nil && !errors.Is(err, ErrUnitUnresponsive) {
		return err
	}
	return nil
}
