// Package compute implements the isolated statistics unit.
//
// The unit is reached only through request/response envelopes: it never
// shares memory with its caller, so it can run in-process behind a Pipe or in
// a separate process behind a Stream. Each request yields exactly one
// response carrying the request id.
package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Processing modes selected by the caller.
const (
	ModeNormal       = "normal"
	ModeCPUIntensive = "cpu-intensive"
	ModeGPUIntensive = "gpu-intensive"
)

// ValidMode reports whether mode is a known processing mode.
func ValidMode(mode string) bool {
	switch mode {
	case ModeNormal, ModeCPUIntensive, ModeGPUIntensive:
		return true
	}
	return false
}

// Options configures a Unit.
type Options struct {
	Mode             string
	MemoryCeiling    uint64
	CacheSize        int
	MonitorInterval  time.Duration
	SustainedSamples int
	Accelerator      Accelerator
	Logger           *slog.Logger

	// Hooks for tests. Nil means the runtime implementations.
	ReadHeap   func() uint64
	FreeMemory func()
	Now        func() time.Time
}

func (o *Options) withDefaults() {
	if !ValidMode(o.Mode) {
		o.Mode = ModeNormal
	}
	if o.MemoryCeiling == 0 {
		o.MemoryCeiling = DefaultMemoryCeiling
	}
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.MonitorInterval <= 0 {
		o.MonitorInterval = DefaultMonitorInterval
	}
	if o.SustainedSamples <= 0 {
		o.SustainedSamples = DefaultSustainedSamples
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ReadHeap == nil {
		o.ReadHeap = ReadHeap
	}
	if o.FreeMemory == nil {
		o.FreeMemory = debug.FreeOSMemory
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Unit handles compute requests. The result cache and memory samples are
// private to it; callers see them only through status responses.
type Unit struct {
	mu     sync.Mutex
	opts   Options
	logger *slog.Logger

	mode         string
	ceiling      uint64
	cache        *ResultCache
	ring         *MemoryRing
	needsCleanup bool
	gcCount      int
	handled      uint64
	accErrors    uint64
	stopped      bool
}

// NewUnit creates a unit ready to serve requests.
func NewUnit(opts Options) *Unit {
	opts.withDefaults()
	return &Unit{
		opts:    opts,
		logger:  opts.Logger,
		mode:    opts.Mode,
		ceiling: opts.MemoryCeiling,
		cache:   NewResultCache(opts.CacheSize),
		ring:    NewMemoryRing(DefaultRingSize),
	}
}

// Handle processes one request and returns its response.
func (u *Unit) Handle(ctx context.Context, req Request) Response {
	u.mu.Lock()
	defer u.mu.Unlock()

	if req.ID == "" {
		return errorResponse(UnknownID, fmt.Errorf("%w: missing id", ErrInvalidMessage))
	}
	if u.stopped {
		return errorResponse(req.ID, ErrUnitStopped)
	}
	if err := ctx.Err(); err != nil {
		return errorResponse(req.ID, fmt.Errorf("%w: %v", ErrInternal, err))
	}

	kind, err := ParseKind(req.Type)
	if err != nil {
		u.logger.Warn("unknown message type", "type", req.Type, "id", req.ID)
		return errorResponse(req.ID, err)
	}

	u.handled++
	var result any
	switch kind {
	case KindInitialize:
		result, err = u.initialize(req.Payload)
	case KindCalculateStats:
		result = u.calculate(ParseStatsInput(req.Payload))
	case KindSetMode:
		result, err = u.setMode(req.Payload)
	case KindMemoryCleanup:
		result, err = u.cleanup(req.Payload)
	case KindStatus:
		result = u.status()
	case KindShutdown:
		u.stopped = true
		u.logger.Info("compute unit shutting down", "handled", u.handled)
	}
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return resultResponse(kind, req.ID, result)
}

// Stopped reports whether a shutdown request has been handled.
func (u *Unit) Stopped() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stopped
}

// decodePayload unmarshals an optional payload into v.
func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrInvalidMessage, err)
	}
	return nil
}

func (u *Unit) initialize(payload json.RawMessage) (InitializeResult, error) {
	var p InitializePayload
	if err := decodePayload(payload, &p); err != nil {
		return InitializeResult{}, err
	}
	if p.ProcessingMode != "" {
		if !ValidMode(p.ProcessingMode) {
			return InitializeResult{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidMessage, p.ProcessingMode)
		}
		u.mode = p.ProcessingMode
	}
	if p.MemoryLimit > 0 {
		u.ceiling = p.MemoryLimit
	}

	u.logger.Debug("compute unit initialized", "mode", u.mode, "accelerated", u.opts.Accelerator != nil)
	return InitializeResult{
		Mode:                 u.mode,
		AcceleratorAvailable: u.opts.Accelerator != nil,
		MemoryLimit:          u.ceiling,
	}, nil
}

func (u *Unit) calculate(in StatsInput) StatsResult {
	start := time.Now()
	key := in.Key()

	if res, ok := u.cache.Get(key); ok {
		res.Cached = true
		res.Timestamp = u.opts.Now()
		res.ProcessingTimeMs = elapsedMs(start)
		return res
	}

	var res StatsResult
	if acc := u.opts.Accelerator; acc != nil {
		wpm, accuracy, err := accelerate(acc, in)
		if err == nil {
			res.WPM, res.Accuracy, res.Accelerated = wpm, accuracy, true
		} else {
			u.accErrors++
			u.logger.Warn("accelerated path failed, using pure logic", "error", err)
		}
	}
	if !res.Accelerated {
		res.WPM, res.Accuracy = Calculate(in)
	}

	res.Timestamp = u.opts.Now()
	res.MemoryUsage = u.opts.ReadHeap()
	res.ProcessingTimeMs = elapsedMs(start)
	u.cache.Put(key, res)
	return res
}

func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func (u *Unit) setMode(payload json.RawMessage) (ModeResult, error) {
	var p SetModePayload
	if err := decodePayload(payload, &p); err != nil {
		return ModeResult{}, err
	}
	if p.Mode == "" {
		p.Mode = ModeNormal
	}
	if !ValidMode(p.Mode) {
		return ModeResult{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidMessage, p.Mode)
	}
	u.mode = p.Mode
	u.logger.Debug("processing mode changed", "mode", u.mode)
	return ModeResult{Mode: u.mode}, nil
}

func (u *Unit) cleanup(payload json.RawMessage) (CleanupResult, error) {
	var p CleanupPayload
	if err := decodePayload(payload, &p); err != nil {
		return CleanupResult{}, err
	}

	cleared := u.cache.Clear()
	if p.ReduceCache > 0 {
		u.cache.Resize(p.ReduceCache)
	}
	flagged := u.needsCleanup
	u.needsCleanup = false
	u.freeMemory()

	u.logger.Debug("memory cleanup complete", "cleared", cleared, "cache_capacity", u.cache.Cap(), "flagged", flagged)
	return CleanupResult{
		Cleared:       cleared,
		CacheCapacity: u.cache.Cap(),
		WasFlagged:    flagged,
		HeapUsed:      u.opts.ReadHeap(),
	}, nil
}

func (u *Unit) freeMemory() {
	u.opts.FreeMemory()
	u.gcCount++
}

func (u *Unit) status() StatusResult {
	var heap uint64
	if s, ok := u.ring.Last(); ok {
		heap = s.HeapUsed
	} else {
		heap = u.opts.ReadHeap()
	}
	return StatusResult{
		Mode:                 u.mode,
		AcceleratorAvailable: u.opts.Accelerator != nil,
		AcceleratorErrors:    u.accErrors,
		MemoryCeiling:        u.ceiling,
		HeapUsed:             heap,
		CacheLen:             u.cache.Len(),
		CacheCapacity:        u.cache.Cap(),
		GCCount:              u.gcCount,
		NeedsCleanup:         u.needsCleanup,
		Handled:              u.handled,
	}
}

// Sample records the current heap size. When the newest SustainedSamples
// readings all exceed the ceiling the unit flags itself for cleanup and runs
// one proactive cleanup; the flag stays set until a memory-cleanup request
// consumes it.
func (u *Unit) Sample() {
	u.mu.Lock()
	defer u.mu.Unlock()

	heap := u.opts.ReadHeap()
	u.ring.Add(MemorySample{HeapUsed: heap, Timestamp: u.opts.Now()})

	if u.needsCleanup || !u.ring.SustainedOver(u.ceiling, u.opts.SustainedSamples) {
		return
	}
	u.needsCleanup = true
	u.logger.Warn("memory ceiling exceeded, cleaning up",
		"heap_used", heap,
		"ceiling", u.ceiling,
		"error", ErrMemoryCeilingExceeded,
	)
	u.cache.Clear()
	u.freeMemory()
}

// NeedsCleanup reports whether sustained memory growth has been detected.
func (u *Unit) NeedsCleanup() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.needsCleanup
}

// MonitorInterval returns how often Serve samples memory.
func (u *Unit) MonitorInterval() time.Duration {
	return u.opts.MonitorInterval
}
