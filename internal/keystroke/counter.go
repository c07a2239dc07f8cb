// Package keystroke ingests key events from a capture source and classifies
// them for composition and typing statistics.
//
// Capture callbacks must never block, so events go through an Ingestor: a
// bounded queue that drops (and counts) events when full and is drained in
// whole batches on a fixed interval.
//
// Platform support:
//   - Any platform: JSON lines (ReadJSON), the format the daemon reads on stdin
//   - Linux: /dev/input/event* (requires input group or root)
package keystroke

import (
	"errors"
	"sync"
	"time"
)

// Tick is sent when a keystroke threshold is reached.
type Tick struct {
	Count     uint64
	Timestamp time.Time
}

// listener handles subscriber notifications.
type listener struct {
	interval uint64
	ch       chan Tick
	lastSent uint64
}

// RawCounter counts every key press, including special keys that are
// filtered out of composition and statistics.
type RawCounter struct {
	mu        sync.RWMutex
	count     uint64
	byClass   [ClassSpecial + 1]uint64
	listeners []*listener
}

// Count returns the current keystroke count.
func (b *RawCounter) Count() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// ClassCount returns the number of presses recorded for one class.
func (b *RawCounter) ClassCount(c Class) uint64 {
	if c < 0 || int(c) >= len(b.byClass) {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.byClass[c]
}

// Subscribe returns a channel that receives ticks every N keystrokes.
func (b *RawCounter) Subscribe(interval uint64) <-chan Tick {
	if interval == 0 {
		interval = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Tick, 10)
	b.listeners = append(b.listeners, &listener{
		interval: interval,
		ch:       ch,
		lastSent: b.count,
	})
	return ch
}

// Increment adds one press of class c and notifies listeners.
func (b *RawCounter) Increment(c Class) {
	b.mu.Lock()
	b.count++
	if c >= 0 && int(c) < len(b.byClass) {
		b.byClass[c]++
	}
	count := b.count
	now := time.Now()

	for _, l := range b.listeners {
		if count-l.lastSent >= l.interval {
			select {
			case l.ch <- Tick{Count: count, Timestamp: now}:
				l.lastSent = count
			default:
				// Channel full, skip
			}
		}
	}
	b.mu.Unlock()
}

// Close closes all listener channels.
func (b *RawCounter) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, l := range b.listeners {
		close(l.ch)
	}
	b.listeners = nil
}

// ErrNotAvailable is returned when no capture source works on this platform.
var ErrNotAvailable = errors.New("key capture not available on this platform")

// ErrPermissionDenied is returned when permissions are insufficient.
var ErrPermissionDenied = errors.New("insufficient permissions for key capture")
