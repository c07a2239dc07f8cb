package compute

import (
	"runtime"
	"time"
)

// Memory monitoring defaults.
const (
	DefaultMemoryCeiling    = 100 << 20 // 100 MB
	DefaultMonitorInterval  = 30 * time.Second
	DefaultSustainedSamples = 3
	DefaultRingSize         = 16
)

// MemorySample is one heap reading.
type MemorySample struct {
	HeapUsed  uint64
	Timestamp time.Time
}

// MemoryRing keeps the most recent samples, oldest first.
type MemoryRing struct {
	buf   []MemorySample
	start int
	n     int
}

// NewMemoryRing creates a ring holding up to size samples.
func NewMemoryRing(size int) *MemoryRing {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &MemoryRing{buf: make([]MemorySample, size)}
}

// Add records s, overwriting the oldest sample when full.
func (r *MemoryRing) Add(s MemorySample) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = s
		r.n++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of stored samples.
func (r *MemoryRing) Len() int {
	return r.n
}

// Samples returns the stored samples, oldest first.
func (r *MemoryRing) Samples() []MemorySample {
	out := make([]MemorySample, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// Last returns the newest sample.
func (r *MemoryRing) Last() (MemorySample, bool) {
	if r.n == 0 {
		return MemorySample{}, false
	}
	return r.buf[(r.start+r.n-1)%len(r.buf)], true
}

// SustainedOver reports whether the newest n samples all exceed ceiling.
func (r *MemoryRing) SustainedOver(ceiling uint64, n int) bool {
	if n <= 0 || r.n < n {
		return false
	}
	for i := r.n - n; i < r.n; i++ {
		if r.buf[(r.start+i)%len(r.buf)].HeapUsed <= ceiling {
			return false
		}
	}
	return true
}

// Reset drops all samples.
func (r *MemoryRing) Reset() {
	r.start, r.n = 0, 0
}

// ReadHeap returns the bytes of allocated heap objects.
func ReadHeap() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}
