package compute

import (
	"math"
	"time"

	"github.com/tidwall/gjson"
)

// StatsInput is the body of a calculate-stats request.
type StatsInput struct {
	Keystrokes float64 `json:"keystrokes"`
	TimeMs     float64 `json:"timeMs"`
	Correct    float64 `json:"correct"`
	Total      float64 `json:"total"`
}

// ParseStatsInput reads a calculate-stats payload permissively: a field that
// is missing or not a JSON number counts as 0.
func ParseStatsInput(payload []byte) StatsInput {
	number := func(r gjson.Result) float64 {
		if r.Type != gjson.Number {
			return 0
		}
		f := r.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		return f
	}

	fields := gjson.GetManyBytes(payload, "keystrokes", "timeMs", "correct", "total")
	return StatsInput{
		Keystrokes: number(fields[0]),
		TimeMs:     number(fields[1]),
		Correct:    number(fields[2]),
		Total:      number(fields[3]),
	}
}

// StatsKey identifies a calculation in the result cache.
type StatsKey struct {
	Keystrokes float64
	TimeMs     float64
	Correct    float64
	Total      float64
}

// Key returns the cache key for in. Elapsed time is clamped the same way the
// calculation clamps it, so 0 ms and 1 ms share an entry.
func (in StatsInput) Key() StatsKey {
	return StatsKey{
		Keystrokes: in.Keystrokes,
		TimeMs:     clampMin1(in.TimeMs),
		Correct:    in.Correct,
		Total:      in.Total,
	}
}

// StatsResult is the body of a stats-result response.
type StatsResult struct {
	WPM              int       `json:"wpm"`
	Accuracy         int       `json:"accuracy"`
	ProcessingTimeMs float64   `json:"processingTimeMs"`
	Timestamp        time.Time `json:"timestamp"`
	MemoryUsage      uint64    `json:"memoryUsage"`
	Accelerated      bool      `json:"accelerated"`
	Cached           bool      `json:"cached"`
	Fallback         bool      `json:"fallback,omitempty"`
}

func clampMin1(v float64) float64 {
	if v < 1 {
		return 1
	}
	return v
}

// CalculateWPM returns round((keystrokes/5) / (timeMs/60000)) with timeMs
// clamped to at least 1.
func CalculateWPM(keystrokes, timeMs float64) int {
	minutes := clampMin1(timeMs) / 60000
	return int(math.Round((keystrokes / 5) / minutes))
}

// CalculateAccuracy returns round(correct/total * 100). A non-positive total
// means nothing was typed yet and yields 100.
func CalculateAccuracy(correct, total float64) int {
	if total <= 0 {
		return 100
	}
	return int(math.Round(correct / clampMin1(total) * 100))
}

// Calculate is the pure-logic path.
func Calculate(in StatsInput) (wpm, accuracy int) {
	return CalculateWPM(in.Keystrokes, in.TimeMs), CalculateAccuracy(in.Correct, in.Total)
}

// CalculateResult runs the pure-logic path and packs a complete result. It is
// what the orchestrator uses when no unit is available.
func CalculateResult(in StatsInput, now time.Time) StatsResult {
	start := time.Now()
	wpm, accuracy := Calculate(in)
	return StatsResult{
		WPM:              wpm,
		Accuracy:         accuracy,
		ProcessingTimeMs: float64(time.Since(start).Microseconds()) / 1000,
		Timestamp:        now,
		MemoryUsage:      ReadHeap(),
	}
}
