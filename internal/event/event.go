// Package event carries typestatd's outbound notifications.
//
// Producers publish typed events on a Bus; each subscriber receives them in
// publication order on its own buffered channel. A slow subscriber loses
// events rather than stalling the producer.
package event

import (
	"typestatd/internal/focus"
	"typestatd/internal/keystroke"
)

// Topic names an event kind.
type Topic string

const (
	TopicKeyProcessed        Topic = "key.processed"
	TopicCompositionComplete Topic = "composition.complete"
	TopicStatsUpdated        Topic = "stats.updated"
	TopicHealthChanged       Topic = "health.changed"
)

// Event is implemented by every published value.
type Event interface {
	Topic() Topic
}

// KeyProcessed reports one classified keystroke with the window it went to.
type KeyProcessed struct {
	Event keystroke.Event `json:"event"`
	Class string          `json:"class"`
	Char  string          `json:"char,omitempty"`
	Focus focus.Info      `json:"focus"`
	Count uint64          `json:"count"`
}

// CompositionComplete carries the text composed since the previous
// completion, normalized to NFC.
type CompositionComplete struct {
	Text        string `json:"text"`
	Syllables   int    `json:"syllables"`
	TimestampMs int64  `json:"timestampMs"`
}

// StatsUpdated carries a fresh typing-statistics result.
type StatsUpdated struct {
	WPM              int     `json:"wpm"`
	Accuracy         int     `json:"accuracy"`
	ProcessingTimeMs float64 `json:"processingTimeMs"`
	TimestampMs      int64   `json:"timestampMs"`
	Accelerated      bool    `json:"accelerated"`
	Cached           bool    `json:"cached"`
	Fallback         bool    `json:"fallback"`
}

// HealthChanged reports a compute health transition.
type HealthChanged struct {
	Health   string `json:"health"`
	Previous string `json:"previous"`
	Reason   string `json:"reason"`
}

func (KeyProcessed) Topic() Topic        { return TopicKeyProcessed }
func (CompositionComplete) Topic() Topic { return TopicCompositionComplete }
func (StatsUpdated) Topic() Topic        { return TopicStatsUpdated }
func (HealthChanged) Topic() Topic       { return TopicHealthChanged }
