package keystroke

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"unicode/utf8"
)

// Source delivers captured key events to sink until ctx is cancelled or the
// underlying input ends. sink must not block.
type Source interface {
	Run(ctx context.Context, sink func(Event)) error
}

// wireEvent is the JSON shape of a key event, matching what libuiohook
// bindings report.
type wireEvent struct {
	Keycode   uint16 `json:"keycode"`
	Key       string `json:"key,omitempty"`
	Shift     bool   `json:"shiftKey,omitempty"`
	Ctrl      bool   `json:"ctrlKey,omitempty"`
	Alt       bool   `json:"altKey,omitempty"`
	Meta      bool   `json:"metaKey,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// MarshalJSON encodes the event in its wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Keycode:   e.Code,
		Shift:     e.Modifiers.Has(ModShift),
		Ctrl:      e.Modifiers.Has(ModControl),
		Alt:       e.Modifiers.Has(ModAlt),
		Meta:      e.Modifiers.Has(ModMeta),
		Timestamp: e.TimestampMs,
	}
	if e.Char != 0 {
		w.Key = string(e.Char)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form. A multi-character key name such as
// "Enter" leaves Char empty.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	var char rune
	if utf8.RuneCountInString(w.Key) == 1 {
		char, _ = utf8.DecodeRuneInString(w.Key)
	}

	var mods Modifiers
	if w.Shift {
		mods |= ModShift
	}
	if w.Ctrl {
		mods |= ModControl
	}
	if w.Alt {
		mods |= ModAlt
	}
	if w.Meta {
		mods |= ModMeta
	}

	*e = Event{Code: w.Keycode, Char: char, Modifiers: mods, TimestampMs: w.Timestamp}
	return nil
}

// JSONSource reads one JSON-encoded event per line.
type JSONSource struct {
	r      io.Reader
	logger *slog.Logger
	now    func() int64
}

// NewJSONSource creates a source over r. Events without a timestamp are
// stamped with now.
func NewJSONSource(r io.Reader, logger *slog.Logger, now func() int64) *JSONSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONSource{r: r, logger: logger, now: now}
}

// Run decodes lines until EOF. Malformed lines are logged and skipped.
func (s *JSONSource) Run(ctx context.Context, sink func(Event)) error {
	scanner := bufio.NewScanner(s.r)
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++

		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			s.logger.Warn("skipping malformed key event", "line", line, "error", err)
			continue
		}
		if ev.TimestampMs == 0 && s.now != nil {
			ev.TimestampMs = s.now()
		}
		sink(ev)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read key events: %w", err)
	}
	return nil
}
