package keystroke

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// =============================================================================
// Tests for RawCounter
// =============================================================================

func TestRawCounterCount(t *testing.T) {
	rc := &RawCounter{}

	if rc.Count() != 0 {
		t.Error("initial count should be 0")
	}

	rc.Increment(ClassPrintable)
	rc.Increment(ClassPrintable)
	rc.Increment(ClassSpecial)

	if rc.Count() != 3 {
		t.Errorf("expected count 3, got %d", rc.Count())
	}
	if rc.ClassCount(ClassPrintable) != 2 {
		t.Errorf("expected 2 printable, got %d", rc.ClassCount(ClassPrintable))
	}
	if rc.ClassCount(ClassSpecial) != 1 {
		t.Errorf("expected 1 special, got %d", rc.ClassCount(ClassSpecial))
	}
	if rc.ClassCount(Class(42)) != 0 {
		t.Error("out of range class should count 0")
	}
}

func TestRawCounterIncrementConcurrent(t *testing.T) {
	rc := &RawCounter{}
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				rc.Increment(ClassHangul)
			}
		}()
	}

	wg.Wait()

	if rc.Count() != 1000 {
		t.Errorf("expected count 1000, got %d", rc.Count())
	}
}

func TestRawCounterSubscribe(t *testing.T) {
	rc := &RawCounter{}

	ch := rc.Subscribe(5)
	for i := 0; i < 5; i++ {
		rc.Increment(ClassPrintable)
	}

	select {
	case tick := <-ch:
		if tick.Count != 5 {
			t.Errorf("expected count 5, got %d", tick.Count)
		}
		if tick.Timestamp.IsZero() {
			t.Error("timestamp should not be zero")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("expected tick on channel")
	}
}

func TestRawCounterClose(t *testing.T) {
	rc := &RawCounter{}

	ch := rc.Subscribe(1)
	rc.Close()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed")
	}
}

// =============================================================================
// Tests for Ingestor
// =============================================================================

func TestIngestorDrainOrder(t *testing.T) {
	in := NewIngestor(IngestorOptions{QueueSize: 8})

	for i := 0; i < 5; i++ {
		require.True(t, in.Enqueue(Event{Code: uint16(i + 1)}))
	}
	require.Equal(t, 5, in.Len())

	batch := in.Drain()
	codes := make([]uint16, len(batch))
	for i, ev := range batch {
		codes[i] = ev.Code
	}
	if diff := cmp.Diff([]uint16{1, 2, 3, 4, 5}, codes); diff != "" {
		t.Errorf("drain order mismatch (-want +got):\n%s", diff)
	}

	assert.Empty(t, in.Drain())
	assert.Equal(t, uint64(5), in.Enqueued())
}

func TestIngestorDropsWhenFull(t *testing.T) {
	in := NewIngestor(IngestorOptions{QueueSize: 2})

	assert.True(t, in.Enqueue(Event{Code: 1}))
	assert.True(t, in.Enqueue(Event{Code: 2}))
	assert.False(t, in.Enqueue(Event{Code: 3}))
	assert.False(t, in.Enqueue(Event{Code: 4}))

	assert.Equal(t, uint64(2), in.Dropped())
	assert.Len(t, in.Drain(), 2)

	// Space is available again after a drain.
	assert.True(t, in.Enqueue(Event{Code: 5}))
}

func TestIngestorDefaults(t *testing.T) {
	in := NewIngestor(IngestorOptions{})
	assert.Equal(t, DefaultDrainInterval, in.interval)
	assert.Equal(t, DefaultQueueSize, cap(in.queue))
}

func TestIngestorRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	in := NewIngestor(IngestorOptions{DrainInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var got []uint16
	done := make(chan struct{})
	go func() {
		defer close(done)
		in.Run(ctx, func(batch []Event) {
			mu.Lock()
			defer mu.Unlock()
			for _, ev := range batch {
				got = append(got, ev.Code)
			}
		})
	}()

	for i := 1; i <= 20; i++ {
		in.Enqueue(Event{Code: uint16(i)})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 20
	}, time.Second, time.Millisecond)

	cancel()
	<-done

	for i, code := range got {
		if code != uint16(i+1) {
			t.Fatalf("event %d out of order: %d", i, code)
		}
	}
}

func TestIngestorRunFinalDrain(t *testing.T) {
	defer goleak.VerifyNone(t)

	in := NewIngestor(IngestorOptions{DrainInterval: time.Hour})
	in.Enqueue(Event{Code: 7})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var batches [][]Event
	in.Run(ctx, func(batch []Event) { batches = append(batches, batch) })

	require.Len(t, batches, 1)
	assert.Equal(t, uint16(7), batches[0][0].Code)
}

// =============================================================================
// Tests for classification
// =============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want Class
	}{
		{"letter by code", Event{Code: 0x001E}, ClassPrintable},
		{"letter by char", Event{Char: 'x'}, ClassPrintable},
		{"digit", Event{Code: 0x0002}, ClassPrintable},
		{"jamo", Event{Code: 0x0023, Char: 'ㅎ'}, ClassHangul},
		{"syllable", Event{Char: '한'}, ClassHangul},
		{"space", Event{Code: VCSpace}, ClassSpace},
		{"space char", Event{Char: ' '}, ClassSpace},
		{"enter", Event{Code: VCEnter}, ClassEnter},
		{"keypad enter", Event{Code: VCKPEnter}, ClassEnter},
		{"backspace", Event{Code: VCBackspace}, ClassBackspace},
		{"escape", Event{Code: VCEscape}, ClassSpecial},
		{"f1", Event{Code: VCF1}, ClassSpecial},
		{"f5", Event{Code: 0x003F}, ClassSpecial},
		{"f12", Event{Code: VCF12}, ClassSpecial},
		{"shift", Event{Code: VCShiftL}, ClassSpecial},
		{"arrow", Event{Code: VCLeft}, ClassSpecial},
		{"caps lock", Event{Code: VCCapsLock}, ClassSpecial},
		{"ctrl shortcut", Event{Code: 0x002E, Modifiers: ModControl}, ClassSpecial},
		{"ctrl space", Event{Code: VCSpace, Modifiers: ModControl}, ClassSpecial},
		{"shifted letter", Event{Code: 0x001E, Modifiers: ModShift}, ClassPrintable},
		{"unknown code", Event{Code: 0x0100}, ClassSpecial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.ev))
		})
	}
}

func TestClassTyping(t *testing.T) {
	assert.True(t, ClassPrintable.Typing())
	assert.True(t, ClassHangul.Typing())
	assert.True(t, ClassSpace.Typing())
	assert.False(t, ClassBackspace.Typing())
	assert.False(t, ClassSpecial.Typing())
	assert.Equal(t, "hangul", ClassHangul.String())
}

func TestEventRune(t *testing.T) {
	assert.Equal(t, 'a', Event{Code: 0x001E}.Rune())
	assert.Equal(t, 'A', Event{Code: 0x001E, Modifiers: ModShift}.Rune())
	assert.Equal(t, 'ㄱ', Event{Code: 0x0013, Char: 'ㄱ'}.Rune())
	assert.Equal(t, rune(0), Event{Code: VCEscape}.Rune())
}

func TestModifiersString(t *testing.T) {
	assert.Equal(t, "", Modifiers(0).String())
	assert.Equal(t, "ctrl+shift", (ModShift | ModControl).String())
	assert.True(t, (ModAlt | ModMeta).Has(ModMeta))
	assert.False(t, ModAlt.Has(ModAlt|ModMeta))
}

// =============================================================================
// Tests for JSON sources
// =============================================================================

func TestEventJSON(t *testing.T) {
	data, err := json.Marshal(Event{Code: 0x0023, Char: 'ㅎ', Modifiers: ModShift, TimestampMs: 1700000000000})
	require.NoError(t, err)
	assert.JSONEq(t, `{"keycode":35,"key":"ㅎ","shiftKey":true,"timestamp":1700000000000}`, string(data))

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(`{"keycode":28,"key":"Enter","ctrlKey":true}`), &ev))
	assert.Equal(t, Event{Code: VCEnter, Modifiers: ModControl}, ev)
}

func TestJSONSource(t *testing.T) {
	input := strings.Join([]string{
		`{"keycode":35,"key":"ㅎ","timestamp":10}`,
		`not json`,
		``,
		`{"keycode":30,"key":"ㅏ"}`,
	}, "\n")

	src := NewJSONSource(strings.NewReader(input), nil, func() int64 { return 99 })

	var got []Event
	err := src.Run(context.Background(), func(ev Event) { got = append(got, ev) })
	require.NoError(t, err)

	want := []Event{
		{Code: 35, Char: 'ㅎ', TimestampMs: 10},
		{Code: 30, Char: 'ㅏ', TimestampMs: 99},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestJSONSourceCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := NewJSONSource(strings.NewReader(`{"keycode":1}`), nil, nil)
	err := src.Run(ctx, func(Event) { t.Error("sink called after cancel") })
	assert.ErrorIs(t, err, context.Canceled)
}
