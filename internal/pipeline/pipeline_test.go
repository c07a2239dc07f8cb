package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"typestatd/internal/compute"
	"typestatd/internal/event"
	"typestatd/internal/focus"
	"typestatd/internal/keystroke"
	"typestatd/internal/stats"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startMs is the capture time of test events from chars; clock reads one
// minute later.
const startMs = 1_000

func clock() time.Time {
	return time.UnixMilli(startMs + 60_000)
}

type recordingSubmitter struct {
	mu     sync.Mutex
	inputs []stats.Input
}

func (s *recordingSubmitter) Submit(_ context.Context, in stats.Input) (compute.StatsResult, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()
	return compute.CalculateResult(in, time.Now()), nil
}

func (s *recordingSubmitter) last() (stats.Input, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inputs) == 0 {
		return stats.Input{}, 0
	}
	return s.inputs[len(s.inputs)-1], len(s.inputs)
}

type countingObserver struct {
	keys, dropped, compositions atomic.Int64
}

func (o *countingObserver) KeyProcessed(keystroke.Class) { o.keys.Add(1) }
func (o *countingObserver) EventDropped()                { o.dropped.Add(1) }
func (o *countingObserver) CompositionCompleted()        { o.compositions.Add(1) }

func chars(s string) []keystroke.Event {
	var evs []keystroke.Event
	for _, r := range s {
		ev := keystroke.Event{Char: r, TimestampMs: startMs}
		switch r {
		case ' ':
			ev.Code = keystroke.VCSpace
		case '\n':
			ev.Code = keystroke.VCEnter
		case '\b':
			ev = keystroke.Event{Code: keystroke.VCBackspace, TimestampMs: startMs}
		}
		evs = append(evs, ev)
	}
	return evs
}

func key(r rune, ms int64) keystroke.Event {
	ev := chars(string(r))[0]
	ev.TimestampMs = ms
	return ev
}

// spaced is chars with capture times stepMs apart from startMs.
func spaced(s string, stepMs int64) []keystroke.Event {
	evs := chars(s)
	for i := range evs {
		evs[i].TimestampMs = startMs + int64(i)*stepMs
	}
	return evs
}

func newTestPipeline(t *testing.T, opts Options) (*Pipeline, *event.Bus) {
	t.Helper()
	bus := event.NewBus(quietLogger())
	t.Cleanup(bus.Close)
	opts.Bus = bus
	opts.Logger = quietLogger()
	opts.Now = clock
	return New(opts), bus
}

func compositions(t *testing.T, sub *event.Subscription) []string {
	t.Helper()
	var out []string
	for {
		select {
		case ev := <-sub.C():
			out = append(out, ev.(event.CompositionComplete).Text)
		default:
			return out
		}
	}
}

func TestCompositionCompletesOnDelimiter(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"space", "ㅎㅏㄴ ", []string{"한"}},
		{"enter", "ㄱㅡㄹ\n", []string{"글"}},
		{"two words", "ㅎㅏㄴㄱㅡㄹ ㅇㅏ ", []string{"한글", "아"}},
		{"mixed scripts", "aㅎㅏ ", []string{"a하"}},
		{"backspace in syllable", "ㅎㅏㄴ\b ", []string{"하"}},
		{"backspace after latin", "ab\b ", []string{"a"}},
		{"empty words", "  \n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, bus := newTestPipeline(t, Options{})
			sub, err := bus.Subscribe(16, event.TopicCompositionComplete)
			require.NoError(t, err)

			p.handle(context.Background(), chars(tt.input))
			if diff := cmp.Diff(tt.want, compositions(t, sub)); diff != "" {
				t.Errorf("compositions mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCompositionReportsSyllables(t *testing.T) {
	p, bus := newTestPipeline(t, Options{})
	sub, err := bus.Subscribe(4, event.TopicCompositionComplete)
	require.NoError(t, err)

	p.handle(context.Background(), chars("ㅎㅏㄴ "))

	ev := (<-sub.C()).(event.CompositionComplete)
	assert.Equal(t, event.CompositionComplete{Text: "한", Syllables: 1, TimestampMs: startMs}, ev)
}

func TestSpecialKeys(t *testing.T) {
	special := []keystroke.Event{
		{Code: keystroke.VCF1, TimestampMs: startMs},
		{Code: keystroke.VCShiftL, TimestampMs: startMs},
		{Code: 0x001E, Char: 'a', Modifiers: keystroke.ModControl, TimestampMs: startMs},
	}

	for _, countSpecial := range []bool{false, true} {
		obs := &countingObserver{}
		p, bus := newTestPipeline(t, Options{CountSpecial: countSpecial, Observer: obs})
		sub, err := bus.Subscribe(16, event.TopicKeyProcessed)
		require.NoError(t, err)

		p.handle(context.Background(), special)

		assert.Equal(t, int64(3), obs.keys.Load(), "observer sees every key")
		assert.Zero(t, p.Status().Keystrokes, "special keys are not typing")
		if countSpecial {
			assert.Equal(t, uint64(3), p.Counter().ClassCount(keystroke.ClassSpecial))
			assert.Len(t, sub.C(), 3)
		} else {
			assert.Zero(t, p.Counter().Count())
			assert.Len(t, sub.C(), 0)
		}
		assert.Len(t, p.snapshots, 0, "no statistics for special keys")
	}
}

func TestKeyProcessedCarriesFocus(t *testing.T) {
	info := focus.Info{AppName: "editor", WindowTitle: "notes.txt"}
	p, bus := newTestPipeline(t, Options{Focus: focus.Static(info)})
	sub, err := bus.Subscribe(4, event.TopicKeyProcessed)
	require.NoError(t, err)

	p.handle(context.Background(), chars("ㅎ"))

	ev := (<-sub.C()).(event.KeyProcessed)
	assert.Equal(t, info, ev.Focus)
	assert.Equal(t, "hangul", ev.Class)
	assert.Equal(t, "ㅎ", ev.Char)
	assert.Equal(t, uint64(1), ev.Count)
}

func TestFocusErrorMapsToUnknown(t *testing.T) {
	failing := focus.ProviderFunc(func(context.Context) (focus.Info, error) {
		return focus.Info{}, focus.ErrUnsupported
	})
	p, bus := newTestPipeline(t, Options{Focus: failing})
	sub, err := bus.Subscribe(4, event.TopicKeyProcessed)
	require.NoError(t, err)

	p.handle(context.Background(), chars("a"))
	assert.Equal(t, focus.Unknown, (<-sub.C()).(event.KeyProcessed).Focus)
}

func TestSnapshotReplacesQueued(t *testing.T) {
	p, _ := newTestPipeline(t, Options{Stats: &recordingSubmitter{}})

	for _, ev := range spaced("aaa", 30_000) {
		p.handle(context.Background(), []keystroke.Event{ev})
	}
	require.Len(t, p.snapshots, 1)
	snap := <-p.snapshots
	assert.Equal(t, snapshot{typed: 3, elapsedMs: 60_000}, snap)
}

func TestElapsedUsesSourceClock(t *testing.T) {
	tests := []struct {
		name  string
		times []int64
		want  int64
	}{
		{"first to latest key", []int64{5_000, 20_000, 65_000}, 60_000},
		{"replayed key never shrinks the span", []int64{5_000, 65_000, 10_000}, 60_000},
		{"timestamps far behind the local clock", []int64{1, 2, 3}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPipeline(t, Options{})
			for _, ms := range tt.times {
				p.handle(context.Background(), []keystroke.Event{key('a', ms)})
			}
			snap, ok := p.current()
			require.True(t, ok)
			assert.Equal(t, tt.want, snap.elapsedMs)
		})
	}
}

func TestElapsedStampsUntimedKeys(t *testing.T) {
	now := int64(startMs)
	p, _ := newTestPipeline(t, Options{})
	p.opts.Now = func() time.Time { return time.UnixMilli(now) }

	p.handle(context.Background(), []keystroke.Event{key('a', 0)})
	now += 12_000
	p.handle(context.Background(), []keystroke.Event{key('b', 0)})

	snap, ok := p.current()
	require.True(t, ok)
	assert.Equal(t, int64(12_000), snap.elapsedMs)
}

func TestSnapshotInput(t *testing.T) {
	tests := []struct {
		name string
		snap snapshot
		want stats.Input
	}{
		{"clean", snapshot{typed: 50, elapsedMs: 60_000}, stats.Input{Keystrokes: 50, TimeMs: 60_000, Correct: 50, Total: 50}},
		{"corrections", snapshot{typed: 50, backspaces: 5, elapsedMs: 60_000}, stats.Input{Keystrokes: 50, TimeMs: 60_000, Correct: 45, Total: 50}},
		{"more corrections than keys", snapshot{typed: 2, backspaces: 5, elapsedMs: 10}, stats.Input{Keystrokes: 2, TimeMs: 10, Correct: 0, Total: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.snap.input())
		})
	}
}

func TestBackspaceOnlyOffersNothing(t *testing.T) {
	p, _ := newTestPipeline(t, Options{Stats: &recordingSubmitter{}})
	p.handle(context.Background(), chars("\b\b"))
	assert.Len(t, p.snapshots, 0)
	assert.Equal(t, uint64(2), p.Status().Backspaces)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	obs := &countingObserver{}
	p, _ := newTestPipeline(t, Options{QueueSize: 1, Observer: obs})

	assert.True(t, p.Enqueue(chars("a")[0]))
	assert.False(t, p.Enqueue(chars("b")[0]))
	assert.Equal(t, int64(1), obs.dropped.Load())
	assert.Equal(t, uint64(1), p.Status().Dropped)
}

func TestStartStop(t *testing.T) {
	p, _ := newTestPipeline(t, Options{})

	assert.ErrorIs(t, p.Stop(context.Background()), ErrNotRunning)
	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyRunning)
	assert.True(t, p.Status().Running)

	require.NoError(t, p.Stop(context.Background()))
	assert.False(t, p.Status().Running)
	assert.ErrorIs(t, p.Start(context.Background()), ErrAlreadyRunning, "a session is not restartable")
}

func TestRunSubmitsStatistics(t *testing.T) {
	sub := &recordingSubmitter{}
	p, bus := newTestPipeline(t, Options{
		DrainInterval:  time.Millisecond,
		UpdateInterval: time.Millisecond,
		Stats:          sub,
	})
	statsSub, err := bus.Subscribe(16, event.TopicCompositionComplete)
	require.NoError(t, err)

	for _, ev := range spaced("hello", 15_000) {
		require.True(t, p.Enqueue(ev))
	}
	require.NoError(t, p.Start(context.Background()))

	require.Eventually(t, func() bool {
		in, _ := sub.last()
		return in.Keystrokes == 5
	}, 5*time.Second, time.Millisecond)

	require.NoError(t, p.Stop(context.Background()))

	in, _ := sub.last()
	assert.Equal(t, stats.Input{Keystrokes: 5, TimeMs: 60_000, Correct: 5, Total: 5}, in)

	st := p.Status()
	require.NotNil(t, st.LastStats)
	assert.Equal(t, 1, st.LastStats.WPM)
	assert.Equal(t, 100, st.LastStats.Accuracy)
	assert.Equal(t, uint64(5), st.RawKeys)

	// Stop completes the unfinished word.
	ev := (<-statsSub.C()).(event.CompositionComplete)
	assert.Equal(t, "hello", ev.Text)
}

func TestStopSubmitsFinalState(t *testing.T) {
	sub := &recordingSubmitter{}
	p, bus := newTestPipeline(t, Options{
		DrainInterval:  time.Millisecond,
		UpdateInterval: time.Hour,
		Stats:          sub,
	})
	compSub, err := bus.Subscribe(4, event.TopicCompositionComplete)
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background()))
	// The submitter fires immediately for the first snapshot, then waits
	// an hour; the rest reaches the unit only through Stop.
	p.Enqueue(chars("a")[0])
	require.Eventually(t, func() bool {
		_, n := sub.last()
		return n == 1
	}, 5*time.Second, time.Millisecond)

	for _, ev := range chars("ㄱ") {
		p.Enqueue(ev)
	}
	require.NoError(t, p.Stop(context.Background()))

	in, n := sub.last()
	assert.Equal(t, 2, n)
	assert.Equal(t, float64(2), in.Keystrokes)
	assert.Equal(t, "aㄱ", (<-compSub.C()).(event.CompositionComplete).Text, "orphaned initial is flushed")
}

func TestPipelineWithOrchestrator(t *testing.T) {
	bus := event.NewBus(quietLogger())
	defer bus.Close()

	orch := stats.New(stats.Config{
		MemoryCheckInterval: time.Hour,
		Probe:               stats.ProbeFunc(func() (float64, error) { return 10, nil }),
	}, stats.InProcess(compute.Options{Logger: quietLogger(), MonitorInterval: time.Hour}), bus, quietLogger())
	require.NoError(t, orch.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, orch.Close(ctx))
	}()

	updates, err := bus.Subscribe(16, event.TopicStatsUpdated)
	require.NoError(t, err)

	p := New(Options{
		DrainInterval:  time.Millisecond,
		UpdateInterval: time.Millisecond,
		Stats:          orch,
		Bus:            bus,
		Logger:         quietLogger(),
		Now:            clock,
	})
	require.NoError(t, p.Start(context.Background()))
	// c, the last typed key, lands one minute after the first.
	for _, ev := range spaced("ㅎㅏㄴㄱㅡㄹ ab\bc", 6_000) {
		p.Enqueue(ev)
	}
	require.Eventually(t, func() bool { return p.Status().Keystrokes == 10 }, 5*time.Second, time.Millisecond)
	require.NoError(t, p.Stop(context.Background()))

	st := p.Status()
	require.NotNil(t, st.LastStats)
	assert.Equal(t, 2, st.LastStats.WPM)
	assert.Equal(t, 90, st.LastStats.Accuracy)
	assert.False(t, st.LastStats.Fallback)

	select {
	case ev := <-updates.C():
		assert.IsType(t, event.StatsUpdated{}, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("no StatsUpdated event")
	}
}
