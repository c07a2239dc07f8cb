package event

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBusOrderedDelivery(t *testing.T) {
	b := newTestBus()
	sub, err := b.Subscribe(8)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(StatsUpdated{WPM: i}))
	}
	for i := 0; i < 5; i++ {
		ev := <-sub.C()
		assert.Equal(t, StatsUpdated{WPM: i}, ev)
	}

	stats := b.Stats()
	assert.Equal(t, uint64(5), stats.Published)
	assert.Equal(t, uint64(5), stats.Delivered)
	assert.Equal(t, 1, stats.Subscribers)
}

func TestBusTopicFilter(t *testing.T) {
	b := newTestBus()
	health, err := b.Subscribe(4, TopicHealthChanged)
	require.NoError(t, err)
	all, err := b.Subscribe(4)
	require.NoError(t, err)

	require.NoError(t, b.Publish(CompositionComplete{Text: "한"}))
	require.NoError(t, b.Publish(HealthChanged{Health: "low-memory", Previous: "healthy"}))

	assert.Len(t, health.C(), 1)
	assert.Len(t, all.C(), 2)
	ev := <-health.C()
	assert.Equal(t, TopicHealthChanged, ev.Topic())
}

func TestBusSlowSubscriberDrops(t *testing.T) {
	b := newTestBus()
	slow, err := b.Subscribe(2)
	require.NoError(t, err)
	fast, err := b.Subscribe(10)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(StatsUpdated{WPM: i}))
	}

	assert.Equal(t, uint64(3), slow.Dropped())
	assert.Equal(t, uint64(0), fast.Dropped())
	assert.Len(t, fast.C(), 5)

	// The oldest events survive. Newer ones are dropped.
	assert.Equal(t, StatsUpdated{WPM: 0}, <-slow.C())
	assert.Equal(t, StatsUpdated{WPM: 1}, <-slow.C())
	assert.Equal(t, uint64(3), b.Stats().Dropped)
}

func TestBusUnsubscribe(t *testing.T) {
	b := newTestBus()
	sub, err := b.Subscribe(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultBuffer, cap(sub.C()))

	require.NoError(t, b.Unsubscribe(sub))
	_, ok := <-sub.C()
	assert.False(t, ok, "channel is closed")

	assert.ErrorIs(t, b.Unsubscribe(sub), ErrSubscriptionNotFound)
	assert.ErrorIs(t, b.Unsubscribe(nil), ErrSubscriptionNotFound)
	require.NoError(t, b.Publish(StatsUpdated{}))
	assert.Equal(t, uint64(0), b.Stats().Delivered)
}

func TestBusClose(t *testing.T) {
	b := newTestBus()
	sub, err := b.Subscribe(1)
	require.NoError(t, err)

	b.Close()
	b.Close()

	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.ErrorIs(t, b.Publish(StatsUpdated{}), ErrBusClosed)
	_, err = b.Subscribe(1)
	assert.ErrorIs(t, err, ErrBusClosed)
	assert.ErrorIs(t, b.Unsubscribe(sub), ErrSubscriptionNotFound)
}

func TestBusConcurrentPublish(t *testing.T) {
	b := newTestBus()
	sub, err := b.Subscribe(1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_ = b.Publish(StatsUpdated{WPM: i})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, sub.C(), 400)
	assert.Equal(t, uint64(400), b.Stats().Published)
}

func TestEventJSON(t *testing.T) {
	data, err := json.Marshal(HealthChanged{Health: "fallback", Previous: "low-memory", Reason: "host memory 95%"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"health":"fallback","previous":"low-memory","reason":"host memory 95%"}`, string(data))

	data, err = json.Marshal(CompositionComplete{Text: "안녕", Syllables: 2, TimestampMs: 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"안녕","syllables":2,"timestampMs":7}`, string(data))
}
