package porch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorErrorEpisodeReportedOnce(t *testing.T) {
	broker := newFakeBroker()
	m := NewMonitor(broker)

	var errCount atomic.Int32
	h := m.Open(context.Background(), "dm:conv-1", nil, ChannelOptions{
		OnError:       func(err error) { errCount.Add(1) },
		ErrorDebounce: 20 * time.Millisecond,
	})
	defer h.Close()

	ch := broker.channel("dm:conv-1")
	require.NotNil(t, ch)

	ch.pushStatus(StatusError)
	ch.pushStatus(StatusError)
	ch.pushStatus(StatusTimedOut)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(1), errCount.Load(), "repeated error signals in one episode must report once")
	assert.Equal(t, StatusTimedOut, h.Status())

	// Recovery closes the episode; the next failure reports again.
	ch.pushStatus(StatusSubscribed)
	ch.pushStatus(StatusError)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(2), errCount.Load())
}

func TestMonitorRecoveryWithinDebounceSuppressesError(t *testing.T) {
	broker := newFakeBroker()
	m := NewMonitor(broker)

	var errCount atomic.Int32
	h := m.Open(context.Background(), "dm:conv-1", nil, ChannelOptions{
		OnError:       func(err error) { errCount.Add(1) },
		ErrorDebounce: 50 * time.Millisecond,
	})
	defer h.Close()

	ch := broker.channel("dm:conv-1")
	ch.pushStatus(StatusError)
	ch.pushStatus(StatusSubscribed)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), errCount.Load(), "recovery before the debounce fires must cancel the report")
}

func TestMonitorSubscribedCancelsPollTimer(t *testing.T) {
	broker := newFakeBroker()
	m := NewMonitor(broker)

	var polls atomic.Int32
	h := m.Open(context.Background(), "feed", nil, ChannelOptions{
		OnPoll:        func(ctx context.Context) { polls.Add(1) },
		PollInterval:  10 * time.Millisecond,
		ErrorDebounce: 5 * time.Millisecond,
	})
	defer h.Close()

	ch := broker.channel("feed")
	ch.pushStatus(StatusError)

	require.Eventually(t, func() bool { return polls.Load() > 0 }, time.Second, 5*time.Millisecond)
	require.True(t, m.pollActive("feed"))

	ch.pushStatus(StatusSubscribed)
	require.False(t, m.pollActive("feed"), "SUBSCRIBED must cancel the poll timer")

	before := polls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, polls.Load(), before+1, "no further polls after recovery")
}

func TestMonitorSinglePollTimerPerChannel(t *testing.T) {
	broker := newFakeBroker()
	m := NewMonitor(broker)

	h := m.Open(context.Background(), "feed", nil, ChannelOptions{
		OnPoll:       func(ctx context.Context) {},
		PollInterval: time.Hour,
	})
	defer h.Close()

	ch := broker.channel("feed")
	ch.pushStatus(StatusError)
	ch.pushStatus(StatusSubscribed)
	ch.pushStatus(StatusError)
	ch.pushStatus(StatusTimedOut)

	require.True(t, m.pollActive("feed"))
	m.mu.Lock()
	n := len(m.polls)
	m.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestMonitorNoPollWithoutOptIn(t *testing.T) {
	broker := newFakeBroker()
	m := NewMonitor(broker)

	h := m.Open(context.Background(), "feed", nil, ChannelOptions{
		OnError:       func(err error) {},
		ErrorDebounce: 5 * time.Millisecond,
	})
	defer h.Close()

	broker.channel("feed").pushStatus(StatusError)
	time.Sleep(30 * time.Millisecond)
	assert.False(t, m.pollActive("feed"), "polling fallback stays off unless the caller opts in")
}

func TestMonitorCloseIsIdempotent(t *testing.T) {
	broker := newFakeBroker()
	m := NewMonitor(broker)

	h := m.Open(context.Background(), "dm:conv-1", nil, ChannelOptions{
		OnPoll:       func(ctx context.Context) {},
		PollInterval: time.Hour,
	})
	ch := broker.channel("dm:conv-1")
	ch.pushStatus(StatusError)
	require.True(t, m.pollActive("dm:conv-1"))

	h.Close()
	h.Close()

	assert.Equal(t, 1, ch.unsubscribeCount())
	assert.False(t, m.pollActive("dm:conv-1"))
	assert.Equal(t, StatusClosed, h.Status())

	// Late status signals after close are ignored.
	ch.pushStatus(StatusError)
	assert.Equal(t, StatusClosed, h.Status())
}

func TestMonitorSubscribeFailureDegradesToNoop(t *testing.T) {
	broker := newFakeBroker()
	broker.subscribeErr = ErrNotConnected
	m := NewMonitor(broker)

	var errCount atomic.Int32
	h := m.Open(context.Background(), "dm:conv-1", nil, ChannelOptions{
		OnError: func(err error) { errCount.Add(1) },
	})
	require.NotNil(t, h)
	assert.Equal(t, StatusClosed, h.Status())
	assert.Equal(t, 1, broker.channel("dm:conv-1").unsubscribeCount(),
		"failed subscribe must release the channel")

	h.Close()
	h.Close()
	assert.Equal(t, int32(0), errCount.Load())
}

func TestMonitorBindRunsBeforeSubscribe(t *testing.T) {
	broker := newFakeBroker()
	m := NewMonitor(broker)

	var got []ChangeEvent
	h := m.Open(context.Background(), "feed", func(ch RealtimeChannel) {
		ch.OnChange(func(ev ChangeEvent) { got = append(got, ev) })
	}, ChannelOptions{})
	defer h.Close()

	// An event arriving right after subscribe must hit the handler.
	broker.channel("feed").emitChange(ChangeEvent{Table: "posts", Type: ChangeInsert, New: Record{"id": "p1"}})
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].New.Str("id", ""))
}
