package porch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTypingFixture(t *testing.T, cfg *TypingConfig) (*TypingSession, *fakeBroker, *fakeChannel) {
	t.Helper()
	broker := newFakeBroker()
	m := NewMonitor(broker)
	s := AttachTyping(context.Background(), m, "conv-1", "user-a", "user-b", nil, cfg)
	t.Cleanup(s.Close)
	ch := broker.channel("typing:conv-1")
	require.NotNil(t, ch)
	return s, broker, ch
}

func TestTypingStartThrottled(t *testing.T) {
	s, _, ch := newTypingFixture(t, &TypingConfig{
		Throttle: 200 * time.Millisecond,
		IdleStop: time.Hour,
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, s.NotifyStart(context.Background()))
	}

	assert.Len(t, ch.sentEvents(eventTyping), 1, "10 rapid starts produce exactly 1 broadcast")
}

func TestTypingAutoStopAfterIdle(t *testing.T) {
	s, _, ch := newTypingFixture(t, &TypingConfig{
		Throttle: 50 * time.Millisecond,
		IdleStop: 80 * time.Millisecond,
	})

	require.NoError(t, s.NotifyStart(context.Background()))

	require.Eventually(t, func() bool {
		return len(ch.sentEvents(eventStopTyping)) == 1
	}, time.Second, 10*time.Millisecond, "auto-stop fires after idle")
	assert.Len(t, ch.sentEvents(eventTyping), 1)
}

func TestTypingKeystrokesRearmAutoStop(t *testing.T) {
	s, _, ch := newTypingFixture(t, &TypingConfig{
		Throttle: 10 * time.Millisecond,
		IdleStop: 120 * time.Millisecond,
	})

	require.NoError(t, s.NotifyStart(context.Background()))
	time.Sleep(70 * time.Millisecond)
	require.NoError(t, s.NotifyStart(context.Background()))
	time.Sleep(70 * time.Millisecond)

	// 140ms after the first keystroke but only 70ms after the second: the
	// auto-stop must not have fired yet.
	assert.Empty(t, ch.sentEvents(eventStopTyping))

	require.Eventually(t, func() bool {
		return len(ch.sentEvents(eventStopTyping)) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTypingStopIsIdempotent(t *testing.T) {
	s, _, ch := newTypingFixture(t, &TypingConfig{IdleStop: time.Hour})

	require.NoError(t, s.NotifyStop(context.Background()))
	assert.Empty(t, ch.sentEvents(eventStopTyping), "stop without start sends nothing")

	require.NoError(t, s.NotifyStart(context.Background()))
	require.NoError(t, s.NotifyStop(context.Background()))
	require.NoError(t, s.NotifyStop(context.Background()))
	assert.Len(t, ch.sentEvents(eventStopTyping), 1)
}

func TestTypingStopCancelsAutoStop(t *testing.T) {
	s, _, ch := newTypingFixture(t, &TypingConfig{
		IdleStop: 60 * time.Millisecond,
	})

	require.NoError(t, s.NotifyStart(context.Background()))
	require.NoError(t, s.NotifyStop(context.Background()))
	time.Sleep(120 * time.Millisecond)

	assert.Len(t, ch.sentEvents(eventStopTyping), 1, "explicit stop cancels the pending auto-stop")
}

func TestTypingInboundSetsAndExpires(t *testing.T) {
	var mu sync.Mutex
	var transitions []bool
	broker := newFakeBroker()
	m := NewMonitor(broker)
	s := AttachTyping(context.Background(), m, "conv-1", "user-a", "user-b", func(v bool) {
		mu.Lock()
		transitions = append(transitions, v)
		mu.Unlock()
	}, &TypingConfig{Expiry: 80 * time.Millisecond})
	defer s.Close()
	ch := broker.channel("typing:conv-1")

	ch.emitBroadcast(eventTyping, typingPayload{UserID: "user-b", ConversationID: "conv-1"})
	assert.True(t, s.OtherTyping())

	require.Eventually(t, func() bool { return !s.OtherTyping() }, time.Second, 10*time.Millisecond,
		"typing expires without a follow-up event")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestTypingInboundExtendsExpiry(t *testing.T) {
	s, _, ch := newTypingFixture(t, &TypingConfig{Expiry: 120 * time.Millisecond})

	ch.emitBroadcast(eventTyping, typingPayload{UserID: "user-b"})
	time.Sleep(80 * time.Millisecond)
	ch.emitBroadcast(eventTyping, typingPayload{UserID: "user-b"})
	time.Sleep(80 * time.Millisecond)

	// 160ms after the first event, 80ms after the second: still typing.
	assert.True(t, s.OtherTyping(), "repeated typing events extend the expiry")
}

func TestTypingInboundStopClearsImmediately(t *testing.T) {
	s, _, ch := newTypingFixture(t, &TypingConfig{Expiry: time.Hour})

	ch.emitBroadcast(eventTyping, typingPayload{UserID: "user-b"})
	require.True(t, s.OtherTyping())

	ch.emitBroadcast(eventStopTyping, typingPayload{UserID: "user-b"})
	assert.False(t, s.OtherTyping())
}

func TestTypingSelfEchoIgnored(t *testing.T) {
	s, _, ch := newTypingFixture(t, nil)

	ch.emitBroadcast(eventTyping, typingPayload{UserID: "user-a", ConversationID: "conv-1"})
	assert.False(t, s.OtherTyping(), "own echo must never set the indicator")
}

func TestTypingMalformedPayloadDropped(t *testing.T) {
	s, _, ch := newTypingFixture(t, nil)

	// Deliver raw junk straight to the handler path.
	ch.mu.Lock()
	handlers := append([]func(json.RawMessage){}, ch.broadcasts[eventTyping]...)
	ch.mu.Unlock()
	for _, h := range handlers {
		h(json.RawMessage(`{not json`))
	}
	assert.False(t, s.OtherTyping())
}

func TestTypingRebindTearsDownOldChannel(t *testing.T) {
	s, broker, ch := newTypingFixture(t, &TypingConfig{IdleStop: time.Hour})

	require.NoError(t, s.NotifyStart(context.Background()))
	s.Rebind(context.Background(), "conv-2", "user-c")

	assert.Equal(t, 1, ch.unsubscribeCount(), "old subscription released before the new one is live")
	require.NotNil(t, broker.channel("typing:conv-2"))

	newCh := broker.channel("typing:conv-2")
	newCh.emitBroadcast(eventTyping, typingPayload{UserID: "user-c"})
	assert.True(t, s.OtherTyping())
}

func TestTypingRebindDropsStaleChannelEvents(t *testing.T) {
	s, broker, ch := newTypingFixture(t, &TypingConfig{Expiry: time.Hour})

	s.Rebind(context.Background(), "conv-2", "user-c")
	require.Equal(t, 1, ch.unsubscribeCount())

	// A frame from the old conversation's channel, racing the unsubscribe,
	// must not set the indicator for the new conversation.
	ch.emitBroadcast(eventTyping, typingPayload{UserID: "user-b", ConversationID: "conv-1"})
	assert.False(t, s.OtherTyping(), "stale conversation event must not set typing")

	ch.emitBroadcast(eventStopTyping, typingPayload{UserID: "user-b", ConversationID: "conv-1"})
	newCh := broker.channel("typing:conv-2")
	newCh.emitBroadcast(eventTyping, typingPayload{UserID: "user-c", ConversationID: "conv-2"})
	assert.True(t, s.OtherTyping(), "current conversation events still land")

	// Nor may a stale stop clear the live indicator.
	ch.emitBroadcast(eventStopTyping, typingPayload{UserID: "user-b", ConversationID: "conv-1"})
	assert.True(t, s.OtherTyping())
}

func TestTypingCloseCancelsTimers(t *testing.T) {
	s, _, ch := newTypingFixture(t, &TypingConfig{IdleStop: 50 * time.Millisecond})

	require.NoError(t, s.NotifyStart(context.Background()))
	s.Close()

	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, ch.sentEvents(eventStopTyping), "no auto-stop after close")
	assert.Equal(t, ErrClosed, s.NotifyStart(context.Background()))
}
