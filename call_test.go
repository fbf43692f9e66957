package porch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestCall(t *testing.T, store *fakeStore) *CallSession {
	t.Helper()
	return StartCall(context.Background(), store, zerolog.Nop(), "user-a", "user-b", "conv-1", CallVoice)
}

func TestCallRingingPersistedImmediately(t *testing.T) {
	store := newFakeStore()
	s := startTestCall(t, store)

	require.Equal(t, 1, store.insertCount())
	ins := store.inserts[0]
	assert.Equal(t, callLogsTable, ins.table)
	assert.Equal(t, "ringing", ins.rec.Str("status", ""))
	assert.Equal(t, "user-a", ins.rec.Str("caller_id", ""))
	assert.Equal(t, 0, ins.rec["duration_seconds"])
	assert.Equal(t, "log-1", s.LogID(), "server-assigned id captured for later updates")
	assert.Equal(t, CallRinging, s.Status())
}

func TestCallConnectIsIdempotent(t *testing.T) {
	store := newFakeStore()
	s := startTestCall(t, store)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Connect(context.Background()), "repeated accepted signals are harmless")

	assert.Equal(t, CallConnected, s.Status())
	assert.Equal(t, 1, store.insertCount(), "connect updates, never inserts")
	assert.Equal(t, 1, store.updateCount())
	upd := store.lastUpdate()
	assert.Equal(t, Filter{"id": "log-1"}, upd.filter)
	assert.Equal(t, "connected", upd.rec.Str("status", ""))
}

func TestCallDurationFromConnectedAt(t *testing.T) {
	store := newFakeStore()
	s := startTestCall(t, store)

	require.NoError(t, s.Connect(context.Background()))

	// Backdate the connection so the duration is deterministic.
	s.mu.Lock()
	s.connectedAt = time.Now().Add(-125 * time.Second)
	s.mu.Unlock()

	require.NoError(t, s.End(context.Background()))
	assert.Equal(t, 125, s.DurationSeconds())

	upd := store.lastUpdate()
	assert.Equal(t, "ended", upd.rec.Str("status", ""))
	assert.Equal(t, 125, upd.rec["duration_seconds"])
}

func TestCallMissedHasZeroDuration(t *testing.T) {
	store := newFakeStore()
	s := startTestCall(t, store)

	// Ringing for a while does not count as talk time.
	s.mu.Lock()
	s.startedAt = time.Now().Add(-45 * time.Second)
	s.mu.Unlock()

	require.NoError(t, s.Miss(context.Background()))
	assert.Equal(t, 0, s.DurationSeconds())
	assert.Equal(t, 0, store.lastUpdate().rec["duration_seconds"])
}

func TestCallTerminalStatesAbsorb(t *testing.T) {
	store := newFakeStore()
	s := startTestCall(t, store)

	require.NoError(t, s.Decline(context.Background()))
	assert.Equal(t, ErrTerminalState, s.Connect(context.Background()))
	assert.Equal(t, ErrTerminalState, s.End(context.Background()))
	assert.Equal(t, ErrTerminalState, s.Decline(context.Background()))
	assert.Equal(t, CallDeclined, s.Status())
	assert.Equal(t, 1, store.updateCount(), "no writes after the terminal transition")
}

func TestCallTerminalWithoutLogIDCreatesFinalizedRecord(t *testing.T) {
	store := newFakeStore()
	store.failFirstInserts = 1
	s := startTestCall(t, store)
	require.Empty(t, s.LogID(), "ringing persist failed")

	require.NoError(t, s.Fail(context.Background()))

	// The terminal event is not dropped: one record created and finalized.
	require.Equal(t, 1, store.insertCount())
	rec := store.inserts[0].rec
	assert.Equal(t, "failed", rec.Str("status", ""))
	assert.NotEmpty(t, rec.Str("ended_at", ""))
	assert.Equal(t, 0, store.updateCount())
	assert.Equal(t, "log-1", s.LogID())
}

func TestIncomingCallAdoptsCallerLogID(t *testing.T) {
	store := newFakeStore()
	s := AcceptSignal(context.Background(), store, zerolog.Nop(), CallSignal{
		LogID:          "log-remote",
		CallerID:       "user-b",
		ReceiverID:     "user-a",
		ConversationID: "conv-1",
		CallType:       CallVideo,
	})

	assert.Equal(t, 0, store.insertCount(), "no second record for the same attempt")
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, Filter{"id": "log-remote"}, store.lastUpdate().filter)
	assert.Equal(t, DirectionIncoming, s.Direction())
}

func TestCallPersistFailureDoesNotBlockLiveCall(t *testing.T) {
	store := newFakeStore()
	store.updateErr = &APIError{Code: "UNAVAILABLE", Message: "store down"}
	s := startTestCall(t, store)

	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.End(context.Background()))
	assert.Equal(t, CallEnded, s.Status(), "persistence is best-effort relative to the call UI")
}

func TestCallback(t *testing.T) {
	store := newFakeStore()
	incoming := AcceptSignal(context.Background(), store, zerolog.Nop(), CallSignal{
		LogID:          "log-remote",
		CallerID:       "user-b",
		ReceiverID:     "user-a",
		ConversationID: "conv-1",
		CallType:       CallVideo,
	})
	require.NoError(t, incoming.Miss(context.Background()))

	cb := incoming.Callback(context.Background())
	assert.Equal(t, DirectionOutgoing, cb.Direction())
	cb.mu.Lock()
	assert.Equal(t, "user-a", cb.callerID)
	assert.Equal(t, "user-b", cb.receiverID)
	assert.Equal(t, CallVideo, cb.callType)
	cb.mu.Unlock()
}

func TestCallLabel(t *testing.T) {
	tests := []struct {
		status    CallStatus
		direction CallDirection
		callType  CallType
		want      string
	}{
		{CallMissed, DirectionIncoming, CallVoice, "Missed call"},
		{CallMissed, DirectionOutgoing, CallVideo, "Missed call"},
		{CallDeclined, DirectionOutgoing, CallVoice, "Call declined"},
		{CallDeclined, DirectionIncoming, CallVoice, "Declined call"},
		{CallFailed, DirectionOutgoing, CallVoice, "Failed call"},
		{CallEnded, DirectionOutgoing, CallVoice, "Outgoing Voice call"},
		{CallEnded, DirectionIncoming, CallVideo, "Incoming Video call"},
		{CallConnected, DirectionIncoming, CallVoice, "Incoming Voice call"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CallLabel(tt.status, tt.direction, tt.callType))
	}
}
