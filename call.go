package porch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Call Signaling & Log Reconciliation
// ============================================================================

const callLogsTable = "call_logs"

// CallType distinguishes voice from video calls.
type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

// CallDirection is the call's orientation relative to the local user.
type CallDirection string

const (
	DirectionOutgoing CallDirection = "outgoing"
	DirectionIncoming CallDirection = "incoming"
)

// CallStatus is the live state of a call attempt.
//
// Transitions: ringing → connected → ended, and ringing → missed | declined
// | failed. Terminal states (everything except ringing and connected) accept
// no further transitions.
type CallStatus string

const (
	CallRinging   CallStatus = "ringing"
	CallConnected CallStatus = "connected"
	CallEnded     CallStatus = "ended"
	CallMissed    CallStatus = "missed"
	CallDeclined  CallStatus = "declined"
	CallFailed    CallStatus = "failed"
)

// IsTerminal reports whether no further transition is permitted.
func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallEnded, CallMissed, CallDeclined, CallFailed:
		return true
	}
	return false
}

// CallSignal is the incoming-call payload received over the broker.
type CallSignal struct {
	LogID          string   `json:"logId,omitempty"`
	CallerID       string   `json:"callerId"`
	ReceiverID     string   `json:"receiverId"`
	ConversationID string   `json:"conversationId"`
	CallType       CallType `json:"callType"`
}

// CallSession bridges live signaling state and the durable call-log record.
// The in-memory session lives as long as the call UI; the durable record is
// created at most once per attempt and updated idempotently thereafter.
type CallSession struct {
	store Store
	log   zerolog.Logger

	// persistMu serializes store writes so the ringing insert always
	// completes before any update, even when signals race the persist.
	persistMu sync.Mutex

	mu             sync.Mutex
	logID          string
	callerID       string
	receiverID     string
	conversationID string
	callType       CallType
	direction      CallDirection
	status         CallStatus
	startedAt      time.Time
	connectedAt    time.Time
	endedAt        time.Time
}

// StartCall initiates an outgoing call and persists the ringing log record.
// A persistence failure is logged, not fatal: the live call proceeds and a
// later terminal transition will create-then-finalize the record instead.
func StartCall(ctx context.Context, store Store, log zerolog.Logger, callerID, receiverID, conversationID string, callType CallType) *CallSession {
	s := &CallSession{
		store:          store,
		log:            log,
		callerID:       callerID,
		receiverID:     receiverID,
		conversationID: conversationID,
		callType:       callType,
		direction:      DirectionOutgoing,
		status:         CallRinging,
		startedAt:      time.Now(),
	}
	s.upsert(ctx, Record{"status": string(CallRinging)})
	return s
}

// AcceptSignal creates the session for an incoming-call signal. When the
// signal carries the caller's log id the session adopts it instead of
// inserting a second record.
func AcceptSignal(ctx context.Context, store Store, log zerolog.Logger, sig CallSignal) *CallSession {
	s := &CallSession{
		store:          store,
		log:            log,
		logID:          sig.LogID,
		callerID:       sig.CallerID,
		receiverID:     sig.ReceiverID,
		conversationID: sig.ConversationID,
		callType:       sig.CallType,
		direction:      DirectionIncoming,
		status:         CallRinging,
		startedAt:      time.Now(),
	}
	if s.logID == "" {
		s.upsert(ctx, Record{"status": string(CallRinging)})
	}
	return s
}

// Status returns the current call status.
func (s *CallSession) Status() CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LogID returns the durable record id, or "" if not yet persisted.
func (s *CallSession) LogID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logID
}

// Direction returns the call's orientation.
func (s *CallSession) Direction() CallDirection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direction
}

// DurationSeconds is the connected time of the call. Always computed from
// connectedAt to endedAt; a call that never connected reports 0 no matter
// how long it rang.
func (s *CallSession) DurationSeconds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationLocked()
}

func (s *CallSession) durationLocked() int {
	if s.connectedAt.IsZero() || s.endedAt.IsZero() {
		return 0
	}
	d := int(s.endedAt.Sub(s.connectedAt) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// Connect marks the call accepted by the remote side. Idempotent against
// repeated "accepted" signals: the second and later calls update nothing.
func (s *CallSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.status == CallConnected {
		s.mu.Unlock()
		return nil
	}
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return ErrTerminalState
	}
	s.status = CallConnected
	s.connectedAt = time.Now()
	connectedAt := s.connectedAt
	s.mu.Unlock()

	s.upsert(ctx, Record{
		"status":       string(CallConnected),
		"connected_at": connectedAt.UTC().Format(time.RFC3339),
	})
	return nil
}

// End finalizes a call normally.
func (s *CallSession) End(ctx context.Context) error { return s.terminal(ctx, CallEnded) }

// Miss finalizes a call that rang out unanswered.
func (s *CallSession) Miss(ctx context.Context) error { return s.terminal(ctx, CallMissed) }

// Decline finalizes a call rejected by the receiver.
func (s *CallSession) Decline(ctx context.Context) error { return s.terminal(ctx, CallDeclined) }

// Fail finalizes a call that broke before or during signaling.
func (s *CallSession) Fail(ctx context.Context) error { return s.terminal(ctx, CallFailed) }

func (s *CallSession) terminal(ctx context.Context, status CallStatus) error {
	s.mu.Lock()
	if s.status.IsTerminal() {
		s.mu.Unlock()
		return ErrTerminalState
	}
	s.status = status
	s.endedAt = time.Now()
	endedAt := s.endedAt
	duration := s.durationLocked()
	s.mu.Unlock()

	s.upsert(ctx, Record{
		"status":           string(status),
		"ended_at":         endedAt.UTC().Format(time.RFC3339),
		"duration_seconds": duration,
	})
	return nil
}

// Callback starts a fresh outgoing call of the same type toward the original
// counterpart.
func (s *CallSession) Callback(ctx context.Context) *CallSession {
	s.mu.Lock()
	self, counterpart := s.callerID, s.receiverID
	if s.direction == DirectionIncoming {
		self, counterpart = s.receiverID, s.callerID
	}
	conversationID := s.conversationID
	callType := s.callType
	s.mu.Unlock()

	return StartCall(ctx, s.store, s.log, self, counterpart, conversationID, callType)
}

// upsert reconciles the durable record: insert once while no id is known,
// update by id thereafter. patch is merged over the base snapshot on insert.
// Write failures are logged and swallowed; persistence is best-effort
// relative to the live call experience.
func (s *CallSession) upsert(ctx context.Context, patch Record) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	logID := s.logID
	s.mu.Unlock()

	if logID != "" {
		if _, err := s.store.Update(ctx, callLogsTable, Filter{"id": logID}, patch); err != nil {
			s.log.Warn().Str("log_id", logID).Err(err).Msg("call log update failed")
		}
		return
	}

	s.mu.Lock()
	rec := Record{
		"caller_id":        s.callerID,
		"receiver_id":      s.receiverID,
		"conversation_id":  s.conversationID,
		"call_type":        string(s.callType),
		"status":           string(s.status),
		"started_at":       s.startedAt.UTC().Format(time.RFC3339),
		"duration_seconds": 0,
	}
	s.mu.Unlock()
	for k, v := range patch {
		rec[k] = v
	}

	row, err := s.store.Insert(ctx, callLogsTable, rec)
	if err != nil {
		s.log.Warn().Err(err).Msg("call log insert failed")
		return
	}
	if id := row.Str("id", ""); id != "" {
		s.mu.Lock()
		s.logID = id
		s.mu.Unlock()
	}
}

// ============================================================================
// Display rule
// ============================================================================

// CallLabel derives the history-entry label for a past call from its final
// status, direction, and type.
func CallLabel(status CallStatus, direction CallDirection, callType CallType) string {
	kind := "Voice"
	if callType == CallVideo {
		kind = "Video"
	}
	switch status {
	case CallMissed:
		return "Missed call"
	case CallDeclined:
		if direction == DirectionOutgoing {
			return "Call declined"
		}
		return "Declined call"
	case CallFailed:
		return "Failed call"
	default:
		dir := "Outgoing"
		if direction == DirectionIncoming {
			dir = "Incoming"
		}
		return fmt.Sprintf("%s %s call", dir, kind)
	}
}
