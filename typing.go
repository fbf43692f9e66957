package porch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Typing Indicator Protocol
// ============================================================================

// Broadcast event names for the per-conversation typing channel. Typing
// traffic is ephemeral: it rides the broker only and is never persisted.
const (
	eventTyping     = "typing"
	eventStopTyping = "stop_typing"
)

// typingPayload is the broadcast body for both typing events.
type typingPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// TypingConfig holds the protocol's timing knobs.
type TypingConfig struct {
	// Throttle is the minimum spacing between outbound "typing" broadcasts,
	// measured from the last successful send.
	Throttle time.Duration
	// IdleStop is how long after the last keystroke the auto-stop fires.
	IdleStop time.Duration
	// Expiry is how long a received "typing" keeps the other side marked as
	// typing when no further event arrives.
	Expiry time.Duration
	// Logger labels session log lines.
	Logger zerolog.Logger
}

func (c *TypingConfig) defaults() {
	if c.Throttle == 0 {
		c.Throttle = 1000 * time.Millisecond
	}
	if c.IdleStop == 0 {
		c.IdleStop = 1500 * time.Millisecond
	}
	if c.Expiry == 0 {
		c.Expiry = 2000 * time.Millisecond
	}
}

// TypingSession is the ephemeral per-conversation typing exchange. One session
// exists per open conversation view; it owns its broker subscription and all
// of its timers, and both are released by Close.
type TypingSession struct {
	monitor  *Monitor
	cfg      TypingConfig
	log      zerolog.Logger
	onChange func(otherTyping bool)

	mu             sync.Mutex
	conversationID string
	selfID         string
	otherID        string
	handle         *ChannelHandle
	ch             RealtimeChannel
	gen            int // bumped on every teardown; stale-channel events carry the old value
	lastSentAt     time.Time
	typingActive   bool
	stopTimer      *time.Timer
	expiryTimer    *time.Timer
	otherTyping    bool
	closed         bool
}

// AttachTyping opens the typing channel for a conversation. onChange fires on
// every transition of the other participant's typing state. cfg may be nil
// for protocol defaults.
func AttachTyping(ctx context.Context, monitor *Monitor, conversationID, selfID, otherID string, onChange func(bool), cfg *TypingConfig) *TypingSession {
	c := TypingConfig{}
	if cfg != nil {
		c = *cfg
	}
	c.defaults()

	s := &TypingSession{
		monitor:  monitor,
		cfg:      c,
		log:      c.Logger,
		onChange: onChange,
	}
	s.bind(ctx, conversationID, selfID, otherID)
	return s
}

// bind establishes the channel subscription for a conversation. Handlers are
// tagged with the current generation so frames from a previous binding that
// race the unsubscribe are dropped. Caller must not hold s.mu.
func (s *TypingSession) bind(ctx context.Context, conversationID, selfID, otherID string) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	var boundCh RealtimeChannel
	handle := s.monitor.Open(ctx, "typing:"+conversationID, func(ch RealtimeChannel) {
		boundCh = ch
		ch.OnBroadcast(eventTyping, func(raw json.RawMessage) { s.handleTyping(gen, raw) })
		ch.OnBroadcast(eventStopTyping, func(raw json.RawMessage) { s.handleStopTyping(gen, raw) })
	}, ChannelOptions{DebugName: "typing:" + conversationID})

	s.mu.Lock()
	if s.closed || s.gen != gen {
		// Torn down while binding; release the fresh handle instead of
		// adopting it.
		s.mu.Unlock()
		handle.Close()
		return
	}
	s.conversationID = conversationID
	s.selfID = selfID
	s.otherID = otherID
	s.handle = handle
	s.ch = boundCh
	s.mu.Unlock()
}

// NotifyStart signals that the local user is typing. Broadcasts are throttled
// to one per Throttle interval; every call re-arms the IdleStop auto-stop.
func (s *TypingSession) NotifyStart(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	// Re-arm the auto-stop on every keystroke, throttled or not.
	if s.stopTimer != nil {
		s.stopTimer.Stop()
	}
	s.stopTimer = time.AfterFunc(s.cfg.IdleStop, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.NotifyStop(ctx); err != nil && err != ErrClosed {
			s.log.Debug().Err(err).Msg("typing auto-stop send failed")
		}
	})

	if time.Since(s.lastSentAt) < s.cfg.Throttle {
		s.mu.Unlock()
		return nil
	}
	ch := s.ch
	payload := typingPayload{UserID: s.selfID, ConversationID: s.conversationID}
	s.mu.Unlock()

	if ch == nil {
		return nil
	}
	if err := ch.Send(ctx, eventTyping, payload); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSentAt = time.Now()
	s.typingActive = true
	s.mu.Unlock()
	return nil
}

// NotifyStop cancels any pending auto-stop and broadcasts a stop immediately.
// Idempotent: calling it while not typing is a no-op.
func (s *TypingSession) NotifyStop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	if !s.typingActive {
		s.mu.Unlock()
		return nil
	}
	s.typingActive = false
	ch := s.ch
	payload := typingPayload{UserID: s.selfID, ConversationID: s.conversationID}
	s.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Send(ctx, eventStopTyping, payload)
}

// OtherTyping reports whether the other participant is currently typing.
func (s *TypingSession) OtherTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.otherTyping
}

// Rebind switches the session to a different conversation, tearing down the
// previous subscription and timers before the new binding is created so no
// overlapping listeners or leaked timers remain.
func (s *TypingSession) Rebind(ctx context.Context, conversationID, otherID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	selfID := s.selfID
	handle := s.teardownLocked()
	s.mu.Unlock()

	// Release the old subscription before the new binding exists so the two
	// never overlap.
	if handle != nil {
		handle.Close()
	}
	s.bind(ctx, conversationID, selfID, otherID)
}

// Close cancels all timers and releases the channel subscription.
func (s *TypingSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	handle := s.teardownLocked()
	s.mu.Unlock()

	if handle != nil {
		handle.Close()
	}
}

// teardownLocked cancels timers and detaches the current binding, returning
// the handle for the caller to Close outside s.mu. The generation bump makes
// any in-flight frame from the old channel stale.
func (s *TypingSession) teardownLocked() *ChannelHandle {
	s.gen++
	if s.stopTimer != nil {
		s.stopTimer.Stop()
		s.stopTimer = nil
	}
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
	s.typingActive = false
	s.otherTyping = false
	handle := s.handle
	s.handle = nil
	s.ch = nil
	return handle
}

func (s *TypingSession) handleTyping(gen int, raw json.RawMessage) {
	var p typingPayload
	if json.Unmarshal(raw, &p) != nil {
		return
	}

	s.mu.Lock()
	// Self-suppression by user id, independent of any transport-level
	// self-exclusion the broker performs. Stale-generation frames belong to a
	// conversation this session has already left.
	if s.closed || gen != s.gen || p.UserID == s.selfID {
		s.mu.Unlock()
		return
	}
	changed := !s.otherTyping
	s.otherTyping = true
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
	}
	s.expiryTimer = time.AfterFunc(s.cfg.Expiry, s.expireOtherTyping)
	onChange := s.onChange
	s.mu.Unlock()

	if changed && onChange != nil {
		onChange(true)
	}
}

func (s *TypingSession) handleStopTyping(gen int, raw json.RawMessage) {
	var p typingPayload
	if json.Unmarshal(raw, &p) != nil {
		return
	}

	s.mu.Lock()
	if s.closed || gen != s.gen || p.UserID == s.selfID {
		s.mu.Unlock()
		return
	}
	changed := s.otherTyping
	s.otherTyping = false
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
	onChange := s.onChange
	s.mu.Unlock()

	if changed && onChange != nil {
		onChange(false)
	}
}

func (s *TypingSession) expireOtherTyping() {
	s.mu.Lock()
	changed := s.otherTyping
	s.otherTyping = false
	s.expiryTimer = nil
	onChange := s.onChange
	s.mu.Unlock()

	if changed && onChange != nil {
		onChange(false)
	}
}
