package porch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Channel Health Monitor
// ============================================================================

// DefaultErrorDebounce is how long an error episode must persist before the
// caller's OnError fires. Spacing the callback out avoids tight error loops
// when the broker flaps.
const DefaultErrorDebounce = 1 * time.Second

// ChannelError describes a subscription failure episode.
type ChannelError struct {
	Channel string
	Status  ChannelStatus
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: subscription %s", e.Channel, e.Status)
}

// ChannelOptions configures one monitored subscription.
//
// PollInterval is 0 (disabled) by default: under sustained broker failure the
// monitor performs no automatic recovery beyond the single OnError callback.
// Automatic polling fallback caused refresh storms in the field and stays off
// unless a caller opts in with both PollInterval and OnPoll.
type ChannelOptions struct {
	// OnError is invoked at most once per error episode, after ErrorDebounce.
	// It is the single place a caller may choose to re-fetch data.
	OnError func(err error)

	// OnPoll runs on each poll tick while an error episode is active.
	// Ignored unless PollInterval > 0.
	OnPoll func(ctx context.Context)

	// PollInterval enables periodic polling fallback during error episodes.
	PollInterval time.Duration

	// ErrorDebounce overrides DefaultErrorDebounce.
	ErrorDebounce time.Duration

	// DebugName labels log lines for this subscription.
	DebugName string
}

// Monitor wraps broker subscriptions with health tracking: status recording,
// a debounced single error callback per episode, and poll-timer bookkeeping
// with at most one active poll timer per channel name.
type Monitor struct {
	broker Broker
	log    zerolog.Logger

	mu    sync.Mutex
	polls map[string]*pollTimer
}

type pollTimer struct {
	ticker *time.Ticker
	stop   chan struct{}
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger attaches a structured logger.
func WithMonitorLogger(log zerolog.Logger) MonitorOption {
	return func(m *Monitor) { m.log = log }
}

// NewMonitor creates a health monitor over broker.
func NewMonitor(broker Broker, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		broker: broker,
		log:    zerolog.Nop(),
		polls:  make(map[string]*pollTimer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open binds a new subscription to channelName. bind registers the caller's
// event handlers on the fresh channel before subscription begins, so no event
// is missed between creation and the subscribe acknowledgment.
//
// Open never returns an error: a synchronous subscribe failure degrades to a
// no-op handle whose Close is safe to call.
func (m *Monitor) Open(ctx context.Context, channelName string, bind func(RealtimeChannel), opts ChannelOptions) *ChannelHandle {
	if opts.ErrorDebounce == 0 {
		opts.ErrorDebounce = DefaultErrorDebounce
	}
	if opts.DebugName == "" {
		opts.DebugName = channelName
	}

	h := &ChannelHandle{
		name:    channelName,
		monitor: m,
		opts:    opts,
		status:  StatusConnecting,
	}

	ch := m.broker.Channel(channelName)
	if bind != nil {
		bind(ch)
	}

	if err := ch.Subscribe(ctx, h.onStatus); err != nil {
		m.log.Warn().Str("channel", opts.DebugName).Err(err).Msg("subscribe failed, degrading to no-op handle")
		// Release the channel so the broker neither resubscribes it on a
		// later connect nor keeps delivering to the bound handlers.
		if uerr := ch.Unsubscribe(); uerr != nil {
			m.log.Debug().Str("channel", opts.DebugName).Err(uerr).Msg("release after failed subscribe")
		}
		h.mu.Lock()
		h.closed = true
		h.status = StatusClosed
		h.mu.Unlock()
		return h
	}

	h.mu.Lock()
	h.ch = ch
	h.mu.Unlock()
	return h
}

// startPoll starts the poll timer for name unless one is already active.
func (m *Monitor) startPoll(name string, interval time.Duration, fn func(context.Context)) {
	m.mu.Lock()
	if _, active := m.polls[name]; active {
		m.mu.Unlock()
		return
	}
	pt := &pollTimer{
		ticker: time.NewTicker(interval),
		stop:   make(chan struct{}),
	}
	m.polls[name] = pt
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-pt.stop:
				return
			case <-pt.ticker.C:
				fn(context.Background())
			}
		}
	}()
}

// stopPoll cancels the poll timer for name, if any.
func (m *Monitor) stopPoll(name string) {
	m.mu.Lock()
	pt := m.polls[name]
	delete(m.polls, name)
	m.mu.Unlock()
	if pt != nil {
		pt.ticker.Stop()
		close(pt.stop)
	}
}

// pollActive reports whether a poll timer is running for name.
func (m *Monitor) pollActive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, active := m.polls[name]
	return active
}

// ============================================================================
// ChannelHandle
// ============================================================================

// ChannelHandle is one monitored subscription. It is exclusively owned by the
// component that opened it and must be closed on that component's teardown.
type ChannelHandle struct {
	name    string
	monitor *Monitor
	opts    ChannelOptions

	mu             sync.Mutex
	ch             RealtimeChannel
	status         ChannelStatus
	lastTransition time.Time
	inErrorEpisode bool
	errTimer       *time.Timer
	closed         bool
}

// Status returns the last recorded subscription status.
func (h *ChannelHandle) Status() ChannelStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// LastTransition returns when the status last changed.
func (h *ChannelHandle) LastTransition() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastTransition
}

func (h *ChannelHandle) onStatus(status ChannelStatus) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.status = status
	h.lastTransition = time.Now()

	switch status {
	case StatusSubscribed:
		// Recovery: cancel any pending error callback and poll timer, and
		// close the episode so a later failure reports again.
		if h.errTimer != nil {
			h.errTimer.Stop()
			h.errTimer = nil
		}
		h.inErrorEpisode = false
		h.mu.Unlock()
		h.monitor.stopPoll(h.name)
		h.monitor.log.Debug().Str("channel", h.opts.DebugName).Msg("subscribed")

	case StatusError, StatusTimedOut, StatusClosed:
		if h.inErrorEpisode {
			// Repeated signals within one episode are recorded, not re-reported.
			h.mu.Unlock()
			return
		}
		h.inErrorEpisode = true
		cerr := &ChannelError{Channel: h.name, Status: status}
		if h.opts.OnError != nil {
			h.errTimer = time.AfterFunc(h.opts.ErrorDebounce, func() {
				h.monitor.log.Warn().Str("channel", h.opts.DebugName).Str("status", string(status)).Msg("subscription error episode")
				h.opts.OnError(cerr)
			})
		}
		h.mu.Unlock()
		if h.opts.PollInterval > 0 && h.opts.OnPoll != nil {
			h.monitor.startPoll(h.name, h.opts.PollInterval, h.opts.OnPoll)
		}

	default:
		h.mu.Unlock()
	}
}

// Close tears the subscription down: cancels any poll and error timers and
// releases the underlying channel. Idempotent.
func (h *ChannelHandle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.status = StatusClosed
	h.lastTransition = time.Now()
	if h.errTimer != nil {
		h.errTimer.Stop()
		h.errTimer = nil
	}
	ch := h.ch
	h.ch = nil
	h.mu.Unlock()

	h.monitor.stopPoll(h.name)
	if ch != nil {
		if err := ch.Unsubscribe(); err != nil {
			h.monitor.log.Debug().Str("channel", h.opts.DebugName).Err(err).Msg("unsubscribe failed")
		}
	}
}
