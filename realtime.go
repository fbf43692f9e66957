package porch

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Channel Contract
// ============================================================================

// ChannelStatus is the lifecycle state of one logical topic binding.
type ChannelStatus string

const (
	StatusConnecting ChannelStatus = "CONNECTING"
	StatusSubscribed ChannelStatus = "SUBSCRIBED"
	StatusError      ChannelStatus = "ERROR"
	StatusTimedOut   ChannelStatus = "TIMED_OUT"
	StatusClosed     ChannelStatus = "CLOSED"
)

// RealtimeChannel is one named topic binding on the broker. Handlers must be
// registered before Subscribe so no event is missed between creation and the
// subscribe acknowledgment.
type RealtimeChannel interface {
	Name() string
	OnChange(handler func(ChangeEvent))
	OnBroadcast(event string, handler func(payload json.RawMessage))
	Send(ctx context.Context, event string, payload any) error
	Subscribe(ctx context.Context, onStatus func(ChannelStatus)) error
	Unsubscribe() error
}

// Broker creates topic bindings. Implemented by WSBroker; faked in tests.
type Broker interface {
	Channel(name string) RealtimeChannel
}

// ============================================================================
// Wire Format
// ============================================================================

// realtimeEnvelope is the server-to-client wire format.
type realtimeEnvelope struct {
	Type    string          `json:"type"` // change | broadcast | status
	Channel string          `json:"channel"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// realtimeCommand is the client-to-server wire format.
type realtimeCommand struct {
	Type    string `json:"type"` // subscribe | unsubscribe | broadcast
	Channel string `json:"channel"`
	Event   string `json:"event,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type statusPayload struct {
	Status ChannelStatus `json:"status"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket broker client.
type RealtimeConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	SubscribeTimeout     time.Duration
	Logger               zerolog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.SubscribeTimeout == 0 {
		c.SubscribeTimeout = 10 * time.Second
	}
}

// RealtimeState is the connection state of the broker client as a whole.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

// reconnector owns the backoff state. Connect callers and the read loop both
// touch it, so every method takes its mutex.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

func newReconnector(cfg *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the backoff for the next attempt and that attempt's
// one-based number.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

// ============================================================================
// WSBroker
// ============================================================================

// WSBroker is a WebSocket broker client with auto-reconnect. It multiplexes
// any number of named channels over one connection and re-subscribes all
// active channels after a reconnect.
type WSBroker struct {
	baseURL string
	token   string
	config  *RealtimeConfig
	log     zerolog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	channels         map[string]*wsChannel
	recon            *reconnector
}

// NewWSBroker creates a broker client. config may be nil for defaults.
func NewWSBroker(baseURL, token string, config *RealtimeConfig) *WSBroker {
	if config == nil {
		config = &RealtimeConfig{AutoReconnect: true}
	}
	config.defaults()
	return &WSBroker{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		config:   config,
		log:      config.Logger,
		state:    StateDisconnected,
		channels: make(map[string]*wsChannel),
		recon:    newReconnector(config),
	}
}

// State returns the current connection state.
func (b *WSBroker) State() RealtimeState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Connect establishes the WebSocket connection. Safe to call when already
// connected or connecting.
func (b *WSBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateConnected || b.state == StateConnecting {
		b.mu.Unlock()
		return nil
	}
	b.state = StateConnecting
	b.intentionalClose = false
	b.mu.Unlock()

	wsURL := strings.Replace(b.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/realtime?token=" + b.token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		b.mu.Lock()
		b.state = StateDisconnected
		b.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.state = StateConnected
	b.mu.Unlock()
	b.recon.markConnected()

	connCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.cancelFn = cancel
	b.mu.Unlock()

	go b.readLoop(connCtx, conn)
	go b.heartbeatLoop(connCtx, conn)

	b.resubscribeAll(ctx)
	return nil
}

// Disconnect gracefully closes the connection and marks every subscribed
// channel CLOSED.
func (b *WSBroker) Disconnect() error {
	b.mu.Lock()
	b.intentionalClose = true
	if b.cancelFn != nil {
		b.cancelFn()
		b.cancelFn = nil
	}
	conn := b.conn
	b.conn = nil
	b.state = StateDisconnected
	chans := b.snapshotChannels()
	b.mu.Unlock()

	for _, ch := range chans {
		ch.deliverStatus(StatusClosed)
	}

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Channel returns the binding for name, creating it if needed. One binding
// exists per name per broker; components are expected not to share them.
func (b *WSBroker) Channel(name string) RealtimeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[name]; ok {
		return ch
	}
	ch := &wsChannel{
		name:       name,
		broker:     b,
		broadcasts: make(map[string][]func(json.RawMessage)),
	}
	b.channels[name] = ch
	return ch
}

func (b *WSBroker) snapshotChannels() []*wsChannel {
	chans := make([]*wsChannel, 0, len(b.channels))
	for _, ch := range b.channels {
		chans = append(chans, ch)
	}
	return chans
}

func (b *WSBroker) send(ctx context.Context, cmd *realtimeCommand) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (b *WSBroker) removeChannel(name string) {
	b.mu.Lock()
	delete(b.channels, name)
	b.mu.Unlock()
}

func (b *WSBroker) resubscribeAll(ctx context.Context) {
	b.mu.Lock()
	chans := b.snapshotChannels()
	b.mu.Unlock()
	for _, ch := range chans {
		if ch.isSubscribed() {
			if err := b.send(ctx, &realtimeCommand{Type: "subscribe", Channel: ch.name}); err != nil {
				b.log.Warn().Str("channel", ch.name).Err(err).Msg("resubscribe failed")
			}
		}
	}
}

func (b *WSBroker) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			b.mu.Lock()
			intentional := b.intentionalClose
			b.mu.Unlock()
			if intentional {
				return
			}

			b.mu.Lock()
			b.state = StateDisconnected
			b.conn = nil
			chans := b.snapshotChannels()
			b.mu.Unlock()

			for _, ch := range chans {
				ch.deliverStatus(StatusError)
			}

			if b.config.AutoReconnect && b.recon.shouldReconnect() {
				b.scheduleReconnect()
			}
			return
		}

		var env realtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue // malformed frame, drop and continue
		}
		b.dispatch(env)
	}
}

func (b *WSBroker) dispatch(env realtimeEnvelope) {
	b.mu.Lock()
	ch := b.channels[env.Channel]
	b.mu.Unlock()
	if ch == nil {
		return
	}

	switch env.Type {
	case "status":
		var p statusPayload
		if json.Unmarshal(env.Payload, &p) != nil || p.Status == "" {
			return
		}
		ch.deliverStatus(p.Status)
	case "change":
		ev, ok := parseChangeEvent(env.Payload)
		if !ok {
			b.log.Debug().Str("channel", env.Channel).Msg("dropping malformed change event")
			return
		}
		ch.deliverChange(ev)
	case "broadcast":
		ch.deliverBroadcast(env.Event, env.Payload)
	}
}

func (b *WSBroker) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(b.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Heartbeat failed, force the read loop to observe the close.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (b *WSBroker) scheduleReconnect() {
	delay, attempt := b.recon.nextDelay()
	b.mu.Lock()
	b.state = StateReconnecting
	b.mu.Unlock()

	b.log.Info().Dur("delay", delay).Int("attempt", attempt).Msg("realtime reconnecting")
	time.Sleep(delay)

	if err := b.Connect(context.Background()); err != nil {
		if b.config.AutoReconnect && b.recon.shouldReconnect() {
			b.scheduleReconnect()
		} else {
			b.mu.Lock()
			b.state = StateDisconnected
			b.mu.Unlock()
		}
	}
}

// ============================================================================
// wsChannel
// ============================================================================

type wsChannel struct {
	name   string
	broker *WSBroker

	mu         sync.Mutex
	changes    []func(ChangeEvent)
	broadcasts map[string][]func(json.RawMessage)
	onStatus   func(ChannelStatus)
	subscribed bool
}

func (ch *wsChannel) Name() string { return ch.name }

func (ch *wsChannel) OnChange(handler func(ChangeEvent)) {
	ch.mu.Lock()
	ch.changes = append(ch.changes, handler)
	ch.mu.Unlock()
}

func (ch *wsChannel) OnBroadcast(event string, handler func(json.RawMessage)) {
	ch.mu.Lock()
	ch.broadcasts[event] = append(ch.broadcasts[event], handler)
	ch.mu.Unlock()
}

func (ch *wsChannel) Send(ctx context.Context, event string, payload any) error {
	return ch.broker.send(ctx, &realtimeCommand{
		Type:    "broadcast",
		Channel: ch.name,
		Event:   event,
		Payload: payload,
	})
}

func (ch *wsChannel) Subscribe(ctx context.Context, onStatus func(ChannelStatus)) error {
	ch.mu.Lock()
	ch.onStatus = onStatus
	ch.subscribed = true
	ch.mu.Unlock()

	if onStatus != nil {
		onStatus(StatusConnecting)
	}
	return ch.broker.send(ctx, &realtimeCommand{Type: "subscribe", Channel: ch.name})
}

func (ch *wsChannel) Unsubscribe() error {
	ch.mu.Lock()
	already := !ch.subscribed
	ch.subscribed = false
	ch.onStatus = nil
	ch.mu.Unlock()
	if already {
		return nil
	}

	ch.broker.removeChannel(ch.name)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := ch.broker.send(ctx, &realtimeCommand{Type: "unsubscribe", Channel: ch.name})
	if err == ErrNotConnected {
		return nil
	}
	return err
}

func (ch *wsChannel) isSubscribed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.subscribed
}

func (ch *wsChannel) deliverStatus(status ChannelStatus) {
	ch.mu.Lock()
	onStatus := ch.onStatus
	ch.mu.Unlock()
	if onStatus != nil {
		onStatus(status)
	}
}

func (ch *wsChannel) deliverChange(ev ChangeEvent) {
	ch.mu.Lock()
	handlers := append([]func(ChangeEvent){}, ch.changes...)
	ch.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (ch *wsChannel) deliverBroadcast(event string, payload json.RawMessage) {
	ch.mu.Lock()
	handlers := append([]func(json.RawMessage){}, ch.broadcasts[event]...)
	ch.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}
