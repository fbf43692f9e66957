package porch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// Notification Engine Types
// ============================================================================

// NotificationKind classifies a candidate notification.
type NotificationKind string

const (
	KindDirectMessage NotificationKind = "DIRECT_MESSAGE"
	KindCommunityPost NotificationKind = "COMMUNITY_POST"
	KindIncomingCall  NotificationKind = "INCOMING_CALL"
	KindSystem        NotificationKind = "SYSTEM"
)

// Priority selects the alert treatment for a delivered notification.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityUrgent    Priority = "urgent"
	PriorityEmergency Priority = "emergency"
)

// RawEvent is a candidate user-visible notification derived from a raw
// change record or webhook.
type RawEvent struct {
	ID           string           `json:"id"`
	Kind         NotificationKind `json:"kind"`
	OriginatorID string           `json:"originatorId"`
	Title        string           `json:"title"`
	Body         string           `json:"body"`
	Priority     Priority         `json:"priority"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// SuppressReason records why the engine declined to surface an event.
type SuppressReason string

const (
	SuppressSelfOriginated SuppressReason = "SELF_ORIGINATED"
	SuppressRouteMatch     SuppressReason = "CURRENT_ROUTE_MATCH"
	SuppressDuplicate      SuppressReason = "DUPLICATE"
	SuppressCooldown       SuppressReason = "COOLDOWN"
)

// Outcome is the engine's decision for one raw event.
type Outcome struct {
	Delivered bool
	Reason    SuppressReason // empty when Delivered
}

// Decorator enriches an event with display data (e.g. sender name) fetched
// from the store. Best-effort: a failure leaves the event as-is.
type Decorator func(ctx context.Context, ev *RawEvent) error

// ============================================================================
// Configuration
// ============================================================================

// EngineConfig holds the arbitration knobs.
type EngineConfig struct {
	// DedupWindow is how long a delivered id suppresses re-delivery.
	DedupWindow time.Duration
	// Cooldown is the minimum spacing between any two delivered notifications.
	Cooldown time.Duration
	// ToastDuration is the auto-dismiss time for normal toasts.
	ToastDuration time.Duration
	// UrgentToastDuration is the auto-dismiss time for urgent/emergency toasts.
	UrgentToastDuration time.Duration
	// RouteSuppression maps a kind to the route prefix on which it is
	// considered "already being viewed" and therefore not surfaced.
	RouteSuppression map[NotificationKind]string
	// PersistKey, when set together with a KVStore, snapshots the dedup set
	// across restarts.
	PersistKey string
	Logger     zerolog.Logger
}

func (c *EngineConfig) defaults() {
	if c.DedupWindow == 0 {
		c.DedupWindow = 30 * time.Second
	}
	if c.Cooldown == 0 {
		c.Cooldown = 2 * time.Second
	}
	if c.ToastDuration == 0 {
		c.ToastDuration = 5 * time.Second
	}
	if c.UrgentToastDuration == 0 {
		c.UrgentToastDuration = 10 * time.Second
	}
	if c.RouteSuppression == nil {
		c.RouteSuppression = map[NotificationKind]string{
			KindDirectMessage: "/messages",
			KindCommunityPost: "/community",
		}
	}
	if c.PersistKey == "" {
		c.PersistKey = "porch.notify.seen"
	}
}

// ============================================================================
// Engine
// ============================================================================

type seenEntry struct {
	ID     string    `json:"id"`
	SeenAt time.Time `json:"seenAt"`
}

// Engine is the notification de-duplication and arbitration pipeline. One
// instance exists per app session; its dedup set and cooldown timestamp are
// the only state shared across notification sources, guarded by a mutex.
// Construct it at app start and Reset it on logout.
type Engine struct {
	cfg      EngineConfig
	log      zerolog.Logger
	decorate Decorator
	sound    SoundPlayer
	toaster  Toaster
	push     NotificationSurface
	kv       KVStore

	mu              sync.Mutex
	selfID          string
	route           string
	seen            []seenEntry // insertion-ordered, swept lazily
	seenIndex       map[string]struct{}
	lastDeliveredAt time.Time
	pushAsked       bool
	pushGranted     bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithDecorator sets the display-data fetcher.
func WithDecorator(d Decorator) EngineOption {
	return func(e *Engine) { e.decorate = d }
}

// WithSound sets the sound sink.
func WithSound(s SoundPlayer) EngineOption {
	return func(e *Engine) { e.sound = s }
}

// WithToaster sets the in-app toast sink.
func WithToaster(t Toaster) EngineOption {
	return func(e *Engine) { e.toaster = t }
}

// WithPush sets the platform notification surface.
func WithPush(p NotificationSurface) EngineOption {
	return func(e *Engine) { e.push = p }
}

// WithDedupStore persists the dedup set in kv across restarts.
func WithDedupStore(kv KVStore) EngineOption {
	return func(e *Engine) { e.kv = kv }
}

// NewEngine creates the engine for the signed-in user. cfg may be nil for
// defaults.
func NewEngine(selfID string, cfg *EngineConfig, opts ...EngineOption) *Engine {
	c := EngineConfig{}
	if cfg != nil {
		c = *cfg
	}
	c.defaults()

	e := &Engine{
		cfg:       c,
		log:       c.Logger,
		selfID:    selfID,
		seenIndex: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.loadSeen()
	return e
}

// SetCurrentRoute records the current navigation location for route-based
// suppression.
func (e *Engine) SetCurrentRoute(route string) {
	e.mu.Lock()
	e.route = route
	e.mu.Unlock()
}

// Reset clears all shared state. Call on logout.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.seen = nil
	e.seenIndex = make(map[string]struct{})
	e.lastDeliveredAt = time.Time{}
	e.route = ""
	kv := e.kv
	key := e.cfg.PersistKey
	e.mu.Unlock()

	if kv != nil {
		if err := kv.Remove(key); err != nil {
			e.log.Debug().Err(err).Msg("dedup snapshot remove failed")
		}
	}
}

// OnRawEvent runs the arbitration pipeline for one event. Suppression rules
// are evaluated in fixed order (self-originated, route match, duplicate id,
// cooldown) and the first match wins. Side-effect failures during delivery
// are logged and never propagate.
func (e *Engine) OnRawEvent(ctx context.Context, ev RawEvent) Outcome {
	e.mu.Lock()
	now := time.Now()
	e.sweepLocked(now)

	if ev.OriginatorID != "" && ev.OriginatorID == e.selfID {
		e.mu.Unlock()
		e.log.Debug().Str("id", ev.ID).Msg("notification suppressed: self-originated")
		return Outcome{Reason: SuppressSelfOriginated}
	}

	if prefix, ok := e.cfg.RouteSuppression[ev.Kind]; ok && prefix != "" && strings.HasPrefix(e.route, prefix) {
		e.mu.Unlock()
		e.log.Debug().Str("id", ev.ID).Str("route", prefix).Msg("notification suppressed: route match")
		return Outcome{Reason: SuppressRouteMatch}
	}

	if _, dup := e.seenIndex[ev.ID]; dup {
		e.mu.Unlock()
		e.log.Debug().Str("id", ev.ID).Msg("notification suppressed: duplicate")
		return Outcome{Reason: SuppressDuplicate}
	}
	e.seen = append(e.seen, seenEntry{ID: ev.ID, SeenAt: now})
	e.seenIndex[ev.ID] = struct{}{}

	if !e.lastDeliveredAt.IsZero() && now.Sub(e.lastDeliveredAt) < e.cfg.Cooldown {
		e.mu.Unlock()
		e.saveSeen()
		e.log.Debug().Str("id", ev.ID).Msg("notification suppressed: cooldown")
		return Outcome{Reason: SuppressCooldown}
	}

	e.lastDeliveredAt = now
	e.mu.Unlock()
	e.saveSeen()

	e.deliver(ctx, ev)
	return Outcome{Delivered: true}
}

// sweepLocked evicts dedup entries past the retention window. The slice is
// insertion-ordered, so eviction stops at the first live entry.
func (e *Engine) sweepLocked(now time.Time) {
	cutoff := now.Add(-e.cfg.DedupWindow)
	i := 0
	for ; i < len(e.seen); i++ {
		if e.seen[i].SeenAt.After(cutoff) {
			break
		}
		delete(e.seenIndex, e.seen[i].ID)
	}
	if i > 0 {
		e.seen = append([]seenEntry{}, e.seen[i:]...)
	}
}

// deliver performs the user-visible side effects. Each channel fails
// independently: a broken sound device must not block the toast, and so on.
func (e *Engine) deliver(ctx context.Context, ev RawEvent) {
	urgent := ev.Priority == PriorityUrgent || ev.Priority == PriorityEmergency

	if e.decorate != nil {
		func() {
			defer e.recoverSideEffect("decorate")
			if err := e.decorate(ctx, &ev); err != nil {
				e.log.Warn().Str("id", ev.ID).Err(err).Msg("display data fetch failed")
			}
		}()
	}

	if e.sound != nil {
		func() {
			defer e.recoverSideEffect("sound")
			kind := SoundDefault
			if urgent {
				kind = SoundUrgent
			}
			if err := e.sound.Play(kind); err != nil {
				e.log.Warn().Str("id", ev.ID).Err(err).Msg("sound playback failed")
			}
		}()
	}

	if e.toaster != nil {
		func() {
			defer e.recoverSideEffect("toast")
			dur := e.cfg.ToastDuration
			if urgent {
				dur = e.cfg.UrgentToastDuration
			}
			if err := e.toaster.Show(Toast{
				Title:      ev.Title,
				Body:       ev.Body,
				DurationMS: int(dur / time.Millisecond),
				Urgent:     urgent,
			}); err != nil {
				e.log.Warn().Str("id", ev.ID).Err(err).Msg("toast failed")
			}
		}()
	}

	if e.push != nil {
		func() {
			defer e.recoverSideEffect("push")
			if e.ensurePushPermission(ctx) {
				if err := e.push.Show(ctx, ev.Title, ShowOptions{Body: ev.Body, Tag: ev.ID}); err != nil {
					e.log.Warn().Str("id", ev.ID).Err(err).Msg("platform push failed")
				}
			}
		}()
	}
}

func (e *Engine) ensurePushPermission(ctx context.Context) bool {
	e.mu.Lock()
	asked, granted := e.pushAsked, e.pushGranted
	e.mu.Unlock()
	if asked {
		return granted
	}

	g, err := e.push.RequestPermission(ctx)
	if err != nil {
		e.log.Debug().Err(err).Msg("push permission request failed")
		g = false
	}
	e.mu.Lock()
	e.pushAsked = true
	e.pushGranted = g
	e.mu.Unlock()
	return g
}

func (e *Engine) recoverSideEffect(channel string) {
	if r := recover(); r != nil {
		e.log.Error().Str("channel", channel).Any("panic", r).Msg("notification side effect panicked")
	}
}

// ============================================================================
// Dedup persistence
// ============================================================================

func (e *Engine) loadSeen() {
	if e.kv == nil {
		return
	}
	data, ok := e.kv.Get(e.cfg.PersistKey)
	if !ok {
		return
	}
	var entries []seenEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		e.log.Debug().Err(err).Msg("dedup snapshot corrupt, discarding")
		return
	}
	e.mu.Lock()
	e.seen = entries
	for _, en := range entries {
		e.seenIndex[en.ID] = struct{}{}
	}
	e.sweepLocked(time.Now())
	e.mu.Unlock()
}

func (e *Engine) saveSeen() {
	if e.kv == nil {
		return
	}
	e.mu.Lock()
	data, err := json.Marshal(e.seen)
	key := e.cfg.PersistKey
	e.mu.Unlock()
	if err != nil {
		return
	}
	if err := e.kv.Set(key, data); err != nil {
		e.log.Debug().Err(err).Msg("dedup snapshot write failed")
	}
}

// ============================================================================
// Change-event translation
// ============================================================================

// RawEventFromChange maps an inserted row from one of the watched tables to a
// notification candidate. Returns ok=false for tables and change types that
// never notify.
func RawEventFromChange(table string, ev ChangeEvent) (RawEvent, bool) {
	if ev.Type != ChangeInsert || ev.New == nil {
		return RawEvent{}, false
	}
	switch table {
	case "messages":
		return RawEvent{
			ID:           ev.New.Str("id", ""),
			Kind:         KindDirectMessage,
			OriginatorID: ev.New.Str("sender_id", ""),
			Title:        "New message",
			Body:         ev.New.Str("content", ""),
			Priority:     PriorityNormal,
			CreatedAt:    time.Now(),
		}, ev.New.Str("id", "") != ""
	case "posts":
		prio := PriorityNormal
		if cat := ev.New.Str("category", ""); cat == "emergency" || cat == "urgent" {
			prio = Priority(cat)
		}
		return RawEvent{
			ID:           ev.New.Str("id", ""),
			Kind:         KindCommunityPost,
			OriginatorID: ev.New.Str("author_id", ""),
			Title:        ev.New.Str("title", "New community post"),
			Body:         ev.New.Str("content", ""),
			Priority:     prio,
			CreatedAt:    time.Now(),
		}, ev.New.Str("id", "") != ""
	case "call_logs":
		if ev.New.Str("status", "") != string(CallRinging) {
			return RawEvent{}, false
		}
		return RawEvent{
			ID:           ev.New.Str("id", ""),
			Kind:         KindIncomingCall,
			OriginatorID: ev.New.Str("caller_id", ""),
			Title:        "Incoming call",
			Priority:     PriorityUrgent,
			CreatedAt:    time.Now(),
		}, ev.New.Str("id", "") != ""
	}
	return RawEvent{}, false
}
