package porch

import (
	"context"
	"encoding/json"
	"sync"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a structured error returned by the hosted store.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Record is a loosely-typed row from the hosted relational store.
type Record map[string]any

// Str returns the string value under key, or fallback when absent or not a string.
func (r Record) Str(key, fallback string) string {
	if v, ok := r[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Int returns the integer value under key. JSON numbers decode as float64.
func (r Record) Int(key string, fallback int) int {
	if v, ok := r[key].(float64); ok {
		return int(v)
	}
	return fallback
}

// Filter is a set of column equality predicates applied to a store query.
type Filter map[string]any

// ============================================================================
// Change Events
// ============================================================================

// ChangeType is the kind of row mutation carried by a change-data event.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is a validated change-data event delivered by the broker.
// New is nil for deletes; Old is nil for inserts.
type ChangeEvent struct {
	Table string     `json:"table"`
	Type  ChangeType `json:"eventType"`
	New   Record     `json:"new,omitempty"`
	Old   Record     `json:"old,omitempty"`
}

// parseChangeEvent validates a raw broker payload at the boundary.
// Malformed payloads return ok=false and are dropped by callers.
func parseChangeEvent(raw json.RawMessage) (ChangeEvent, bool) {
	var ev ChangeEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ChangeEvent{}, false
	}
	switch ev.Type {
	case ChangeInsert, ChangeUpdate:
		if ev.New == nil {
			return ChangeEvent{}, false
		}
	case ChangeDelete:
		if ev.Old == nil {
			return ChangeEvent{}, false
		}
	default:
		return ChangeEvent{}, false
	}
	return ev, true
}

// ============================================================================
// Collaborator Contracts
// ============================================================================

// Store is the request/response contract of the hosted relational store.
// The Client implements it over HTTP; tests substitute fakes.
type Store interface {
	Select(ctx context.Context, table string, filter Filter) ([]Record, error)
	Insert(ctx context.Context, table string, rec Record) (Record, error)
	Update(ctx context.Context, table string, filter Filter, patch Record) ([]Record, error)
	Delete(ctx context.Context, table string, filter Filter) error
}

// KVStore is the local durable key-value storage supplied by the host app.
type KVStore interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte) error
	Remove(key string) error
}

// ConnectivityStatus reports the current network state.
type ConnectivityStatus struct {
	Connected bool
}

// Connectivity is the platform connectivity signal.
// OnChange returns an unsubscribe function.
type Connectivity interface {
	Status() ConnectivityStatus
	OnChange(listener func(ConnectivityStatus)) (unsubscribe func())
}

// NotificationSurface is the platform push/system-notification capability.
// Both calls are best-effort; failures are swallowed by the engine.
type NotificationSurface interface {
	RequestPermission(ctx context.Context) (granted bool, err error)
	Show(ctx context.Context, title string, opts ShowOptions) error
}

// ShowOptions carries optional fields for a platform notification.
type ShowOptions struct {
	Body string
	Tag  string
	Icon string
}

// SoundKind selects which alert tone to play.
type SoundKind string

const (
	SoundDefault SoundKind = "default"
	SoundUrgent  SoundKind = "urgent"
)

// SoundPlayer plays a notification sound, best-effort.
type SoundPlayer interface {
	Play(kind SoundKind) error
}

// Toast is one user-visible in-app notification.
type Toast struct {
	Title      string
	Body       string
	DurationMS int
	Urgent     bool
}

// Toaster renders an in-app toast, best-effort.
type Toaster interface {
	Show(toast Toast) error
}

// ============================================================================
// MemoryKV
// ============================================================================

// MemoryKV is a goroutine-safe in-memory KVStore, used by tests and as a
// default when the host app supplies no durable storage.
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryKV creates an empty in-memory key-value store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string][]byte)}
}

func (m *MemoryKV) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

func (m *MemoryKV) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
	return nil
}

func (m *MemoryKV) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
