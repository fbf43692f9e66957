package porch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Offline Action Queue
// ============================================================================

// DefaultMaxRetries bounds replay attempts per queued action.
const DefaultMaxRetries = 3

// QueuedAction is one deferred write made while offline. Actions persist in
// the local KV store and survive restarts.
type QueuedAction struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Body       json.RawMessage   `json:"body,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	RetryCount int               `json:"retryCount"`
}

// ActionSender replays one queued action against the backend.
type ActionSender interface {
	Do(ctx context.Context, action QueuedAction) error
}

// HTTPSender is the default ActionSender over a plain HTTP client.
type HTTPSender struct {
	Client *http.Client
}

// Do replays action as an HTTP request. Any non-2xx status is a failure.
func (s *HTTPSender) Do(ctx context.Context, action QueuedAction) error {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	var bodyReader io.Reader
	if len(action.Body) > 0 {
		bodyReader = bytes.NewReader(action.Body)
	}
	req, err := http.NewRequestWithContext(ctx, action.Method, action.URL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if len(action.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range action.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("replay failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("replay failed: HTTP %d", resp.StatusCode)
	}
	return nil
}

// QueueConfig holds the queue's knobs.
type QueueConfig struct {
	// MaxRetries bounds replay attempts; an action whose retry count would
	// exceed it is dropped.
	MaxRetries int
	// StorageKey is where the queue persists in the KV store.
	StorageKey string
	// FlushInterval drives the opportunistic drain that covers missed
	// connectivity transitions.
	FlushInterval time.Duration
	Logger        zerolog.Logger
}

func (c *QueueConfig) defaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.StorageKey == "" {
		c.StorageKey = "porch.offline.queue"
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 5 * time.Second
	}
}

// OfflineQueue persists user-initiated writes made while offline and replays
// them FIFO when connectivity returns. Single-writer per device: one queue
// instance owns its storage key.
type OfflineQueue struct {
	cfg    QueueConfig
	log    zerolog.Logger
	kv     KVStore
	sender ActionSender
	conn   Connectivity

	mu          sync.Mutex
	draining    bool
	stopCh      chan struct{}
	stopped     bool
	started     bool
	unsubscribe func()
}

// NewOfflineQueue creates a queue over kv. cfg may be nil for defaults.
func NewOfflineQueue(kv KVStore, sender ActionSender, conn Connectivity, cfg *QueueConfig) *OfflineQueue {
	c := QueueConfig{}
	if cfg != nil {
		c = *cfg
	}
	c.defaults()
	return &OfflineQueue{
		cfg:    c,
		log:    c.Logger,
		kv:     kv,
		sender: sender,
		conn:   conn,
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to the connectivity signal and begins the opportunistic
// flush loop. Safe to call once.
func (q *OfflineQueue) Start() {
	q.mu.Lock()
	if q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	q.unsubscribe = q.conn.OnChange(func(st ConnectivityStatus) {
		if st.Connected {
			go q.ProcessQueue(context.Background())
		}
	})
	go q.flushLoop()
}

// Close stops background work and detaches the connectivity listener.
func (q *OfflineQueue) Close() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.stopCh)
	unsub := q.unsubscribe
	q.unsubscribe = nil
	q.mu.Unlock()

	if unsub != nil {
		unsub()
	}
}

func (q *OfflineQueue) flushLoop() {
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if q.PendingCount() > 0 && q.conn.Status().Connected {
				q.ProcessQueue(context.Background())
			}
		}
	}
}

// Enqueue appends a deferred write. It never attempts an immediate send; the
// drain picks it up.
func (q *OfflineQueue) Enqueue(method, url string, body any, headers map[string]string) (QueuedAction, error) {
	var raw json.RawMessage
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return QueuedAction{}, fmt.Errorf("failed to marshal action body: %w", err)
		}
		raw = b
	}
	action := QueuedAction{
		ID:         uuid.NewString(),
		Method:     method,
		URL:        url,
		Body:       raw,
		Headers:    headers,
		EnqueuedAt: time.Now(),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.loadLocked()
	list = append(list, action)
	if err := q.saveLocked(list); err != nil {
		return QueuedAction{}, err
	}
	q.log.Debug().Str("action_id", action.ID).Str("url", url).Msg("action enqueued")
	return action, nil
}

// PendingCount returns the number of queued actions.
func (q *OfflineQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.loadLocked())
}

// Pending returns a snapshot of the queued actions in replay order.
func (q *OfflineQueue) Pending() []QueuedAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked()
}

// Clear drops all queued actions.
func (q *OfflineQueue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.kv.Remove(q.cfg.StorageKey)
}

// ProcessQueue drains the queue FIFO. No-op while offline or while another
// drain is in flight. Only the actions present at drain start are attempted;
// a failed action is requeued at the tail with its retry count incremented
// and is not re-attempted within the same drain. An action whose retry count
// would exceed MaxRetries is dropped, logged, and never surfaced.
func (q *OfflineQueue) ProcessQueue(ctx context.Context) {
	q.mu.Lock()
	if q.draining || q.stopped || !q.conn.Status().Connected {
		q.mu.Unlock()
		return
	}
	q.draining = true
	attempts := len(q.loadLocked())
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for i := 0; i < attempts; i++ {
		// Pause the drain if connectivity drops mid-flight; the queued
		// actions stay put for the next drain.
		if !q.conn.Status().Connected {
			return
		}

		q.mu.Lock()
		list := q.loadLocked()
		if len(list) == 0 {
			q.mu.Unlock()
			return
		}
		head := list[0]
		q.mu.Unlock()

		// The head stays in durable storage until the send resolves, so a
		// crash mid-replay loses nothing (at-least-once delivery).
		err := q.sender.Do(ctx, head)

		q.mu.Lock()
		list = q.loadLocked()
		for idx := range list {
			if list[idx].ID == head.ID {
				list = append(list[:idx], list[idx+1:]...)
				break
			}
		}
		if err != nil {
			head.RetryCount++
			if head.RetryCount <= q.cfg.MaxRetries {
				list = append(list, head)
			}
		}
		serr := q.saveLocked(list)
		q.mu.Unlock()
		if serr != nil {
			q.log.Error().Str("action_id", head.ID).Err(serr).Msg("queue persist failed, aborting drain")
			return
		}

		switch {
		case err == nil:
			q.log.Debug().Str("action_id", head.ID).Msg("action replayed")
		case head.RetryCount > q.cfg.MaxRetries:
			// Bounded failure: the action is gone for good.
			q.log.Warn().Str("action_id", head.ID).Int("retries", head.RetryCount-1).Err(err).Msg("action dropped after max retries")
		default:
			q.log.Debug().Str("action_id", head.ID).Int("retry", head.RetryCount).Err(err).Msg("action requeued")
		}
	}
}

// loadLocked reads the persisted queue. Caller holds q.mu.
func (q *OfflineQueue) loadLocked() []QueuedAction {
	data, ok := q.kv.Get(q.cfg.StorageKey)
	if !ok {
		return nil
	}
	var list []QueuedAction
	if err := json.Unmarshal(data, &list); err != nil {
		q.log.Warn().Err(err).Msg("queue storage corrupt, discarding")
		return nil
	}
	return list
}

// saveLocked writes the queue back. Caller holds q.mu.
func (q *OfflineQueue) saveLocked(list []QueuedAction) error {
	if len(list) == 0 {
		return q.kv.Remove(q.cfg.StorageKey)
	}
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return q.kv.Set(q.cfg.StorageKey, data)
}
