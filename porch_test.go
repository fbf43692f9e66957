package porch

import (
	"context"
	"encoding/json"
	"sync"
)

// ============================================================================
// Test Fakes
// ============================================================================

// fakeChannel is an in-process RealtimeChannel that records sends and lets
// tests push statuses and inbound events.
type fakeChannel struct {
	name string

	mu           sync.Mutex
	changes      []func(ChangeEvent)
	broadcasts   map[string][]func(json.RawMessage)
	onStatus     func(ChannelStatus)
	sent         []sentBroadcast
	subscribeErr error
	unsubscribes int
}

type sentBroadcast struct {
	event   string
	payload any
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{
		name:       name,
		broadcasts: make(map[string][]func(json.RawMessage)),
	}
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) OnChange(h func(ChangeEvent)) {
	c.mu.Lock()
	c.changes = append(c.changes, h)
	c.mu.Unlock()
}

func (c *fakeChannel) OnBroadcast(event string, h func(json.RawMessage)) {
	c.mu.Lock()
	c.broadcasts[event] = append(c.broadcasts[event], h)
	c.mu.Unlock()
}

func (c *fakeChannel) Send(ctx context.Context, event string, payload any) error {
	c.mu.Lock()
	c.sent = append(c.sent, sentBroadcast{event: event, payload: payload})
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Subscribe(ctx context.Context, onStatus func(ChannelStatus)) error {
	c.mu.Lock()
	err := c.subscribeErr
	if err == nil {
		c.onStatus = onStatus
	}
	c.mu.Unlock()
	return err
}

func (c *fakeChannel) Unsubscribe() error {
	c.mu.Lock()
	c.unsubscribes++
	c.mu.Unlock()
	return nil
}

// pushStatus simulates a broker status transition.
func (c *fakeChannel) pushStatus(status ChannelStatus) {
	c.mu.Lock()
	onStatus := c.onStatus
	c.mu.Unlock()
	if onStatus != nil {
		onStatus(status)
	}
}

// emitBroadcast simulates an inbound broadcast event.
func (c *fakeChannel) emitBroadcast(event string, payload any) {
	data, _ := json.Marshal(payload)
	c.mu.Lock()
	handlers := append([]func(json.RawMessage){}, c.broadcasts[event]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

// emitChange simulates an inbound change event.
func (c *fakeChannel) emitChange(ev ChangeEvent) {
	c.mu.Lock()
	handlers := append([]func(ChangeEvent){}, c.changes...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// sentEvents returns the event names sent so far, filtered by name when
// filter is non-empty.
func (c *fakeChannel) sentEvents(filter string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, s := range c.sent {
		if filter == "" || s.event == filter {
			out = append(out, s.event)
		}
	}
	return out
}

func (c *fakeChannel) unsubscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubscribes
}

// fakeBroker hands out fakeChannels by name.
type fakeBroker struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
	// subscribeErr applies to channels created after it is set.
	subscribeErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{channels: make(map[string]*fakeChannel)}
}

func (b *fakeBroker) Channel(name string) RealtimeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.channels[name]; ok {
		return ch
	}
	ch := newFakeChannel(name)
	ch.subscribeErr = b.subscribeErr
	b.channels[name] = ch
	return ch
}

func (b *fakeBroker) channel(name string) *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels[name]
}

// fakeStore records store calls and serves scripted results.
type fakeStore struct {
	mu        sync.Mutex
	inserts   []storeCall
	updates   []storeCall
	insertID  string
	insertErr error
	updateErr error
	// failFirstInserts makes the first N inserts fail.
	failFirstInserts int
	selectRows       []Record
}

type storeCall struct {
	table  string
	filter Filter
	rec    Record
}

func newFakeStore() *fakeStore {
	return &fakeStore{insertID: "log-1"}
}

func (s *fakeStore) Select(ctx context.Context, table string, filter Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectRows, nil
}

func (s *fakeStore) Insert(ctx context.Context, table string, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFirstInserts > 0 {
		s.failFirstInserts--
		return nil, &APIError{Code: "UNAVAILABLE", Message: "store down"}
	}
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	cp := Record{}
	for k, v := range rec {
		cp[k] = v
	}
	s.inserts = append(s.inserts, storeCall{table: table, rec: cp})
	return Record{"id": s.insertID}, nil
}

func (s *fakeStore) Update(ctx context.Context, table string, filter Filter, patch Record) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	cp := Record{}
	for k, v := range patch {
		cp[k] = v
	}
	s.updates = append(s.updates, storeCall{table: table, filter: filter, rec: cp})
	return []Record{cp}, nil
}

func (s *fakeStore) Delete(ctx context.Context, table string, filter Filter) error {
	return nil
}

func (s *fakeStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inserts)
}

func (s *fakeStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

func (s *fakeStore) lastUpdate() storeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[len(s.updates)-1]
}

// fakeConnectivity is a switchable connectivity signal.
type fakeConnectivity struct {
	mu        sync.Mutex
	connected bool
	listeners map[int]func(ConnectivityStatus)
	nextID    int
}

func newFakeConnectivity(connected bool) *fakeConnectivity {
	return &fakeConnectivity{
		connected: connected,
		listeners: make(map[int]func(ConnectivityStatus)),
	}
}

func (c *fakeConnectivity) Status() ConnectivityStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectivityStatus{Connected: c.connected}
}

func (c *fakeConnectivity) OnChange(listener func(ConnectivityStatus)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = listener
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *fakeConnectivity) flip(connected bool) {
	c.mu.Lock()
	c.connected = connected
	listeners := make([]func(ConnectivityStatus), 0, len(c.listeners))
	for _, l := range c.listeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()
	for _, l := range listeners {
		l(ConnectivityStatus{Connected: connected})
	}
}
