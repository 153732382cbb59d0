package realtime

import (
	"log"
	"sync"
)

const subscriptionBuffer = 64

// Hub fans table events out to subscribers. Publish never blocks: a
// subscriber that cannot keep up loses events rather than stalling the
// feed for everyone else.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers for all events on one table. The caller owns the
// returned subscription and must Close it on every exit path.
func (h *Hub) Subscribe(table string) *Subscription {
	sub := &Subscription{
		hub:   h,
		table: table,
		ch:    make(chan Event, subscriptionBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	if h.subs[table] == nil {
		h.subs[table] = make(map[*Subscription]struct{})
	}
	h.subs[table][sub] = struct{}{}
	return sub
}

// Publish delivers ev to every subscriber of its table.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[ev.Table] {
		select {
		case sub.ch <- ev:
		default:
			log.Printf("realtime: dropping %s event for slow subscriber on %q", ev.Kind, ev.Table)
		}
	}
}

// Broadcast implements Publisher for single-instance deployments.
func (h *Hub) Broadcast(ev Event) {
	h.Publish(ev)
}

// Close tears down every subscription. Publishing after Close is a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, table := range h.subs {
		for sub := range table {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	h.subs = make(map[string]map[*Subscription]struct{})
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if table, ok := h.subs[sub.table]; ok {
		delete(table, sub)
		if len(table) == 0 {
			delete(h.subs, sub.table)
		}
	}
}

// Subscription is one live channel of events for one table.
type Subscription struct {
	hub   *Hub
	table string
	ch    chan Event
	once  sync.Once
}

// Events is closed when the subscription or the hub closes.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Table() string {
	return s.table
}

// Close releases the subscription. Safe to call more than once and from
// any goroutine; the events channel is closed exactly once.
func (s *Subscription) Close() {
	s.hub.remove(s)
	s.once.Do(func() { close(s.ch) })
}
