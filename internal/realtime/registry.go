// Package realtime fans store change notifications out to live subscribers.
package realtime

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned by Subscribe after Destroy.
var ErrClosed = errors.New("realtime registry closed")

// AlertsTable is the table alert notifications are published under.
const AlertsTable = "lifecycle_alerts"

// Key identifies a channel: a table plus a row filter.
type Key struct {
	Table  string
	Filter string
}

// RecipientKey is the channel carrying alerts for one recipient.
func RecipientKey(userID string) Key {
	return Key{Table: AlertsTable, Filter: "recipient_id=eq." + userID}
}

// Event is one notification delivered to subscribers.
type Event struct {
	Key     Key
	Payload any
}

// Subscription is one live listener. Events is closed on Unsubscribe or Destroy.
type Subscription struct {
	id  uint64
	key Key
	ch  chan Event
}

// Key returns the channel the subscription listens on.
func (s *Subscription) Key() Key { return s.key }

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Registry owns every subscription. It is created by the process root and passed to its users.
type Registry struct {
	mu     sync.Mutex
	subs   map[Key]map[uint64]*Subscription
	nextID uint64
	buffer int
	closed bool
	logger *zap.Logger
}

// NewRegistry constructs a Registry whose subscriptions buffer up to buffer events.
func NewRegistry(buffer int, logger *zap.Logger) *Registry {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{subs: make(map[Key]map[uint64]*Subscription), buffer: buffer, logger: logger}
}

// Subscribe opens a subscription on key.
func (r *Registry) Subscribe(key Key) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	r.nextID++
	sub := &Subscription{id: r.nextID, key: key, ch: make(chan Event, r.buffer)}
	if r.subs[key] == nil {
		r.subs[key] = make(map[uint64]*Subscription)
	}
	r.subs[key][sub.id] = sub
	return sub, nil
}

// Unsubscribe removes sub and closes its channel. Unknown or already removed subscriptions are ignored.
func (r *Registry) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.subs[sub.key]
	if !ok {
		return
	}
	if _, ok := group[sub.id]; !ok {
		return
	}
	delete(group, sub.id)
	close(sub.ch)
	if len(group) == 0 {
		delete(r.subs, sub.key)
	}
}

// Publish delivers payload to every subscriber of key without blocking. Slow
// subscribers whose buffer is full miss the event. It returns the number of deliveries.
func (r *Registry) Publish(key Key, payload any) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delivered := 0
	for _, sub := range r.subs[key] {
		select {
		case sub.ch <- Event{Key: key, Payload: payload}:
			delivered++
		default:
			r.logger.Warn("dropping realtime event for slow subscriber",
				zap.String("table", key.Table),
				zap.String("filter", key.Filter),
			)
		}
	}
	return delivered
}

// Len returns the number of open subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, group := range r.subs {
		n += len(group)
	}
	return n
}

// Destroy closes every subscription and rejects new ones.
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for key, group := range r.subs {
		for _, sub := range group {
			close(sub.ch)
		}
		delete(r.subs, key)
	}
}
