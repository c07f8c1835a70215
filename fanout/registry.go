// Package fanout distributes change events to a dynamic set of subscribers.
//
// The Registry owns subscriber lifecycle; each subscriber gets its own bounded
// DeliveryQueue. The Broadcaster offers every event to every queue without
// blocking, resolving overflow per subscriber so a slow consumer never stalls
// the others.
package fanout

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/maxpert/firehose/changefeed"
	"github.com/maxpert/firehose/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrRegistryClosed is returned by Register after the registry was drained for shutdown
var ErrRegistryClosed = errors.New("subscriber registry closed")

// SubscriberStats is a point-in-time view of one subscriber
type SubscriberStats struct {
	ID           string    `json:"id"`
	Label        string    `json:"label"`
	State        string    `json:"state"`
	QueueDepth   int       `json:"queue_depth"`
	QueueCap     int       `json:"queue_capacity"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Registry is a thread-safe set of active subscribers.
// Broadcast iteration holds the read lock, so it never observes a
// half-added or half-removed subscriber.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
	capacity    int
}

// NewRegistry creates a registry whose subscribers buffer up to capacity events
func NewRegistry(capacity int) *Registry {
	return &Registry{
		subscribers: make(map[string]*Subscriber),
		capacity:    capacity,
	}
}

// Register creates an Active subscriber. It receives only events broadcast
// after this call returns.
func (r *Registry) Register(label string) (*Subscriber, error) {
	sub := newSubscriber(label)
	sub.queue = NewDeliveryQueue(r.capacity)
	sub.registeredAt = time.Now()
	sub.transition(StateConnecting, StateActive)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sub.state.Store(int32(StateClosed))
		sub.queue.Close()
		return nil, ErrRegistryClosed
	}
	r.subscribers[sub.id] = sub
	r.mu.Unlock()

	telemetry.SubscriberRegistrationsTotal.Inc()
	telemetry.SubscribersActive.Inc()

	log.Debug().
		Str("subscriber", sub.id).
		Str("label", label).
		Msg("Subscriber registered")

	return sub, nil
}

// Unregister removes a subscriber and discards its queued events.
// It is idempotent and safe to call concurrently with broadcast.
func (r *Registry) Unregister(id string) bool {
	return r.remove(id, ReasonPeer)
}

// Evict removes a subscriber the overflow policy gave up on
func (r *Registry) Evict(id string) bool {
	return r.remove(id, ReasonEvicted)
}

func (r *Registry) remove(id string, reason CloseReason) bool {
	r.mu.Lock()
	sub, ok := r.subscribers[id]
	if ok {
		delete(r.subscribers, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	sub.setReason(reason)
	sub.state.Store(int32(StateClosed))
	sub.queue.Close()
	telemetry.SubscribersActive.Dec()

	log.Debug().
		Str("subscriber", id).
		Str("reason", reason.String()).
		Msg("Subscriber unregistered")

	return true
}

// Drain removes a subscriber but lets it flush already queued events
func (r *Registry) Drain(id string) bool {
	r.mu.Lock()
	sub, ok := r.subscribers[id]
	if ok {
		delete(r.subscribers, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.drain(sub, ReasonDrained, nil)
	return true
}

// DrainAll closes the registry to new subscribers and drains every current
// one. If final is not nil each subscriber receives it after its queued events.
// Returns the number of subscribers drained.
func (r *Registry) DrainAll(final *changefeed.ChangeEvent) int {
	r.mu.Lock()
	r.closed = true
	subs := make([]*Subscriber, 0, len(r.subscribers))
	for id, sub := range r.subscribers {
		subs = append(subs, sub)
		delete(r.subscribers, id)
	}
	r.mu.Unlock()

	reason := ReasonDrained
	if final != nil && final.Kind == changefeed.KindTerminal {
		reason = ReasonTerminated
	}

	for _, sub := range subs {
		r.drain(sub, reason, final)
	}

	if len(subs) > 0 {
		log.Info().
			Int("subscribers", len(subs)).
			Str("reason", reason.String()).
			Msg("Draining subscribers")
	}

	return len(subs)
}

func (r *Registry) drain(sub *Subscriber, reason CloseReason, final *changefeed.ChangeEvent) {
	sub.setReason(reason)
	sub.transition(StateActive, StateDraining)
	sub.queue.CloseDrain(final)
	telemetry.SubscribersActive.Dec()
}

// forEach calls fn for every registered subscriber under the read lock
func (r *Registry) forEach(fn func(*Subscriber)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, sub := range r.subscribers {
		fn(sub)
	}
}

// Get returns a registered subscriber
func (r *Registry) Get(id string) (*Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.subscribers[id]
	return sub, ok
}

// Len returns the number of registered subscribers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Closed reports whether the registry stopped accepting subscribers
func (r *Registry) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Stats returns a snapshot of every registered subscriber, oldest first
func (r *Registry) Stats() []SubscriberStats {
	stats := make([]SubscriberStats, 0, r.Len())
	r.forEach(func(sub *Subscriber) {
		stats = append(stats, SubscriberStats{
			ID:           sub.id,
			Label:        sub.label,
			State:        sub.State().String(),
			QueueDepth:   sub.queue.Len(),
			QueueCap:     sub.queue.Cap(),
			RegisteredAt: sub.registeredAt,
		})
	})

	sort.Slice(stats, func(i, j int) bool {
		return stats[i].RegisteredAt.Before(stats[j].RegisteredAt)
	})
	return stats
}

// QueueStats reports total queued events and the deepest queue
func (r *Registry) QueueStats() (queued, maxDepth int) {
	r.forEach(func(sub *Subscriber) {
		depth := sub.queue.Len()
		queued += depth
		if depth > maxDepth {
			maxDepth = depth
		}
	})
	return queued, maxDepth
}
