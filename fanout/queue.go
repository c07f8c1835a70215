package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/maxpert/firehose/cfg"
	"github.com/maxpert/firehose/changefeed"
)

var (
	// ErrQueueClosed is returned by Dequeue after the queue was closed and its events discarded
	ErrQueueClosed = errors.New("delivery queue closed")
	// ErrQueueDrained is returned by Dequeue once a draining queue has been emptied
	ErrQueueDrained = errors.New("delivery queue drained")
)

// OfferResult reports how a queue handled an offered event
type OfferResult int

const (
	OfferAccepted      OfferResult = iota // Event buffered
	OfferDroppedOldest                    // Event buffered after evicting the oldest one
	OfferRejected                         // Queue full under the disconnect policy
	OfferClosed                           // Queue no longer accepts events
)

type queueState int

const (
	queueOpen queueState = iota
	queueDraining
	queueClosed
)

// DeliveryQueue is a bounded FIFO between the broadcaster and one subscriber.
// Offer never blocks. Dequeue supports a single consumer.
//
// When the drop-oldest policy evicts events, the queue remembers how many were
// lost and surfaces one gap marker ahead of the oldest surviving event. The
// marker does not occupy a slot, so Len never exceeds the capacity.
type DeliveryQueue struct {
	mu       sync.Mutex
	buf      []*changefeed.ChangeEvent // Ring buffer
	head     int
	size     int
	dropped  int  // Events evicted since the last gap marker
	gap      bool // A gap marker is pending
	state    queueState
	final    *changefeed.ChangeEvent // Delivered last while draining
	signal   chan struct{}           // Wakes the consumer, capacity 1
	capacity int
}

// NewDeliveryQueue creates a queue holding at most capacity events
func NewDeliveryQueue(capacity int) *DeliveryQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &DeliveryQueue{
		buf:      make([]*changefeed.ChangeEvent, capacity),
		signal:   make(chan struct{}, 1),
		capacity: capacity,
	}
}

// Offer enqueues ev, resolving overflow with policy
func (q *DeliveryQueue) Offer(ev *changefeed.ChangeEvent, policy cfg.OverflowPolicy) OfferResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != queueOpen {
		return OfferClosed
	}

	result := OfferAccepted
	if q.size == q.capacity {
		if policy == cfg.OverflowDisconnect {
			return OfferRejected
		}
		q.pop()
		q.dropped++
		q.gap = true
		result = OfferDroppedOldest
	}

	q.buf[(q.head+q.size)%q.capacity] = ev
	q.size++
	q.wake()
	return result
}

// Dequeue blocks until an event is available, the queue closes or ctx ends.
// A pending gap marker is returned before any buffered event.
func (q *DeliveryQueue) Dequeue(ctx context.Context) (*changefeed.ChangeEvent, error) {
	for {
		q.mu.Lock()
		switch {
		case q.state == queueClosed:
			q.mu.Unlock()
			return nil, ErrQueueClosed

		case q.gap:
			dropped := q.dropped
			q.gap = false
			q.dropped = 0
			q.mu.Unlock()
			return changefeed.NewGapEvent(changefeed.GapOverflow, dropped), nil

		case q.size > 0:
			ev := q.pop()
			q.mu.Unlock()
			return ev, nil

		case q.state == queueDraining:
			if final := q.final; final != nil {
				q.final = nil
				q.mu.Unlock()
				return final, nil
			}
			q.state = queueClosed
			q.mu.Unlock()
			return nil, ErrQueueDrained
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// CloseDrain stops accepting events. Buffered events, then final (if not nil),
// are still handed out before Dequeue reports ErrQueueDrained.
func (q *DeliveryQueue) CloseDrain(final *changefeed.ChangeEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != queueOpen {
		return false
	}
	q.state = queueDraining
	q.final = final
	q.wake()
	return true
}

// Close discards buffered events and releases a blocked Dequeue
func (q *DeliveryQueue) Close() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == queueClosed {
		return false
	}
	q.state = queueClosed
	for i := range q.buf {
		q.buf[i] = nil
	}
	q.size = 0
	q.final = nil
	q.gap = false
	q.wake()
	return true
}

// Len returns the number of buffered events
func (q *DeliveryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Cap returns the queue capacity
func (q *DeliveryQueue) Cap() int {
	return q.capacity
}

// pop removes the head. Called with mu held and size > 0.
func (q *DeliveryQueue) pop() *changefeed.ChangeEvent {
	ev := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % q.capacity
	q.size--
	return ev
}

func (q *DeliveryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
