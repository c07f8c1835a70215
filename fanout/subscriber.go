package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/maxpert/firehose/changefeed"
)

// State is a subscriber lifecycle state. Transitions only move forward:
// Connecting -> Active -> {Draining | Closed}, Draining -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// CloseReason records why a subscriber left the registry
type CloseReason int32

const (
	ReasonNone       CloseReason = iota
	ReasonPeer                   // Transport unregistered it (peer close or write failure)
	ReasonEvicted                // Overflow policy disconnected it
	ReasonDrained                // Registry-initiated drain
	ReasonTerminated             // Feed failed permanently
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonPeer:
		return "peer"
	case ReasonEvicted:
		return "evicted"
	case ReasonDrained:
		return "drained"
	case ReasonTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("reason(%d)", int32(r))
	}
}

// Subscriber is a handle on one registered consumer of the feed
type Subscriber struct {
	id           string
	label        string
	queue        *DeliveryQueue
	state        atomic.Int32
	reason       atomic.Int32
	registeredAt time.Time
}

func newSubscriber(label string) *Subscriber {
	s := &Subscriber{
		id:    uuid.NewString(),
		label: label,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the unique subscriber ID
func (s *Subscriber) ID() string { return s.id }

// Label returns the caller-supplied description (remote address, relay name)
func (s *Subscriber) Label() string { return s.label }

// RegisteredAt returns the registration time
func (s *Subscriber) RegisteredAt() time.Time { return s.registeredAt }

// State returns the current lifecycle state
func (s *Subscriber) State() State { return State(s.state.Load()) }

// Reason returns why the subscriber left the registry, ReasonNone while registered
func (s *Subscriber) Reason() CloseReason { return CloseReason(s.reason.Load()) }

// QueueLen returns the number of buffered events
func (s *Subscriber) QueueLen() int { return s.queue.Len() }

// Next blocks for the next event. It returns ErrQueueDrained after a drain
// completes and ErrQueueClosed once the subscriber has been closed.
func (s *Subscriber) Next(ctx context.Context) (*changefeed.ChangeEvent, error) {
	ev, err := s.queue.Dequeue(ctx)
	if errors.Is(err, ErrQueueDrained) {
		s.state.Store(int32(StateClosed))
	}
	return ev, err
}

// Close discards queued events and marks the subscriber closed. It covers
// subscribers that already left the registry, such as a draining one whose
// peer went away. Returns false if the queue was already closed.
func (s *Subscriber) Close() bool {
	s.setReason(ReasonPeer)
	s.state.Store(int32(StateClosed))
	return s.queue.Close()
}

func (s *Subscriber) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// setReason keeps the first recorded reason
func (s *Subscriber) setReason(r CloseReason) {
	s.reason.CompareAndSwap(int32(ReasonNone), int32(r))
}
