// Package transport pumps subscriber queues to live connections.
//
// A Session owns one subscriber. It forwards events in order, never retries
// a failed write, and unregisters its subscriber exactly once when it ends.
// Conn implementations exist for WebSocket viewers and broker relays.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/firehose/changefeed"
	"github.com/maxpert/firehose/fanout"
	"github.com/maxpert/firehose/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrTransportWrite wraps a failed send; the session has been unregistered
	ErrTransportWrite = errors.New("transport write failed")
	// ErrEvicted means the overflow policy disconnected the subscriber
	ErrEvicted = errors.New("subscriber evicted")
)

// CloseCode tells the peer why a session ended. Values follow WebSocket close codes.
type CloseCode int

const (
	CloseNormal        CloseCode = 1000 // Peer went away or the transport failed
	CloseGoingAway     CloseCode = 1001 // Server drain or shutdown
	CloseInternalError CloseCode = 1011 // The change feed failed permanently
	CloseTryAgainLater CloseCode = 1013 // Subscriber fell behind and was disconnected
)

// Conn is one live client connection
type Conn interface {
	// Send writes one event to the client
	Send(ctx context.Context, ev *changefeed.ChangeEvent) error
	// Close ends the connection, telling the peer why when possible. Idempotent.
	Close(code CloseCode, reason string) error
	// Done is closed once the peer has gone away
	Done() <-chan struct{}
}

// Unregisterer removes subscribers from the fan-out registry
type Unregisterer interface {
	Unregister(id string) bool
}

// Session pumps one subscriber's queue to its connection
type Session struct {
	registry  Unregisterer
	sub       *fanout.Subscriber
	conn      Conn
	transport string // Metrics label
	once      sync.Once
}

// NewSession creates a session for a registered subscriber
func NewSession(registry Unregisterer, sub *fanout.Subscriber, conn Conn, transport string) *Session {
	return &Session{
		registry:  registry,
		sub:       sub,
		conn:      conn,
		transport: transport,
	}
}

// Run delivers events until the subscriber or connection ends. It returns nil
// when the peer went away or the subscriber was drained, ErrTransportWrite on
// a failed send, ErrEvicted when the overflow policy dropped the subscriber
// and ctx.Err() when ctx ends first.
func (s *Session) Run(ctx context.Context) error {
	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.unregister()

	// Peer close releases the pump while it waits on an empty queue
	go func() {
		select {
		case <-s.conn.Done():
			cancel()
		case <-pumpCtx.Done():
		}
	}()

	terminal := false
	for {
		ev, err := s.sub.Next(pumpCtx)
		if err != nil {
			return s.finish(ctx, err, terminal)
		}

		start := time.Now()
		if err := s.conn.Send(pumpCtx, ev); err != nil {
			s.closeConn(CloseNormal, "")
			telemetry.SessionClosesTotal.With("write_error").Inc()
			return fmt.Errorf("%w: %v", ErrTransportWrite, err)
		}
		telemetry.SendDurationSeconds.Observe(time.Since(start).Seconds())
		telemetry.EventsDeliveredTotal.With(s.transport).Inc()

		if ev.Kind == changefeed.KindTerminal {
			terminal = true
		}
	}
}

// finish maps the reason the queue stopped yielding events to a close
func (s *Session) finish(parent context.Context, err error, terminal bool) error {
	switch {
	case errors.Is(err, fanout.ErrQueueDrained):
		if terminal {
			s.closeConn(CloseInternalError, "change feed terminated")
			telemetry.SessionClosesTotal.With("terminated").Inc()
		} else {
			s.closeConn(CloseGoingAway, "server shutting down")
			telemetry.SessionClosesTotal.With("drained").Inc()
		}
		return nil

	case errors.Is(err, fanout.ErrQueueClosed):
		if s.sub.Reason() == fanout.ReasonEvicted {
			s.closeConn(CloseTryAgainLater, "subscriber fell behind")
			telemetry.SessionClosesTotal.With("evicted").Inc()
			return ErrEvicted
		}
		s.closeConn(CloseNormal, "")
		telemetry.SessionClosesTotal.With("peer").Inc()
		return nil

	case parent.Err() != nil:
		s.closeConn(CloseGoingAway, "server shutting down")
		telemetry.SessionClosesTotal.With("cancelled").Inc()
		return parent.Err()

	default:
		// Peer went away while the queue was empty
		s.closeConn(CloseNormal, "")
		telemetry.SessionClosesTotal.With("peer").Inc()
		return nil
	}
}

func (s *Session) closeConn(code CloseCode, reason string) {
	if err := s.conn.Close(code, reason); err != nil {
		log.Debug().Err(err).Str("subscriber", s.sub.ID()).Msg("Failed to close connection")
	}
}

func (s *Session) unregister() {
	s.once.Do(func() {
		if !s.registry.Unregister(s.sub.ID()) {
			// Already drained out of the registry; drop what is left
			s.sub.Close()
		}
		log.Debug().
			Str("subscriber", s.sub.ID()).
			Str("label", s.sub.Label()).
			Str("transport", s.transport).
			Msg("Session ended")
	})
}
