package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maxpert/firehose/cfg"
	"github.com/maxpert/firehose/changefeed"
	"github.com/maxpert/firehose/fanout"
	"github.com/maxpert/firehose/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// GapResubscribed marks events a relay missed between two sessions
const GapResubscribed = "relay_resubscribed"

// Publisher writes encoded events to a message broker
type Publisher interface {
	// Publish sends one message; key identifies the event (record ID @ sequence)
	Publish(ctx context.Context, key string, value []byte) error
	Close() error
}

// PublisherFactory creates a Publisher from relay configuration
type PublisherFactory func(cfg.RelayConfiguration) (Publisher, error)

var (
	publisherFactories = make(map[string]PublisherFactory)
	factoryMu          sync.RWMutex
)

// RegisterPublisher registers a publisher factory for a relay type
func RegisterPublisher(relayType string, factory PublisherFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	publisherFactories[relayType] = factory
}

// NewPublisher creates the publisher for a relay configuration
func NewPublisher(config cfg.RelayConfiguration) (Publisher, error) {
	factoryMu.RLock()
	factory, exists := publisherFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown relay type: %s", config.Type)
	}

	return factory(config)
}

// publisherConn adapts a Publisher to Conn. Brokers have no peer close, so
// Done only fires once the relay closes the connection.
type publisherConn struct {
	pub  Publisher
	done chan struct{}
	once sync.Once
}

func newPublisherConn(pub Publisher) *publisherConn {
	return &publisherConn{pub: pub, done: make(chan struct{})}
}

func (c *publisherConn) Send(ctx context.Context, ev *changefeed.ChangeEvent) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}

	key := ev.Kind.String()
	if ev.Kind == changefeed.KindRecord {
		key = ev.Key()
	}
	return c.pub.Publish(ctx, key, data)
}

func (c *publisherConn) Close(code CloseCode, reason string) error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *publisherConn) Done() <-chan struct{} {
	return c.done
}

// RelayStatus is a point-in-time view of one relay
type RelayStatus struct {
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	State     string    `json:"state"`
	Restarts  int       `json:"restarts"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Relay states
const (
	RelayRunning = "running"
	RelayBackoff = "backoff"
	RelayStopped = "stopped"
)

// RelayConfig configures a relay
type RelayConfig struct {
	Name      string
	Type      string
	Publisher Publisher
	Registry  *fanout.Registry
	Backoff   changefeed.Backoff
}

// Relay forwards the live feed to a broker. It acts as a reconnecting
// client: when its session ends on a write failure or eviction it
// re-registers after a backoff delay, publishing a gap marker first.
type Relay struct {
	config   RelayConfig
	statuses *xsync.MapOf[string, RelayStatus]
}

// Run supervises sessions until ctx ends or the registry is drained
func (r *Relay) Run(ctx context.Context) error {
	bo := r.config.Backoff.NewExponentialBackOff()

	restarts := 0
	resumed := false

	for {
		sub, err := r.config.Registry.Register("relay:" + r.config.Name)
		if errors.Is(err, fanout.ErrRegistryClosed) {
			r.setStatus(RelayStopped, restarts, nil)
			return nil
		}
		if err != nil {
			return fmt.Errorf("relay %s failed to register: %w", r.config.Name, err)
		}

		conn := newPublisherConn(r.config.Publisher)
		if resumed {
			// Downstream consumers learn that events were missed
			if err := conn.Send(ctx, changefeed.NewGapEvent(GapResubscribed, 0)); err != nil {
				log.Debug().Err(err).Str("relay", r.config.Name).Msg("Failed to publish gap marker")
			}
		}

		r.setStatus(RelayRunning, restarts, nil)
		started := time.Now()
		err = NewSession(r.config.Registry, sub, conn, "relay").Run(ctx)

		if ctx.Err() != nil {
			r.setStatus(RelayStopped, restarts, nil)
			return ctx.Err()
		}
		if err == nil {
			// Drained by shutdown or terminal feed failure
			r.setStatus(RelayStopped, restarts, nil)
			return nil
		}

		if time.Since(started) > r.config.Backoff.Max {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		if delay == backoff.Stop || delay > r.config.Backoff.Max {
			delay = r.config.Backoff.Max
		}

		restarts++
		resumed = true
		r.setStatus(RelayBackoff, restarts, err)
		telemetry.RelayRestartsTotal.With(r.config.Name).Inc()

		log.Warn().
			Err(err).
			Str("relay", r.config.Name).
			Int("restarts", restarts).
			Dur("backoff", delay).
			Msg("Relay session ended, resubscribing")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			r.setStatus(RelayStopped, restarts, nil)
			return ctx.Err()
		}
	}
}

func (r *Relay) setStatus(state string, restarts int, err error) {
	status := RelayStatus{
		Name:     r.config.Name,
		Type:     r.config.Type,
		State:    state,
		Restarts: restarts,
		Since:    time.Now(),
	}
	if err != nil {
		status.LastError = err.Error()
	} else if prev, ok := r.statuses.Load(r.config.Name); ok {
		status.LastError = prev.LastError
	}
	r.statuses.Store(r.config.Name, status)
}

// RelayManager owns every configured relay
type RelayManager struct {
	relays   []*Relay
	statuses *xsync.MapOf[string, RelayStatus]
	wg       sync.WaitGroup
}

// NewRelayManager creates a publisher and relay for each configuration
func NewRelayManager(registry *fanout.Registry, configs []cfg.RelayConfiguration, bo changefeed.Backoff) (*RelayManager, error) {
	m := &RelayManager{
		relays:   make([]*Relay, 0, len(configs)),
		statuses: xsync.NewMapOf[string, RelayStatus](),
	}

	for _, rc := range configs {
		pub, err := NewPublisher(rc)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("failed to create relay %q: %w", rc.Name, err)
		}
		m.Add(RelayConfig{
			Name:      rc.Name,
			Type:      rc.Type,
			Publisher: pub,
			Registry:  registry,
			Backoff:   bo,
		})

		log.Info().
			Str("relay", rc.Name).
			Str("type", rc.Type).
			Str("topic", rc.Topic).
			Msg("Added relay")
	}

	return m, nil
}

// Add registers a relay with the manager
func (m *RelayManager) Add(config RelayConfig) *Relay {
	r := &Relay{config: config, statuses: m.statuses}
	m.relays = append(m.relays, r)
	return r
}

// Start runs every relay on its own goroutine
func (m *RelayManager) Start(ctx context.Context) {
	for _, r := range m.relays {
		m.wg.Add(1)
		go func(r *Relay) {
			defer m.wg.Done()
			if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("relay", r.config.Name).Msg("Relay stopped")
			}
		}(r)
	}
}

// Wait blocks until every relay has stopped
func (m *RelayManager) Wait() {
	m.wg.Wait()
}

// Status returns every relay's status ordered by name
func (m *RelayManager) Status() []RelayStatus {
	out := make([]RelayStatus, 0, m.statuses.Size())
	m.statuses.Range(func(_ string, status RelayStatus) bool {
		out = append(out, status)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close releases every publisher. Call after Wait.
func (m *RelayManager) Close() {
	for _, r := range m.relays {
		if err := r.config.Publisher.Close(); err != nil {
			log.Warn().Err(err).Str("relay", r.config.Name).Msg("Failed to close relay publisher")
		}
	}
}
