package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/firehose/cfg"
	"github.com/maxpert/firehose/changefeed"
	"github.com/maxpert/firehose/store"
	"github.com/maxpert/firehose/telemetry"
	"github.com/rs/zerolog/log"
)

// Feed produces change events, calling handle for each in order
type Feed interface {
	Run(ctx context.Context, from store.Cursor, handle func(*changefeed.ChangeEvent)) error
}

// BroadcasterConfig configures a broadcaster
type BroadcasterConfig struct {
	Registry     *Registry
	Policy       cfg.OverflowPolicy // Defaults to drop-oldest
	DedupeWindow int                // Recently seen record keys to suppress, 0 disables
}

// Broadcaster hands every event to every registered subscriber
type Broadcaster struct {
	registry   *Registry
	policy     cfg.OverflowPolicy
	dedupe     *lru.Cache[uint64, struct{}]
	published  atomic.Uint64
	terminated atomic.Bool
}

// NewBroadcaster creates a broadcaster over a registry
func NewBroadcaster(config BroadcasterConfig) (*Broadcaster, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	switch config.Policy {
	case "":
		config.Policy = cfg.OverflowDropOldest
	case cfg.OverflowDropOldest, cfg.OverflowDisconnect:
	default:
		return nil, fmt.Errorf("invalid overflow policy: %s", config.Policy)
	}

	b := &Broadcaster{
		registry: config.Registry,
		policy:   config.Policy,
	}

	if config.DedupeWindow > 0 {
		cache, err := lru.New[uint64, struct{}](config.DedupeWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to create dedupe window: %w", err)
		}
		b.dedupe = cache
	}

	return b, nil
}

// Publish offers ev to every registered subscriber. It never blocks:
// overflow is resolved per subscriber by the configured policy.
func (b *Broadcaster) Publish(ev *changefeed.ChangeEvent) {
	if b.dedupe != nil && ev.Kind == changefeed.KindRecord {
		if seen, _ := b.dedupe.ContainsOrAdd(xxhash.Sum64String(ev.Key()), struct{}{}); seen {
			telemetry.DedupeSuppressedTotal.Inc()
			log.Debug().Str("key", ev.Key()).Msg("Suppressed redelivered event")
			return
		}
	}

	var victims []string
	b.registry.forEach(func(sub *Subscriber) {
		switch sub.queue.Offer(ev, b.policy) {
		case OfferDroppedOldest:
			telemetry.SubscriberOverflowTotal.With(string(cfg.OverflowDropOldest)).Inc()
		case OfferRejected:
			victims = append(victims, sub.id)
		}
	})

	// Evict outside the read lock
	for _, id := range victims {
		if b.registry.Evict(id) {
			telemetry.SubscriberOverflowTotal.With(string(cfg.OverflowDisconnect)).Inc()
			log.Warn().Str("subscriber", id).Msg("Disconnecting subscriber that fell behind")
		}
	}

	b.published.Add(1)
}

// Published returns the number of events published
func (b *Broadcaster) Published() uint64 {
	return b.published.Load()
}

// Run drives feed into Publish until the feed stops. A fatal feed failure is
// surfaced to every subscriber as a terminal marker before Run returns it.
func (b *Broadcaster) Run(ctx context.Context, feed Feed, from store.Cursor) error {
	err := feed.Run(ctx, from, b.Publish)

	var fatal *changefeed.FatalFeedError
	if errors.As(err, &fatal) {
		b.Terminate(err)
	}
	return err
}

// Terminate hands every subscriber a terminal marker after its queued events
// and closes the registry. Only the first call has an effect.
func (b *Broadcaster) Terminate(cause error) {
	if !b.terminated.CompareAndSwap(false, true) {
		return
	}

	telemetry.FeedEventsTotal.With(changefeed.KindTerminal.String()).Inc()
	n := b.registry.DrainAll(changefeed.NewTerminalEvent(cause))

	log.Error().
		Err(cause).
		Int("subscribers", n).
		Msg("Change feed terminated, subscribers notified")
}
