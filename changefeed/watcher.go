package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/maxpert/firehose/cfg"
	"github.com/maxpert/firehose/store"
	"github.com/maxpert/firehose/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default first reconnect delay
	DefaultBackoffBase = time.Second
	// Default reconnect delay cap
	DefaultBackoffMax = 30 * time.Second
	// Default randomization factor applied to each delay
	DefaultBackoffJitter = 0.5
	// Default exponential backoff multiplier
	DefaultBackoffMultiplier = 2.0
)

// Backoff configures reconnect delays
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Jitter     float64 // Randomization factor in [0, 1)
	Multiplier float64
}

// BackoffFromConfig converts the feed configuration section
func BackoffFromConfig(c cfg.FeedConfiguration) Backoff {
	return Backoff{
		Base:       time.Duration(c.BackoffBaseMS) * time.Millisecond,
		Max:        time.Duration(c.BackoffMaxMS) * time.Millisecond,
		Jitter:     c.BackoffJitter,
		Multiplier: c.BackoffMultiplier,
	}
}

// NewExponentialBackOff builds a retry-forever schedule
func (b Backoff) NewExponentialBackOff() *backoff.ExponentialBackOff {
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     b.Base,
		RandomizationFactor: b.Jitter,
		Multiplier:          b.Multiplier,
		MaxInterval:         b.Max,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()
	return bo
}

// WatcherConfig configures a change feed watcher
type WatcherConfig struct {
	Source  store.Store  // Store whose change log is read
	Filter  store.Filter // Entries outside the filter advance the cursor silently
	Backoff Backoff      // Reconnect schedule
}

// Watcher owns the live read over a store change log and its resume cursor
type Watcher struct {
	config   WatcherConfig
	started  atomic.Bool
	position atomic.Value // store.Cursor, last advanced position
}

// NewWatcher creates a change feed watcher
func NewWatcher(config WatcherConfig) (*Watcher, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("change feed source is required")
	}

	if config.Backoff.Base <= 0 {
		config.Backoff.Base = DefaultBackoffBase
	}
	if config.Backoff.Max <= 0 {
		config.Backoff.Max = DefaultBackoffMax
	}
	if config.Backoff.Max < config.Backoff.Base {
		return nil, fmt.Errorf("backoff max %s is below base %s", config.Backoff.Max, config.Backoff.Base)
	}
	if config.Backoff.Jitter < 0 || config.Backoff.Jitter >= 1 {
		return nil, fmt.Errorf("backoff jitter must be in [0, 1)")
	}
	if config.Backoff.Multiplier < 1 {
		config.Backoff.Multiplier = DefaultBackoffMultiplier
	}

	w := &Watcher{config: config}
	w.position.Store(store.Cursor{})
	return w, nil
}

// Position returns the last cursor the watcher advanced past
func (w *Watcher) Position() store.Cursor {
	return w.position.Load().(store.Cursor)
}

// Run reads the change log starting after from (the zero cursor means "now")
// and calls handle for every event, in log order, on the calling goroutine.
// The cursor advances past an event only once handle returns.
//
// Run blocks until the context ends (returning ctx.Err()) or the store
// reports a non-retryable failure (returning *FatalFeedError). A Watcher
// can be run only once.
func (w *Watcher) Run(ctx context.Context, from store.Cursor, handle func(*ChangeEvent)) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrWatcherStarted
	}

	cursor := from
	w.position.Store(cursor)
	bo := w.config.Backoff.NewExponentialBackOff()
	attempt := 0

	log.Info().
		Str("collection", w.config.Filter.Collection).
		Str("cursor", cursor.String()).
		Msg("Starting change feed watcher")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		consumed, err := w.readStream(ctx, &cursor, handle)
		if consumed {
			bo.Reset()
			attempt = 0
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		switch {
		case errors.Is(err, store.ErrFatal):
			log.Error().Err(err).Str("cursor", cursor.String()).Msg("Change feed failed permanently")
			return &FatalFeedError{Err: err}

		case errors.Is(err, store.ErrCursorExpired) && !cursor.IsZero():
			log.Warn().
				Err(err).
				Str("cursor", cursor.String()).
				Msg("Resume cursor expired, restarting change feed from now")

			telemetry.FeedReconnectsTotal.With("cursor_expired").Inc()
			telemetry.FeedEventsTotal.With(KindGap.String()).Inc()

			cursor = store.Cursor{}
			handle(NewGapEvent(GapCursorExpired, 0))
			w.position.Store(cursor)

		default:
			delay := nextDelay(bo, w.config.Backoff.Max)
			attempt++

			log.Warn().
				Err(err).
				Str("cursor", cursor.String()).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Change stream interrupted, reconnecting")

			telemetry.FeedReconnectsTotal.With("transient").Inc()

			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
}

// readStream consumes one change stream until it fails and reports whether
// any entry was read
func (w *Watcher) readStream(ctx context.Context, cursor *store.Cursor, handle func(*ChangeEvent)) (bool, error) {
	stream, err := w.config.Source.OpenChangeStream(ctx, w.config.Filter, *cursor)
	if err != nil {
		return false, fmt.Errorf("failed to open change stream: %w", err)
	}
	defer func() {
		if err := stream.Close(context.Background()); err != nil {
			log.Debug().Err(err).Msg("Failed to close change stream")
		}
	}()

	// Pin the opening position so a failure before the first entry resumes
	// here instead of at a later "now"
	w.advance(cursor, stream.Position())

	consumed := false
	for stream.Next(ctx) {
		entry := stream.Entry()

		consumed = true

		if !w.config.Filter.Match(entry) {
			telemetry.FeedFilteredTotal.Inc()
			*cursor = entry.Cursor
			w.position.Store(*cursor)
			continue
		}

		handle(NewRecordEvent(entry, time.Now()))
		*cursor = entry.Cursor
		w.position.Store(*cursor)

		telemetry.FeedEventsTotal.With(KindRecord.String()).Inc()
		telemetry.FeedLastEventTimestamp.SetToCurrentTime()
	}

	w.advance(cursor, stream.Position())

	if err := stream.Err(); err != nil {
		return consumed, err
	}
	return consumed, errStreamEnded
}

// advance moves the cursor to a position reported by the stream. Zero
// positions and positions behind the cursor are ignored.
func (w *Watcher) advance(cursor *store.Cursor, pos store.Cursor) {
	if pos.IsZero() || (!cursor.IsZero() && !cursor.Before(pos)) {
		return
	}
	*cursor = pos
	w.position.Store(pos)
}

// nextDelay draws the next randomized delay, never above max
func nextDelay(bo *backoff.ExponentialBackOff, max time.Duration) time.Duration {
	delay := bo.NextBackOff()
	if delay == backoff.Stop || delay > max {
		delay = max
	}
	return delay
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
