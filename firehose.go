package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/maxpert/firehose/api"
	"github.com/maxpert/firehose/cfg"
	"github.com/maxpert/firehose/changefeed"
	"github.com/maxpert/firehose/fanout"
	"github.com/maxpert/firehose/store"
	_ "github.com/maxpert/firehose/store/mongostore"
	_ "github.com/maxpert/firehose/store/pebblestore"
	"github.com/maxpert/firehose/telemetry"
	"github.com/maxpert/firehose/transport"
	_ "github.com/maxpert/firehose/transport/sink"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	shutdownTimeout        = 15 * time.Second
	metricsCollectInterval = 5 * time.Second
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Firehose - change feed fan-out")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Firehose stopped")
	}
	log.Info().Msg("Firehose stopped")
}

// run wires the pipeline and blocks until ctx ends or the feed fails
func run(ctx context.Context) error {
	// Store
	log.Info().Str("backend", cfg.Config.Store.Backend).Msg("Opening record store")
	st, err := store.Open(ctx, cfg.Config.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to close record store")
		}
	}()

	// Fan-out
	registry := fanout.NewRegistry(cfg.Config.Fanout.QueueCapacity)
	broadcaster, err := fanout.NewBroadcaster(fanout.BroadcasterConfig{
		Registry:     registry,
		Policy:       cfg.Config.Fanout.OverflowPolicy,
		DedupeWindow: cfg.Config.Fanout.DedupeWindow,
	})
	if err != nil {
		return err
	}

	collector := telemetry.NewMetricsCollector(registry, metricsCollectInterval)
	collector.Start()
	defer collector.Stop()

	// Change feed
	backoff := changefeed.BackoffFromConfig(cfg.Config.Feed)
	watcher, err := changefeed.NewWatcher(changefeed.WatcherConfig{
		Source: st,
		Filter: store.Filter{
			Collection: cfg.Config.Store.Collection,
			Operations: []store.Operation{store.OpInsert},
		},
		Backoff: backoff,
	})
	if err != nil {
		return err
	}

	// Relays
	relays, err := transport.NewRelayManager(registry, cfg.Config.Relays, backoff)
	if err != nil {
		return err
	}
	relayCtx, stopRelays := context.WithCancel(context.Background())
	defer stopRelays()
	relays.Start(relayCtx)

	// HTTP
	handlers, err := api.NewHandlers(api.Config{
		Store:               st,
		Collection:          cfg.Config.Store.Collection,
		Registry:            registry,
		Relays:              relays,
		Feed:                watcher,
		Metrics:             telemetry.GetMetricsHandler(),
		IngestBatchSize:     cfg.Config.Ingest.BatchSize,
		MaxUploadBytes:      int64(cfg.Config.Ingest.MaxUploadMB) << 20,
		HistoryDefaultLimit: cfg.Config.History.DefaultLimit,
		HistoryMaxLimit:     cfg.Config.History.MaxLimit,
		AllowedOrigins:      cfg.Config.HTTP.AllowedOrigins,
		WebSocket: transport.WebSocketConfig{
			PingInterval: time.Duration(cfg.Config.HTTP.PingIntervalSeconds) * time.Second,
			PongTimeout:  time.Duration(cfg.Config.HTTP.PongTimeoutSeconds) * time.Second,
			WriteTimeout: time.Duration(cfg.Config.HTTP.WriteTimeoutSeconds) * time.Second,
		},
	})
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(cfg.Config.HTTP.BindAddress, strconv.Itoa(cfg.Config.HTTP.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(handlers),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("address", addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	feedCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	feedErr := make(chan error, 1)
	go func() {
		feedErr <- broadcaster.Run(feedCtx, watcher, store.Cursor{})
	}()

	log.Info().
		Str("collection", cfg.Config.Store.Collection).
		Int("queue_capacity", cfg.Config.Fanout.QueueCapacity).
		Str("overflow_policy", string(cfg.Config.Fanout.OverflowPolicy)).
		Int("relays", len(cfg.Config.Relays)).
		Msg("Firehose started")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-feedErr:
		// A fatal feed error has already delivered Terminal to every subscriber
		var fatal *changefeed.FatalFeedError
		if errors.As(err, &fatal) {
			runErr = err
		} else if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
		feedErr <- nil
	case err, ok := <-serverErr:
		if ok && err != nil {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdown(server, registry, relays, stopFeed, stopRelays, feedErr, watcher)
	return runErr
}

// shutdown stops intake first, then drains subscribers so each one receives
// its queued events before a going-away close
func shutdown(server *http.Server, registry *fanout.Registry, relays *transport.RelayManager,
	stopFeed, stopRelays context.CancelFunc, feedErr <-chan error, watcher *changefeed.Watcher) {
	stopFeed()
	<-feedErr

	drained := registry.DrainAll(nil)
	log.Info().
		Int("subscribers", drained).
		Str("position", watcher.Position().String()).
		Msg("Draining subscribers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	relaysDone := make(chan struct{})
	go func() {
		relays.Wait()
		close(relaysDone)
	}()
	select {
	case <-relaysDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("Relays did not drain in time")
		stopRelays()
		<-relaysDone
	}
	relays.Close()
}
