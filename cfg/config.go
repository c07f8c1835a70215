package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// OverflowPolicy selects what happens when a subscriber queue is full
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop_oldest" // Drop the oldest buffered event and surface a gap
	OverflowDisconnect OverflowPolicy = "disconnect"  // Disconnect the subscriber outright
)

// StoreConfiguration selects and configures the record store backend
type StoreConfiguration struct {
	Backend          string `toml:"backend"`            // "mongo" or "pebble"
	URI              string `toml:"uri"`                // Mongo connection string
	Database         string `toml:"database"`           // Mongo database name
	Collection       string `toml:"collection"`         // Logical collection watched and ingested into
	DataDir          string `toml:"data_dir"`           // Pebble data directory
	RetainEntries    uint64 `toml:"retain_entries"`     // Pebble log entries kept per collection
	ConnectTimeoutMS int    `toml:"connect_timeout_ms"` // Store connect/ping timeout
}

// FeedConfiguration controls change feed reconnect behavior
type FeedConfiguration struct {
	BackoffBaseMS     int     `toml:"backoff_base_ms"`
	BackoffMaxMS      int     `toml:"backoff_max_ms"`
	BackoffJitter     float64 `toml:"backoff_jitter"` // Randomization factor in [0, 1)
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
}

// FanoutConfiguration controls per-subscriber queueing
type FanoutConfiguration struct {
	QueueCapacity  int            `toml:"queue_capacity"`
	OverflowPolicy OverflowPolicy `toml:"overflow_policy"`
	DedupeWindow   int            `toml:"dedupe_window"` // 0 disables redelivery suppression
}

// HTTPConfiguration for the ingest, history and live-update endpoints
type HTTPConfiguration struct {
	BindAddress         string   `toml:"bind_address"`
	Port                int      `toml:"port"`
	AllowedOrigins      []string `toml:"allowed_origins"` // Glob patterns, empty allows any origin
	PingIntervalSeconds int      `toml:"ping_interval_seconds"`
	PongTimeoutSeconds  int      `toml:"pong_timeout_seconds"`
	WriteTimeoutSeconds int      `toml:"write_timeout_seconds"`
}

// IngestConfiguration controls bulk CSV uploads
type IngestConfiguration struct {
	BatchSize   int `toml:"batch_size"`
	MaxUploadMB int `toml:"max_upload_mb"`
}

// HistoryConfiguration controls the paginated history endpoint
type HistoryConfiguration struct {
	DefaultLimit int `toml:"default_limit"`
	MaxLimit     int `toml:"max_limit"`
}

// RelayConfiguration describes a broker relay that subscribes to the feed
type RelayConfiguration struct {
	Name    string   `toml:"name"`
	Type    string   `toml:"type"` // "nats" or "kafka"
	NatsURL string   `toml:"nats_url"`
	Brokers []string `toml:"brokers"`
	Topic   string   `toml:"topic"` // Kafka topic or NATS subject
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	InstanceID string `toml:"instance_id"`

	Store      StoreConfiguration      `toml:"store"`
	Feed       FeedConfiguration       `toml:"feed"`
	Fanout     FanoutConfiguration     `toml:"fanout"`
	HTTP       HTTPConfiguration       `toml:"http"`
	Ingest     IngestConfiguration     `toml:"ingest"`
	History    HistoryConfiguration    `toml:"history"`
	Relays     []RelayConfiguration    `toml:"relays"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Pebble data directory (overrides config)")
	HTTPPortFlag   = flag.Int("http-port", 0, "HTTP port (overrides config)")
	StoreURIFlag   = flag.String("store-uri", "", "Store connection URI (overrides config)")
)

// Default configuration
var Config = Default()

// Default returns a fresh copy of the default configuration
func Default() *Configuration {
	return &Configuration{
		Store: StoreConfiguration{
			Backend:          "mongo",
			URI:              "mongodb://localhost:27017/?replicaSet=rs0",
			Database:         "firehose",
			Collection:       "complaints",
			DataDir:          "./firehose-data",
			RetainEntries:    100000,
			ConnectTimeoutMS: 10000,
		},

		Feed: FeedConfiguration{
			BackoffBaseMS:     1000,  // 1s first retry
			BackoffMaxMS:      30000, // 30s cap
			BackoffJitter:     0.5,
			BackoffMultiplier: 2.0,
		},

		Fanout: FanoutConfiguration{
			QueueCapacity:  256,
			OverflowPolicy: OverflowDropOldest,
			DedupeWindow:   0,
		},

		HTTP: HTTPConfiguration{
			BindAddress:         "0.0.0.0",
			Port:                8000,
			AllowedOrigins:      []string{},
			PingIntervalSeconds: 30,
			PongTimeoutSeconds:  60,
			WriteTimeoutSeconds: 10,
		},

		Ingest: IngestConfiguration{
			BatchSize:   1000,
			MaxUploadMB: 64,
		},

		History: HistoryConfiguration{
			DefaultLimit: 100,
			MaxLimit:     1000,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.Store.DataDir = *DataDirFlag
	}
	if *HTTPPortFlag != 0 {
		Config.HTTP.Port = *HTTPPortFlag
	}
	if *StoreURIFlag != "" {
		Config.Store.URI = *StoreURIFlag
	}

	if Config.InstanceID == "" {
		id, err := generateInstanceID()
		if err != nil {
			return fmt.Errorf("failed to generate instance ID: %w", err)
		}
		Config.InstanceID = id
		log.Info().Str("instance_id", Config.InstanceID).Msg("Auto-generated instance ID")
	}

	if Config.Store.Backend == "pebble" {
		if err := os.MkdirAll(Config.Store.DataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	return nil
}

// generateInstanceID derives a stable instance ID from the machine ID
func generateInstanceID() (string, error) {
	id, err := machineid.ProtectedID("firehose")
	if err != nil {
		return "", err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return strconv.FormatUint(h.Sum64(), 16), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Store.Backend {
	case "mongo":
		if Config.Store.URI == "" {
			return fmt.Errorf("store uri is required for mongo backend")
		}
		if Config.Store.Database == "" {
			return fmt.Errorf("store database is required for mongo backend")
		}
	case "pebble":
		if Config.Store.DataDir == "" {
			return fmt.Errorf("store data_dir is required for pebble backend")
		}
	default:
		return fmt.Errorf("unknown store backend: %q", Config.Store.Backend)
	}

	if Config.Store.Collection == "" {
		return fmt.Errorf("store collection is required")
	}

	if Config.Store.ConnectTimeoutMS < 1 {
		return fmt.Errorf("store connect timeout must be >= 1ms")
	}

	// Validate feed backoff
	if Config.Feed.BackoffBaseMS < 1 {
		return fmt.Errorf("feed backoff base must be >= 1ms")
	}

	if Config.Feed.BackoffMaxMS < Config.Feed.BackoffBaseMS {
		return fmt.Errorf("feed backoff max (%dms) must be >= base (%dms)", Config.Feed.BackoffMaxMS, Config.Feed.BackoffBaseMS)
	}

	if Config.Feed.BackoffJitter < 0 || Config.Feed.BackoffJitter >= 1 {
		return fmt.Errorf("feed backoff jitter must be in [0, 1)")
	}

	if Config.Feed.BackoffMultiplier < 1 {
		return fmt.Errorf("feed backoff multiplier must be >= 1")
	}

	// Validate fan-out
	if Config.Fanout.QueueCapacity < 1 {
		return fmt.Errorf("fanout queue capacity must be >= 1")
	}

	switch Config.Fanout.OverflowPolicy {
	case OverflowDropOldest, OverflowDisconnect:
	default:
		return fmt.Errorf("invalid overflow policy: %s", Config.Fanout.OverflowPolicy)
	}

	if Config.Fanout.DedupeWindow < 0 {
		return fmt.Errorf("fanout dedupe window must be >= 0")
	}

	// Validate HTTP
	if Config.HTTP.Port < 1 || Config.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", Config.HTTP.Port)
	}

	if Config.HTTP.PingIntervalSeconds < 1 {
		return fmt.Errorf("http ping interval must be >= 1 second")
	}

	if Config.HTTP.PongTimeoutSeconds <= Config.HTTP.PingIntervalSeconds {
		return fmt.Errorf("http pong timeout must be greater than ping interval")
	}

	if Config.HTTP.WriteTimeoutSeconds < 1 {
		return fmt.Errorf("http write timeout must be >= 1 second")
	}

	if Config.Ingest.BatchSize < 1 {
		return fmt.Errorf("ingest batch size must be >= 1")
	}

	if Config.Ingest.MaxUploadMB < 1 {
		return fmt.Errorf("ingest max upload must be >= 1MB")
	}

	if Config.History.DefaultLimit < 1 || Config.History.MaxLimit < Config.History.DefaultLimit {
		return fmt.Errorf("history limits must satisfy 1 <= default_limit <= max_limit")
	}

	// Validate relays
	names := make(map[string]bool, len(Config.Relays))
	for _, relay := range Config.Relays {
		if relay.Name == "" {
			return fmt.Errorf("relay name is required")
		}
		if names[relay.Name] {
			return fmt.Errorf("duplicate relay name: %s", relay.Name)
		}
		names[relay.Name] = true

		if relay.Topic == "" {
			return fmt.Errorf("relay %s requires a topic", relay.Name)
		}
	}

	return nil
}
