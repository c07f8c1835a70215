// Package sink provides broker publishers for feed relays. Importing it
// registers the "nats" and "kafka" relay types.
package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/firehose/cfg"
	"github.com/maxpert/firehose/transport"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// DefaultNatsPublishTimeout bounds a single publish when the caller has no deadline
	DefaultNatsPublishTimeout = 5 * time.Second
	// DefaultNatsStreamMaxAge is the retention of auto-created streams
	DefaultNatsStreamMaxAge = 24 * time.Hour
)

func init() {
	transport.RegisterPublisher("nats", func(config cfg.RelayConfiguration) (transport.Publisher, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats relay requires nats_url")
		}
		return NewNatsPublisher(config.NatsURL, config.Topic)
	})
}

// NatsPublisher publishes events to a NATS JetStream subject. Each message
// carries the event key as Nats-Msg-Id so JetStream drops redeliveries
// inside its duplicate window.
type NatsPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	subject string

	streamMu    sync.Mutex
	streamReady bool
}

// NewNatsPublisher connects to NATS and prepares JetStream publishing
func NewNatsPublisher(url, subject string) (*NatsPublisher, error) {
	if subject == "" {
		return nil, fmt.Errorf("nats relay requires a subject")
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsPublisher{nc: nc, js: js, subject: subject}, nil
}

// Publish sends one event to the subject
func (n *NatsPublisher) Publish(ctx context.Context, key string, value []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultNatsPublishTimeout)
		defer cancel()
	}

	if err := n.ensureStream(ctx); err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: n.subject,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}

	if _, err := n.js.PublishMsg(ctx, msg, jetstream.WithMsgID(key)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.subject, err)
	}
	return nil
}

// ensureStream creates the backing stream on first successful use
func (n *NatsPublisher) ensureStream(ctx context.Context) error {
	n.streamMu.Lock()
	defer n.streamMu.Unlock()

	if n.streamReady {
		return nil
	}

	streamName := StreamName(n.subject)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{n.subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    DefaultNatsStreamMaxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	n.streamReady = true
	return nil
}

// Close releases the NATS connection
func (n *NatsPublisher) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// StreamName converts a subject to a valid JetStream stream name.
// Stream names cannot contain ".", "*" or ">".
func StreamName(subject string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(subject)
}
