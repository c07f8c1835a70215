package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/maxpert/firehose/changefeed"
	"github.com/rs/zerolog/log"
)

// Keep-alive defaults
const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongTimeout  = 60 * time.Second
	DefaultWriteTimeout = 10 * time.Second

	// Viewers only send control frames
	maxInboundMessageSize = 4096
)

// WebSocketConfig configures keep-alive and write deadlines
type WebSocketConfig struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

// WebSocketConn adapts a gorilla websocket connection to Conn.
// Every event is sent as one JSON text message.
type WebSocketConn struct {
	socket *websocket.Conn
	config WebSocketConfig

	writeMu   sync.Mutex
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn starts keep-alive handling on an upgraded connection
func NewWebSocketConn(socket *websocket.Conn, config WebSocketConfig) *WebSocketConn {
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultPingInterval
	}
	if config.PongTimeout <= config.PingInterval {
		config.PongTimeout = 2 * config.PingInterval
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}

	c := &WebSocketConn{
		socket: socket,
		config: config,
		done:   make(chan struct{}),
	}

	// The peer is considered gone when no pong arrives in time
	socket.SetReadLimit(maxInboundMessageSize)
	_ = socket.SetReadDeadline(time.Now().Add(config.PongTimeout))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(config.PongTimeout))
	})

	go c.readLoop()
	go c.pingLoop()
	return c
}

// readLoop discards inbound messages and detects peer close
func (c *WebSocketConn) readLoop() {
	defer c.markDone()
	for {
		if _, _, err := c.socket.ReadMessage(); err != nil {
			log.Debug().Err(err).Str("remote", c.socket.RemoteAddr().String()).Msg("Websocket read ended")
			return
		}
	}
}

func (c *WebSocketConn) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.socket.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				// Expected if the other end goes away
				log.Debug().Err(err).Msg("Failed to write ping")
				c.markDone()
				return
			}
		}
	}
}

// Send writes ev as a text message
func (c *WebSocketConn) Send(ctx context.Context, ev *changefeed.ChangeEvent) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.config.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.socket.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame when possible and closes the socket
func (c *WebSocketConn) Close(code CloseCode, reason string) error {
	c.closeOnce.Do(func() {
		select {
		case <-c.done:
			// Peer already gone, skip the close handshake
		default:
			deadline := time.Now().Add(c.config.WriteTimeout)
			msg := websocket.FormatCloseMessage(int(code), reason)
			if err := c.socket.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				log.Debug().Err(err).Msg("Failed to write close frame")
			}
		}
		c.closeErr = c.socket.Close()
		c.markDone()
	})
	return c.closeErr
}

// Done is closed when the peer disconnects or the connection is closed
func (c *WebSocketConn) Done() <-chan struct{} {
	return c.done
}

func (c *WebSocketConn) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}
