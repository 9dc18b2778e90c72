// Package client is a small SDK for connecting to a muxtun relay: it dials
// the relay's WebSocket endpoint, performs the shared-secret handshake and
// keeps the connection alive across drops.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MessageHandler receives each backend response routed to this client.
type MessageHandler func(payload []byte)

// Options configures the client.
type Options struct {
	URL               string // ws:// or wss:// URL of the relay's /relay endpoint
	Secret            string // shared relay secret, sent as the first message
	TLSSkipVerify     bool   // dev only
	ReconnectInterval time.Duration
	HandshakeTimeout  time.Duration
}

// Client manages one connection to the relay.
type Client struct {
	opts    Options
	handler MessageHandler
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a client. The handler may be nil if the caller never expects
// routed responses.
func New(opts Options, handler MessageHandler, logger *slog.Logger) *Client {
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = 5 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	return &Client{
		opts:    opts,
		handler: handler,
		logger:  logger.With("component", "relay-client"),
	}
}

// Connect establishes the connection and processes messages. It blocks,
// reconnecting with a fixed backoff, until the context is canceled.
func (c *Client) Connect(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.connectOnce(ctx); err != nil {
			c.logger.Warn("connection failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectInterval):
		}
	}
}

func (c *Client) connectOnce(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.opts.HandshakeTimeout,
	}
	if c.opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	// The first message is the credential; everything after is payload.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(c.opts.Secret)); err != nil {
		return fmt.Errorf("send credential: %w", err)
	}

	c.logger.Info("connected to relay", "url", c.opts.URL)

	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			return ctx.Err()
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}
		if c.handler != nil {
			c.handler(msg)
		}
	}
}

// Send forwards one request to the backend through the relay.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Close drops the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
