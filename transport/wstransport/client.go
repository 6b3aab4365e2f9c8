// Package wstransport receives the remote change stream over a websocket and
// feeds it into the coordinator. The wire protocol is a collaborator
// interface: JSON frames carrying either a remote update or an entity
// deletion.
package wstransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	stdSync "sync"
	"time"

	"github.com/gorilla/websocket"

	syncErrors "github.com/graphkit/go-graph-sync/errors"
	"github.com/graphkit/go-graph-sync/graph"
)

// Frame is one message on the change stream.
type Frame struct {
	// Type is "update" or "delete".
	Type string `json:"type"`

	// Update is set for update frames.
	Update *graph.RemoteUpdate `json:"update,omitempty"`

	// EntityID is set for delete frames.
	EntityID graph.EntityID `json:"entity_id,omitempty"`
}

const (
	FrameUpdate = "update"
	FrameDelete = "delete"
)

// Sink consumes the decoded stream. The coordinator implements it.
type Sink interface {
	HandleRemoteUpdate(u graph.RemoteUpdate) error
	HandleRemoteDelete(id graph.EntityID) error
}

// BackoffStrategy defines how reconnection delays grow.
type BackoffStrategy interface {
	// NextDelay returns the delay before the next reconnection attempt.
	NextDelay(attempt int) time.Duration

	// Reset resets the strategy after a successful connection.
	Reset()
}

// ExponentialBackoff implements exponential backoff capped at MaxDelay.
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func (eb *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := 1.0
	for i := 0; i < attempt; i++ {
		multiplier *= eb.Multiplier
	}
	result := time.Duration(float64(eb.InitialDelay) * multiplier)
	if result > eb.MaxDelay {
		result = eb.MaxDelay
	}
	return result
}

func (eb *ExponentialBackoff) Reset() {}

// Options configure the client.
type Options struct {
	// URL of the change stream, e.g. wss://host/stream.
	URL string

	// Backoff for reconnection. Defaults to 500ms..30s exponential.
	Backoff BackoffStrategy

	// HandshakeTimeout bounds the websocket dial. Defaults to 10s.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// Client maintains the websocket connection and pumps frames into the sink.
type Client struct {
	opts   Options
	sink   Sink
	logger *slog.Logger

	mu        stdSync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a client. Run starts it.
func New(sink Sink, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, syncErrors.NewTransportError(syncErrors.OpTransport, fmt.Errorf("url is required"))
	}
	if sink == nil {
		return nil, syncErrors.NewTransportError(syncErrors.OpTransport, fmt.Errorf("sink is required"))
	}
	if opts.Backoff == nil {
		opts.Backoff = &ExponentialBackoff{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
		}
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		opts:   opts,
		sink:   sink,
		logger: opts.Logger.With(slog.String("component", "wstransport")),
	}, nil
}

// Run connects and keeps reading frames until ctx is cancelled or Close is
// called, reconnecting with backoff on failures.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return syncErrors.NewTransportError(syncErrors.OpTransport, fmt.Errorf("client is closed"))
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()
	defer close(c.done)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.connect(ctx); err != nil {
			delay := c.opts.Backoff.NextDelay(attempt)
			attempt++
			c.logger.Warn("connect failed, retrying",
				"url", c.opts.URL,
				"attempt", attempt,
				"delay", delay,
				"error", err)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		attempt = 0
		c.opts.Backoff.Reset()
		c.logger.Info("connected to change stream", "url", c.opts.URL)

		err := c.readLoop(ctx)
		c.setConnected(nil, false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("change stream disconnected", "error", err)
	}
}

func (c *Client) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return syncErrors.NewTransportError(syncErrors.OpTransport, err)
	}
	c.setConnected(conn, true)
	return nil
}

func (c *Client) readLoop(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.dispatch(payload)
	}
}

// dispatch decodes one frame and hands it to the sink. Malformed frames are
// dropped with a reported parse error; the stream keeps going.
func (c *Client) dispatch(payload []byte) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		c.logger.Error("dropping undecodable frame", "error", err)
		return
	}

	switch frame.Type {
	case FrameUpdate:
		if frame.Update == nil {
			c.logger.Error("dropping update frame without payload")
			return
		}
		if err := c.sink.HandleRemoteUpdate(*frame.Update); err != nil {
			c.logger.Warn("sink rejected remote update",
				"entity_id", frame.Update.EntityID,
				"error", err)
		}
	case FrameDelete:
		if frame.EntityID == "" {
			c.logger.Error("dropping delete frame without entity id")
			return
		}
		if err := c.sink.HandleRemoteDelete(frame.EntityID); err != nil {
			c.logger.Warn("sink rejected remote delete",
				"entity_id", frame.EntityID,
				"error", err)
		}
	default:
		c.logger.Error("dropping frame with unknown type", "type", frame.Type)
	}
}

func (c *Client) setConnected(conn *websocket.Conn, connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !connected {
		c.conn.Close()
	}
	c.conn = conn
	c.connected = connected
}

// IsConnected reports whether the stream connection is active.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Close stops the client and waits for the run loop to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	done := c.done
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	return nil
}
