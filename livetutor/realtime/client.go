package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Conn is a duplex event connection to the relay. Client implements it over
// a WebSocket; tests substitute fakes.
type Conn interface {
	Send(ctx context.Context, event any) error
	Messages() <-chan Event
	Errors() <-chan error
	Close() error
}

// DialFunc opens a Conn. The Session dials through this so transports are
// swappable.
type DialFunc func(ctx context.Context) (Conn, error)

// Client handles the WebSocket connection to the relay.
type Client struct {
	url     string
	header  map[string][]string
	conn    *websocket.Conn
	msgChan chan Event
	errChan chan error
	done    chan struct{}
	closed  bool
	mu      sync.Mutex
}

// ClientConfig holds configuration for the relay Client.
type ClientConfig struct {
	// URL of the relay WebSocket endpoint.
	URL string
	// BearerToken, if set, is sent as an Authorization header. Used for
	// direct backend connections with an ephemeral client secret.
	BearerToken string
}

// NewClient creates a new relay Client.
func NewClient(cfg ClientConfig) *Client {
	header := map[string][]string{}
	if cfg.BearerToken != "" {
		header["Authorization"] = []string{"Bearer " + cfg.BearerToken}
		header["OpenAI-Beta"] = []string{"realtime=v1"}
	}

	return &Client{
		url:     cfg.URL,
		header:  header,
		msgChan: make(chan Event, 256),
		errChan: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// Dialer returns a DialFunc that connects a fresh Client with cfg.
func Dialer(cfg ClientConfig) DialFunc {
	return func(ctx context.Context) (Conn, error) {
		c := NewClient(cfg)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Connect establishes the WebSocket connection.
func (c *Client) Connect(ctx context.Context) error {
	opts := &websocket.DialOptions{
		HTTPHeader: c.header,
	}

	conn, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// Audio delta events are large; the default read limit is too small.
	conn.SetReadLimit(1 << 23)

	c.conn = conn
	go c.readLoop()

	return nil
}

// Send sends an event to the relay.
func (c *Client) Send(ctx context.Context, event any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Messages returns a channel of parsed server events.
func (c *Client) Messages() <-chan Event {
	return c.msgChan
}

// Errors returns a channel for socket-level errors.
func (c *Client) Errors() <-chan error {
	return c.errChan
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)

	if c.conn != nil {
		return c.conn.Close(websocket.StatusNormalClosure, "closing")
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.msgChan)

	ctx := context.Background()

	for {
		select {
		case <-c.done:
			return
		default:
			_, data, err := c.conn.Read(ctx)
			if err != nil {
				select {
				case c.errChan <- fmt.Errorf("read: %w", err):
				case <-c.done:
				}
				return
			}

			event, err := ParseEvent(data)
			if err != nil {
				slog.Error("failed to parse event", "error", err, "data", string(data))
				continue
			}

			select {
			case c.msgChan <- event:
			case <-time.After(100 * time.Millisecond):
				slog.Warn("msg channel full, dropping event", "type", event.eventType())
			}
		}
	}
}
