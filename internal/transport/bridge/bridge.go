// Package bridge implements transport.Client over a WebSocket connection to
// the external network bridge. The bridge owns the actual network protocol
// (browser automation, pairing, encryption); this client just exchanges JSON
// frames with it, one connection per tenant.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/replyline/replyline/internal/transport"
)

const eventBuffer = 64

// Options configures bridge connections.
type Options struct {
	URL              string // bridge base URL, e.g. "ws://localhost:8790"
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	return o
}

// Dialer returns a transport.DialFunc producing bridge clients.
func Dialer(opts Options) transport.DialFunc {
	opts = opts.withDefaults()
	return func(tenantID string) transport.Client {
		return &Client{
			tenantID: tenantID,
			opts:     opts,
			events:   make(chan transport.Event, eventBuffer),
			pending:  make(map[string]chan frame),
		}
	}
}

// Client is one tenant's WebSocket connection to the bridge.
type Client struct {
	tenantID string
	opts     Options

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan frame
	closed  bool

	events chan transport.Event
}

// Connect dials the bridge and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}

	endpoint := strings.TrimRight(c.opts.URL, "/") + "/session/" + url.PathEscape(c.tenantID)
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", endpoint, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return transport.ErrClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)

	slog.Debug("bridge connected", "tenant_id", c.tenantID, "url", endpoint)
	return nil
}

// Events returns the asynchronous event stream.
func (c *Client) Events() <-chan transport.Event { return c.events }

// SendMessage delivers text to a peer and returns the message handle.
func (c *Client) SendMessage(ctx context.Context, to, body string) (string, error) {
	resp, err := c.request(ctx, frame{Type: "send", To: to, Body: body})
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("bridge send: no message id in response")
	}
	return resp.ID, nil
}

// Chats enumerates the most recently active peer threads.
func (c *Client) Chats(ctx context.Context, limit int) ([]transport.ChatSummary, error) {
	resp, err := c.request(ctx, frame{Type: "chats", Limit: limit})
	if err != nil {
		return nil, err
	}
	chats := make([]transport.ChatSummary, 0, len(resp.Chats))
	for _, ch := range resp.Chats {
		chats = append(chats, ch.toTransport())
	}
	return chats, nil
}

// Messages fetches the most recent messages of one thread.
func (c *Client) Messages(ctx context.Context, chatID string, limit int) ([]transport.Message, error) {
	resp, err := c.request(ctx, frame{Type: "messages", Chat: chatID, Limit: limit})
	if err != nil {
		return nil, err
	}
	msgs := make([]transport.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		msgs = append(msgs, m.toTransport())
	}
	return msgs, nil
}

// Logout asks the bridge to sign the session out of the network.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.request(ctx, frame{Type: "logout"})
	return err
}

// Destroy tears the connection down. Pending requests fail with ErrClosed.
func (c *Client) Destroy() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// request writes a ref-correlated frame and waits for the matching result.
func (c *Client) request(ctx context.Context, f frame) (frame, error) {
	f.Ref = uuid.NewString()
	ch := make(chan frame, 1)

	c.mu.Lock()
	if c.closed || c.conn == nil {
		c.mu.Unlock()
		return frame{}, transport.ErrClosed
	}
	c.pending[f.Ref] = ch
	conn := c.conn
	err := c.write(conn, f)
	c.mu.Unlock()

	if err != nil {
		c.dropPending(f.Ref)
		return frame{}, fmt.Errorf("bridge write: %w", err)
	}

	timer := time.NewTimer(c.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.dropPending(f.Ref)
		return frame{}, ctx.Err()
	case <-timer.C:
		c.dropPending(f.Ref)
		return frame{}, fmt.Errorf("bridge request %q: timeout", f.Type)
	case resp, ok := <-ch:
		if !ok {
			return frame{}, transport.ErrClosed
		}
		if resp.Error != "" {
			return frame{}, fmt.Errorf("bridge request %q: %s", f.Type, resp.Error)
		}
		return resp, nil
	}
}

// write marshals and sends a frame. Callers must hold c.mu: gorilla/websocket
// allows a single concurrent writer.
func (c *Client) write(conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) dropPending(ref string) {
	c.mu.Lock()
	delete(c.pending, ref)
	c.mu.Unlock()
}

// readLoop consumes frames until the connection dies. Unlike a channel-style
// reconnect loop, the bridge client does not redial on its own: connection
// loss becomes an EventDisconnected and the session manager decides whether
// to re-establish.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.finish(err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("invalid bridge frame", "tenant_id", c.tenantID, "error", err)
			continue
		}

		if f.Ref != "" {
			c.mu.Lock()
			ch, ok := c.pending[f.Ref]
			if ok {
				delete(c.pending, f.Ref)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
			}
			continue
		}

		if ev, ok := c.toEvent(f); ok {
			c.emit(ev)
		}
	}
}

func (c *Client) toEvent(f frame) (transport.Event, bool) {
	switch f.Type {
	case transport.EventQR:
		return transport.Event{Type: transport.EventQR, QR: f.Data}, true
	case transport.EventReady:
		return transport.Event{Type: transport.EventReady}, true
	case transport.EventAuthenticated:
		return transport.Event{Type: transport.EventAuthenticated}, true
	case transport.EventAuthFailure:
		return transport.Event{Type: transport.EventAuthFailure, Reason: f.Reason}, true
	case transport.EventDisconnected:
		return transport.Event{Type: transport.EventDisconnected, Reason: f.Reason}, true
	case transport.EventMessage:
		if f.Message == nil {
			return transport.Event{}, false
		}
		msg := f.Message.toTransport()
		return transport.Event{Type: transport.EventMessage, Message: &msg}, true
	case transport.EventMessageAck:
		if f.ID == "" || f.Ack == nil {
			return transport.Event{}, false
		}
		return transport.Event{Type: transport.EventMessageAck, Ack: &transport.Ack{MessageID: f.ID, Level: *f.Ack}}, true
	default:
		slog.Debug("unknown bridge event", "tenant_id", c.tenantID, "type", f.Type)
		return transport.Event{}, false
	}
}

func (c *Client) emit(ev transport.Event) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("bridge event buffer full, dropping event",
			"tenant_id", c.tenantID, "type", ev.Type)
	}
}

// finish closes out the client after a read failure or local Destroy.
func (c *Client) finish(readErr error) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[string]chan frame)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}

	// Remote loss gets a final disconnected event; a local Destroy does not.
	if !wasClosed {
		slog.Warn("bridge connection lost", "tenant_id", c.tenantID, "error", readErr)
		c.emit(transport.Event{Type: transport.EventDisconnected, Reason: "connection lost"})
	}
	close(c.events)
}
