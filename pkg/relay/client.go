package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chazu/facet/pkg/awareness"
	"github.com/chazu/facet/pkg/document"
)

var (
	// ErrNotConnected is returned when sending before Connect.
	ErrNotConnected = errors.New("relay: not connected")
	// ErrClosed is returned when sending after the connection ended.
	ErrClosed = errors.New("relay: connection closed")
)

// RejectFunc is told about transactions the relay refused.
type RejectFunc func(txnID string, err error)

// Client is one process's connection to a room. It implements
// document.Submitter, so a store built with document.WithSubmitter sends
// its edits to the relay, and awareness.Sender.
type Client struct {
	endpoint string
	id       string
	log      *slog.Logger
	onReject RejectFunc
	dialer   *websocket.Dialer

	mu    sync.Mutex
	conn  *websocket.Conn
	send  chan Frame
	done  chan struct{}
	err   error
	store *document.Store
	ch    *awareness.Channel
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client's logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// OnReject sets the callback for refused transactions.
func OnReject(fn RejectFunc) ClientOption {
	return func(c *Client) { c.onReject = fn }
}

// NewClient returns an unconnected client for room on the relay at base,
// an http(s) or ws(s) URL.
func NewClient(base, roomName, clientID string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("relay: parse %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("relay: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/rooms/" + url.PathEscape(roomName) + "/ws"
	u.RawQuery = url.Values{"client": {clientID}}.Encode()

	c := &Client{
		endpoint: u.String(),
		id:       clientID,
		log:      slog.Default(),
		dialer:   websocket.DefaultDialer,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ID returns the client id.
func (c *Client) ID() string { return c.id }

// Connect dials the relay, loads the room snapshot into store, merges the
// peers' awareness into ch and announces ch's local state. Afterwards
// relayed transactions are applied to store and awareness frames merged
// into ch until the connection ends.
func (c *Client) Connect(ctx context.Context, store *document.Store, ch *awareness.Channel) error {
	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("relay: dial %s: %w", c.endpoint, err)
	}

	conn.SetReadDeadline(time.Now().Add(writeWait))
	var welcome Frame
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return fmt.Errorf("relay: read welcome: %w", err)
	}
	if welcome.Type != FrameWelcome || welcome.Snapshot == nil {
		conn.Close()
		return fmt.Errorf("relay: expected welcome, got %q", welcome.Type)
	}
	conn.SetReadDeadline(time.Time{})

	if _, err := store.Load(welcome.Snapshot); err != nil {
		conn.Close()
		return fmt.Errorf("relay: load room snapshot: %w", err)
	}
	for _, u := range welcome.Peers {
		if err := ch.Merge(u); err != nil {
			c.log.Debug("relay: peer awareness dropped", slog.String("client", u.Client), slog.String("error", err.Error()))
		}
	}

	c.mu.Lock()
	c.conn = conn
	c.send = make(chan Frame, sendBuffer)
	c.done = make(chan struct{})
	c.store = store
	c.ch = ch
	c.mu.Unlock()

	go c.writeLoop(conn, c.send, c.done)
	go c.readLoop(conn)

	for _, u := range ch.Updates() {
		if err := c.SendAwareness(u); err != nil {
			return err
		}
	}
	c.log.Info("relay: connected", slog.String("client", c.id), slog.Uint64("version", welcome.Snapshot.Version), slog.Int("peers", len(welcome.Peers)))
	return nil
}

// Submit sends txn to the relay for ordering. The transaction reaches the
// local store only when the relay broadcasts it back.
func (c *Client) Submit(txn document.Transaction) error {
	return c.enqueue(Frame{Type: FrameTxn, Txn: &txn})
}

// SendAwareness forwards a local awareness update.
func (c *Client) SendAwareness(u awareness.Update) error {
	return c.enqueue(Frame{Type: FrameAwareness, Client: u.Client, Awareness: &u})
}

func (c *Client) enqueue(f Frame) error {
	c.mu.Lock()
	send, done := c.send, c.done
	c.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}
	select {
	case <-done:
		return ErrClosed
	default:
	}
	select {
	case send <- f:
		return nil
	case <-done:
		return ErrClosed
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.finish(ErrClosed)
	return nil
}

func (c *Client) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return
	default:
	}
	c.err = err
	close(c.done)
}

func (c *Client) writeLoop(conn *websocket.Conn, send <-chan Frame, done <-chan struct{}) {
	defer conn.Close()
	for {
		select {
		case f := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				c.finish(fmt.Errorf("relay: write: %w", err))
				return
			}
		case <-done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.finish(fmt.Errorf("relay: read: %w", err))
			return
		}
		c.handle(f)
	}
}

func (c *Client) handle(f Frame) {
	switch f.Type {
	case FrameTxn:
		if f.Txn == nil {
			return
		}
		if _, err := c.store.Apply(*f.Txn); err != nil {
			// The relay applied it, so the local copy has diverged.
			c.log.Error("relay: relayed transaction failed locally",
				slog.String("txn", f.Txn.ID), slog.Uint64("version", f.Version), slog.String("error", err.Error()))
		}
	case FrameReject:
		err := errors.New(f.Error)
		c.log.Warn("relay: transaction rejected", slog.String("txn", f.TxnID), slog.String("error", f.Error))
		if c.onReject != nil {
			c.onReject(f.TxnID, err)
		}
	case FrameAwareness:
		if f.Awareness == nil {
			return
		}
		if err := c.ch.Merge(*f.Awareness); err != nil {
			c.log.Debug("relay: awareness dropped", slog.String("client", f.Client), slog.String("error", err.Error()))
		}
	case FrameLeave:
		c.ch.Remove(f.Client)
	}
}
