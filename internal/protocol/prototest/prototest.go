// Package prototest provides a scriptable in-memory protocol client.
//
// Each Connect returns a Conn the test drives by hand: Emit pushes events,
// Close emits a close event and ends the stream, and sends are recorded.
package prototest

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"wagate/internal/protocol"
)

// Client records every connection it hands out.
type Client struct {
	mu         sync.Mutex
	conns      []*Conn
	connectErr error
	onConnect  func(*Conn)

	connected chan *Conn
}

func NewClient() *Client {
	return &Client{connected: make(chan *Conn, 64)}
}

// FailConnect makes subsequent Connect calls return err (nil restores).
func (c *Client) FailConnect(err error) {
	c.mu.Lock()
	c.connectErr = err
	c.mu.Unlock()
}

// OnConnect registers a hook run for each new connection before Connect returns.
func (c *Client) OnConnect(fn func(*Conn)) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

func (c *Client) Connect(ctx context.Context, accountID string, auth protocol.AuthState) (protocol.Conn, error) {
	c.mu.Lock()
	err := c.connectErr
	hook := c.onConnect
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if _, err := auth.Identity(ctx); err != nil {
		return nil, err
	}

	cn := &Conn{
		Account: accountID,
		Auth:    auth,
		events:  make(chan protocol.Event, 64),
		stop:    make(chan struct{}),
	}
	c.mu.Lock()
	c.conns = append(c.conns, cn)
	c.mu.Unlock()
	if hook != nil {
		hook(cn)
	}
	select {
	case c.connected <- cn:
	default:
	}
	return cn, nil
}

// Connected yields connections in the order they were made.
func (c *Client) Connected() <-chan *Conn { return c.connected }

// Conns returns every connection made so far.
func (c *Client) Conns() []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Conn(nil), c.conns...)
}

// Count returns how many connections were made for accountID.
func (c *Client) Count(accountID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cn := range c.conns {
		if cn.Account == accountID {
			n++
		}
	}
	return n
}

// Last returns the newest connection for accountID.
func (c *Client) Last(accountID string) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.conns) - 1; i >= 0; i-- {
		if c.conns[i].Account == accountID {
			return c.conns[i]
		}
	}
	return nil
}

type Sent struct {
	To      string
	Payload protocol.Payload
}

type Conn struct {
	Account string
	Auth    protocol.AuthState

	mu        sync.Mutex
	events    chan protocol.Event
	closed    bool
	open      bool
	sent      []Sent
	presence  int
	loggedOut bool
	endErr    error
	sendErr   error
	nextID    int

	stop     chan struct{}
	stopOnce sync.Once
}

func (c *Conn) Events() <-chan protocol.Event { return c.events }

// Emit pushes one event. Emitting after the stream closed is a no-op.
func (c *Conn) Emit(e protocol.Event) {
	if e.Kind == protocol.EventClose {
		c.Close(e.Code, e.Reason)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if e.Kind == protocol.EventOpen {
		c.open = true
	}
	c.events <- e
}

func (c *Conn) QR(code string) { c.Emit(protocol.Event{Kind: protocol.EventQR, QR: code}) }
func (c *Conn) Open()          { c.Emit(protocol.Event{Kind: protocol.EventOpen}) }

// Close emits the final close event and closes the stream.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.open = false
	c.events <- protocol.Event{Kind: protocol.EventClose, Code: code, Reason: reason}
	close(c.events)
}

// FailSends makes Send return err (nil restores).
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *Conn) Send(ctx context.Context, to string, p protocol.Payload) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", protocol.ErrClosed
	}
	if !c.open {
		return "", protocol.ErrNotOpen
	}
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.nextID++
	c.sent = append(c.sent, Sent{To: to, Payload: p})
	return "msg-" + strconv.Itoa(c.nextID), nil
}

func (c *Conn) SendPresence(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.ErrClosed
	}
	c.presence++
	return nil
}

func (c *Conn) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.ErrClosed
	}
	c.loggedOut = true
	return nil
}

// End closes the stream with code 0 and the given reason, like a local
// transport teardown.
func (c *Conn) End(err error) {
	if err == nil {
		err = errors.New("ended")
	}
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.endErr = err
		c.mu.Unlock()
		close(c.stop)
		c.Close(0, err.Error())
	})
}

func (c *Conn) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

func (c *Conn) Presence() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

func (c *Conn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// Ended reports the End error, nil when End was never called.
func (c *Conn) Ended() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endErr
}

// Done is closed when End is called.
func (c *Conn) Done() <-chan struct{} { return c.stop }
