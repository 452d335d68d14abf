// Package wsbridge connects accounts to a protocol sidecar over websocket.
//
// The sidecar hosts the actual protocol library, one websocket per account.
// Credential reads and writes are proxied back to the gateway's AuthState so
// the gateway stays the single owner of credential persistence.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"wagate/internal/protocol"
	"wagate/pkg/logx"
)

type Config struct {
	URL            string
	DialTimeout    time.Duration // default 10s
	RequestTimeout time.Duration // default 30s; bounds send/logout acks
	PingInterval   time.Duration // default 30s
	// LogLevel is the minimum level of sidecar log frames that are kept.
	LogLevel string
	Header   http.Header
}

type Client struct {
	cfg    Config
	log    logx.Logger
	dialer *websocket.Dialer
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("wsbridge: url is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("wsbridge: invalid url: %w", err)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "warn"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:    cfg,
		log:    log.Category("protocol"),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
	}, nil
}

func (c *Client) Connect(ctx context.Context, accountID string, auth protocol.AuthState) (protocol.Conn, error) {
	identity, err := auth.Identity(ctx)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	u, _ := url.Parse(c.cfg.URL)
	q := u.Query()
	q.Set("account", accountID)
	u.RawQuery = q.Encode()

	dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	ws, resp, err := c.dialer.DialContext(dctx, u.String(), c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial sidecar: %w", err)
	}

	log := c.log.With(logx.Account(accountID))
	cn := &conn{
		cfg:     c.cfg,
		account: accountID,
		ws:      ws,
		auth:    auth,
		log:     log,
		sidecar: log.Category("protocol.sidecar").WithCategoryLevel(c.cfg.LogLevel),
		events:  make(chan protocol.Event, 64),
		pending: map[string]chan ackData{},
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	hello, err := encode(frameHello, "", helloData{Account: accountID, Identity: identity})
	if err == nil {
		err = cn.write(hello)
	}
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}

	go cn.readLoop()
	go cn.pingLoop()
	return cn, nil
}

type conn struct {
	cfg     Config
	account string
	ws      *websocket.Conn
	auth    protocol.AuthState
	log     logx.Logger
	sidecar logx.Logger

	writeMu sync.Mutex
	events  chan protocol.Event
	open    atomic.Bool

	pendMu  sync.Mutex
	pending map[string]chan ackData
	seq     atomic.Uint64

	endOnce sync.Once
	endErr  atomic.Value // error
	stop    chan struct{} // closed by End
	done    chan struct{} // closed when the read loop exits
}

func (c *conn) Events() <-chan protocol.Event { return c.events }

func (c *conn) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteJSON(f)
}

func (c *conn) emit(e protocol.Event) {
	select {
	case c.events <- e:
	case <-c.stop:
	}
}

func (c *conn) readLoop() {
	code, reason := 0, ""
	fromSidecar := false
	defer func() {
		// A local End wins over whatever the socket reported afterwards.
		if err, ok := c.endErr.Load().(error); ok && !fromSidecar {
			code, reason = 0, err.Error()
		}
		_ = c.ws.Close()
		c.failPending()
		// Close is always delivered, even if nobody drains the stream anymore.
		select {
		case c.events <- protocol.Event{Kind: protocol.EventClose, Code: code, Reason: reason}:
		case <-time.After(5 * time.Second):
			c.log.Warn("close event dropped (consumer stalled)")
		}
		close(c.done)
		close(c.events)
	}()

	readWait := 2 * c.cfg.PingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Text
			} else {
				reason = err.Error()
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("sidecar read ended", logx.Err(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))

		switch f.Type {
		case frameQR:
			var d qrData
			_ = json.Unmarshal(f.Data, &d)
			c.emit(protocol.Event{Kind: protocol.EventQR, QR: d.QR})
		case frameOpen:
			c.open.Store(true)
			c.emit(protocol.Event{Kind: protocol.EventOpen})
		case frameClose:
			var d closeData
			_ = json.Unmarshal(f.Data, &d)
			code, reason = d.Code, d.Reason
			fromSidecar = true
			return
		case frameMessage:
			var in protocol.Inbound
			if err := json.Unmarshal(f.Data, &in); err != nil {
				c.log.Warn("bad message frame", logx.Err(err))
				continue
			}
			if in.At.IsZero() {
				in.At = time.Now()
			}
			c.emit(protocol.Event{Kind: protocol.EventMessage, Message: &in})
		case frameCredsSave:
			var d credsData
			if err := json.Unmarshal(f.Data, &d); err != nil {
				c.log.Warn("bad creds.update frame", logx.Err(err))
				continue
			}
			if err := c.auth.SaveCreds(context.Background(), d.Patch); err != nil {
				c.log.Warn("save creds failed", logx.Err(err))
			}
		case frameKeysSet:
			var d keysSetData
			if err := json.Unmarshal(f.Data, &d); err != nil {
				c.log.Warn("bad keys.set frame", logx.Err(err))
				continue
			}
			if err := c.auth.SetKeys(context.Background(), d.Updates); err != nil {
				c.log.Warn("set keys failed", logx.Err(err))
			}
		case frameKeysGet:
			go c.answerKeys(f)
		case frameAck:
			var d ackData
			_ = json.Unmarshal(f.Data, &d)
			c.resolve(f.Req, d)
		case frameLog:
			var d logData
			if err := json.Unmarshal(f.Data, &d); err != nil {
				continue
			}
			c.sidecar.Log(logx.ParseLevel(d.Level, logx.LevelInfo), d.Msg, logx.Any("fields", d.Fields))
		default:
			c.log.Debug("unknown sidecar frame", logx.String("type", f.Type))
		}
	}
}

func (c *conn) answerKeys(f Frame) {
	var d keysGetData
	res := keysResultData{}
	if err := json.Unmarshal(f.Data, &d); err != nil {
		res.Error = err.Error()
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		keys, err := c.auth.GetKeys(ctx, d.Type, d.IDs)
		cancel()
		if err != nil {
			res.Error = err.Error()
		}
		res.Keys = keys
	}
	out, err := encode(frameKeysResult, f.Req, res)
	if err == nil {
		err = c.write(out)
	}
	if err != nil {
		c.log.Debug("keys.result write failed", logx.Err(err))
	}
}

func (c *conn) pingLoop() {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("ping failed", logx.Err(err))
				return
			}
		}
	}
}

func (c *conn) request(ctx context.Context, typ string, v any) (ackData, error) {
	req := strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan ackData, 1)

	c.pendMu.Lock()
	if c.pending == nil {
		c.pendMu.Unlock()
		return ackData{}, protocol.ErrClosed
	}
	c.pending[req] = ch
	c.pendMu.Unlock()
	defer func() {
		c.pendMu.Lock()
		if c.pending != nil {
			delete(c.pending, req)
		}
		c.pendMu.Unlock()
	}()

	f, err := encode(typ, req, v)
	if err != nil {
		return ackData{}, err
	}
	if err := c.write(f); err != nil {
		return ackData{}, fmt.Errorf("%w: %v", protocol.ErrClosed, err)
	}

	t := time.NewTimer(c.cfg.RequestTimeout)
	defer t.Stop()
	select {
	case a, ok := <-ch:
		if !ok {
			return ackData{}, protocol.ErrClosed
		}
		return a, nil
	case <-ctx.Done():
		return ackData{}, ctx.Err()
	case <-t.C:
		return ackData{}, fmt.Errorf("%s: ack timeout", typ)
	}
}

func (c *conn) resolve(req string, a ackData) {
	c.pendMu.Lock()
	ch := c.pending[req]
	c.pendMu.Unlock()
	if ch != nil {
		select {
		case ch <- a:
		default:
		}
	}
}

func (c *conn) failPending() {
	c.pendMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = nil
	c.pendMu.Unlock()
}

func (c *conn) Send(ctx context.Context, to string, p protocol.Payload) (string, error) {
	if !c.open.Load() {
		return "", protocol.ErrNotOpen
	}
	a, err := c.request(ctx, frameSend, sendData{To: to, Payload: p})
	if err != nil {
		return "", err
	}
	if a.Error != "" {
		return "", errors.New(a.Error)
	}
	return a.ID, nil
}

func (c *conn) SendPresence(ctx context.Context) error {
	f, _ := encode(framePresence, "", nil)
	return c.write(f)
}

func (c *conn) Logout(ctx context.Context) error {
	a, err := c.request(ctx, frameLogout, nil)
	if err != nil {
		return err
	}
	if a.Error != "" {
		return errors.New(a.Error)
	}
	return nil
}

func (c *conn) End(err error) {
	c.endOnce.Do(func() {
		if err == nil {
			err = errors.New("ended")
		}
		c.endErr.Store(err)
		close(c.stop)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}
