// Package lifecycle drives per-account protocol connections through
// initializing, qr_pending, connected and disconnected.
//
// Every entry point (connect, event loop, timers, reaper, lazy wake,
// disconnect) locks the session handle and re-checks its state before it
// acts, so calls are idempotent and safe to race.
package lifecycle

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"wagate/internal/eventbus"
	"wagate/internal/metrics"
	"wagate/internal/protocol"
	"wagate/internal/session"
	"wagate/internal/storage"
	"wagate/pkg/logx"
)

var (
	ErrShuttingDown = errors.New("lifecycle: shutting down")
	ErrNotReady     = errors.New("session not ready")

	errQRRefresh   = errors.New("qr refresh")
	errQRExpired   = errors.New("qr expired")
	errInitTimeout = errors.New("init timeout")
	errDisconnect  = errors.New("disconnect requested")
	errEvicted     = errors.New("idle eviction")
	errShutdown    = errors.New("shutdown")
	errLockLost    = errors.New("lease lost")
)

type Config struct {
	QRTimeout      time.Duration // per QR attempt, default 10s
	QRMaxAttempts  int           // default 3
	InitTimeout    time.Duration // no qr/open within this closes the transport, default 60s
	InitGuardTTL   time.Duration // stale in-flight connect guard, default 2m
	StableAfter    time.Duration // default 5s
	InstabilityMax int           // default 5
	ReconnectMax   int           // default 10

	BackoffBase     time.Duration // default 2s
	ConflictBackoff time.Duration // base after a recent conflict, default 15s
	BackoffMax      time.Duration // default 60s
	BackoffJitter   time.Duration // 0 disables jitter

	PresenceInterval time.Duration // 0 disables presence signals
	RestoreStagger   time.Duration // default 500ms
	ReadyWait        time.Duration // default 15s

	LoggedOutCodes []int // default [401]
	ConflictCodes  []int // default [440]

	Now  func() time.Time
	Rand func() float64 // jitter source in [0,1)
}

func (c Config) withDefaults() Config {
	if c.QRTimeout <= 0 {
		c.QRTimeout = 10 * time.Second
	}
	if c.QRMaxAttempts <= 0 {
		c.QRMaxAttempts = 3
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = 60 * time.Second
	}
	if c.InitGuardTTL <= 0 {
		c.InitGuardTTL = 2 * time.Minute
	}
	if c.StableAfter <= 0 {
		c.StableAfter = 5 * time.Second
	}
	if c.InstabilityMax <= 0 {
		c.InstabilityMax = 5
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.ConflictBackoff <= 0 {
		c.ConflictBackoff = 15 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 60 * time.Second
	}
	if c.BackoffJitter < 0 {
		c.BackoffJitter = 0
	}
	if c.RestoreStagger <= 0 {
		c.RestoreStagger = 500 * time.Millisecond
	}
	if c.ReadyWait <= 0 {
		c.ReadyWait = 15 * time.Second
	}
	if len(c.LoggedOutCodes) == 0 {
		c.LoggedOutCodes = []int{401}
	}
	if len(c.ConflictCodes) == 0 {
		c.ConflictCodes = []int{440}
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	return c
}

// Store is the persisted account state the controller writes.
type Store interface {
	GetAccount(ctx context.Context, id string) (storage.Account, error)
	PatchAccount(ctx context.Context, id string, p storage.AccountPatch) error
	ListRestorable(ctx context.Context) ([]storage.Account, error)
	AppendEvent(ctx context.Context, e storage.AccountEvent) error
}

// Credentials is the credential store as seen by the controller.
type Credentials interface {
	AuthState(accountID string) protocol.AuthState
	HasCredentials(ctx context.Context, accountID string) (bool, error)
	Flush(ctx context.Context, accountID string) error
	Wipe(ctx context.Context, accountID string) error
}

type Locker interface {
	Acquire(ctx context.Context, accountID string) (bool, error)
	Release(ctx context.Context, accountID string) error
	Grace() time.Duration
}

type Deps struct {
	Store    Store
	Creds    Credentials
	Locks    Locker
	Client   protocol.Client
	Registry session.Registry
	Bus      eventbus.Bus
	Metrics  *metrics.Metrics
	Log      logx.Logger
}

type Controller struct {
	cfg     Config
	store   Store
	creds   Credentials
	locks   Locker
	client  protocol.Client
	reg     session.Registry
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger

	mu        sync.Mutex
	inflight  map[string]time.Time
	conflicts map[string]time.Time
	// disconnects counts Disconnect calls per account. A Connect that sees
	// the count move while it waited for the lease gives up.
	disconnects map[string]uint64

	wg      sync.WaitGroup
	closing atomic.Bool
}

func New(cfg Config, d Deps) *Controller {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Registry == nil {
		d.Registry = session.NewRegistry()
	}
	return &Controller{
		cfg:       cfg.withDefaults(),
		store:     d.Store,
		creds:     d.Creds,
		locks:     d.Locks,
		client:    d.Client,
		reg:       d.Registry,
		bus:       d.Bus,
		metrics:   d.Metrics,
		log:       d.Log.Category("lifecycle"),
		inflight:    map[string]time.Time{},
		conflicts:   map[string]time.Time{},
		disconnects: map[string]uint64{},
	}
}

func (c *Controller) Registry() session.Registry { return c.reg }

// Connect makes sure a session exists for the account. It is a no-op when
// one is live or another connect is in flight, and aborts silently when the
// lease is held elsewhere.
func (c *Controller) Connect(ctx context.Context, accountID string) error {
	return c.connect(ctx, accountID, c.disconnectGen(accountID))
}

// connect gives up if the account is disconnected after gen was read.
func (c *Controller) connect(ctx context.Context, accountID string, gen uint64) error {
	if c.closing.Load() {
		return ErrShuttingDown
	}
	if s, ok := c.reg.Get(accountID); ok {
		s.Lock()
		live := s.Live()
		s.Unlock()
		if live {
			return nil
		}
	}
	if !c.beginInflight(accountID) {
		c.log.Debug("connect already in flight", logx.Account(accountID))
		return nil
	}
	defer c.endInflight(accountID)

	won, err := c.locks.Acquire(ctx, accountID)
	if err != nil {
		c.log.Warn("lease acquire failed", logx.Account(accountID), logx.Err(err))
		return nil
	}
	if !won {
		c.log.Info("lease held by another instance, not connecting", logx.Account(accountID))
		return nil
	}

	// Re-check after the lease round trip.
	if s, ok := c.reg.Get(accountID); ok {
		s.Lock()
		live := s.Live()
		s.Unlock()
		if live {
			return nil
		}
	}

	s := session.New(accountID, c.cfg.Now())
	if acct, err := c.store.GetAccount(ctx, accountID); err == nil {
		s.ReconnectAttempts = acct.ReconnectAttempts
	}
	s.Connecting = true
	if !c.register(s, gen) {
		c.log.Info("disconnected while connecting, dropping lease", logx.Account(accountID))
		c.dropLease(accountID)
		return nil
	}

	// Disconnect marks the handle under its lock; persist only while it is
	// still wanted.
	s.Lock()
	if s.TornDown {
		s.Connecting = false
		s.Unlock()
		return nil
	}
	desired, st, zero := true, storage.StatusInitializing, 0
	c.patch(accountID, storage.AccountPatch{Desired: &desired, Status: &st, QRAttempt: &zero})
	s.Unlock()
	c.publish(eventbus.SessionInitializing, eventbus.SessionEvent{AccountID: accountID, Status: string(st)})
	c.log.Info("connecting", logx.Account(accountID), logx.Int("reconnect_attempts", s.ReconnectAttempts))

	return c.open(s)
}

func (c *Controller) beginInflight(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.cfg.Now()
	if t, ok := c.inflight[id]; ok && now.Sub(t) < c.cfg.InitGuardTTL {
		return false
	}
	c.inflight[id] = now
	return true
}

func (c *Controller) disconnectGen(id string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects[id]
}

// register publishes the handle unless the account was disconnected since
// gen was read.
func (c *Controller) register(s *session.Session, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnects[s.AccountID] != gen {
		return false
	}
	c.reg.Put(s)
	return true
}

func (c *Controller) dropLease(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.locks.Release(ctx, id); err != nil {
		c.log.Warn("lease release failed", logx.Account(id), logx.Err(err))
	}
}

func (c *Controller) endInflight(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

// open dials a new connection for the handle. The caller must have set
// s.Connecting. Dial failures are handled as ordinary failures.
func (c *Controller) open(s *session.Session) error {
	s.Lock()
	if s.TornDown {
		s.Connecting = false
		s.Unlock()
		return nil
	}
	s.Unlock()

	dctx, cancel := context.WithTimeout(context.Background(), c.cfg.InitTimeout)
	conn, err := c.client.Connect(dctx, s.AccountID, c.creds.AuthState(s.AccountID))
	cancel()

	s.Lock()
	defer s.Unlock()
	s.Connecting = false
	if err != nil {
		if s.TornDown {
			return err
		}
		c.log.Warn("connect failed", logx.Account(s.AccountID), logx.Err(err))
		c.failure(s, 0, err.Error(), false)
		return err
	}
	if s.TornDown || c.closing.Load() {
		conn.End(errShutdown)
		return nil
	}
	s.Conn = conn
	s.Timers.Arm(session.TimerInit, c.cfg.InitTimeout, func() { c.onInitTimeout(s, conn) })

	c.wg.Add(1)
	go c.loop(s, conn)
	return nil
}

// loop handles one connection's events in order until its close event.
func (c *Controller) loop(s *session.Session, conn protocol.Conn) {
	defer c.wg.Done()
	for ev := range conn.Events() {
		c.dispatch(s, conn, ev)
	}
}

func (c *Controller) dispatch(s *session.Session, conn protocol.Conn, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panic", logx.Account(s.AccountID),
				logx.String("event", ev.Kind.String()), logx.Any("panic", r))
		}
	}()
	switch ev.Kind {
	case protocol.EventQR:
		c.onQR(s, conn, ev.QR)
	case protocol.EventOpen:
		c.onOpen(s, conn)
	case protocol.EventClose:
		c.onClose(s, conn, ev.Code, ev.Reason)
	case protocol.EventMessage:
		c.Touch(s.AccountID)
	}
}

// Touch records activity on the account's session.
func (c *Controller) Touch(accountID string) {
	if s, ok := c.reg.Get(accountID); ok {
		s.Lock()
		s.LastActivity = c.cfg.Now()
		s.Unlock()
	}
}

func (c *Controller) patch(id string, p storage.AccountPatch) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.PatchAccount(ctx, id, p); err != nil {
		c.log.Warn("persist account state failed", logx.Account(id), logx.Err(err))
	}
}

func (c *Controller) record(id, kind, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.store.AppendEvent(ctx, storage.AccountEvent{AccountID: id, Kind: kind, Detail: detail, At: c.cfg.Now()}); err != nil {
		c.log.Warn("append account event failed", logx.Account(id), logx.String("kind", kind), logx.Err(err))
	}
}

func (c *Controller) publish(typ string, ev eventbus.SessionEvent) {
	c.metrics.SessionEvent(typ)
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.cfg.Now(), Data: ev})
}

// release gives the lease back unless a newer session for the account
// is registered.
func (c *Controller) release(s *session.Session) {
	if cur, ok := c.reg.Get(s.AccountID); ok && cur != s {
		return
	}
	c.dropLease(s.AccountID)
}

func (c *Controller) wipe(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.creds.Wipe(ctx, id); err != nil {
		c.log.Error("credential wipe failed", logx.Account(id), logx.Err(err))
	}
}

func (c *Controller) classify(code int) closeKind {
	switch {
	case slices.Contains(c.cfg.LoggedOutCodes, code):
		return closeLoggedOut
	case slices.Contains(c.cfg.ConflictCodes, code):
		return closeConflict
	default:
		return closeOrdinary
	}
}

type closeKind int

const (
	closeOrdinary closeKind = iota
	closeLoggedOut
	closeConflict
)
