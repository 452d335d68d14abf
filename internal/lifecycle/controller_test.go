package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wagate/internal/credstore"
	"wagate/internal/eventbus"
	"wagate/internal/lock"
	"wagate/internal/protocol/prototest"
	"wagate/internal/storage"
	"wagate/pkg/logx"
)

type harness struct {
	t      *testing.T
	ctrl   *Controller
	store  *storage.Memory
	creds  *credstore.Store
	locks  *lock.Manager
	client *prototest.Client
	events <-chan eventbus.Event
}

func testConfig() Config {
	return Config{
		QRTimeout:       time.Second,
		InitTimeout:     5 * time.Second,
		StableAfter:     time.Hour,
		BackoffBase:     time.Millisecond,
		ConflictBackoff: 2 * time.Millisecond,
		BackoffMax:      5 * time.Millisecond,
		RestoreStagger:  time.Millisecond,
	}
}

// testLocker wraps the real lock manager with an optional Acquire delay and
// one-shot Acquire failure.
type testLocker struct {
	*lock.Manager
	delay    time.Duration
	failNext atomic.Bool
}

func (l *testLocker) Acquire(ctx context.Context, accountID string) (bool, error) {
	if l.delay > 0 {
		select {
		case <-time.After(l.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if l.failNext.CompareAndSwap(true, false) {
		return false, errors.New("store unavailable")
	}
	return l.Manager.Acquire(ctx, accountID)
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWith(t, cfg, nil)
}

func newHarnessWith(t *testing.T, cfg Config, locker *testLocker) *harness {
	t.Helper()
	st := storage.NewMemory(0)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(512)
	t.Cleanup(unsub)
	h := &harness{
		t:      t,
		store:  st,
		creds:  credstore.New(st, credstore.Config{}, logx.Nop()),
		locks:  lock.New(st, lock.Config{InstanceID: "me"}, logx.Nop()),
		client: prototest.NewClient(),
		events: ch,
	}
	var locks Locker = h.locks
	if locker != nil {
		locker.Manager = h.locks
		locks = locker
	}
	h.ctrl = New(cfg, Deps{
		Store:  st,
		Creds:  h.creds,
		Locks:  locks,
		Client: h.client,
		Bus:    bus,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.ctrl.Shutdown(ctx)
	})
	return h
}

// waitEvent skips events until one of type typ arrives.
func (h *harness) waitEvent(typ string) eventbus.SessionEvent {
	h.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Type == typ {
				return e.Data.(eventbus.SessionEvent)
			}
		case <-deadline:
			h.t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func (h *harness) account(id string) storage.Account {
	h.t.Helper()
	a, err := h.store.GetAccount(context.Background(), id)
	if err != nil {
		h.t.Fatalf("GetAccount(%s): %v", id, err)
	}
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// pairedEarlier seeds an account that was connected before this process
// started: persisted connected status and stored credentials.
func (h *harness) pairedEarlier(id string) {
	h.t.Helper()
	ctx := context.Background()
	if _, err := h.creds.Identity(ctx, id); err != nil {
		h.t.Fatal(err)
	}
	if err := h.creds.Flush(ctx, id); err != nil {
		h.t.Fatal(err)
	}
	st, desired := storage.StatusConnected, true
	if err := h.store.PatchAccount(ctx, id, storage.AccountPatch{Status: &st, Desired: &desired}); err != nil {
		h.t.Fatal(err)
	}
}

func (h *harness) connected(id string) {
	h.t.Helper()
	h.client.OnConnect(func(c *prototest.Conn) { c.Open() })
	if err := h.ctrl.Connect(context.Background(), id); err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
	h.waitEvent(eventbus.SessionConnected)
}

func TestQRAttemptsThenExpire(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.QRTimeout = 150 * time.Millisecond
	h := newHarness(t, cfg)
	var n atomic.Int32
	h.client.OnConnect(func(c *prototest.Conn) {
		c.QR("qr-" + string(rune('0'+n.Add(1))))
	})
	ctx := context.Background()

	if err := h.ctrl.Connect(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if ev := h.waitEvent(eventbus.SessionQR); ev.Attempt != 1 {
		t.Fatalf("first qr attempt = %d", ev.Attempt)
	}
	st, _ := h.ctrl.Status(ctx, "x")
	if st.Status != storage.StatusQRPending || st.QR != "qr-1" || st.QRAttempt != 1 {
		t.Fatalf("status after first qr = %+v", st)
	}
	if ev := h.waitEvent(eventbus.SessionQR); ev.Attempt != 2 {
		t.Fatalf("second qr attempt = %d", ev.Attempt)
	}
	if ev := h.waitEvent(eventbus.SessionQR); ev.Attempt != 3 {
		t.Fatalf("third qr attempt = %d", ev.Attempt)
	}
	h.waitEvent(eventbus.SessionQRExpired)

	st, _ = h.ctrl.Status(ctx, "x")
	if st.Status != storage.StatusQRExpired || st.Live {
		t.Fatalf("status after expiry = %+v", st)
	}
	if a := h.account("x"); a.QRAttempt != 3 {
		t.Fatalf("persisted qr attempt = %d", a.QRAttempt)
	}
	if n := h.client.Count("x"); n != 3 {
		t.Fatalf("connections = %d, want one per qr attempt", n)
	}
	if _, err := h.locks.Lease(ctx, "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("lease not released: %v", err)
	}
}

func TestSecondConnectWhileInflightIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	release := make(chan struct{})
	h.client.OnConnect(func(c *prototest.Conn) { <-release })
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Connect(ctx, "a") }()
	waitFor(t, "first dial", func() bool {
		_, ok := h.ctrl.Registry().Get("a")
		return ok
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.ctrl.Connect(ctx, "a")
		}()
	}
	wg.Wait()
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if n := h.client.Count("a"); n != 1 {
		t.Fatalf("connections = %d", n)
	}
}

func TestStableConnectionResetsCounters(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.StableAfter = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.connected("a")

	h.client.Last("a").Close(500, "stream error")
	if ev := h.waitEvent(eventbus.SessionDisconnected); ev.Attempt != 1 {
		t.Fatalf("reconnect attempt = %d", ev.Attempt)
	}
	if a := h.account("a"); a.ReconnectAttempts != 1 {
		t.Fatalf("persisted attempts = %d", a.ReconnectAttempts)
	}
	h.waitEvent(eventbus.SessionConnected)
	waitFor(t, "stability reset", func() bool { return h.account("a").ReconnectAttempts == 0 })

	s, _ := h.ctrl.Registry().Get("a")
	if in := s.Info(); in.Instability != 0 || in.ReconnectAttempts != 0 {
		t.Fatalf("counters after stable = %+v", in)
	}
}

func TestDeathLoopWipesAndStops(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.client.OnConnect(func(c *prototest.Conn) {
		c.Open()
		c.Close(500, "flap")
	})
	ctx := context.Background()
	if err := h.ctrl.Connect(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if ev := h.waitEvent(eventbus.SessionDeathLoop); ev.Attempt != 5 {
		t.Fatalf("death loop at instability %d", ev.Attempt)
	}
	time.Sleep(50 * time.Millisecond)

	if n := h.client.Count("a"); n != 5 {
		t.Fatalf("connections = %d, want 5", n)
	}
	if has, _ := h.creds.HasCredentials(ctx, "a"); has {
		t.Fatal("credentials survived the death loop")
	}
	if a := h.account("a"); a.Desired || a.Status != storage.StatusDisconnected {
		t.Fatalf("account = %+v", a)
	}
	if h.ctrl.Registry().Len() != 0 {
		t.Fatal("session left registered")
	}
}

func TestGiveUpAfterReconnectLimit(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ReconnectMax = 3
	h := newHarness(t, cfg)
	h.client.FailConnect(errors.New("sidecar down"))
	ctx := context.Background()
	if _, err := h.creds.Identity(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	if err := h.ctrl.Connect(ctx, "a"); err == nil {
		t.Fatal("expected dial error")
	}
	if ev := h.waitEvent(eventbus.SessionGaveUp); ev.Attempt != 3 {
		t.Fatalf("gave up at attempt %d", ev.Attempt)
	}
	a := h.account("a")
	if a.Status != storage.StatusDisconnected || !a.Desired || a.ReconnectAttempts != 0 {
		t.Fatalf("account = %+v", a)
	}
	if has, _ := h.creds.HasCredentials(ctx, "a"); !has {
		t.Fatal("dial failures must not wipe credentials")
	}
}

func TestLoggedOutCloseWipes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.connected("a")
	h.client.Last("a").Close(401, "logged out")
	h.waitEvent(eventbus.SessionLoggedOut)

	ctx := context.Background()
	if has, _ := h.creds.HasCredentials(ctx, "a"); has {
		t.Fatal("credentials kept after logout")
	}
	if a := h.account("a"); a.Desired {
		t.Fatal("desired flag kept after logout")
	}
	time.Sleep(30 * time.Millisecond)
	if n := h.client.Count("a"); n != 1 {
		t.Fatalf("reconnected after logout: %d connections", n)
	}
}

func TestConflictStopsLocallyAndKeepsLease(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.connected("a")
	h.client.Last("a").Close(440, "replaced")
	h.waitEvent(eventbus.SessionConflict)

	ctx := context.Background()
	time.Sleep(30 * time.Millisecond)
	if n := h.client.Count("a"); n != 1 {
		t.Fatalf("retried after conflict: %d connections", n)
	}
	if l, err := h.locks.Lease(ctx, "a"); err != nil || l.Owner != "me" {
		t.Fatalf("lease touched: %+v, %v", l, err)
	}
	if has, _ := h.creds.HasCredentials(ctx, "a"); !has {
		t.Fatal("conflict must keep credentials")
	}
	if !h.ctrl.recentConflict("a") {
		t.Fatal("conflict not remembered")
	}
	if d := h.ctrl.Backoff(1, true); d != 4*time.Millisecond {
		t.Fatalf("conflict backoff = %v", d)
	}
}

func TestDisconnectWipesAndNeverReconnects(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.connected("a")
	conn := h.client.Last("a")
	ctx := context.Background()

	if err := h.ctrl.Disconnect(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if !conn.LoggedOut() || conn.Ended() == nil {
		t.Fatal("transport not logged out and ended")
	}
	if has, _ := h.creds.HasCredentials(ctx, "a"); has {
		t.Fatal("credentials survived disconnect")
	}
	a := h.account("a")
	if a.Status != storage.StatusDisconnected || a.Desired {
		t.Fatalf("account = %+v", a)
	}
	if _, err := h.locks.Lease(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("lease kept: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if n := h.client.Count("a"); n != 1 {
		t.Fatalf("reconnected after disconnect: %d", n)
	}
	if st, _ := h.ctrl.Status(ctx, "a"); st.Status != storage.StatusDisconnected {
		t.Fatalf("status = %+v", st)
	}
}

func TestStatusLazyWake(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	ctx := context.Background()
	if _, err := h.creds.Identity(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	_ = h.creds.Flush(ctx, "a")
	st := storage.StatusConnected
	_ = h.store.PatchAccount(ctx, "a", storage.AccountPatch{Status: &st})
	h.client.OnConnect(func(c *prototest.Conn) { c.Open() })

	got, err := h.ctrl.Status(ctx, "a")
	if err != nil || got.Status != storage.StatusInitializing {
		t.Fatalf("Status = %+v, %v", got, err)
	}
	h.waitEvent(eventbus.SessionConnected)
	if got, _ := h.ctrl.Status(ctx, "a"); got.Status != storage.StatusConnected || !got.Live {
		t.Fatalf("Status after wake = %+v", got)
	}
}

func TestStatusWithoutCredentialsDoesNotWake(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	ctx := context.Background()
	st := storage.StatusConnected
	_ = h.store.PatchAccount(ctx, "a", storage.AccountPatch{Status: &st})

	got, _ := h.ctrl.Status(ctx, "a")
	if got.Status != storage.StatusConnected || got.Live {
		t.Fatalf("Status = %+v", got)
	}
	time.Sleep(30 * time.Millisecond)
	if h.client.Count("a") != 0 {
		t.Fatal("woke an account without credentials")
	}
}

func TestEnsureReadyInitializesLazily(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.pairedEarlier("a")
	h.client.OnConnect(func(c *prototest.Conn) {
		go func() {
			time.Sleep(150 * time.Millisecond)
			c.Open()
		}()
	})
	conn, err := h.ctrl.EnsureReady(context.Background(), "a", 2*time.Second)
	if err != nil || conn == nil {
		t.Fatalf("EnsureReady = %v, %v", conn, err)
	}
	if h.client.Count("a") != 1 {
		t.Fatal("expected exactly one lazy connect")
	}
}

func TestEnsureReadyLeavesStoppedAccountsAlone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cases := map[string]func(h *harness){
		"unknown": func(h *harness) {},
		"no credentials": func(h *harness) {
			st := storage.StatusConnected
			_ = h.store.PatchAccount(ctx, "a", storage.AccountPatch{Status: &st})
		},
		"disconnected by request": func(h *harness) {
			h.connected("a")
			if err := h.ctrl.Disconnect(ctx, "a"); err != nil {
				h.t.Fatal(err)
			}
		},
		"qr expired": func(h *harness) {
			h.pairedEarlier("a")
			st := storage.StatusQRExpired
			_ = h.store.PatchAccount(ctx, "a", storage.AccountPatch{Status: &st})
		},
	}
	for name, seed := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, testConfig())
			seed(h)
			before := h.client.Count("a")
			h.client.OnConnect(func(c *prototest.Conn) { c.QR("unexpected") })

			start := time.Now()
			_, err := h.ctrl.EnsureReady(ctx, "a", 2*time.Second)
			if !errors.Is(err, ErrNotReady) {
				t.Fatalf("EnsureReady err = %v", err)
			}
			if waited := time.Since(start); waited > time.Second {
				t.Fatalf("waited %v for an account that will not connect", waited)
			}
			time.Sleep(50 * time.Millisecond)
			if n := h.client.Count("a"); n != before {
				t.Fatalf("connections %d -> %d", before, n)
			}
			if a, err := h.store.GetAccount(ctx, "a"); err == nil && a.Status == storage.StatusQRPending {
				t.Fatalf("pairing restarted: %+v", a)
			}
		})
	}
}

func TestEnsureReadyTimesOut(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.pairedEarlier("a")
	// The transport never reports qr or open.
	h.client.OnConnect(func(c *prototest.Conn) {})
	_, err := h.ctrl.EnsureReady(context.Background(), "a", 100*time.Millisecond)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("EnsureReady err = %v", err)
	}
	waitFor(t, "lazy connect", func() bool { return h.client.Count("a") == 1 })
}

func TestEvictKeepsCredentialsAndStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.connected("a")
	conn := h.client.Last("a")
	ctx := context.Background()

	if h.ctrl.Evict("a", time.Now().Add(-time.Hour)) {
		t.Fatal("evicted a recently active session")
	}
	if !h.ctrl.Evict("a", time.Time{}) {
		t.Fatal("Evict = false")
	}
	if conn.LoggedOut() || conn.Ended() == nil {
		t.Fatal("eviction must end without logout")
	}
	if a := h.account("a"); a.Status != storage.StatusConnected || !a.Desired {
		t.Fatalf("account = %+v", a)
	}
	if has, _ := h.creds.HasCredentials(ctx, "a"); !has {
		t.Fatal("eviction dropped credentials")
	}
	if h.ctrl.Registry().Len() != 0 {
		t.Fatal("session still registered")
	}
}

func TestLeaseHeldElsewhereAbortsConnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	ctx := context.Background()
	other := lock.New(h.store, lock.Config{InstanceID: "other"}, logx.Nop())
	if ok, _ := other.Acquire(ctx, "a"); !ok {
		t.Fatal("other could not acquire")
	}
	if err := h.ctrl.Connect(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if h.client.Count("a") != 0 || h.ctrl.Registry().Len() != 0 {
		t.Fatal("connected without the lease")
	}
}

func TestInitTimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.InitTimeout = 60 * time.Millisecond
	h := newHarness(t, cfg)
	if err := h.ctrl.Connect(context.Background(), "a"); err != nil {
		t.Fatal(err)
	}
	ev := h.waitEvent(eventbus.SessionDisconnected)
	if ev.Reason != errInitTimeout.Error() {
		t.Fatalf("reason = %q", ev.Reason)
	}
	waitFor(t, "reconnect", func() bool { return h.client.Count("a") >= 2 })
}

func TestRestoreAllConnectsAccountsWithCredentials(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	ctx := context.Background()
	desired := true
	for _, id := range []string{"a", "b", "c"} {
		_ = h.store.PatchAccount(ctx, id, storage.AccountPatch{Desired: &desired})
	}
	for _, id := range []string{"a", "b"} {
		_, _ = h.creds.Identity(ctx, id)
		_ = h.creds.Flush(ctx, id)
	}

	n, err := h.ctrl.RestoreAll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("RestoreAll = %d, %v", n, err)
	}
	waitFor(t, "restored connects", func() bool {
		return h.client.Count("a") == 1 && h.client.Count("b") == 1
	})
	if h.client.Count("c") != 0 {
		t.Fatal("restored an account without credentials")
	}
}

func TestShutdownKeepsPersistedStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig())
	h.connected("a")
	conn := h.client.Last("a")
	ctx := context.Background()

	if err := h.ctrl.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if conn.Ended() == nil || conn.LoggedOut() {
		t.Fatal("shutdown must end without logout")
	}
	if a := h.account("a"); a.Status != storage.StatusConnected {
		t.Fatalf("persisted status = %s", a.Status)
	}
	if _, err := h.locks.Lease(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("lease kept after shutdown")
	}
	if err := h.ctrl.Connect(ctx, "a"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Connect after shutdown = %v", err)
	}
}

func TestBackoffIsMonotonicAndCapped(t *testing.T) {
	t.Parallel()
	c := New(Config{}, Deps{})
	prev := time.Duration(0)
	for a := 1; a <= 12; a++ {
		d := c.Backoff(a, false)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %v < %v", a, d, prev)
		}
		if d > 60*time.Second {
			t.Fatalf("backoff %v above cap", d)
		}
		prev = d
	}
	if got := c.Backoff(1, false); got != 4*time.Second {
		t.Fatalf("Backoff(1) = %v", got)
	}
	if got := c.Backoff(2, true); got != 60*time.Second {
		t.Fatalf("conflict Backoff(2) = %v", got)
	}

	j := New(Config{BackoffJitter: 5 * time.Second, Rand: func() float64 { return 0.5 }}, Deps{})
	if got := j.Backoff(1, false); got != 4*time.Second+2500*time.Millisecond {
		t.Fatalf("jittered backoff = %v", got)
	}
}

func TestQRExpiredIsNotRestored(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.QRTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.client.OnConnect(func(c *prototest.Conn) { c.QR("qr") })
	ctx := context.Background()

	if err := h.ctrl.Connect(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	h.waitEvent(eventbus.SessionQRExpired)
	if err := h.creds.Flush(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	a := h.account("a")
	if a.Status != storage.StatusQRExpired || a.Desired {
		t.Fatalf("account after expiry = %+v", a)
	}

	n, err := h.ctrl.RestoreAll(ctx)
	if err != nil || n != 0 {
		t.Fatalf("RestoreAll = %d, %v", n, err)
	}
	time.Sleep(50 * time.Millisecond)
	if c := h.client.Count("a"); c != 3 {
		t.Fatalf("connections = %d, want the original 3", c)
	}
}

func TestDisconnectDuringLeaseAcquireCancelsConnect(t *testing.T) {
	t.Parallel()
	h := newHarnessWith(t, testConfig(), &testLocker{delay: 100 * time.Millisecond})
	h.client.OnConnect(func(c *prototest.Conn) { c.QR("qr") })
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- h.ctrl.Connect(ctx, "a") }()
	time.Sleep(20 * time.Millisecond)
	if err := h.ctrl.Disconnect(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	time.Sleep(30 * time.Millisecond)
	if n := h.client.Count("a"); n != 0 {
		t.Fatalf("dialed after disconnect: %d", n)
	}
	a := h.account("a")
	if a.Status != storage.StatusDisconnected || a.Desired {
		t.Fatalf("account = %+v", a)
	}
	if has, _ := h.creds.HasCredentials(ctx, "a"); has {
		t.Fatal("credentials created after disconnect")
	}
	if _, err := h.locks.Lease(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("stray lease kept: %v", err)
	}
	if h.ctrl.Registry().Len() != 0 {
		t.Fatal("session registered after disconnect")
	}
}

func TestReconnectRetriesWhenLeaseStoreFails(t *testing.T) {
	t.Parallel()
	locker := &testLocker{}
	h := newHarnessWith(t, testConfig(), locker)
	h.connected("a")

	locker.failNext.Store(true)
	h.client.Last("a").Close(500, "stream error")
	if ev := h.waitEvent(eventbus.SessionDisconnected); ev.Attempt != 1 {
		t.Fatalf("first attempt = %d", ev.Attempt)
	}
	if ev := h.waitEvent(eventbus.SessionDisconnected); ev.Attempt != 2 || ev.Reason != "store unavailable" {
		t.Fatalf("lease failure event = %+v", ev)
	}
	h.waitEvent(eventbus.SessionConnected)
	if n := h.client.Count("a"); n != 2 {
		t.Fatalf("connections = %d", n)
	}
	if _, ok := h.ctrl.Registry().Get("a"); !ok {
		t.Fatal("session dropped after a transient lease failure")
	}
}
