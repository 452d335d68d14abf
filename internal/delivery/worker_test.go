package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wagate/internal/eventbus"
	"wagate/internal/protocol"
	"wagate/internal/protocol/prototest"
	"wagate/internal/queue"
	"wagate/internal/storage"
	"wagate/pkg/logx"
)

type nopAuth struct{}

func (nopAuth) Identity(context.Context) (map[string]json.RawMessage, error) { return nil, nil }
func (nopAuth) GetKeys(context.Context, string, []string) (map[string]json.RawMessage, error) {
	return nil, nil
}
func (nopAuth) SetKeys(context.Context, protocol.KeyUpdates) error         { return nil }
func (nopAuth) SaveCreds(context.Context, map[string]json.RawMessage) error { return nil }

type fakeSessions struct {
	conn    protocol.Conn
	err     error
	touched atomic.Int32
}

func (f *fakeSessions) EnsureReady(ctx context.Context, id string, wait time.Duration) (protocol.Conn, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.conn, nil
}

func (f *fakeSessions) Touch(string) { f.touched.Add(1) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type harness struct {
	q        queue.Queue
	store    *storage.Memory
	sessions *fakeSessions
	conn     *prototest.Conn
	svc      *Service
	clock    *clock
	events   <-chan eventbus.Event
}

func newHarness(t *testing.T, maxAttempts int) *harness {
	t.Helper()
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	q, err := queue.Open(ctx, queue.Config{Policy: queue.Policy{MaxAttempts: maxAttempts}, Now: clk.Now})
	if err != nil {
		t.Fatal(err)
	}
	st := storage.NewMemory(0)
	if err := st.PutAccount(ctx, storage.Account{ID: "a", Credits: 10}); err != nil {
		t.Fatal(err)
	}
	client := prototest.NewClient()
	client.OnConnect(func(c *prototest.Conn) { c.Open() })
	conn, err := client.Connect(ctx, "a", nopAuth{})
	if err != nil {
		t.Fatal(err)
	}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)

	fs := &fakeSessions{conn: conn}
	svc := New(Config{Slots: 1, Consumer: "w", Now: clk.Now, Rand: func() float64 { return 0 }}, Deps{
		Queue:    q,
		Store:    st,
		Sessions: fs,
		Bus:      bus,
		Log:      logx.Nop(),
	})
	return &harness{q: q, store: st, sessions: fs, conn: conn.(*prototest.Conn), svc: svc, clock: clk, events: events}
}

func (h *harness) enqueue(t *testing.T, j Job) queue.Job {
	t.Helper()
	_, qj, err := Enqueue(context.Background(), h.q, h.store, j, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	return qj
}

func (h *harness) claim(t *testing.T) queue.Job {
	t.Helper()
	qj, ok, err := h.q.Claim(context.Background(), "w/slot-0", time.Minute)
	if err != nil || !ok {
		t.Fatalf("claim = %v, %v", ok, err)
	}
	return qj
}

func TestProcessSendsRenderedMessageAndAccounts(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3)
	ctx := context.Background()
	if err := h.store.PutCampaign(ctx, storage.Campaign{ID: "c1", Status: storage.CampaignRunning}); err != nil {
		t.Fatal(err)
	}
	qj := h.enqueue(t, Job{
		MessageID: "m1", AccountID: "a", CampaignID: "c1", Recipient: "628123",
		Body: "Hi {{name}}, code {{ code }} {{missing}}", Variables: map[string]string{"name": "Rina", "code": "42"},
		PaceMinMS: 100, PaceMaxMS: 300,
	})

	lo, hi, dispatched := h.svc.Process(ctx, "w/slot-0", h.claim(t))
	if !dispatched || lo != 100*time.Millisecond || hi != 300*time.Millisecond {
		t.Fatalf("Process = %s, %s, %v", lo, hi, dispatched)
	}
	sent := h.conn.Sent()
	if len(sent) != 1 || sent[0].To != "628123" || sent[0].Payload.Text != "Hi Rina, code 42 {{missing}}" {
		t.Fatalf("sent = %+v", sent)
	}

	msg, _ := h.store.GetMessage(ctx, "m1")
	acct, _ := h.store.GetAccount(ctx, "a")
	camp, _ := h.store.GetCampaign(ctx, "c1")
	job, _ := h.q.Get(ctx, qj.ID)
	if msg.Status != storage.MessageSent || acct.Credits != 9 || camp.Sent != 1 || job.State != queue.StateCompleted {
		t.Fatalf("msg=%s credits=%d sent=%d job=%s", msg.Status, acct.Credits, camp.Sent, job.State)
	}
	if h.sessions.touched.Load() != 1 {
		t.Fatal("session activity not recorded")
	}
	if e := <-h.events; e.Type != eventbus.DeliverySent {
		t.Fatalf("event = %s", e.Type)
	}
}

func TestRedeliveredSentMessageChargesOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3)
	ctx := context.Background()
	_ = h.store.PutCampaign(ctx, storage.Campaign{ID: "c1"})
	j := Job{MessageID: "m1", AccountID: "a", CampaignID: "c1", Recipient: "r", Body: "x"}
	for range 2 {
		h.enqueue(t, j)
		h.svc.Process(ctx, "w/slot-0", h.claim(t))
	}
	if n := len(h.conn.Sent()); n != 2 {
		t.Fatalf("sends = %d, want 2 (at-least-once)", n)
	}
	acct, _ := h.store.GetAccount(ctx, "a")
	camp, _ := h.store.GetCampaign(ctx, "c1")
	if acct.Credits != 9 || camp.Sent != 1 {
		t.Fatalf("credits=%d sent=%d, want 9 and 1", acct.Credits, camp.Sent)
	}
}

func TestPausedCampaignReschedulesWithoutAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3)
	ctx := context.Background()
	_ = h.store.PutCampaign(ctx, storage.Campaign{ID: "c1", Status: storage.CampaignPaused})
	qj := h.enqueue(t, Job{MessageID: "m1", AccountID: "a", CampaignID: "c1", Recipient: "r", Body: "x"})

	if _, _, dispatched := h.svc.Process(ctx, "w/slot-0", h.claim(t)); dispatched {
		t.Fatal("paused job counted as a dispatch")
	}
	job, _ := h.q.Get(ctx, qj.ID)
	if job.State != queue.StateWaiting || job.Attempts != 0 || !job.RunAt.Equal(h.clock.Now().Add(30*time.Second)) {
		t.Fatalf("job = %+v", job)
	}
	if len(h.conn.Sent()) != 0 {
		t.Fatal("paused job was sent")
	}
}

func TestNotReadyFailsAndCountsOnlyWhenDead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for _, tc := range []struct {
		name        string
		maxAttempts int
		wantState   queue.State
		wantFailed  int
	}{
		{"retry", 3, queue.StateWaiting, 0},
		{"final", 1, queue.StateDead, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tc.maxAttempts)
			h.sessions.err = errors.New("timeout")
			_ = h.store.PutCampaign(ctx, storage.Campaign{ID: "c1"})
			qj := h.enqueue(t, Job{MessageID: "m1", AccountID: "a", CampaignID: "c1", Recipient: "r", Body: "x"})

			if _, _, dispatched := h.svc.Process(ctx, "w/slot-0", h.claim(t)); !dispatched {
				t.Fatal("not-ready attempt must be paced")
			}
			job, _ := h.q.Get(ctx, qj.ID)
			msg, _ := h.store.GetMessage(ctx, "m1")
			camp, _ := h.store.GetCampaign(ctx, "c1")
			if job.State != tc.wantState || job.LastError != "session not ready" {
				t.Fatalf("job = %s %q", job.State, job.LastError)
			}
			if msg.Status != storage.MessageFailed || msg.Error != "session not ready" {
				t.Fatalf("message = %+v", msg)
			}
			if camp.Failed != tc.wantFailed {
				t.Fatalf("campaign failed = %d, want %d", camp.Failed, tc.wantFailed)
			}
		})
	}
}

func TestSendErrorRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3)
	ctx := context.Background()
	h.conn.FailSends(errors.New("rate limited"))
	qj := h.enqueue(t, Job{MessageID: "m1", AccountID: "a", Recipient: "r", Body: "x"})
	h.svc.Process(ctx, "w/slot-0", h.claim(t))
	job, _ := h.q.Get(ctx, qj.ID)
	acct, _ := h.store.GetAccount(ctx, "a")
	if job.State != queue.StateWaiting || job.LastError != "rate limited" || acct.Credits != 10 {
		t.Fatalf("job=%s %q credits=%d", job.State, job.LastError, acct.Credits)
	}
}

func TestMalformedPayloadDiesImmediately(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 5)
	ctx := context.Background()
	qj, _ := h.q.Enqueue(ctx, queue.Job{Payload: json.RawMessage(`{"account_id":"a"}`)})
	if _, _, dispatched := h.svc.Process(ctx, "w/slot-0", h.claim(t)); dispatched {
		t.Fatal("malformed job was dispatched")
	}
	job, _ := h.q.Get(ctx, qj.ID)
	if job.State != queue.StateDead {
		t.Fatalf("state = %s", job.State)
	}
}

func TestSlotsDrainQueue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, 3)
	for _, id := range []string{"m1", "m2", "m3"} {
		h.enqueue(t, Job{MessageID: id, AccountID: "a", Recipient: "r", Body: id, PaceMinMS: 1, PaceMaxMS: 2})
	}
	h.svc.Apply(Config{Slots: 2, PollInterval: 10 * time.Millisecond})
	h.svc.Start(context.Background())
	t.Cleanup(func() { _ = h.svc.Stop(context.Background()) })

	deadline := time.Now().Add(5 * time.Second)
	for len(h.conn.Sent()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("sent %d of 3", len(h.conn.Sent()))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRender(t *testing.T) {
	t.Parallel()
	vars := map[string]string{"name": "Ana", "first.name": "A"}
	for _, tc := range []struct{ in, want string }{
		{"Hello {{name}}", "Hello Ana"},
		{"{{ name }}/{{first.name}}", "Ana/A"},
		{"{{unknown}} stays", "{{unknown}} stays"},
		{"{{ name", "{{ name"},
		{"no placeholders", "no placeholders"},
	} {
		if got := Render(tc.in, vars); got != tc.want {
			t.Errorf("Render(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestResolveMediaPrefersLocalUnderRoot(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "pic.jpg"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(t.TempDir(), "other.jpg")
	_ = os.WriteFile(outside, []byte("x"), 0o600)

	p, err := resolveMedia(root, &Media{Path: "pic.jpg", URL: "https://cdn/x.jpg", Type: "image"})
	if err != nil || p.MediaPath != filepath.Join(root, "pic.jpg") || p.MediaURL != "" || p.MediaType != "image" {
		t.Fatalf("local = %+v, %v", p, err)
	}
	for _, ref := range []string{"../pic.jpg", outside, "missing.jpg"} {
		p, err := resolveMedia(root, &Media{Path: ref, URL: "https://cdn/x.jpg"})
		if err != nil || p.MediaPath != "" || p.MediaURL != "https://cdn/x.jpg" {
			t.Fatalf("%s: fallback = %+v, %v", ref, p, err)
		}
	}
	if _, err := resolveMedia(root, &Media{Path: "missing.jpg"}); !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestPaceWithinClosedInterval(t *testing.T) {
	t.Parallel()
	lo, hi := time.Second, 3*time.Second
	if d := pace(lo, hi, func() float64 { return 0 }); d != lo {
		t.Fatalf("min draw = %s", d)
	}
	if d := pace(lo, hi, func() float64 { return 0.9999999999 }); d > hi || d < hi-time.Microsecond {
		t.Fatalf("max draw = %s", d)
	}
	if d := pace(hi, lo, func() float64 { return 0.5 }); d != hi {
		t.Fatalf("inverted bounds = %s", d)
	}
}
