package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"wagate/internal/lifecycle"
	"wagate/internal/metrics"
	"wagate/internal/queue"
	"wagate/internal/session"
	"wagate/internal/storage"
	"wagate/pkg/logx"
)

type fakeAccounts struct {
	mu        sync.Mutex
	connected []string
}

func (*fakeAccounts) Status(ctx context.Context, id string) (lifecycle.Status, error) {
	if id == "broken" {
		return lifecycle.Status{}, errors.New("store down")
	}
	return lifecycle.Status{AccountID: id, Status: storage.StatusQRPending, QR: "2@abc", QRAttempt: 2, Live: true}, nil
}

func (*fakeAccounts) Sessions() []session.Info {
	return []session.Info{{AccountID: "a1", Status: storage.StatusConnected}}
}

func (f *fakeAccounts) Connect(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, id)
	return nil
}

func (*fakeAccounts) Disconnect(ctx context.Context, id string) error {
	return errors.New("store down")
}

func post(t *testing.T, url, token string) int {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url, http.NoBody)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, http.NoBody)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestRoutes(t *testing.T) {
	t.Parallel()
	m := metrics.New()
	m.Delivery("sent")
	q, _ := queue.Open(context.Background(), queue.Config{})
	_, _ = q.Enqueue(context.Background(), queue.Job{})

	accts := &fakeAccounts{}
	s := New(Config{Token: "s3cret"}, Deps{Accounts: accts, Queue: q, Registry: m.Registry()}, logx.Nop())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	if code, body := get(t, ts.URL+"/healthz", ""); code != 200 || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
	if code, _ := get(t, ts.URL+"/v1/accounts/a1/status", ""); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", code)
	}
	if code, _ := get(t, ts.URL+"/v1/accounts/a1/status?token=nope", ""); code != http.StatusUnauthorized {
		t.Fatalf("bad query token = %d", code)
	}

	code, body := get(t, ts.URL+"/v1/accounts/a1/status", "s3cret")
	var st lifecycle.Status
	if err := json.Unmarshal([]byte(body), &st); err != nil || code != 200 {
		t.Fatalf("status = %d %q", code, body)
	}
	if st.Status != storage.StatusQRPending || st.QR != "2@abc" || st.QRAttempt != 2 {
		t.Fatalf("status body = %+v", st)
	}
	if code, _ := get(t, ts.URL+"/v1/accounts/broken/status", "s3cret"); code != 500 {
		t.Fatalf("broken status = %d", code)
	}
	if code, body := get(t, ts.URL+"/v1/queue?token=s3cret", ""); code != 200 || !strings.Contains(body, `"waiting":1`) {
		t.Fatalf("queue = %d %q", code, body)
	}
	if code, body := get(t, ts.URL+"/metrics", "s3cret"); code != 200 || !strings.Contains(body, `wagate_deliveries_total{result="sent"} 1`) {
		t.Fatalf("metrics = %d", code)
	}
	if code, _ := get(t, ts.URL+"/debug/pprof/", "s3cret"); code != http.StatusNotFound {
		t.Fatalf("pprof without opt-in = %d", code)
	}

	if code := post(t, ts.URL+"/v1/accounts/a9/connect", ""); code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated connect = %d", code)
	}
	if code := post(t, ts.URL+"/v1/accounts/a9/connect", "s3cret"); code != http.StatusAccepted {
		t.Fatalf("connect = %d", code)
	}
	if code := post(t, ts.URL+"/v1/accounts/a9/disconnect", "s3cret"); code != http.StatusInternalServerError {
		t.Fatalf("failing disconnect = %d", code)
	}
	if code, _ := get(t, ts.URL+"/v1/accounts/a9/connect", "s3cret"); code != http.StatusMethodNotAllowed {
		t.Fatalf("GET connect = %d", code)
	}
	accts.mu.Lock()
	defer accts.mu.Unlock()
	if len(accts.connected) != 1 || accts.connected[0] != "a9" {
		t.Fatalf("connect calls = %v", accts.connected)
	}
}

func TestReconfigureStartsAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Deps{}, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true})
	addr := s.Addr()
	if addr == "" {
		t.Fatal("ops server not listening")
	}
	if code, _ := get(t, "http://"+addr+"/debug/pprof/", ""); code != 200 {
		t.Fatalf("pprof = %d", code)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if a := s.Addr(); a != "" {
		t.Fatalf("still listening on %s", a)
	}
}

func TestRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Deps{}, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })
	if a := s.Addr(); a != "" {
		t.Fatalf("listening on %s without a token", a)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"10.0.0.5:9090":  false,
		"nonsense":       false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v", addr, got)
		}
	}
}
