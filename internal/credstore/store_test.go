package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"wagate/internal/storage"
	"wagate/pkg/logx"
)

type spyStore struct {
	storage.Credentials

	mu        sync.Mutex
	keyReads  [][]string
	writeErr  error
	writes    int
	gate      chan struct{} // when set, writes wait for it
}

func (s *spyStore) GetKeys(ctx context.Context, accountID, keyType string, ids []string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	s.keyReads = append(s.keyReads, append([]string(nil), ids...))
	s.mu.Unlock()
	return s.Credentials.GetKeys(ctx, accountID, keyType, ids)
}

func (s *spyStore) UpdateCredentials(ctx context.Context, accountID string, u storage.CredentialUpdate) error {
	s.mu.Lock()
	gate, err := s.gate, s.writeErr
	s.writes++
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return err
	}
	return s.Credentials.UpdateCredentials(ctx, accountID, u)
}

func (s *spyStore) reads() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.keyReads...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, maxRecord int, cfg Config) (*Store, *spyStore, *clock) {
	t.Helper()
	spy := &spyStore{Credentials: storage.NewMemory(maxRecord)}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	cfg.Now = clk.Now
	return New(spy, cfg, logx.Nop()), spy, clk
}

func raw(s string) json.RawMessage { return json.RawMessage(`"` + s + `"`) }

func flush(t *testing.T, s *Store, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx, id); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestIdentityGeneratedOnceAndPersisted(t *testing.T) {
	t.Parallel()
	calls := 0
	s, spy, _ := newTestStore(t, 0, Config{Generator: func() (storage.Identity, error) {
		calls++
		return storage.Identity{"noiseKey": raw(fmt.Sprint(calls))}, nil
	}})
	ctx := context.Background()

	a, err := s.Identity(ctx, "acc")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := s.Identity(ctx, "acc")
	if calls != 1 || string(a["noiseKey"]) != string(b["noiseKey"]) {
		t.Fatalf("generator calls = %d, identities %s / %s", calls, a["noiseKey"], b["noiseKey"])
	}
	flush(t, s, "acc")

	got, ok, err := spy.Credentials.GetIdentity(ctx, "acc")
	if err != nil || !ok || string(got["noiseKey"]) != `"1"` {
		t.Fatalf("persisted identity = %v, %v, %v", got, ok, err)
	}
	if has, _ := s.HasCredentials(ctx, "acc"); !has {
		t.Fatal("HasCredentials = false")
	}
}

func TestSaveIdentityMergesInOrder(t *testing.T) {
	t.Parallel()
	s, spy, _ := newTestStore(t, 0, Config{})
	ctx := context.Background()
	gate := make(chan struct{})
	spy.mu.Lock()
	spy.gate = gate
	spy.mu.Unlock()

	_ = s.SaveIdentity(ctx, "acc", map[string]json.RawMessage{"me": raw("a"), "registered": json.RawMessage(`false`)})
	_ = s.SaveIdentity(ctx, "acc", map[string]json.RawMessage{"registered": json.RawMessage(`true`)})
	close(gate)
	flush(t, s, "acc")

	got, _, _ := spy.Credentials.GetIdentity(ctx, "acc")
	if string(got["me"]) != `"a"` || string(got["registered"]) != `true` {
		t.Fatalf("persisted identity = %v", got)
	}
}

func TestGetKeysUsesCacheAndProjection(t *testing.T) {
	t.Parallel()
	s, spy, _ := newTestStore(t, 0, Config{})
	ctx := context.Background()
	_ = spy.Credentials.UpdateCredentials(ctx, "acc", storage.CredentialUpdate{
		Identity: storage.Identity{"me": raw("x")},
		Set:      map[string]map[string]json.RawMessage{"session": {"1": raw("s1"), "2": raw("s2"), "3": raw("s3")}},
	})

	got, err := s.GetKeys(ctx, "acc", "session", []string{"1", "9"})
	if err != nil || len(got) != 1 || string(got["1"]) != `"s1"` {
		t.Fatalf("GetKeys = %v, %v", got, err)
	}
	got, _ = s.GetKeys(ctx, "acc", "session", []string{"1", "9", "2"})
	if len(got) != 2 {
		t.Fatalf("second GetKeys = %v", got)
	}

	reads := spy.reads()
	if len(reads) != 2 {
		t.Fatalf("store reads = %v", reads)
	}
	if strings.Join(reads[0], ",") != "1,9" || strings.Join(reads[1], ",") != "2" {
		t.Fatalf("projection reads = %v", reads)
	}
}

func TestSetKeysUpdatesCacheThenPersists(t *testing.T) {
	t.Parallel()
	s, spy, _ := newTestStore(t, 0, Config{})
	ctx := context.Background()

	_ = s.SetKeys(ctx, "acc", map[string]map[string]json.RawMessage{"pre-key": {"1": raw("a"), "2": raw("b")}})
	_ = s.SetKeys(ctx, "acc", map[string]map[string]json.RawMessage{"pre-key": {"1": nil}})

	got, _ := s.GetKeys(ctx, "acc", "pre-key", []string{"1", "2"})
	if len(got) != 1 || string(got["2"]) != `"b"` {
		t.Fatalf("cached keys = %v", got)
	}
	if n := len(spy.reads()); n != 0 {
		t.Fatalf("cache miss went to the store %d times", n)
	}

	flush(t, s, "acc")
	ids, _ := spy.Credentials.KeyIDs(ctx, "acc", "pre-key")
	if strings.Join(ids, ",") != "2" {
		t.Fatalf("persisted ids = %v", ids)
	}
}

func TestPruneKeepsMostRecentlyUsed(t *testing.T) {
	t.Parallel()
	s, spy, clk := newTestStore(t, 0, Config{ShardCeiling: 10, ShardRetain: 5})
	ctx := context.Background()

	for i := 0; i <= 10; i++ {
		clk.Advance(time.Second)
		_ = s.SetKeys(ctx, "acc", map[string]map[string]json.RawMessage{
			"session": {fmt.Sprintf("k%02d", i): raw("v")},
		})
	}
	flush(t, s, "acc")

	ids, _ := spy.Credentials.KeyIDs(ctx, "acc", "session")
	sort.Strings(ids)
	if strings.Join(ids, ",") != "k06,k07,k08,k09,k10" {
		t.Fatalf("retained ids = %v", ids)
	}
	got, _ := s.GetKeys(ctx, "acc", "session", []string{"k00", "k10"})
	if _, ok := got["k00"]; ok || len(got) != 1 {
		t.Fatalf("pruned key still served: %v", got)
	}
}

func TestPruneCountsPersistedKeys(t *testing.T) {
	t.Parallel()
	s, spy, _ := newTestStore(t, 0, Config{ShardCeiling: 10, ShardRetain: 5})
	ctx := context.Background()
	seed := map[string]json.RawMessage{}
	for i := 0; i < 10; i++ {
		seed[fmt.Sprintf("old%02d", i)] = raw("v")
	}
	_ = spy.Credentials.UpdateCredentials(ctx, "acc", storage.CredentialUpdate{
		Identity: storage.Identity{"me": raw("x")},
		Set:      map[string]map[string]json.RawMessage{"session": seed},
	})

	_ = s.SetKeys(ctx, "acc", map[string]map[string]json.RawMessage{"session": {"new": raw("v")}})
	flush(t, s, "acc")

	ids, _ := spy.Credentials.KeyIDs(ctx, "acc", "session")
	if len(ids) != 5 {
		t.Fatalf("retained %d ids: %v", len(ids), ids)
	}
	found := false
	for _, id := range ids {
		found = found || id == "new"
	}
	if !found {
		t.Fatalf("newest key pruned: %v", ids)
	}
	if id, ok, _ := spy.Credentials.GetIdentity(ctx, "acc"); !ok || string(id["me"]) != `"x"` {
		t.Fatal("identity touched by pruning")
	}
}

func TestOversizedRecordPurgesKeysAndRetries(t *testing.T) {
	t.Parallel()
	s, spy, _ := newTestStore(t, 200, Config{})
	ctx := context.Background()
	_ = spy.Credentials.UpdateCredentials(ctx, "acc", storage.CredentialUpdate{
		Identity: storage.Identity{"me": raw("x")},
		Set: map[string]map[string]json.RawMessage{"session": {
			"a": raw(strings.Repeat("a", 80)),
			"b": raw(strings.Repeat("b", 80)),
		}},
	})

	_ = s.SetKeys(ctx, "acc", map[string]map[string]json.RawMessage{"pre-key": {"n": raw(strings.Repeat("n", 60))}})
	flush(t, s, "acc")

	if ids, _ := spy.Credentials.KeyIDs(ctx, "acc", "session"); len(ids) != 0 {
		t.Fatalf("old shard survived purge: %v", ids)
	}
	if ids, _ := spy.Credentials.KeyIDs(ctx, "acc", "pre-key"); strings.Join(ids, ",") != "n" {
		t.Fatalf("retried write missing: %v", ids)
	}
	if _, ok, _ := spy.Credentials.GetIdentity(ctx, "acc"); !ok {
		t.Fatal("identity lost in purge")
	}
}

func TestFailedWriteKeepsCacheAuthoritative(t *testing.T) {
	t.Parallel()
	s, spy, _ := newTestStore(t, 0, Config{})
	ctx := context.Background()
	spy.mu.Lock()
	spy.writeErr = errors.New("disk full")
	spy.mu.Unlock()

	_ = s.SetKeys(ctx, "acc", map[string]map[string]json.RawMessage{"pre-key": {"1": raw("a")}})
	flush(t, s, "acc")

	got, err := s.GetKeys(ctx, "acc", "pre-key", []string{"1"})
	if err != nil || string(got["1"]) != `"a"` {
		t.Fatalf("cache lost after failed write: %v, %v", got, err)
	}
	if ids, _ := spy.Credentials.KeyIDs(ctx, "acc", "pre-key"); len(ids) != 0 {
		t.Fatalf("failed write persisted: %v", ids)
	}
}

func TestWipeDropsPendingAndDeletes(t *testing.T) {
	t.Parallel()
	s, spy, _ := newTestStore(t, 0, Config{})
	ctx := context.Background()
	_, _ = s.Identity(ctx, "acc")
	flush(t, s, "acc")

	gate := make(chan struct{})
	spy.mu.Lock()
	spy.gate = gate
	spy.mu.Unlock()
	_ = s.SetKeys(ctx, "acc", map[string]map[string]json.RawMessage{"pre-key": {"1": raw("a")}})
	_ = s.SetKeys(ctx, "acc", map[string]map[string]json.RawMessage{"pre-key": {"2": raw("b")}})

	done := make(chan error, 1)
	go func() { done <- s.Wipe(ctx, "acc") }()
	time.Sleep(20 * time.Millisecond)
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Wipe: %v", err)
	}

	if has, _ := s.HasCredentials(ctx, "acc"); has {
		t.Fatal("credentials survived wipe")
	}
	if ids, _ := spy.Credentials.KeyIDs(ctx, "acc", "pre-key"); len(ids) != 0 {
		t.Fatalf("keys survived wipe: %v", ids)
	}
	if s.Cached() != 0 {
		t.Fatal("cache survived wipe")
	}
}

func TestSweepIdle(t *testing.T) {
	t.Parallel()
	s, _, clk := newTestStore(t, 0, Config{})
	ctx := context.Background()
	_, _ = s.Identity(ctx, "old")
	clk.Advance(90 * time.Minute)
	_, _ = s.Identity(ctx, "fresh")
	flush(t, s, "old")
	flush(t, s, "fresh")
	clk.Advance(40 * time.Minute)

	if n := s.SweepIdle(2 * time.Hour); n != 1 {
		t.Fatalf("swept %d", n)
	}
	if s.Cached() != 1 {
		t.Fatalf("cached = %d", s.Cached())
	}
	if has, _ := s.HasCredentials(ctx, "old"); !has {
		t.Fatal("sweep must keep persisted credentials")
	}
}

func TestSweptEntryIsNotReused(t *testing.T) {
	t.Parallel()
	s, st, clk := newTestStore(t, 0, Config{})
	ctx := context.Background()
	_, _ = s.Identity(ctx, "acc")
	flush(t, s, "acc")

	// A writer that fetched the entry just before the sweep.
	stale := s.entry("acc")
	clk.Advance(3 * time.Hour)
	if n := s.SweepIdle(2 * time.Hour); n != 1 {
		t.Fatalf("swept %d", n)
	}

	a := s.locked("acc")
	fresh := a
	a.mu.Unlock()
	if fresh == stale {
		t.Fatal("locked returned the swept entry")
	}
	stale.mu.Lock()
	swept := stale.swept
	stale.mu.Unlock()
	if !swept {
		t.Fatal("swept entry not marked")
	}

	if err := s.SaveIdentity(ctx, "acc", map[string]json.RawMessage{"registered": json.RawMessage(`true`)}); err != nil {
		t.Fatal(err)
	}
	flush(t, s, "acc")
	id, ok, err := st.GetIdentity(ctx, "acc")
	if err != nil || !ok || string(id["registered"]) != "true" || len(id["noiseKey"]) == 0 {
		t.Fatalf("persisted identity = %v, %v, %v", id, ok, err)
	}
	if s.Cached() != 1 {
		t.Fatalf("cached = %d", s.Cached())
	}
}

func TestAuthStateRoundTrip(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t, 0, Config{})
	ctx := context.Background()
	auth := s.AuthState("acc")

	id, err := auth.Identity(ctx)
	if err != nil || len(id["noiseKey"]) == 0 {
		t.Fatalf("Identity = %v, %v", id, err)
	}
	if err := auth.SaveCreds(ctx, map[string]json.RawMessage{"registered": json.RawMessage(`true`)}); err != nil {
		t.Fatal(err)
	}
	id, _ = auth.Identity(ctx)
	if string(id["registered"]) != "true" || len(id["noiseKey"]) == 0 {
		t.Fatalf("merged identity = %v", id)
	}
}
