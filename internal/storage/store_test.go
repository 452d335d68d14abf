package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wagate/pkg/logx"
)

func openStores(t *testing.T, maxRecord int) map[string]Store {
	t.Helper()
	sq, err := Open(Config{
		Driver:         "sqlite",
		Path:           filepath.Join(t.TempDir(), "wagate.db"),
		MaxRecordBytes: maxRecord,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(maxRecord),
		"sqlite": sq,
	}
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestAccountsPatchAndRestorable(t *testing.T) {
	for name, st := range openStores(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := st.GetAccount(ctx, "a1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetAccount(missing) err = %v, want ErrNotFound", err)
			}

			desired := true
			status := StatusConnected
			attempts := 4
			if err := st.PatchAccount(ctx, "a1", AccountPatch{Desired: &desired, Status: &status, ReconnectAttempts: &attempts}); err != nil {
				t.Fatalf("PatchAccount: %v", err)
			}
			if err := st.PutAccount(ctx, Account{ID: "a2", Credits: 3}); err != nil {
				t.Fatalf("PutAccount: %v", err)
			}

			a, err := st.GetAccount(ctx, "a1")
			if err != nil {
				t.Fatalf("GetAccount: %v", err)
			}
			if !a.Desired || a.Status != StatusConnected || a.ReconnectAttempts != 4 {
				t.Fatalf("unexpected account: %+v", a)
			}

			// A partial patch leaves other fields alone.
			zero := 0
			if err := st.PatchAccount(ctx, "a1", AccountPatch{ReconnectAttempts: &zero}); err != nil {
				t.Fatalf("PatchAccount: %v", err)
			}
			a, _ = st.GetAccount(ctx, "a1")
			if a.Status != StatusConnected || a.ReconnectAttempts != 0 {
				t.Fatalf("partial patch clobbered fields: %+v", a)
			}

			list, err := st.ListRestorable(ctx)
			if err != nil {
				t.Fatalf("ListRestorable: %v", err)
			}
			if len(list) != 1 || list[0].ID != "a1" {
				t.Fatalf("ListRestorable = %+v", list)
			}

			if err := st.AddCredits(ctx, "a2", -1); err != nil {
				t.Fatalf("AddCredits: %v", err)
			}
			a2, _ := st.GetAccount(ctx, "a2")
			if a2.Credits != 2 || a2.Status != StatusDisconnected {
				t.Fatalf("a2 = %+v", a2)
			}
			if err := st.AddCredits(ctx, "ghost", -1); !errors.Is(err, ErrNotFound) {
				t.Fatalf("AddCredits(missing) = %v", err)
			}
		})
	}
}

func TestCredentialsProjectionAndUnset(t *testing.T) {
	for name, st := range openStores(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if ok, _ := st.HasCredentials(ctx, "a1"); ok {
				t.Fatal("HasCredentials before write = true")
			}

			err := st.UpdateCredentials(ctx, "a1", CredentialUpdate{
				Identity: Identity{"me": raw(`{"id":"123"}`), "registered": raw(`true`)},
				Set: map[string]map[string]json.RawMessage{
					"pre-key": {"1": raw(`"k1"`), "2": raw(`"k2"`), "3": raw(`"k3"`)},
				},
			})
			if err != nil {
				t.Fatalf("UpdateCredentials: %v", err)
			}

			got, err := st.GetKeys(ctx, "a1", "pre-key", []string{"1", "3", "9"})
			if err != nil {
				t.Fatalf("GetKeys: %v", err)
			}
			if len(got) != 2 || string(got["3"]) != `"k3"` {
				t.Fatalf("GetKeys = %v", got)
			}

			if err := st.UpdateCredentials(ctx, "a1", CredentialUpdate{
				Set:   map[string]map[string]json.RawMessage{"pre-key": {"2": nil}},
				Unset: map[string][]string{"pre-key": {"1"}},
			}); err != nil {
				t.Fatalf("UpdateCredentials(unset): %v", err)
			}
			ids, _ := st.KeyIDs(ctx, "a1", "pre-key")
			if strings.Join(ids, ",") != "3" {
				t.Fatalf("KeyIDs after unset = %v", ids)
			}

			id, ok, err := st.GetIdentity(ctx, "a1")
			if err != nil || !ok || string(id["registered"]) != "true" {
				t.Fatalf("GetIdentity = %v %v %v", id, ok, err)
			}

			if err := st.PurgeKeys(ctx, "a1"); err != nil {
				t.Fatalf("PurgeKeys: %v", err)
			}
			if ids, _ := st.KeyIDs(ctx, "a1", "pre-key"); len(ids) != 0 {
				t.Fatalf("keys survived purge: %v", ids)
			}
			if ok, _ := st.HasCredentials(ctx, "a1"); !ok {
				t.Fatal("purge must keep identity")
			}

			if err := st.DeleteCredentials(ctx, "a1"); err != nil {
				t.Fatalf("DeleteCredentials: %v", err)
			}
			if ok, _ := st.HasCredentials(ctx, "a1"); ok {
				t.Fatal("credentials survived delete")
			}
		})
	}
}

func TestCredentialsRecordTooLargeLeavesRecordUntouched(t *testing.T) {
	for name, st := range openStores(t, 256) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.UpdateCredentials(ctx, "a1", CredentialUpdate{
				Identity: Identity{"me": raw(`"x"`)},
				Set:      map[string]map[string]json.RawMessage{"session": {"s1": raw(`"small"`)}},
			}); err != nil {
				t.Fatalf("small write: %v", err)
			}

			big := raw(`"` + strings.Repeat("x", 400) + `"`)
			err := st.UpdateCredentials(ctx, "a1", CredentialUpdate{
				Set: map[string]map[string]json.RawMessage{"session": {"s2": big}},
			})
			if !errors.Is(err, ErrRecordTooLarge) {
				t.Fatalf("oversized write err = %v, want ErrRecordTooLarge", err)
			}
			ids, _ := st.KeyIDs(ctx, "a1", "session")
			if strings.Join(ids, ",") != "s1" {
				t.Fatalf("oversized write leaked: %v", ids)
			}
		})
	}
}

func TestLeaseConditionalUpdate(t *testing.T) {
	for name, st := range openStores(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			grace := 120 * time.Second
			t0 := time.UnixMilli(1_700_000_000_000)

			if err := st.AcquireLease(ctx, "a1", "i1", t0, grace); err != nil {
				t.Fatalf("AcquireLease: %v", err)
			}
			// Fresh foreign lease: i2 loses.
			_ = st.AcquireLease(ctx, "a1", "i2", t0.Add(10*time.Second), grace)
			l, err := st.GetLease(ctx, "a1")
			if err != nil || l.Owner != "i1" {
				t.Fatalf("lease = %+v, %v; want owner i1", l, err)
			}

			// Heartbeat keeps it fresh.
			_ = st.HeartbeatLeases(ctx, "i1", []string{"a1"}, t0.Add(100*time.Second))
			_ = st.AcquireLease(ctx, "a1", "i2", t0.Add(200*time.Second), grace)
			if l, _ := st.GetLease(ctx, "a1"); l.Owner != "i1" {
				t.Fatalf("heartbeated lease stolen: %+v", l)
			}

			// Stale lease: i2 takes over.
			_ = st.AcquireLease(ctx, "a1", "i2", t0.Add(221*time.Second), grace)
			if l, _ := st.GetLease(ctx, "a1"); l.Owner != "i2" {
				t.Fatalf("stale lease not taken over: %+v", l)
			}

			// Release by non-owner is a no-op.
			_ = st.ReleaseLease(ctx, "a1", "i1")
			if l, _ := st.GetLease(ctx, "a1"); l.Owner != "i2" {
				t.Fatalf("non-owner release cleared lease: %+v", l)
			}
			_ = st.ReleaseLease(ctx, "a1", "i2")
			if _, err := st.GetLease(ctx, "a1"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("lease after release err = %v", err)
			}
		})
	}
}

func TestMessagesSentTransitionIsIdempotent(t *testing.T) {
	for name, st := range openStores(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.CreateMessage(ctx, Message{ID: "m1", AccountID: "a1", Recipient: "r"}); err != nil {
				t.Fatalf("CreateMessage: %v", err)
			}
			if err := st.MarkMessageFailed(ctx, "m1", "session not ready"); err != nil {
				t.Fatalf("MarkMessageFailed: %v", err)
			}
			first, err := st.MarkMessageSent(ctx, "m1", time.Now())
			if err != nil || !first {
				t.Fatalf("first MarkMessageSent = %v, %v", first, err)
			}
			second, err := st.MarkMessageSent(ctx, "m1", time.Now())
			if err != nil || second {
				t.Fatalf("second MarkMessageSent = %v, %v", second, err)
			}
			// A late failure never downgrades a sent message.
			_ = st.MarkMessageFailed(ctx, "m1", "late")
			m, _ := st.GetMessage(ctx, "m1")
			if m.Status != MessageSent || m.Error != "" || m.SentAt.IsZero() {
				t.Fatalf("message = %+v", m)
			}
			if _, err := st.MarkMessageSent(ctx, "ghost", time.Now()); !errors.Is(err, ErrNotFound) {
				t.Fatalf("MarkMessageSent(missing) = %v", err)
			}
		})
	}
}

func TestCampaignsAndEvents(t *testing.T) {
	for name, st := range openStores(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.PutCampaign(ctx, Campaign{ID: "c1"}); err != nil {
				t.Fatalf("PutCampaign: %v", err)
			}
			_ = st.IncCampaign(ctx, "c1", 2, 1)
			_ = st.SetCampaignStatus(ctx, "c1", CampaignPaused)
			c, err := st.GetCampaign(ctx, "c1")
			if err != nil || c.Sent != 2 || c.Failed != 1 || c.Status != CampaignPaused {
				t.Fatalf("campaign = %+v, %v", c, err)
			}

			for _, k := range []string{"connected", "conflict", "logged_out"} {
				if err := st.AppendEvent(ctx, AccountEvent{AccountID: "a1", Kind: k}); err != nil {
					t.Fatalf("AppendEvent: %v", err)
				}
			}
			evs, err := st.ListEvents(ctx, "a1", 2)
			if err != nil || len(evs) != 2 || evs[0].Kind != "logged_out" || evs[1].Kind != "conflict" {
				t.Fatalf("ListEvents = %+v, %v", evs, err)
			}
		})
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := SQLDB(st); !ok {
		t.Fatal("sqlite store must expose its handle")
	}
	desired := true
	_ = st.PatchAccount(ctx, "a1", AccountPatch{Desired: &desired})
	_ = st.Close()

	st, err = Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	a, err := st.GetAccount(ctx, "a1")
	if err != nil || !a.Desired {
		t.Fatalf("account after reopen = %+v, %v", a, err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

// TestRedisLeases runs against a real server when WAGATE_TEST_REDIS is set.
func TestRedisLeases(t *testing.T) {
	addr := os.Getenv("WAGATE_TEST_REDIS")
	if addr == "" {
		t.Skip("WAGATE_TEST_REDIS not set")
	}
	ctx := context.Background()
	r := NewRedisLeases(RedisOptions{Addr: addr, Prefix: "wagate:test:" + time.Now().Format("150405.000") + ":"})
	defer r.Close()
	if err := r.Ping(ctx); err != nil {
		t.Skipf("redis unreachable: %v", err)
	}

	now := time.Now()
	_ = r.AcquireLease(ctx, "a1", "i1", now, time.Minute)
	_ = r.AcquireLease(ctx, "a1", "i2", now, time.Minute)
	l, err := r.GetLease(ctx, "a1")
	if err != nil || l.Owner != "i1" {
		t.Fatalf("lease = %+v, %v", l, err)
	}
	_ = r.AcquireLease(ctx, "a1", "i2", now.Add(2*time.Minute), time.Minute)
	if l, _ := r.GetLease(ctx, "a1"); l.Owner != "i2" {
		t.Fatalf("stale lease not taken: %+v", l)
	}
	_ = r.ReleaseLease(ctx, "a1", "i2")
	if _, err := r.GetLease(ctx, "a1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("after release err = %v", err)
	}
}
