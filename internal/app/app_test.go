package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wagate/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wagate.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestMappingDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}

	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.Driver != "sqlite" || sc.Path != "./data/wagate.db" || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("storage = %+v, %v", sc, err)
	}
	lc, err := mapLockConfig(cfg)
	if err != nil || lc.InstanceID == "" || lc.Grace != 120*time.Second || lc.Heartbeat != 5*time.Second {
		t.Fatalf("lock = %+v, %v", lc, err)
	}
	if _, ok := mapRedisLeases(cfg); ok {
		t.Fatal("redis leases selected by default")
	}
	cfg.Lock.Driver = "Redis"
	cfg.Lock.RedisAddr = "127.0.0.1:6379"
	if ro, ok := mapRedisLeases(cfg); !ok || ro.Addr != "127.0.0.1:6379" {
		t.Fatalf("redis leases = %+v, %v", ro, ok)
	}

	cfg.Notifier.Enabled = true
	if nc, _ := mapNotifierConfig(cfg); nc.Enabled {
		t.Fatal("notifier enabled without a telegram token")
	}
	cfg.Telegram = config.TelegramConfig{Token: "t", ChatID: -100, ThreadID: 4}
	nc, err := mapNotifierConfig(cfg)
	if err != nil || !nc.Enabled || nc.Target.ChatID != -100 || nc.Target.ThreadID != 4 || nc.DedupWindow != 5*time.Minute {
		t.Fatalf("notifier = %+v, %v", nc, err)
	}
}

func TestMappingReportsBadDurations(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		mutate func(*config.Config)
		check  func(*config.Config) error
		path   string
	}{
		"delivery": {
			mutate: func(c *config.Config) { c.Delivery.PaceMin = "soon" },
			check:  func(c *config.Config) error { _, err := mapDeliveryConfig(c); return err },
			path:   "delivery.pace_min",
		},
		"lifecycle": {
			mutate: func(c *config.Config) { c.Lifecycle.BackoffJitter = "-1s" },
			check:  func(c *config.Config) error { _, err := mapLifecycleConfig(c); return err },
			path:   "lifecycle.backoff_jitter",
		},
		"reaper": {
			mutate: func(c *config.Config) { c.Reaper.SessionIdle = "1 hour" },
			check:  func(c *config.Config) error { _, err := mapReaperConfig(c); return err },
			path:   "reaper.session_idle",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := &config.Config{}
			tc.mutate(cfg)
			err := tc.check(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.path) {
				t.Fatalf("err = %v, want mention of %s", err, tc.path)
			}
		})
	}
}

func TestNewAppRequiresProtocolURL(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "storage:\n  driver: memory\n")
	if _, err := NewApp(path); err == nil || !strings.Contains(err.Error(), "protocol.url") {
		t.Fatalf("NewApp err = %v", err)
	}
}

func TestStartApplyStop(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
storage:
  driver: memory
protocol:
  url: ws://127.0.0.1:1/ws
lock:
  instance_id: test-1
delivery:
  slots: 1
  poll_interval: 50ms
`)
	a, err := NewApp(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case <-a.Done():
		t.Fatalf("app stopped early: %v", a.Err())
	case <-time.After(100 * time.Millisecond):
	}

	next := *a.cfgm.Get()
	next.Ops = config.OpsConfig{Enabled: true, Addr: "127.0.0.1:0"}
	a.apply(ctx, &next)
	if a.ops.Addr() == "" {
		t.Fatal("ops not started by reload")
	}
	h, ok := a.health().(map[string]any)
	if !ok || h["instance_id"] != "test-1" {
		t.Fatalf("health = %+v", a.health())
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopSignal); err != nil {
		t.Fatal(err)
	}
	if a.ops.Addr() != "" {
		t.Fatal("ops still listening after stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("supervisor error: %v", err)
	}
}
