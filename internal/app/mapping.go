package app

import (
	"strings"
	"time"

	"wagate/internal/config"
	"wagate/internal/credstore"
	"wagate/internal/delivery"
	"wagate/internal/lifecycle"
	"wagate/internal/lock"
	"wagate/internal/notifier"
	"wagate/internal/observability/ops"
	"wagate/internal/protocol/wsbridge"
	"wagate/internal/queue"
	"wagate/internal/reaper"
	"wagate/internal/storage"
	"wagate/internal/transport"
	"wagate/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled,
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
		Categories: cfg.Logging.Categories,
	}
}

func alertTarget(cfg *config.Config) transport.ChatTarget {
	return transport.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	var d config.Durations
	sc := storage.Config{
		Driver:         strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:           strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout:    d.Get("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second),
		MaxRecordBytes: cfg.Storage.MaxRecordBytes,
	}
	if sc.Driver == "" {
		sc.Driver = "sqlite"
	}
	if sc.Path == "" && sc.Driver == "sqlite" {
		sc.Path = "./data/wagate.db"
	}
	return sc, d.Err()
}

func mapLockConfig(cfg *config.Config) (lock.Config, error) {
	var d config.Durations
	lc := lock.Config{
		InstanceID: strings.TrimSpace(cfg.Lock.InstanceID),
		Grace:      d.Get("lock.grace", cfg.Lock.Grace, 120*time.Second),
		Heartbeat:  d.Get("lock.heartbeat", cfg.Lock.Heartbeat, 5*time.Second),
	}
	if lc.InstanceID == "" {
		lc.InstanceID = lock.NewInstanceID()
	}
	return lc, d.Err()
}

func mapRedisLeases(cfg *config.Config) (storage.RedisOptions, bool) {
	if !strings.EqualFold(strings.TrimSpace(cfg.Lock.Driver), "redis") {
		return storage.RedisOptions{}, false
	}
	return storage.RedisOptions{
		Addr:     cfg.Lock.RedisAddr,
		Password: cfg.Lock.RedisPassword,
		DB:       cfg.Lock.RedisDB,
		Prefix:   cfg.Lock.RedisPrefix,
	}, true
}

func mapProtocolConfig(cfg *config.Config) (wsbridge.Config, error) {
	var d config.Durations
	return wsbridge.Config{
		URL:         strings.TrimSpace(cfg.Protocol.URL),
		DialTimeout: d.Get("protocol.connect_timeout", cfg.Protocol.ConnectTimeout, 10*time.Second),
		LogLevel:    cfg.Protocol.LogLevel,
	}, d.Err()
}

func mapLifecycleConfig(cfg *config.Config) (lifecycle.Config, error) {
	var d config.Durations
	lc := cfg.Lifecycle
	return lifecycle.Config{
		QRTimeout:        d.Get("lifecycle.qr_timeout", lc.QRTimeout, 0),
		QRMaxAttempts:    lc.QRMaxAttempts,
		InitTimeout:      d.Get("lifecycle.init_timeout", lc.InitTimeout, 0),
		InitGuardTTL:     d.Get("lifecycle.init_guard_ttl", lc.InitGuardTTL, 0),
		StableAfter:      d.Get("lifecycle.stable_after", lc.StableAfter, 0),
		InstabilityMax:   lc.InstabilityMax,
		ReconnectMax:     lc.ReconnectMax,
		BackoffBase:      d.Get("lifecycle.backoff_base", lc.BackoffBase, 0),
		ConflictBackoff:  d.Get("lifecycle.conflict_backoff_base", lc.ConflictBackoff, 0),
		BackoffMax:       d.Get("lifecycle.backoff_max", lc.BackoffMax, 0),
		BackoffJitter:    d.Get("lifecycle.backoff_jitter", lc.BackoffJitter, 0),
		PresenceInterval: d.Get("protocol.presence_interval", cfg.Protocol.PresenceInterval, 0),
		RestoreStagger:   d.Get("lifecycle.restore_stagger", lc.RestoreStagger, 0),
		ReadyWait:        d.Get("lifecycle.ready_wait", lc.ReadyWait, 0),
		LoggedOutCodes:   cfg.Protocol.LoggedOutCodes,
		ConflictCodes:    cfg.Protocol.ConflictCodes,
	}, d.Err()
}

func mapCredstoreConfig(cfg *config.Config) credstore.Config {
	return credstore.Config{
		ShardCeiling: cfg.Credstore.ShardCeiling,
		ShardRetain:  cfg.Credstore.ShardRetain,
	}
}

func mapReaperConfig(cfg *config.Config) (reaper.Config, error) {
	var d config.Durations
	rp := cfg.Reaper
	return reaper.Config{
		CacheSweep:    strings.TrimSpace(rp.CacheSweep),
		CacheIdle:     d.Get("reaper.cache_idle", rp.CacheIdle, 0),
		SessionSweeps: rp.SessionSweeps,
		SessionIdle:   d.Get("reaper.session_idle", rp.SessionIdle, 0),
		Timezone:      strings.TrimSpace(rp.Timezone),
	}, d.Err()
}

func mapQueuePolicy(cfg *config.Config) (queue.Policy, error) {
	var d config.Durations
	return queue.Policy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BackoffBase: d.Get("queue.backoff_base", cfg.Queue.BackoffBase, 0),
		BackoffMax:  d.Get("queue.backoff_max", cfg.Queue.BackoffMax, 0),
	}, d.Err()
}

// mapDeliveryConfig leaves Consumer unset; the caller owns worker identity.
func mapDeliveryConfig(cfg *config.Config) (delivery.Config, error) {
	var d config.Durations
	dc := cfg.Delivery
	return delivery.Config{
		Slots:        dc.Slots,
		PausedDelay:  d.Get("delivery.paused_delay", dc.PausedDelay, 0),
		PaceMin:      d.Get("delivery.pace_min", dc.PaceMin, 0),
		PaceMax:      d.Get("delivery.pace_max", dc.PaceMax, 0),
		MediaRoot:    strings.TrimSpace(dc.MediaRoot),
		PollInterval: d.Get("delivery.poll_interval", dc.PollInterval, 0),
		SendTimeout:  d.Get("delivery.send_timeout", dc.SendTimeout, 0),
		ReadyWait:    d.Get("lifecycle.ready_wait", cfg.Lifecycle.ReadyWait, 0),
		Visibility:   d.Get("queue.visibility", cfg.Queue.Visibility, 0),
	}, d.Err()
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	var d config.Durations
	return notifier.Config{
		Enabled:     cfg.Notifier.Enabled && strings.TrimSpace(cfg.Telegram.Token) != "",
		RatePerSec:  cfg.Notifier.RatePerSec,
		DedupWindow: d.Get("notifier.dedup_window", cfg.Notifier.DedupWindow, 5*time.Minute),
		Events:      cfg.Notifier.Events,
		Target:      alertTarget(cfg),
	}, d.Err()
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	var d config.Durations
	o := cfg.Ops
	return ops.Config{
		Enabled:       o.Enabled,
		Addr:          strings.TrimSpace(o.Addr),
		Token:         strings.TrimSpace(o.Token),
		AllowInsecure: o.AllowInsecure,
		Pprof:         o.Pprof,
		ReadTimeout:   d.Get("ops.read_timeout", o.ReadTimeout, 10*time.Second),
		WriteTimeout:  d.Get("ops.write_timeout", o.WriteTimeout, 60*time.Second),
		IdleTimeout:   d.Get("ops.idle_timeout", o.IdleTimeout, 60*time.Second),
	}, d.Err()
}
