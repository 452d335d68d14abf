package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks the shape of cfg without touching the network or disk.
// All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite":
	case "memory":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if cfg.Storage.MaxRecordBytes < 0 {
		add(errors.New("storage.max_record_bytes must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Lock.Driver)) {
	case "", "store":
	case "redis":
		if strings.TrimSpace(cfg.Lock.RedisAddr) == "" {
			add(errors.New("lock.redis_addr is required when lock.driver is redis"))
		}
	default:
		add(fmt.Errorf("lock.driver: unknown driver %q", cfg.Lock.Driver))
	}
	dur("lock.grace", cfg.Lock.Grace)
	dur("lock.heartbeat", cfg.Lock.Heartbeat)

	dur("protocol.connect_timeout", cfg.Protocol.ConnectTimeout)
	dur("protocol.presence_interval", cfg.Protocol.PresenceInterval)
	for _, code := range cfg.Protocol.LoggedOutCodes {
		for _, c := range cfg.Protocol.ConflictCodes {
			if code == c {
				add(fmt.Errorf("protocol: close code %d is both logged_out and conflict", code))
			}
		}
	}

	lc := cfg.Lifecycle
	dur("lifecycle.qr_timeout", lc.QRTimeout)
	dur("lifecycle.init_timeout", lc.InitTimeout)
	dur("lifecycle.init_guard_ttl", lc.InitGuardTTL)
	dur("lifecycle.stable_after", lc.StableAfter)
	dur("lifecycle.backoff_base", lc.BackoffBase)
	dur("lifecycle.conflict_backoff_base", lc.ConflictBackoff)
	dur("lifecycle.backoff_max", lc.BackoffMax)
	dur("lifecycle.backoff_jitter", lc.BackoffJitter)
	dur("lifecycle.restore_stagger", lc.RestoreStagger)
	dur("lifecycle.ready_wait", lc.ReadyWait)
	if lc.QRMaxAttempts < 0 || lc.InstabilityMax < 0 || lc.ReconnectMax < 0 {
		add(errors.New("lifecycle: attempt limits must be >= 0"))
	}

	if c := cfg.Credstore; c.ShardCeiling < 0 || c.ShardRetain < 0 {
		add(errors.New("credstore: shard limits must be >= 0"))
	} else if c.ShardCeiling > 0 && c.ShardRetain > c.ShardCeiling {
		add(errors.New("credstore.shard_retain must not exceed shard_ceiling"))
	}

	rp := cfg.Reaper
	for _, spec := range append([]string{rp.CacheSweep}, rp.SessionSweeps...) {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			add(fmt.Errorf("reaper: invalid schedule %q: %w", spec, err))
		}
	}
	dur("reaper.cache_idle", rp.CacheIdle)
	dur("reaper.session_idle", rp.SessionIdle)

	d := cfg.Delivery
	if d.Slots < 0 {
		add(errors.New("delivery.slots must be >= 0"))
	}
	dur("delivery.paused_delay", d.PausedDelay)
	dur("delivery.poll_interval", d.PollInterval)
	dur("delivery.send_timeout", d.SendTimeout)
	pmin, err1 := ParseDurationField("delivery.pace_min", d.PaceMin)
	pmax, err2 := ParseDurationField("delivery.pace_max", d.PaceMax)
	add(err1)
	add(err2)
	if err1 == nil && err2 == nil && pmax > 0 && pmin > pmax {
		add(errors.New("delivery.pace_min must not exceed pace_max"))
	}

	if cfg.Queue.MaxAttempts < 0 {
		add(errors.New("queue.max_attempts must be >= 0"))
	}
	dur("queue.backoff_base", cfg.Queue.BackoffBase)
	dur("queue.backoff_max", cfg.Queue.BackoffMax)
	dur("queue.visibility", cfg.Queue.Visibility)

	dur("notifier.dedup_window", cfg.Notifier.DedupWindow)
	if cfg.Notifier.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("notifier.enabled requires telegram.token"))
	}
	if cfg.Logging.Alerts.Enabled && strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("logging.alerts.enabled requires telegram.token"))
	}

	if cfg.Ops.Enabled {
		dur("ops.read_timeout", cfg.Ops.ReadTimeout)
		dur("ops.write_timeout", cfg.Ops.WriteTimeout)
		dur("ops.idle_timeout", cfg.Ops.IdleTimeout)
		if addr := strings.TrimSpace(cfg.Ops.Addr); addr != "" && !isLoopbackAddr(addr) &&
			strings.TrimSpace(cfg.Ops.Token) == "" && !cfg.Ops.AllowInsecure {
			add(fmt.Errorf("ops.addr %q is not loopback: set ops.token or ops.allow_insecure", addr))
		}
	}

	return errors.Join(errs...)
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
