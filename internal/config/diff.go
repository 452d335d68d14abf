package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strings"

	"wagate/pkg/logx"
)

// restartOnly lists sections that are read once at startup. Changing them on
// a running process only produces a warning.
var restartOnly = map[string]bool{
	"telegram":  true,
	"storage":   true,
	"lock":      true,
	"protocol":  true,
	"lifecycle": true,
	"credstore": true,
	"queue":     true,
}

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) the subset that needs a restart to take effect, and (3) safe structured
// attrs for logging (never includes secrets like tokens or passwords).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"telegram", oldCfg.Telegram, newCfg.Telegram},
		{"logging", oldCfg.Logging, newCfg.Logging},
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"lock", oldCfg.Lock, newCfg.Lock},
		{"protocol", oldCfg.Protocol, newCfg.Protocol},
		{"lifecycle", oldCfg.Lifecycle, newCfg.Lifecycle},
		{"credstore", oldCfg.Credstore, newCfg.Credstore},
		{"reaper", oldCfg.Reaper, newCfg.Reaper},
		{"delivery", oldCfg.Delivery, newCfg.Delivery},
		{"queue", oldCfg.Queue, newCfg.Queue},
		{"notifier", oldCfg.Notifier, newCfg.Notifier},
		{"ops", oldCfg.Ops, newCfg.Ops},
	}

	var changed, restart []string
	for _, s := range sections {
		if reflect.DeepEqual(s.old, s.new) {
			continue
		}
		changed = append(changed, s.name)
		if restartOnly[s.name] {
			restart = append(restart, s.name)
		}
	}
	sort.Strings(changed)
	sort.Strings(restart)

	attrs := make([]logx.Field, 0, 12)
	for _, name := range changed {
		switch name {
		case "logging":
			attrs = append(attrs,
				logx.String("logging.level", newCfg.Logging.Level),
				logx.Bool("logging.console", newCfg.Logging.Console),
				logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
				logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
				logx.Int("logging.categories", len(newCfg.Logging.Categories)),
			)
		case "delivery":
			attrs = append(attrs,
				logx.String("delivery.pace_min", strings.TrimSpace(newCfg.Delivery.PaceMin)),
				logx.String("delivery.pace_max", strings.TrimSpace(newCfg.Delivery.PaceMax)),
			)
		case "reaper":
			attrs = append(attrs,
				logx.String("reaper.cache_idle", strings.TrimSpace(newCfg.Reaper.CacheIdle)),
				logx.String("reaper.session_idle", strings.TrimSpace(newCfg.Reaper.SessionIdle)),
			)
		case "notifier":
			attrs = append(attrs,
				logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
				logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			)
		case "ops":
			attrs = append(attrs,
				logx.Bool("ops.enabled", newCfg.Ops.Enabled),
				logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
				logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			)
		}
	}
	return changed, restart, attrs
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
