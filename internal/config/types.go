package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Omitted or zero values fall back to the owning component's defaults.
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Lock      LockConfig      `json:"lock"`
	Protocol  ProtocolConfig  `json:"protocol"`
	Lifecycle LifecycleConfig `json:"lifecycle"`
	Credstore CredstoreConfig `json:"credstore"`
	Reaper    ReaperConfig    `json:"reaper"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Queue     QueueConfig     `json:"queue"`
	Notifier  NotifierConfig  `json:"notifier"`
	Ops       OpsConfig       `json:"ops"`
}

// TelegramConfig configures the operator alert channel. Leave token empty
// to disable Telegram alerts entirely.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alerts  LoggingAlert `json:"alerts"`

	// Categories maps a logger category (lifecycle, credstore, protocol,
	// delivery, reaper, lock, queue) to its minimum level.
	Categories map[string]string `json:"categories,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards high-severity log lines to the Telegram chat.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the document store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/wagate.db" }
type StorageConfig struct {
	Driver         string `json:"driver"` // sqlite (default) | memory
	Path           string `json:"path"`
	BusyTimeout    string `json:"busy_timeout,omitempty"`
	MaxRecordBytes int    `json:"max_record_bytes,omitempty"`
}

// LockConfig controls lease ownership.
type LockConfig struct {
	Driver     string `json:"driver"` // store (default) | redis
	Grace      string `json:"grace,omitempty"`
	Heartbeat  string `json:"heartbeat,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`

	RedisAddr     string `json:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty"`
	RedisPrefix   string `json:"redis_prefix,omitempty"`
}

// ProtocolConfig points at the protocol sidecar and classifies close codes.
type ProtocolConfig struct {
	URL              string `json:"url"`
	ConnectTimeout   string `json:"connect_timeout,omitempty"`
	PresenceInterval string `json:"presence_interval,omitempty"`
	LoggedOutCodes   []int  `json:"logged_out_codes,omitempty"`
	ConflictCodes    []int  `json:"conflict_codes,omitempty"`
	// LogLevel is the minimum level for log frames forwarded by the sidecar.
	LogLevel string `json:"log_level,omitempty"`
}

type LifecycleConfig struct {
	QRTimeout        string `json:"qr_timeout,omitempty"`
	QRMaxAttempts    int    `json:"qr_max_attempts,omitempty"`
	InitTimeout      string `json:"init_timeout,omitempty"`
	InitGuardTTL     string `json:"init_guard_ttl,omitempty"`
	StableAfter      string `json:"stable_after,omitempty"`
	InstabilityMax   int    `json:"instability_max,omitempty"`
	ReconnectMax     int    `json:"reconnect_max,omitempty"`
	BackoffBase      string `json:"backoff_base,omitempty"`
	ConflictBackoff  string `json:"conflict_backoff_base,omitempty"`
	BackoffMax       string `json:"backoff_max,omitempty"`
	BackoffJitter    string `json:"backoff_jitter,omitempty"`
	RestoreStagger   string `json:"restore_stagger,omitempty"`
	ReadyWait        string `json:"ready_wait,omitempty"`
	RestoreOnStartup *bool  `json:"restore_on_startup,omitempty"`
}

type CredstoreConfig struct {
	ShardCeiling int `json:"shard_ceiling,omitempty"`
	ShardRetain  int `json:"shard_retain,omitempty"`
}

// ReaperConfig uses robfig/cron specs ("@every 30s", "*/5 * * * *").
type ReaperConfig struct {
	CacheSweep    string   `json:"cache_sweep,omitempty"`
	CacheIdle     string   `json:"cache_idle,omitempty"`
	SessionSweeps []string `json:"session_sweeps,omitempty"`
	SessionIdle   string   `json:"session_idle,omitempty"`
	Timezone      string   `json:"timezone,omitempty"`
}

type DeliveryConfig struct {
	Slots        int    `json:"slots,omitempty"`
	PausedDelay  string `json:"paused_delay,omitempty"`
	PaceMin      string `json:"pace_min,omitempty"`
	PaceMax      string `json:"pace_max,omitempty"`
	MediaRoot    string `json:"media_root,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`
}

type QueueConfig struct {
	MaxAttempts int    `json:"max_attempts,omitempty"`
	BackoffBase string `json:"backoff_base,omitempty"`
	BackoffMax  string `json:"backoff_max,omitempty"`
	Visibility  string `json:"visibility,omitempty"`
}

// NotifierConfig controls operator alerts raised from session events.
type NotifierConfig struct {
	Enabled     bool     `json:"enabled"`
	RatePerSec  int      `json:"rate_per_sec,omitempty"`
	DedupWindow string   `json:"dedup_window,omitempty"`
	Events      []string `json:"events,omitempty"`
}

// OpsConfig controls the ops HTTP server (metrics, health, status, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
