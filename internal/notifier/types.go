package notifier

import (
	"time"

	"wagate/internal/transport"
)

// Config controls the alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int

	// Events lists the bus event types turned into alerts. Empty selects
	// DefaultEvents.
	Events []string
	Target transport.ChatTarget
}

type HistoryItem struct {
	At   time.Time
	Text string
}
