package alerts

import (
	"time"

	kit "rankbot/internal/transport"
)

// Config controls the alert pipeline.
type Config struct {
	// Enabled gates Telegram delivery. Status line updates run regardless.
	Enabled bool
	Target  kit.ChatTarget

	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int

	// IntervalChanges also alerts on schedule changes.
	IntervalChanges bool
	// Name prefixes every alert, e.g. "rankbot".
	Name string
}

// HistoryItem is one delivered alert.
type HistoryItem struct {
	At   time.Time
	Text string
}
