// Package transport holds the platform-neutral types used by the ops
// messaging channel (alerts and the log sink).
package transport

import "context"

type ChatTarget struct {
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Sender delivers plain text to an ops chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) error
}

// Notification is a single ops message routed through the alerts service.
type Notification struct {
	Key      string // dedup key; empty disables dedup
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}
