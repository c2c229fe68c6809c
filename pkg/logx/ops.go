package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "rankbot/internal/transport"
)

const (
	opsQueueSize  = 256
	opsMaxMessage = 3500
	opsMaxValue   = 600
	opsMaxStack   = 900
	opsSendWait   = 10 * time.Second
)

// opsSink turns JSON log lines into short chat messages. Writes never block:
// a full queue or an exhausted rate budget drops the line.
type opsSink struct {
	sender kit.Sender
	queue  chan opsMessage

	mu       sync.Mutex
	to       kit.ChatTarget
	minLevel zerolog.Level
	limiter  *rate.Limiter

	dropped atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

type opsMessage struct {
	to   kit.ChatTarget
	text string
}

func newOpsSink(sender kit.Sender) *opsSink {
	return &opsSink{
		sender:   sender,
		queue:    make(chan opsMessage, opsQueueSize),
		minLevel: zerolog.WarnLevel,
		done:     make(chan struct{}),
	}
}

func (o *opsSink) configure(cfg OpsConfig) {
	rps := max(1, cfg.RatePerSec)
	o.mu.Lock()
	o.to = kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	o.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	if o.limiter == nil || o.limiter.Burst() != rps {
		o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	o.mu.Unlock()

	if cfg.Enabled {
		o.startOnce.Do(o.start)
	}
}

func (o *opsSink) start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	go func() {
		defer close(o.done)
		for {
			select {
			case <-ctx.Done():
				o.drain()
				return
			case m := <-o.queue:
				o.send(m)
			}
		}
	}()
}

// drain delivers whatever is already queued, best effort.
func (o *opsSink) drain() {
	for {
		select {
		case m := <-o.queue:
			o.send(m)
		default:
			return
		}
	}
}

func (o *opsSink) send(m opsMessage) {
	if n := o.dropped.Swap(0); n > 0 {
		m.text += fmt.Sprintf("\n(%d earlier lines dropped)", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), opsSendWait)
	defer cancel()
	_ = o.sender.SendText(ctx, m.to, m.text, &kit.SendOptions{DisablePreview: true, Silent: true})
}

// close stops the worker after flushing the queue. An unstarted sink has
// nothing to wait for.
func (o *opsSink) close() {
	o.stopOnce.Do(func() {
		o.startOnce.Do(func() { close(o.done) })
		if o.cancel != nil {
			o.cancel()
		}
		<-o.done
	})
}

func (o *opsSink) Write(p []byte) (int, error) { return o.WriteLevel(zerolog.InfoLevel, p) }

func (o *opsSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	to, minLevel, lim := o.to, o.minLevel, o.limiter
	o.mu.Unlock()

	if level < minLevel || to.IsZero() {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		o.dropped.Add(1)
		return len(p), nil
	}
	text := formatOps(p)
	if text == "" {
		return len(p), nil
	}
	select {
	case o.queue <- opsMessage{to: to, text: text}:
	default:
		o.dropped.Add(1)
	}
	return len(p), nil
}

// formatOps renders one JSON log line as
//
//	[WARN] syncloop: sync pass failed
//	account_id=1 username=s1mple
//	- err=...
//
// Identity keys come first on one line, the remaining keys sorted below.
func formatOps(p []byte) string {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), opsMaxMessage)
	}

	var b strings.Builder
	if lvl, _ := m["level"].(string); lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	if comp, _ := m[KeyComp].(string); comp != "" {
		b.WriteString(comp + ": ")
	}
	msg, _ := m["message"].(string)
	b.WriteString(msg)

	var ident []string
	for _, k := range []string{KeyGuild, KeyAccount, KeyUsername} {
		if v, ok := m[k]; ok {
			ident = append(ident, k+"="+fmt.Sprint(v))
		}
	}
	if len(ident) > 0 {
		b.WriteString("\n" + strings.Join(ident, " "))
	}

	skip := map[string]bool{
		"time": true, "level": true, "message": true, zerolog.CallerFieldName: true,
		KeyComp: true, KeyGuild: true, KeyAccount: true, KeyUsername: true,
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if !skip[k] {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	for _, k := range keys {
		limit := opsMaxValue
		if k == "stack" {
			limit = opsMaxStack
		}
		b.WriteString("\n- " + k + "=" + truncate(fmt.Sprint(m[k]), limit))
	}
	return truncate(b.String(), opsMaxMessage)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
