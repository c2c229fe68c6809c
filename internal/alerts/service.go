// Package alerts turns sync loop events into ops messages and a one-line
// service status.
//
// Delivery is an async pipeline: queue, one worker, rate limit, retry and a
// per-key dedup window. Status updates are synchronous and never dropped by
// the pipeline.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"rankbot/internal/eventbus"
	"rankbot/internal/rolesync"
	rtsup "rankbot/internal/runtime/supervisor"
	kit "rankbot/internal/transport"
	logx "rankbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alerts queue full")
	ErrStopped   = errors.New("alerts stopped")
)

// StatusFunc receives the current one-line status (systemd STATUS=).
type StatusFunc func(line string)

type Service struct {
	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
	status StatusFunc
	now    func() time.Time

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	accepting bool
	sendWG    sync.WaitGroup
	queue     chan kit.Notification
	sup       *rtsup.Supervisor
	unsub     func()

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

// New builds the service. sender may be nil, which disables delivery.
func New(cfg Config, sender kit.Sender, bus eventbus.Bus, status StatusFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 256
	}
	if cfg.Name == "" {
		cfg.Name = "rankbot"
	}
	if sender == nil || cfg.Target.IsZero() {
		cfg.Enabled = false
	}
	return &Service{
		log:     log.With(logx.String("comp", "alerts")),
		sender:  sender,
		bus:     bus,
		status:  status,
		now:     time.Now,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		dedup:   map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start subscribes to the bus and starts the delivery worker. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(64)
	}
	var q chan kit.Notification
	if s.cfg.Enabled {
		q = make(chan kit.Notification, s.cfg.QueueSize)
		s.queue = q
		s.accepting = true
	}
	s.mu.Unlock()

	if events != nil {
		sup.Go0("alerts.events", func(c context.Context) {
			for e := range events {
				s.handle(c, e)
			}
		})
	}
	if q != nil {
		sup.GoRestart("alerts.worker", func(c context.Context) error {
			for n := range q {
				s.sendWithRetry(c, n)
			}
			return nil
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("alerts started", logx.Bool("telegram", q != nil))
}

// Stop stops intake, drains queued alerts until ctx ends, then cancels.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, unsub, q := s.sup, s.unsub, s.queue
	s.sup, s.unsub, s.queue = nil, nil, nil
	s.accepting = false
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if unsub != nil {
		unsub()
	}
	s.sendWG.Wait()
	if q != nil {
		close(q)
	}
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("alerts stop incomplete", logx.Err(err))
	}
}

// Notify queues n for delivery. A key seen inside the dedup window is
// dropped silently.
func (s *Service) Notify(ctx context.Context, n kit.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	if n.Target.IsZero() {
		n.Target = s.cfg.Target
	}
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if window > 0 && n.Key != "" && !s.dedupAllow(n.Key, window, maxEntries) {
		s.log.Debug("alert deduped", logx.String("key", n.Key))
		return nil
	}
	select {
	case q <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) handle(ctx context.Context, e eventbus.Event) {
	if line := statusLine(e, s.now()); line != "" && s.status != nil {
		s.status(line)
	}
	n, ok := s.alertFor(e)
	if !ok {
		return
	}
	if err := s.Notify(ctx, n); err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Warn("alert not queued", logx.String("event", e.Type), logx.Err(err))
	}
}

func (s *Service) alertFor(e eventbus.Event) (kit.Notification, bool) {
	s.mu.Lock()
	name, intervals := s.cfg.Name, s.cfg.IntervalChanges
	s.mu.Unlock()

	switch e.Type {
	case eventbus.SyncDegraded:
		d, _ := e.Data.(eventbus.HealthData)
		text := fmt.Sprintf("%s: FACEIT sync degraded after %d consecutive failures", name, d.ConsecutiveFailures)
		if d.LastError != "" {
			text += "\nlast error: " + d.LastError
		}
		return kit.Notification{Key: e.Type, Priority: 9, Text: text}, true
	case eventbus.SyncRecovered:
		return kit.Notification{Key: e.Type, Priority: 5, Text: name + ": FACEIT sync recovered"}, true
	case eventbus.SyncIntervalChanged:
		if !intervals {
			return kit.Notification{}, false
		}
		d, _ := e.Data.(eventbus.IntervalData)
		return kit.Notification{Priority: 3, Text: fmt.Sprintf("%s: sync schedule changed to %s", name, d.Spec)}, true
	}
	return kit.Notification{}, false
}

// statusLine renders the service status for an event, or "" to keep the
// current one.
func statusLine(e eventbus.Event, now time.Time) string {
	at := now.Format("15:04")
	switch e.Type {
	case eventbus.SyncCycleCompleted:
		if sum, ok := e.Data.(rolesync.Summary); ok {
			return fmt.Sprintf("last sync %s: %s", at, sum.String())
		}
		return "last sync " + at + ": ok"
	case eventbus.SyncCycleFailed:
		d, _ := e.Data.(eventbus.HealthData)
		return fmt.Sprintf("sync failing since %s (%d consecutive): %s", at, d.ConsecutiveFailures, d.LastError)
	case eventbus.SyncDegraded:
		d, _ := e.Data.(eventbus.HealthData)
		return fmt.Sprintf("DEGRADED: %d consecutive sync failures", d.ConsecutiveFailures)
	case eventbus.SyncIntervalChanged:
		d, _ := e.Data.(eventbus.IntervalData)
		return "sync schedule " + d.Spec
	case eventbus.SyncStopped:
		return "sync stopped"
	}
	return ""
}

func (s *Service) sendWithRetry(ctx context.Context, n kit.Notification) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	text := prefixForPriority(n.Priority) + n.Text
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.sender.SendText(callCtx, n.Target, text, n.Options)
		cancel()
		if err == nil {
			s.appendHistory(text)
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("alert dropped after retries", logx.String("key", n.Key), logx.Err(lastErr))
}

func (s *Service) appendHistory(text string) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.now(), Text: text})
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var minKey string
		var minT time.Time
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func prefixForPriority(p int) string {
	switch {
	case p >= 9:
		return "🚨 "
	case p >= 7:
		return "⚠️ "
	case p >= 5:
		return "ℹ️ "
	default:
		return ""
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// Exponential backoff: base * 2^(attempt-1)
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	return min(time.Duration(float64(d)*j), cfg.RetryMaxDelay)
}
