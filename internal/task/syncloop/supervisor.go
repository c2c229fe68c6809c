// Package syncloop owns the lifecycle of the periodic reconciliation pass:
// wait for the platform, run, sleep until the next slot, repeat. Interval
// changes cancel the running generation and start a new one that runs
// immediately.
package syncloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rankbot/internal/eventbus"
	"rankbot/internal/rank"
	"rankbot/internal/rolesync"
	"rankbot/internal/runtime/supervisor"
	logx "rankbot/pkg/logx"
)

var ErrAlreadyRunning = errors.New("syncloop: already running")

// State is the supervisor lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateRunning    State = "running"
	StateCancelling State = "cancelling"
	StateStopped    State = "stopped"
)

// Runner runs one reconciliation pass.
type Runner interface {
	RunOnce(ctx context.Context) (rolesync.Summary, error)
}

type Config struct {
	// Backoff is the fixed wait after a failed pass. It is capped by the
	// schedule so a failure never delays the next regular slot. Default: 1m.
	Backoff time.Duration
	// DegradedAfter consecutive failures publish eventbus.SyncDegraded. Default: 3.
	DegradedAfter int
	// Unit is the length of one SetInterval step. Default: time.Minute.
	Unit time.Duration
	// Location applies to cron schedules. Default: local time.
	Location *time.Location
	// Ready blocks until the platform can serve a pass. Nil means ready.
	Ready func(ctx context.Context) error
}

// Status is a point-in-time view of the loop.
type Status struct {
	State               State
	Spec                string
	Interval            time.Duration
	Generation          uint64
	NextRun             time.Time
	LastRun             time.Time
	LastDuration        time.Duration
	LastSummary         *rolesync.Summary
	LastError           string
	ConsecutiveFailures int
	Degraded            bool
}

type Supervisor struct {
	cfg    Config
	runner Runner
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     State
	sched     Schedule
	gen       uint64
	rt        *supervisor.Supervisor
	cancelGen context.CancelFunc
	genDone   chan struct{}
	// stopped is closed once a Stop has seen every generation exit.
	stopped chan struct{}

	nextRun     time.Time
	lastRun     time.Time
	lastDur     time.Duration
	lastSummary *rolesync.Summary
	lastErr     string
	failures    int
	degraded    bool
}

func New(cfg Config, runner Runner, bus eventbus.Bus, log logx.Logger) *Supervisor {
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Minute
	}
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 3
	}
	if cfg.Unit <= 0 {
		cfg.Unit = time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{
		cfg:    cfg,
		runner: runner,
		bus:    bus,
		log:    log.With(logx.String("comp", "syncloop")),
		now:    time.Now,
		state:  StateIdle,
	}
}

// Start begins looping with a fixed interval.
func (s *Supervisor) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return rank.ErrInvalidInterval
	}
	return s.start(ctx, Every(interval))
}

// StartSpec begins looping with a parsed schedule spec.
func (s *Supervisor) StartSpec(ctx context.Context, spec string) error {
	sched, err := ParseSchedule(spec, s.cfg.Location)
	if err != nil {
		return err
	}
	return s.start(ctx, sched)
}

// start waits for a pending Stop to finish before starting over.
func (s *Supervisor) start(ctx context.Context, sched Schedule) error {
	s.mu.Lock()
	for s.state == StateCancelling {
		stopped := s.stopped
		s.mu.Unlock()
		select {
		case <-stopped:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return ErrAlreadyRunning
	}
	s.rt = supervisor.NewSupervisor(ctx, supervisor.WithLogger(s.log))
	s.state = StateRunning
	s.genDone = nil
	s.startGenLocked(sched)
	s.log.Info("sync loop started", logx.String("schedule", sched.Spec), logx.Uint64("generation", s.gen))
	return nil
}

// SetInterval switches to a fixed interval of minutes*Unit. The new
// generation runs immediately.
func (s *Supervisor) SetInterval(minutes int) error {
	if minutes < 1 {
		return fmt.Errorf("%w: %d", rank.ErrInvalidInterval, minutes)
	}
	return s.setSchedule(Every(time.Duration(minutes) * s.cfg.Unit))
}

// SetSpec switches to a parsed schedule spec.
func (s *Supervisor) SetSpec(spec string) error {
	sched, err := ParseSchedule(spec, s.cfg.Location)
	if err != nil {
		return err
	}
	return s.setSchedule(sched)
}

// setSchedule records sched. While running it cancels the current
// generation and starts the next one; the caller never waits for the old
// generation to drain.
func (s *Supervisor) setSchedule(sched Schedule) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.sched = sched
		s.mu.Unlock()
		s.log.Info("sync schedule recorded (loop not running)", logx.String("schedule", sched.Spec))
		return nil
	}
	s.startGenLocked(sched)
	gen := s.gen
	s.mu.Unlock()

	s.log.Info("sync schedule changed", logx.String("schedule", sched.Spec), logx.Uint64("generation", gen))
	s.publish(eventbus.SyncIntervalChanged, eventbus.IntervalData{Spec: sched.Spec, Interval: sched.Interval, Generation: gen})
	return nil
}

// startGenLocked bumps the generation, cancels the previous one and spawns
// the new loop. The new loop waits for the previous loop to exit before its
// first pass, so passes never overlap.
func (s *Supervisor) startGenLocked(sched Schedule) {
	s.gen++
	gen := s.gen
	if s.cancelGen != nil {
		s.cancelGen()
	}
	prev := s.genDone
	ctx, cancel := context.WithCancel(s.rt.Context())
	done := make(chan struct{})
	s.sched, s.cancelGen, s.genDone = sched, cancel, done
	s.nextRun = time.Time{}

	s.rt.Go("syncloop.pass", func(context.Context) error {
		defer close(done)
		defer cancel()
		if prev != nil {
			<-prev
		}
		s.loop(ctx, gen, sched)
		return nil
	})
}

// Stop cancels the loop and waits for it to exit, bounded by ctx. When ctx
// ends first the loop keeps unwinding and the state moves to stopped once it
// has exited; a later Stop or Start waits for that. The supervisor stays
// stopped until the next Start.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateRunning:
		s.state = StateCancelling
		if s.cancelGen != nil {
			s.cancelGen()
		}
		s.stopped = make(chan struct{})
		go s.finishStop(s.rt, s.stopped)
	case StateCancelling:
	default:
		s.mu.Unlock()
		return nil
	}
	stopped := s.stopped
	s.mu.Unlock()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) finishStop(rt *supervisor.Supervisor, stopped chan struct{}) {
	rt.Cancel()
	_ = rt.Wait(context.Background())

	s.mu.Lock()
	s.state = StateStopped
	s.nextRun = time.Time{}
	s.cancelGen, s.genDone = nil, nil
	s.mu.Unlock()

	s.log.Info("sync loop stopped")
	s.publish(eventbus.SyncStopped, nil)
	close(stopped)
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:               s.state,
		Spec:                s.sched.Spec,
		Interval:            s.sched.Interval,
		Generation:          s.gen,
		NextRun:             s.nextRun,
		LastRun:             s.lastRun,
		LastDuration:        s.lastDur,
		LastError:           s.lastErr,
		ConsecutiveFailures: s.failures,
		Degraded:            s.degraded,
	}
	if s.lastSummary != nil {
		cp := *s.lastSummary
		st.LastSummary = &cp
	}
	return st
}

func (s *Supervisor) loop(ctx context.Context, gen uint64, sched Schedule) {
	log := s.log.With(logx.Uint64("generation", gen))
	if !s.waitReady(ctx, log) {
		return
	}
	for {
		if ctx.Err() != nil {
			return
		}
		start := s.now()
		sum, err := s.runOnce(ctx)
		if ctx.Err() != nil {
			log.Debug("pass interrupted by cancellation")
			return
		}
		now := s.now()
		next := sched.Next(now)
		if err != nil {
			next = minTime(next, now.Add(s.cfg.Backoff))
		}
		if !s.record(gen, log, start, now, next, sum, err) {
			return
		}
		if !sleepUntil(ctx, next, s.now) {
			return
		}
	}
}

func (s *Supervisor) waitReady(ctx context.Context, log logx.Logger) bool {
	if s.cfg.Ready == nil {
		return true
	}
	for {
		err := s.cfg.Ready(ctx)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		log.Warn("platform not ready; retrying", logx.Duration("backoff", s.cfg.Backoff), logx.Err(err))
		if !sleepUntil(ctx, s.now().Add(s.cfg.Backoff), s.now) {
			return false
		}
	}
}

// runOnce runs one pass, converting a panic into an error.
func (s *Supervisor) runOnce(ctx context.Context) (sum rolesync.Summary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync pass panicked: %v", r)
		}
	}()
	return s.runner.RunOnce(ctx)
}

// record stores a pass result. It returns false when gen is stale.
func (s *Supervisor) record(gen uint64, log logx.Logger, start, end, next time.Time, sum rolesync.Summary, err error) bool {
	var events []eventbus.Event

	s.mu.Lock()
	if gen != s.gen || s.state != StateRunning {
		s.mu.Unlock()
		log.Debug("discarding stale pass result")
		return false
	}
	s.lastRun = end
	s.lastDur = end.Sub(start)
	s.nextRun = next
	if err != nil {
		s.failures++
		s.lastErr = err.Error()
		events = append(events, eventbus.Event{Type: eventbus.SyncCycleFailed, Data: eventbus.HealthData{
			ConsecutiveFailures: s.failures, Generation: gen, LastError: s.lastErr,
		}})
		if s.failures >= s.cfg.DegradedAfter && !s.degraded {
			s.degraded = true
			events = append(events, eventbus.Event{Type: eventbus.SyncDegraded, Data: eventbus.HealthData{
				ConsecutiveFailures: s.failures, Generation: gen, LastError: s.lastErr,
			}})
		}
	} else {
		cp := sum
		s.lastSummary = &cp
		s.lastErr = ""
		if s.degraded {
			events = append(events, eventbus.Event{Type: eventbus.SyncRecovered, Data: eventbus.HealthData{
				ConsecutiveFailures: s.failures, Generation: gen,
			}})
		}
		s.failures = 0
		s.degraded = false
		events = append(events, eventbus.Event{Type: eventbus.SyncCycleCompleted, Data: cp})
	}
	failures := s.failures
	s.mu.Unlock()

	if err != nil {
		log.Error("sync pass failed",
			logx.String("kind", rank.Kind(err)),
			logx.Int("consecutive_failures", failures),
			logx.Time("next_run", next),
			logx.Err(err),
		)
	} else {
		log.Debug("next sync scheduled", logx.Time("next_run", next))
	}
	for _, e := range events {
		s.publishEvent(e)
	}
	return true
}

func (s *Supervisor) publish(typ string, data any) {
	s.publishEvent(eventbus.Event{Type: typ, Data: data})
}

func (s *Supervisor) publishEvent(e eventbus.Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(e)
}

func sleepUntil(ctx context.Context, at time.Time, now func() time.Time) bool {
	d := at.Sub(now())
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func minTime(a, b time.Time) time.Time {
	if b.Before(a) {
		return b
	}
	return a
}
