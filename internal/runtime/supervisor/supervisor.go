// Package supervisor runs named goroutines under a shared context with panic
// recovery, optional restart-with-backoff and timeout-aware shutdown.
//
// The app's background loops, the sync loop generations, the alerts pipeline
// and the HTTP listener each run under one of these.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	logx "rankbot/pkg/logx"
)

// maxTasks bounds the per-name stats table. Inactive names are evicted
// oldest first.
const maxTasks = 64

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	log         logx.Logger
	cancelOnErr bool

	started atomic.Uint64
	active  atomic.Int64

	errOnce  sync.Once
	firstErr atomic.Pointer[error]

	waitOnce sync.Once
	done     chan struct{}

	mu    sync.Mutex
	tasks map[string]*TaskStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first error returned
// by a Go task.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		tasks:  map[string]*TaskStats{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err is the first error recorded by any task, or nil.
func (s *Supervisor) Err() error {
	if p := s.firstErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Supervisor) setErr(err error) {
	s.errOnce.Do(func() { s.firstErr.Store(&err) })
}

// Go runs fn once. A panic or a non-cancellation error is recorded as the
// supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		at := s.noteStart(name, false)
		err := s.guard(name, fn)
		if err != nil && errors.Is(err, context.Canceled) {
			err = nil
		}
		s.noteStop(name, at, err)
		if err != nil {
			s.setErr(err)
			if s.cancelOnErr {
				s.cancel()
			}
		}
	}()
}

// Go0 is Go for tasks that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// guard runs fn and turns a panic into an error that names the task.
func (s *Supervisor) guard(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.notePanic(name)
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", name, r)
		}
	}()
	if err = fn(s.ctx); err != nil {
		err = fmt.Errorf("%s: %w", name, err)
	}
	return err
}

type RestartOption func(*restartCfg)

type restartCfg struct {
	min, max     time.Duration
	publishFirst bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(c *restartCfg) {
		if min > 0 {
			c.min = min
		}
		if max > 0 {
			c.max = max
		}
	}
}

// WithPublishFirstError records restart failures as the supervisor error,
// so they show up in /healthz while the task keeps restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirst = enabled }
}

// GoRestart runs fn until it returns nil or the context ends, restarting it
// after an error or panic with jittered exponential backoff.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.max = max(cfg.max, cfg.min)

	s.Go0(name+".restart", func(ctx context.Context) {
		wait := cfg.min
		for attempt := 0; ctx.Err() == nil; attempt++ {
			at := s.noteStart(name, attempt > 0)
			err := s.guard(name, fn)
			if ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.noteStop(name, at, nil)
				return
			}
			s.noteStop(name, at, err)
			if cfg.publishFirst {
				s.setErr(err)
			}

			// A long healthy run resets the backoff.
			if time.Since(at) >= 30*time.Second {
				wait = cfg.min
			}
			d := wait + rand.N(wait/5+1)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", d), logx.Err(err))

			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			wait = min(wait*2, cfg.max)
		}
	})
}

func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every task has returned or ctx ends.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

// TaskStats aggregates every run of one task name.
type TaskStats struct {
	Name        string        `json:"name"`
	Active      int64         `json:"active"`
	Started     uint64        `json:"started"`
	Restarts    uint64        `json:"restarts"`
	Panics      uint64        `json:"panics"`
	LastStartAt time.Time     `json:"last_start_at"`
	LastStopAt  time.Time     `json:"last_stop_at,omitzero"`
	LastRuntime time.Duration `json:"last_runtime"`
	LastErr     string        `json:"last_err,omitempty"`
	LastErrAt   time.Time     `json:"last_err_at,omitzero"`
}

// Snapshot is the /healthz view of a supervisor.
type Snapshot struct {
	Active     int64       `json:"active"`
	Started    uint64      `json:"started"`
	FirstError string      `json:"first_error,omitempty"`
	Tasks      []TaskStats `json:"tasks"`
}

// Snapshot lists active tasks first, then the most recently started.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Active: s.active.Load(), Started: s.started.Load()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	snap.Tasks = make([]TaskStats, 0, len(s.tasks))
	for _, t := range s.tasks {
		snap.Tasks = append(snap.Tasks, *t)
	}
	s.mu.Unlock()

	sort.Slice(snap.Tasks, func(i, j int) bool {
		a, b := snap.Tasks[i], snap.Tasks[j]
		if a.Active != b.Active {
			return a.Active > b.Active
		}
		if !a.LastStartAt.Equal(b.LastStartAt) {
			return a.LastStartAt.After(b.LastStartAt)
		}
		return a.Name < b.Name
	})
	return snap
}

func (s *Supervisor) taskLocked(name string) *TaskStats {
	t := s.tasks[name]
	if t != nil {
		return t
	}
	if len(s.tasks) >= maxTasks {
		s.evictLocked()
	}
	t = &TaskStats{Name: name}
	s.tasks[name] = t
	return t
}

func (s *Supervisor) evictLocked() {
	var oldest *TaskStats
	for _, t := range s.tasks {
		if t.Active == 0 && (oldest == nil || t.LastStopAt.Before(oldest.LastStopAt)) {
			oldest = t
		}
	}
	if oldest != nil {
		delete(s.tasks, oldest.Name)
	}
}

func (s *Supervisor) noteStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	t := s.taskLocked(name)
	t.Active++
	t.Started++
	if restart {
		t.Restarts++
	}
	t.LastStartAt = now
	s.mu.Unlock()
	s.log.Debug("goroutine started", logx.String("name", name))
	return now
}

func (s *Supervisor) noteStop(name string, startedAt time.Time, err error) {
	now := time.Now()
	s.mu.Lock()
	t := s.taskLocked(name)
	if t.Active > 0 {
		t.Active--
	}
	t.LastStopAt = now
	t.LastRuntime = now.Sub(startedAt)
	if err != nil {
		t.LastErr, t.LastErrAt = err.Error(), now
	}
	s.mu.Unlock()
	s.log.Debug("goroutine stopped", logx.String("name", name))
}

func (s *Supervisor) notePanic(name string) {
	s.mu.Lock()
	s.taskLocked(name).Panics++
	s.mu.Unlock()
}
