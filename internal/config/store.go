package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "rankbot/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	watchRetryMin  = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

// Store holds the live config and reloads it from disk.
//
// Committed reloads are offered on a single updates channel that keeps only
// the newest pending config, so a slow consumer always catches up to the
// latest file contents.
type Store struct {
	path    string
	cur     atomic.Pointer[Config]
	updates chan *Config

	mu    sync.Mutex // serialises Reload and guards check
	check func(*Config) error
	log   atomic.Pointer[logx.Logger]
}

// Open loads path and returns a store holding it.
func Open(path string) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, updates: make(chan *Config, 1)}
	s.cur.Store(cfg)
	return s, nil
}

func (s *Store) Current() *Config { return s.cur.Load() }

// Updates receives every committed reload, newest wins.
func (s *Store) Updates() <-chan *Config { return s.updates }

func (s *Store) SetLogger(log logx.Logger) { s.log.Store(&log) }

// SetCheck installs an app-level check run after field validation. A reload
// it rejects keeps the previous config.
func (s *Store) SetCheck(fn func(*Config) error) {
	s.mu.Lock()
	s.check = fn
	s.mu.Unlock()
}

func (s *Store) logger() logx.Logger {
	if l := s.log.Load(); l != nil {
		return *l
	}
	return logx.Nop()
}

// Reload re-reads the file and commits it if it differs from the current
// config. It reports whether a new config was committed.
func (s *Store) Reload() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := Load(s.path)
	if err != nil {
		return false, err
	}
	if reflect.DeepEqual(cfg, s.cur.Load()) {
		return false, nil
	}
	if s.check != nil {
		if err := s.check(cfg); err != nil {
			return false, fmt.Errorf("invalid config: %w", err)
		}
	}
	s.cur.Store(cfg)
	s.offer(cfg)
	return true, nil
}

// offer replaces any pending update with cfg. Callers hold s.mu.
func (s *Store) offer(cfg *Config) {
	for {
		select {
		case s.updates <- cfg:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

// Watch reloads the config whenever its file changes, until ctx ends.
//
// The parent directory is watched so that editors which save by renaming a
// temp file over the original are seen. Bursts of events collapse into one
// reload. A watcher that breaks is recreated with jittered backoff.
func (s *Store) Watch(ctx context.Context) {
	retry := watchRetryMin
	for ctx.Err() == nil {
		err := s.watch(ctx, func() { retry = watchRetryMin })
		if ctx.Err() != nil {
			return
		}
		wait := retry + rand.N(retry/2+1)
		retry = min(retry*2, watchRetryMax)
		s.logger().Warn("config watcher failed; restarting",
			logx.String("path", s.path),
			logx.Duration("backoff", wait),
			logx.Err(err),
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Store) watch(ctx context.Context, running func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()

	dir, name := filepath.Dir(s.path), filepath.Base(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	running()
	s.logger().Debug("config watcher started", logx.String("path", s.path))

	pending := time.NewTimer(reloadDebounce)
	pending.Stop()
	defer pending.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher events closed")
			}
			if filepath.Base(ev.Name) != name || ev.Op == fsnotify.Chmod {
				continue
			}
			pending.Reset(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher errors closed")
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				return err
			}
			// Events were lost; the file may have changed.
			s.logger().Warn("config watcher overflow; reloading", logx.String("path", s.path))
			pending.Reset(reloadDebounce)
		case <-pending.C:
			s.reload()
		}
	}
}

func (s *Store) reload() {
	log := s.logger()
	changed, err := s.Reload()
	switch {
	case err != nil:
		log.Warn("config reload rejected; keeping previous", logx.String("path", s.path), logx.Err(err))
	case changed:
		log.Debug("config committed", logx.String("path", s.path))
	default:
		log.Debug("config file touched without changes", logx.String("path", s.path))
	}
}
