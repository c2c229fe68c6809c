// Package eventbus is an in-memory fanout used to decouple the sync loop from
// its observers (alerts, systemd status, debug logging).
package eventbus

import (
	"sync"
	"time"
)

// Event is one sync state change. Data holds one of the payload types below
// and stays JSON-friendly for the /healthz and alert renderers.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Event types published by the sync core.
const (
	SyncCycleCompleted  = "sync.cycle_completed"
	SyncCycleFailed     = "sync.cycle_failed"
	SyncDegraded        = "sync.degraded"
	SyncRecovered       = "sync.recovered"
	SyncIntervalChanged = "sync.interval_changed"
	SyncStopped         = "sync.stopped"
)

// HealthData is the payload of SyncDegraded and SyncRecovered events.
type HealthData struct {
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Generation          uint64 `json:"generation"`
	LastError           string `json:"last_error,omitempty"`
}

// IntervalData is the payload of SyncIntervalChanged events.
type IntervalData struct {
	Spec       string        `json:"spec"`
	Interval   time.Duration `json:"interval"`
	Generation uint64        `json:"generation"`
}

// Bus fans sync events out to in-process observers.
type Bus interface {
	// Publish never blocks. A subscriber whose buffer is full misses the event.
	Publish(e Event)
	// Subscribe returns a buffered channel and a func that removes and closes it.
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[chan Event]struct{}{}}
}

type memBus struct {
	// Publish sends under the read lock; unsubscribe closes under the write
	// lock, so a send never meets a closed channel.
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 1))
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			close(ch)
			b.mu.Unlock()
		})
	}
}
