package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types published by the engine.
//
// Payloads (Data) are the structs below; consumers of "events.refresh" are
// expected to re-query the store rather than read state off the event.
const (
	TypeRefresh        = "events.refresh"
	TypeModeChanged    = "mode.changed"
	TypeDispatchFailed = "dispatch.failed"
	TypeInventoryLow   = "inventory.low"
	TypeSweepDone      = "sweep.done"
)

// RefreshSignal tells UI layers that the event list for a profile changed.
type RefreshSignal struct {
	ProfileID string `json:"profile_id"`
}

// ModeChange reports an escalation-mode switch.
type ModeChange struct {
	Mode string `json:"mode"`
}

// DispatchFailure reports a per-event trigger registration failure.
type DispatchFailure struct {
	EventID string `json:"event_id"`
	Error   string `json:"error"`
}

// InventoryLow reports that a consumable source crossed its refill threshold.
type InventoryLow struct {
	SourceID  string `json:"source_id"`
	Remaining int    `json:"remaining"`
}

// SweepResult reports how many stale pending events were marked missed.
type SweepResult struct {
	ProfileID string `json:"profile_id,omitempty"`
	Missed    int    `json:"missed"`
}

// Event is an in-process signal carrying one of the payload structs above.
// Time is stamped at publish when left zero. Data stays small; subscribers
// re-query the store for anything heavier.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus decouples the engine's services from whoever renders their effects.
// Publish never blocks: a subscriber that cannot keep up loses events rather
// than stalling a dispatch or sweep pass.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers first; no lock is held during the sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		trySend(ch, e)
	}
}

// trySend is a non-blocking, panic-tolerant send: an unsubscribe may close
// the channel between the snapshot in Publish and the send here.
func trySend(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Safe because trySend recovers from the closed-channel panic.
			close(ch)
		})
	}
}
