package dispatch

import (
	"context"
	"sync"
	"time"
)

// LocalScheduler is a process-local TriggerScheduler backed by time.Timer.
// Platforms with real alarm APIs supply their own implementation; this one
// serves daemons and development setups where the process stays alive.
//
// Arm replaces any existing timer for the same event id, matching the
// replace-by-id contract the dispatcher relies on.
type LocalScheduler struct {
	onFire func(Trigger)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewLocalScheduler builds a scheduler that invokes onFire when a trigger's
// time arrives. onFire runs on a timer goroutine and must not block.
func NewLocalScheduler(onFire func(Trigger)) *LocalScheduler {
	return &LocalScheduler{
		onFire: onFire,
		timers: map[string]*time.Timer{},
	}
}

func (s *LocalScheduler) Arm(ctx context.Context, t Trigger) error {
	delay := time.Until(t.FireAt)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[t.EventID]; ok {
		old.Stop()
	}
	s.timers[t.EventID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, t.EventID)
		s.mu.Unlock()
		if s.onFire != nil {
			s.onFire(t)
		}
	})
	return nil
}

func (s *LocalScheduler) Cancel(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[eventID]; ok {
		t.Stop()
		delete(s.timers, eventID)
	}
	return nil
}

func (s *LocalScheduler) CancelAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	return nil
}

// Armed reports the number of outstanding timers.
func (s *LocalScheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
