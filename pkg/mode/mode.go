// Package mode holds the process-wide escalation setting. The value is
// persisted in the store's settings table so headless contexts resolve the
// same policy as the main process.
package mode

import (
	"context"
	"fmt"
	"sync"

	"carebell/pkg/event"
	"carebell/pkg/eventbus"
	"carebell/pkg/logx"
	"carebell/pkg/store"
)

// SettingKey is the well-known settings key the mode is persisted under.
const SettingKey = "escalation_mode"

// Rearmer re-registers all pending future triggers under a mode. Implemented
// by the dispatcher; kept as an interface so the controller stays testable.
type Rearmer interface {
	Rearm(ctx context.Context, mode event.EscalationMode) (int, error)
}

// Controller is the single authoritative accessor for the current mode.
type Controller struct {
	st  store.Store
	bus eventbus.Bus
	log logx.Logger

	mu      sync.RWMutex
	cached  event.EscalationMode
	rearmer Rearmer
}

func New(st store.Store, log logx.Logger, bus eventbus.Bus) *Controller {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Controller{st: st, bus: bus, log: log}
}

// SetRearmer wires the dispatcher. Wired once at composition time.
func (c *Controller) SetRearmer(r Rearmer) {
	c.mu.Lock()
	c.rearmer = r
	c.mu.Unlock()
}

// Load reads the persisted mode into the cache. Call once at startup.
func (c *Controller) Load(ctx context.Context) (event.EscalationMode, error) {
	v, ok, err := c.st.GetSetting(ctx, SettingKey)
	if err != nil {
		return event.ModeStandard, err
	}
	m := event.EscalationMode(v)
	if !ok || !m.Valid() {
		m = event.ModeStandard
	}
	c.mu.Lock()
	c.cached = m
	c.mu.Unlock()
	return m, nil
}

// Current returns the mode for dispatch calls that do not pass one
// explicitly. Synchronous: reads the cache, falling back to the store when
// the cache is cold (headless contexts).
func (c *Controller) Current(ctx context.Context) event.EscalationMode {
	c.mu.RLock()
	m := c.cached
	c.mu.RUnlock()
	if m.Valid() {
		return m
	}
	m, err := c.Load(ctx)
	if err != nil {
		c.log.Warn("mode read failed; assuming standard", logx.Err(err))
		return event.ModeStandard
	}
	return m
}

// Set persists the new mode and immediately re-arms every pending future
// trigger under the new escalation profile. A mode change applies to all
// outstanding reminders, not only newly generated ones.
func (c *Controller) Set(ctx context.Context, m event.EscalationMode) error {
	if !m.Valid() {
		return fmt.Errorf("mode: invalid value %q", m)
	}
	if err := c.st.PutSetting(ctx, SettingKey, string(m)); err != nil {
		return err
	}
	c.mu.Lock()
	c.cached = m
	r := c.rearmer
	c.mu.Unlock()

	if r != nil {
		n, err := r.Rearm(ctx, m)
		if err != nil {
			// The persisted value already changed; the reconciler will
			// finish the re-arm on its next pass.
			c.log.Warn("mode re-arm incomplete", logx.Err(err), logx.Int("rearmed", n))
		} else {
			c.log.Info("mode changed", logx.String("mode", string(m)), logx.Int("rearmed", n))
		}
	}

	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TypeModeChanged, Data: eventbus.ModeChange{Mode: string(m)}})
	}
	return nil
}
