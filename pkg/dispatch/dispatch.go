// Package dispatch maps pending occurrences to platform triggers and applies
// inbound user actions to the store. It is the only component that talks to
// the TriggerScheduler, so escalation policy lives in one place.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"carebell/pkg/event"
	"carebell/pkg/eventbus"
	"carebell/pkg/logx"
	"carebell/pkg/store"
)

var ErrUnknownAction = errors.New("dispatch: unknown action")

// Config tunes dispatch behavior.
//
// LateTolerance is the single grace policy: an event whose scheduled time is
// at most this far in the past is still armed (at now + ArmDelay); anything
// older is skipped and left for the overdue sweep. The same threshold applies
// to Schedule and ScheduleMany.
type Config struct {
	LateTolerance  time.Duration // default 24h
	ArmDelay       time.Duration // default 5s
	SnoozeInterval time.Duration // default 10m
	RearmWindow    time.Duration // default 30 days
	// RegistrationsPerSec bounds trigger API calls so reconcile bursts do
	// not hammer the OS. Default 20.
	RegistrationsPerSec int
	// LowStockThreshold publishes an inventory.low signal when a take
	// decrement lands at or below it. Default 5.
	LowStockThreshold int
}

func (c Config) withDefaults() Config {
	if c.LateTolerance <= 0 {
		c.LateTolerance = 24 * time.Hour
	}
	if c.ArmDelay <= 0 {
		c.ArmDelay = 5 * time.Second
	}
	if c.SnoozeInterval <= 0 {
		c.SnoozeInterval = 10 * time.Minute
	}
	if c.RearmWindow <= 0 {
		c.RearmWindow = 30 * 24 * time.Hour
	}
	if c.RegistrationsPerSec <= 0 {
		c.RegistrationsPerSec = 20
	}
	if c.LowStockThreshold <= 0 {
		c.LowStockThreshold = 5
	}
	return c
}

// Dispatcher drives the per-event state machine:
//
//	pending --Schedule--> trigger armed --fire/OnAction--> terminal
//
// It is safe for concurrent use.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	st       store.Store
	triggers TriggerScheduler
	inv      Inventory
	bus      eventbus.Bus
	log      logx.Logger

	clock func() time.Time
	// currentMode resolves the process-wide mode when a call does not pass
	// one explicitly. Wired by the composition root to the mode controller.
	currentMode func(ctx context.Context) event.EscalationMode
}

func New(cfg Config, st store.Store, triggers TriggerScheduler, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		st:       st,
		triggers: triggers,
		bus:      bus,
		log:      log,
		clock:    time.Now,
	}
	d.applyLocked(cfg)
	return d
}

func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.applyLocked(cfg)
	d.mu.Unlock()
}

func (d *Dispatcher) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RegistrationsPerSec), cfg.RegistrationsPerSec)
}

// SetInventory wires the consumable-stock collaborator (optional).
func (d *Dispatcher) SetInventory(inv Inventory) {
	d.mu.Lock()
	d.inv = inv
	d.mu.Unlock()
}

// SetModeSource wires the resolver for the implicit current mode.
func (d *Dispatcher) SetModeSource(fn func(ctx context.Context) event.EscalationMode) {
	d.mu.Lock()
	d.currentMode = fn
	d.mu.Unlock()
}

// SetClock overrides the wall clock (tests).
func (d *Dispatcher) SetClock(fn func() time.Time) {
	d.mu.Lock()
	d.clock = fn
	d.mu.Unlock()
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter, Inventory, func() time.Time, func(ctx context.Context) event.EscalationMode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter, d.inv, d.clock, d.currentMode
}

func (d *Dispatcher) resolveMode(ctx context.Context, mode event.EscalationMode) event.EscalationMode {
	if mode.Valid() {
		return mode
	}
	_, _, _, _, cur := d.snapshot()
	if cur != nil {
		if m := cur(ctx); m.Valid() {
			return m
		}
	}
	return event.ModeStandard
}

// Schedule arms a trigger for one pending event. It returns false without an
// error when the event is skipped (not pending, or older than the late
// tolerance). Passing an invalid mode ("") uses the current process mode.
func (d *Dispatcher) Schedule(ctx context.Context, ev event.CalendarEvent, mode event.EscalationMode) (bool, error) {
	cfg, lim, _, clock, _ := d.snapshot()

	if ev.Status != event.StatusPending {
		return false, nil
	}
	now := clock()
	if now.Sub(ev.ScheduledTime) > cfg.LateTolerance {
		return false, nil
	}

	fireAt := ev.ScheduledTime
	if !fireAt.After(now) {
		// Slightly past due: OS APIs reject past timestamps, so bump to
		// "almost immediately".
		fireAt = now.Add(cfg.ArmDelay)
	}

	if err := lim.Wait(ctx); err != nil {
		return false, err
	}
	t := Trigger{
		EventID: ev.ID,
		FireAt:  fireAt,
		Title:   ev.Title,
		Body:    bodyFor(ev),
		Profile: ProfileFor(d.resolveMode(ctx, mode), ev.Type),
	}
	if err := d.triggers.Arm(ctx, t); err != nil {
		d.publishFailure(ev.ID, err)
		return false, fmt.Errorf("dispatch: arm %s: %w", ev.ID, err)
	}
	return true, nil
}

// ScheduleMany applies Schedule to every pending event in the batch, in the
// supplied order. Per-event failures are logged and do not abort the batch;
// triggers of events outside the batch are untouched.
func (d *Dispatcher) ScheduleMany(ctx context.Context, evs []event.CalendarEvent, mode event.EscalationMode) (int, error) {
	mode = d.resolveMode(ctx, mode)
	armed := 0
	for _, ev := range evs {
		if ctx.Err() != nil {
			return armed, ctx.Err()
		}
		ok, err := d.Schedule(ctx, ev, mode)
		if err != nil {
			// Best-effort by design: reminders are re-submitted by the
			// reconciler, so a single rejection is not batch-fatal.
			d.log.Warn("trigger registration failed", logx.Err(err), logx.String("event", ev.ID))
			continue
		}
		if ok {
			armed++
		}
	}
	return armed, nil
}

// Cancel removes the trigger for an event id, if any.
func (d *Dispatcher) Cancel(ctx context.Context, eventID string) error {
	return d.triggers.Cancel(ctx, eventID)
}

// CancelAll removes every trigger owned by the engine.
func (d *Dispatcher) CancelAll(ctx context.Context) error {
	return d.triggers.CancelAll(ctx)
}

// Rearm re-registers every pending event around now under the given mode.
// Used by the mode controller (mode switches take effect immediately) and by
// the background reconciler. Idempotent by the replace-by-id contract.
func (d *Dispatcher) Rearm(ctx context.Context, mode event.EscalationMode) (int, error) {
	cfg, _, _, clock, _ := d.snapshot()
	now := clock()
	pending, err := d.st.PendingInRange(ctx, "", now.Add(-cfg.LateTolerance), now.Add(cfg.RearmWindow))
	if err != nil {
		return 0, err
	}
	return d.ScheduleMany(ctx, pending, mode)
}

// OnAction applies an inbound user decision. It returns false when the event
// is unknown, already terminal, or reaches a terminal state concurrently
// (idempotency: acting twice has no second effect). The status flip is the
// commit point: inventory is decremented only after it succeeds, so a take
// that loses the race to the sweep never charges stock against a missed
// event.
func (d *Dispatcher) OnAction(ctx context.Context, req event.ActionRequest) (bool, error) {
	if !req.Action.Valid() {
		return false, fmt.Errorf("%w: %q", ErrUnknownAction, req.Action)
	}

	ev, ok, err := d.st.ByID(ctx, req.EventID)
	if err != nil {
		return false, err
	}
	if !ok || ev.Status.Terminal() {
		return false, nil
	}

	cfg, _, inv, clock, _ := d.snapshot()
	now := clock()

	switch req.Action {
	case event.ActionTake:
		flipped, err := d.st.UpdateStatus(ctx, ev.ID, event.StatusCompleted, &now)
		if err != nil {
			return false, err
		}
		if !flipped {
			return false, nil
		}
		if ev.Type.Consumable() && inv != nil {
			remaining, tracked, err := inv.Decrement(ctx, ev.SourceID)
			if err != nil {
				d.log.Warn("inventory decrement failed", logx.Err(err), logx.String("source", ev.SourceID))
			} else if tracked && remaining <= cfg.LowStockThreshold {
				d.publish(eventbus.TypeInventoryLow, eventbus.InventoryLow{SourceID: ev.SourceID, Remaining: remaining})
			}
		}

	case event.ActionSkip:
		flipped, err := d.st.UpdateStatus(ctx, ev.ID, event.StatusSkipped, nil)
		if err != nil {
			return false, err
		}
		if !flipped {
			return false, nil
		}

	case event.ActionPostpone:
		// Snooze: push the trigger forward, leave the lifecycle alone.
		t := Trigger{
			EventID: ev.ID,
			FireAt:  now.Add(cfg.SnoozeInterval),
			Title:   ev.Title,
			Body:    bodyFor(ev),
			Profile: ProfileFor(d.resolveMode(ctx, ""), ev.Type),
		}
		if err := d.triggers.Arm(ctx, t); err != nil {
			return false, fmt.Errorf("dispatch: snooze %s: %w", ev.ID, err)
		}
		return true, nil
	}

	if err := d.Cancel(ctx, ev.ID); err != nil {
		d.log.Warn("trigger cancel failed", logx.Err(err), logx.String("event", ev.ID))
	}
	d.publish(eventbus.TypeRefresh, eventbus.RefreshSignal{ProfileID: ev.ProfileID})
	return true, nil
}

func (d *Dispatcher) publish(typ string, data any) {
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}

func (d *Dispatcher) publishFailure(eventID string, err error) {
	d.publish(eventbus.TypeDispatchFailed, eventbus.DispatchFailure{EventID: eventID, Error: err.Error()})
}

func bodyFor(ev event.CalendarEvent) string {
	switch ev.Type {
	case event.TypeMedication:
		return "Time to take " + ev.Title
	case event.TypeSupplement:
		return "Time for " + ev.Title
	case event.TypeAppointment:
		return "Upcoming appointment: " + ev.Title
	case event.TypeActivity:
		return "Scheduled activity: " + ev.Title
	default:
		return ev.Title
	}
}
