package carebell

import (
	"context"
	"fmt"
	"sync"
	"time"

	"carebell/internal/config"
	"carebell/pkg/dispatch"
	"carebell/pkg/event"
	"carebell/pkg/eventbus"
	"carebell/pkg/generate"
	"carebell/pkg/ics"
	"carebell/pkg/logx"
	"carebell/pkg/mode"
	"carebell/pkg/store"
	"carebell/pkg/sweep"
)

const defaultWindowDays = 30

// Options configures Engine construction.
type Options struct {
	// ConfigPath points at a JSON or YAML config file. Empty means built-in
	// defaults (in-memory store, console logging) and no live reload.
	ConfigPath string

	// Triggers is the platform alarm/notification backend. Required.
	Triggers dispatch.TriggerScheduler

	// Inventory tracks consumable stock. Optional; nil disables decrements.
	Inventory dispatch.Inventory
}

// Engine is the composition root: it owns the store, the dispatcher, the
// generator, the mode controller, and the background sweep service, and is
// the only type embedders need to hold on to.
type Engine struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	st       store.Store
	bus      eventbus.Bus
	disp     *dispatch.Dispatcher
	modes    *mode.Controller
	gen      *generate.Generator
	sweeper  *sweep.Service
	exporter *ics.Exporter

	mu         sync.Mutex
	windowDays int
	prevCfg    *config.Config
	cancel     context.CancelFunc
	watchDone  chan struct{}
}

// New builds a stopped engine. Call Start to load persisted state and begin
// background maintenance.
func New(opts Options) (*Engine, error) {
	if opts.Triggers == nil {
		return nil, fmt.Errorf("carebell: Options.Triggers is required")
	}

	cfg := &config.Config{}
	var mgr *config.Manager
	if opts.ConfigPath != "" {
		mgr = config.NewManager(opts.ConfigPath)
		loaded, err := mgr.Load()
		if err != nil {
			return nil, fmt.Errorf("carebell: load config: %w", err)
		}
		cfg = loaded
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || opts.ConfigPath == "",
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if mgr != nil {
		mgr.SetLogger(log.With(logx.String("comp", "config")))
	}

	st, err := store.Open(storeConfig(cfg), log.With(logx.String("comp", "store")))
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("carebell: open store: %w", err)
	}

	bus := eventbus.New()
	disp := dispatch.New(dispatchConfig(cfg), st, opts.Triggers, log.With(logx.String("comp", "dispatch")), bus)
	if opts.Inventory != nil {
		disp.SetInventory(opts.Inventory)
	}

	modes := mode.New(st, log.With(logx.String("comp", "mode")), bus)
	modes.SetRearmer(disp)
	disp.SetModeSource(modes.Current)

	gen := generate.New(st, disp, log.With(logx.String("comp", "generate")))
	sweeper := sweep.New(sweepConfig(cfg), st, disp, bus, log.With(logx.String("comp", "sweep")))

	e := &Engine{
		cfgMgr:     mgr,
		logSvc:     logSvc,
		log:        log,
		st:         st,
		bus:        bus,
		disp:       disp,
		modes:      modes,
		gen:        gen,
		sweeper:    sweeper,
		exporter:   ics.NewExporter(),
		windowDays: windowDays(cfg),
		prevCfg:    cfg,
	}
	return e, nil
}

// Start loads the persisted mode, runs one sweep and reconcile pass so the
// trigger set matches the store after a restart, and starts the background
// schedule plus the config watcher.
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.modes.Load(ctx); err != nil {
		return fmt.Errorf("carebell: load mode: %w", err)
	}
	if err := e.sweeper.RunNow(ctx); err != nil {
		e.log.Warn("startup maintenance pass failed", logx.Err(err))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.sweeper.Start(runCtx)

	if e.cfgMgr != nil {
		done := make(chan struct{})
		e.mu.Lock()
		e.watchDone = done
		e.mu.Unlock()

		sub := e.cfgMgr.Subscribe(2)
		go func() {
			defer close(done)
			_ = e.cfgMgr.Watch(runCtx)
		}()
		go func() {
			for cfg := range sub {
				e.applyConfig(cfg)
			}
		}()
		go func() {
			<-runCtx.Done()
			e.cfgMgr.Unsubscribe(sub)
		}()
	}

	e.log.Info("engine started")
	return nil
}

// Stop halts background work and closes the store. The engine cannot be
// restarted after Stop.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel := e.cancel
	done := e.watchDone
	e.cancel = nil
	e.watchDone = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.sweeper.Stop(ctx)
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	err := e.st.Close()
	e.log.Info("engine stopped")
	e.logSvc.Close()
	return err
}

// Bus exposes the engine's signal bus for UI layers.
func (e *Engine) Bus() eventbus.Bus { return e.bus }

// applyConfig is the live-reload path: each service re-applies its section.
func (e *Engine) applyConfig(cfg *config.Config) {
	e.mu.Lock()
	prev := e.prevCfg
	e.prevCfg = cfg
	e.windowDays = windowDays(cfg)
	e.mu.Unlock()

	changed, attrs := config.SummarizeChange(prev, cfg)
	if len(changed) == 0 {
		return
	}

	e.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	e.disp.Apply(dispatchConfig(cfg))
	e.sweeper.Apply(sweepConfig(cfg))

	e.log.Info("config reloaded", append(attrs, logx.Any("sections", changed))...)
}

// UpsertSource regenerates the occurrence window for a recurring source
// (medications, supplements). Deactivated sources have their pending
// occurrences and triggers removed; history stays.
func (e *Engine) UpsertSource(ctx context.Context, src event.ScheduleSource) ([]event.CalendarEvent, error) {
	if !src.Type.Valid() {
		return nil, fmt.Errorf("carebell: unknown source type %q", src.Type)
	}
	if !src.Type.Recurring() {
		return nil, fmt.Errorf("carebell: %s sources are one-off; use ScheduleOneOff", src.Type)
	}
	if !src.IsActive {
		return nil, e.deactivateSource(ctx, src.ID)
	}

	e.mu.Lock()
	days := e.windowDays
	e.mu.Unlock()

	now := time.Now()
	created, err := e.gen.Regenerate(ctx, src, now, now.AddDate(0, 0, days))
	if err != nil {
		return nil, err
	}
	e.publishRefresh(src.ProfileID)
	return created, nil
}

// ScheduleOneOff replaces the single occurrence for an appointment or
// activity source. Past appointments clear previous state and create nothing.
func (e *Engine) ScheduleOneOff(ctx context.Context, src event.ScheduleSource, at time.Time, end *time.Time) (*event.CalendarEvent, error) {
	if !src.Type.Valid() {
		return nil, fmt.Errorf("carebell: unknown source type %q", src.Type)
	}
	if src.Type.Recurring() {
		return nil, fmt.Errorf("carebell: %s sources recur; use UpsertSource", src.Type)
	}
	if !src.IsActive {
		return nil, e.deactivateSource(ctx, src.ID)
	}
	ev, err := e.gen.ScheduleOneOff(ctx, src, at, end)
	if err != nil {
		return nil, err
	}
	e.publishRefresh(src.ProfileID)
	return ev, nil
}

// DeleteSource removes every occurrence of a source, terminal history
// included, and cancels outstanding triggers. Used when the source entity
// itself is deleted, not merely deactivated.
func (e *Engine) DeleteSource(ctx context.Context, sourceID string) error {
	return e.removeSource(ctx, sourceID)
}

func (e *Engine) removeSource(ctx context.Context, sourceID string) error {
	removed, err := e.st.DeleteBySource(ctx, sourceID)
	if err != nil {
		return err
	}
	return e.dropTriggers(ctx, removed)
}

// deactivateSource clears a source's pending occurrences and their triggers.
// Terminal history is untouched; only DeleteSource removes it.
func (e *Engine) deactivateSource(ctx context.Context, sourceID string) error {
	removed, err := e.st.DeletePendingBySource(ctx, sourceID)
	if err != nil {
		return err
	}
	return e.dropTriggers(ctx, removed)
}

func (e *Engine) dropTriggers(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := e.disp.Cancel(ctx, id); err != nil {
			e.log.Warn("trigger cancel failed", logx.Err(err), logx.String("event", id))
		}
	}
	if len(ids) > 0 {
		e.publishRefresh("")
	}
	return nil
}

// HandleAction applies an inbound user decision (notification action, widget
// tap, voice intent). Safe to call from headless contexts; returns false when
// the event was already settled.
func (e *Engine) HandleAction(ctx context.Context, req event.ActionRequest) (bool, error) {
	return e.disp.OnAction(ctx, req)
}

// SetMode switches the escalation policy and immediately re-arms all pending
// triggers under the new profile.
func (e *Engine) SetMode(ctx context.Context, m event.EscalationMode) error {
	return e.modes.Set(ctx, m)
}

// CurrentMode reports the active escalation policy.
func (e *Engine) CurrentMode(ctx context.Context) event.EscalationMode {
	return e.modes.Current(ctx)
}

// EventsForDay lists a profile's occurrences for one calendar day, ordered by
// scheduled time.
func (e *Engine) EventsForDay(ctx context.Context, profileID string, day time.Time) ([]event.CalendarEvent, error) {
	return e.st.ByDay(ctx, profileID, day)
}

// EventsInRange lists occurrences in [from, to). Empty profileID spans all
// profiles.
func (e *Engine) EventsInRange(ctx context.Context, profileID string, from, to time.Time) ([]event.CalendarEvent, error) {
	return e.st.ByRange(ctx, profileID, from, to)
}

// OverdueEvents lists pending occurrences already past their scheduled time.
func (e *Engine) OverdueEvents(ctx context.Context, profileID string) ([]event.CalendarEvent, error) {
	return e.st.Overdue(ctx, profileID, time.Now())
}

// Stats aggregates lifecycle counts for a profile over a window.
func (e *Engine) Stats(ctx context.Context, profileID string, from, to time.Time) (store.Stats, error) {
	return e.st.Stats(ctx, profileID, from, to)
}

// RunMaintenance triggers an immediate sweep and reconcile pass outside the
// background schedule.
func (e *Engine) RunMaintenance(ctx context.Context) error {
	return e.sweeper.RunNow(ctx)
}

// ExportICS renders a profile's occurrences in [from, to) as an iCalendar
// feed.
func (e *Engine) ExportICS(ctx context.Context, profileID string, from, to time.Time) (string, error) {
	evs, err := e.st.ByRange(ctx, profileID, from, to)
	if err != nil {
		return "", err
	}
	return e.exporter.ExportEvents(evs)
}

// ExportSourcesICS renders recurring sources as an RRULE-bearing feed for
// subscription by an external calendar.
func (e *Engine) ExportSourcesICS(sources []event.ScheduleSource) (string, error) {
	return e.exporter.ExportSources(sources)
}

func (e *Engine) publishRefresh(profileID string) {
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeRefresh, Data: eventbus.RefreshSignal{ProfileID: profileID}})
}

// ---- config mapping ----

// Durations were validated at load time; parse failures here mean a code bug,
// so the defaults simply win.

func storeConfig(cfg *config.Config) store.Config {
	if cfg.Storage == nil {
		return store.Config{Driver: "memory"}
	}
	busy, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}

func dispatchConfig(cfg *config.Config) dispatch.Config {
	late, _ := config.ParseDurationField("dispatch.late_tolerance", cfg.Dispatch.LateTolerance)
	arm, _ := config.ParseDurationField("dispatch.arm_delay", cfg.Dispatch.ArmDelay)
	snooze, _ := config.ParseDurationField("dispatch.snooze_interval", cfg.Dispatch.SnoozeInterval)
	rearm, _ := config.ParseDurationField("dispatch.rearm_window", cfg.Dispatch.RearmWindow)
	return dispatch.Config{
		LateTolerance:       late,
		ArmDelay:            arm,
		SnoozeInterval:      snooze,
		RearmWindow:         rearm,
		RegistrationsPerSec: cfg.Dispatch.RegistrationsPerSec,
		LowStockThreshold:   cfg.Dispatch.LowStockThreshold,
	}
}

func sweepConfig(cfg *config.Config) sweep.Config {
	timeout, _ := config.ParseDurationField("sweep.job_timeout", cfg.Sweep.JobTimeout)
	return sweep.Config{
		Enabled:       cfg.Sweep.SweepEnabled(),
		SweepSpec:     cfg.Sweep.SweepSpec,
		ReconcileSpec: cfg.Sweep.ReconcileSpec,
		Timezone:      cfg.Sweep.Timezone,
		JobTimeout:    timeout,
	}
}

func windowDays(cfg *config.Config) int {
	if cfg.Generate.WindowDays > 0 {
		return cfg.Generate.WindowDays
	}
	return defaultWindowDays
}
