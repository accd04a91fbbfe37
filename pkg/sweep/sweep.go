// Package sweep runs the background maintenance jobs: marking stale pending
// events as missed, and reconciling OS triggers against the store after
// restarts or missed callbacks.
package sweep

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"carebell/pkg/dispatch"
	"carebell/pkg/event"
	"carebell/pkg/eventbus"
	"carebell/pkg/logx"
	"carebell/pkg/store"
)

type Config struct {
	Enabled bool
	// SweepSpec and ReconcileSpec are cron expressions (5-field or
	// descriptors like "@every 30m").
	SweepSpec     string // default "@every 30m"
	ReconcileSpec string // default "@every 6h"
	Timezone      string // IANA TZ; empty means time.Local
	JobTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.SweepSpec) == "" {
		c.SweepSpec = "@every 30m"
	}
	if strings.TrimSpace(c.ReconcileSpec) == "" {
		c.ReconcileSpec = "@every 6h"
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 2 * time.Minute
	}
	return c
}

// Service owns the cron runner. Start/Stop are idempotent; Apply restarts the
// runner when the schedule or timezone changed.
type Service struct {
	mu  sync.Mutex
	cfg Config

	st    store.Store
	disp  *dispatch.Dispatcher
	bus   eventbus.Bus
	log   logx.Logger
	clock func() time.Time

	parser cron.Parser
	c      *cron.Cron
	parent context.Context
	runCtx context.Context
	cancel context.CancelFunc
}

func New(cfg Config, st store.Store, disp *dispatch.Dispatcher, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		st:     st,
		disp:   disp,
		bus:    bus,
		log:    log,
		clock:  time.Now,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// SetClock overrides the wall clock (tests).
func (s *Service) SetClock(fn func() time.Time) {
	s.mu.Lock()
	s.clock = fn
	s.mu.Unlock()
}

func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := cfg.SweepSpec != s.cfg.SweepSpec ||
		cfg.ReconcileSpec != s.cfg.ReconcileSpec ||
		strings.TrimSpace(cfg.Timezone) != strings.TrimSpace(s.cfg.Timezone) ||
		cfg.Enabled != s.cfg.Enabled
	s.cfg = cfg
	if s.c == nil || !changed {
		return
	}
	s.stopLocked()
	s.startLocked(s.parent)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.startLocked(ctx)
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Service) startLocked(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.parent = ctx
	s.runCtx, s.cancel = context.WithCancel(ctx)
	loc := s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	timeout := s.cfg.JobTimeout
	runCtx := s.runCtx
	run := func(name string, job func(ctx context.Context) error) func() {
		return func() {
			jctx, cancel := context.WithTimeout(runCtx, timeout)
			defer cancel()
			if err := job(jctx); err != nil {
				s.log.Warn("background job failed", logx.String("job", name), logx.Err(err))
			}
		}
	}
	if _, err := s.c.AddFunc(s.cfg.SweepSpec, run("sweep", func(ctx context.Context) error {
		_, err := s.Sweep(ctx, "")
		return err
	})); err != nil {
		s.log.Error("invalid sweep schedule", logx.Err(err), logx.String("spec", s.cfg.SweepSpec))
	}
	if _, err := s.c.AddFunc(s.cfg.ReconcileSpec, run("reconcile", s.Reconcile)); err != nil {
		s.log.Error("invalid reconcile schedule", logx.Err(err), logx.String("spec", s.cfg.ReconcileSpec))
	}
	s.c.Start()
	s.log.Info("sweep service started",
		logx.String("sweep", s.cfg.SweepSpec),
		logx.String("reconcile", s.cfg.ReconcileSpec),
		logx.String("tz", loc.String()))
}

func (s *Service) stopLocked() {
	if s.c == nil {
		return
	}
	<-s.c.Stop().Done()
	s.c = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.log.Info("sweep service stopped")
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) now() time.Time {
	s.mu.Lock()
	clock := s.clock
	s.mu.Unlock()
	return clock()
}

// Sweep transitions pending events already past their scheduled time to
// missed and reports the count. Triggers are left alone: a trigger for a past
// instant has either fired already or is about to. An empty profileID sweeps
// every profile. Per-event failures do not abort the pass.
func (s *Service) Sweep(ctx context.Context, profileID string) (int, error) {
	stale, err := s.st.Overdue(ctx, profileID, s.now())
	if err != nil {
		return 0, err
	}

	missed := 0
	for _, ev := range stale {
		if ctx.Err() != nil {
			return missed, ctx.Err()
		}
		ok, err := s.st.UpdateStatus(ctx, ev.ID, event.StatusMissed, nil)
		if err != nil {
			s.log.Warn("mark missed failed", logx.Err(err), logx.String("event", ev.ID))
			continue
		}
		if !ok {
			// Raced with a user action; the event reached a terminal
			// state on its own.
			continue
		}
		missed++
	}

	if missed > 0 {
		s.publish(eventbus.TypeSweepDone, eventbus.SweepResult{ProfileID: profileID, Missed: missed})
		s.publish(eventbus.TypeRefresh, eventbus.RefreshSignal{ProfileID: profileID})
		s.log.Info("sweep pass complete", logx.Int("missed", missed), logx.String("profile", profileID))
	}
	return missed, nil
}

// Reconcile re-arms triggers for every pending event in the dispatch window.
// Trigger registration is replace-by-id, so a reconcile pass never duplicates
// reminders that are already armed.
func (s *Service) Reconcile(ctx context.Context) error {
	armed, err := s.disp.Rearm(ctx, "")
	if err != nil {
		return err
	}
	s.log.Debug("reconcile pass complete", logx.Int("armed", armed))
	return nil
}

// RunNow executes one sweep and one reconcile pass immediately, regardless of
// the cron schedule. Used at engine startup.
func (s *Service) RunNow(ctx context.Context) error {
	if _, err := s.Sweep(ctx, ""); err != nil {
		return err
	}
	return s.Reconcile(ctx)
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
