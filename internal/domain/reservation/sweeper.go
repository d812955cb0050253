package reservation

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SweepHook runs after every sweep with the reservations it expired.
type SweepHook func(ctx context.Context, expired []*Reservation)

// Sweeper drives ExpireDueReservations on a cron schedule. A sweep that is
// still running when the next tick fires is skipped.
type Sweeper struct {
	mgr      *Manager
	schedule string
	logger   zerolog.Logger

	mu    sync.Mutex
	hooks []SweepHook
	cron  *cron.Cron
}

func NewSweeper(mgr *Manager, schedule string, logger zerolog.Logger) *Sweeper {
	if schedule == "" {
		schedule = "@every 45s"
	}
	return &Sweeper{
		mgr:      mgr,
		schedule: schedule,
		logger:   logger.With().Str("component", "reservation_sweeper").Logger(),
	}
}

// AfterSweep registers a hook, e.g. alert re-evaluation.
func (s *Sweeper) AfterSweep(h SweepHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Start schedules the sweep. It returns an error for an invalid schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("reservation sweep finished with errors")
		}
	}); err != nil {
		return err
	}
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	c.Start()
	s.logger.Info().Str("schedule", s.schedule).Msg("reservation sweeper started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// RunOnce expires every due reservation and then runs the hooks, even when
// some beds failed.
func (s *Sweeper) RunOnce(ctx context.Context) ([]*Reservation, error) {
	start := time.Now()
	expired, err := s.mgr.ExpireDueReservations(ctx, s.mgr.Now())

	s.mu.Lock()
	hooks := make([]SweepHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()
	for _, h := range hooks {
		h(ctx, expired)
	}

	s.logger.Info().Int("expired", len(expired)).Dur("took", time.Since(start)).Msg("reservation sweep")
	return expired, err
}
