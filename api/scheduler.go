/*
scheduler.go - Scheduled overdue sweep

PURPOSE:
  Periodically computes which customers are past their next due date,
  logs each one and records a sweep run for audit and UI display.
  Nothing is sent to customers; the sweep only reports.

DESIGN:
  - robfig/cron drives the schedule (standard 5-field spec, e.g. "0 9 * * *")
  - Overlapping runs are skipped, panics are recovered and logged
  - RunOnce is also exposed over HTTP (POST /api/sweeps/run)
  - Every run is persisted in sweep_runs, including failures

USAGE:
  sweeper := NewDueSweeper(engine, store, log, time.Now)
  if err := sweeper.Start("0 9 * * *"); err != nil { ... }
  // ... later
  sweeper.Stop(ctx)

SEE ALSO:
  - handlers.go: ListSweeps, RunSweep
  - servicing/engine.go: Overdue
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/warp/service-engine/servicing"
	"github.com/warp/service-engine/store/sqlite"
	"go.uber.org/zap"
)

// sweepTimeout bounds a single scheduled run.
const sweepTimeout = 5 * time.Minute

// DueSweeper runs the overdue sweep on a cron schedule.
type DueSweeper struct {
	Engine *servicing.Engine
	Store  *sqlite.Store
	Logger *zap.Logger

	clock func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewDueSweeper creates a sweeper. It does nothing until Start.
func NewDueSweeper(engine *servicing.Engine, store *sqlite.Store, log *zap.Logger, clock func() time.Time) *DueSweeper {
	if clock == nil {
		clock = time.Now
	}
	return &DueSweeper{
		Engine: engine,
		Store:  store,
		Logger: log.Named("sweeper"),
		clock:  clock,
	}
}

// Start schedules the sweep. Calling Start twice is an error.
func (s *DueSweeper) Start(spec string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("sweeper already started")
	}

	cronLog := cron.PrintfLogger(zap.NewStdLog(s.Logger))
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := c.AddFunc(spec, s.scheduledRun); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	c.Start()
	s.cron = c

	s.Logger.Info("sweeper started", zap.String("schedule", spec))
	return nil
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (s *DueSweeper) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.Logger.Info("sweeper stopped")
	case <-ctx.Done():
		s.Logger.Warn("sweeper stop timed out", zap.Error(ctx.Err()))
	}
}

// Running reports whether the schedule is active.
func (s *DueSweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cron != nil
}

func (s *DueSweeper) scheduledRun() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	// Errors are already logged and persisted by RunOnce.
	_, _ = s.RunOnce(ctx, servicing.DateOf(s.clock()))
}

// RunOnce sweeps as of today and records the run.
func (s *DueSweeper) RunOnce(ctx context.Context, today servicing.Date) (sqlite.SweepRun, error) {
	run := sqlite.SweepRun{
		ID:        uuid.NewString(),
		AsOf:      today,
		Status:    "running",
		StartedAt: s.clock(),
	}
	if err := s.Store.SaveSweepRun(ctx, run); err != nil {
		return run, err
	}

	log := s.Logger.With(zap.String("sweep_id", run.ID), zap.Stringer("as_of", today))
	log.Info("sweep started")

	customers, err := s.Engine.Customers(ctx)
	if err != nil {
		return s.finish(ctx, log, run, err)
	}
	run.CustomersChecked = len(customers)

	reports, err := s.Engine.Overdue(ctx, today)
	if err != nil {
		return s.finish(ctx, log, run, err)
	}
	run.Overdue = len(reports)

	for _, rep := range reports {
		log.Info("customer overdue",
			zap.String("customer_id", string(rep.Customer.ID)),
			zap.String("customer", rep.Customer.Name),
			zap.String("cadence", rep.Customer.Cadence.String()),
			zap.Stringer("due", rep.Due.Date),
			zap.Int("days_overdue", servicing.DaysBetween(rep.Due.Date, today)),
		)
	}
	return s.finish(ctx, log, run, nil)
}

func (s *DueSweeper) finish(ctx context.Context, log *zap.Logger, run sqlite.SweepRun, runErr error) (sqlite.SweepRun, error) {
	completed := s.clock()
	run.CompletedAt = &completed
	run.Status = "completed"
	if runErr != nil {
		run.Status = "failed"
		run.Error = runErr.Error()
	}

	if err := s.Store.SaveSweepRun(ctx, run); err != nil {
		log.Error("failed to save sweep run", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		log.Error("sweep failed", zap.Error(runErr))
		return run, runErr
	}
	log.Info("sweep completed",
		zap.Int("customers_checked", run.CustomersChecked),
		zap.Int("overdue", run.Overdue),
	)
	return run, nil
}
