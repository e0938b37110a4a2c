/*
scheduler.go - Automated weekly snapshot scheduler

PURPOSE:
  Periodically ensures the storage ledger entries of the most recently
  completed week (Monday to Sunday, strictly before today).

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Skips weeks that already have a completed run with no failures
  - A partial run is retried on the next tick for the failed warehouses
  - Records every invocation as a SnapshotRun for audit and UI display

CONFIGURATION:
  - CheckInterval:  How often to check (default: 1 hour)
  - Enabled:        Whether scheduler is active (default: true)
  - CalculateCosts: Price new entries in the same pass (default: true)

USAGE:
  scheduler := NewWeeklyScheduler(engine, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: EnsureWeek endpoint (manual trigger)
  - storage/snapshot.go: RunAndRecord
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/storage-ledger/ledger"
	"github.com/warp/storage-ledger/storage"
)

// WeeklyScheduler triggers the snapshot generator once per completed week.
type WeeklyScheduler struct {
	Engine         *storage.Engine
	Log            logrus.FieldLogger
	CheckInterval  time.Duration
	Enabled        bool
	CalculateCosts bool
	Now            func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewWeeklyScheduler creates a new scheduler.
func NewWeeklyScheduler(engine *storage.Engine, log logrus.FieldLogger) *WeeklyScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &WeeklyScheduler{
		Engine:         engine,
		Log:            log.WithField("component", "scheduler"),
		CheckInterval:  time.Hour,
		Enabled:        true,
		CalculateCosts: true,
	}
}

// Start begins the scheduler.
func (s *WeeklyScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run(ctx)

	s.Log.WithField("interval", s.CheckInterval.String()).Info("scheduler started")
}

// Stop stops the scheduler and cancels an in-flight run.
func (s *WeeklyScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Log.Info("scheduler stopped")
}

func (s *WeeklyScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow checks the last completed week and ensures it when needed.
// It returns the recorded run, or nil when the week was already complete.
func (s *WeeklyScheduler) RunNow(ctx context.Context) *storage.SnapshotRun {
	week := ledger.LastCompletedWeek(ledger.DateOf(s.now()))
	log := s.Log.WithField("week_ending", week.End.String())

	done, err := s.Engine.Store.IsWeekComplete(ctx, week.End)
	if err != nil {
		log.WithError(err).Error("failed to check week status")
		return nil
	}
	if done {
		log.Debug("week already complete, skipping")
		return nil
	}

	opts := storage.EnsureOptions{CalculateCosts: s.CalculateCosts}
	if failed := s.lastFailedWarehouses(ctx, week.End); len(failed) > 0 {
		opts.WarehouseCodes = failed
		log = log.WithField("retry_warehouses", failed)
	}

	res, run, err := s.Engine.Snapshots.RunAndRecord(ctx, week.End, storage.TriggerSchedule, opts)
	if err != nil {
		log.WithError(err).Warn("scheduled snapshot did not complete")
		return run
	}
	log.WithFields(logrus.Fields{
		"processed":       res.Processed,
		"created":         res.Created,
		"updated":         res.Updated,
		"cost_calculated": res.CostCalculated,
	}).Info("scheduled snapshot completed")
	return run
}

// NextRunTime returns when the next scheduled check will occur.
func (s *WeeklyScheduler) NextRunTime() time.Time {
	return s.now().Add(s.CheckInterval)
}

// lastFailedWarehouses returns the failures of the latest run for the week
// when that run was partial. A retry limited to them completes the week.
func (s *WeeklyScheduler) lastFailedWarehouses(ctx context.Context, week ledger.Date) []string {
	runs, err := s.Engine.Store.ListRuns(ctx, 20)
	if err != nil {
		return nil
	}
	for _, r := range runs {
		if !r.WeekEndingDate.Equal(week) {
			continue
		}
		if r.Status == storage.RunPartial {
			return r.FailedWarehouses
		}
		return nil
	}
	return nil
}

func (s *WeeklyScheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}
