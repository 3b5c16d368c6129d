package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"blog-cms/config"
)

var ErrAlreadyStarted = errors.New("scheduler already started")

type Scheduler struct {
	cron             *cron.Cron
	reconciler       *Reconciler
	config           config.CronConfig
	logger           *slog.Logger
	reconcileEntryID cron.EntryID

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
}

func NewScheduler(reconciler *Reconciler, cfg config.CronConfig, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		reconciler: reconciler,
		config:     cfg,
		logger:     logger,
	}
}

// Start registers the reconcile job and starts the cron loop. The job runs
// under a context that Stop cancels.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())

	id, err := s.cron.AddFunc(s.config.ReconcileInterval, func() {
		res := s.reconciler.Tick(ctx)
		if res.Published+res.Expired+res.Failed > 0 {
			s.logger.Info("[Cron] reconcile done",
				"published", res.Published,
				"expired", res.Expired,
				"skipped", res.Skipped,
				"failed", res.Failed)
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("schedule reconcile job %q: %w", s.config.ReconcileInterval, err)
	}

	s.reconcileEntryID = id
	s.cancel = cancel
	s.started = true
	s.cron.Start()
	s.logger.Info("[Cron] scheduler started", "reconcile", s.config.ReconcileInterval)
	return nil
}

// GetNextReconcileTime returns when the next reconcile tick fires, or the
// zero time when the scheduler is not running.
func (s *Scheduler) GetNextReconcileTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return time.Time{}
	}
	return s.cron.Entry(s.reconcileEntryID).Next
}

// Stop cancels a running tick, waits for it to return and removes the
// reconcile job so a later Start registers it once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.cron.Remove(s.reconcileEntryID)
	s.started = false
	s.logger.Info("[Cron] scheduler stopped")
}
