package scheduler

import (
	"context"
	"log/slog"
	"time"

	"blog-cms/internal/metrics"
	"blog-cms/internal/model"
	"blog-cms/internal/publication"
	"blog-cms/internal/repository"
)

// ScheduleStore is what the reconciler needs from the record store.
type ScheduleStore interface {
	FindDue(ctx context.Context, due repository.Due, now time.Time) ([]model.ArticleSchedule, error)
	Transition(ctx context.Context, s *model.ArticleSchedule, due repository.Due, now time.Time) (bool, error)
}

// TickResult summarises one reconcile pass.
type TickResult struct {
	Published int
	Expired   int
	Skipped   int
	Failed    int
}

// Reconciler moves schedule rows whose thresholds have passed.
type Reconciler struct {
	store  ScheduleStore
	logger *slog.Logger
	now    func() time.Time
}

func NewReconciler(store ScheduleStore, logger *slog.Logger, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{store: store, logger: logger, now: now}
}

// Tick runs the publish pass and then the expiry pass at a single instant.
// The expiry pass sees rows the publish pass just wrote, so a row whose whole
// window has elapsed ends up expired. Row failures are logged and left for
// the next tick.
func (r *Reconciler) Tick(ctx context.Context) TickResult {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	now := r.now().UTC()
	var res TickResult
	res.Published = r.pass(ctx, repository.DuePublish, now, publication.ApplyPublish, &res)
	res.Expired = r.pass(ctx, repository.DueExpire, now, publication.ApplyExpire, &res)
	return res
}

func (r *Reconciler) pass(ctx context.Context, due repository.Due, now time.Time, apply func(*model.ArticleSchedule, time.Time) bool, res *TickResult) int {
	rows, err := r.store.FindDue(ctx, due, now)
	if err != nil {
		r.logger.Error("reconcile query failed", "transition", due, "error", err)
		metrics.ScheduleFailures.WithLabelValues(string(due)).Inc()
		res.Failed++
		return 0
	}

	moved := 0
	for i := range rows {
		if ctx.Err() != nil {
			return moved
		}

		row := &rows[i]
		if !apply(row, now) {
			res.Skipped++
			continue
		}

		ok, err := r.store.Transition(ctx, row, due, now)
		if err != nil {
			r.logger.Error("schedule transition failed", "transition", due, "article_id", row.ArticleID, "error", err)
			metrics.ScheduleFailures.WithLabelValues(string(due)).Inc()
			res.Failed++
			continue
		}
		if !ok {
			r.logger.Debug("schedule row changed concurrently", "transition", due, "article_id", row.ArticleID)
			res.Skipped++
			continue
		}

		r.logger.Info("schedule transitioned", "transition", due, "article_id", row.ArticleID, "at", now)
		metrics.ScheduleTransitions.WithLabelValues(string(due)).Inc()
		moved++
	}
	return moved
}
