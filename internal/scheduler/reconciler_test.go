package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blog-cms/config"
	"blog-cms/internal/database"
	"blog-cms/internal/model"
	"blog-cms/internal/publication"
	"blog-cms/internal/repository"
)

var t0 = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type env struct {
	articles   *repository.ArticleRepository
	reconciler *Reconciler
	clock      *clock
	author     model.User
}

func newEnv(t *testing.T) *env {
	t.Helper()
	c := &clock{now: t0}
	db, err := database.Open(database.Memory, c.Now)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	author := model.User{Name: "Admin", Email: "admin@test.dev", Password: "x", Role: model.RoleAdmin}
	require.NoError(t, db.Create(&author).Error)

	return &env{
		articles:   repository.NewArticleRepository(db),
		reconciler: NewReconciler(repository.NewScheduleRepository(db), discardLogger(), c.Now),
		clock:      c,
		author:     author,
	}
}

// create mirrors article creation: the schedule comes from publication.Schedule.
func (e *env) create(t *testing.T, title string, scheduledAt time.Time, expiredAt *time.Time) uint {
	t.Helper()
	s, err := publication.Schedule(0, scheduledAt, expiredAt, e.clock.now)
	require.NoError(t, err)

	a := &model.Article{Title: title, Slug: title, UserID: e.author.ID}
	require.NoError(t, e.articles.Create(context.Background(), a, s, &model.ArticleImage{ImageURL: "u", Filename: title}))
	return a.ID
}

func (e *env) schedule(t *testing.T, id uint) *model.ArticleSchedule {
	t.Helper()
	a, err := e.articles.Find(context.Background(), id)
	require.NoError(t, err)
	return a.Schedule
}

func TestReconciler_PublishesWhenDue(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	id := e.create(t, "later", t0.Add(time.Hour), nil)

	view, err := e.articles.ViewByID(ctx, id, repository.Visibility{Admin: true})
	require.NoError(t, err)
	assert.False(t, view.IsPublished)

	e.clock.now = t0.Add(2 * time.Hour)
	res := e.reconciler.Tick(ctx)
	assert.Equal(t, TickResult{Published: 1}, res)

	view, err = e.articles.ViewByID(ctx, id, repository.Public)
	require.NoError(t, err)
	assert.True(t, view.IsPublished)
	require.NotNil(t, view.PublishedAt)
	assert.True(t, e.clock.now.Equal(*view.PublishedAt))
}

func TestReconciler_ExpiryWinsInSameTick(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	id := e.create(t, "window", t0.Add(time.Hour), ptr(t0.Add(2*time.Hour)))

	e.clock.now = t0.Add(3 * time.Hour)
	res := e.reconciler.Tick(ctx)
	assert.Equal(t, 1, res.Published)
	assert.Equal(t, 1, res.Expired)

	s := e.schedule(t, id)
	assert.True(t, s.IsExpired)
	assert.False(t, s.IsPublished)
}

func TestReconciler_ExpiresLiveArticle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	id := e.create(t, "live", t0.Add(-time.Hour), ptr(t0.Add(time.Hour)))
	assert.True(t, e.schedule(t, id).IsPublished)

	e.clock.now = t0.Add(30 * time.Minute)
	assert.Equal(t, TickResult{}, e.reconciler.Tick(ctx))

	e.clock.now = t0.Add(time.Hour)
	assert.Equal(t, TickResult{Expired: 1}, e.reconciler.Tick(ctx))

	_, err := e.articles.ViewByID(ctx, id, repository.Public)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestReconciler_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.create(t, "a", t0.Add(time.Minute), nil)
	e.create(t, "b", t0.Add(time.Minute), ptr(t0.Add(2*time.Minute)))

	e.clock.now = t0.Add(5 * time.Minute)
	first := e.reconciler.Tick(ctx)
	assert.Equal(t, 2, first.Published)
	assert.Equal(t, 1, first.Expired)

	assert.Equal(t, TickResult{}, e.reconciler.Tick(ctx))
}

// failingStore fails the transition of one article and delegates the rest.
type failingStore struct {
	ScheduleStore
	failArticle uint
	queryErr    error
}

func (f *failingStore) FindDue(ctx context.Context, due repository.Due, now time.Time) ([]model.ArticleSchedule, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.ScheduleStore.FindDue(ctx, due, now)
}

func (f *failingStore) Transition(ctx context.Context, s *model.ArticleSchedule, due repository.Due, now time.Time) (bool, error) {
	if s.ArticleID == f.failArticle {
		return false, errors.New("database is locked")
	}
	return f.ScheduleStore.Transition(ctx, s, due, now)
}

func TestReconciler_RowFailureDoesNotBlockOthers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	bad := e.create(t, "bad", t0.Add(time.Minute), nil)
	good := e.create(t, "good", t0.Add(time.Minute), nil)

	store := &failingStore{ScheduleStore: e.reconciler.store, failArticle: bad}
	r := NewReconciler(store, discardLogger(), e.clock.Now)

	e.clock.now = t0.Add(time.Hour)
	assert.Equal(t, TickResult{Published: 1, Failed: 1}, r.Tick(ctx))
	assert.True(t, e.schedule(t, good).IsPublished)
	assert.False(t, e.schedule(t, bad).IsPublished)

	// still due, so the next healthy tick picks it up
	assert.Equal(t, TickResult{Published: 1}, e.reconciler.Tick(ctx))
	assert.True(t, e.schedule(t, bad).IsPublished)
}

func TestReconciler_QueryFailureIsCounted(t *testing.T) {
	e := newEnv(t)
	store := &failingStore{ScheduleStore: e.reconciler.store, queryErr: errors.New("no such table")}
	r := NewReconciler(store, discardLogger(), e.clock.Now)

	assert.Equal(t, TickResult{Failed: 2}, r.Tick(context.Background()))
}

func TestScheduler_Lifecycle(t *testing.T) {
	e := newEnv(t)
	s := NewScheduler(e.reconciler, config.CronConfig{ReconcileInterval: "@every 1h"}, discardLogger())

	assert.True(t, s.GetNextReconcileTime().IsZero())

	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)
	assert.False(t, s.GetNextReconcileTime().IsZero())

	s.Stop()
	s.Stop()
	assert.True(t, s.GetNextReconcileTime().IsZero())
}

func TestScheduler_RestartRegistersJobOnce(t *testing.T) {
	e := newEnv(t)
	s := NewScheduler(e.reconciler, config.CronConfig{ReconcileInterval: "@every 1h"}, discardLogger())

	require.NoError(t, s.Start())
	s.Stop()
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Len(t, s.cron.Entries(), 1)
	assert.False(t, s.GetNextReconcileTime().IsZero())
}

func TestScheduler_BadSpec(t *testing.T) {
	e := newEnv(t)
	s := NewScheduler(e.reconciler, config.CronConfig{ReconcileInterval: "every now and then"}, discardLogger())

	assert.Error(t, s.Start())
}
