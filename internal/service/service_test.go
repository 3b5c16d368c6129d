package service

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"gorm.io/gorm"

	"blog-cms/internal/apperr"
	"blog-cms/internal/content"
	"blog-cms/internal/database"
	"blog-cms/internal/model"
	"blog-cms/internal/repository"
	"blog-cms/internal/scheduler"
	"blog-cms/internal/storage"
	"blog-cms/internal/storage/mocks"
)

const publicURL = "http://cdn.test/uploads"

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }
func str(s string) *string       { return &s }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	db       *gorm.DB
	clock    *clock
	articles *repository.ArticleRepository
	users    *repository.UserRepository
	blobs    *storage.LocalStore
	svc      *ArticleService
	author   model.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: t0}
	db, err := database.Open(database.Memory, c.Now)
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	blobs, err := storage.NewLocalStore(t.TempDir(), publicURL)
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	author := model.User{Name: "Admin", Email: "admin@test.dev", Password: "x", Role: model.RoleAdmin}
	require.NoError(t, db.Create(&author).Error)

	articles := repository.NewArticleRepository(db)
	return &fixture{
		db:       db,
		clock:    c,
		articles: articles,
		users:    repository.NewUserRepository(db),
		blobs:    blobs,
		svc:      NewArticleService(articles, blobs, discardLogger(), c.Now),
		author:   author,
	}
}

func cover(name string) *CoverImage {
	return &CoverImage{Filename: name, ContentType: "image/png", Data: []byte("png-bytes")}
}

func inline(data string) string {
	return `<img src="data:image/png;base64,` + base64.StdEncoding.EncodeToString([]byte(data)) + `">`
}

func (f *fixture) create(t *testing.T, title, body string, scheduledAt, expiredAt *time.Time) *repository.ArticleView {
	t.Helper()
	view, err := f.svc.Create(context.Background(), CreateArticleInput{
		Title:       title,
		Content:     body,
		ScheduledAt: scheduledAt,
		ExpiredAt:   expiredAt,
		Cover:       cover("My Cover.png"),
		AuthorID:    f.author.ID,
	})
	require.NoError(t, err)
	return view
}

// blobCount counts stored objects, skipping the bucket's metadata sidecars.
func (f *fixture) blobCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.blobs.Dir())
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".attrs") {
			n++
		}
	}
	return n
}

func TestArticleService_CreateScheduledThenReconciled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	view := f.create(t, "Later", "<p>soon</p>", ptr(t0.Add(time.Hour)), nil)
	assert.False(t, view.IsPublished)
	assert.Equal(t, "later-1740816000000", view.Slug)
	assert.Equal(t, publicURL+"/article-1740816000000-My-Cover.png", view.ImageURL)

	_, err := f.svc.GetByID(ctx, view.ID, repository.Public)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	f.clock.now = t0.Add(2 * time.Hour)
	r := scheduler.NewReconciler(repository.NewScheduleRepository(f.db), discardLogger(), f.clock.Now)
	assert.Equal(t, 1, r.Tick(ctx).Published)

	got, err := f.svc.GetBySlug(ctx, view.Slug, repository.Public)
	require.NoError(t, err)
	assert.True(t, got.IsPublished)
}

func TestArticleService_CreatePublishesImmediatelyInsideWindow(t *testing.T) {
	f := newFixture(t)

	view := f.create(t, "Now", "<p>hi</p>", ptr(t0.Add(-time.Hour)), ptr(t0.Add(time.Hour)))
	assert.True(t, view.IsPublished)
	assert.False(t, view.IsExpired)
	require.NotNil(t, view.PublishedAt)
	assert.True(t, t0.Equal(*view.PublishedAt))
}

func TestArticleService_CreateDefaultsScheduleToNow(t *testing.T) {
	f := newFixture(t)

	view := f.create(t, "Default", "", nil, nil)
	assert.True(t, view.IsPublished)
	assert.True(t, t0.Equal(view.ScheduledAt))
}

func TestArticleService_CreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "Taken", "", nil, nil)

	tests := []struct {
		name string
		in   CreateArticleInput
		kind apperr.Kind
	}{
		{"empty title", CreateArticleInput{Title: "  ", Cover: cover("a.png")}, apperr.KindValidation},
		{"duplicate title", CreateArticleInput{Title: "Taken", Cover: cover("a.png")}, apperr.KindConflict},
		{"missing cover", CreateArticleInput{Title: "New"}, apperr.KindValidation},
		{"cover not an image", CreateArticleInput{Title: "New", Cover: &CoverImage{Filename: "a.txt", Data: []byte("plain text")}}, apperr.KindValidation},
		{"expiry before schedule", CreateArticleInput{Title: "New", Cover: cover("a.png"), ScheduledAt: ptr(t0.Add(2 * time.Hour)), ExpiredAt: ptr(t0.Add(time.Hour))}, apperr.KindValidation},
		{"malformed inline image", CreateArticleInput{Title: "New", Cover: cover("a.png"), Content: `<img src="data:image/png;base64,@@@">`}, apperr.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.AuthorID = f.author.ID
			_, err := f.svc.Create(ctx, tt.in)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}

	// only the first article's cover was left behind
	assert.Equal(t, 1, f.blobCount(t))
}

func TestArticleService_CreateExtractsInlineImages(t *testing.T) {
	f := newFixture(t)

	view := f.create(t, "Pictures", "<p>a</p>"+inline("one")+inline("two"), nil, nil)
	assert.NotContains(t, view.Content, "data:image")
	assert.Contains(t, view.Content, publicURL+"/content-")
	assert.Equal(t, 3, f.blobCount(t))
}

func TestArticleService_DeleteRemovesAllBlobsInOneCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t, "Doomed", inline("one")+inline("two"), nil, nil)
	require.Equal(t, 3, f.blobCount(t))

	ctrl := gomock.NewController(t)
	blobs := mocks.NewMockBlobStore(ctrl)
	blobs.EXPECT().KeyFromURL(gomock.Any()).DoAndReturn(f.blobs.KeyFromURL).Times(2)
	blobs.EXPECT().Delete(gomock.Any(), gomock.Len(3)).DoAndReturn(f.blobs.Delete).Times(1)

	svc := NewArticleService(f.articles, blobs, discardLogger(), f.clock.Now)
	require.NoError(t, svc.Delete(ctx, view.ID))

	assert.Equal(t, 0, f.blobCount(t))
	_, err := f.articles.Find(ctx, view.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	var schedules, images int64
	f.db.Model(&model.ArticleSchedule{}).Count(&schedules)
	f.db.Model(&model.ArticleImage{}).Count(&images)
	assert.Zero(t, schedules)
	assert.Zero(t, images)
}

func TestArticleService_DeleteKeepsRowsWhenBlobDeleteFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t, "Sticky", "", nil, nil)

	ctrl := gomock.NewController(t)
	blobs := mocks.NewMockBlobStore(ctrl)
	blobs.EXPECT().Delete(gomock.Any(), gomock.Any()).Return(errors.New("bucket unavailable"))

	svc := NewArticleService(f.articles, blobs, discardLogger(), f.clock.Now)
	err := svc.Delete(ctx, view.ID)
	assert.Equal(t, apperr.KindUpstream, apperr.KindOf(err))

	_, err = f.articles.Find(ctx, view.ID)
	assert.NoError(t, err)
}

func TestArticleService_DeleteMissing(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Delete(context.Background(), 404)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestArticleService_UpdateDropsOrphanedImages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t, "Edit me", inline("one")+inline("two"), nil, nil)
	require.Equal(t, 3, f.blobCount(t))

	full, err := f.articles.Find(ctx, view.ID)
	require.NoError(t, err)
	urls := content.ImageURLs(full.Content)
	require.Len(t, urls, 2)

	// keep the first image, drop the second and embed a new one
	updated, err := f.svc.Update(ctx, view.ID, UpdateArticleInput{
		Content: str(`<img src="` + urls[0] + `">` + inline("three")),
	})
	require.NoError(t, err)
	assert.Contains(t, updated.Content, urls[0])
	assert.NotContains(t, updated.Content, urls[1])
	assert.Equal(t, 3, f.blobCount(t))

	key, ok := f.blobs.KeyFromURL(urls[1])
	require.True(t, ok)
	exists, err := f.blobs.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestArticleService_UpdateIgnoresCleanupFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t, "Cleanup", "<p>x</p>"+inline("one"), nil, nil)

	ctrl := gomock.NewController(t)
	blobs := mocks.NewMockBlobStore(ctrl)
	blobs.EXPECT().KeyFromURL(gomock.Any()).DoAndReturn(f.blobs.KeyFromURL).AnyTimes()
	blobs.EXPECT().Delete(gomock.Any(), gomock.Len(1)).Return(errors.New("bucket unavailable"))

	svc := NewArticleService(f.articles, blobs, discardLogger(), f.clock.Now)
	updated, err := svc.Update(ctx, view.ID, UpdateArticleInput{Content: str("<p>no images</p>")})
	require.NoError(t, err)
	assert.Equal(t, "<p>no images</p>", updated.Content)
}

func TestArticleService_UpdateTitleAndSchedule(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "Other", "", nil, nil)
	view := f.create(t, "Original", "<p>body</p>", ptr(t0.Add(time.Hour)), nil)

	_, err := f.svc.Update(ctx, view.ID, UpdateArticleInput{Title: str("Other")})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	f.clock.now = t0.Add(time.Minute)
	updated, err := f.svc.Update(ctx, view.ID, UpdateArticleInput{
		Title:       str("Renamed Post"),
		ScheduledAt: ptr(t0.Add(-time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed Post", updated.Title)
	assert.Equal(t, "renamed-post-1740816060000", updated.Slug)
	assert.True(t, updated.IsPublished)
	assert.Equal(t, "<p>body</p>", updated.Content)

	_, err = f.svc.Update(ctx, view.ID, UpdateArticleInput{ExpiredAt: ptr(t0.Add(-time.Hour))})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestArticleService_UpdateReplacesCover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t, "Covered", "", nil, nil)
	oldURL := view.ImageURL

	f.clock.now = t0.Add(time.Second)
	updated, err := f.svc.Update(ctx, view.ID, UpdateArticleInput{Cover: cover("new.png")})
	require.NoError(t, err)
	assert.NotEqual(t, oldURL, updated.ImageURL)
	assert.Equal(t, 1, f.blobCount(t))
}

func TestArticleService_CreateNonASCIITitle(t *testing.T) {
	f := newFixture(t)

	view := f.create(t, "Héllo Wörld", "", nil, nil)
	assert.Equal(t, "Héllo Wörld", view.Title)
	assert.Equal(t, "hello-world-1740816000000", view.Slug)
}

func TestArticleService_CreateSniffsCoverType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	view, err := f.svc.Create(ctx, CreateArticleInput{
		Title:    "Sniffed",
		Cover:    &CoverImage{Filename: "upload", ContentType: "application/octet-stream", Data: png},
		AuthorID: f.author.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, publicURL+"/article-1740816000000-upload.png", view.ImageURL)

	_, err = f.svc.Create(ctx, CreateArticleInput{
		Title:    "Not an image",
		Cover:    &CoverImage{Filename: "upload", Data: []byte("%PDF-1.7\n")},
		AuthorID: f.author.ID,
	})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestArticleService_UpdateCoverOnlyTouchesUpdatedAt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t, "Cover only", "<p>body</p>", nil, nil)
	require.True(t, t0.Equal(view.UpdatedAt))

	f.clock.now = t0.Add(time.Minute)
	updated, err := f.svc.Update(ctx, view.ID, UpdateArticleInput{Cover: cover("fresh.png")})
	require.NoError(t, err)
	assert.True(t, f.clock.now.Equal(updated.UpdatedAt))
	assert.Equal(t, "<p>body</p>", updated.Content)
	assert.Equal(t, view.Slug, updated.Slug)
}

func TestArticleService_PublishUnpublishRepublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view := f.create(t, "Cycle", "", ptr(t0.Add(24*time.Hour)), nil)
	assert.False(t, view.IsPublished)

	published, err := f.svc.Publish(ctx, view.ID)
	require.NoError(t, err)
	assert.True(t, published.IsPublished)

	f.clock.now = t0.Add(time.Hour)
	down, err := f.svc.Unpublish(ctx, view.ID)
	require.NoError(t, err)
	assert.True(t, down.IsExpired)
	assert.False(t, down.IsPublished)
	require.NotNil(t, down.ExpiredAt)
	assert.True(t, f.clock.now.Equal(*down.ExpiredAt))

	_, err = f.svc.GetByID(ctx, view.ID, repository.Public)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = f.svc.Publish(ctx, view.ID)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = f.svc.Republish(ctx, view.ID, ptr(t0.Add(30*time.Minute)))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	up, err := f.svc.Republish(ctx, view.ID, ptr(t0.Add(48*time.Hour)))
	require.NoError(t, err)
	assert.True(t, up.IsPublished)
	assert.False(t, up.IsExpired)
	assert.True(t, f.clock.now.Equal(up.ScheduledAt))
	require.NotNil(t, up.ExpiredAt)

	_, err = f.svc.GetByID(ctx, view.ID, repository.Public)
	assert.NoError(t, err)
}

func TestArticleService_SearchByTitle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.create(t, "Go Generics", "", nil, nil)
	f.create(t, "Rust Traits", "", nil, nil)

	page, err := f.svc.SearchByTitle(ctx, repository.ListQuery{Visibility: repository.Public, Title: "go", Page: 1, Size: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.TotalElements)

	_, err = f.svc.SearchByTitle(ctx, repository.ListQuery{Visibility: repository.Public, Title: "python"})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = f.svc.SearchByTitle(ctx, repository.ListQuery{Visibility: repository.Public})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSlugifyAndCoverKey(t *testing.T) {
	assert.Equal(t, "hello-world-1740816000000", Slugify("  Hello, World! ", t0))
	assert.Equal(t, "article-1740816000000", Slugify("!!!", t0))
	assert.Equal(t, "hello-world-1740816000000", Slugify("Héllo Wörld", t0))
	assert.Equal(t, "creme-brulee-a-la-maison-1740816000000", Slugify("Crème brûlée à la maison", t0))
	assert.Equal(t, "article-1740816000000-My-Cover.png", CoverKey("My Cover.png", t0))
	assert.Equal(t, "article-1740816000000-passwd", CoverKey("../../etc/passwd", t0))
	assert.Equal(t, "article-1740816000000-cover", CoverKey("", t0))
}
