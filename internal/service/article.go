package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"blog-cms/internal/apperr"
	"blog-cms/internal/content"
	"blog-cms/internal/model"
	"blog-cms/internal/publication"
	"blog-cms/internal/repository"
	"blog-cms/internal/storage"
)

// ArticleStore is the record store surface the article service uses.
type ArticleStore interface {
	Find(ctx context.Context, id uint) (*model.Article, error)
	TitleExists(ctx context.Context, title string, excludeID uint) (bool, error)
	Create(ctx context.Context, article *model.Article, schedule *model.ArticleSchedule, image *model.ArticleImage) error
	UpdateFields(ctx context.Context, id uint, fields map[string]any) error
	SaveSchedule(ctx context.Context, s *model.ArticleSchedule) error
	ReplaceImage(ctx context.Context, articleID uint, image *model.ArticleImage) error
	Delete(ctx context.Context, id uint) error
	List(ctx context.Context, q repository.ListQuery) (*repository.Page, error)
	ViewByID(ctx context.Context, id uint, v repository.Visibility) (*repository.ArticleView, error)
	ViewBySlug(ctx context.Context, slug string, v repository.Visibility) (*repository.ArticleView, error)
}

// CoverImage is an uploaded cover file held in memory.
type CoverImage struct {
	Filename    string
	ContentType string
	Data        []byte
}

type CreateArticleInput struct {
	Title       string
	Content     string
	ScheduledAt *time.Time // nil means now
	ExpiredAt   *time.Time
	Cover       *CoverImage
	AuthorID    uint
}

// UpdateArticleInput carries a partial update; nil fields are left alone.
type UpdateArticleInput struct {
	Title       *string
	Content     *string
	ScheduledAt *time.Time
	ExpiredAt   *time.Time
	Cover       *CoverImage
}

type ArticleService struct {
	articles ArticleStore
	blobs    storage.BlobStore
	logger   *slog.Logger
	now      func() time.Time
}

func NewArticleService(articles ArticleStore, blobs storage.BlobStore, logger *slog.Logger, now func() time.Time) *ArticleService {
	if now == nil {
		now = time.Now
	}
	return &ArticleService{articles: articles, blobs: blobs, logger: logger, now: now}
}

// Create stores a new article with its schedule and cover image. Inline
// base64 images are moved to blob storage before the content is saved.
func (s *ArticleService) Create(ctx context.Context, in CreateArticleInput) (*repository.ArticleView, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.Validation("title is required")
	}

	exists, err := s.articles.TitleExists(ctx, title, 0)
	if err != nil {
		return nil, storeErr(err)
	}
	if exists {
		return nil, apperr.Conflict("article already exists")
	}

	if in.Cover == nil || len(in.Cover.Data) == 0 {
		return nil, apperr.Validation("image is required")
	}

	now := s.now().UTC()
	scheduledAt := now
	if in.ScheduledAt != nil {
		scheduledAt = *in.ScheduledAt
	}
	schedule, err := publication.Schedule(0, scheduledAt, in.ExpiredAt, now)
	if err != nil {
		return nil, apperr.Validation(err.Error())
	}

	body, uploaded, err := content.ExtractInlineImages(ctx, in.Content, s.uploadInline)
	if err != nil {
		s.discardURLs(ctx, uploaded)
		return nil, contentErr(err)
	}
	body = content.Sanitize(body)

	coverKey, coverURL, err := s.uploadCover(ctx, in.Cover, now)
	if err != nil {
		s.discardURLs(ctx, uploaded)
		return nil, err
	}

	article := &model.Article{
		Title:   title,
		Content: body,
		Slug:    Slugify(title, now),
		UserID:  in.AuthorID,
	}
	image := &model.ArticleImage{ImageURL: coverURL, Filename: coverKey}

	if err := s.articles.Create(ctx, article, schedule, image); err != nil {
		s.discardURLs(ctx, uploaded)
		s.discardKeys(ctx, []string{coverKey})
		return nil, storeErr(err)
	}

	s.logger.Info("article created", "article_id", article.ID, "state", publication.StateOf(schedule))
	return s.view(ctx, article.ID)
}

// Update applies a partial update. Content edits upload new inline images
// and drop images that are no longer referenced; a new cover replaces the
// old one. Schedule fields are recomputed only when supplied.
func (s *ArticleService) Update(ctx context.Context, id uint, in UpdateArticleInput) (*repository.ArticleView, error) {
	article, err := s.articles.Find(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}

	now := s.now().UTC()
	fields := make(map[string]any)

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, apperr.Validation("title must not be empty")
		}
		if title != article.Title {
			exists, err := s.articles.TitleExists(ctx, title, id)
			if err != nil {
				return nil, storeErr(err)
			}
			if exists {
				return nil, apperr.Conflict("article already exists")
			}
			fields["title"] = title
			fields["slug"] = Slugify(title, now)
		}
	}

	var schedule *model.ArticleSchedule
	if in.ScheduledAt != nil || in.ExpiredAt != nil {
		if article.Schedule == nil {
			return nil, apperr.NotFound("article schedule not found")
		}
		next := *article.Schedule
		scheduledAt := next.ScheduledAt
		if in.ScheduledAt != nil {
			scheduledAt = *in.ScheduledAt
		}
		expiredAt := next.ExpiredAt
		if in.ExpiredAt != nil {
			expiredAt = in.ExpiredAt
		}
		if err := publication.Reschedule(&next, scheduledAt, expiredAt, now); err != nil {
			return nil, apperr.Validation(err.Error())
		}
		schedule = &next
	}

	var uploaded, orphaned []string
	if in.Content != nil {
		body, added, err := content.ExtractInlineImages(ctx, *in.Content, s.uploadInline)
		if err != nil {
			s.discardURLs(ctx, added)
			return nil, contentErr(err)
		}
		body = content.Sanitize(body)
		uploaded = added
		orphaned = content.Removed(content.ImageURLs(article.Content), content.ImageURLs(body))
		fields["content"] = body
	}

	if in.Title != nil || in.Content != nil || schedule != nil {
		fields["updated_at"] = now
		if err := s.articles.UpdateFields(ctx, id, fields); err != nil {
			s.discardURLs(ctx, uploaded)
			return nil, storeErr(err)
		}
	}

	if schedule != nil {
		if err := s.articles.SaveSchedule(ctx, schedule); err != nil {
			return nil, storeErr(err)
		}
	}

	s.discardURLs(ctx, orphaned)

	if in.Cover != nil && len(in.Cover.Data) > 0 {
		if err := s.replaceCover(ctx, article, in.Cover, now); err != nil {
			return nil, err
		}
	}

	s.logger.Info("article updated", "article_id", id)
	return s.view(ctx, id)
}

func (s *ArticleService) replaceCover(ctx context.Context, article *model.Article, cover *CoverImage, now time.Time) error {
	key, url, err := s.uploadCover(ctx, cover, now)
	if err != nil {
		return err
	}

	if err := s.articles.ReplaceImage(ctx, article.ID, &model.ArticleImage{ImageURL: url, Filename: key}); err != nil {
		s.discardKeys(ctx, []string{key})
		return storeErr(err)
	}
	if err := s.articles.UpdateFields(ctx, article.ID, map[string]any{"updated_at": now}); err != nil {
		return storeErr(err)
	}

	if article.Image != nil && article.Image.Filename != key {
		s.discardKeys(ctx, []string{article.Image.Filename})
	}
	return nil
}

// Delete removes every blob the article owns, then its image, schedule and
// article rows.
func (s *ArticleService) Delete(ctx context.Context, id uint) error {
	article, err := s.articles.Find(ctx, id)
	if err != nil {
		return storeErr(err)
	}

	var keys []string
	if article.Image != nil && article.Image.Filename != "" {
		keys = append(keys, article.Image.Filename)
	}
	keys = append(keys, s.keysOf(content.ImageURLs(article.Content))...)

	if len(keys) > 0 {
		if err := s.blobs.Delete(ctx, keys); err != nil {
			return apperr.Upstream("failed to delete article images", err)
		}
	}

	if err := s.articles.Delete(ctx, id); err != nil {
		return storeErr(err)
	}

	s.logger.Info("article deleted", "article_id", id, "blobs", len(keys))
	return nil
}

// Publish makes the article live now, whatever its scheduledAt.
func (s *ArticleService) Publish(ctx context.Context, id uint) (*repository.ArticleView, error) {
	return s.transition(ctx, id, "publish", func(sched *model.ArticleSchedule, now time.Time) error {
		return publication.Publish(sched, now)
	})
}

// Unpublish takes the article down by expiring it now.
func (s *ArticleService) Unpublish(ctx context.Context, id uint) (*repository.ArticleView, error) {
	return s.transition(ctx, id, "unpublish", func(sched *model.ArticleSchedule, now time.Time) error {
		publication.Unpublish(sched, now)
		return nil
	})
}

// Republish reopens an article from now until expiredAt (nil: no expiry).
func (s *ArticleService) Republish(ctx context.Context, id uint, expiredAt *time.Time) (*repository.ArticleView, error) {
	return s.transition(ctx, id, "republish", func(sched *model.ArticleSchedule, now time.Time) error {
		return publication.Republish(sched, expiredAt, now)
	})
}

func (s *ArticleService) transition(ctx context.Context, id uint, name string, apply func(*model.ArticleSchedule, time.Time) error) (*repository.ArticleView, error) {
	article, err := s.articles.Find(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	if article.Schedule == nil {
		return nil, apperr.NotFound("article schedule not found")
	}

	sched := *article.Schedule
	if err := apply(&sched, s.now().UTC()); err != nil {
		return nil, apperr.Validation(err.Error())
	}
	if err := s.articles.SaveSchedule(ctx, &sched); err != nil {
		return nil, storeErr(err)
	}

	s.logger.Info("article "+name, "article_id", id, "state", publication.StateOf(&sched))
	return s.view(ctx, id)
}

func (s *ArticleService) GetByID(ctx context.Context, id uint, v repository.Visibility) (*repository.ArticleView, error) {
	view, err := s.articles.ViewByID(ctx, id, v)
	if err != nil {
		return nil, storeErr(err)
	}
	return view, nil
}

func (s *ArticleService) GetBySlug(ctx context.Context, slug string, v repository.Visibility) (*repository.ArticleView, error) {
	view, err := s.articles.ViewBySlug(ctx, slug, v)
	if err != nil {
		return nil, storeErr(err)
	}
	return view, nil
}

// List returns a page of articles visible to the caller.
func (s *ArticleService) List(ctx context.Context, q repository.ListQuery) (*repository.Page, error) {
	page, err := s.articles.List(ctx, q)
	if err != nil {
		return nil, storeErr(err)
	}
	return page, nil
}

// SearchByTitle is List with a mandatory title filter; no match is NotFound.
func (s *ArticleService) SearchByTitle(ctx context.Context, q repository.ListQuery) (*repository.Page, error) {
	if strings.TrimSpace(q.Title) == "" {
		return nil, apperr.Validation("title is required")
	}
	page, err := s.List(ctx, q)
	if err != nil {
		return nil, err
	}
	if page.TotalElements == 0 {
		return nil, apperr.NotFound("article not found")
	}
	return page, nil
}

func (s *ArticleService) view(ctx context.Context, id uint) (*repository.ArticleView, error) {
	return s.GetByID(ctx, id, repository.Visibility{Admin: true})
}

func (s *ArticleService) uploadCover(ctx context.Context, cover *CoverImage, now time.Time) (key, url string, err error) {
	contentType := cover.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(cover.Data).String()
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", "", apperr.Validation("cover must be an image")
	}

	key, err = s.blobs.Upload(ctx, CoverKey(cover.Filename, now), cover.Data, contentType)
	if err != nil {
		return "", "", apperr.Upstream("failed to upload image", err)
	}
	return key, s.blobs.PublicURL(key), nil
}

func (s *ArticleService) uploadInline(ctx context.Context, data []byte, contentType string) (string, error) {
	key, err := s.blobs.Upload(ctx, "content-"+uuid.NewString()+imageExt(contentType), data, contentType)
	if err != nil {
		return "", err
	}
	return s.blobs.PublicURL(key), nil
}

func (s *ArticleService) keysOf(urls []string) []string {
	var keys []string
	for _, u := range urls {
		if key, ok := s.blobs.KeyFromURL(u); ok {
			keys = append(keys, key)
		}
	}
	return keys
}

// discardURLs deletes our blobs behind urls. Failures are logged only.
func (s *ArticleService) discardURLs(ctx context.Context, urls []string) {
	s.discardKeys(ctx, s.keysOf(urls))
}

func (s *ArticleService) discardKeys(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if err := s.blobs.Delete(context.WithoutCancel(ctx), keys); err != nil {
		s.logger.Warn("blob cleanup failed", "keys", keys, "error", err)
	}
}

var unsafeFileChar = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Slugify transliterates title into a lowercase dashed slug and appends the
// millisecond timestamp so equal titles over time stay unique.
func Slugify(title string, at time.Time) string {
	s := slug.Make(title)
	if s == "" {
		s = "article"
	}
	return s + "-" + strconv.FormatInt(at.UnixMilli(), 10)
}

// CoverKey names a cover blob: article-<millis>-<sanitised original name>.
func CoverKey(filename string, at time.Time) string {
	name := unsafeFileChar.ReplaceAllString(filepath.Base(filename), "-")
	name = strings.Trim(name, "-.")
	if name == "" {
		name = "cover"
	}
	return fmt.Sprintf("article-%d-%s", at.UnixMilli(), name)
}

func imageExt(contentType string) string {
	switch sub := strings.TrimPrefix(contentType, "image/"); sub {
	case "jpeg", "pjpeg":
		return ".jpg"
	case "svg+xml":
		return ".svg"
	case "png", "gif", "webp", "avif", "bmp":
		return "." + sub
	default:
		return ""
	}
}

func storeErr(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("article not found")
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Upstream("record store failure", err)
}

func contentErr(err error) error {
	if errors.Is(err, content.ErrBadDataURI) {
		return apperr.Validation("content contains a malformed embedded image")
	}
	return apperr.Upstream("failed to upload content image", err)
}
