package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ArticleView is the read model of an article: the article columns with the
// cover URL and schedule state flattened in.
type ArticleView struct {
	ID          uint       `json:"id"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Slug        string     `json:"slug"`
	UserID      uint       `json:"user_id"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ImageURL    string     `json:"imageUrl"`
	IsPublished bool       `json:"isPublished"`
	ScheduledAt time.Time  `json:"scheduledAt"`
	ExpiredAt   *time.Time `json:"expiredAt"`
	IsExpired   bool       `json:"isExpired"`
	PublishedAt *time.Time `json:"publishedAt"`
}

var viewColumns = []string{
	"articles.id AS id",
	"articles.title AS title",
	"articles.content AS content",
	"articles.slug AS slug",
	"articles.user_id AS user_id",
	"articles.created_at AS created_at",
	"articles.updated_at AS updated_at",
	"COALESCE(article_images.image_url, '') AS image_url",
	"article_schedules.is_published AS is_published",
	"article_schedules.scheduled_at AS scheduled_at",
	"article_schedules.expired_at AS expired_at",
	"article_schedules.is_expired AS is_expired",
	"article_schedules.published_at AS published_at",
}

const (
	adminOrder  = "articles.created_at DESC, articles.id DESC"
	publicOrder = "article_schedules.published_at DESC, articles.title ASC"
)

// Visibility selects which schedule states a caller may see. Non-admin
// callers only ever see live rows; admins see everything unless narrowed by
// the optional exact-match filters.
type Visibility struct {
	Admin     bool
	Published *bool
	Expired   *bool
}

// Public is the visibility of an anonymous or non-admin caller.
var Public = Visibility{}

func (v Visibility) apply(q *gorm.DB) *gorm.DB {
	if !v.Admin {
		return q.Where("article_schedules.is_published = ? AND article_schedules.is_expired = ?", true, false)
	}
	if v.Published != nil {
		q = q.Where("article_schedules.is_published = ?", *v.Published)
	}
	if v.Expired != nil {
		q = q.Where("article_schedules.is_expired = ?", *v.Expired)
	}
	return q
}

func (v Visibility) order() string {
	if v.Admin {
		return adminOrder
	}
	return publicOrder
}

type ListQuery struct {
	Visibility
	Title string // case-insensitive contains
	Page  int    // 1-based
	Size  int
}

type Page struct {
	Items         []ArticleView `json:"items"`
	Page          int           `json:"page"`
	Size          int           `json:"size"`
	TotalElements int64         `json:"totalElements"`
	TotalPages    int           `json:"totalPages"`
}

// joined builds the article/schedule/image join in one query. Rows with no
// schedule cannot be shown, so the schedule join is inner.
func (r *ArticleRepository) joined(ctx context.Context, v Visibility) *gorm.DB {
	q := r.db.WithContext(ctx).
		Table("articles").
		Joins("JOIN article_schedules ON article_schedules.article_id = articles.id").
		Joins("LEFT JOIN article_images ON article_images.article_id = articles.id")
	return v.apply(q)
}

// List returns one page of article views. The visibility filter runs in the
// query, before sorting and paging, so the totals count visible rows only.
func (r *ArticleRepository) List(ctx context.Context, lq ListQuery) (*Page, error) {
	page, size := lq.Page, lq.Size
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 10
	}

	q := r.joined(ctx, lq.Visibility)
	if title := strings.TrimSpace(lq.Title); title != "" {
		q = q.Where(`LOWER(articles.title) LIKE ? ESCAPE '\'`, "%"+escapeLike(strings.ToLower(title))+"%")
	}
	q = q.Session(&gorm.Session{})

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("count articles: %w", err)
	}

	items := []ArticleView{}
	err := q.Select(viewColumns).
		Order(lq.order()).
		Offset((page - 1) * size).
		Limit(size).
		Scan(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list articles: %w", err)
	}

	return &Page{
		Items:         items,
		Page:          page,
		Size:          size,
		TotalElements: total,
		TotalPages:    int((total + int64(size) - 1) / int64(size)),
	}, nil
}

// ViewByID returns the view of one article if the caller may see it.
func (r *ArticleRepository) ViewByID(ctx context.Context, id uint, v Visibility) (*ArticleView, error) {
	return r.viewWhere(ctx, v, "articles.id = ?", id)
}

// ViewBySlug returns the view of one article by its slug.
func (r *ArticleRepository) ViewBySlug(ctx context.Context, slug string, v Visibility) (*ArticleView, error) {
	return r.viewWhere(ctx, v, "articles.slug = ?", slug)
}

func (r *ArticleRepository) viewWhere(ctx context.Context, v Visibility, cond string, arg any) (*ArticleView, error) {
	var items []ArticleView
	err := r.joined(ctx, v).
		Where(cond, arg).
		Select(viewColumns).
		Limit(1).
		Scan(&items).Error
	if err != nil {
		return nil, fmt.Errorf("view article: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}
