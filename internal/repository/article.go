package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"blog-cms/internal/model"
)

var ErrNotFound = errors.New("record not found")

type ArticleRepository struct {
	db *gorm.DB
}

func NewArticleRepository(db *gorm.DB) *ArticleRepository {
	return &ArticleRepository{db: db}
}

// Find loads the raw aggregate: the article with its cover image and schedule.
func (r *ArticleRepository) Find(ctx context.Context, id uint) (*model.Article, error) {
	var article model.Article
	err := r.db.WithContext(ctx).
		Preload("Image").
		Preload("Schedule").
		First(&article, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find article %d: %w", id, err)
	}
	return &article, nil
}

// TitleExists reports whether another article (not excludeID) already uses title.
func (r *ArticleRepository) TitleExists(ctx context.Context, title string, excludeID uint) (bool, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&model.Article{}).Where("title = ?", title)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, fmt.Errorf("check title: %w", err)
	}
	return count > 0, nil
}

// Create inserts the article, then its schedule, then its cover image. The
// children need the parent id, so the order is fixed.
func (r *ArticleRepository) Create(ctx context.Context, article *model.Article, schedule *model.ArticleSchedule, image *model.ArticleImage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit(clause.Associations).Create(article).Error; err != nil {
			return fmt.Errorf("create article: %w", err)
		}

		schedule.ArticleID = article.ID
		if err := tx.Create(schedule).Error; err != nil {
			return fmt.Errorf("create schedule: %w", err)
		}

		image.ArticleID = article.ID
		if err := tx.Create(image).Error; err != nil {
			return fmt.Errorf("create image: %w", err)
		}

		article.Schedule = schedule
		article.Image = image
		return nil
	})
}

// UpdateFields patches article columns; updated_at is stamped by gorm.
func (r *ArticleRepository) UpdateFields(ctx context.Context, id uint, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&model.Article{ID: id}).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("update article %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveSchedule writes every state column of s, zero values included.
func (r *ArticleRepository) SaveSchedule(ctx context.Context, s *model.ArticleSchedule) error {
	res := r.db.WithContext(ctx).
		Model(s).
		Select("scheduled_at", "expired_at", "is_published", "is_expired", "published_at").
		Updates(s)
	if res.Error != nil {
		return fmt.Errorf("save schedule for article %d: %w", s.ArticleID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceImage swaps the cover image record of an article.
func (r *ArticleRepository) ReplaceImage(ctx context.Context, articleID uint, image *model.ArticleImage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("article_id = ?", articleID).Delete(&model.ArticleImage{}).Error; err != nil {
			return fmt.Errorf("delete image: %w", err)
		}
		image.ID = 0
		image.ArticleID = articleID
		if err := tx.Create(image).Error; err != nil {
			return fmt.Errorf("create image: %w", err)
		}
		return nil
	})
}

// Delete removes the image and schedule rows before the article row.
func (r *ArticleRepository) Delete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("article_id = ?", id).Delete(&model.ArticleImage{}).Error; err != nil {
			return fmt.Errorf("delete image: %w", err)
		}
		if err := tx.Where("article_id = ?", id).Delete(&model.ArticleSchedule{}).Error; err != nil {
			return fmt.Errorf("delete schedule: %w", err)
		}
		res := tx.Delete(&model.Article{}, id)
		if res.Error != nil {
			return fmt.Errorf("delete article: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
