package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"blog-cms/internal/model"
)

// Due names the predicate a schedule row was selected by.
type Due string

const (
	DuePublish Due = "publish"
	DueExpire  Due = "expire"
)

// where returns the SQL form of the predicate. It mirrors
// publication.DuePublish and publication.DueExpire.
func (d Due) where(now time.Time) (string, []any) {
	if d == DueExpire {
		return "is_expired = ? AND expired_at IS NOT NULL AND expired_at <= ?", []any{false, now.UTC()}
	}
	return "is_published = ? AND is_expired = ? AND scheduled_at <= ?", []any{false, false, now.UTC()}
}

// ScheduleRepository is the reconciler's view of the schedule table.
type ScheduleRepository struct {
	db *gorm.DB
}

func NewScheduleRepository(db *gorm.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// FindDue returns every row matching the predicate at now.
func (r *ScheduleRepository) FindDue(ctx context.Context, due Due, now time.Time) ([]model.ArticleSchedule, error) {
	cond, args := due.where(now)

	var rows []model.ArticleSchedule
	if err := r.db.WithContext(ctx).Where(cond, args...).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find rows due for %s: %w", due, err)
	}
	return rows, nil
}

// Transition writes the state columns of s, but only while the stored row
// still matches the predicate it was selected by. It reports false when a
// concurrent writer got there first.
func (r *ScheduleRepository) Transition(ctx context.Context, s *model.ArticleSchedule, due Due, now time.Time) (bool, error) {
	cond, args := due.where(now)

	res := r.db.WithContext(ctx).
		Model(&model.ArticleSchedule{}).
		Where("id = ?", s.ID).
		Where(cond, args...).
		Updates(map[string]any{
			"is_published": s.IsPublished,
			"is_expired":   s.IsExpired,
			"published_at": s.PublishedAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("%s schedule %d: %w", due, s.ID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// StateCounts is the number of articles in each publication state.
type StateCounts struct {
	Total     int64 `json:"total_articles"`
	Scheduled int64 `json:"scheduled_articles"`
	Published int64 `json:"published_articles"`
	Expired   int64 `json:"expired_articles"`
}

func (r *ScheduleRepository) CountByState(ctx context.Context) (*StateCounts, error) {
	var counts StateCounts
	err := r.db.WithContext(ctx).
		Model(&model.ArticleSchedule{}).
		Select(`COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN is_published = 0 AND is_expired = 0 THEN 1 ELSE 0 END), 0) AS scheduled,
			COALESCE(SUM(CASE WHEN is_published = 1 AND is_expired = 0 THEN 1 ELSE 0 END), 0) AS published,
			COALESCE(SUM(CASE WHEN is_expired = 1 THEN 1 ELSE 0 END), 0) AS expired`).
		Scan(&counts).Error
	if err != nil {
		return nil, fmt.Errorf("count schedules: %w", err)
	}
	return &counts, nil
}
