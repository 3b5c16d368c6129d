package model

import "time"

type Article struct {
	ID        uint             `gorm:"primaryKey" json:"id"`
	Title     string           `gorm:"size:500;uniqueIndex;not null" json:"title"`
	Content   string           `gorm:"type:text" json:"content"`
	Slug      string           `gorm:"size:600;uniqueIndex;not null" json:"slug"`
	UserID    uint             `gorm:"not null;index" json:"user_id"`
	User      User             `gorm:"foreignKey:UserID" json:"-"`
	Image     *ArticleImage    `gorm:"foreignKey:ArticleID" json:"-"`
	Schedule  *ArticleSchedule `gorm:"foreignKey:ArticleID" json:"-"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ArticleImage is the cover image of an article. Filename is the blob key.
type ArticleImage struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	ArticleID uint      `gorm:"uniqueIndex;not null" json:"article_id"`
	ImageURL  string    `gorm:"size:1000;not null" json:"image_url"`
	Filename  string    `gorm:"size:500;not null" json:"filename"`
	CreatedAt time.Time `json:"created_at"`
}

// ArticleSchedule holds the publication state of an article.
type ArticleSchedule struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	ArticleID   uint       `gorm:"uniqueIndex;not null" json:"article_id"`
	ScheduledAt time.Time  `gorm:"not null;index" json:"scheduled_at"`
	ExpiredAt   *time.Time `gorm:"index" json:"expired_at"`
	IsPublished bool       `gorm:"not null;default:false;index" json:"is_published"`
	IsExpired   bool       `gorm:"not null;default:false;index" json:"is_expired"`
	PublishedAt *time.Time `gorm:"index" json:"published_at"`
}
