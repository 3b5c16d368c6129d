// Package publication holds the article publication state machine.
//
// A schedule row is in exactly one of the states below. Every transition
// keeps two invariants: an expired row is never published, and when an
// expiry is set it is not before the scheduled instant.
package publication

import (
	"errors"
	"time"

	"blog-cms/internal/model"
)

type State string

const (
	Draft     State = "draft"
	Scheduled State = "scheduled"
	Published State = "published"
	Expired   State = "expired"
)

var (
	ErrExpiryBeforeSchedule = errors.New("expiredAt must not be before scheduledAt")
	ErrExpiryInPast         = errors.New("expiredAt must be in the future")
	ErrAlreadyExpired       = errors.New("article is expired, republish it instead")
)

// StateOf derives the state of a row. A nil row is a draft.
func StateOf(s *model.ArticleSchedule) State {
	switch {
	case s == nil:
		return Draft
	case s.IsExpired:
		return Expired
	case s.IsPublished:
		return Published
	default:
		return Scheduled
	}
}

// Schedule builds the initial schedule row for a new article. A row whose
// scheduledAt is not after now is published immediately.
func Schedule(articleID uint, scheduledAt time.Time, expiredAt *time.Time, now time.Time) (*model.ArticleSchedule, error) {
	if err := checkWindow(scheduledAt, expiredAt); err != nil {
		return nil, err
	}

	s := &model.ArticleSchedule{
		ArticleID:   articleID,
		ScheduledAt: scheduledAt.UTC(),
		ExpiredAt:   utcPtr(expiredAt),
	}
	if !scheduledAt.After(now) {
		s.IsPublished = true
		s.PublishedAt = utcPtr(&now)
	}
	return s, nil
}

// Reschedule recomputes an existing row the way Schedule would for the new
// window. The original publish instant survives when the row stays published.
func Reschedule(s *model.ArticleSchedule, scheduledAt time.Time, expiredAt *time.Time, now time.Time) error {
	if err := checkWindow(scheduledAt, expiredAt); err != nil {
		return err
	}

	wasLive := StateOf(s) == Published

	s.ScheduledAt = scheduledAt.UTC()
	s.ExpiredAt = utcPtr(expiredAt)
	s.IsExpired = false

	if scheduledAt.After(now) {
		s.IsPublished = false
		s.PublishedAt = nil
		return nil
	}

	s.IsPublished = true
	if !wasLive || s.PublishedAt == nil {
		s.PublishedAt = utcPtr(&now)
	}
	return nil
}

// DuePublish reports whether the reconciler should publish the row.
func DuePublish(s *model.ArticleSchedule, now time.Time) bool {
	return !s.IsPublished && !s.IsExpired && !s.ScheduledAt.After(now)
}

// DueExpire reports whether the reconciler should expire the row, whatever
// its publish flag.
func DueExpire(s *model.ArticleSchedule, now time.Time) bool {
	return !s.IsExpired && s.ExpiredAt != nil && !s.ExpiredAt.After(now)
}

// ApplyPublish performs the publish branch of a tick. It returns false and
// leaves the row untouched when the row is not due.
func ApplyPublish(s *model.ArticleSchedule, now time.Time) bool {
	if !DuePublish(s, now) {
		return false
	}
	s.IsPublished = true
	s.PublishedAt = utcPtr(&now)
	return true
}

// ApplyExpire performs the expiry branch of a tick.
func ApplyExpire(s *model.ArticleSchedule, now time.Time) bool {
	if !DueExpire(s, now) {
		return false
	}
	s.IsExpired = true
	s.IsPublished = false
	return true
}

// Tick applies both branches to a single row, publish first, so that expiry
// wins when both are due.
func Tick(s *model.ArticleSchedule, now time.Time) (published, expired bool) {
	published = ApplyPublish(s, now)
	expired = ApplyExpire(s, now)
	return published, expired
}

// Publish forces the row live regardless of scheduledAt. Expired rows are
// refused; they go through Republish.
func Publish(s *model.ArticleSchedule, now time.Time) error {
	if s.IsExpired {
		return ErrAlreadyExpired
	}
	s.IsPublished = true
	s.PublishedAt = utcPtr(&now)
	return nil
}

// Unpublish takes the row down by expiring it now.
func Unpublish(s *model.ArticleSchedule, now time.Time) {
	now = now.UTC()
	s.IsPublished = false
	s.IsExpired = true
	s.ExpiredAt = &now
	if s.ScheduledAt.After(now) {
		s.ScheduledAt = now
	}
}

// Republish reopens a row with a fresh window starting now. A nil
// newExpiredAt leaves the article live indefinitely.
func Republish(s *model.ArticleSchedule, newExpiredAt *time.Time, now time.Time) error {
	if newExpiredAt != nil && !newExpiredAt.After(now) {
		return ErrExpiryInPast
	}
	now = now.UTC()
	s.IsExpired = false
	s.IsPublished = true
	s.ScheduledAt = now
	s.PublishedAt = &now
	s.ExpiredAt = utcPtr(newExpiredAt)
	return nil
}

func checkWindow(scheduledAt time.Time, expiredAt *time.Time) error {
	if expiredAt != nil && expiredAt.Before(scheduledAt) {
		return ErrExpiryBeforeSchedule
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
