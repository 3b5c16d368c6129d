package service

import (
	"context"
	"time"

	"blog-cms/internal/apperr"
	"blog-cms/internal/repository"
)

type StatusService struct {
	schedules *repository.ScheduleRepository
	scheduler interface {
		GetNextReconcileTime() time.Time
	}
}

type SystemStatus struct {
	// 文章统计
	repository.StateCounts

	// 定时任务信息
	NextReconcileTime time.Time `json:"next_reconcile_time"`
}

func NewStatusService(schedules *repository.ScheduleRepository) *StatusService {
	return &StatusService{schedules: schedules}
}

// SetScheduler wires the scheduler whose next run is reported.
func (s *StatusService) SetScheduler(scheduler interface {
	GetNextReconcileTime() time.Time
}) {
	s.scheduler = scheduler
}

// GetSystemStatus 获取系统状态
func (s *StatusService) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	counts, err := s.schedules.CountByState(ctx)
	if err != nil {
		return nil, apperr.Upstream("record store failure", err)
	}

	status := &SystemStatus{StateCounts: *counts}
	if s.scheduler != nil {
		status.NextReconcileTime = s.scheduler.GetNextReconcileTime()
	}
	return status, nil
}
