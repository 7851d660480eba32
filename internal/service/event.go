package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/tasker/internal/domain"
)

// recordEvent records an event to the store.
func (s *Service) recordEvent(ctx context.Context, taskRunID string, eventType domain.EventType, payload interface{}) error {
	event, err := domain.NewEvent(taskRunID, eventType, payload)
	if err != nil {
		return fmt.Errorf("failed to build event: %w", err)
	}
	return s.store.CreateEvent(ctx, event)
}

// GetEvents returns the trace events of a task run.
func (s *Service) GetEvents(ctx context.Context, taskRunID string, afterTs int64, types []string, limit int) ([]domain.Event, error) {
	if _, err := s.store.GetTaskRun(ctx, taskRunID); err != nil {
		return nil, fmt.Errorf("failed to get task run: %w", err)
	}
	events, err := s.store.GetEvents(ctx, taskRunID, afterTs, types, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get task run events: %w", err)
	}
	if events == nil {
		events = []domain.Event{}
	}
	return events, nil
}
