package service

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/tasker/internal/domain"
)

// Submit creates a queued task run and wakes the processor.
func (s *Service) Submit(ctx context.Context, req domain.SubmitRequest) (*domain.SubmitResponse, error) {
	if req.TaskName == "" {
		return nil, fmt.Errorf("%w: task_name is required", ErrInvalidRequest)
	}
	if _, ok := s.tasks.Lookup(req.TaskName); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, req.TaskName)
	}
	input := req.Input
	if len(input) > 0 && !json.Valid(input) {
		return nil, fmt.Errorf("%w: input is not valid JSON", ErrInvalidRequest)
	}

	run := &domain.TaskRun{
		TaskRunID: domain.NewID("tr"),
		TaskName:  req.TaskName,
		Input:     input,
		Status:    domain.TaskRunStatusQueued,
	}
	if err := s.store.CreateTaskRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create task run: %w", err)
	}

	if err := s.recordEvent(ctx, run.TaskRunID, domain.EventTypeTaskRunSubmitted, domain.TaskRunSubmittedPayload{
		TaskName: run.TaskName,
	}); err != nil {
		s.logger.Warn("failed to record submit event", zap.String("task_run_id", run.TaskRunID), zap.Error(err))
	}
	s.processor.Notifier().Notify()

	s.logger.Info("task run submitted", zap.String("task_run_id", run.TaskRunID), zap.String("task", run.TaskName))
	return &domain.SubmitResponse{TaskRunID: run.TaskRunID, Status: run.Status}, nil
}

// GetTaskRun returns a task run by ID.
func (s *Service) GetTaskRun(ctx context.Context, taskRunID string) (*domain.TaskRun, error) {
	run, err := s.store.GetTaskRun(ctx, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task run: %w", err)
	}
	return run, nil
}

// ListStackRuns returns the stack runs of a task run in call order.
func (s *Service) ListStackRuns(ctx context.Context, taskRunID string) ([]domain.StackRun, error) {
	if _, err := s.store.GetTaskRun(ctx, taskRunID); err != nil {
		return nil, fmt.Errorf("failed to get task run: %w", err)
	}
	srs, err := s.store.ListStackRuns(ctx, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stack runs: %w", err)
	}
	if srs == nil {
		srs = []domain.StackRun{}
	}
	return srs, nil
}

// Cancel cancels a task run and its nested runs. Cancelling a finished run is
// not an error; the response carries its current status.
func (s *Service) Cancel(ctx context.Context, taskRunID, reason string) (*domain.CancelResponse, error) {
	if _, err := s.store.GetTaskRun(ctx, taskRunID); err != nil {
		return nil, fmt.Errorf("failed to get task run: %w", err)
	}
	cancelled, err := s.processor.Cancel(ctx, taskRunID, reason)
	if err != nil {
		return nil, err
	}
	run, err := s.store.GetTaskRun(ctx, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload task run: %w", err)
	}

	message := "task run cancelled"
	if !cancelled {
		message = fmt.Sprintf("task run already %s", run.Status)
	}
	return &domain.CancelResponse{TaskRunID: taskRunID, Status: run.Status, Message: message}, nil
}

// SubmitStackRunResult records the result of a deferred capability call.
func (s *Service) SubmitStackRunResult(ctx context.Context, stackRunID string, req domain.StackRunResultRequest) (*domain.StackRunResultResponse, error) {
	if req.ClaimToken == "" {
		return nil, fmt.Errorf("%w: claim_token is required", ErrInvalidRequest)
	}

	var runErr *domain.RunError
	switch req.Status {
	case string(domain.StackRunStatusCompleted):
		if len(req.Result) > 0 && !json.Valid(req.Result) {
			return nil, fmt.Errorf("%w: result is not valid JSON", ErrInvalidRequest)
		}
	case string(domain.StackRunStatusFailed):
		runErr = req.Error
		if runErr == nil {
			runErr = &domain.RunError{Class: domain.ErrorClassPermanent, Message: "deferred call failed"}
		}
	default:
		return nil, fmt.Errorf("%w: status must be completed or failed", ErrInvalidRequest)
	}

	sr, err := s.processor.CompleteDeferred(ctx, stackRunID, req.ClaimToken, req.Result, runErr)
	if err != nil {
		return nil, fmt.Errorf("failed to complete stack run: %w", err)
	}
	s.processor.Notifier().Notify()
	return &domain.StackRunResultResponse{StackRunID: sr.StackRunID, Status: sr.Status}, nil
}

// Notify wakes the processor, for triggers fired by an external writer.
func (s *Service) Notify() {
	s.processor.Notifier().Notify()
}
