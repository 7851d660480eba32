package processor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/tasker/internal/domain"
	"github.com/xiaot623/gogo/tasker/internal/executor"
	"github.com/xiaot623/gogo/tasker/internal/repository"
)

// StartTaskRun claims a queued task run and runs it until it suspends or finishes.
func (p *Processor) StartTaskRun(ctx context.Context, taskRunID string) error {
	token := newToken()
	ok, err := p.store.ClaimTaskRun(ctx, taskRunID, domain.TaskRunStatusQueued, token, p.lease())
	if err != nil {
		return fmt.Errorf("claim task run %s: %w", taskRunID, err)
	}
	if !ok {
		return nil
	}

	run, err := p.store.GetTaskRun(ctx, taskRunID)
	if err != nil {
		return fmt.Errorf("load task run %s: %w", taskRunID, err)
	}
	p.recordEvent(ctx, taskRunID, domain.EventTypeTaskRunStarted, map[string]interface{}{
		"task_name": run.TaskName,
		"depth":     run.Depth,
	})
	return p.advance(ctx, run, token)
}

// advance replays a task run the caller holds the claim for and persists the outcome.
func (p *Processor) advance(ctx context.Context, run *domain.TaskRun, token string) error {
	logger := p.logger.With(zap.String("task_run_id", run.TaskRunID), zap.String("task", run.TaskName))

	results, err := p.store.LoadCallCache(ctx, run.TaskRunID)
	if err != nil {
		return fmt.Errorf("load call cache %s: %w", run.TaskRunID, err)
	}
	cache, err := executor.NewCache(results)
	if err != nil {
		return p.failTaskRun(ctx, run, token, &domain.RunError{
			Class:   domain.ErrorClassTask,
			Code:    "corrupt_call_cache",
			Message: err.Error(),
		})
	}

	out := p.exec.Run(ctx, run.TaskName, run.Input, cache)
	switch out.Status {
	case executor.OutcomeSuspended:
		logger.Debug("task run suspended",
			zap.Int("ordinal", out.Call.Ordinal),
			zap.String("call", out.Call.Descriptor.String()))
		return p.suspend(ctx, run, token, out.Call)
	case executor.OutcomeCompleted:
		ok, err := p.store.CompleteTaskRun(ctx, run.TaskRunID, token, out.Result)
		if err != nil {
			return fmt.Errorf("complete task run %s: %w", run.TaskRunID, err)
		}
		if !ok {
			logger.Warn("lost claim before completing task run")
			return nil
		}
		run.Status = domain.TaskRunStatusCompleted
		run.Result = out.Result
		return p.finishTaskRun(ctx, run)
	default:
		return p.failTaskRun(ctx, run, token, out.Err)
	}
}

func (p *Processor) failTaskRun(ctx context.Context, run *domain.TaskRun, token string, runErr *domain.RunError) error {
	ok, err := p.store.FailTaskRun(ctx, run.TaskRunID, token, runErr)
	if err != nil {
		return fmt.Errorf("fail task run %s: %w", run.TaskRunID, err)
	}
	if !ok {
		p.logger.Warn("lost claim before failing task run", zap.String("task_run_id", run.TaskRunID))
		return nil
	}
	run.Status = domain.TaskRunStatusFailed
	run.Error = runErr
	return p.finishTaskRun(ctx, run)
}

// suspend records the pending call as a stack run and parks the task run on it.
func (p *Processor) suspend(ctx context.Context, run *domain.TaskRun, token string, call *executor.Call) error {
	sr := &domain.StackRun{
		StackRunID:       domain.NewID("sr"),
		TaskRunID:        run.TaskRunID,
		ParentStackRunID: run.ParentStackRunID,
		Service:          call.Descriptor.Service,
		Method:           call.Descriptor.Method,
		Args:             call.Descriptor.Args,
		Label:            call.Label,
		Ordinal:          call.Ordinal,
	}
	created, err := p.store.CreateStackRun(ctx, sr, token)
	if errors.Is(err, repository.ErrConflict) {
		p.logger.Warn("lost claim before creating stack run", zap.String("task_run_id", run.TaskRunID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("create stack run for %s: %w", run.TaskRunID, err)
	}
	fresh := created.StackRunID == sr.StackRunID

	// A stack run left at this ordinal by an earlier invocation must be the same call.
	if !fresh && (created.Label != call.Label || !created.Descriptor().Equal(call.Descriptor)) {
		return p.failTaskRun(ctx, run, token, &domain.RunError{
			Class: domain.ErrorClassDeterminism,
			Code:  "descriptor_mismatch",
			Message: (&executor.DeterminismError{
				Ordinal:  call.Ordinal,
				Recorded: created.Descriptor(),
				Replayed: call.Descriptor,
				Label:    call.Label,
			}).Error(),
		})
	}

	ok, err := p.store.SuspendTaskRun(ctx, run.TaskRunID, token, created.StackRunID)
	if err != nil {
		return fmt.Errorf("suspend task run %s: %w", run.TaskRunID, err)
	}
	if !ok {
		p.logger.Warn("lost claim before suspending task run", zap.String("task_run_id", run.TaskRunID))
		return nil
	}
	run.Status = domain.TaskRunStatusSuspended
	run.WaitingOnStackRunID = created.StackRunID
	p.metrics.TaskRunSuspended()

	if fresh {
		p.recordEvent(ctx, run.TaskRunID, domain.EventTypeStackRunCreated, domain.StackRunPayload{
			StackRunID: created.StackRunID,
			Service:    created.Service,
			Method:     created.Method,
			Status:     created.Status,
		})
	}
	p.recordEvent(ctx, run.TaskRunID, domain.EventTypeTaskRunSuspended, domain.TaskRunSuspendedPayload{
		StackRunID: created.StackRunID,
		Service:    created.Service,
		Method:     created.Method,
		Ordinal:    created.Ordinal,
	})

	if run.ParentStackRunID != "" {
		// Only applies once the parent is already waiting on this run.
		if _, err := p.store.SetStackRunWaitingOn(ctx, run.ParentStackRunID, created.StackRunID); err != nil {
			p.logger.Warn("failed to update parent waiting_on",
				zap.String("stack_run_id", run.ParentStackRunID), zap.Error(err))
		}
	}
	p.notifier.Notify()

	// The stack run may have resolved before the suspension was visible.
	latest, err := p.store.GetStackRun(ctx, created.StackRunID)
	if err != nil {
		return fmt.Errorf("reload stack run %s: %w", created.StackRunID, err)
	}
	if latest.Status.IsTerminal() {
		return p.propagate(ctx, latest)
	}
	return nil
}

// propagate delivers a resolved stack run to its owning task run and resumes it
// if it is waiting on that stack run.
func (p *Processor) propagate(ctx context.Context, sr *domain.StackRun) error {
	owner, err := p.store.GetTaskRun(ctx, sr.TaskRunID)
	if err != nil {
		return fmt.Errorf("load owner of %s: %w", sr.StackRunID, err)
	}
	if owner.Status.IsTerminal() {
		p.logger.Debug("discarding result for finished task run",
			zap.String("task_run_id", owner.TaskRunID),
			zap.String("stack_run_id", sr.StackRunID),
			zap.String("status", string(owner.Status)))
		return nil
	}

	if err := p.store.AppendCallResult(ctx, domain.CallResultFromStackRun(sr)); err != nil {
		return fmt.Errorf("append call result %s: %w", sr.StackRunID, err)
	}
	if owner.Status != domain.TaskRunStatusSuspended || owner.WaitingOnStackRunID != sr.StackRunID {
		return nil
	}

	token := newToken()
	ok, err := p.store.ResumeTaskRun(ctx, owner.TaskRunID, sr.StackRunID, token, p.lease())
	if err != nil {
		return fmt.Errorf("resume task run %s: %w", owner.TaskRunID, err)
	}
	if !ok {
		return nil
	}
	owner.Status = domain.TaskRunStatusProcessing
	owner.WaitingOnStackRunID = ""
	p.recordEvent(ctx, owner.TaskRunID, domain.EventTypeTaskRunResumed, domain.TaskRunResumedPayload{
		StackRunID: sr.StackRunID,
	})
	return p.advance(ctx, owner, token)
}

// finishTaskRun records a terminal task run and, for a nested run, resolves the
// stack run that invoked it.
func (p *Processor) finishTaskRun(ctx context.Context, run *domain.TaskRun) error {
	eventType := domain.EventTypeTaskRunCompleted
	switch run.Status {
	case domain.TaskRunStatusFailed:
		eventType = domain.EventTypeTaskRunFailed
	case domain.TaskRunStatusCancelled:
		eventType = domain.EventTypeTaskRunCancelled
	}
	p.recordEvent(ctx, run.TaskRunID, eventType, domain.TaskRunFinishedPayload{
		Status: run.Status,
		Result: run.Result,
		Error:  run.Error,
	})
	p.metrics.TaskRunFinished(string(run.Status))
	p.logger.Info("task run finished",
		zap.String("task_run_id", run.TaskRunID),
		zap.String("task", run.TaskName),
		zap.String("status", string(run.Status)))

	return p.resolveParent(ctx, run)
}

// resolveParent resolves the stack run waiting on a terminal child task run. It
// is a no-op unless that stack run is already suspended on the child.
func (p *Processor) resolveParent(ctx context.Context, child *domain.TaskRun) error {
	if child.ParentStackRunID == "" {
		return nil
	}
	status, result, runErr := childOutcome(child)
	ok, err := p.store.ResolveWaitingStackRun(ctx, child.ParentStackRunID, child.TaskRunID, status, result, runErr)
	if err != nil {
		return fmt.Errorf("resolve parent stack run %s: %w", child.ParentStackRunID, err)
	}
	if !ok {
		return nil
	}

	parent, err := p.store.GetStackRun(ctx, child.ParentStackRunID)
	if err != nil {
		return fmt.Errorf("reload parent stack run %s: %w", child.ParentStackRunID, err)
	}
	p.stackRunFinished(ctx, parent)
	return p.propagate(ctx, parent)
}

func childOutcome(child *domain.TaskRun) (domain.StackRunStatus, []byte, *domain.RunError) {
	switch child.Status {
	case domain.TaskRunStatusCompleted:
		return domain.StackRunStatusCompleted, child.Result, nil
	case domain.TaskRunStatusCancelled:
		runErr := child.Error
		if runErr == nil {
			runErr = &domain.RunError{Class: domain.ErrorClassCancelled, Message: "nested task run cancelled"}
		}
		return domain.StackRunStatusFailed, nil, runErr
	default:
		runErr := child.Error
		if runErr == nil {
			runErr = &domain.RunError{Class: domain.ErrorClassTask, Message: "nested task run failed"}
		}
		return domain.StackRunStatusFailed, nil, runErr
	}
}

// Cancel cancels a task run and every unfinished nested run below it. Stack runs
// already in flight finish normally; their results are discarded.
func (p *Processor) Cancel(ctx context.Context, taskRunID, reason string) (bool, error) {
	if reason == "" {
		reason = "cancelled"
	}
	ok, err := p.store.CancelTaskRun(ctx, taskRunID, &domain.RunError{
		Class:   domain.ErrorClassCancelled,
		Code:    "cancelled",
		Message: reason,
	})
	if err != nil {
		return false, fmt.Errorf("cancel task run %s: %w", taskRunID, err)
	}
	if !ok {
		return false, nil
	}

	run, err := p.store.GetTaskRun(ctx, taskRunID)
	if err != nil {
		return true, fmt.Errorf("reload task run %s: %w", taskRunID, err)
	}

	children, err := p.store.ListChildTaskRuns(ctx, taskRunID)
	if err != nil {
		return true, fmt.Errorf("list children of %s: %w", taskRunID, err)
	}
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		if _, err := p.Cancel(ctx, child.TaskRunID, "parent task run cancelled"); err != nil {
			p.logger.Warn("failed to cancel nested task run",
				zap.String("task_run_id", child.TaskRunID), zap.Error(err))
		}
	}

	return true, p.finishTaskRun(ctx, run)
}
