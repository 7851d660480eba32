package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/tasker/internal/capability"
	"github.com/xiaot623/gogo/tasker/internal/domain"
	"github.com/xiaot623/gogo/tasker/internal/repository"
	"github.com/xiaot623/gogo/tasker/policy"
)

var errLostClaim = errors.New("stack run claim lost")

// ProcessStackRun claims a pending stack run and executes it.
func (p *Processor) ProcessStackRun(ctx context.Context, stackRunID string) error {
	token := newToken()
	sr, err := p.store.ClaimStackRun(ctx, stackRunID, token, p.lease())
	if errors.Is(err, repository.ErrAlreadyClaimed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim stack run %s: %w", stackRunID, err)
	}
	p.recordEvent(ctx, sr.TaskRunID, domain.EventTypeStackRunClaimed, domain.StackRunPayload{
		StackRunID: sr.StackRunID,
		Service:    sr.Service,
		Method:     sr.Method,
		Status:     sr.Status,
	})

	owner, err := p.store.GetTaskRun(ctx, sr.TaskRunID)
	if err != nil {
		return fmt.Errorf("load owner of %s: %w", sr.StackRunID, err)
	}
	if owner.Status.IsTerminal() {
		_, err := p.resolveStackRun(ctx, sr, token, nil, &domain.RunError{
			Class:   domain.ErrorClassCancelled,
			Code:    "owner_finished",
			Message: fmt.Sprintf("task run %s is %s", owner.TaskRunID, owner.Status),
		})
		return err
	}

	if p.policy != nil {
		decision, err := p.policy.Evaluate(ctx, policy.Input{
			Service:   sr.Service,
			Method:    sr.Method,
			Args:      sr.Args,
			Depth:     owner.Depth,
			TaskName:  owner.TaskName,
			TaskRunID: owner.TaskRunID,
		})
		if err != nil {
			return fmt.Errorf("evaluate dispatch policy for %s: %w", sr.StackRunID, err)
		}
		if !decision.Allowed() {
			_, err := p.resolveStackRun(ctx, sr, token, nil, &domain.RunError{
				Class:   domain.ErrorClassPermanent,
				Code:    "policy_blocked",
				Message: decision.Reason,
			})
			return err
		}
	}

	if sr.Service == domain.TaskService {
		return p.dispatchTask(ctx, sr, token, owner)
	}
	return p.dispatchCapability(ctx, sr, token)
}

// dispatchCapability calls the provider, retrying transient failures with
// exponential backoff.
func (p *Processor) dispatchCapability(ctx context.Context, sr *domain.StackRun, token string) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer p.sem.Release(1)
	defer p.metrics.CallStarted()()

	logger := p.logger.With(
		zap.String("stack_run_id", sr.StackRunID),
		zap.String("task_run_id", sr.TaskRunID),
		zap.String("service", sr.Service),
		zap.String("method", sr.Method))

	attempt := 0
	op := func() (json.RawMessage, error) {
		n, err := p.store.RecordStackRunAttempt(ctx, sr.StackRunID, token, p.lease())
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("%w: %v", errLostClaim, err))
		}
		attempt = n

		callCtx, cancel := context.WithTimeout(ctx, p.opts.CallTimeout)
		defer cancel()
		result, err := p.caps.Call(callCtx, capability.CallRequest{
			StackRunID: sr.StackRunID,
			ClaimToken: token,
			TaskRunID:  sr.TaskRunID,
			Service:    sr.Service,
			Method:     sr.Method,
			Args:       sr.Args,
			Attempt:    n,
		})
		switch {
		case err == nil:
			return result, nil
		case errors.Is(err, capability.ErrDeferred), ctx.Err() != nil:
			return nil, backoff.Permanent(err)
		}
		if _, retryable := capability.Classify(err); !retryable {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.RetryBase
	b.MaxInterval = p.opts.RetryMax

	notify := func(err error, wait time.Duration) {
		p.metrics.CallRetried(sr.Service)
		runErr, _ := capability.Classify(err)
		p.recordEvent(ctx, sr.TaskRunID, domain.EventTypeStackRunRetry, domain.StackRunPayload{
			StackRunID: sr.StackRunID,
			Service:    sr.Service,
			Method:     sr.Method,
			Attempt:    attempt,
			Error:      runErr,
		})
		logger.Info("retrying capability call", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}

	start := p.now()
	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.opts.MaxAttempts)),
		backoff.WithNotify(notify))
	p.metrics.ObserveCall(sr.Service, p.now().Sub(start))

	switch {
	case err == nil:
		_, err := p.resolveStackRun(ctx, sr, token, result, nil)
		return err
	case errors.Is(err, capability.ErrDeferred):
		return p.deferStackRun(ctx, sr, token)
	case ctx.Err() != nil:
		// Shutting down: the lease expires and the call is redispatched.
		return nil
	case errors.Is(err, errLostClaim):
		logger.Warn("lost claim during capability call", zap.Error(err))
		return nil
	}

	runErr, _ := capability.Classify(err)
	logger.Info("capability call failed", zap.Int("attempts", attempt), zap.String("class", string(runErr.Class)))
	_, err = p.resolveStackRun(ctx, sr, token, nil, runErr)
	return err
}

func (p *Processor) deferStackRun(ctx context.Context, sr *domain.StackRun, token string) error {
	ok, err := p.store.ExtendStackRunLease(ctx, sr.StackRunID, token, p.now().Add(p.opts.DeferredTimeout))
	if err != nil {
		return fmt.Errorf("extend lease of %s: %w", sr.StackRunID, err)
	}
	if !ok {
		return nil
	}
	p.recordEvent(ctx, sr.TaskRunID, domain.EventTypeStackRunDeferred, domain.StackRunPayload{
		StackRunID: sr.StackRunID,
		Service:    sr.Service,
		Method:     sr.Method,
		Status:     domain.StackRunStatusProcessing,
	})
	return nil
}

// CompleteDeferred records the result a provider delivered for a deferred call.
// It returns repository.ErrConflict when the claim token no longer holds the stack run.
func (p *Processor) CompleteDeferred(ctx context.Context, stackRunID, token string, result json.RawMessage, runErr *domain.RunError) (*domain.StackRun, error) {
	sr, err := p.store.GetStackRun(ctx, stackRunID)
	if err != nil {
		return nil, err
	}
	if runErr != nil && runErr.Class == "" {
		runErr.Class = domain.ErrorClassPermanent
	}
	ok, err := p.resolveStackRun(ctx, sr, token, result, runErr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, repository.ErrConflict
	}
	return sr, nil
}

// dispatchTask runs a nested task call: it creates the child task run, advances
// it inline, and either resolves the stack run from the child's outcome or parks
// it until the child finishes.
func (p *Processor) dispatchTask(ctx context.Context, sr *domain.StackRun, token string, owner *domain.TaskRun) error {
	child := &domain.TaskRun{
		// Derived from the stack run so a redispatch finds the same child.
		TaskRunID:        "tr_" + strings.TrimPrefix(sr.StackRunID, "sr_"),
		TaskName:         sr.Method,
		Input:            sr.Args,
		Status:           domain.TaskRunStatusQueued,
		RootTaskRunID:    owner.RootTaskRunID,
		ParentTaskRunID:  owner.TaskRunID,
		ParentStackRunID: sr.StackRunID,
		Depth:            owner.Depth + 1,
	}
	err := p.store.CreateTaskRun(ctx, child)
	switch {
	case err == nil:
		p.recordEvent(ctx, child.TaskRunID, domain.EventTypeTaskRunSubmitted, domain.TaskRunSubmittedPayload{
			TaskName:         child.TaskName,
			ParentTaskRunID:  child.ParentTaskRunID,
			ParentStackRunID: child.ParentStackRunID,
		})
	case errors.Is(err, repository.ErrConflict):
	default:
		return fmt.Errorf("create nested task run for %s: %w", sr.StackRunID, err)
	}

	if err := p.StartTaskRun(ctx, child.TaskRunID); err != nil {
		return err
	}

	latest, err := p.store.GetTaskRun(ctx, child.TaskRunID)
	if err != nil {
		return fmt.Errorf("reload nested task run %s: %w", child.TaskRunID, err)
	}
	if latest.Status.IsTerminal() {
		status, result, runErr := childOutcome(latest)
		if status == domain.StackRunStatusCompleted {
			runErr = nil
		}
		_, err := p.resolveStackRun(ctx, sr, token, result, runErr)
		return err
	}

	ok, err := p.store.SuspendStackRunOnChild(ctx, sr.StackRunID, token, latest.TaskRunID, latest.WaitingOnStackRunID)
	if err != nil {
		return fmt.Errorf("suspend stack run %s on child: %w", sr.StackRunID, err)
	}
	if !ok {
		p.logger.Warn("lost claim before waiting on nested task run", zap.String("stack_run_id", sr.StackRunID))
		return nil
	}
	p.recordEvent(ctx, sr.TaskRunID, domain.EventTypeStackRunWaitingChild, domain.StackRunPayload{
		StackRunID:     sr.StackRunID,
		Service:        sr.Service,
		Method:         sr.Method,
		Status:         domain.StackRunStatusSuspendedWaitingChild,
		ChildTaskRunID: latest.TaskRunID,
	})

	// The child may have finished or moved on between the reload and the suspension.
	again, err := p.store.GetTaskRun(ctx, latest.TaskRunID)
	if err != nil {
		return fmt.Errorf("reload nested task run %s: %w", latest.TaskRunID, err)
	}
	if again.Status.IsTerminal() {
		return p.resolveParent(ctx, again)
	}
	if again.WaitingOnStackRunID != latest.WaitingOnStackRunID {
		if _, err := p.store.SetStackRunWaitingOn(ctx, sr.StackRunID, again.WaitingOnStackRunID); err != nil {
			return fmt.Errorf("update waiting_on of %s: %w", sr.StackRunID, err)
		}
	}
	return nil
}

// resolveStackRun moves a claimed stack run to its terminal state and propagates
// it. It reports false when the claim was already lost.
func (p *Processor) resolveStackRun(ctx context.Context, sr *domain.StackRun, token string, result json.RawMessage, runErr *domain.RunError) (bool, error) {
	var ok bool
	var err error
	if runErr != nil {
		ok, err = p.store.FailStackRun(ctx, sr.StackRunID, token, runErr)
	} else {
		ok, err = p.store.CompleteStackRun(ctx, sr.StackRunID, token, result)
	}
	if err != nil {
		return false, fmt.Errorf("resolve stack run %s: %w", sr.StackRunID, err)
	}
	if !ok {
		p.logger.Warn("lost claim before resolving stack run", zap.String("stack_run_id", sr.StackRunID))
		return false, nil
	}

	sr.ClaimToken = ""
	sr.LeaseExpiresAt = nil
	if runErr != nil {
		sr.Status = domain.StackRunStatusFailed
		sr.Error = runErr
		sr.Result = nil
	} else {
		sr.Status = domain.StackRunStatusCompleted
		sr.Result = result
		sr.Error = nil
	}
	p.stackRunFinished(ctx, sr)
	return true, p.propagate(ctx, sr)
}

func (p *Processor) stackRunFinished(ctx context.Context, sr *domain.StackRun) {
	eventType := domain.EventTypeStackRunCompleted
	if sr.Status == domain.StackRunStatusFailed {
		eventType = domain.EventTypeStackRunFailed
	}
	p.recordEvent(ctx, sr.TaskRunID, eventType, domain.StackRunPayload{
		StackRunID:     sr.StackRunID,
		Service:        sr.Service,
		Method:         sr.Method,
		Status:         sr.Status,
		ChildTaskRunID: sr.ChildTaskRunID,
		Error:          sr.Error,
	})
	p.metrics.StackRunFinished(sr.Service, string(sr.Status))
}
