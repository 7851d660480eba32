// Package executor runs task code by replaying it against a call cache until it
// either finishes or reaches a call whose result is not known yet.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xiaot623/gogo/tasker/internal/domain"
)

// OutcomeStatus is the result kind of one invocation.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeSuspended OutcomeStatus = "suspended"
	OutcomeFailed    OutcomeStatus = "failed"
)

// Outcome is what one invocation of a task produced.
type Outcome struct {
	Status OutcomeStatus
	Result json.RawMessage  // OutcomeCompleted
	Call   *Call            // OutcomeSuspended
	Err    *domain.RunError // OutcomeFailed
}

// Executor resolves task names against a registry and runs them.
type Executor struct {
	registry *Registry
}

// New creates an executor backed by registry.
func New(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Run executes the named task from the beginning against cache.
func (e *Executor) Run(ctx context.Context, taskName string, input json.RawMessage, cache *Cache) Outcome {
	task, ok := e.registry.Lookup(taskName)
	if !ok {
		return failed(&domain.RunError{
			Class:   domain.ErrorClassTask,
			Code:    "unknown_task",
			Message: fmt.Sprintf("task %q is not registered", taskName),
		})
	}
	return Execute(ctx, task, input, cache)
}

// Execute runs task from the beginning against cache. It never blocks on an
// external call: the first call missing from cache ends the invocation with
// OutcomeSuspended, and nothing after that call has executed.
func Execute(ctx context.Context, task Task, input json.RawMessage, cache *Cache) (out Outcome) {
	tc := newContext(ctx, cache)

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		// A panic after an unresolved call comes from code that should not have run.
		if tc.violation == nil && tc.pending != nil {
			out = Outcome{Status: OutcomeSuspended, Call: tc.pending}
			return
		}
		if tc.violation != nil {
			out = failed(determinismError(tc.violation))
			return
		}
		out = failed(&domain.RunError{
			Class:   domain.ErrorClassTask,
			Code:    "panic",
			Message: fmt.Sprint(r),
		})
	}()

	result, err := task.Run(tc, input)

	if tc.violation != nil {
		return failed(determinismError(tc.violation))
	}
	if tc.pending != nil {
		return Outcome{Status: OutcomeSuspended, Call: tc.pending}
	}
	if err != nil {
		return failed(classify(err))
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return failed(&domain.RunError{
			Class:   domain.ErrorClassTask,
			Code:    "result_encoding",
			Message: err.Error(),
		})
	}
	return Outcome{Status: OutcomeCompleted, Result: raw}
}

func classify(err error) *domain.RunError {
	var callErr *CallError
	if errors.As(err, &callErr) {
		runErr := callErr.RunError()
		runErr.Message = err.Error()
		return runErr
	}
	var runErr *domain.RunError
	if errors.As(err, &runErr) {
		return runErr
	}
	if errors.Is(err, ErrSuspended) {
		// Suspension reported without a pending call: the task returned it itself.
		return &domain.RunError{Class: domain.ErrorClassTask, Code: "spurious_suspend", Message: err.Error()}
	}
	return &domain.RunError{Class: domain.ErrorClassTask, Message: err.Error()}
}

func determinismError(v *DeterminismError) *domain.RunError {
	return &domain.RunError{
		Class:   domain.ErrorClassDeterminism,
		Code:    "descriptor_mismatch",
		Message: v.Error(),
	}
}

func failed(err *domain.RunError) Outcome {
	return Outcome{Status: OutcomeFailed, Err: err}
}
