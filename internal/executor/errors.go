package executor

import (
	"errors"
	"fmt"

	"github.com/xiaot623/gogo/tasker/internal/domain"
)

// ErrSuspended is returned by Context.Call when the call has no recorded result yet.
// Task code should return it unchanged; the executor reports a suspension even if
// the error is swallowed.
var ErrSuspended = errors.New("task suspended on unresolved call")

// CallError is a resolved call that failed. Task code receives it as an error value
// and may handle it or return it.
type CallError struct {
	Service string
	Method  string
	Class   domain.ErrorClass
	Code    string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %s.%s failed: %s", e.Service, e.Method, e.RunError().Error())
}

// RunError converts the call error into its stored form.
func (e *CallError) RunError() *domain.RunError {
	return &domain.RunError{Class: e.Class, Code: e.Code, Message: e.Message}
}

// IsPermanent reports whether the call failed with a permanent capability error.
func (e *CallError) IsPermanent() bool {
	return e.Class == domain.ErrorClassPermanent
}

// DeterminismError means replay reached a call that differs from the one recorded
// at the same position. The task code changed behavior between invocations.
type DeterminismError struct {
	Ordinal  int
	Recorded domain.CallDescriptor
	Replayed domain.CallDescriptor
	Label    string
}

func (e *DeterminismError) Error() string {
	if e.Label != "" {
		return fmt.Sprintf("determinism violation at call %d (label %q): recorded %s, replayed %s",
			e.Ordinal, e.Label, e.Recorded, e.Replayed)
	}
	return fmt.Sprintf("determinism violation at call %d: recorded %s, replayed %s",
		e.Ordinal, e.Recorded, e.Replayed)
}
