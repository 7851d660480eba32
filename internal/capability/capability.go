// Package capability defines the contract between the stack processor and the
// external services a task calls, plus in-process and HTTP implementations.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/xiaot623/gogo/tasker/internal/domain"
)

// ErrDeferred is returned by a provider that accepted the call and will deliver
// the result later through the stack run result endpoint.
var ErrDeferred = errors.New("capability result deferred")

// CallRequest is one capability invocation.
type CallRequest struct {
	StackRunID string          `json:"stack_run_id"`
	ClaimToken string          `json:"claim_token,omitempty"`
	TaskRunID  string          `json:"task_run_id"`
	Service    string          `json:"service"`
	Method     string          `json:"method"`
	Args       json.RawMessage `json:"args,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
}

// Provider executes calls for one service.
type Provider interface {
	Call(ctx context.Context, req CallRequest) (json.RawMessage, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, req CallRequest) (json.RawMessage, error)

// Call calls f(ctx, req).
func (f ProviderFunc) Call(ctx context.Context, req CallRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// Error is a structured failure reported by a provider.
type Error struct {
	Code      string `json:"code,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// Permanent returns an error that fails the call without retrying.
func Permanent(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Transient returns an error that is retried with backoff.
func Transient(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// Classify maps a provider error to the error recorded on the stack run and
// reports whether the call may be retried.
func Classify(err error) (*domain.RunError, bool) {
	var capErr *Error
	if errors.As(err, &capErr) {
		class := domain.ErrorClassPermanent
		if capErr.Retryable {
			class = domain.ErrorClassTransient
		}
		return &domain.RunError{Class: class, Code: capErr.Code, Message: capErr.Message}, capErr.Retryable
	}
	var runErr *domain.RunError
	if errors.As(err, &runErr) {
		return runErr, runErr.Class == domain.ErrorClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.RunError{Class: domain.ErrorClassTransient, Code: "timeout", Message: err.Error()}, true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		code := "network"
		if netErr.Timeout() {
			code = "timeout"
		}
		return &domain.RunError{Class: domain.ErrorClassTransient, Code: code, Message: err.Error()}, true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &domain.RunError{Class: domain.ErrorClassTransient, Code: "network", Message: err.Error()}, true
	}
	return &domain.RunError{Class: domain.ErrorClassPermanent, Code: "error", Message: err.Error()}, false
}
