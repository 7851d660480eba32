package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/gogo/tasker/internal/domain"
)

// Call is the first unresolved call reached during an invocation.
type Call struct {
	Ordinal    int
	Label      string
	Descriptor domain.CallDescriptor
}

// CallOption configures a single call.
type CallOption func(*callOptions)

type callOptions struct {
	label string
}

// WithLabel attaches a checkpoint label to the call. On replay the recorded entry
// must carry the same label, so a stage that moves or disappears is reported as a
// determinism violation instead of silently receiving another call's result.
func WithLabel(label string) CallOption {
	return func(o *callOptions) {
		o.label = label
	}
}

// Context is handed to task code. All external effects must go through Call.
type Context struct {
	ctx       context.Context
	cache     *Cache
	next      int
	pending   *Call
	violation *DeterminismError
}

func newContext(ctx context.Context, cache *Cache) *Context {
	return &Context{ctx: ctx, cache: cache}
}

// Context returns the invocation context. Task code must not block on it.
func (c *Context) Context() context.Context {
	return c.ctx
}

// Call issues an external call. A recorded result is returned synchronously;
// a recorded failure is returned as a *CallError; an unrecorded call returns
// ErrSuspended and ends the invocation.
func (c *Context) Call(service, method string, args interface{}, opts ...CallOption) (json.RawMessage, error) {
	if c.violation != nil {
		return nil, c.violation
	}
	if c.pending != nil {
		return nil, ErrSuspended
	}

	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	argsRaw, err := marshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", service, method, err)
	}
	desc := domain.CallDescriptor{Service: service, Method: method, Args: argsRaw}

	ordinal := c.next
	c.next++

	entry, ok := c.lookup(ordinal, o.label, desc)
	if c.violation != nil {
		return nil, c.violation
	}
	if !ok {
		c.pending = &Call{Ordinal: ordinal, Label: o.label, Descriptor: desc}
		return nil, ErrSuspended
	}

	if entry.Error != nil {
		return nil, &CallError{
			Service: service,
			Method:  method,
			Class:   entry.Error.Class,
			Code:    entry.Error.Code,
			Message: entry.Error.Message,
		}
	}
	return entry.Result, nil
}

// CallInto issues a call and decodes the result into out.
func (c *Context) CallInto(out interface{}, service, method string, args interface{}, opts ...CallOption) error {
	raw, err := c.Call(service, method, args, opts...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode result of %s.%s: %w", service, method, err)
	}
	return nil
}

// CallTask invokes another registered task as a nested call.
func (c *Context) CallTask(taskName string, input interface{}, opts ...CallOption) (json.RawMessage, error) {
	return c.Call(domain.TaskService, taskName, input, opts...)
}

func (c *Context) lookup(ordinal int, label string, desc domain.CallDescriptor) (*domain.CallResult, bool) {
	if label != "" {
		if at, ok := c.cache.ordinalOf(label); ok && at != ordinal {
			entry, _ := c.cache.at(at)
			c.violation = &DeterminismError{Ordinal: ordinal, Recorded: entry.Descriptor(), Replayed: desc, Label: label}
			return nil, false
		}
	}

	entry, ok := c.cache.at(ordinal)
	if !ok {
		return nil, false
	}
	if entry.Label != label || !entry.Descriptor().Equal(desc) {
		c.violation = &DeterminismError{Ordinal: ordinal, Recorded: entry.Descriptor(), Replayed: desc, Label: label}
		return nil, false
	}
	return entry, true
}

func marshalArgs(args interface{}) (json.RawMessage, error) {
	switch v := args.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal args: %w", err)
	}
	return raw, nil
}
