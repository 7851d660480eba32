package executor

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Task is a deterministic workflow body. Between calls it may only depend on its
// input and on results returned by the Context.
type Task interface {
	Run(tc *Context, input json.RawMessage) (interface{}, error)
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc func(tc *Context, input json.RawMessage) (interface{}, error)

// Run calls f(tc, input).
func (f TaskFunc) Run(tc *Context, input json.RawMessage) (interface{}, error) {
	return f(tc, input)
}

// Registry stores task definitions keyed by task name.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]Task),
	}
}

// Register adds a task definition.
func (r *Registry) Register(name string, task Task) error {
	if name == "" {
		return fmt.Errorf("task name is required")
	}
	if task == nil {
		return fmt.Errorf("task is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("task already registered: %s", name)
	}
	r.tasks[name] = task
	return nil
}

// MustRegister adds a task definition or panics.
func (r *Registry) MustRegister(name string, task Task) {
	if err := r.Register(name, task); err != nil {
		panic(err)
	}
}

// Lookup returns the task registered under name.
func (r *Registry) Lookup(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[name]
	return task, ok
}

// Names returns the registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
