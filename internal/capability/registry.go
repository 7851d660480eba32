package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MethodFunc handles one method of an in-process service.
type MethodFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Service dispatches calls to per-method handlers.
type Service map[string]MethodFunc

// Call runs the handler registered for req.Method.
func (s Service) Call(ctx context.Context, req CallRequest) (json.RawMessage, error) {
	fn, ok := s[req.Method]
	if !ok {
		return nil, Permanent("unknown_method", "%s has no method %s", req.Service, req.Method)
	}
	return fn(ctx, req.Args)
}

// Registry stores providers keyed by service name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds the provider for a service.
func (r *Registry) Register(service string, provider Provider) error {
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if provider == nil {
		return fmt.Errorf("provider is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[service]; exists {
		return fmt.Errorf("provider already registered for %s", service)
	}
	r.providers[service] = provider
	return nil
}

// MustRegister adds a provider or panics.
func (r *Registry) MustRegister(service string, provider Provider) {
	if err := r.Register(service, provider); err != nil {
		panic(err)
	}
}

// Lookup returns the provider for a service.
func (r *Registry) Lookup(service string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[service]
	return p, ok
}

// Services returns the registered service names in sorted order.
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call routes req to the provider for its service.
func (r *Registry) Call(ctx context.Context, req CallRequest) (json.RawMessage, error) {
	if req.Service == "" {
		return nil, Permanent("invalid_call", "service is required")
	}
	p, ok := r.Lookup(req.Service)
	if !ok {
		return nil, Permanent("unknown_service", "no provider registered for %s", req.Service)
	}
	return p.Call(ctx, req)
}
