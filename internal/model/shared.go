package model

import (
	"context"
	"sync"
)

// SharedContext is the object tasks read and write during collaborative execution
type SharedContext struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewSharedContext creates an empty shared context
func NewSharedContext() *SharedContext {
	return &SharedContext{values: make(map[string]interface{})}
}

// Get returns the value stored under key
func (s *SharedContext) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores value under key
func (s *SharedContext) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Update applies fn to the current value of key while holding the lock
func (s *SharedContext) Update(key string, fn func(old interface{}) interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = fn(s.values[key])
}

// Snapshot copies every key
func (s *SharedContext) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

type sharedContextKey struct{}

// WithSharedContext attaches shared to ctx
func WithSharedContext(ctx context.Context, shared *SharedContext) context.Context {
	return context.WithValue(ctx, sharedContextKey{}, shared)
}

// SharedFromContext returns the shared context attached to ctx, if any
func SharedFromContext(ctx context.Context) (*SharedContext, bool) {
	shared, ok := ctx.Value(sharedContextKey{}).(*SharedContext)
	return shared, ok && shared != nil
}
