package session

import (
	"sync"

	"go.uber.org/zap"

	"github.com/carelink/realtime/internal/logging"
	"github.com/carelink/realtime/internal/monitoring"
)

// DefaultPoolCapacity bounds the number of simultaneously live sessions.
const DefaultPoolCapacity = 8

// Factory builds a manager for a conversation key.
type Factory func(key string) *Manager

// Registry is a bounded pool of connection managers keyed by conversation
// key. It guarantees at most one live manager per key and evicts the
// oldest entry when capacity is exceeded. The registry is an injected
// dependency, never ambient package state, so tests get isolation and
// deterministic teardown.
type Registry struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*Manager
	order    []string // acquisition order, oldest first
	factory  Factory
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

// NewRegistry creates a registry; non-positive capacity falls back to
// DefaultPoolCapacity.
func NewRegistry(capacity int, factory Factory, logger *logging.Logger, metrics *monitoring.Metrics) *Registry {
	if capacity <= 0 {
		capacity = DefaultPoolCapacity
	}
	return &Registry{
		capacity: capacity,
		entries:  make(map[string]*Manager),
		factory:  factory,
		logger:   logger.Named("registry"),
		metrics:  metrics,
	}
}

// Acquire returns the live manager for key, creating one if needed. The
// oldest entry is closed and evicted when the pool would exceed capacity.
func (r *Registry) Acquire(key string) *Manager {
	r.mu.Lock()

	if m, ok := r.entries[key]; ok {
		if !m.Closed() {
			r.mu.Unlock()
			return m
		}
		// Replace a torn-down entry in place.
		delete(r.entries, key)
		for i, k := range r.order {
			if k == key {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}

	var evicted *Manager
	if len(r.order) >= r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		evicted = r.entries[oldest]
		delete(r.entries, oldest)
	}

	m := r.factory(key)
	r.entries[key] = m
	r.order = append(r.order, key)
	r.metrics.SessionsActive.Set(float64(len(r.entries)))
	r.mu.Unlock()

	if evicted != nil {
		r.logger.Info("evicting oldest session", zap.String("key", evicted.Key()))
		evicted.Close("evicted from pool")
	}
	return m
}

// Get returns the live manager for key without creating one.
func (r *Registry) Get(key string) (*Manager, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.entries[key]
	if !ok || m.Closed() {
		return nil, false
	}
	return m, true
}

// Close tears down and removes the manager for key.
func (r *Registry) Close(key, reason string) {
	r.mu.Lock()
	m, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
		for i, k := range r.order {
			if k == key {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
		r.metrics.SessionsActive.Set(float64(len(r.entries)))
	}
	r.mu.Unlock()

	if ok {
		m.Close(reason)
	}
}

// CloseAll tears down every session, for process shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.entries))
	for _, m := range r.entries {
		managers = append(managers, m)
	}
	r.entries = make(map[string]*Manager)
	r.order = nil
	r.metrics.SessionsActive.Set(0)
	r.mu.Unlock()

	for _, m := range managers {
		m.Close(reason)
	}
}

// Len returns the number of pooled sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Broadcast delivers an external wake trigger to every live session,
// resetting retry budgets (network back online, window refocused).
func (r *Registry) Broadcast(reason WakeReason) {
	r.mu.Lock()
	managers := make([]*Manager, 0, len(r.entries))
	for _, m := range r.entries {
		managers = append(managers, m)
	}
	r.mu.Unlock()

	for _, m := range managers {
		m.ExternalTrigger(reason)
	}
}
