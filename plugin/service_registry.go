package plugin

import (
	"sort"
	"sync"

	kerrors "github.com/leeforge/kernel/errors"
)

// Keys of the services the kernel itself registers.
const (
	ServiceMetrics = "kernel.metrics" // *metrics.Collector
	ServiceRuntime = "kernel.runtime" // *runtime.Manager
)

// ServiceRegistry provides type-safe, namespace-aware service registration and lookup.
// Services are keyed by "pluginName.serviceName" (e.g. "memdriver.store", "admin.router")
// and remember the plugin that registered them so they can be dropped together.
type ServiceRegistry struct {
	services map[string]any
	owners   map[string]string
	mu       sync.RWMutex
}

// NewServiceRegistry creates an empty service registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]any),
		owners:   make(map[string]string),
	}
}

// Register stores a service with no owner. Returns error if key already exists.
func (sr *ServiceRegistry) Register(key string, svc any) error {
	return sr.RegisterOwned("", key, svc)
}

// RegisterOwned stores a service on behalf of owner.
func (sr *ServiceRegistry) RegisterOwned(owner, key string, svc any) error {
	if key == "" {
		return kerrors.NewInvalid("service key is required")
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()

	if _, exists := sr.services[key]; exists {
		return kerrors.NewDuplicateItem("service", key)
	}
	sr.services[key] = svc
	if owner != "" {
		sr.owners[key] = owner
	}
	return nil
}

// MustRegister stores a service, panicking on duplicate.
func (sr *ServiceRegistry) MustRegister(key string, svc any) {
	if err := sr.Register(key, svc); err != nil {
		panic(err)
	}
}

// Has returns true if a service is registered under the given key.
func (sr *ServiceRegistry) Has(key string) bool {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	_, exists := sr.services[key]
	return exists
}

// Keys returns all registered service keys, sorted alphabetically.
func (sr *ServiceRegistry) Keys() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	keys := make([]string, 0, len(sr.services))
	for k := range sr.services {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Owner returns the plugin that registered key.
func (sr *ServiceRegistry) Owner(key string) (string, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	owner, ok := sr.owners[key]
	return owner, ok
}

// RemoveOwned drops every service registered by owner and returns how many
// were removed.
func (sr *ServiceRegistry) RemoveOwned(owner string) int {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	removed := 0
	for key, o := range sr.owners {
		if o != owner {
			continue
		}
		delete(sr.owners, key)
		delete(sr.services, key)
		removed++
	}
	return removed
}

// Resolve retrieves a service with compile-time type safety via generics.
func Resolve[T any](sr *ServiceRegistry, key string) (T, error) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	var zero T
	svc, exists := sr.services[key]
	if !exists {
		return zero, kerrors.NewNotFound("service", key)
	}

	typed, ok := svc.(T)
	if !ok {
		return zero, kerrors.NewInvalid("service %q is %T, want %T", key, svc, zero)
	}
	return typed, nil
}

// MustResolve retrieves a service, panicking if not found or wrong type.
func MustResolve[T any](sr *ServiceRegistry, key string) T {
	svc, err := Resolve[T](sr, key)
	if err != nil {
		panic(err)
	}
	return svc
}
