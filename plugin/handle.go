package plugin

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/leeforge/kernel/compiler"
	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/hooks"
	"github.com/leeforge/kernel/logging"
	"github.com/leeforge/kernel/pool"
	"github.com/leeforge/kernel/registry"
)

// QueryRunner executes queries and mutations through the kernel.
type QueryRunner interface {
	Query(ctx context.Context, q compiler.Query, params map[string]any) ([]Row, error)
	Mutate(ctx context.Context, m compiler.Mutation) (int64, error)
}

// HandleConfig wires the shared kernel components into a root Handle.
// Nil components are created with their defaults.
type HandleConfig struct {
	Registry *registry.Registry
	Hooks    *hooks.Pipeline
	Compiler *compiler.Compiler
	Pool     *pool.Pool
	Drivers  *DriverTable
	Services *ServiceRegistry
	Logger   *zap.Logger
	Queries  QueryRunner
}

// Handle is what a plugin sees of the kernel during its lifecycle calls.
// Each plugin receives a copy scoped to its own package: metadata, drivers,
// services and hook subscriptions registered through it belong to that
// package and are released together.
type Handle struct {
	Registry *registry.Registry
	Hooks    *hooks.Pipeline
	Compiler *compiler.Compiler
	Pool     *pool.Pool
	Drivers  *DriverTable
	Services *ServiceRegistry
	Logger   *zap.Logger
	Config   ConfigProvider
	Package  string
	Queries  QueryRunner

	subs *subscriptions
}

// NewHandle builds the root handle shared by all plugins.
func NewHandle(config HandleConfig) *Handle {
	logger := logging.OrNop(config.Logger)
	h := &Handle{
		Registry: config.Registry,
		Hooks:    config.Hooks,
		Compiler: config.Compiler,
		Pool:     config.Pool,
		Drivers:  config.Drivers,
		Services: config.Services,
		Logger:   logger,
		Config:   EmptyConfig(),
		Queries:  config.Queries,
		subs:     &subscriptions{byOwner: make(map[string][]*hooks.Subscription)},
	}
	if h.Registry == nil {
		h.Registry = registry.New(registry.Config{Logger: logger})
	}
	if h.Hooks == nil {
		h.Hooks = hooks.New(hooks.Config{Logger: logger})
	}
	if h.Compiler == nil {
		h.Compiler = compiler.New(compiler.Config{Logger: logger})
	}
	if h.Pool == nil {
		h.Pool = pool.New(pool.Config{Logger: logger})
	}
	if h.Drivers == nil {
		h.Drivers = NewDriverTable()
	}
	if h.Services == nil {
		h.Services = NewServiceRegistry()
	}
	return h
}

// Scope returns a copy of h owned by pkg and configured by config.
func (h *Handle) Scope(pkg string, config ConfigProvider) *Handle {
	scoped := *h
	scoped.Package = pkg
	scoped.Logger = h.Logger.With(logging.Package(pkg))
	scoped.Config = config
	if scoped.Config == nil {
		scoped.Config = EmptyConfig()
	}
	return &scoped
}

// RegisterItem registers item in the metadata registry, owned by the
// handle's package.
func (h *Handle) RegisterItem(item registry.Item) error {
	item.Package = h.Package
	return h.Registry.Register(item)
}

// RegisterObject registers an object schema owned by the handle's package.
func (h *Handle) RegisterObject(name string, schema registry.ObjectSchema) error {
	return h.RegisterItem(registry.Item{Type: registry.TypeObject, Name: name, Payload: schema})
}

// RegisterDriver adds driver to the driver table and the connection pool.
func (h *Handle) RegisterDriver(id string, driver Driver, maxConns int) error {
	if err := h.Drivers.add(id, h.Package, driver); err != nil {
		return err
	}
	if err := h.Pool.RegisterDriver(id, driver, maxConns); err != nil {
		h.Drivers.remove(id)
		return err
	}
	h.Logger.Debug("driver registered", logging.Driver(id), zap.Int("max_conns", maxConns))
	return nil
}

// RegisterService stores svc under "<package>.<name>".
func (h *Handle) RegisterService(name string, svc any) error {
	return h.Services.RegisterOwned(h.Package, h.Package+"."+name, svc)
}

// Subscribe registers a hook handler that is removed when the package is
// released.
func (h *Handle) Subscribe(pattern string, order int, handler hooks.Handler, opts ...hooks.Option) (*hooks.Subscription, error) {
	sub, err := h.Hooks.Register(pattern, order, handler, opts...)
	if err != nil {
		return nil, err
	}
	h.subs.add(h.Package, sub)
	return sub, nil
}

// Release removes everything the handle's package registered: hook
// subscriptions, drivers, services and metadata items. It keeps going after
// a failure and returns every failure it met.
func (h *Handle) Release(ctx context.Context) error {
	chain := kerrors.NewErrorChain()

	for _, sub := range h.subs.take(h.Package) {
		sub.Unsubscribe()
	}
	for _, id := range h.Drivers.removeOwned(h.Package) {
		if err := h.Pool.UnregisterDriver(ctx, id); err != nil {
			chain.Add(err)
		}
	}
	services := h.Services.RemoveOwned(h.Package)
	items := h.Registry.RemovePackage(h.Package)

	h.Logger.Debug("package released", zap.Int("items", items), zap.Int("services", services))
	return chain.Err()
}

type subscriptions struct {
	mu      sync.Mutex
	byOwner map[string][]*hooks.Subscription
}

func (s *subscriptions) add(owner string, sub *hooks.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byOwner[owner] = append(s.byOwner[owner], sub)
}

func (s *subscriptions) take(owner string) []*hooks.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := s.byOwner[owner]
	delete(s.byOwner, owner)
	return subs
}

// DriverTable maps driver ids to the drivers that execute plans for them.
type DriverTable struct {
	mu      sync.RWMutex
	drivers map[string]ownedDriver
}

type ownedDriver struct {
	driver Driver
	owner  string
}

// NewDriverTable creates an empty table.
func NewDriverTable() *DriverTable {
	return &DriverTable{drivers: make(map[string]ownedDriver)}
}

// Get returns the driver registered under id.
func (t *DriverTable) Get(id string) (Driver, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.drivers[id]
	if !ok {
		return nil, kerrors.NewNotFound("driver", id)
	}
	return d.driver, nil
}

// IDs returns the registered driver ids, sorted.
func (t *DriverTable) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.drivers))
	for id := range t.drivers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Owner returns the package that registered id.
func (t *DriverTable) Owner(id string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.drivers[id].owner
}

func (t *DriverTable) add(id, owner string, d Driver) error {
	if id == "" || d == nil {
		return kerrors.NewInvalid("driver id and implementation are required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.drivers[id]; exists {
		return kerrors.NewDuplicateItem("driver", id)
	}
	t.drivers[id] = ownedDriver{driver: d, owner: owner}
	return nil
}

func (t *DriverTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.drivers, id)
}

func (t *DriverTable) removeOwned(owner string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, d := range t.drivers {
		if d.owner == owner {
			ids = append(ids, id)
			delete(t.drivers, id)
		}
	}
	sort.Strings(ids)
	return ids
}
