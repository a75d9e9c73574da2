package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/graph"
	"github.com/leeforge/kernel/hooks"
	"github.com/leeforge/kernel/logging"
	"github.com/leeforge/kernel/plugin"
)

const defaultStopTimeout = 30 * time.Second

// Config holds configuration for creating a new Manager.
type Config struct {
	// Handle is the root kernel handle. Each plugin receives a copy scoped
	// to its own package.
	Handle *plugin.Handle
	Logger *zap.Logger

	// Plugins holds per-plugin configuration keyed by plugin name. A plugin
	// whose entry is disabled is skipped at registration.
	Plugins map[string]plugin.ConfigProvider

	// StopTimeout bounds Shutdown. Defaults to 30s.
	StopTimeout time.Duration
}

// LifecycleEvent is the payload of the plugin.* hook events.
type LifecycleEvent struct {
	Plugin  string       `json:"plugin"`
	Version string       `json:"version"`
	Kind    plugin.Kind  `json:"kind"`
	State   plugin.State `json:"state"`
	Phase   string       `json:"phase,omitempty"`
	Error   string       `json:"error,omitempty"`
}

type entry struct {
	plugin plugin.Plugin
	desc   plugin.Descriptor
	handle *plugin.Handle
}

// Manager drives plugin lifecycle in dependency order.
type Manager struct {
	root        *plugin.Handle
	logger      *zap.Logger
	configs     map[string]plugin.ConfigProvider
	stopTimeout time.Duration

	// lifecycle serializes Boot, Shutdown and Uninstall. Plugin calls run
	// under it but never under mu, so plugins may read manager state.
	lifecycle sync.Mutex

	mu        sync.RWMutex
	plugins   map[string]*entry
	order     []string
	bootOrder []string
	started   []string
	booted    bool
	cleanup   *kerrors.ErrorChain
}

// NewManager creates a manager. A nil Handle gets a default root handle.
func NewManager(config Config) *Manager {
	logger := logging.OrNop(config.Logger).Named("runtime")
	root := config.Handle
	if root == nil {
		root = plugin.NewHandle(plugin.HandleConfig{Logger: config.Logger})
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaultStopTimeout
	}
	return &Manager{
		root:        root,
		logger:      logger,
		configs:     config.Plugins,
		stopTimeout: config.StopTimeout,
		plugins:     make(map[string]*entry),
		cleanup:     kerrors.NewErrorChain(),
	}
}

// Register adds a plugin. Must be called before Boot.
func (m *Manager) Register(p plugin.Plugin) error {
	if p == nil {
		return kerrors.NewInvalid("plugin is nil")
	}
	desc := plugin.Describe(p)
	if err := desc.Validate(); err != nil {
		return err
	}
	if cfg, ok := m.configs[desc.Name]; ok && !cfg.IsEnabled() {
		m.logger.Info("plugin disabled by configuration", logging.Plugin(desc.Name))
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.booted {
		return kerrors.NewInvalid("plugin %s registered after boot", desc.Name)
	}
	if _, exists := m.plugins[desc.Name]; exists {
		return kerrors.NewDuplicateItem("plugin", desc.Name)
	}
	m.plugins[desc.Name] = &entry{plugin: p, desc: desc}
	m.order = append(m.order, desc.Name)

	m.logger.Info("plugin registered",
		logging.Plugin(desc.Name),
		zap.String("version", desc.Version),
		zap.String("kind", string(desc.Kind)),
	)
	return nil
}

// Boot resolves dependencies, then installs and starts every plugin in
// topological order. Missing dependencies, version mismatches and cycles
// are reported before any lifecycle call. A failing install or start stops
// the plugins already started, in reverse order, uninstalls everything this
// boot installed and returns the failure; Boot may then be called again.
func (m *Manager) Boot(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	startTime := time.Now()

	m.mu.Lock()
	if m.booted {
		m.mu.Unlock()
		return kerrors.NewInvalid("plugin manager already booted")
	}
	m.booted = true
	order, err := m.resolveLocked()
	if err != nil {
		m.booted = false
		m.mu.Unlock()
		m.logger.Error("dependency resolution failed", zap.Error(err))
		return err
	}
	m.bootOrder = order
	for _, name := range order {
		e := m.plugins[name]
		e.desc.State = plugin.StateResolved
		e.handle = m.root.Scope(name, m.configs[name])
	}
	m.mu.Unlock()

	m.logger.Info("dependency resolution completed", logging.BootOrder(order))

	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return m.abort(ctx, name, "install", err)
		}
		e := m.entry(name)
		if err := call(func() error { return e.plugin.Install(ctx, e.handle) }); err != nil {
			return m.abort(ctx, name, "install", err)
		}
		m.transition(ctx, name, plugin.StateInstalled, hooks.PluginInstalled)
	}

	for _, name := range order {
		if err := ctx.Err(); err != nil {
			return m.abort(ctx, name, "start", err)
		}
		e := m.entry(name)
		if err := call(func() error { return e.plugin.Start(ctx, e.handle) }); err != nil {
			return m.abort(ctx, name, "start", err)
		}
		m.mu.Lock()
		m.started = append(m.started, name)
		m.mu.Unlock()
		m.transition(ctx, name, plugin.StateStarted, hooks.PluginStarted)
	}

	m.logger.Info("boot completed",
		zap.Duration("duration", time.Since(startTime)),
		zap.Int("plugins", len(order)),
	)
	return nil
}

// Shutdown stops started plugins in reverse start order. Every plugin is
// given the chance to stop; failures are logged and returned together.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, m.stopTimeout)
	defer cancel()

	chain := kerrors.NewErrorChain()
	for _, name := range m.startedReversed() {
		chain.Add(m.stop(stopCtx, name))
	}
	m.logger.Info("shutdown completed")
	return chain.Err()
}

// Uninstall stops name if it is running, runs its Uninstaller and removes
// everything its package registered. It refuses while a started plugin
// depends on name.
func (m *Manager) Uninstall(ctx context.Context, name string) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.RLock()
	e, ok := m.plugins[name]
	if !ok {
		m.mu.RUnlock()
		return kerrors.NewNotFound("plugin", name)
	}
	for _, other := range m.order {
		oe := m.plugins[other]
		if oe.desc.State != plugin.StateStarted {
			continue
		}
		for _, dep := range oe.desc.Dependencies {
			if dep.Name == name {
				m.mu.RUnlock()
				return kerrors.NewInvalid("plugin %s is required by started plugin %s", name, other)
			}
		}
	}
	state := e.desc.State
	handle := e.handle
	m.mu.RUnlock()

	chain := kerrors.NewErrorChain()
	if state == plugin.StateStarted {
		chain.Add(m.stop(ctx, name))
	}
	if handle == nil {
		handle = m.root.Scope(name, m.configs[name])
	}
	if u, ok := e.plugin.(plugin.Uninstaller); ok {
		chain.Add(call(func() error { return u.Uninstall(ctx, handle) }))
	}
	chain.Add(handle.Release(ctx))

	m.mu.Lock()
	delete(m.plugins, name)
	m.order = without(m.order, name)
	m.bootOrder = without(m.bootOrder, name)
	m.mu.Unlock()

	m.emit(ctx, hooks.PluginUninstalled, e.desc, "uninstall", nil)
	m.logger.Info("plugin uninstalled", logging.Plugin(name))
	return chain.Err()
}

// Health runs HealthCheck on every started plugin that reports health.
func (m *Manager) Health(ctx context.Context) map[string]error {
	m.mu.RLock()
	reporters := make(map[string]plugin.HealthReporter)
	for _, name := range m.started {
		if r, ok := m.plugins[name].plugin.(plugin.HealthReporter); ok {
			reporters[name] = r
		}
	}
	m.mu.RUnlock()

	result := make(map[string]error, len(reporters))
	for name, r := range reporters {
		result[name] = call(func() error { return r.HealthCheck(ctx) })
	}
	return result
}

// State returns the state of a plugin by name.
func (m *Manager) State(name string) (plugin.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.plugins[name]
	if !ok {
		return 0, kerrors.NewNotFound("plugin", name)
	}
	return e.desc.State, nil
}

// States returns a snapshot of all plugin states.
func (m *Manager) States() map[string]plugin.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]plugin.State, len(m.plugins))
	for name, e := range m.plugins {
		result[name] = e.desc.State
	}
	return result
}

// Descriptors returns every plugin's descriptor in registration order.
func (m *Manager) Descriptors() []plugin.Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]plugin.Descriptor, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.plugins[name].desc)
	}
	return out
}

// Plugin returns the registered plugin instance.
func (m *Manager) Plugin(name string) (plugin.Plugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.plugins[name]
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// BootOrder returns the topological order used during boot.
func (m *Manager) BootOrder() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.bootOrder...)
}

// CleanupErrors returns the failures met while rolling back a failed boot.
func (m *Manager) CleanupErrors() []*kerrors.AppError {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*kerrors.AppError(nil), m.cleanup.Errors()...)
}

// --- Internal ---

// resolveLocked builds the dependency graph (edge dependency -> dependent)
// and returns its topological order. Ties keep registration order.
func (m *Manager) resolveLocked() ([]string, error) {
	g := graph.New()
	for _, name := range m.order {
		g.AddNode(name)
	}
	for _, name := range m.order {
		e := m.plugins[name]
		for _, dep := range e.desc.Dependencies {
			target, ok := m.plugins[dep.Name]
			if !ok {
				return nil, kerrors.NewUnresolvedDependency(name, dep.Name)
			}
			satisfied, err := dep.Satisfies(target.desc.Version)
			if err != nil {
				return nil, err
			}
			if !satisfied {
				return nil, kerrors.NewVersionMismatch(name, dep.Name, dep.Range, target.desc.Version)
			}
			if err := g.AddEdge(dep.Name, name); err != nil {
				return nil, err
			}
		}
	}
	return g.TopologicalOrder()
}

// abort marks name Failed, stops every started plugin in reverse order and
// then rolls the boot back: plugins installed during this boot are
// uninstalled in reverse boot order and every handle is released, so the
// manager can be booted again. Cleanup failures are recorded, never
// returned; the caller gets cause.
func (m *Manager) abort(ctx context.Context, name, phase string, cause error) error {
	m.mu.Lock()
	e := m.plugins[name]
	e.desc.State = plugin.StateFailed
	e.desc.Error = cause.Error()
	desc := e.desc
	m.mu.Unlock()

	m.logger.Error("plugin "+phase+" failed", logging.Plugin(name), zap.Error(cause))

	// Cleanup must run even when ctx is what failed.
	cleanupCtx := context.WithoutCancel(ctx)
	chain := kerrors.NewErrorChain()
	for _, started := range m.startedReversed() {
		chain.Add(m.stop(cleanupCtx, started))
	}
	if err := e.handle.Release(cleanupCtx); err != nil {
		m.logger.Warn("releasing failed plugin", logging.Plugin(name), zap.Error(err))
		chain.Add(err)
	}
	m.emit(cleanupCtx, hooks.PluginFailed, desc, phase, cause)

	for _, other := range m.installedReversed(name) {
		m.rollback(cleanupCtx, other, chain)
	}

	m.mu.Lock()
	for _, other := range m.bootOrder {
		if oe := m.plugins[other]; oe.desc.State == plugin.StateResolved {
			oe.desc.State = plugin.StateRegistered
			oe.handle = nil
		}
	}
	e.handle = nil
	m.started = nil
	m.booted = false
	m.cleanup = chain
	m.mu.Unlock()

	errType := kerrors.TypeOf(cause)
	if errType == kerrors.ErrorTypeUnknown {
		errType = kerrors.ErrorTypeInternal
	}
	return kerrors.Wrap(cause, errType, fmt.Sprintf("plugin %s %s failed", name, phase)).
		WithDetail("plugin", name).
		WithDetail("phase", phase)
}

// installedReversed lists, in reverse boot order, the plugins other than
// failed that got through Install during the current boot.
func (m *Manager) installedReversed(failed string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for i := len(m.bootOrder) - 1; i >= 0; i-- {
		name := m.bootOrder[i]
		if name == failed {
			continue
		}
		switch m.plugins[name].desc.State {
		case plugin.StateInstalled, plugin.StateStopped:
			out = append(out, name)
		}
	}
	return out
}

// rollback undoes one plugin's install: its Uninstaller runs, then its
// handle releases everything the plugin registered. Failures go to chain;
// the plugin returns to Registered whatever the outcome.
func (m *Manager) rollback(ctx context.Context, name string, chain *kerrors.ErrorChain) {
	e := m.entry(name)
	var errs []error
	if u, ok := e.plugin.(plugin.Uninstaller); ok {
		errs = append(errs, call(func() error { return u.Uninstall(ctx, e.handle) }))
	}
	errs = append(errs, e.handle.Release(ctx))

	m.mu.Lock()
	e.desc.State = plugin.StateRegistered
	desc := e.desc
	e.handle = nil
	m.mu.Unlock()

	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		m.logger.Warn("rolling back plugin", logging.Plugin(name), zap.Error(err))
		chain.Add(err)
		if first == nil {
			first = err
		}
	}
	m.emit(ctx, hooks.PluginUninstalled, desc, "rollback", first)
}

// stop calls Stop on a started plugin and marks it Stopped whatever the
// outcome.
func (m *Manager) stop(ctx context.Context, name string) error {
	e := m.entry(name)
	err := call(func() error { return e.plugin.Stop(ctx, e.handle) })

	m.mu.Lock()
	m.started = without(m.started, name)
	e.desc.State = plugin.StateStopped
	if err != nil {
		e.desc.Error = err.Error()
	}
	desc := e.desc
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("plugin stop failed", logging.Plugin(name), zap.Error(err))
	}
	m.emit(ctx, hooks.PluginStopped, desc, "stop", err)
	return err
}

func (m *Manager) transition(ctx context.Context, name string, state plugin.State, event string) {
	m.mu.Lock()
	e := m.plugins[name]
	e.desc.State = state
	desc := e.desc
	m.mu.Unlock()

	m.logger.Info("plugin "+state.String(), logging.Plugin(name))
	m.emit(ctx, event, desc, "", nil)
}

func (m *Manager) emit(ctx context.Context, event string, desc plugin.Descriptor, phase string, cause error) {
	payload := LifecycleEvent{
		Plugin:  desc.Name,
		Version: desc.Version,
		Kind:    desc.Kind,
		State:   desc.State,
		Phase:   phase,
	}
	if cause != nil {
		payload.Error = cause.Error()
	}
	err := m.root.Hooks.Dispatch(ctx, hooks.Event{Name: event, Source: "runtime", Payload: payload})
	if err != nil {
		m.logger.Warn("lifecycle event failed", logging.Event(event), logging.Plugin(desc.Name), zap.Error(err))
	}
}

func (m *Manager) entry(name string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plugins[name]
}

func (m *Manager) startedReversed() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.started)
	reversed := make([]string, n)
	for i, v := range m.started {
		reversed[n-1-i] = v
	}
	return reversed
}

// call runs a plugin callback, converting a panic into an error.
func call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = kerrors.Recover(r)
		}
	}()
	return fn()
}

func without(s []string, name string) []string {
	out := s[:0:0]
	for _, v := range s {
		if v != name {
			out = append(out, v)
		}
	}
	return out
}
