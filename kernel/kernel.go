// Package kernel composes the registry, hook pipeline, compiler, pool and
// plugin manager into one runtime and routes queries and mutations through
// them.
package kernel

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/leeforge/kernel/compiler"
	"github.com/leeforge/kernel/config"
	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/hooks"
	"github.com/leeforge/kernel/logging"
	"github.com/leeforge/kernel/metrics"
	"github.com/leeforge/kernel/plugin"
	"github.com/leeforge/kernel/pool"
	"github.com/leeforge/kernel/registry"
	"github.com/leeforge/kernel/runtime"
	"github.com/leeforge/kernel/tracing"
)

// Config configures a Kernel.
type Config struct {
	// Settings is the loaded configuration. Nil uses config.Default().
	Settings *config.KernelConfig
	Logger   *zap.Logger

	// TracerProvider overrides the provider built from Settings.Tracing.
	TracerProvider trace.TracerProvider

	// Metrics receives kernel metrics. Nil creates a collector.
	Metrics *metrics.Collector

	// DriverFactories builds driver plugins for Settings.Drivers, keyed by
	// driver type. Nil uses DefaultDriverFactories().
	DriverFactories map[string]DriverFactory
}

// Kernel is safe for concurrent use once started.
type Kernel struct {
	settings *config.KernelConfig
	logger   *zap.Logger

	registry *registry.Registry
	hooks    *hooks.Pipeline
	compiler *compiler.Compiler
	pool     *pool.Pool
	drivers  *plugin.DriverTable
	services *plugin.ServiceRegistry
	root     *plugin.Handle
	manager  *runtime.Manager
	metrics  *metrics.Collector

	tracer   trace.Tracer
	provider *tracing.Provider // owned, nil when the caller supplied one
}

var _ plugin.QueryRunner = (*Kernel)(nil)

// New builds a kernel and registers a driver plugin for every configured
// datasource, in id order.
func New(cfg Config) (*Kernel, error) {
	settings := cfg.Settings
	if settings == nil {
		settings = config.Default()
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	logger := logging.OrNop(cfg.Logger)
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewCollector()
	}

	k := &Kernel{
		settings: settings,
		logger:   logger.Named("kernel"),
		metrics:  collector,
	}

	tp := cfg.TracerProvider
	if tp == nil {
		provider, err := tracing.NewProvider(settings.Tracing)
		if err != nil {
			return nil, err
		}
		k.provider = provider
		tp = provider.TracerProvider()
	}
	k.tracer = tracing.Tracer(tp)

	k.registry = registry.New(registry.Config{Logger: logger})
	k.hooks = hooks.New(hooks.Config{
		Logger: logger,
		OnFailure: func(event, handler string, err error) {
			collector.RecordHookFailure(event, handler)
		},
	})
	k.compiler = compiler.New(compiler.Config{
		CacheCapacity: settings.Compiler.CacheCapacity,
		Logger:        logger,
		OnLookup:      collector.RecordPlanCache,
	})
	k.pool = pool.New(pool.Config{
		MaxTotal:       settings.Pool.MaxTotal,
		MaxPerDriver:   settings.Pool.MaxPerDriver,
		AcquireTimeout: settings.Pool.AcquireTimeout,
		Logger:         logger,
		OnWait:         collector.RecordPoolWait,
	})
	k.drivers = plugin.NewDriverTable()
	k.services = plugin.NewServiceRegistry()
	k.root = plugin.NewHandle(plugin.HandleConfig{
		Registry: k.registry,
		Hooks:    k.hooks,
		Compiler: k.compiler,
		Pool:     k.pool,
		Drivers:  k.drivers,
		Services: k.services,
		Logger:   logger,
		Queries:  k,
	})
	k.manager = runtime.NewManager(runtime.Config{
		Handle:  k.root,
		Logger:  logger,
		Plugins: settings.PluginProviders(),
	})

	if err := k.services.Register(plugin.ServiceMetrics, collector); err != nil {
		return nil, err
	}
	if err := k.services.Register(plugin.ServiceRuntime, k.manager); err != nil {
		return nil, err
	}

	factories := cfg.DriverFactories
	if factories == nil {
		factories = DefaultDriverFactories()
	}
	if err := k.registerDrivers(factories); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Kernel) registerDrivers(factories map[string]DriverFactory) error {
	ids := make([]string, 0, len(k.settings.Drivers))
	for id := range k.settings.Drivers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		dc := k.settings.Drivers[id]
		factory, ok := factories[dc.Type]
		if !ok {
			return kerrors.NewInvalid("no driver factory for datasource %q of type %q", id, dc.Type)
		}
		p, err := factory(id, dc)
		if err != nil {
			return err
		}
		if err := k.manager.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Use registers plugins. It must be called before Start.
func (k *Kernel) Use(plugins ...plugin.Plugin) error {
	for _, p := range plugins {
		if err := k.manager.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Start installs and starts every registered plugin.
func (k *Kernel) Start(ctx context.Context) error {
	if err := k.manager.Boot(ctx); err != nil {
		return err
	}
	k.logger.Info("kernel started",
		logging.BootOrder(k.manager.BootOrder()),
		zap.Strings("drivers", k.drivers.IDs()),
	)
	return nil
}

// Shutdown stops the plugins, then closes the pool and flushes spans.
func (k *Kernel) Shutdown(ctx context.Context) error {
	chain := kerrors.NewErrorChain()
	chain.Add(k.manager.Shutdown(ctx))
	chain.Add(k.pool.Close(ctx))
	if k.provider != nil {
		chain.Add(k.provider.Shutdown(ctx))
	}
	k.logger.Info("kernel stopped")
	return chain.Err()
}

// Health returns the HealthCheck result of every started plugin that
// reports health. A nil value is healthy.
func (k *Kernel) Health(ctx context.Context) map[string]error {
	return k.manager.Health(ctx)
}

// CollectStats copies pool and plan cache state into the metrics collector.
func (k *Kernel) CollectStats() {
	k.metrics.SetPoolStats(k.pool.Stats())
	k.metrics.SetPlanCacheStats(k.compiler.Stats().Cache)
}

func (k *Kernel) Settings() *config.KernelConfig    { return k.settings }
func (k *Kernel) Registry() *registry.Registry      { return k.registry }
func (k *Kernel) Hooks() *hooks.Pipeline            { return k.hooks }
func (k *Kernel) Compiler() *compiler.Compiler      { return k.compiler }
func (k *Kernel) Pool() *pool.Pool                  { return k.pool }
func (k *Kernel) Drivers() *plugin.DriverTable      { return k.drivers }
func (k *Kernel) Services() *plugin.ServiceRegistry { return k.services }
func (k *Kernel) Manager() *runtime.Manager         { return k.manager }
func (k *Kernel) Metrics() *metrics.Collector       { return k.metrics }
func (k *Kernel) Handle() *plugin.Handle            { return k.root }
