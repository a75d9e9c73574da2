// Package admin exposes the kernel over HTTP: plugin and metadata
// introspection, ad hoc queries and metrics. It counts query traffic through
// the beforeQuery and afterQuery hooks.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/hooks"
	"github.com/leeforge/kernel/metrics"
	"github.com/leeforge/kernel/plugin"
	"github.com/leeforge/kernel/registry"
)

const (
	Name    = "admin"
	Version = "1.0.0"
)

const readHeaderTimeout = 5 * time.Second

// Settings is read from the plugin's configuration entry.
type Settings struct {
	// Addr is the listen address. Empty serves only through Handler.
	Addr string `json:"addr"`
	// MaxBodyBytes caps POST /query bodies.
	MaxBodyBytes int64 `json:"maxBodyBytes" default:"1048576" validate:"gt=0"`
}

// Inventory lists the plugins the kernel manages.
type Inventory interface {
	Descriptors() []plugin.Descriptor
}

// Traffic counts queries seen by the hook pipeline.
type Traffic struct {
	Started   int64            `json:"started"`
	Completed int64            `json:"completed"`
	Rows      int64            `json:"rows"`
	Objects   map[string]int64 `json:"objects"`
}

// Plugin serves the admin routes.
type Plugin struct {
	plugin.Base
	settings Settings
	logger   *zap.Logger

	registry  *registry.Registry
	queries   plugin.QueryRunner
	inventory Inventory
	metrics   *metrics.Collector
	router    chi.Router

	started   atomic.Int64
	completed atomic.Int64
	rows      atomic.Int64
	mu        sync.Mutex
	objects   map[string]int64

	server *http.Server
	addr   net.Addr
	done   chan error
}

var _ plugin.HealthReporter = (*Plugin)(nil)

// New creates the plugin.
func New() *Plugin {
	return &Plugin{logger: zap.NewNop(), objects: make(map[string]int64)}
}

func (p *Plugin) Name() string        { return Name }
func (p *Plugin) Version() string     { return Version }
func (p *Plugin) Kind() plugin.Kind   { return plugin.KindProtocol }
func (p *Plugin) Description() string { return "HTTP introspection and query endpoint" }

// Install binds the settings, looks up the kernel services, subscribes to
// query events and builds the router. The plugin inventory and metrics
// collector are optional; their routes answer 503 without them.
func (p *Plugin) Install(ctx context.Context, h *plugin.Handle) error {
	if err := h.Config.Bind(&p.settings); err != nil {
		return err
	}
	if h.Queries == nil {
		return kerrors.NewInvalid("admin: the handle has no query runner")
	}
	p.logger = h.Logger.Named("admin")
	p.registry = h.Registry
	p.queries = h.Queries
	if inv, err := plugin.Resolve[Inventory](h.Services, plugin.ServiceRuntime); err == nil {
		p.inventory = inv
	}
	if c, err := plugin.Resolve[*metrics.Collector](h.Services, plugin.ServiceMetrics); err == nil {
		p.metrics = c
	}

	if _, err := h.Subscribe(hooks.BeforeQuery, 100, p.onBeforeQuery, hooks.Named("admin.before"), hooks.ParallelSafe()); err != nil {
		return err
	}
	if _, err := h.Subscribe(hooks.AfterQuery, 100, p.onAfterQuery, hooks.Named("admin.after"), hooks.ParallelSafe()); err != nil {
		return err
	}

	p.router = p.routes()
	return h.RegisterService("router", http.Handler(p.router))
}

// Handler returns the admin router.
func (p *Plugin) Handler() http.Handler { return p.router }

// Start listens on Settings.Addr when set.
func (p *Plugin) Start(ctx context.Context, h *plugin.Handle) error {
	if p.settings.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", p.settings.Addr)
	if err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeInternal, "listen on "+p.settings.Addr)
	}
	p.server = &http.Server{Handler: p.router, ReadHeaderTimeout: readHeaderTimeout}
	p.addr = ln.Addr()
	p.done = make(chan error, 1)
	go func() {
		err := p.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		p.done <- err
	}()
	p.logger.Info("admin listening", zap.String("addr", p.addr.String()))
	return nil
}

// Addr is the bound listen address, or nil when not listening.
func (p *Plugin) Addr() net.Addr { return p.addr }

// Stop shuts the listener down and waits for in-flight requests.
func (p *Plugin) Stop(ctx context.Context, h *plugin.Handle) error {
	if p.server == nil {
		return nil
	}
	err := p.server.Shutdown(ctx)
	if serveErr := <-p.done; err == nil {
		err = serveErr
	}
	p.server, p.addr = nil, nil
	if err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeInternal, "stop admin server")
	}
	return nil
}

// HealthCheck fails when the router was never built.
func (p *Plugin) HealthCheck(ctx context.Context) error {
	if p.router == nil {
		return kerrors.NewInternal("admin: not installed")
	}
	return nil
}

// Traffic returns the query counters.
func (p *Plugin) Traffic() Traffic {
	p.mu.Lock()
	objects := make(map[string]int64, len(p.objects))
	for k, v := range p.objects {
		objects[k] = v
	}
	p.mu.Unlock()
	return Traffic{
		Started:   p.started.Load(),
		Completed: p.completed.Load(),
		Rows:      p.rows.Load(),
		Objects:   objects,
	}
}

func (p *Plugin) onBeforeQuery(ctx context.Context, e *hooks.Event) error {
	p.started.Add(1)
	if ev, ok := e.Payload.(*hooks.QueryEvent); ok {
		p.mu.Lock()
		p.objects[ev.Object]++
		p.mu.Unlock()
	}
	return nil
}

func (p *Plugin) onAfterQuery(ctx context.Context, e *hooks.Event) error {
	p.completed.Add(1)
	if ev, ok := e.Payload.(*hooks.QueryEvent); ok {
		p.rows.Add(int64(ev.Rows))
	}
	return nil
}
