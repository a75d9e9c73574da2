package plugin

import (
	"context"

	"github.com/leeforge/kernel/compiler"
	"github.com/leeforge/kernel/pool"
)

// Kind classifies what a plugin contributes to the kernel.
type Kind string

const (
	KindSchema   Kind = "schema"   // registers objects, fields, actions, views
	KindDriver   Kind = "driver"   // registers a datasource driver
	KindProtocol Kind = "protocol" // exposes the kernel over a transport
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSchema, KindDriver, KindProtocol:
		return true
	}
	return false
}

// Dependency names another plugin and the semver range its version must
// satisfy. An empty Range accepts any version.
type Dependency struct {
	Name  string `json:"name" validate:"required"`
	Range string `json:"range,omitempty"`
}

// Plugin is the contract every plugin implements.
//
// Install registers metadata and drivers, Start begins serving, Stop
// releases runtime resources. The manager calls them in dependency order:
// a plugin is never started before every dependency has started.
type Plugin interface {
	Name() string
	Version() string
	Kind() Kind
	Dependencies() []Dependency
	Install(ctx context.Context, h *Handle) error
	Start(ctx context.Context, h *Handle) error
	Stop(ctx context.Context, h *Handle) error
}

// Uninstaller is implemented by plugins that need cleanup beyond removal of
// their registered metadata.
type Uninstaller interface {
	Uninstall(ctx context.Context, h *Handle) error
}

// HealthReporter is implemented by plugins that can report their health.
type HealthReporter interface {
	HealthCheck(ctx context.Context) error
}

// Describer is implemented by plugins that carry a human readable summary.
type Describer interface {
	Description() string
}

// Row is one record returned by a driver.
type Row = map[string]any

// Driver executes compiled plans against a datasource. Connections come
// from the kernel pool; the driver never keeps them past a call.
type Driver interface {
	pool.Driver
	Execute(ctx context.Context, conn *pool.Conn, plan *compiler.Plan, params map[string]any) ([]Row, error)
	Apply(ctx context.Context, conn *pool.Conn, mutation *compiler.Mutation) (int64, error)
}

// Base supplies no-op Dependencies, Start and Stop so simple plugins only
// implement what they use.
type Base struct{}

func (Base) Dependencies() []Dependency           { return nil }
func (Base) Start(context.Context, *Handle) error { return nil }
func (Base) Stop(context.Context, *Handle) error  { return nil }
