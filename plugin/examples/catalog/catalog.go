// Package catalog is an example schema plugin. It registers a small task
// tracker model, User and Task, and can seed it with sample rows once every
// plugin has been installed.
package catalog

import (
	"context"

	"go.uber.org/zap"

	"github.com/leeforge/kernel/compiler"
	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/plugin"
	"github.com/leeforge/kernel/registry"
)

const (
	Name    = "catalog"
	Version = "1.2.0"
)

// Settings is read from the plugin's configuration entry.
type Settings struct {
	// Datasource the objects live on.
	Datasource string `json:"datasource" default:"memory" validate:"required"`
	// Seed inserts the sample rows at start.
	Seed bool `json:"seed"`
}

// Plugin registers the catalog objects.
type Plugin struct {
	plugin.Base
	settings Settings
	logger   *zap.Logger
}

// New creates the plugin. Configuration is bound at install.
func New() *Plugin { return &Plugin{} }

func (p *Plugin) Name() string        { return Name }
func (p *Plugin) Version() string     { return Version }
func (p *Plugin) Kind() plugin.Kind   { return plugin.KindSchema }
func (p *Plugin) Description() string { return "task tracker example schema" }

// Settings returns the bound settings.
func (p *Plugin) Settings() Settings { return p.settings }

// Objects returns the catalog schema for datasource.
func Objects(datasource string) map[string]registry.ObjectSchema {
	return map[string]registry.ObjectSchema{
		"User": {
			Datasource: datasource,
			Fields: []registry.FieldSchema{
				{Name: "id", Type: "string", Unique: true},
				{Name: "email", Type: "string", Required: true, Unique: true},
				{Name: "name", Type: "string", Required: true},
			},
			Indexes: []registry.IndexSchema{
				{Name: "users_email", Fields: []string{"email"}, Unique: true},
			},
			Relations: []registry.RelationSchema{
				{Name: "tasks", Target: "Task", Cardinality: registry.Many, ForeignField: "owner_id", OnDelete: registry.Cascade},
			},
		},
		"Task": {
			Datasource: datasource,
			Fields: []registry.FieldSchema{
				{Name: "id", Type: "string", Unique: true},
				{Name: "owner_id", Type: "string"},
				{Name: "title", Type: "string", Required: true},
				{Name: "status", Type: "string"},
				{Name: "points", Type: "int"},
			},
			Indexes: []registry.IndexSchema{
				{Name: "tasks_owner", Fields: []string{"owner_id"}},
				{Name: "tasks_status_points", Fields: []string{"status", "points"}},
			},
			Relations: []registry.RelationSchema{
				{Name: "owner", Target: "User", Cardinality: registry.One},
			},
		},
	}
}

// Install binds the settings and registers User and Task.
func (p *Plugin) Install(ctx context.Context, h *plugin.Handle) error {
	if err := h.Config.Bind(&p.settings); err != nil {
		return err
	}
	p.logger = h.Logger.Named("catalog")

	objects := Objects(p.settings.Datasource)
	for _, name := range []string{"User", "Task"} {
		if err := h.RegisterObject(name, objects[name]); err != nil {
			return err
		}
	}
	p.logger.Info("catalog registered", zap.String("datasource", p.settings.Datasource))
	return nil
}

// Start seeds the sample rows when configured to.
func (p *Plugin) Start(ctx context.Context, h *plugin.Handle) error {
	if !p.settings.Seed {
		return nil
	}
	if h.Queries == nil {
		return kerrors.NewInvalid("catalog: seeding needs a query runner")
	}
	for _, m := range SampleRows() {
		if _, err := h.Queries.Mutate(ctx, m); err != nil {
			return kerrors.Wrap(err, kerrors.TypeOf(err), "seed "+m.Object)
		}
	}
	p.logger.Info("catalog seeded", zap.Int("rows", len(SampleRows())))
	return nil
}

// SampleRows are the inserts Start runs when seeding.
func SampleRows() []compiler.Mutation {
	insert := func(object string, values map[string]any) compiler.Mutation {
		return compiler.Mutation{Kind: compiler.MutationInsert, Object: object, Values: values}
	}
	return []compiler.Mutation{
		insert("User", map[string]any{"id": "u1", "email": "ada@example.com", "name": "Ada"}),
		insert("User", map[string]any{"id": "u2", "email": "linus@example.com", "name": "Linus"}),
		insert("Task", map[string]any{"id": "t1", "owner_id": "u1", "title": "Write planner", "status": "open", "points": 5}),
		insert("Task", map[string]any{"id": "t2", "owner_id": "u1", "title": "Review pool", "status": "done", "points": 3}),
		insert("Task", map[string]any{"id": "t3", "owner_id": "u2", "title": "Ship driver", "status": "open", "points": 8}),
	}
}
