// Package memdriver is an in-process datasource. Rows live in memory, keyed
// by object name, and plans are evaluated row by row including joins and
// cascading deletes.
package memdriver

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leeforge/kernel/compiler"
	"github.com/leeforge/kernel/config"
	"github.com/leeforge/kernel/drivers/eval"
	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/logging"
	"github.com/leeforge/kernel/plugin"
	"github.com/leeforge/kernel/pool"
	"github.com/leeforge/kernel/registry"
)

// Version of the driver plugin.
const Version = "1.0.0"

// Config configures one in-memory datasource.
type Config struct {
	// ID is the datasource id objects refer to. Defaults to "memory".
	ID string
	// MaxConns caps pooled sessions. 0 uses the pool default.
	MaxConns int
	// Seed rows, keyed by object name.
	Seed map[string][]plugin.Row
}

// Plugin registers the datasource at install.
type Plugin struct {
	plugin.Base
	config Config
	driver *Driver
}

var _ plugin.HealthReporter = (*Plugin)(nil)

// New creates the plugin.
func New(config Config) *Plugin {
	if config.ID == "" {
		config.ID = "memory"
	}
	d := &Driver{id: config.ID, tables: make(map[string][]plugin.Row), logger: zap.NewNop()}
	for object, rows := range config.Seed {
		for _, row := range rows {
			d.tables[object] = append(d.tables[object], eval.Project(row, nil))
		}
	}
	return &Plugin{config: config, driver: d}
}

// FromConfig builds the plugin for a configured datasource.
func FromConfig(id string, cfg config.DriverConfig) (plugin.Plugin, error) {
	if cfg.Type != "memory" {
		return nil, kerrors.NewInvalid("memdriver: datasource %q has type %q", id, cfg.Type)
	}
	return New(Config{ID: id, MaxConns: cfg.MaxConns}), nil
}

func (p *Plugin) Name() string        { return "memdriver." + p.config.ID }
func (p *Plugin) Version() string     { return Version }
func (p *Plugin) Kind() plugin.Kind   { return plugin.KindDriver }
func (p *Plugin) Description() string { return "in-memory datasource " + p.config.ID }

// Driver returns the datasource.
func (p *Plugin) Driver() *Driver { return p.driver }

// Install registers the datasource with the pool and keeps the schema for
// join and cascade resolution.
func (p *Plugin) Install(ctx context.Context, h *plugin.Handle) error {
	p.driver.mu.Lock()
	p.driver.schema = h.Registry
	p.driver.logger = h.Logger.Named("memdriver")
	p.driver.mu.Unlock()
	return h.RegisterDriver(p.config.ID, p.driver, p.config.MaxConns)
}

// HealthCheck reports whether the datasource accepts sessions.
func (p *Plugin) HealthCheck(ctx context.Context) error {
	if p.driver.closed.Load() {
		return kerrors.NewPoolClosed(p.config.ID)
	}
	return nil
}

// Stop rejects new sessions.
func (p *Plugin) Stop(ctx context.Context, h *plugin.Handle) error {
	p.driver.closed.Store(true)
	return nil
}

// Driver holds the tables. It implements plugin.Driver.
type Driver struct {
	id     string
	mu     sync.RWMutex
	tables map[string][]plugin.Row
	schema compiler.SchemaView
	logger *zap.Logger

	closed atomic.Bool
	opened atomic.Int64
	live   atomic.Int64
}

var _ plugin.Driver = (*Driver)(nil)

type session struct {
	id string
}

// OpenConnection opens a session.
func (d *Driver) OpenConnection(ctx context.Context) (any, error) {
	if d.closed.Load() {
		return nil, kerrors.NewPoolClosed(d.id)
	}
	if err := ctx.Err(); err != nil {
		return nil, kerrors.NewCanceled("open session", err)
	}
	d.opened.Add(1)
	d.live.Add(1)
	return &session{id: uuid.NewString()}, nil
}

// CloseConnection closes a session.
func (d *Driver) CloseConnection(conn any) error {
	if _, ok := conn.(*session); !ok {
		return kerrors.NewInvalidHandle("memdriver session")
	}
	d.live.Add(-1)
	return nil
}

// Sessions reports sessions opened in total and currently open.
func (d *Driver) Sessions() (opened, live int64) {
	return d.opened.Load(), d.live.Load()
}

// Rows returns a copy of object's rows.
func (d *Driver) Rows(object string) []plugin.Row {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]plugin.Row, 0, len(d.tables[object]))
	for _, row := range d.tables[object] {
		out = append(out, eval.Project(row, nil))
	}
	return out
}

func checkConn(conn *pool.Conn) error {
	if conn == nil {
		return kerrors.NewInvalidHandle("<nil>")
	}
	if _, ok := conn.Handle().(*session); !ok {
		return kerrors.NewInvalidHandle(conn.ID())
	}
	return nil
}

// Execute evaluates plan against the stored rows.
func (d *Driver) Execute(ctx context.Context, conn *pool.Conn, plan *compiler.Plan, params map[string]any) ([]plugin.Row, error) {
	if err := checkConn(conn); err != nil {
		return nil, err
	}
	conds, err := eval.Bind(plan.Filters, params)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	joins, err := d.joinsLocked(plan)
	if err != nil {
		return nil, err
	}

	out := make([]plugin.Row, 0)
	for _, row := range d.tables[plan.Object] {
		if err := ctx.Err(); err != nil {
			return nil, kerrors.NewCanceled("scan "+plan.Object, err)
		}
		ok, err := eval.Matches(row, conds)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		related, ok, err := d.relatedLocked(row, joins, conds)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, shape(row, related, joins, plan.Projection))
		if plan.Limit > 0 && len(out) == plan.Limit {
			break
		}
	}
	d.logger.Debug("plan executed",
		logging.Object(plan.Object),
		logging.Fingerprint(plan.Fingerprint),
		zap.Int("rows", len(out)),
	)
	return out, nil
}

type join struct {
	step     compiler.JoinStep
	relation registry.RelationSchema
}

func (d *Driver) joinsLocked(plan *compiler.Plan) ([]join, error) {
	if len(plan.JoinOrder) == 0 {
		return nil, nil
	}
	if d.schema == nil {
		return nil, kerrors.NewPlanningError("memdriver %s: joins need a schema", d.id)
	}
	root, ok := d.schema.Object(plan.Object)
	if !ok {
		return nil, kerrors.NewPlanningError("unknown object %q", plan.Object)
	}
	out := make([]join, 0, len(plan.JoinOrder))
	for _, step := range plan.JoinOrder {
		rel, ok := root.Relation(step.Relation)
		if !ok {
			return nil, kerrors.NewPlanningError("object %q has no relation %q", plan.Object, step.Relation)
		}
		out = append(out, join{step: step, relation: rel})
	}
	return out, nil
}

// relatedLocked collects the target rows of each join that satisfy the
// join's filters. ok is false when an inner join found nothing.
func (d *Driver) relatedLocked(row plugin.Row, joins []join, conds []eval.Condition) (map[string][]plugin.Row, bool, error) {
	if len(joins) == 0 {
		return nil, true, nil
	}
	related := make(map[string][]plugin.Row, len(joins))
	for _, j := range joins {
		prefix := j.step.Relation + "."
		var own []eval.Condition
		for _, c := range conds {
			if field, ok := strings.CutPrefix(c.Field, prefix); ok {
				own = append(own, eval.Condition{Field: field, Op: c.Op, Arg: c.Arg})
			}
		}
		var matched []plugin.Row
		for _, target := range d.tables[j.step.Target] {
			if !linked(row, target, j.relation) {
				continue
			}
			ok, err := eval.Matches(target, own)
			if err != nil {
				return nil, false, err
			}
			if ok {
				matched = append(matched, target)
			}
		}
		if len(matched) == 0 && (j.step.Kind == compiler.JoinInner || len(own) > 0) {
			return nil, false, nil
		}
		related[j.step.Relation] = matched
	}
	return related, true, nil
}

// linked reports whether target belongs to owner through rel. A relation
// with a foreign field links target[ForeignField] to owner["id"]; one
// without links owner[<relation>_id] to target["id"].
func linked(owner, target plugin.Row, rel registry.RelationSchema) bool {
	if rel.ForeignField != "" {
		return owner["id"] != nil && eval.Equal(target[rel.ForeignField], owner["id"])
	}
	ref := owner[rel.Name+"_id"]
	return ref != nil && eval.Equal(ref, target["id"])
}

// shape builds the result row. Without a projection every root field is
// returned and each joined relation is nested under its name.
func shape(row plugin.Row, related map[string][]plugin.Row, joins []join, projection []string) plugin.Row {
	if len(projection) == 0 {
		out := eval.Project(row, nil)
		for _, j := range joins {
			rows := related[j.step.Relation]
			if j.step.Cardinality == registry.One {
				if len(rows) > 0 {
					out[j.step.Relation] = eval.Project(rows[0], nil)
				} else {
					out[j.step.Relation] = nil
				}
				continue
			}
			nested := make([]plugin.Row, 0, len(rows))
			for _, r := range rows {
				nested = append(nested, eval.Project(r, nil))
			}
			out[j.step.Relation] = nested
		}
		return out
	}

	cardinality := make(map[string]registry.Cardinality, len(joins))
	for _, j := range joins {
		cardinality[j.step.Relation] = j.step.Cardinality
	}
	out := make(plugin.Row, len(projection))
	for _, path := range projection {
		rel, field, dotted := strings.Cut(path, ".")
		if !dotted {
			out[path] = row[path]
			continue
		}
		rows := related[rel]
		if cardinality[rel] == registry.One {
			if len(rows) > 0 {
				out[path] = rows[0][field]
			} else {
				out[path] = nil
			}
			continue
		}
		values := make([]any, 0, len(rows))
		for _, r := range rows {
			values = append(values, r[field])
		}
		out[path] = values
	}
	return out
}
