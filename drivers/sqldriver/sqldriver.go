// Package sqldriver executes plans against a database/sql database. Plans
// are rendered as parameterized statements; filtering, joining and
// cascading happen in the database.
package sqldriver

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/leeforge/kernel/compiler"
	"github.com/leeforge/kernel/config"
	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/logging"
	"github.com/leeforge/kernel/plugin"
	"github.com/leeforge/kernel/pool"
)

const Version = "1.0.0"

// Config configures one SQL datasource. When DB is nil the database is
// opened from DriverName and DSN at install; the database/sql driver must
// be linked into the binary.
type Config struct {
	ID          string
	DriverName  string
	DSN         string
	Placeholder string
	MaxConns    int
	DB          *sql.DB
}

// Plugin owns the database handle.
type Plugin struct {
	plugin.Base
	config Config
	driver *Driver
	owned  bool
}

var _ plugin.HealthReporter = (*Plugin)(nil)

// New creates the plugin.
func New(config Config) *Plugin {
	if config.ID == "" {
		config.ID = "sql"
	}
	if config.Placeholder == "" {
		config.Placeholder = Dollar
	}
	return &Plugin{config: config, driver: &Driver{id: config.ID, style: config.Placeholder, db: config.DB, logger: zap.NewNop()}}
}

// FromConfig builds the plugin for a configured datasource.
func FromConfig(id string, cfg config.DriverConfig) (plugin.Plugin, error) {
	if cfg.Type != "sql" {
		return nil, kerrors.NewInvalid("sqldriver: datasource %q has type %q", id, cfg.Type)
	}
	if cfg.DriverName == "" || cfg.DSN == "" {
		return nil, kerrors.NewInvalid("sqldriver: datasource %q needs driver-name and dsn", id)
	}
	return New(Config{ID: id, DriverName: cfg.DriverName, DSN: cfg.DSN, Placeholder: cfg.Placeholder, MaxConns: cfg.MaxConns}), nil
}

func (p *Plugin) Name() string        { return "sqldriver." + p.config.ID }
func (p *Plugin) Version() string     { return Version }
func (p *Plugin) Kind() plugin.Kind   { return plugin.KindDriver }
func (p *Plugin) Description() string { return "sql datasource " + p.config.ID }

// Driver returns the datasource.
func (p *Plugin) Driver() *Driver { return p.driver }

// Install opens the database if needed, pings it and registers the
// datasource.
func (p *Plugin) Install(ctx context.Context, h *plugin.Handle) error {
	switch p.config.Placeholder {
	case Dollar, Question:
	default:
		return kerrors.NewInvalid("sqldriver: unknown placeholder style %q", p.config.Placeholder)
	}
	if p.driver.db == nil {
		db, err := sql.Open(p.config.DriverName, p.config.DSN)
		if err != nil {
			return kerrors.Wrap(err, kerrors.ErrorTypeInvalid, "open "+p.config.DriverName)
		}
		p.driver.db, p.owned = db, true
	}
	if err := p.driver.db.PingContext(ctx); err != nil {
		p.closeOwned()
		return kerrors.Wrap(err, kerrors.ErrorTypeInternal, "ping "+p.config.ID)
	}
	p.driver.schema = h.Registry
	p.driver.logger = h.Logger.Named("sqldriver")
	if err := h.RegisterDriver(p.config.ID, p.driver, p.config.MaxConns); err != nil {
		p.closeOwned()
		return err
	}
	return nil
}

// HealthCheck pings the database.
func (p *Plugin) HealthCheck(ctx context.Context) error {
	if p.driver.db == nil {
		return kerrors.NewPoolClosed(p.config.ID)
	}
	if err := p.driver.db.PingContext(ctx); err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeInternal, "ping "+p.config.ID)
	}
	return nil
}

// Uninstall closes a database the plugin opened itself.
func (p *Plugin) Uninstall(ctx context.Context, h *plugin.Handle) error {
	return p.closeOwned()
}

func (p *Plugin) closeOwned() error {
	if !p.owned || p.driver.db == nil {
		return nil
	}
	err := p.driver.db.Close()
	p.driver.db, p.owned = nil, false
	if err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeInternal, "close "+p.config.ID)
	}
	return nil
}

// Driver implements plugin.Driver. Each pooled connection is a *sql.Conn.
type Driver struct {
	id     string
	style  string
	db     *sql.DB
	schema compiler.SchemaView
	logger *zap.Logger
}

var _ plugin.Driver = (*Driver)(nil)

func (d *Driver) OpenConnection(ctx context.Context) (any, error) {
	if d.db == nil {
		return nil, kerrors.NewPoolClosed(d.id)
	}
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "open sql connection")
	}
	return conn, nil
}

func (d *Driver) CloseConnection(conn any) error {
	c, ok := conn.(*sql.Conn)
	if !ok {
		return kerrors.NewInvalidHandle(fmt.Sprintf("%T", conn))
	}
	if err := c.Close(); err != nil && err != sql.ErrConnDone {
		return kerrors.Wrap(err, kerrors.ErrorTypeInternal, "close sql connection")
	}
	return nil
}

func connOf(conn *pool.Conn) (*sql.Conn, error) {
	if conn == nil {
		return nil, kerrors.NewInvalidHandle("<nil>")
	}
	c, ok := conn.Handle().(*sql.Conn)
	if !ok {
		return nil, kerrors.NewInvalidHandle(conn.ID())
	}
	return c, nil
}

// Execute renders plan as a SELECT and scans every row into a map keyed by
// column name. Byte slices are returned as strings.
func (d *Driver) Execute(ctx context.Context, conn *pool.Conn, plan *compiler.Plan, params map[string]any) ([]plugin.Row, error) {
	c, err := connOf(conn)
	if err != nil {
		return nil, err
	}
	stmt, err := RenderQuery(d.style, plan, params, d.schema)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("query", logging.Object(plan.Object), zap.String("sql", stmt.SQL))

	rows, err := c.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "query "+plan.Object)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "scan "+plan.Object)
	}
	return out, nil
}

func scanRows(rows *sql.Rows) ([]plugin.Row, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := make([]plugin.Row, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(plugin.Row, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Apply renders and executes a mutation. Cascading deletes run in one
// transaction.
func (d *Driver) Apply(ctx context.Context, conn *pool.Conn, m *compiler.Mutation) (int64, error) {
	c, err := connOf(conn)
	if err != nil {
		return 0, err
	}

	var stmts []Statement
	switch m.Kind {
	case compiler.MutationInsert:
		stmts = []Statement{RenderInsert(d.style, m)}
	case compiler.MutationUpdate:
		stmt, err := RenderUpdate(d.style, m)
		if err != nil {
			return 0, err
		}
		stmts = []Statement{stmt}
	case compiler.MutationDelete:
		stmts, err = RenderDelete(d.style, m, d.schema)
		if err != nil {
			return 0, err
		}
	default:
		return 0, kerrors.NewPlanningError("unsupported mutation kind %q", m.Kind)
	}

	if len(stmts) == 1 {
		return d.exec(ctx, c, m.Object, stmts[0])
	}

	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return 0, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "begin "+m.Object)
	}
	var total int64
	for _, stmt := range stmts {
		n, err := d.exec(ctx, tx, m.Object, stmt)
		if err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "commit "+m.Object)
	}
	return total, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (d *Driver) exec(ctx context.Context, e execer, object string, stmt Statement) (int64, error) {
	d.logger.Debug("exec", logging.Object(object), zap.String("sql", stmt.SQL))
	res, err := e.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "exec "+object)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "rows affected "+object)
	}
	return n, nil
}
