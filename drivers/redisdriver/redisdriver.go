// Package redisdriver stores rows as redis hashes. Each row lives at
// <object>:<id> and the ids of an object are kept in the set <object>:ids.
package redisdriver

import (
	"context"
	"fmt"

	redis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/leeforge/kernel/compiler"
	"github.com/leeforge/kernel/config"
	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/logging"
	"github.com/leeforge/kernel/plugin"
)

const Version = "1.0.0"

// Config configures one redis datasource.
type Config struct {
	ID       string `json:"id"`
	Addr     string `json:"addr" default:"127.0.0.1:6379"`
	Password string `json:"-"`
	DB       int    `json:"db"`
	MaxConns int    `json:"maxConns"`
}

// Plugin owns the redis client and registers the datasource at install.
type Plugin struct {
	plugin.Base
	config Config
	driver *Driver
}

var _ plugin.HealthReporter = (*Plugin)(nil)

// New creates the plugin. The client is created at install.
func New(config Config) *Plugin {
	if config.ID == "" {
		config.ID = "redis"
	}
	if config.Addr == "" {
		config.Addr = "127.0.0.1:6379"
	}
	return &Plugin{config: config, driver: &Driver{id: config.ID, logger: zap.NewNop()}}
}

// FromConfig builds the plugin for a configured datasource.
func FromConfig(id string, cfg config.DriverConfig) (plugin.Plugin, error) {
	if cfg.Type != "redis" {
		return nil, kerrors.NewInvalid("redisdriver: datasource %q has type %q", id, cfg.Type)
	}
	return New(Config{ID: id, Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB, MaxConns: cfg.MaxConns}), nil
}

func (p *Plugin) Name() string        { return "redisdriver." + p.config.ID }
func (p *Plugin) Version() string     { return Version }
func (p *Plugin) Kind() plugin.Kind   { return plugin.KindDriver }
func (p *Plugin) Description() string { return "redis datasource " + p.config.ID }

// Driver returns the datasource.
func (p *Plugin) Driver() *Driver { return p.driver }

// Install connects to redis and registers the datasource. Plugin settings
// may override the address and database.
func (p *Plugin) Install(ctx context.Context, h *plugin.Handle) error {
	cfg := p.config
	if err := h.Config.Bind(&cfg); err != nil {
		return err
	}
	cfg.ID, cfg.Password = p.config.ID, p.config.Password

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return kerrors.Wrap(err, kerrors.ErrorTypeInternal, "redis ping "+cfg.Addr)
	}

	logger := h.Logger.Named("redisdriver")
	logger.Info("redis connected", zap.String("addr", cfg.Addr), zap.Int("db", cfg.DB), zap.String("password", redactedPassword(cfg.Password)))

	p.driver.client = client
	p.driver.schema = h.Registry
	p.driver.logger = logger
	if err := h.RegisterDriver(cfg.ID, p.driver, cfg.MaxConns); err != nil {
		_ = client.Close()
		p.driver.client = nil
		return err
	}
	return nil
}

// HealthCheck pings redis.
func (p *Plugin) HealthCheck(ctx context.Context) error {
	if p.driver.client == nil {
		return kerrors.NewPoolClosed(p.config.ID)
	}
	if err := p.driver.client.Ping(ctx).Err(); err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeInternal, "redis ping")
	}
	return nil
}

// Uninstall closes the client. Pooled connections were closed when the
// datasource was unregistered.
func (p *Plugin) Uninstall(ctx context.Context, h *plugin.Handle) error {
	if p.driver.client == nil {
		return nil
	}
	err := p.driver.client.Close()
	p.driver.client = nil
	if err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeInternal, "close redis client")
	}
	return nil
}

func redactedPassword(password string) string {
	if password == "" {
		return "<empty>"
	}
	return "[REDACTED]"
}

// Driver implements plugin.Driver on top of a redis client. Each pooled
// connection is a dedicated *redis.Conn.
type Driver struct {
	id     string
	client *redis.Client
	schema compiler.SchemaView
	logger *zap.Logger
}

var _ plugin.Driver = (*Driver)(nil)

// OpenConnection takes a dedicated connection from the client and pings it.
func (d *Driver) OpenConnection(ctx context.Context) (any, error) {
	if d.client == nil {
		return nil, kerrors.NewPoolClosed(d.id)
	}
	conn := d.client.Conn(ctx)
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "open redis connection")
	}
	return conn, nil
}

// CloseConnection closes a connection opened by OpenConnection.
func (d *Driver) CloseConnection(conn any) error {
	c, ok := conn.(*redis.Conn)
	if !ok {
		return kerrors.NewInvalidHandle(fmt.Sprintf("%T", conn))
	}
	if err := c.Close(); err != nil && err != redis.ErrClosed {
		return kerrors.Wrap(err, kerrors.ErrorTypeInternal, "close redis connection")
	}
	return nil
}

func (d *Driver) debug(msg string, object string, fields ...zap.Field) {
	d.logger.Debug(msg, append([]zap.Field{logging.Driver(d.id), logging.Object(object)}, fields...)...)
}
