package config

import (
	"time"

	"go.uber.org/zap"

	"github.com/leeforge/kernel/logging"
	"github.com/leeforge/kernel/plugin"
	"github.com/leeforge/kernel/tracing"
)

// KernelConfig is everything the kernel reads at construction.
type KernelConfig struct {
	Env      Mode                    `mapstructure:"env" json:"env" yaml:"env"`
	Logging  logging.Config          `mapstructure:"logging" json:"logging" yaml:"logging"`
	Pool     PoolConfig              `mapstructure:"pool" json:"pool" yaml:"pool"`
	Compiler CompilerConfig          `mapstructure:"compiler" json:"compiler" yaml:"compiler"`
	Tracing  tracing.Config          `mapstructure:"tracing" json:"tracing" yaml:"tracing"`
	Drivers  map[string]DriverConfig `mapstructure:"drivers" json:"drivers" yaml:"drivers" validate:"dive"`
	Plugins  map[string]PluginConfig `mapstructure:"plugins" json:"plugins" yaml:"plugins"`
}

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxTotal       int           `mapstructure:"max-total" json:"maxTotal" yaml:"max-total" default:"32" validate:"gte=1"`
	MaxPerDriver   int           `mapstructure:"max-per-driver" json:"maxPerDriver" yaml:"max-per-driver" default:"8" validate:"gte=1,ltefield=MaxTotal"`
	AcquireTimeout time.Duration `mapstructure:"acquire-timeout" json:"acquireTimeout" yaml:"acquire-timeout" default:"5s" validate:"gt=0"`
}

// CompilerConfig sizes the plan cache.
type CompilerConfig struct {
	CacheCapacity int `mapstructure:"cache-capacity" json:"cacheCapacity" yaml:"cache-capacity" default:"512" validate:"gte=1"`
}

// DriverConfig describes one datasource connection.
type DriverConfig struct {
	// Type selects the driver plugin: memory, redis or sql.
	Type string `mapstructure:"type" json:"type" yaml:"type" validate:"required,oneof=memory redis sql"`

	// DSN, DriverName and Placeholder are used by sql drivers.
	DSN         string `mapstructure:"dsn" json:"dsn" yaml:"dsn"`
	DriverName  string `mapstructure:"driver-name" json:"driverName" yaml:"driver-name"`
	Placeholder string `mapstructure:"placeholder" json:"placeholder" yaml:"placeholder" validate:"omitempty,oneof=dollar question"`

	// Addr, Password and DB are used by redis drivers.
	Addr     string `mapstructure:"addr" json:"addr" yaml:"addr"`
	Password string `mapstructure:"password" json:"-" yaml:"password"`
	DB       int    `mapstructure:"db" json:"db" yaml:"db" validate:"gte=0"`

	// MaxConns caps this driver's connections. 0 uses the pool default.
	MaxConns int `mapstructure:"max-conns" json:"maxConns" yaml:"max-conns" validate:"gte=0"`
}

// PluginConfig is one plugin's entry. Plugins are enabled unless Enabled
// is explicitly false.
type PluginConfig struct {
	Enabled  *bool          `mapstructure:"enabled" json:"enabled,omitempty" yaml:"enabled"`
	Settings map[string]any `mapstructure:"settings" json:"settings,omitempty" yaml:"settings"`
}

// IsEnabled reports whether the plugin should be registered.
func (p PluginConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// PluginProviders returns one ConfigProvider per configured plugin.
func (c *KernelConfig) PluginProviders() map[string]plugin.ConfigProvider {
	out := make(map[string]plugin.ConfigProvider, len(c.Plugins))
	for name, pc := range c.Plugins {
		out[name] = plugin.NewSettings(name, pc.IsEnabled(), pc.Settings)
	}
	return out
}

// Options controls where and how configuration is loaded.
type Options struct {
	// BasePath is the directory holding the config files. Defaults to
	// $KERNEL_CONFIG_PATH, then "config".
	BasePath string
	// FileName is the base name without extension. Defaults to "kernel".
	FileName string
	// FileType is the viper config type. Defaults to "yaml".
	FileType string
	// EnvPrefix prefixes environment overrides: KERNEL_POOL_MAX_TOTAL.
	EnvPrefix string
	// Env selects environment-specific files. Defaults to $KERNEL_ENV.
	Env Mode
	// Logger receives watch errors. Nil discards them.
	Logger *zap.Logger
}
