package kernel

import (
	"github.com/leeforge/kernel/config"
	"github.com/leeforge/kernel/drivers/memdriver"
	"github.com/leeforge/kernel/drivers/redisdriver"
	"github.com/leeforge/kernel/drivers/sqldriver"
	"github.com/leeforge/kernel/plugin"
)

// DriverFactory builds the driver plugin for one configured datasource.
type DriverFactory func(id string, cfg config.DriverConfig) (plugin.Plugin, error)

// DefaultDriverFactories covers the memory, redis and sql driver types.
func DefaultDriverFactories() map[string]DriverFactory {
	return map[string]DriverFactory{
		"memory": memdriver.FromConfig,
		"redis":  redisdriver.FromConfig,
		"sql":    sqldriver.FromConfig,
	}
}
