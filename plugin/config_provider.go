package plugin

import (
	"reflect"
	"time"

	kerrors "github.com/leeforge/kernel/errors"
	kjson "github.com/leeforge/kernel/json"
)

// ConfigProvider gives plugins type-safe access to their scoped configuration.
type ConfigProvider interface {
	Get(key string) (any, bool)
	GetString(key string, defaultVal string) string
	GetInt(key string, defaultVal int) int
	GetBool(key string, defaultVal bool) bool
	GetDuration(key string, defaultVal time.Duration) time.Duration
	Bind(target any) error
	IsEnabled() bool
}

// Settings is a single plugin's configuration entry.
type Settings struct {
	name     string
	enabled  bool
	settings map[string]any
}

// NewSettings creates a plugin config entry.
func NewSettings(name string, enabled bool, settings map[string]any) *Settings {
	if settings == nil {
		settings = make(map[string]any)
	}
	return &Settings{name: name, enabled: enabled, settings: settings}
}

// NewMapConfigProvider creates a ConfigProvider from a settings map (always enabled).
func NewMapConfigProvider(settings map[string]any) *Settings {
	return NewSettings("", true, settings)
}

func (c *Settings) Get(key string) (any, bool) {
	v, ok := c.settings[key]
	return v, ok
}

func (c *Settings) GetString(key string, defaultVal string) string {
	s, ok := c.settings[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func (c *Settings) GetInt(key string, defaultVal int) int {
	switch n := c.settings[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return defaultVal
	}
}

func (c *Settings) GetBool(key string, defaultVal bool) bool {
	b, ok := c.settings[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

// GetDuration accepts a time.Duration or a string such as "250ms".
func (c *Settings) GetDuration(key string, defaultVal time.Duration) time.Duration {
	switch d := c.settings[key].(type) {
	case time.Duration:
		return d
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return defaultVal
		}
		return parsed
	default:
		return defaultVal
	}
}

// Bind decodes the settings into target, applying `default` tags to fields
// the settings leave unset, then validates it.
func (c *Settings) Bind(target any) error {
	data, err := kjson.Marshal(c.settings)
	if err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeInvalid, "encode settings for "+c.name)
	}
	if err := kjson.Unmarshal(data, target); err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeInvalid, "decode settings for "+c.name)
	}
	if !isStructPtr(target) {
		return nil
	}
	if err := validate.Struct(target); err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeInvalid, "settings for "+c.name)
	}
	return nil
}

func isStructPtr(v any) bool {
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Ptr && !rv.IsNil() && rv.Elem().Kind() == reflect.Struct
}

func (c *Settings) IsEnabled() bool {
	return c.enabled
}

// emptyConfig is a ConfigProvider that returns defaults for everything.
// Bind still applies `default` tags.
type emptyConfig struct{}

func (emptyConfig) Get(string) (any, bool)                              { return nil, false }
func (emptyConfig) GetString(_ string, d string) string                 { return d }
func (emptyConfig) GetInt(_ string, d int) int                          { return d }
func (emptyConfig) GetBool(_ string, d bool) bool                       { return d }
func (emptyConfig) GetDuration(_ string, d time.Duration) time.Duration { return d }
func (emptyConfig) Bind(target any) error                               { return NewMapConfigProvider(nil).Bind(target) }
func (emptyConfig) IsEnabled() bool                                     { return true }

// EmptyConfig returns a ConfigProvider that always returns defaults.
func EmptyConfig() ConfigProvider { return emptyConfig{} }
