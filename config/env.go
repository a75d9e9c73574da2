package config

import (
	"os"
	"strings"
)

// EnvModeKey names the environment variable that selects the mode.
const EnvModeKey = "KERNEL_ENV"

// Mode is the deployment environment.
type Mode string

const (
	DevMode  Mode = "development"
	ProMode  Mode = "production"
	TestMode Mode = "test"
)

// ParseMode maps common spellings onto a Mode. Unknown values are development.
func ParseMode(env string) Mode {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "production", "prod", "pro":
		return ProMode
	case "test", "testing":
		return TestMode
	default:
		return DevMode
	}
}

// ModeFromEnv reads the mode from $KERNEL_ENV.
func ModeFromEnv() Mode {
	return ParseMode(os.Getenv(EnvModeKey))
}

// aliases returns the file suffixes that select this mode.
func (m Mode) aliases() []string {
	switch m {
	case ProMode:
		return []string{"production", "pro", "prod"}
	case TestMode:
		return []string{"test"}
	default:
		return []string{"development", "dev"}
	}
}
