package hooks

import "time"

// Query and mutation events emitted by the kernel.
const (
	BeforeQuery    = "beforeQuery"
	AfterQuery     = "afterQuery"
	BeforeMutation = "beforeMutation"
	AfterMutation  = "afterMutation"
)

// Plugin lifecycle events emitted by the plugin manager.
const (
	PluginInstalled   = "plugin.installed"
	PluginStarted     = "plugin.started"
	PluginStopped     = "plugin.stopped"
	PluginUninstalled = "plugin.uninstalled"
	PluginFailed      = "plugin.failed"
)

// QueryEvent is the payload of BeforeQuery and AfterQuery. BeforeQuery
// handlers may add entries to Params, a copy of the caller's map. Rows and
// Duration are set for AfterQuery only.
type QueryEvent struct {
	Object      string         `json:"object"`
	Datasource  string         `json:"datasource"`
	Fingerprint string         `json:"fingerprint"`
	Params      map[string]any `json:"params,omitempty"`
	Rows        int            `json:"rows"`
	Duration    time.Duration  `json:"duration"`
}

// MutationEvent is the payload of BeforeMutation and AfterMutation.
// Affected and Duration are set for AfterMutation only.
type MutationEvent struct {
	Kind       string        `json:"kind"`
	Object     string        `json:"object"`
	Datasource string        `json:"datasource"`
	Cascade    []string      `json:"cascade,omitempty"`
	Affected   int64         `json:"affected"`
	Duration   time.Duration `json:"duration"`
}
