package plugin

import (
	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"

	kerrors "github.com/leeforge/kernel/errors"
)

// State represents the lifecycle state of a plugin.
type State int

const (
	StateRegistered State = iota // known to the manager, not yet resolved
	StateResolved                // dependencies and versions checked
	StateInstalled               // Install() succeeded
	StateStarted                 // Start() succeeded, running
	StateStopped                 // Stop() called after a successful start
	StateFailed                  // a lifecycle call failed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateRegistered:
		return "registered"
	case StateResolved:
		return "resolved"
	case StateInstalled:
		return "installed"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if the state cannot transition further in normal flow.
func (s State) IsTerminal() bool {
	return s == StateFailed || s == StateStopped
}

// MarshalText lets states render by name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Descriptor is the static identity of a plugin plus its current state.
type Descriptor struct {
	Name         string       `json:"name" validate:"required,max=64"`
	Version      string       `json:"version" validate:"required"`
	Kind         Kind         `json:"kind" validate:"required,oneof=schema driver protocol"`
	Dependencies []Dependency `json:"dependencies,omitempty" validate:"dive"`
	Description  string       `json:"description,omitempty"`
	State        State        `json:"state"`
	Error        string       `json:"error,omitempty"`
}

var validate = validator.New()

// Describe builds the descriptor of p in the Registered state.
func Describe(p Plugin) Descriptor {
	d := Descriptor{
		Name:         p.Name(),
		Version:      p.Version(),
		Kind:         p.Kind(),
		Dependencies: append([]Dependency(nil), p.Dependencies()...),
		State:        StateRegistered,
	}
	if desc, ok := p.(Describer); ok {
		d.Description = desc.Description()
	}
	return d
}

// Validate checks the descriptor fields and that Version and every
// dependency Range parse as semver.
func (d Descriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return kerrors.Wrap(err, kerrors.ErrorTypeInvalid, "invalid plugin descriptor "+d.Name)
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return kerrors.NewInvalid("plugin %s: version %q: %v", d.Name, d.Version, err)
	}
	for _, dep := range d.Dependencies {
		if dep.Name == d.Name {
			return kerrors.NewCyclicDependency([]string{d.Name, d.Name})
		}
		if dep.Range == "" {
			continue
		}
		if _, err := semver.NewConstraint(dep.Range); err != nil {
			return kerrors.NewInvalid("plugin %s: dependency %s: range %q: %v", d.Name, dep.Name, dep.Range, err)
		}
	}
	return nil
}

// Satisfies reports whether version lies within the dependency's range.
func (dep Dependency) Satisfies(version string) (bool, error) {
	if dep.Range == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(dep.Range)
	if err != nil {
		return false, kerrors.NewInvalid("dependency %s: range %q: %v", dep.Name, dep.Range, err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, kerrors.NewInvalid("dependency %s: version %q: %v", dep.Name, version, err)
	}
	return c.Check(v), nil
}
