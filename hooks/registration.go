package hooks

import (
	"strings"

	kerrors "github.com/leeforge/kernel/errors"
)

type matchKind int

const (
	matchLiteral matchKind = iota
	matchPrefix
	matchAll
)

type matcher struct {
	kind  matchKind
	value string
}

func parsePattern(pattern string) (matcher, error) {
	if pattern == "" {
		return matcher{}, kerrors.NewInvalid("hooks: empty pattern")
	}
	star := strings.IndexByte(pattern, '*')
	switch {
	case star < 0:
		return matcher{kind: matchLiteral, value: pattern}, nil
	case star != len(pattern)-1:
		return matcher{}, kerrors.NewInvalid("hooks: wildcard must be the last character of %q", pattern)
	case star == 0:
		return matcher{kind: matchAll}, nil
	default:
		return matcher{kind: matchPrefix, value: pattern[:star]}, nil
	}
}

func (m matcher) matches(event string) bool {
	switch m.kind {
	case matchAll:
		return true
	case matchPrefix:
		return strings.HasPrefix(event, m.value)
	default:
		return event == m.value
	}
}

type registration struct {
	id       uint64
	pattern  matcher
	order    int
	handler  Handler
	name     string
	blocking bool
	parallel bool
}

// Option configures a registration.
type Option func(*registration)

// Blocking makes a failure of the handler abort the emission.
func Blocking() Option {
	return func(r *registration) { r.blocking = true }
}

// ParallelSafe allows the handler to run concurrently with other
// parallel-safe handlers of the same order.
func ParallelSafe() Option {
	return func(r *registration) { r.parallel = true }
}

// Named sets the handler name used in logs and errors.
func Named(name string) Option {
	return func(r *registration) { r.name = name }
}
