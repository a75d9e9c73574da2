package pool

import (
	"context"
	"sync/atomic"
	"time"
)

// Driver opens and closes backend connections. Handles are opaque to the
// pool.
type Driver interface {
	OpenConnection(ctx context.Context) (any, error)
	CloseConnection(handle any) error
}

// State of a pooled connection.
type State int32

const (
	StateIdle State = iota
	StateInUse
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a pooled connection. It is handed out by Acquire and must be
// returned with Release or Discard.
type Conn struct {
	id        string
	driverID  string
	handle    any
	entry     *driverEntry
	createdAt time.Time

	state atomic.Int32

	// guarded by Pool.mu
	closeOnRelease bool
	lastUsed       time.Time
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// DriverID returns the id of the driver that opened the connection.
func (c *Conn) DriverID() string { return c.driverID }

// Handle returns the driver's handle for this connection.
func (c *Conn) Handle() any { return c.handle }

// State returns the current state.
func (c *Conn) State() State { return State(c.state.Load()) }

// CreatedAt returns when the connection was opened.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }
