// Package pool shares backend connections between drivers under a global
// limit and per-driver limits. Callers that cannot be served wait in FIFO
// order per driver.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/logging"
)

const (
	DefaultMaxTotal       = 32
	DefaultMaxPerDriver   = 8
	DefaultAcquireTimeout = 5 * time.Second
)

// Config configures a Pool.
type Config struct {
	MaxTotal       int
	MaxPerDriver   int
	AcquireTimeout time.Duration
	Logger         *zap.Logger

	// OnWait observes how long each successful Acquire took.
	OnWait func(driverID string, waited time.Duration)
}

type driverEntry struct {
	id      string
	driver  Driver
	max     int
	live    int // open connections plus reserved slots
	idle    []*Conn
	waiters *list.List
	removed bool
}

type waiter struct {
	entry  *driverEntry
	seq    uint64
	el     *list.Element
	result chan grant
}

// grant is what a waiter receives: a ready connection, a reserved slot to
// open one in, or an error.
type grant struct {
	conn *Conn
	slot bool
	err  error
}

// Pool is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	config  Config
	drivers map[string]*driverEntry
	order   []*driverEntry
	inUse   map[string]*Conn
	total   int
	seq     uint64
	closed  bool
	drained chan struct{}

	acquired  int64
	timeouts  int64
	evictions int64
	handoffs  int64

	logger *zap.Logger
}

// New creates an empty pool.
func New(config Config) *Pool {
	if config.MaxTotal <= 0 {
		config.MaxTotal = DefaultMaxTotal
	}
	if config.MaxPerDriver <= 0 {
		config.MaxPerDriver = DefaultMaxPerDriver
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = DefaultAcquireTimeout
	}
	return &Pool{
		config:  config,
		drivers: make(map[string]*driverEntry),
		inUse:   make(map[string]*Conn),
		drained: make(chan struct{}),
		logger:  logging.OrNop(config.Logger).Named("pool"),
	}
}

// RegisterDriver makes id available to Acquire. maxConns <= 0 uses the
// configured per-driver maximum.
func (p *Pool) RegisterDriver(id string, driver Driver, maxConns int) error {
	if id == "" || driver == nil {
		return kerrors.NewInvalid("pool: driver id and driver are required")
	}
	if maxConns <= 0 {
		maxConns = p.config.MaxPerDriver
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return kerrors.NewPoolClosed(id)
	}
	if _, exists := p.drivers[id]; exists {
		return kerrors.NewDuplicateItem("driver", id)
	}
	entry := &driverEntry{id: id, driver: driver, max: maxConns, waiters: list.New()}
	p.drivers[id] = entry
	p.order = append(p.order, entry)

	p.logger.Info("driver registered", logging.Driver(id), zap.Int("max_conns", maxConns))
	return nil
}

// UnregisterDriver removes id. Its waiters fail with PoolClosed, idle
// connections are closed and in-use connections close on release.
func (p *Pool) UnregisterDriver(ctx context.Context, id string) error {
	p.mu.Lock()
	entry, ok := p.drivers[id]
	if !ok {
		p.mu.Unlock()
		return kerrors.NewNotFound("driver", id)
	}
	entry.removed = true
	delete(p.drivers, id)
	for i, e := range p.order {
		if e == entry {
			p.order = append(p.order[:i:i], p.order[i+1:]...)
			break
		}
	}
	p.failWaitersLocked(entry, kerrors.NewPoolClosed(id))
	idle := p.takeIdleLocked(entry)
	for _, c := range p.inUse {
		if c.entry == entry {
			c.closeOnRelease = true
		}
	}
	p.mu.Unlock()

	p.logger.Info("driver unregistered", logging.Driver(id), zap.Int("closed_idle", len(idle)))
	return p.closeAll(idle)
}

// Acquire returns a connection for driverID, waiting up to timeout (the
// configured default when timeout <= 0) for one to become available.
func (p *Pool) Acquire(ctx context.Context, driverID string, timeout time.Duration) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, kerrors.NewCanceled("acquire "+driverID, err)
	}
	if timeout <= 0 {
		timeout = p.config.AcquireTimeout
	}
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, kerrors.NewPoolClosed(driverID)
	}
	entry, ok := p.drivers[driverID]
	if !ok {
		p.mu.Unlock()
		return nil, kerrors.NewNotFound("driver", driverID)
	}

	// Queue behind existing waiters so service stays FIFO.
	if entry.waiters.Len() == 0 {
		if c := p.popIdleLocked(entry); c != nil {
			p.mu.Unlock()
			p.observe(driverID, start)
			return c, nil
		}

		if entry.live < entry.max {
			if p.total < p.config.MaxTotal {
				p.reserveLocked(entry)
				p.mu.Unlock()
				return p.open(ctx, entry, start)
			}
			if victim := p.evictIdleLocked(entry); victim != nil {
				p.mu.Unlock()
				// The victim's slot now belongs to entry; close it before
				// opening the replacement.
				p.closeConn(victim)
				return p.open(ctx, entry, start)
			}
		}
	}

	w := &waiter{entry: entry, result: make(chan grant, 1)}
	p.seq++
	w.seq = p.seq
	w.el = entry.waiters.PushBack(w)
	p.mu.Unlock()

	return p.wait(ctx, w, timeout, start)
}

func (p *Pool) wait(ctx context.Context, w *waiter, timeout time.Duration, start time.Time) (*Conn, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case g := <-w.result:
		return p.redeem(ctx, w.entry, g, start)
	case <-timer.C:
		if p.dequeue(w, true) {
			p.logger.Debug("acquire timed out", logging.Driver(w.entry.id), zap.Duration("timeout", timeout))
			return nil, kerrors.NewPoolTimeout(w.entry.id, timeout)
		}
		// Served between the deadline and the dequeue: keep what was handed over.
		return p.redeem(ctx, w.entry, <-w.result, start)
	case <-ctx.Done():
		if p.dequeue(w, false) {
			return nil, kerrors.NewCanceled("acquire "+w.entry.id, ctx.Err())
		}
		g := <-w.result
		if g.conn != nil {
			_ = p.Release(g.conn)
		} else if g.slot {
			p.releaseSlot(w.entry)
		}
		return nil, kerrors.NewCanceled("acquire "+w.entry.id, ctx.Err())
	}
}

// dequeue removes w from its queue and reports whether it was still there.
func (p *Pool) dequeue(w *waiter, timedOut bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.el == nil {
		return false
	}
	w.entry.waiters.Remove(w.el)
	w.el = nil
	if timedOut {
		p.timeouts++
	}
	return true
}

func (p *Pool) redeem(ctx context.Context, entry *driverEntry, g grant, start time.Time) (*Conn, error) {
	switch {
	case g.err != nil:
		return nil, g.err
	case g.conn != nil:
		p.observe(entry.id, start)
		return g.conn, nil
	case g.slot:
		return p.open(ctx, entry, start)
	}
	return nil, kerrors.NewInternal("pool: empty grant")
}

// open creates a connection in a slot already reserved for entry.
func (p *Pool) open(ctx context.Context, entry *driverEntry, start time.Time) (*Conn, error) {
	handle, err := entry.driver.OpenConnection(ctx)
	if err != nil {
		p.releaseSlot(entry)
		p.logger.Warn("open connection failed", logging.Driver(entry.id), zap.Error(err))
		return nil, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "open connection for driver "+entry.id)
	}

	now := time.Now()
	c := &Conn{
		id:        uuid.NewString(),
		driverID:  entry.id,
		handle:    handle,
		entry:     entry,
		createdAt: now,
		lastUsed:  now,
	}
	c.setState(StateInUse)

	p.mu.Lock()
	if p.closed || entry.removed {
		p.mu.Unlock()
		c.setState(StateClosed)
		p.closeConn(c)
		p.releaseSlot(entry)
		return nil, kerrors.NewPoolClosed(entry.id)
	}
	p.inUse[c.id] = c
	p.acquired++
	p.mu.Unlock()

	p.logger.Debug("connection opened", logging.Driver(entry.id), logging.Connection(c.id))
	p.observe(entry.id, start)
	return c, nil
}

// Release returns c to the pool. It fails with InvalidHandle unless c is in
// use and was handed out by this pool.
func (p *Pool) Release(c *Conn) error {
	return p.giveBack(c, false)
}

// Discard closes c instead of returning it to the pool.
func (p *Pool) Discard(c *Conn) error {
	return p.giveBack(c, true)
}

func (p *Pool) giveBack(c *Conn, discard bool) error {
	if c == nil {
		return kerrors.NewInvalidHandle("")
	}

	p.mu.Lock()
	if owned, ok := p.inUse[c.id]; !ok || owned != c || c.State() != StateInUse {
		p.mu.Unlock()
		return kerrors.NewInvalidHandle(c.id)
	}
	entry := c.entry
	c.lastUsed = time.Now()

	if discard || c.closeOnRelease || p.closed || entry.removed {
		p.retireLocked(c)
		p.mu.Unlock()
		p.closeConn(c)
		p.releaseSlot(entry)
		return nil
	}

	if w := p.popWaiterLocked(entry); w != nil {
		p.handoffs++
		w.result <- grant{conn: c}
		p.mu.Unlock()
		return nil
	}

	if p.hasBlockedWaiterLocked() {
		// Another driver is starved by the global limit: give it the slot.
		p.retireLocked(c)
		p.evictions++
		p.mu.Unlock()
		p.closeConn(c)
		p.releaseSlot(entry)
		return nil
	}

	delete(p.inUse, c.id)
	c.setState(StateIdle)
	entry.idle = append(entry.idle, c)
	p.mu.Unlock()
	return nil
}

// Close stops the pool. Waiters fail with PoolClosed and idle connections
// are closed immediately. In-use connections are closed as they are
// released; Close waits for that until ctx ends.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var idle []*Conn
	for _, entry := range p.order {
		p.failWaitersLocked(entry, kerrors.NewPoolClosed(entry.id))
		idle = append(idle, p.takeIdleLocked(entry)...)
	}
	for _, c := range p.inUse {
		c.closeOnRelease = true
	}
	inUse := len(p.inUse)
	p.signalDrainedLocked()
	p.mu.Unlock()

	p.logger.Info("pool closing", zap.Int("closed_idle", len(idle)), zap.Int("in_use", inUse))
	err := p.closeAll(idle)

	select {
	case <-p.drained:
	case <-ctx.Done():
		if err == nil {
			err = kerrors.NewCanceled("drain pool", ctx.Err())
		}
	}
	return err
}

// signalDrainedLocked closes drained once a closed pool holds no slots.
func (p *Pool) signalDrainedLocked() {
	if !p.closed || p.total > 0 {
		return
	}
	select {
	case <-p.drained:
	default:
		close(p.drained)
	}
}

func (p *Pool) reserveLocked(entry *driverEntry) {
	entry.live++
	p.total++
}

// releaseSlot gives back one of entry's slots after its connection is
// closed (or was never opened) and hands free slots to waiters.
func (p *Pool) releaseSlot(entry *driverEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry.live--
	p.total--
	p.dispatchSlotsLocked()
	p.signalDrainedLocked()
}

// retireLocked takes c out of service. Its slot stays counted until
// releaseSlot.
func (p *Pool) retireLocked(c *Conn) {
	delete(p.inUse, c.id)
	c.setState(StateClosed)
}

func (p *Pool) popIdleLocked(entry *driverEntry) *Conn {
	n := len(entry.idle)
	if n == 0 {
		return nil
	}
	c := entry.idle[n-1]
	entry.idle[n-1] = nil
	entry.idle = entry.idle[:n-1]
	c.setState(StateInUse)
	c.lastUsed = time.Now()
	p.inUse[c.id] = c
	p.acquired++
	return c
}

func (p *Pool) takeIdleLocked(entry *driverEntry) []*Conn {
	idle := entry.idle
	entry.idle = nil
	for _, c := range idle {
		c.setState(StateClosed)
	}
	return idle
}

// evictIdleLocked takes the least recently used idle connection of another
// driver and moves its slot to except. The caller closes the victim.
func (p *Pool) evictIdleLocked(except *driverEntry) *Conn {
	for _, entry := range p.order {
		if entry == except || len(entry.idle) == 0 {
			continue
		}
		c := entry.idle[0]
		entry.idle[0] = nil
		entry.idle = entry.idle[1:]
		c.setState(StateClosed)
		entry.live--
		except.live++
		p.evictions++
		return c
	}
	return nil
}

func (p *Pool) popWaiterLocked(entry *driverEntry) *waiter {
	front := entry.waiters.Front()
	if front == nil {
		return nil
	}
	w := entry.waiters.Remove(front).(*waiter)
	w.el = nil
	return w
}

// hasBlockedWaiterLocked reports whether some waiter could be served if a
// global slot were free.
func (p *Pool) hasBlockedWaiterLocked() bool {
	for _, entry := range p.order {
		if entry.waiters.Len() > 0 && entry.live < entry.max {
			return true
		}
	}
	return false
}

// dispatchSlotsLocked grants free global slots to the longest waiting
// callers whose driver is below its own limit.
func (p *Pool) dispatchSlotsLocked() {
	for p.total < p.config.MaxTotal {
		var best *driverEntry
		var bestSeq uint64
		for _, entry := range p.order {
			if entry.live >= entry.max {
				continue
			}
			front := entry.waiters.Front()
			if front == nil {
				continue
			}
			if seq := front.Value.(*waiter).seq; best == nil || seq < bestSeq {
				best, bestSeq = entry, seq
			}
		}
		if best == nil {
			return
		}
		w := p.popWaiterLocked(best)
		p.reserveLocked(best)
		w.result <- grant{slot: true}
	}
}

func (p *Pool) failWaitersLocked(entry *driverEntry, err error) {
	for w := p.popWaiterLocked(entry); w != nil; w = p.popWaiterLocked(entry) {
		w.result <- grant{err: err}
	}
}

func (p *Pool) closeConn(c *Conn) {
	if err := c.entry.driver.CloseConnection(c.handle); err != nil {
		p.logger.Warn("close connection failed",
			logging.Driver(c.driverID),
			logging.Connection(c.id),
			zap.Error(err),
		)
	}
}

// closeAll closes conns and releases their slots, collecting failures.
func (p *Pool) closeAll(conns []*Conn) error {
	chain := kerrors.NewErrorChain()
	for _, c := range conns {
		if err := c.entry.driver.CloseConnection(c.handle); err != nil {
			p.logger.Warn("close connection failed",
				logging.Driver(c.driverID),
				logging.Connection(c.id),
				zap.Error(err),
			)
			chain.Add(err)
		}
		p.releaseSlot(c.entry)
	}
	return chain.Err()
}

func (p *Pool) observe(driverID string, start time.Time) {
	if p.config.OnWait != nil {
		p.config.OnWait(driverID, time.Since(start))
	}
}
