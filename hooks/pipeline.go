// Package hooks dispatches named events to ordered handlers. Handlers are
// resolved through a compiled table that is replaced, never mutated, so
// emission of a known event takes no lock.
package hooks

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/logging"
)

// Handler handles one event. A returned error is logged, unless the handler
// was registered as Blocking, in which case it aborts the emission.
type Handler func(ctx context.Context, event *Event) error

// Event is the value passed to handlers.
type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Source    string    `json:"source,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config configures a Pipeline.
type Config struct {
	Logger *zap.Logger

	// OnFailure is called for every handler failure, blocking or not.
	OnFailure func(event, handler string, err error)
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	mu     sync.Mutex
	regs   []*registration
	nextID uint64

	table     atomic.Pointer[table]
	logger    *zap.Logger
	onFailure func(event, handler string, err error)
}

type table struct {
	events map[string][]*registration
}

// New creates an empty pipeline.
func New(config Config) *Pipeline {
	p := &Pipeline{
		logger:    logging.OrNop(config.Logger).Named("hooks"),
		onFailure: config.OnFailure,
	}
	p.table.Store(&table{events: map[string][]*registration{}})
	return p
}

// Subscription removes a registration when no longer needed.
type Subscription struct {
	pipeline *Pipeline
	reg      *registration
	once     sync.Once
}

// Unsubscribe removes the handler. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.pipeline.remove(s.reg)
	})
}

// Name returns the handler name used in logs and errors.
func (s *Subscription) Name() string { return s.reg.name }

// Register adds handler for pattern. A pattern is an event name, a prefix
// followed by "*", or "*" alone. Lower order runs first; equal orders run in
// registration order.
func (p *Pipeline) Register(pattern string, order int, handler Handler, opts ...Option) (*Subscription, error) {
	m, err := parsePattern(pattern)
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, kerrors.NewInvalid("hooks: nil handler for %q", pattern)
	}

	reg := &registration{
		pattern: m,
		order:   order,
		handler: handler,
	}
	for _, opt := range opts {
		opt(reg)
	}

	p.mu.Lock()
	p.nextID++
	reg.id = p.nextID
	if reg.name == "" {
		reg.name = fmt.Sprintf("%s#%d", pattern, reg.id)
	}
	p.regs = append(p.regs, reg)
	p.rebuildLocked()
	p.mu.Unlock()

	p.logger.Debug("hook registered",
		zap.String("pattern", pattern),
		logging.Handler(reg.name),
		zap.Int("order", order),
		zap.Bool("blocking", reg.blocking),
		zap.Bool("parallel", reg.parallel),
	)
	return &Subscription{pipeline: p, reg: reg}, nil
}

func (p *Pipeline) remove(reg *registration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, r := range p.regs {
		if r == reg {
			p.regs = append(p.regs[:i:i], p.regs[i+1:]...)
			p.rebuildLocked()
			return
		}
	}
}

// rebuildLocked recompiles every event the table already knows plus every
// literal pattern, then publishes the result.
func (p *Pipeline) rebuildLocked() {
	current := p.table.Load()
	names := make(map[string]struct{}, len(current.events))
	for name := range current.events {
		names[name] = struct{}{}
	}
	for _, r := range p.regs {
		if r.pattern.kind == matchLiteral {
			names[r.pattern.value] = struct{}{}
		}
	}

	next := &table{events: make(map[string][]*registration, len(names))}
	for name := range names {
		next.events[name] = p.resolveLocked(name)
	}
	p.table.Store(next)
}

func (p *Pipeline) resolveLocked(event string) []*registration {
	var out []*registration
	for _, r := range p.regs {
		if r.pattern.matches(event) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].order != out[j].order {
			return out[i].order < out[j].order
		}
		return out[i].id < out[j].id
	})
	return out
}

// lookup returns the handlers for event. An event the table has not seen is
// compiled under the lock and published with a fresh table.
func (p *Pipeline) lookup(event string) []*registration {
	if regs, ok := p.table.Load().events[event]; ok {
		return regs
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.table.Load()
	if regs, ok := current.events[event]; ok {
		return regs
	}
	regs := p.resolveLocked(event)
	next := &table{events: make(map[string][]*registration, len(current.events)+1)}
	for name, existing := range current.events {
		next.events[name] = existing
	}
	next.events[event] = regs
	p.table.Store(next)
	return regs
}

// Events returns the event names present in the compiled table.
func (p *Pipeline) Events() []string {
	events := p.table.Load().events
	out := make([]string, 0, len(events))
	for name := range events {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Handlers returns the handler names that would run for event, in order.
func (p *Pipeline) Handlers(event string) []string {
	regs := p.lookup(event)
	out := make([]string, len(regs))
	for i, r := range regs {
		out[i] = r.name
	}
	return out
}

// Emit dispatches an event built from name and payload.
func (p *Pipeline) Emit(ctx context.Context, name string, payload any) error {
	return p.Dispatch(ctx, Event{Name: name, Payload: payload})
}

// Dispatch runs every handler registered for event.Name. ID and Timestamp
// are filled in when empty.
//
// Handlers run in ascending order. Consecutive parallel-safe handlers that
// share an order value form a band that runs concurrently; the band finishes
// before the next handler starts. Failures and panics are logged and
// dispatch continues, except for Blocking handlers, whose failure stops the
// emission with a HookFailed error.
func (p *Pipeline) Dispatch(ctx context.Context, event Event) error {
	if event.Name == "" {
		return kerrors.NewInvalid("hooks: empty event name")
	}
	regs := p.lookup(event.Name)
	if len(regs) == 0 {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for i := 0; i < len(regs); {
		if err := ctx.Err(); err != nil {
			return kerrors.NewCanceled("emit "+event.Name, err)
		}

		r := regs[i]
		if !r.parallel {
			if err := p.run(ctx, r, &event); err != nil {
				return err
			}
			i++
			continue
		}

		j := i + 1
		for j < len(regs) && regs[j].parallel && regs[j].order == r.order {
			j++
		}
		if j-i == 1 {
			if err := p.run(ctx, r, &event); err != nil {
				return err
			}
		} else if err := p.runBand(ctx, regs[i:j], &event); err != nil {
			return err
		}
		i = j
	}
	return nil
}

// runBand fans the band out and waits for all of it. Each handler gets its
// own copy of the event.
func (p *Pipeline) runBand(ctx context.Context, band []*registration, event *Event) error {
	var g errgroup.Group
	for _, r := range band {
		ev := *event
		g.Go(func() error {
			return p.run(ctx, r, &ev)
		})
	}
	return g.Wait()
}

// run invokes one handler. It returns an error only for blocking handlers.
func (p *Pipeline) run(ctx context.Context, r *registration, event *Event) error {
	err := invoke(ctx, r.handler, event)
	if err == nil {
		return nil
	}

	if p.onFailure != nil {
		p.onFailure(event.Name, r.name, err)
	}
	if r.blocking {
		p.logger.Error("blocking hook failed",
			logging.Event(event.Name),
			logging.Handler(r.name),
			zap.Error(err),
		)
		return kerrors.NewHookFailed(event.Name, r.name, err)
	}
	p.logger.Warn("hook failed",
		logging.Event(event.Name),
		logging.Handler(r.name),
		zap.Error(err),
	)
	return nil
}

func invoke(ctx context.Context, h Handler, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = kerrors.Recover(r)
		}
	}()
	return h(ctx, event)
}
