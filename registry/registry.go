// Package registry holds typed metadata items and indexes them by owning
// package so that a package's items can be dropped in time proportional to
// their count.
package registry

import (
	"container/list"
	"iter"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/graph"
	"github.com/leeforge/kernel/logging"
)

// Config configures a Registry.
type Config struct {
	Logger *zap.Logger
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	items    map[Key]*list.Element
	byType   map[ItemType]*list.List
	packages map[string]map[Key]struct{}

	generation atomic.Uint64
	logger     *zap.Logger
}

// New creates an empty registry.
func New(config Config) *Registry {
	return &Registry{
		items:    make(map[Key]*list.Element),
		byType:   make(map[ItemType]*list.List),
		packages: make(map[string]map[Key]struct{}),
		logger:   logging.OrNop(config.Logger).Named("registry"),
	}
}

// Register adds item. It fails with DuplicateItem when (Type, Name) is
// already present.
func (r *Registry) Register(item Item) error {
	if item.Name == "" || item.Package == "" {
		return kerrors.NewInvalid("registry: item name and package are required")
	}
	if !item.Type.Valid() {
		return kerrors.NewInvalid("registry: unknown item type %q", item.Type)
	}
	if p, ok := item.Payload.(*ObjectSchema); ok && p != nil {
		item.Payload = *p
	}
	item = item.clone()

	key := item.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[key]; exists {
		return kerrors.NewDuplicateItem(string(item.Type), item.Name)
	}

	l, ok := r.byType[item.Type]
	if !ok {
		l = list.New()
		r.byType[item.Type] = l
	}
	stored := item
	r.items[key] = l.PushBack(&stored)

	owned, ok := r.packages[item.Package]
	if !ok {
		owned = make(map[Key]struct{})
		r.packages[item.Package] = owned
	}
	owned[key] = struct{}{}

	r.generation.Add(1)
	r.logger.Debug("item registered",
		zap.String("key", key.String()),
		logging.Package(item.Package),
	)
	return nil
}

// Get returns a copy of the item. Object schemas are deep copies; other
// payloads are shared and must not be mutated.
func (r *Registry) Get(t ItemType, name string) (Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	el, ok := r.items[Key{Type: t, Name: name}]
	if !ok {
		return Item{}, kerrors.NewNotFound(string(t), name)
	}
	return el.Value.(*Item).clone(), nil
}

// List yields items of type t in registration order. Each iteration works on
// a snapshot taken when ranging starts, so the sequence can be ranged again
// and never observes a half-applied mutation.
func (r *Registry) List(t ItemType) iter.Seq[Item] {
	return func(yield func(Item) bool) {
		for _, item := range r.snapshot(t) {
			if !yield(item) {
				return
			}
		}
	}
}

func (r *Registry) snapshot(t ItemType) []Item {
	r.mu.RLock()
	defer r.mu.RUnlock()

	l, ok := r.byType[t]
	if !ok {
		return nil
	}
	out := make([]Item, 0, l.Len())
	for el := l.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Item).clone())
	}
	return out
}

// RemovePackage drops every item owned by pkg and returns how many were
// removed. Cost depends only on the package's own item count.
func (r *Registry) RemovePackage(pkg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned, ok := r.packages[pkg]
	if !ok {
		return 0
	}
	for key := range owned {
		el := r.items[key]
		r.byType[key.Type].Remove(el)
		delete(r.items, key)
	}
	delete(r.packages, pkg)

	removed := len(owned)
	r.generation.Add(1)
	r.logger.Info("package removed", logging.Package(pkg), zap.Int("items", removed))
	return removed
}

// Package returns the keys owned by pkg.
func (r *Registry) Package(pkg string) []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	owned := r.packages[pkg]
	keys := make([]Key, 0, len(owned))
	for key := range owned {
		keys = append(keys, key)
	}
	return keys
}

// Packages returns every package that owns at least one item.
func (r *Registry) Packages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.packages))
	for pkg := range r.packages {
		out = append(out, pkg)
	}
	return out
}

// Len returns the total number of items.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Generation changes whenever an item is added or removed.
func (r *Registry) Generation() uint64 {
	return r.generation.Load()
}

// Object returns a copy of the schema of an object item.
func (r *Registry) Object(name string) (ObjectSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schema, ok := r.objectLocked(name)
	if !ok {
		return ObjectSchema{}, false
	}
	return schema.Clone(), true
}

func (r *Registry) objectLocked(name string) (ObjectSchema, bool) {
	el, ok := r.items[Key{Type: TypeObject, Name: name}]
	if !ok {
		return ObjectSchema{}, false
	}
	schema, ok := el.Value.(*Item).Payload.(ObjectSchema)
	return schema, ok
}

// CascadeOrder returns the objects a delete of object touches through
// cascading relations, in the order the deletes must run: dependents first
// and object itself last.
func (r *Registry) CascadeOrder(object string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.objectLocked(object); !ok {
		return nil, kerrors.NewNotFound(string(TypeObject), object)
	}

	g := graph.New()
	objects, ok := r.byType[TypeObject]
	if !ok {
		return nil, kerrors.NewNotFound(string(TypeObject), object)
	}
	for el := objects.Front(); el != nil; el = el.Next() {
		g.AddNode(el.Value.(*Item).Name)
	}
	for el := objects.Front(); el != nil; el = el.Next() {
		item := el.Value.(*Item)
		schema, ok := item.Payload.(ObjectSchema)
		if !ok {
			continue
		}
		for _, rel := range schema.Relations {
			if rel.OnDelete != Cascade || !g.Has(rel.Target) {
				continue
			}
			if err := g.AddEdge(item.Name, rel.Target); err != nil {
				return nil, err
			}
		}
	}
	return g.ReachableFrom(object)
}

// clone copies item so that an object schema payload shares no slices with
// the original.
func (i Item) clone() Item {
	if schema, ok := i.Payload.(ObjectSchema); ok {
		i.Payload = schema.Clone()
	}
	return i
}
