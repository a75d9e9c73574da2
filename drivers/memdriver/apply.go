package memdriver

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leeforge/kernel/compiler"
	"github.com/leeforge/kernel/drivers/eval"
	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/logging"
	"github.com/leeforge/kernel/plugin"
	"github.com/leeforge/kernel/pool"
	"github.com/leeforge/kernel/registry"
)

// Apply runs a mutation and returns the number of rows written. Deletes
// follow cascading relations and fail when a restricting relation still
// has rows that point at a deleted row.
func (d *Driver) Apply(ctx context.Context, conn *pool.Conn, m *compiler.Mutation) (int64, error) {
	if err := checkConn(conn); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, kerrors.NewCanceled("apply "+m.Object, err)
	}
	conds, err := eval.Bind(m.Filters, nil)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var n int64
	switch m.Kind {
	case compiler.MutationInsert:
		n, err = d.insertLocked(m)
	case compiler.MutationUpdate:
		n, err = d.updateLocked(m, conds)
	case compiler.MutationDelete:
		n, err = d.deleteLocked(m, conds)
	default:
		err = kerrors.NewPlanningError("unsupported mutation kind %q", m.Kind)
	}
	if err != nil {
		return 0, err
	}
	d.logger.Debug("mutation applied",
		logging.Object(m.Object),
		zap.String("kind", string(m.Kind)),
		zap.Int64("rows", n),
	)
	return n, nil
}

func (d *Driver) objectLocked(name string) (registry.ObjectSchema, bool) {
	if d.schema == nil {
		return registry.ObjectSchema{}, false
	}
	return d.schema.Object(name)
}

func (d *Driver) insertLocked(m *compiler.Mutation) (int64, error) {
	row := eval.Project(m.Values, nil)
	if schema, ok := d.objectLocked(m.Object); ok {
		if _, hasID := schema.Field("id"); hasID && row["id"] == nil {
			row["id"] = uuid.NewString()
		}
		if err := d.checkUniqueLocked(m.Object, schema, row, -1, nil); err != nil {
			return 0, err
		}
	}
	d.tables[m.Object] = append(d.tables[m.Object], row)
	return 1, nil
}

func (d *Driver) updateLocked(m *compiler.Mutation, conds []eval.Condition) (int64, error) {
	schema, hasSchema := d.objectLocked(m.Object)
	rows := d.tables[m.Object]

	// Build every replacement first so a unique violation writes nothing.
	next := make(map[int]plugin.Row)
	for i, row := range rows {
		ok, err := eval.Matches(row, conds)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		updated := eval.Project(row, nil)
		for k, v := range m.Values {
			updated[k] = v
		}
		if hasSchema {
			if err := d.checkUniqueLocked(m.Object, schema, updated, i, next); err != nil {
				return 0, err
			}
		}
		next[i] = updated
	}
	for i, row := range next {
		rows[i] = row
	}
	return int64(len(next)), nil
}

// checkUniqueLocked rejects row when a unique field collides with another
// row. skip is the index of the row being replaced, or -1. Rows in pending
// replace the stored row at the same index.
func (d *Driver) checkUniqueLocked(object string, schema registry.ObjectSchema, row plugin.Row, skip int, pending map[int]plugin.Row) error {
	for _, f := range schema.Fields {
		v := row[f.Name]
		if !f.Unique || v == nil {
			continue
		}
		for i, other := range d.tables[object] {
			if p, ok := pending[i]; ok {
				other = p
			}
			if i != skip && eval.Equal(other[f.Name], v) {
				return kerrors.NewDuplicateItem(object+"."+f.Name, fmt.Sprint(v))
			}
		}
	}
	return nil
}

func (d *Driver) deleteLocked(m *compiler.Mutation, conds []eval.Condition) (int64, error) {
	victims := map[string]map[int]bool{m.Object: {}}
	var queue []string
	for i, row := range d.tables[m.Object] {
		ok, err := eval.Matches(row, conds)
		if err != nil {
			return 0, err
		}
		if ok {
			victims[m.Object][i] = true
		}
	}
	if len(victims[m.Object]) == 0 {
		return 0, nil
	}
	queue = append(queue, m.Object)

	// Follow cascading relations until no new rows are marked.
	for len(queue) > 0 {
		object := queue[0]
		queue = queue[1:]
		schema, ok := d.objectLocked(object)
		if !ok {
			continue
		}
		for _, rel := range schema.Relations {
			if rel.OnDelete != registry.Cascade {
				continue
			}
			marked := false
			for i, target := range d.tables[rel.Target] {
				if victims[rel.Target][i] || !d.linkedToVictimLocked(object, victims[object], target, rel) {
					continue
				}
				if victims[rel.Target] == nil {
					victims[rel.Target] = map[int]bool{}
				}
				victims[rel.Target][i] = true
				marked = true
			}
			if marked {
				queue = append(queue, rel.Target)
			}
		}
	}

	for object, rows := range victims {
		schema, ok := d.objectLocked(object)
		if !ok {
			continue
		}
		for _, rel := range schema.Relations {
			if rel.OnDelete != registry.Restrict {
				continue
			}
			for i, target := range d.tables[rel.Target] {
				if !victims[rel.Target][i] && d.linkedToVictimLocked(object, rows, target, rel) {
					return 0, kerrors.NewInvalid("delete of %s is restricted by %s.%s", object, rel.Target, rel.Name)
				}
			}
		}
	}

	order := append([]string(nil), m.Cascade...)
	if len(order) == 0 {
		order = []string{m.Object}
	}
	seen := make(map[string]bool, len(order))
	for _, object := range order {
		seen[object] = true
	}
	for object := range victims {
		if !seen[object] {
			order = append([]string{object}, order...)
		}
	}

	var n int64
	for _, object := range order {
		marked := victims[object]
		if len(marked) == 0 {
			continue
		}
		kept := make([]plugin.Row, 0, len(d.tables[object])-len(marked))
		for i, row := range d.tables[object] {
			if !marked[i] {
				kept = append(kept, row)
			}
		}
		n += int64(len(marked))
		d.tables[object] = kept
	}
	return n, nil
}

func (d *Driver) linkedToVictimLocked(object string, rows map[int]bool, target plugin.Row, rel registry.RelationSchema) bool {
	table := d.tables[object]
	for i := range rows {
		if linked(table[i], target, rel) {
			return true
		}
	}
	return false
}
