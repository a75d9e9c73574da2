package redisdriver

import (
	"context"
	"sort"
	"strconv"

	redis "github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leeforge/kernel/compiler"
	"github.com/leeforge/kernel/drivers/eval"
	kerrors "github.com/leeforge/kernel/errors"
	kjson "github.com/leeforge/kernel/json"
	"github.com/leeforge/kernel/plugin"
	"github.com/leeforge/kernel/pool"
	"github.com/leeforge/kernel/registry"
)

// RowKey is the hash key of one row.
func RowKey(object, id string) string { return object + ":" + id }

// IDsKey is the set of row ids of object.
func IDsKey(object string) string { return object + ":ids" }

func connOf(conn *pool.Conn) (*redis.Conn, error) {
	if conn == nil {
		return nil, kerrors.NewInvalidHandle("<nil>")
	}
	c, ok := conn.Handle().(*redis.Conn)
	if !ok {
		return nil, kerrors.NewInvalidHandle(conn.ID())
	}
	return c, nil
}

// Execute loads the object's rows and filters them in process. An equality
// filter on id loads that row only. Joins are not supported.
func (d *Driver) Execute(ctx context.Context, conn *pool.Conn, plan *compiler.Plan, params map[string]any) ([]plugin.Row, error) {
	c, err := connOf(conn)
	if err != nil {
		return nil, err
	}
	if len(plan.JoinOrder) > 0 {
		return nil, kerrors.NewPlanningError("redis datasource %s does not support joins", d.id)
	}
	conds, err := eval.Bind(plan.Filters, params)
	if err != nil {
		return nil, err
	}
	rows, err := d.load(ctx, c, plan.Object, conds)
	if err != nil {
		return nil, err
	}
	out, err := eval.Select(rows, conds, plan.Projection, plan.Limit)
	if err != nil {
		return nil, err
	}
	d.debug("plan executed", plan.Object, zap.Int("scanned", len(rows)), zap.Int("rows", len(out)))
	return out, nil
}

// load fetches candidate rows in id order.
func (d *Driver) load(ctx context.Context, c *redis.Conn, object string, conds []eval.Condition) ([]plugin.Row, error) {
	var ids []string
	for _, cond := range conds {
		if cond.Field == "id" && cond.Op == compiler.OpEq {
			if id, ok := cond.Arg.(string); ok {
				ids = []string{id}
			}
			break
		}
	}
	if ids == nil {
		members, err := c.SMembers(ctx, IDsKey(object)).Result()
		if err != nil {
			return nil, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "list "+object+" ids")
		}
		ids = members
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err := c.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, RowKey(object, id))
		}
		return nil
	})
	if err != nil {
		return nil, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "load "+object+" rows")
	}

	schema, _ := d.object(object)
	rows := make([]plugin.Row, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		row, err := decodeRow(schema, fields)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (d *Driver) object(name string) (registry.ObjectSchema, bool) {
	if d.schema == nil {
		return registry.ObjectSchema{}, false
	}
	return d.schema.Object(name)
}

// Apply writes a mutation. Deletes of an object follow its cascading
// relations and run in one MULTI/EXEC transaction.
func (d *Driver) Apply(ctx context.Context, conn *pool.Conn, m *compiler.Mutation) (int64, error) {
	c, err := connOf(conn)
	if err != nil {
		return 0, err
	}
	conds, err := eval.Bind(m.Filters, nil)
	if err != nil {
		return 0, err
	}

	var n int64
	switch m.Kind {
	case compiler.MutationInsert:
		n, err = d.insert(ctx, c, m)
	case compiler.MutationUpdate:
		n, err = d.update(ctx, c, m, conds)
	case compiler.MutationDelete:
		n, err = d.delete(ctx, c, m, conds)
	default:
		err = kerrors.NewPlanningError("unsupported mutation kind %q", m.Kind)
	}
	if err != nil {
		return 0, err
	}
	d.debug("mutation applied", m.Object, zap.String("kind", string(m.Kind)), zap.Int64("rows", n))
	return n, nil
}

func (d *Driver) insert(ctx context.Context, c *redis.Conn, m *compiler.Mutation) (int64, error) {
	values := eval.Project(m.Values, nil)
	id, _ := values["id"].(string)
	if values["id"] != nil && id == "" {
		id = encodeValue(values["id"])
	}
	if id == "" {
		id = uuid.NewString()
		values["id"] = id
	}

	added, err := c.SAdd(ctx, IDsKey(m.Object), id).Result()
	if err != nil {
		return 0, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "insert "+m.Object)
	}
	if added == 0 {
		return 0, kerrors.NewDuplicateItem(m.Object, id)
	}
	if err := c.HSet(ctx, RowKey(m.Object, id), encodeRow(values)).Err(); err != nil {
		return 0, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "insert "+m.Object)
	}
	return 1, nil
}

func (d *Driver) update(ctx context.Context, c *redis.Conn, m *compiler.Mutation, conds []eval.Condition) (int64, error) {
	rows, err := d.matching(ctx, c, m.Object, conds)
	if err != nil {
		return 0, err
	}
	set := make(map[string]any)
	var unset []string
	for k, v := range m.Values {
		if k == "id" {
			return 0, kerrors.NewInvalid("redis datasource %s cannot change row ids", d.id)
		}
		if v == nil {
			unset = append(unset, k)
		} else {
			set[k] = v
		}
	}
	_, err = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, row := range rows {
			key := RowKey(m.Object, encodeValue(row["id"]))
			if len(set) > 0 {
				pipe.HSet(ctx, key, encodeRow(set))
			}
			if len(unset) > 0 {
				pipe.HDel(ctx, key, unset...)
			}
		}
		return nil
	})
	if err != nil {
		return 0, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "update "+m.Object)
	}
	return int64(len(rows)), nil
}

func (d *Driver) matching(ctx context.Context, c *redis.Conn, object string, conds []eval.Condition) ([]plugin.Row, error) {
	rows, err := d.load(ctx, c, object, conds)
	if err != nil {
		return nil, err
	}
	return eval.Select(rows, conds, nil, 0)
}

type victim struct {
	object string
	id     string
}

func (d *Driver) delete(ctx context.Context, c *redis.Conn, m *compiler.Mutation, conds []eval.Condition) (int64, error) {
	roots, err := d.matching(ctx, c, m.Object, conds)
	if err != nil {
		return 0, err
	}
	var victims []victim
	seen := map[victim]bool{}
	queue := make([]victim, 0, len(roots))
	for _, row := range roots {
		v := victim{object: m.Object, id: encodeValue(row["id"])}
		seen[v] = true
		queue = append(queue, v)
	}

	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		victims = append(victims, v)

		schema, ok := d.object(v.object)
		if !ok {
			continue
		}
		for _, rel := range schema.Relations {
			if rel.ForeignField == "" || (rel.OnDelete != registry.Cascade && rel.OnDelete != registry.Restrict) {
				continue
			}
			linked, err := d.matching(ctx, c, rel.Target, []eval.Condition{{Field: rel.ForeignField, Op: compiler.OpEq, Arg: v.id}})
			if err != nil {
				return 0, err
			}
			for _, row := range linked {
				child := victim{object: rel.Target, id: encodeValue(row["id"])}
				if seen[child] {
					continue
				}
				if rel.OnDelete == registry.Restrict {
					return 0, kerrors.NewInvalid("delete of %s is restricted by %s.%s", v.object, rel.Target, rel.Name)
				}
				seen[child] = true
				queue = append(queue, child)
			}
		}
	}

	// Dependents go first.
	_, err = c.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := len(victims) - 1; i >= 0; i-- {
			v := victims[i]
			pipe.Del(ctx, RowKey(v.object, v.id))
			pipe.SRem(ctx, IDsKey(v.object), v.id)
		}
		return nil
	})
	if err != nil {
		return 0, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "delete "+m.Object)
	}
	return int64(len(victims)), nil
}

func encodeRow(row plugin.Row) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		if v != nil {
			out[k] = encodeValue(v)
		}
	}
	return out
}

func encodeValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	data, err := kjson.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// decodeRow converts hash fields back to typed values using the declared
// field types. Unknown fields stay strings.
func decodeRow(schema registry.ObjectSchema, fields map[string]string) (plugin.Row, error) {
	row := make(plugin.Row, len(fields))
	for name, raw := range fields {
		f, _ := schema.Field(name)
		v, err := decodeValue(f.Type, raw)
		if err != nil {
			return nil, kerrors.Wrap(err, kerrors.ErrorTypeInternal, "decode field "+name)
		}
		row[name] = v
	}
	return row, nil
}

func decodeValue(typ, raw string) (any, error) {
	switch typ {
	case "int", "integer":
		return strconv.ParseInt(raw, 10, 64)
	case "float", "number":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "bool", "boolean":
		return strconv.ParseBool(raw)
	case "json":
		var v any
		if err := kjson.Unmarshal([]byte(raw), &v); err != nil {
			return nil, err
		}
		return v, nil
	}
	return raw, nil
}
