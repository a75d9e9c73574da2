package kernel

import (
	"context"
	"errors"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/leeforge/kernel/compiler"
	kerrors "github.com/leeforge/kernel/errors"
	"github.com/leeforge/kernel/hooks"
	"github.com/leeforge/kernel/logging"
	"github.com/leeforge/kernel/plugin"
	"github.com/leeforge/kernel/pool"
	"github.com/leeforge/kernel/tracing"
)

const eventSource = "kernel"

// Query compiles q, dispatches beforeQuery, runs the plan on the object's
// datasource through a pooled connection and dispatches afterQuery. A
// blocking hook failure aborts the query.
func (k *Kernel) Query(ctx context.Context, q compiler.Query, params map[string]any) (rows []plugin.Row, err error) {
	start := time.Now()
	object := q.Object
	ctx, span := k.tracer.Start(ctx, tracing.SpanQuery,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(tracing.AttrObject, q.Object)),
	)
	defer func() {
		k.metrics.RecordQuery(object, time.Since(start), len(rows), err)
		if err != nil {
			k.logger.Debug("query failed", logging.Object(object), zap.Error(err))
		}
		tracing.Finish(span, err)
	}()

	plan, err := k.compiler.Compile(ctx, q, k.registry)
	if err != nil {
		return nil, err
	}
	object = plan.Object
	span.SetAttributes(
		attribute.String(tracing.AttrObject, plan.Object),
		attribute.String(tracing.AttrDatasource, plan.Datasource),
		attribute.String(tracing.AttrFingerprint, plan.Fingerprint),
	)

	bound := maps.Clone(params)
	if bound == nil {
		bound = make(map[string]any)
	}
	event := &hooks.QueryEvent{
		Object:      plan.Object,
		Datasource:  plan.Datasource,
		Fingerprint: plan.Fingerprint,
		Params:      bound,
	}
	if err := k.dispatch(ctx, hooks.BeforeQuery, event); err != nil {
		return nil, err
	}

	err = k.withConn(ctx, plan.Datasource, func(d plugin.Driver, conn *pool.Conn) error {
		var execErr error
		rows, execErr = d.Execute(ctx, conn, plan, event.Params)
		return execErr
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int(tracing.AttrRows, len(rows)))

	event.Rows = len(rows)
	event.Duration = time.Since(start)
	if err := k.dispatch(ctx, hooks.AfterQuery, event); err != nil {
		return nil, err
	}
	return rows, nil
}

// Mutate validates m, computes the cascade order of a delete, dispatches
// beforeMutation, applies the write through a pooled connection and
// dispatches afterMutation. Every object a delete cascades to must live on
// the same datasource.
func (k *Kernel) Mutate(ctx context.Context, m compiler.Mutation) (affected int64, err error) {
	start := time.Now()
	object, kind := m.Object, string(m.Kind)
	ctx, span := k.tracer.Start(ctx, tracing.SpanMutate,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(tracing.AttrObject, m.Object),
			attribute.String(tracing.AttrMutation, kind),
		),
	)
	defer func() {
		k.metrics.RecordMutation(object, kind, time.Since(start), affected, err)
		if err != nil {
			k.logger.Debug("mutation failed", logging.Object(object), zap.String("kind", kind), zap.Error(err))
		}
		tracing.Finish(span, err)
	}()

	prepared, err := compiler.PrepareMutation(m, k.registry)
	if err != nil {
		return 0, err
	}
	object = prepared.Object

	if prepared.Kind == compiler.MutationDelete {
		order, err := k.registry.CascadeOrder(prepared.Object)
		if err != nil {
			return 0, err
		}
		for _, name := range order {
			schema, ok := k.registry.Object(name)
			if !ok {
				return 0, kerrors.NewNotFound("object", name)
			}
			if schema.Datasource != prepared.Datasource {
				return 0, kerrors.NewPlanningError("delete of %s cascades to %s on datasource %q, want %q",
					prepared.Object, name, schema.Datasource, prepared.Datasource)
			}
		}
		prepared.Cascade = order
		span.SetAttributes(attribute.StringSlice(tracing.AttrCascade, order))
	}
	span.SetAttributes(attribute.String(tracing.AttrDatasource, prepared.Datasource))

	event := &hooks.MutationEvent{
		Kind:       string(prepared.Kind),
		Object:     prepared.Object,
		Datasource: prepared.Datasource,
		Cascade:    prepared.Cascade,
	}
	if err := k.dispatch(ctx, hooks.BeforeMutation, event); err != nil {
		return 0, err
	}

	err = k.withConn(ctx, prepared.Datasource, func(d plugin.Driver, conn *pool.Conn) error {
		var applyErr error
		affected, applyErr = d.Apply(ctx, conn, prepared)
		return applyErr
	})
	if err != nil {
		return 0, err
	}

	event.Affected = affected
	event.Duration = time.Since(start)
	if err := k.dispatch(ctx, hooks.AfterMutation, event); err != nil {
		return 0, err
	}
	return affected, nil
}

func (k *Kernel) dispatch(ctx context.Context, name string, payload any) error {
	return k.hooks.Dispatch(ctx, hooks.Event{Name: name, Source: eventSource, Payload: payload})
}

// withConn runs fn with the datasource's driver and a pooled connection.
// A connection whose call failed with an internal error is discarded
// instead of returned to the idle set.
func (k *Kernel) withConn(ctx context.Context, datasource string, fn func(plugin.Driver, *pool.Conn) error) error {
	driver, err := k.drivers.Get(datasource)
	if err != nil {
		return err
	}
	conn, err := k.pool.Acquire(ctx, datasource, k.settings.Pool.AcquireTimeout)
	if err != nil {
		return err
	}

	callErr := fn(driver, conn)

	var releaseErr error
	// A call cut short by ctx says nothing about the connection.
	if callErr != nil && errors.Is(callErr, kerrors.ErrInternal) && ctx.Err() == nil {
		releaseErr = k.pool.Discard(conn)
	} else {
		releaseErr = k.pool.Release(conn)
	}
	if releaseErr != nil {
		k.logger.Warn("release connection", logging.Driver(datasource), logging.Connection(conn.ID()), zap.Error(releaseErr))
	}
	return callErr
}
