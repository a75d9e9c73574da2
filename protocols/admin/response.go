package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	kerrors "github.com/leeforge/kernel/errors"
	kjson "github.com/leeforge/kernel/json"
)

// TraceIDHeader carries the request trace id in both directions.
const TraceIDHeader = "X-Trace-ID"

type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	startTimeKey contextKey = "start_time"
)

// Response is the envelope of every JSON answer.
type Response struct {
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
	Meta  Meta   `json:"meta"`
}

// Error describes a failed request.
type Error struct {
	Type    string         `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Meta is attached to every response.
type Meta struct {
	TraceID string `json:"traceId,omitempty"`
	Took    int64  `json:"took"`
}

// requestContext stamps a trace id, reusing the caller's, and the start time.
func requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceIDHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set(TraceIDHeader, traceID)
		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		ctx = context.WithValue(ctx, startTimeKey, time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverer turns a handler panic into a 500 response.
func (p *Plugin) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				err := kerrors.Recover(rec)
				p.logger.Error("admin handler panicked", zap.String("path", r.URL.Path), zap.Error(err))
				p.fail(w, r, err)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func meta(r *http.Request) Meta {
	m := Meta{}
	if id, ok := r.Context().Value(traceIDKey).(string); ok {
		m.TraceID = id
	}
	if start, ok := r.Context().Value(startTimeKey).(time.Time); ok {
		m.Took = time.Since(start).Milliseconds()
	}
	return m
}

func (p *Plugin) writeJSON(w http.ResponseWriter, status int, payload any) {
	raw, err := kjson.Marshal(payload)
	if err != nil {
		p.logger.Error("encode admin response", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"internal","message":"encode failed"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}

func (p *Plugin) ok(w http.ResponseWriter, r *http.Request, data any) {
	p.writeJSON(w, http.StatusOK, Response{Data: data, Meta: meta(r)})
}

// fail writes err with the HTTP status its kernel error type maps to.
func (p *Plugin) fail(w http.ResponseWriter, r *http.Request, err error) {
	app := kerrors.FromError(err)
	status := kerrors.HTTPStatusOf(err)
	if status >= http.StatusInternalServerError {
		p.logger.Warn("admin request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	p.writeJSON(w, status, Response{
		Error: &Error{Type: string(app.Type), Message: app.Error(), Details: app.Details},
		Meta:  meta(r),
	})
}
