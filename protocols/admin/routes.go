package admin

import (
	"io"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/leeforge/kernel/compiler"
	kerrors "github.com/leeforge/kernel/errors"
	kjson "github.com/leeforge/kernel/json"
	"github.com/leeforge/kernel/metrics"
	"github.com/leeforge/kernel/plugin"
	"github.com/leeforge/kernel/registry"
)

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query  compiler.Query `json:"query"`
	Params map[string]any `json:"params,omitempty"`
}

// QueryResult is the data of a successful POST /query.
type QueryResult struct {
	Rows  []plugin.Row `json:"rows"`
	Count int          `json:"count"`
}

func (p *Plugin) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestContext, p.recoverer)

	r.Get("/plugins", p.handlePlugins)
	r.Route("/metadata/{type}", func(r chi.Router) {
		r.Get("/", p.handleMetadataList)
		r.Get("/{name}", p.handleMetadataItem)
	})
	r.Post("/query", p.handleQuery)
	r.Get("/traffic", p.handleTraffic)
	r.Get("/metrics", p.handleMetrics)
	return r
}

func (p *Plugin) handlePlugins(w http.ResponseWriter, r *http.Request) {
	if p.inventory == nil {
		p.fail(w, r, unavailable("plugin inventory"))
		return
	}
	p.ok(w, r, p.inventory.Descriptors())
}

func itemType(r *http.Request) (registry.ItemType, error) {
	t := registry.ItemType(chi.URLParam(r, "type"))
	if !t.Valid() {
		return "", kerrors.NewInvalid("unknown metadata type %q", t)
	}
	return t, nil
}

func (p *Plugin) handleMetadataList(w http.ResponseWriter, r *http.Request) {
	t, err := itemType(r)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	items := slices.Collect(p.registry.List(t))
	if items == nil {
		items = []registry.Item{}
	}
	p.ok(w, r, items)
}

func (p *Plugin) handleMetadataItem(w http.ResponseWriter, r *http.Request) {
	t, err := itemType(r)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	item, err := p.registry.Get(t, chi.URLParam(r, "name"))
	if err != nil {
		p.fail(w, r, err)
		return
	}
	p.ok(w, r, item)
}

func (p *Plugin) handleQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, p.settings.MaxBodyBytes))
	if err != nil {
		p.fail(w, r, kerrors.NewInvalid("read query body: %v", err))
		return
	}
	var req QueryRequest
	if err := kjson.Unmarshal(body, &req); err != nil {
		p.fail(w, r, kerrors.NewInvalid("decode query body: %v", err))
		return
	}
	if req.Query.Object == "" {
		p.fail(w, r, kerrors.NewInvalid("query.object is required"))
		return
	}

	rows, err := p.queries.Query(r.Context(), req.Query, req.Params)
	if err != nil {
		p.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []plugin.Row{}
	}
	p.ok(w, r, QueryResult{Rows: rows, Count: len(rows)})
}

func (p *Plugin) handleTraffic(w http.ResponseWriter, r *http.Request) {
	p.ok(w, r, p.Traffic())
}

func (p *Plugin) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if p.metrics == nil {
		p.fail(w, r, unavailable("metrics collector"))
		return
	}
	metrics.NewMetricsHandler(p.metrics).ServeHTTP(w, r)
}

func unavailable(what string) error {
	return kerrors.New(kerrors.ErrorTypeInternal, what+" is not registered").
		WithHTTPStatus(http.StatusServiceUnavailable)
}
