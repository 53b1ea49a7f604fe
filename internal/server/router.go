package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/atm/internal/metrics"
	"github.com/loykin/atm/internal/store"
)

// Router exposes the data store read-only.
// Endpoints, below basePath:
//
//	GET /                          index of the tables
//	GET /healthz                   store ping
//	GET /metrics                   Prometheus metrics
//	GET /api/<table>?offset=&limit=
//	GET /api/<table>/:id
//
// where <table> is datasets, dataruns, hyperpartitions or classifiers.
type Router struct {
	db       *store.DB
	basePath string
	gatherer prometheus.Gatherer
}

// NewRouter builds a router. gatherer backs /metrics; nil serves the default
// Prometheus registry.
func NewRouter(db *store.DB, basePath string, gatherer prometheus.Gatherer) *Router {
	return &Router{db: db, basePath: sanitizeBase(basePath), gatherer: gatherer}
}

// resource wires one table to its list and get queries.
type resource struct {
	name string
	list func(ctx context.Context, p store.Page) (any, error)
	get  func(ctx context.Context, id int64) (any, error)
}

func (r *Router) resources() []resource {
	return []resource{
		{"datasets",
			func(ctx context.Context, p store.Page) (any, error) { return r.db.ListDatasets(ctx, p) },
			func(ctx context.Context, id int64) (any, error) { return r.db.GetDataset(ctx, id) }},
		{"dataruns",
			func(ctx context.Context, p store.Page) (any, error) { return r.db.ListDataruns(ctx, p) },
			func(ctx context.Context, id int64) (any, error) { return r.db.GetDatarun(ctx, id) }},
		{"hyperpartitions",
			func(ctx context.Context, p store.Page) (any, error) { return r.db.ListHyperpartitions(ctx, p) },
			func(ctx context.Context, id int64) (any, error) { return r.db.GetHyperpartition(ctx, id) }},
		{"classifiers",
			func(ctx context.Context, p store.Page) (any, error) { return r.db.ListClassifiers(ctx, p) },
			func(ctx context.Context, id int64) (any, error) { return r.db.GetClassifier(ctx, id) }},
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), metrics.Middleware())
	group := g.Group(r.basePath)

	res := r.resources()
	names := make([]string, 0, len(res))
	for _, rs := range res {
		names = append(names, rs.name)
		group.GET("/api/"+rs.name, r.handleList(rs))
		group.GET("/api/"+rs.name+"/:id", r.handleGet(rs))
	}
	group.GET("/", func(c *gin.Context) {
		links := make(map[string]string, len(names))
		for _, n := range names {
			links[n] = r.basePath + "/api/" + n
		}
		writeJSON(c, http.StatusOK, indexResp{Name: "atm", Resources: links})
	})
	group.GET("/healthz", r.handleHealth)
	group.GET("/metrics", gin.WrapH(metrics.Handler(r.gatherer)))
	return g
}

type errorResp struct {
	Error string `json:"error"`
}

type indexResp struct {
	Name      string            `json:"name"`
	Resources map[string]string `json:"resources"`
}

type listResp struct {
	Objects any `json:"objects"`
	Offset  int `json:"offset"`
	Limit   int `json:"limit"`
}

func (r *Router) handleList(rs resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := parsePage(c)
		if !ok {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "offset and limit must be non-negative integers"})
			return
		}
		objs, err := rs.list(c.Request.Context(), p)
		if err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		if p.Limit == 0 {
			p.Limit = store.DefaultLimit
		}
		if p.Limit > store.MaxLimit {
			p.Limit = store.MaxLimit
		}
		writeJSON(c, http.StatusOK, listResp{Objects: objs, Offset: p.Offset, Limit: p.Limit})
	}
}

func (r *Router) handleGet(rs resource) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseID(c)
		if !ok {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "id must be a positive integer"})
			return
		}
		obj, err := rs.get(c.Request.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
			return
		}
		if err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusOK, obj)
	}
}

func (r *Router) handleHealth(c *gin.Context) {
	if err := r.db.Ping(c.Request.Context()); err != nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, struct {
		OK bool `json:"ok"`
	}{true})
}
