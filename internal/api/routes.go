// Package api exposes the sync engine over HTTP: status, manual refresh,
// cached table reads, a websocket status feed and Prometheus metrics.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/internal/query"
	"github.com/mesh-intelligence/depot/pkg/types"
)

// Engine is the part of the sync engine the API serves.
type Engine interface {
	Status(ctx context.Context) types.Status
	RefreshSync() *types.SyncSession
	Tables() []types.TableDescriptor
	Query(ctx context.Context, table string, filter query.FilterSpec, page query.Page) (query.Result, error)
	Get(ctx context.Context, table, key string) (types.CacheRecord, error)
	Watch(ctx context.Context) <-chan struct{}
}

// Server holds the handlers' dependencies.
type Server struct {
	engine  Engine
	metrics http.Handler
	logger  *zap.Logger
}

// NewServer returns a server for engine. metrics may be nil to leave
// /metrics unrouted.
func NewServer(engine Engine, metrics http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: engine, metrics: metrics, logger: logger}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware(s.logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sync/refresh", s.handleRefresh)
		r.Get("/tables", s.handleTables)
		r.Get("/tables/{table}", s.handleQuery)
		r.Get("/tables/{table}/{key}", s.handleGet)
	})
	r.Get("/ws/status", s.handleStatusWS)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}
