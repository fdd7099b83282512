package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mesh-intelligence/depot/internal/query"
	"github.com/mesh-intelligence/depot/pkg/types"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L(r.Context()).Warn("writing response", zap.Error(err))
	}
}

// writeError maps store and filter errors to HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrTableNotFound), errors.Is(err, types.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, types.ErrInvalidFilter), errors.Is(err, types.ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.Is(err, types.ErrStoreDetached):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		L(r.Context()).Error("request failed", zap.Error(err))
	}
	writeJSON(w, r, status, errorBody{Error: err.Error()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.engine.Status(r.Context()))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	session := s.engine.RefreshSync()
	if session == nil {
		writeJSON(w, r, http.StatusServiceUnavailable, errorBody{Error: "sync engine is shutting down"})
		return
	}
	L(r.Context()).Info("manual refresh", zap.String("session", session.ID))
	writeJSON(w, r, http.StatusAccepted, session)
}

func (s *Server) handleTables(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.engine.Tables())
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	filter, page, err := query.ParseFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.engine.Query(r.Context(), chi.URLParam(r, "table"), filter, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Get(r.Context(), chi.URLParam(r, "table"), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}
