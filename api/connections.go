package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sellerhub/sellerhub/store"
)

// getConnection returns the connection with the stored token masked.
// The raw token never leaves the credential resolver.
func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	projectID, err := urlID(r, "projectID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	conn, err := s.Connections.Get(r.Context(), projectID, chi.URLParam(r, "marketplace"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

type connectionRequest struct {
	IsEnabled bool            `json:"is_enabled"`
	APIToken  string          `json:"api_token"`
	Settings  json.RawMessage `json:"settings"`
}

// putConnection upserts the connection. An empty api_token keeps the
// stored one, so clients can toggle is_enabled without re-submitting
// the secret.
func (s *Server) putConnection(w http.ResponseWriter, r *http.Request) {
	projectID, err := urlID(r, "projectID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	var req connectionRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.Connections.Upsert(r.Context(), &store.Connection{
		ProjectID:   projectID,
		Marketplace: chi.URLParam(r, "marketplace"),
		IsEnabled:   req.IsEnabled,
		APIToken:    req.APIToken,
		Settings:    req.Settings,
	}); err != nil {
		writeError(w, err)
		return
	}
	conn, err := s.Connections.Get(r.Context(), projectID, chi.URLParam(r, "marketplace"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

func (s *Server) priceDiscrepancy(w http.ResponseWriter, r *http.Request) {
	projectID, err := urlID(r, "projectID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	rows, err := s.Reports.PriceDiscrepancy(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	projectID, err := urlID(r, "projectID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	kpis, err := s.Reports.Dashboard(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kpis)
}
