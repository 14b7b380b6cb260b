package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sellerhub/sellerhub/ingest"
)

// manualWBRun is the convenience trigger for Wildberries jobs. The
// request body, if any, is passed through as run params.
func (s *Server) manualWBRun(w http.ResponseWriter, r *http.Request) {
	projectID, err := urlID(r, "projectID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	var job = chi.URLParam(r, "job")

	var params json.RawMessage
	if body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)); err == nil && len(body) > 0 {
		if !json.Valid(body) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed request body"})
			return
		}
		params = body
	}

	run, err := s.Orchestrator.Enqueue(r.Context(), projectID,
		"wildberries", job, ingest.TriggerManual, nil, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	projectID, err := urlID(r, "projectID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	var q = r.URL.Query()
	var filter = ingest.RunFilter{
		ProjectID: projectID,
		Source:    q.Get("source"),
		Job:       q.Get("job"),
		Status:    ingest.Status(q.Get("status")),
		Limit:     50,
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil && limit > 0 && limit <= 500 {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil && offset > 0 {
		filter.Offset = offset
	}

	runs, err := s.Runs.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	projectID, err := urlID(r, "projectID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	runID, err := urlID(r, "runID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	run, err := s.Runs.Get(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	if run.ProjectID != projectID {
		writeError(w, ingest.ErrRunNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// markTimeout is the admin force-timeout. Terminal runs are rejected
// with 422.
func (s *Server) markTimeout(w http.ResponseWriter, r *http.Request) {
	projectID, err := urlID(r, "projectID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	runID, err := urlID(r, "runID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	run, err := s.Runs.Get(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	if run.ProjectID != projectID {
		writeError(w, ingest.ErrRunNotFound)
		return
	}
	if err := s.Orchestrator.ForceTimeout(r.Context(), runID, "api"); err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.Runs.Get(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
