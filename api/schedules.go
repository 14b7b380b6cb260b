package api

import (
	"net/http"

	"github.com/sellerhub/sellerhub/ingest"
)

type scheduleRequest struct {
	Source   string `json:"source" validate:"required"`
	Job      string `json:"job" validate:"required"`
	CronExpr string `json:"cron_expr" validate:"required"`
	Timezone string `json:"timezone"`
	Enabled  *bool  `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	projectID, err := urlID(r, "projectID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
		return
	}

	spec, err := s.Registry.Lookup(req.Source, req.Job)
	if err != nil {
		writeError(w, err)
		return
	}
	if !spec.SupportsSchedule {
		writeError(w, ingest.ErrScheduleNotSupported)
		return
	}

	var enabled = true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	schedule, err := s.Schedules.Create(r.Context(), ingest.NewSchedule{
		ProjectID: projectID,
		Source:    req.Source,
		Job:       req.Job,
		CronExpr:  req.CronExpr,
		Timezone:  req.Timezone,
		Enabled:   enabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, schedule)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	projectID, err := urlID(r, "projectID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	schedules, err := s.Schedules.ListByProject(r.Context(), projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	projectID, err := urlID(r, "projectID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	scheduleID, err := urlID(r, "scheduleID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	var req scheduleRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	schedule, err := s.Schedules.Get(r.Context(), scheduleID)
	if err != nil {
		writeError(w, err)
		return
	}
	if schedule.ProjectID != projectID {
		writeError(w, ingest.ErrScheduleNotFound)
		return
	}
	if req.CronExpr != "" {
		schedule.CronExpr = req.CronExpr
	}
	if req.Timezone != "" {
		schedule.Timezone = req.Timezone
	}
	if req.Enabled != nil {
		schedule.Enabled = *req.Enabled
	}
	if err := s.Schedules.Update(r.Context(), schedule); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedule)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	projectID, err := urlID(r, "projectID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	scheduleID, err := urlID(r, "scheduleID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	schedule, err := s.Schedules.Get(r.Context(), scheduleID)
	if err != nil {
		writeError(w, err)
		return
	}
	if schedule.ProjectID != projectID {
		writeError(w, ingest.ErrScheduleNotFound)
		return
	}
	if err := s.Schedules.Delete(r.Context(), scheduleID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runSchedule manually triggers the schedule's job right now. Exclusion
// conflicts surface as 409.
func (s *Server) runSchedule(w http.ResponseWriter, r *http.Request) {
	scheduleID, err := urlID(r, "scheduleID")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	schedule, err := s.Schedules.Get(r.Context(), scheduleID)
	if err != nil {
		writeError(w, err)
		return
	}
	run, err := s.Orchestrator.Enqueue(r.Context(), schedule.ProjectID,
		schedule.Source, schedule.Job, ingest.TriggerManual, &schedule.ID, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}
