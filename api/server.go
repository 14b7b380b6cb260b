// Package api exposes the HTTP control surface: schedules, manual run
// triggers, run listings, connections, Internal Data management and the
// derived reports.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/sellerhub/sellerhub/ingest"
	"github.com/sellerhub/sellerhub/internaldata"
	"github.com/sellerhub/sellerhub/store"
)

// Server wires the HTTP handlers to the control plane.
type Server struct {
	Orchestrator *ingest.Orchestrator
	Registry     *ingest.Registry
	Runs         ingest.RunStore
	Schedules    ingest.ScheduleStore
	Connections  *store.Connections
	Internal     *store.InternalData
	Importer     *internaldata.Service
	Reports      *store.Reports

	validate *validator.Validate
	logger   *log.Entry
}

// NewServer returns a Server ready for Router().
func NewServer() *Server {
	return &Server{
		validate: validator.New(),
		logger:   log.WithField("component", "api"),
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() chi.Router {
	var r = chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/projects/{projectID}", func(r chi.Router) {
		r.Route("/ingest", func(r chi.Router) {
			r.Post("/schedules", s.createSchedule)
			r.Get("/schedules", s.listSchedules)
			r.Put("/schedules/{scheduleID}", s.updateSchedule)
			r.Delete("/schedules/{scheduleID}", s.deleteSchedule)

			r.Get("/runs", s.listRuns)
			r.Get("/runs/{runID}", s.getRun)
			r.Post("/runs/{runID}/mark-timeout", s.markTimeout)
		})
		r.Post("/ingestions/wb/{job}/run", s.manualWBRun)

		r.Route("/internal-data", func(r chi.Router) {
			r.Get("/settings", s.getInternalSettings)
			r.Put("/settings", s.putInternalSettings)
			r.Post("/test", s.testInternalSource)
			r.Post("/sync", s.syncInternalSource)
			r.Post("/upload", s.uploadInternalFile)

			r.Get("/categories", s.listCategories)
			r.Post("/categories", s.createCategory)
			r.Put("/categories/{categoryID}", s.reparentCategory)
			r.Delete("/categories/{categoryID}", s.deleteCategory)
		})

		r.Get("/connections/{marketplace}", s.getConnection)
		r.Put("/connections/{marketplace}", s.putConnection)

		r.Get("/reports/price-discrepancy", s.priceDiscrepancy)
		r.Get("/dashboard", s.dashboard)
	})

	r.Post("/ingest/schedules/{scheduleID}/run", s.runSchedule)

	return r
}

func requestLogger(logger *log.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			logger.WithFields(log.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).Debug("handled request")
		})
	}
}

// urlID parses a numeric path parameter.
func urlID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid " + name)
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError maps domain errors onto HTTP statuses: exclusion conflicts
// are 409, validation and support errors 422, unknown entities 404.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrActiveRunExists):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: ingest.ReasonActiveRunExists})
	case errors.Is(err, ingest.ErrLockNotAcquired):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: ingest.ReasonLockNotAcquired})
	case errors.Is(err, ingest.ErrManualNotSupported),
		errors.Is(err, ingest.ErrScheduleNotSupported),
		errors.Is(err, ingest.ErrInvalidParams),
		errors.Is(err, ingest.ErrInvalidCron),
		errors.Is(err, ingest.ErrRunNotRunning),
		errors.Is(err, store.ErrCategoryCycle):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{Error: err.Error()})
	case errors.Is(err, ingest.ErrJobNotFound),
		errors.Is(err, ingest.ErrRunNotFound),
		errors.Is(err, ingest.ErrScheduleNotFound),
		errors.Is(err, store.ErrNotConfigured),
		errors.Is(err, store.ErrNoInternalSnapshot):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
}

func decodeBody(r *http.Request, into any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return errors.New("malformed request body")
	}
	return nil
}
