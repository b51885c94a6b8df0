/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/friendsincode/seqworker/internal/logbuffer"
	"github.com/friendsincode/seqworker/internal/orchestrator"
	"github.com/friendsincode/seqworker/internal/sequence"
	"github.com/friendsincode/seqworker/internal/telemetry"
	"github.com/friendsincode/seqworker/internal/version"
)

// Status is the body of GET /status.
type Status struct {
	ClientGUID     string                     `json:"clientGuid"`
	RemoteWorker   bool                       `json:"remoteWorker"`
	Dashboards     int                        `json:"dashboards"`
	ActiveSequence *sequence.Info             `json:"activeSequence"`
	Worker         *orchestrator.WorkerStatus `json:"worker,omitempty"`
}

func (s *Server) initRouter() {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.MetricsMiddleware(s.logger))
	router.Use(middleware.Timeout(30 * time.Second))

	router.Get("/healthz", s.handleHealth)
	router.Get("/status", s.handleStatus)
	router.Get("/sequences", s.handleSequences)
	router.Get("/assignments", s.handleAssignments)
	router.Get("/logs", s.handleLogs)
	router.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	})
	router.Handle("/metrics", telemetry.Handler())

	s.router = router
}

// Handler returns the ops HTTP handler wrapped with tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "seqworker-ops")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.worker != nil {
		body["registration"] = s.worker.Status().Registration
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{
		ClientGUID:   s.guid.String(),
		RemoteWorker: s.worker != nil,
		Dashboards:   s.dashboard.ActiveConnections(),
	}
	if active := s.tracker.Active(); active != nil {
		info := active.Info
		st.ActiveSequence = &info
	}
	if s.worker != nil {
		ws := s.worker.Status()
		st.Worker = &ws
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSequences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.catalog.Snapshot())
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "assignment journal disabled")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	rows, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list assignment outcomes")
		writeError(w, http.StatusInternalServerError, "failed to list assignments")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeError(w, http.StatusNotFound, "log capture disabled")
		return
	}
	q := r.URL.Query()
	query := logbuffer.Query{
		Level:        q.Get("level"),
		Component:    q.Get("component"),
		AssignmentID: q.Get("assignment_id"),
		Search:       q.Get("q"),
		Limit:        200,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		query.Limit = n
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		query.Since = since
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.logs.Find(query),
		"levels":  s.logs.Levels(),
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Cache-Control", "no-store")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
