// SPDX-License-Identifier: MIT

// Package api serves the local status and control surface. It is meant
// for an operator on the same host or LAN; there is no authentication,
// binding to a loopback or firewalled address is the deployment's job.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/camrecd/camrecd/internal/log"
	"github.com/camrecd/camrecd/internal/recorder"
	"github.com/camrecd/camrecd/internal/storage"
	"github.com/camrecd/camrecd/internal/transcode"
)

// Transcoder is the pipeline surface the API exposes. Nil when
// transcoding is disabled.
type Transcoder interface {
	Status() transcode.Status
	ForceNow(ctx context.Context)
}

// Server wires the HTTP handlers over the running subsystems.
type Server struct {
	orch    *recorder.Orchestrator
	store   *storage.Engine
	trans   Transcoder
	logger  zerolog.Logger
	started time.Time
	version string
}

// New builds the API server. trans may be nil.
func New(orch *recorder.Orchestrator, store *storage.Engine, trans Transcoder, version string) *Server {
	return &Server{
		orch:    orch,
		store:   store,
		trans:   trans,
		logger:  log.WithComponent("api"),
		started: time.Now(),
		version: version,
	}
}

// Router assembles the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/storage", s.handleStorage)
		r.Post("/cleanup", s.handleCleanup)
		r.Post("/transcode/force", s.handleForceTranscode)
	})
	return r
}

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func fail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

// handleHealthz is the liveness probe: 200 while every started camera
// session is alive, 503 as soon as one is not.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	health := s.orch.CheckHealth()
	for _, alive := range health {
		if !alive {
			writeJSON(w, http.StatusServiceUnavailable, envelope{Success: false, Data: health, Error: "camera down"})
			return
		}
	}
	ok(w, health)
}

type statusResponse struct {
	Version     string                           `json:"version"`
	UptimeSec   int64                            `json:"uptime_seconds"`
	Cameras     map[string]recorder.SessionStats `json:"cameras"`
	Disk        storage.Snapshot                 `json:"disk"`
	SpaceLow    bool                             `json:"space_low"`
	Critical    bool                             `json:"space_critical"`
	Transcoding *transcode.Status                `json:"transcoding,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Version:   s.version,
		UptimeSec: int64(time.Since(s.started).Seconds()),
		Cameras:   s.orch.AllStats(),
		SpaceLow:  s.store.IsSpaceLow(),
		Critical:  s.store.IsSpaceCritical(),
	}
	if snap, err := s.store.Usage(); err == nil {
		resp.Disk = snap
	}
	if s.trans != nil {
		st := s.trans.Status()
		resp.Transcoding = &st
	}
	ok(w, resp)
}

func (s *Server) handleStorage(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.store.RecordingStats()
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	ok(w, stats)
}

// handleCleanup runs the age-based eviction pass. dry_run=true reports
// candidates without deleting anything.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	report, err := s.store.CleanupOld(dryRun)
	if err != nil {
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().Bool("dry_run", dryRun).Int("removed", report.FilesRemoved).Msg("cleanup requested via api")
	ok(w, report)
}

func (s *Server) handleForceTranscode(w http.ResponseWriter, r *http.Request) {
	if s.trans == nil {
		fail(w, http.StatusConflict, "transcoding disabled")
		return
	}
	// The scan keeps running after the response; detach it from the
	// request context.
	s.trans.ForceNow(context.WithoutCancel(r.Context()))
	ok(w, map[string]string{"state": "queued"})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}
