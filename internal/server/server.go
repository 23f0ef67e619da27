// Package server exposes the render pipeline over HTTP. One render runs
// per request; structural failures map to status codes that distinguish a
// bad request from a broken source or pipeline.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/ivlev/reelforge/internal/encoder"
	"github.com/ivlev/reelforge/internal/engine"
	"github.com/ivlev/reelforge/internal/logging"
	"github.com/ivlev/reelforge/internal/source"
	"github.com/ivlev/reelforge/internal/template"
)

type Server struct {
	project *engine.Project
	logger  *slog.Logger
	router  *mux.Router
}

func New(project *engine.Project, logger *slog.Logger) *Server {
	s := &Server{
		project: project,
		logger:  logging.NewComponentLogger(logger, "server"),
	}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/render", s.handleRender).Methods(http.MethodPost)
	r.HandleFunc("/api/cache", s.handleCacheList).Methods(http.MethodGet)
	r.HandleFunc("/api/cache", s.handleCacheClear).Methods(http.MethodDelete)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("listening", slog.String("addr", addr))
	return srv.ListenAndServe()
}

type renderRequest struct {
	Template string         `json:"template"`
	Source   string         `json:"source"`
	Content  map[string]any `json:"content"`
	Output   string         `json:"output"`
}

type renderResponse struct {
	JobID     string  `json:"jobId"`
	Output    string  `json:"output"`
	FromCache bool    `json:"fromCache"`
	Frames    int64   `json:"frames"`
	Duration  float64 `json:"duration"`
	Size      int64   `json:"size"`
	ElapsedMS int64   `json:"elapsedMs"`
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	var req renderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode request"))
		return
	}
	if req.Template == "" || req.Source == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("template and source are required"))
		return
	}

	res, err := s.project.Render(r.Context(), engine.RenderRequest{
		TemplatePath: req.Template,
		SourcePath:   req.Source,
		Content:      req.Content,
		OutputPath:   req.Output,
	})
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	s.writeJSON(w, http.StatusOK, renderResponse{
		JobID:     res.JobID,
		Output:    res.OutputPath,
		FromCache: res.FromCache,
		Frames:    res.Frames,
		Duration:  res.Duration,
		Size:      res.Size,
		ElapsedMS: res.Elapsed.Milliseconds(),
	})
}

// statusFor maps the error taxonomy onto HTTP codes: caller mistakes are
// 4xx, pipeline failures 5xx.
func statusFor(err error) int {
	switch {
	case errors.Is(err, template.ErrInvalidTemplate):
		return http.StatusUnprocessableEntity
	case errors.Is(err, source.ErrSourceUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, encoder.ErrEmptyOutput):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCacheList(w http.ResponseWriter, r *http.Request) {
	cache := s.project.Cache()
	if cache == nil {
		s.writeJSON(w, http.StatusOK, []any{})
		return
	}
	entries, err := cache.Entries(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	cache := s.project.Cache()
	if cache != nil {
		if err := cache.Clear(r.Context()); err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", logging.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("request failed", slog.Int("status", status), logging.Error(err))
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
