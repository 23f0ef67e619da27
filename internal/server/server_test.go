package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/ivlev/reelforge/internal/config"
	"github.com/ivlev/reelforge/internal/encoder"
	"github.com/ivlev/reelforge/internal/engine"
	"github.com/ivlev/reelforge/internal/logging"
	"github.com/ivlev/reelforge/internal/source"
	"github.com/ivlev/reelforge/internal/template"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.CacheDir = filepath.Join(t.TempDir(), "cache")
	cfg.WorkDir = t.TempDir()
	logger := logging.NewWithWriter(io.Discard, slog.LevelError)
	p, err := engine.NewProject(cfg, logger)
	if err != nil {
		t.Fatalf("NewProject failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return New(p, logger)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Status %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("Body %q", rec.Body.String())
	}
}

func TestRenderRejectsBadJSON(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/render", strings.NewReader("{nope"))
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status %d, want 400", rec.Code)
	}
}

func TestRenderRequiresPaths(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/render", strings.NewReader(`{"content":{}}`))
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Status %d, want 400", rec.Code)
	}
}

func TestRenderInvalidTemplateIs422(t *testing.T) {
	s := newTestServer(t)
	tpl := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(tpl, []byte(`{"name":"x","duration":0,"scenes":[]}`), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	body := `{"template":"` + tpl + `","source":"clip.mp4"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/render", strings.NewReader(body))
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("Status %d, want 422: %s", rec.Code, rec.Body.String())
	}
}

func TestCacheEndpoints(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cache", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("List status %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/cache", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("Clear status %d, want 204", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errors.Wrap(template.ErrInvalidTemplate, "scene 2"), http.StatusUnprocessableEntity},
		{errors.Wrap(source.ErrSourceUnavailable, "probe"), http.StatusBadGateway},
		{errors.Wrap(encoder.ErrEmptyOutput, "finalize"), http.StatusInternalServerError},
		{errors.New("anything else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
