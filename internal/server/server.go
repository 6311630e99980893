// Package server exposes published region artifacts read-only over
// HTTP.
package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/relieflab/demflow/pkg/pipeline"
)

// Server serves the output directory: the region manifest and each
// region's published artifact. It never writes.
type Server struct {
	outputDir string
	log       *zap.Logger
	router    chi.Router
}

// New builds a server over an output directory.
func New(outputDir string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{outputDir: outputDir, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/manifest", s.handleManifest)
	r.Get("/regions/{id}", s.handleRegion)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no such route")
	})
	s.router = r
	return s
}

// Handler returns the HTTP handler for mounting or testing.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe blocks serving on addr.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.log.Info("Serving published regions", zap.String("addr", addr), zap.String("output_dir", s.outputDir))
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	m, err := pipeline.ReadManifest(s.outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no regions published yet")
			return
		}
		s.log.Error("Manifest read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "manifest unreadable")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleRegion streams a region's published artifact.
func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	// Region IDs never contain path separators; reject anything that
	// could escape the output directory.
	if id == "" || id != filepath.Base(id) {
		writeError(w, http.StatusBadRequest, "INVALID_REGION", "malformed region id")
		return
	}

	path := filepath.Join(s.outputDir, id, "elevation.json.zst")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "region not published: "+id)
			return
		}
		s.log.Error("Artifact open failed", zap.String("region", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "INTERNAL", "artifact unreadable")
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "zstd")
	http.ServeContent(w, r, "elevation.json.zst", time.Time{}, f)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = msg
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
