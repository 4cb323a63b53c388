package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hamed0406/dpichecker/internal/catalog"
	apimw "github.com/hamed0406/dpichecker/internal/httpapi/middleware"
	"github.com/hamed0406/dpichecker/internal/runs"
)

const maxBodyBytes = 1 << 20

type Server struct {
	Logger       *zap.Logger
	Runs         *runs.Manager
	Catalog      *catalog.Catalog
	HistoryLimit int // default page size of GET /api/runs
	Now          func() time.Time
}

func NewServer(l *zap.Logger, m *runs.Manager, cat *catalog.Catalog) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	return &Server{
		Logger:       l,
		Runs:         m,
		Catalog:      cat,
		HistoryLimit: 50,
		Now:          func() time.Time { return time.Now().UTC() },
	}
}

// Router wires the public read endpoints and the admin endpoints that start
// or stop work. Each group has its own rate limit.
func (s *Server) Router(keys apimw.Keys, origins []string, pubRPM, pubBurst, admRPM, admBurst int) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
		ExposedHeaders: []string{"Content-Disposition", "Location"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(apimw.RateLimit(pubRPM, pubBurst))
		r.Use(apimw.RequireAny(keys))
		r.Get("/api/catalog", s.handleCatalog)
		r.Get("/api/runs", s.handleListRuns)
		r.Get("/api/runs/{id}", s.handleGetRun)
		r.Get("/api/runs/{id}/export", s.handleExport)
	})

	r.Group(func(r chi.Router) {
		r.Use(apimw.RateLimit(admRPM, admBurst))
		r.Use(apimw.RequireAdmin(keys))
		r.Post("/api/runs", s.handleStartRun)
		r.Delete("/api/runs/{id}", s.handleCancelRun)
		r.Post("/api/check", s.handleCheck)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
