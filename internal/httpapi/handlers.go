package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hamed0406/dpichecker/internal/domain"
	"github.com/hamed0406/dpichecker/internal/export"
	"github.com/hamed0406/dpichecker/internal/repo"
	"github.com/hamed0406/dpichecker/internal/runs"
)

type targetPayload struct {
	Provider string `json:"provider"`
	Region   string `json:"region"`
	Label    string `json:"label"`
	URL      string `json:"url"`
}

func (p targetPayload) target() domain.Target {
	return domain.Target{
		Provider: domain.Provider(strings.TrimSpace(p.Provider)),
		Region:   p.Region,
		Label:    p.Label,
		URL:      p.URL,
	}
}

type runPayload struct {
	Providers   []string        `json:"providers"`
	NoCatalog   bool            `json:"no_catalog"`
	Custom      []targetPayload `json:"custom"`
	Concurrency int             `json:"concurrency"`
}

type providerInfo struct {
	Name  domain.Provider `json:"name"`
	Count int             `json:"count"`
}

type catalogResponse struct {
	Providers []providerInfo  `json:"providers"`
	Targets   []domain.Target `json:"targets"`
}

type runResponse struct {
	*domain.Run
	Summary domain.Summary `json:"summary"`
}

func newRunResponse(run *domain.Run) runResponse {
	return runResponse{Run: run, Summary: domain.Summarize(run.Results)}
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	filter, unknown := s.Catalog.Resolve(r.URL.Query()["provider"])
	if len(unknown) > 0 {
		writeError(w, http.StatusBadRequest, "unknown provider: "+strings.Join(unknown, ", "))
		return
	}
	counts := s.Catalog.ProviderCounts()
	resp := catalogResponse{Targets: s.Catalog.Filter(filter...)}
	for _, p := range s.Catalog.ProviderNames() {
		resp.Providers = append(resp.Providers, providerInfo{Name: p, Count: counts[p]})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var p runPayload
	if err := decodeJSON(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "bad payload")
		return
	}
	providers, unknown := s.Catalog.Resolve(p.Providers)
	if len(unknown) > 0 {
		writeError(w, http.StatusBadRequest, "unknown provider: "+strings.Join(unknown, ", "))
		return
	}
	if len(p.Providers) > 0 && len(providers) == 0 {
		writeError(w, http.StatusBadRequest, "no providers selected")
		return
	}

	req := runs.Request{Providers: providers, NoCatalog: p.NoCatalog, Concurrency: p.Concurrency}
	for _, c := range p.Custom {
		req.Custom = append(req.Custom, c.target())
	}

	run, err := s.Runs.Start(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, runs.ErrNoTargets), errors.Is(err, domain.ErrInvalidTargetURL), errors.Is(err, domain.ErrUnknownProvider):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	default:
		s.Logger.Error("run_start_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not start run")
		return
	}

	s.Logger.Info("run_requested",
		zap.String("run_id", run.ID),
		zap.Int("total", run.Total),
		zap.Int("concurrency", run.Concurrency),
	)
	w.Header().Set("Location", "/api/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, newRunResponse(run))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := s.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
		limit = n
	}
	infos, err := s.Runs.List(r.Context(), limit)
	if err != nil {
		s.Logger.Error("run_list_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list error")
		return
	}
	if infos == nil {
		infos = []domain.RunInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

// getRun writes the error response itself and returns nil when the run
// cannot be served.
func (s *Server) getRun(w http.ResponseWriter, r *http.Request) *domain.Run {
	id := chi.URLParam(r, "id")
	run, err := s.Runs.Get(r.Context(), id)
	switch {
	case err == nil:
		return run
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	default:
		s.Logger.Error("run_get_failed", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get error")
	}
	return nil
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if run := s.getRun(w, r); run != nil {
		writeJSON(w, http.StatusOK, newRunResponse(run))
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format := export.FormatJSON
	if v := r.URL.Query().Get("format"); v != "" {
		f, err := export.ParseFormat(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		format = f
	}
	run := s.getRun(w, r)
	if run == nil {
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.FileName(s.Now(), format)+`"`)
	if err := export.Write(w, format, run.Results); err != nil {
		s.Logger.Warn("export_write_failed", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.Runs.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
	case errors.Is(err, repo.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, runs.ErrFinished):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.Logger.Error("run_cancel_failed", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cancel error")
	}
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var p targetPayload
	if err := decodeJSON(w, r, &p); err != nil || strings.TrimSpace(p.URL) == "" {
		writeError(w, http.StatusBadRequest, "bad payload")
		return
	}
	res, err := s.Runs.CheckOne(r.Context(), p.target(), nil)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTargetURL) || errors.Is(err, domain.ErrUnknownProvider) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.Logger.Error("check_failed", zap.String("url", p.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "check error")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
