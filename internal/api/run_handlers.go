package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/openlistings/harvester/internal/pipeline"
)

type discoveryRequest struct {
	Queries []pipeline.Item `json:"queries"`
}

type enrichmentRequest struct {
	IDs   []string `json:"ids"`
	Auto  bool     `json:"auto"`
	Limit int      `json:"limit"`
}

func (s *Server) submitDiscovery(w http.ResponseWriter, r *http.Request) {
	var req discoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Queries) == 0 {
		writeError(w, http.StatusBadRequest, "queries required")
		return
	}
	s.launchRun(w, r, pipeline.KindDiscovery,
		map[string]any{"queries": len(req.Queries)}, req.Queries)
}

func (s *Server) submitEnrichment(w http.ResponseWriter, r *http.Request) {
	var req enrichmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ids := req.IDs
	if req.Auto {
		limit := req.Limit
		if limit <= 0 || limit > s.cfg.EnrichmentLimit {
			limit = s.cfg.EnrichmentLimit
		}
		selected, err := s.records.ListUnenriched(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to select enrichment candidates")
			return
		}
		ids = append(ids, selected...)
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "no identifiers to enrich")
		return
	}
	items := make([]pipeline.Item, 0, len(ids))
	for _, id := range ids {
		items = append(items, pipeline.Item{"id": id})
	}
	s.launchRun(w, r, pipeline.KindEnrichment,
		map[string]any{"ids": len(ids), "auto": req.Auto}, items)
}

// launchRun registers the run and executes it in the background. The
// response carries only the run ID; progress is observable via GET.
func (s *Server) launchRun(w http.ResponseWriter, r *http.Request, kind pipeline.RunKind, params map[string]any, items []pipeline.Item) {
	run, err := s.orch.NewRun(r.Context(), kind, params, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	go func() {
		if err := s.orch.Execute(context.Background(), run, items); err != nil {
			s.logger.Error("run finished with error",
				zap.String("run_id", run.ID),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.runs.GetRun(r.Context(), runID)
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50)
	kind := pipeline.RunKind(r.URL.Query().Get("kind"))
	status := pipeline.RunStatus(r.URL.Query().Get("status"))
	runs, err := s.runs.ListRecent(r.Context(), limit, kind, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) listActiveRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runs.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list active runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// runStats aggregates counters across recent runs. Errors are reported
// alongside successes rather than netted out.
func (s *Server) runStats(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 500)
	kind := pipeline.RunKind(r.URL.Query().Get("kind"))
	runs, err := s.runs.ListRecent(r.Context(), limit, kind, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	var totals pipeline.RunCounts
	byStatus := map[pipeline.RunStatus]int{}
	for _, run := range runs {
		byStatus[run.Status]++
		totals.Requested += run.Counts.Requested
		totals.Processed += run.Counts.Processed
		totals.Errors += run.Counts.Errors
		totals.Skipped += run.Counts.Skipped
		totals.BytesWritten += run.Counts.BytesWritten
		totals.FilesWritten += run.Counts.FilesWritten
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":      len(runs),
		"by_status": byStatus,
		"totals":    totals,
	})
}

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
