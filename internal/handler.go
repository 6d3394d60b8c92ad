package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/stampede"
	"github.com/klauspost/compress/gzhttp"
)

// Handler is the HTTP surface over the engine, importer and series
// integrity.
type Handler struct {
	engine   *Engine
	searcher *Searcher
	importer *Importer
	jobs     *JobStore
	series   *Integrity
	gw       Gateway
	caches   *CacheSet
	metrics  *Metrics
}

func NewHandler(engine *Engine, searcher *Searcher, importer *Importer, jobs *JobStore, series *Integrity, gw Gateway, caches *CacheSet, metrics *Metrics) http.Handler {
	h := &Handler{
		engine:   engine,
		searcher: searcher,
		importer: importer,
		jobs:     jobs,
		series:   series,
		gw:       gw,
		caches:   caches,
		metrics:  metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if metrics != nil {
		r.Use(metrics.instrument)
	}

	// Identical popular searches collapse into one execution.
	cached := stampede.Handler(512, 30*time.Second)

	r.Get("/healthz", h.healthz)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.With(cached).Get("/search", h.search)
	r.Get("/books/{isbn}", h.bookByISBN)
	r.Post("/enrich/{isbn}", h.enrich)
	r.Post("/enrich", h.enrichAll)

	r.Post("/import", h.startImport)
	r.Post("/import/preview", h.previewImport)
	r.Get("/jobs", h.listJobs)
	r.Get("/jobs/{id}", h.getJob)
	r.Delete("/jobs/{id}", h.cancelJob)

	r.With(cached).Get("/series/health", h.seriesHealth)
	r.Get("/series/{name}/report", h.seriesReport)
	r.Post("/series/{name}/reconcile", h.seriesReconcile)
	r.Put("/series/{name}/total", h.seriesTotal)
	r.Post("/series/{name}/volumes/{position}/own", h.markOwned)

	r.Get("/cache/stats", h.cacheStats)

	return gzhttp.GzipHandler(r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	var se statusErr
	switch {
	case errors.Is(err, errNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.As(err, &se):
		status = int(se)
	}
	if status >= 500 {
		Log(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.searcher.Search(r.Context(), q, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": results})
}

func (h *Handler) bookByISBN(w http.ResponseWriter, r *http.Request) {
	be, err := h.gw.BookByISBN(r.Context(), chi.URLParam(r, "isbn"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, be)
}

func (h *Handler) enrich(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force_refresh") == "true"
	res, err := h.engine.EnrichByISBN(r.Context(), chi.URLParam(r, "isbn"), force)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) enrichAll(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force_refresh") == "true"
	isbns, err := h.gw.ListISBNs(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	summary, err := h.engine.EnrichAll(r.Context(), isbns, force)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) startImport(w http.ResponseWriter, r *http.Request) {
	format, err := ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	opts, err := h.importOptions(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}

	// The import keeps running after this request returns, so the body has
	// to be captured before the connection goes away.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	job, err := h.importer.Start(r.Context(), format, bytes.NewReader(body), opts)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) previewImport(w http.ResponseWriter, r *http.Request) {
	format, err := ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	opts, err := h.importOptions(r)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	preview, err := h.importer.Preview(format, r.Body, limit, opts.Mapping)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

// importOptions folds query parameters over the configured defaults. mapping
// is a JSON object of target field to source column for the generic CSV
// format.
func (h *Handler) importOptions(r *http.Request) (ImportOptions, error) {
	opts := h.importer.Defaults()
	q := r.URL.Query()
	if q.Has("enrich") {
		opts.Enrich = q.Get("enrich") == "true"
	}
	if q.Has("skip_duplicates") {
		opts.SkipDuplicates = q.Get("skip_duplicates") == "true"
	}
	if raw := q.Get("mapping"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts.Mapping); err != nil {
			return opts, fmt.Errorf("%w: bad mapping: %v", errBadRequest, err)
		}
	}
	return opts, nil
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": h.jobs.List(r.Context())})
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.importer.Cancel(chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (h *Handler) seriesHealth(w http.ResponseWriter, r *http.Request) {
	score, audit, err := h.series.HealthScore(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"score": score, "audit": audit})
}

func (h *Handler) seriesReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.series.Validate(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) seriesReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.series.Reconcile(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) seriesTotal(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req struct {
		Total   int  `json:"total"`
		Ongoing bool `json:"ongoing"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, errBadRequest)
		return
	}
	if err := h.series.CheckUpdateTotal(r.Context(), name, req.Total); err != nil {
		writeErr(w, r, err)
		return
	}
	series, err := h.gw.UpsertSeries(r.Context(), Series{
		Name:         name,
		TotalVolumes: req.Total,
		Ongoing:      req.Ongoing,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (h *Handler) markOwned(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	position, err := strconv.Atoi(chi.URLParam(r, "position"))
	if err != nil {
		writeErr(w, r, errBadRequest)
		return
	}
	warning, err := h.series.CheckMarkOwned(r.Context(), name, position)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	series, err := h.gw.SeriesByName(r.Context(), name)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	err = h.gw.PutVolume(r.Context(), SeriesVolume{
		SeriesID: series.ID,
		Position: position,
		Status:   VolumeOwned,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	body := map[string]any{"series": series.Name, "position": position, "status": VolumeOwned}
	if warning != "" {
		body["warning"] = warning
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) cacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"shards": h.caches.Stats()})
}
