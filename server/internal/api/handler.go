package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/buildpulse/buildpulse/server/internal/alerts"
	"github.com/buildpulse/buildpulse/server/internal/build"
	"github.com/buildpulse/buildpulse/server/internal/hub"
	"github.com/buildpulse/buildpulse/server/internal/ingest"
	"github.com/buildpulse/buildpulse/server/internal/metrics"
	"github.com/buildpulse/buildpulse/server/internal/relay"
	"github.com/buildpulse/buildpulse/server/internal/store"
)

const (
	// ServiceName is reported by the health endpoint.
	ServiceName = "buildpulse"

	maxBodyBytes = 1 << 20
	defaultLimit = 50
	maxLimit     = 500
)

// Ingester records provider payloads.
type Ingester interface {
	Ingest(ctx context.Context, provider string, raw []byte) (build.Record, error)
	IngestCanonical(ctx context.Context, provider string, raw []byte) (build.Record, error)
	Stats() ingest.Stats
}

// BuildReader is the read side of the build store.
type BuildReader interface {
	Recent(ctx context.Context, limit, offset int) ([]build.Record, error)
	Latest(ctx context.Context, pipeline string) (build.Record, error)
	Get(ctx context.Context, id int64) (build.Record, error)
	Query(ctx context.Context, w store.Window, pipeline string) ([]build.Record, error)
	Count(ctx context.Context) (int64, error)
}

// Summarizer computes health summaries.
type Summarizer interface {
	Summarize(ctx context.Context, window time.Duration) (metrics.Summary, error)
}

// AlertLister exposes alert history and counters.
type AlertLister interface {
	Recent(limit int) []alerts.Alert
	Stats() alerts.Stats
}

// Deps wires a Handler. Ingest, Store, Metrics and Hub are required.
type Deps struct {
	Ingest  Ingester
	Store   BuildReader
	Metrics Summarizer
	Hub     interface{ Stats() hub.Stats }
	Alerts  AlertLister                      // optional
	Relay   interface{ Stats() relay.Stats } // optional
	Stream  http.Handler                     // optional, mounted at /ws/stream

	// DefaultWindow is used by window queries that do not name one.
	DefaultWindow time.Duration
}

// Handler serves the REST API, the live-update stream, health and metrics.
type Handler struct {
	deps   Deps
	router *mux.Router
	now    func() time.Time // injectable for deterministic tests
}

// New creates a Handler wired to d and registers all routes.
func New(d Deps) *Handler {
	if d.DefaultWindow <= 0 {
		d.DefaultWindow = metrics.DefaultWindow
	}
	h := &Handler{deps: d, router: mux.NewRouter(), now: time.Now}

	r := h.router
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.metrics).Methods(http.MethodGet)
	if d.Stream != nil {
		r.Handle("/ws/stream", d.Stream).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/webhooks/{provider}", h.webhook).Methods(http.MethodPost)
	v1.HandleFunc("/ingest/{provider}", h.ingestCanonical).Methods(http.MethodPost)
	v1.HandleFunc("/builds", h.listBuilds).Methods(http.MethodGet)
	v1.HandleFunc("/builds/latest", h.latestBuild).Methods(http.MethodGet)
	v1.HandleFunc("/builds/{id:[0-9]+}", h.getBuild).Methods(http.MethodGet)
	v1.HandleFunc("/pipelines/{pipeline}/builds", h.pipelineBuilds).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/summary", h.summary).Methods(http.MethodGet)
	v1.HandleFunc("/alerts", h.alerts).Methods(http.MethodGet)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusNotFound, "not found")
	})
	notAllowed := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	// A subrouter resolves its own misses; without these a wrong method
	// under /api/v1 falls through as 404.
	for _, rt := range []*mux.Router{r, v1} {
		rt.NotFoundHandler = notFound
		rt.MethodNotAllowedHandler = notAllowed
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// --- ingestion --------------------------------------------------------------

// webhook handles POST /api/v1/webhooks/{provider}: a native provider payload.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, h.deps.Ingest.Ingest)
}

// ingestCanonical handles POST /api/v1/ingest/{provider}: the canonical shape.
func (h *Handler) ingestCanonical(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, h.deps.Ingest.IngestCanonical)
}

type ingestFunc func(ctx context.Context, provider string, raw []byte) (build.Record, error)

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, fn ingestFunc) {
	provider := mux.Vars(r)["provider"]

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonErr(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		jsonErr(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	rec, err := fn(r.Context(), provider, raw)
	if errors.Is(err, ingest.ErrSkipped) {
		jsonResp(w, http.StatusAccepted, IgnoredResponse{Status: "ignored", Reason: err.Error()})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResp(w, http.StatusCreated, rec)
}

// --- reads ------------------------------------------------------------------

// listBuilds handles GET /api/v1/builds?limit=&offset=, most recent first.
func (h *Handler) listBuilds(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil || limit <= 0 {
		jsonErr(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil || offset < 0 {
		jsonErr(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	recs, err := h.deps.Store.Recent(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResp(w, http.StatusOK, recs)
}

// latestBuild handles GET /api/v1/builds/latest?pipeline=.
func (h *Handler) latestBuild(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Store.Latest(r.Context(), r.URL.Query().Get("pipeline"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResp(w, http.StatusOK, rec)
}

// getBuild handles GET /api/v1/builds/{id}.
func (h *Handler) getBuild(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid build id")
		return
	}
	rec, err := h.deps.Store.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResp(w, http.StatusOK, rec)
}

// pipelineBuilds handles GET /api/v1/pipelines/{pipeline}/builds?window=.
func (h *Handler) pipelineBuilds(w http.ResponseWriter, r *http.Request) {
	window, ok := h.window(w, r)
	if !ok {
		return
	}
	now := h.now().UTC()
	recs, err := h.deps.Store.Query(r.Context(),
		store.Window{Since: now.Add(-window), Until: now},
		mux.Vars(r)["pipeline"],
	)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResp(w, http.StatusOK, recs)
}

// summary handles GET /api/v1/metrics/summary?window=.
func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	window, ok := h.window(w, r)
	if !ok {
		return
	}
	s, err := h.deps.Metrics.Summarize(r.Context(), window)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResp(w, http.StatusOK, s)
}

// alerts handles GET /api/v1/alerts?limit=, newest first.
func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	if h.deps.Alerts == nil {
		jsonResp(w, http.StatusOK, []alerts.Alert{})
		return
	}
	limit, err := intParam(r, "limit", defaultLimit)
	if err != nil || limit <= 0 {
		jsonErr(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	jsonResp(w, http.StatusOK, h.deps.Alerts.Recent(limit))
}

// health handles GET /health. It reports liveness only; a failing database
// shows up in the storage field without changing the status code.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Service:   ServiceName,
		Storage:   "ok",
	}
	if _, err := h.deps.Store.Count(r.Context()); err != nil {
		resp.Storage = "unavailable"
		slog.Warn("api: health storage check failed", "err", err)
	}
	jsonResp(w, http.StatusOK, resp)
}

// --- helpers ----------------------------------------------------------------

func (h *Handler) window(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return h.deps.DefaultWindow, true
	}
	d, err := metrics.ParseWindow(raw)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return 0, false
	}
	return d, true
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var ve *build.ValidationError
	switch {
	case errors.As(err, &ve):
		jsonResp(w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
	case errors.Is(err, build.ErrNotFound):
		jsonErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, build.ErrStorageUnavailable):
		slog.Error("api: storage unavailable", "err", err)
		jsonErr(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		slog.Error("api: internal error", "err", err)
		jsonErr(w, http.StatusInternalServerError, "internal error")
	}
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
