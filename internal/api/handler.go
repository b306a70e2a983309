package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sosnow/sosrelay/internal/alert"
	"github.com/sosnow/sosrelay/internal/coverage"
	"github.com/sosnow/sosrelay/internal/engine"
	"github.com/sosnow/sosrelay/internal/geo"
	"github.com/sosnow/sosrelay/internal/metrics"
)

const maxBodyBytes = 4096

// readyQueueLimit is the ingestion queue utilization above which /readyz fails.
const readyQueueLimit = 0.8

// Engine is the alert engine surface exposed over HTTP.
type Engine interface {
	SessionJoined() engine.Snapshot
	Acknowledge(id string) error
	Coverage() geo.Circle
	UpdateCoverage(u coverage.Update) geo.Circle
	QueueUtilization() float64
}

// FeedStatus reports the upstream subscription state.
type FeedStatus interface {
	EverConnected() bool
}

// Handler holds all HTTP handler dependencies.
type Handler struct {
	eng    Engine
	feed   FeedStatus
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates an HTTP handler and registers all routes. ws serves live
// sessions on /ws.
func New(eng Engine, feed FeedStatus, ws http.Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{eng: eng, feed: feed, logger: logger, mux: http.NewServeMux()}

	h.mux.HandleFunc("GET /v1/alerts", h.listAlerts)
	h.mux.HandleFunc("POST /v1/alerts/{id}/ack", h.acknowledge)
	h.mux.HandleFunc("GET /v1/coverage", h.getCoverage)
	h.mux.HandleFunc("PUT /v1/coverage", h.putCoverage)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())
	h.mux.Handle("GET /ws", ws)

	return loggingMiddleware(logger, h.mux)
}

// GET /v1/alerts returns the same state a new session receives.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.SessionJoined())
}

// POST /v1/alerts/{id}/ack
func (h *Handler) acknowledge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.eng.Acknowledge(id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, alert.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("alert %q is not active", id))
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) getCoverage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.eng.Coverage())
}

// PUT /v1/coverage accepts a partial {center?, radius_km?} body. Invalid
// fields are ignored; the resulting circle is returned.
func (h *Handler) putCoverage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	u, err := coverage.ParseUpdate(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.eng.UpdateCoverage(u))
}

// GET /healthz — always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz returns 503 until the feed has connected once, or while the
// ingestion queue is more than 80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.eng.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	feedUp := h.feed.EverConnected()

	status, code := "ready", http.StatusOK
	switch {
	case !feedUp:
		status, code = "feed_unavailable", http.StatusServiceUnavailable
	case util > readyQueueLimit:
		status, code = "overloaded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":            status,
		"feed_connected":    feedUp,
		"queue_utilization": util,
	})
}
