// Package api exposes the conversation core over HTTP, WebSocket and MCP.
package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/kalambet/pixella/internal/chat"
	"github.com/kalambet/pixella/internal/observability"
)

const (
	maxRequestBodySize = 1 << 20  // 1MB
	maxImportBodySize  = 10 << 20 // 10MB
)

// Deps holds what the handlers need. Metrics and HTTPClient are optional.
type Deps struct {
	Service    *chat.Service
	Metrics    *observability.Metrics
	Token      string
	HTTPClient *http.Client
	// AllowAnyOrigin disables the same-origin check on WebSocket upgrades.
	AllowAnyOrigin bool
}

type handler struct {
	svc      *chat.Service
	metrics  *observability.Metrics
	client   *http.Client
	upgrader websocket.Upgrader
}

// NewHandler returns the router. /health and /metrics are public; every
// /v1 route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	h := &handler{
		svc:      deps.Service,
		metrics:  deps.Metrics,
		client:   deps.HTTPClient,
		upgrader: newUpgrader(deps.AllowAnyOrigin),
	}
	if h.client == nil {
		h.client = &http.Client{Timeout: 15 * time.Second}
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/sessions", h.listSessions)
		r.Post("/sessions", h.createSession)
		r.Delete("/sessions", h.deleteAllSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.getSession)
			r.Delete("/", h.deleteSession)
			r.Patch("/", h.updateSession)
			r.Post("/rename", h.renameSession)
			r.Post("/switch", h.switchSession)
			r.Post("/clear", h.clearSession)
			r.Get("/stats", h.sessionStats)
			r.Post("/messages", h.sendMessage)
			r.Post("/preview", h.preview)
		})

		r.Get("/documents", h.listDocuments)
		r.Post("/documents", h.importDocument)
		r.Delete("/documents", h.clearDocuments)
		r.Get("/documents/export", h.exportDocuments)
		r.Delete("/documents/{id}", h.deleteDocument)

		r.Post("/recall", h.recall)
		r.Get("/models", h.listModels)
		r.Get("/ws", h.serveWS)
	})
	return r
}

func (h *handler) listModels(w http.ResponseWriter, r *http.Request) {
	cat, err := h.svc.Models(r.Context(), r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cat)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

// pathParam returns the decoded route parameter. chi matches against the
// escaped path when the request carries one, so ids holding '/' arrive
// still escaped.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v
	}
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
