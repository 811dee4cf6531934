package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/weiawesome/slippi-broadcast/internal/server/hub"
	"github.com/weiawesome/slippi-broadcast/internal/server/metrics"
	"github.com/weiawesome/slippi-broadcast/internal/server/service"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
)

// HTTPHandler serves the relay's plain HTTP endpoints.
type HTTPHandler struct {
	service service.RelayService
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(svc service.RelayService) *HTTPHandler {
	return &HTTPHandler{service: svc}
}

// CountResponse is the API response for the live broadcast count.
type CountResponse struct {
	Broadcasts int `json:"broadcasts"`
}

// Health handles GET /health
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// BroadcastCount handles GET /api/v1/broadcasts/count
func (h *HTTPHandler) BroadcastCount(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.BroadcastCount(r.Context())
	if err != nil {
		http.Error(w, "failed to count broadcasts", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CountResponse{Broadcasts: n})
}

// NewRouter wires every relay endpoint onto one router.
func NewRouter(logger zerolog.Logger, ws *WSHandler, httpH *HTTPHandler, h *hub.Hub, m *metrics.Metrics) *mux.Router {
	router := mux.NewRouter()
	router.Use(pkglog.HTTPMiddleware(logger))

	router.HandleFunc("/ws", ws.HandleWebSocket)
	router.HandleFunc("/health", httpH.Health).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/broadcasts/count", httpH.BroadcastCount).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler(func() {
		m.SetConnections(h.ClientCount())
		if n, err := httpH.service.BroadcastCount(context.Background()); err == nil {
			m.SetActiveBroadcasts(n)
		}
	})).Methods(http.MethodGet)

	return router
}
