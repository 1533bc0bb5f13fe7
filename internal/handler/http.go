package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ecobuddy-backend/internal/domain"
	"github.com/ecobuddy-backend/internal/service"
	"github.com/ecobuddy-backend/internal/websocket"
)

// Handler provides the HTTP read API consumed by the watch app
type Handler struct {
	service *service.ScoreboardService
	hub     *websocket.Hub
	logger  *slog.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(service *service.ScoreboardService, hub *websocket.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		hub:     hub,
		logger:  logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/leaderboard", func(r chi.Router) {
			r.Get("/top", h.GetTop)
			r.Get("/count", h.GetCount)
			r.Get("/rank/{userID}", h.GetUserRank)
			r.Get("/around/{userID}", h.GetAroundUser)
		})

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/aggregates", h.ListMonthlyAggregates)
			r.Get("/aggregates/{monthKey}", h.GetMonthlyAggregate)
			r.Get("/purchases", h.ListPurchases)
			r.Get("/progress", h.GetProgressSummary)
		})

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// GetTop returns the top N users on the leaderboard
func (h *Handler) GetTop(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}

	entries, err := h.service.GetTopN(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to get top", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, entries)
}

// GetCount returns the number of users on the leaderboard
func (h *Handler) GetCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.GetCount(r.Context())
	if err != nil {
		h.logger.Error("failed to get count", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, map[string]int64{"count": count})
}

// GetUserRank returns a user's rank and point total
func (h *Handler) GetUserRank(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	entry, err := h.service.GetUserRank(r.Context(), userID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get user rank", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, entry)
}

// GetAroundUser returns users ranked around a specific user
func (h *Handler) GetAroundUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	count := 5
	if rangeStr := r.URL.Query().Get("range"); rangeStr != "" {
		if c, err := strconv.Atoi(rangeStr); err == nil && c > 0 {
			count = c
		}
	}

	entries, err := h.service.GetAroundUser(r.Context(), userID, count)
	if err != nil {
		if domain.IsNotFoundError(err) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get around user", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, entries)
}

// ListMonthlyAggregates returns all monthly aggregates for a user
func (h *Handler) ListMonthlyAggregates(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	aggs, err := h.service.ListMonthlyAggregates(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list monthly aggregates", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, aggs)
}

// GetMonthlyAggregate returns one monthly aggregate for a user
func (h *Handler) GetMonthlyAggregate(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	monthKey := chi.URLParam(r, "monthKey")
	if userID == "" || monthKey == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	agg, err := h.service.GetMonthlyAggregate(r.Context(), userID, monthKey)
	if err != nil {
		if domain.IsNotFoundError(err) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to get monthly aggregate", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, agg)
}

// windowDays parses the trailing-window query parameter, allowing only the
// windows the watch app uses.
func windowDays(r *http.Request) int {
	switch r.URL.Query().Get("window") {
	case "7":
		return 7
	case "365":
		return 365
	default:
		return 30
	}
}

// ListPurchases returns a user's purchases within a trailing window
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	records, err := h.service.ListPurchases(r.Context(), userID, windowDays(r))
	if err != nil {
		h.logger.Error("failed to list purchases", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, records)
}

// GetProgressSummary returns a user's trailing-window score summary
func (h *Handler) GetProgressSummary(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	summary, err := h.service.GetProgressSummary(r.Context(), userID, windowDays(r))
	if err != nil {
		h.logger.Error("failed to get progress summary", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}

	h.writeSuccess(w, summary)
}
