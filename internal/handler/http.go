// Package handler provides the HTTP surface of the smash game.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/SamuelBlebo/smash-leaderboard/internal/config"
	"github.com/SamuelBlebo/smash-leaderboard/internal/domain"
	"github.com/SamuelBlebo/smash-leaderboard/internal/identity"
	"github.com/SamuelBlebo/smash-leaderboard/internal/session"
	"github.com/SamuelBlebo/smash-leaderboard/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// Handler provides HTTP handlers for the smash API.
type Handler struct {
	identity *identity.Service
	sessions *session.Manager
	hub      *websocket.Hub
	limiter  *RateLimiter
	logger   *slog.Logger
}

// NewHandler creates a new HTTP handler.
func NewHandler(ids *identity.Service, sessions *session.Manager, hub *websocket.Hub, game *config.GameConfig, logger *slog.Logger) *Handler {
	return &Handler{
		identity: ids,
		sessions: sessions,
		hub:      hub,
		limiter:  NewRateLimiter(game.RequestRate, game.RequestBurst),
		logger:   logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Router creates and configures the HTTP router.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
	}).Handler)
	r.Use(monitor)
	r.Use(h.limiter.Middleware)

	// Health and observability
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/signup", h.SignUp)
			r.Post("/signin", h.SignIn)
			r.With(h.requireAuth).Post("/signout", h.SignOut)
		})

		r.With(h.requireAuth).Post("/smash", h.Smash)
		r.With(h.requireAuth).Get("/me", h.Me)
		r.With(h.optionalAuth).Get("/leaderboard", h.Leaderboard)
	})

	return r
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

// writeAuthError maps an auth failure to its short user-facing message.
func (h *Handler) writeAuthError(w http.ResponseWriter, err error) {
	if ae, ok := domain.AsAuthError(err); ok {
		status := http.StatusUnauthorized
		if ae.Kind == domain.AuthRateLimited {
			status = http.StatusTooManyRequests
		}
		h.writeJSON(w, status, APIResponse{Success: false, Error: ae.Message()})
		return
	}
	h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

type signUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token    string          `json:"token"`
	Identity domain.Identity `json:"identity"`
}

// SignUp registers a new account and returns a session token.
func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	id, token, err := h.identity.SignUp(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}
	h.writeSuccess(w, authResponse{Token: token, Identity: id})
}

// SignIn authenticates credentials and returns a session token.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	id, token, err := h.identity.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeAuthError(w, err)
		return
	}
	h.writeSuccess(w, authResponse{Token: token, Identity: id})
}

// SignOut ends the caller's session.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFrom(r.Context())
	h.identity.SignOut(id)
	h.writeSuccess(w, map[string]string{"status": "signed out"})
}

// Smash records one increment for the caller's session. The response
// is always accepted: the write is debounced and any later
// reconciliation failure is logged, never surfaced here.
func (h *Handler) Smash(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, domain.ErrNoActiveIdentity)
		return
	}

	if err := h.sessions.Smash(id); err != nil && !errors.Is(err, domain.ErrNoActiveIdentity) {
		h.logger.Warn("smash rejected", "user_id", id.ID, "error", err)
	}
	h.writeJSON(w, http.StatusAccepted, APIResponse{
		Success: true,
		Data:    map[string]string{"status": "accepted"},
	})
}

// Leaderboard returns the rendered top-10. Signed-in callers get
// their session view, which includes their optimistic increments.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	var selfID string
	if id, ok := IdentityFrom(r.Context()); ok {
		selfID = id.ID
	}

	snap, err := h.sessions.Leaderboard(r.Context(), selfID)
	if err != nil {
		h.logger.Error("failed to read leaderboard", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}
	h.writeSuccess(w, snap)
}

// Me returns the caller's durable record and live rank.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFrom(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, domain.ErrNoActiveIdentity)
		return
	}

	rec, err := h.sessions.Record(r.Context(), id.ID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			h.writeError(w, http.StatusNotFound, err)
			return
		}
		h.logger.Error("failed to read record", "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
		return
	}
	h.writeSuccess(w, rec)
}
