package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"cutclip/internal/config"
)

// HealthResponse is the liveness payload
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	View      string    `json:"view"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	session SessionService
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(session SessionService, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		session: session,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// Liveness handles GET /healthz
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status:    "ok",
		Version:   config.AppVersion,
		View:      h.session.Snapshot().View.String(),
		Timestamp: time.Now().UTC(),
	})
}
