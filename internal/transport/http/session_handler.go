package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apperrors "cutclip/internal/errors"
	"cutclip/internal/infrastructure"
	"cutclip/internal/license"
	"cutclip/internal/middleware"
	"cutclip/internal/session"
)

// ConsentRequest records the disclaimer decision
type ConsentRequest struct {
	Accepted *bool `json:"accepted" validate:"required"`
}

// ErrorDialogRequest reports whether the UI shows a blocking error dialog
type ErrorDialogRequest struct {
	Shown *bool `json:"shown" validate:"required"`
}

// UsageResponse is returned after a usage report
type UsageResponse struct {
	License license.State `json:"license"`
	TraceID string        `json:"trace_id,omitempty"`
}

// ClipResponse is returned after a clip completes
type ClipResponse struct {
	Path    string `json:"path"`
	TraceID string `json:"trace_id,omitempty"`
}

var (
	errClipUnavailable = apperrors.New(http.StatusNotImplemented, "CLIP_UNAVAILABLE", "Clip production is not configured")
	errSessionNotReady = apperrors.New(http.StatusConflict, "SESSION_NOT_READY", "The session is not ready for clipping")
)

// SessionHandler serves the session view and its input setters
type SessionHandler struct {
	service   SessionService
	validator *middleware.Validator
	errors    *apperrors.ErrorHandler
	logger    *slog.Logger
}

// NewSessionHandler creates a session handler
func NewSessionHandler(service SessionService, validator *middleware.Validator, errs *apperrors.ErrorHandler, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		service:   service,
		validator: validator,
		errors:    errs,
		logger:    logger.With(slog.String("handler", "session")),
	}
}

// Routes returns the /api/session routes
func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	r.Post("/consent", h.Consent)
	r.Post("/retry", h.Retry)
	r.Post("/error-dialog", h.ErrorDialog)
	return r
}

// Get handles GET /api/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.Snapshot())
}

// Consent handles POST /api/session/consent
func (h *SessionHandler) Consent(w http.ResponseWriter, r *http.Request) {
	var req ConsentRequest
	if !h.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.SetConsent(r.Context(), *req.Accepted); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "consent recorded", slog.Bool("accepted", *req.Accepted))
	render.JSON(w, r, h.service.Snapshot())
}

// Retry handles POST /api/session/retry
func (h *SessionHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Retry(r.Context()); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, h.service.Snapshot())
}

// ErrorDialog handles POST /api/session/error-dialog
func (h *SessionHandler) ErrorDialog(w http.ResponseWriter, r *http.Request) {
	var req ErrorDialogRequest
	if !h.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.SetBlockingErrorDialog(r.Context(), *req.Shown); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, h.service.Snapshot())
}

// RecordUsage handles POST /api/usage. A backend failure is reported but
// leaves the license state untouched.
func (h *SessionHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	st, err := h.service.RecordUsage(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	render.JSON(w, r, UsageResponse{
		License: st,
		TraceID: infrastructure.GetTraceID(r.Context()),
	})
}

// RunClip handles POST /api/clips
func (h *SessionHandler) RunClip(w http.ResponseWriter, r *http.Request) {
	var job session.ClipJob
	if !h.validator.DecodeAndValidate(w, r, &job) {
		return
	}

	path, err := h.service.RunClip(r.Context(), job)
	switch {
	case errors.Is(err, session.ErrClipUnavailable):
		h.errors.HandleError(w, r, errClipUnavailable)
		return
	case errors.Is(err, session.ErrNotReady):
		h.errors.HandleError(w, r, errSessionNotReady)
		return
	case err != nil:
		h.errors.HandleError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, ClipResponse{Path: path, TraceID: infrastructure.GetTraceID(r.Context())})
}
