package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"

	apperrors "cutclip/internal/errors"
	"cutclip/internal/infrastructure"
	"cutclip/internal/license"
	"cutclip/internal/middleware"
)

// ActivationRequest is the body of POST /api/license/activate
type ActivationRequest struct {
	LicenseKey string `json:"license_key" validate:"required,licensekey"`
}

// ActivationResponse reports a successful activation. The key and email are
// masked by the status encoding.
type ActivationResponse struct {
	Success     bool           `json:"success"`
	Message     string         `json:"message"`
	Status      license.Status `json:"status"`
	TraceID     string         `json:"trace_id"`
	ActivatedAt time.Time      `json:"activated_at"`
}

// LicenseHandler handles license activation
type LicenseHandler struct {
	service   LicenseService
	validator *middleware.Validator
	errors    *apperrors.ErrorHandler
	logger    *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, validator *middleware.Validator, errs *apperrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:   service,
		validator: validator,
		errors:    errs,
		logger:    logger.With(slog.String("handler", "license")),
	}
}

// Status handles GET /api/license
func (h *LicenseHandler) Status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.State())
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivationRequest
	if !h.validator.DecodeAndValidate(w, r, &req) {
		return
	}

	// A client disconnect must not abandon a bind half way
	ctx := context.WithoutCancel(r.Context())

	lic, err := h.service.Activate(ctx, req.LicenseKey)
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	infrastructure.AddSpanEvent(r.Context(), "license.activation.success", map[string]interface{}{
		"component": "license_handler",
		"has_email": lic.UserEmail != "",
	})

	render.JSON(w, r, ActivationResponse{
		Success:     true,
		Message:     "License activated successfully.",
		Status:      license.Licensed(lic),
		TraceID:     infrastructure.GetTraceID(r.Context()),
		ActivatedAt: lic.ActivatedAt,
	})
}
