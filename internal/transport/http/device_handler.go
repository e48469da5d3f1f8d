package http

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	apperrors "cutclip/internal/errors"
	"cutclip/internal/store"
)

// DeviceResponse is the diagnostic device view
type DeviceResponse struct {
	DeviceID     string                      `json:"device_id"`
	Registration *store.RegistrationSnapshot `json:"registration,omitempty"`
}

// DeviceHandler exposes the device fingerprint and registration snapshot
type DeviceHandler struct {
	device        DeviceService
	registrations RegistrationReader
	errors        *apperrors.ErrorHandler
	logger        *slog.Logger
}

// NewDeviceHandler creates a device handler. registrations may be nil.
func NewDeviceHandler(device DeviceService, registrations RegistrationReader, errs *apperrors.ErrorHandler, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{
		device:        device,
		registrations: registrations,
		errors:        errs,
		logger:        logger.With(slog.String("handler", "device")),
	}
}

// Get handles GET /api/device
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := h.device.DeviceID(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, apperrors.NewWithDetails(
			http.StatusServiceUnavailable,
			"DEVICE_ID_UNAVAILABLE",
			"Device fingerprint could not be determined",
			fmt.Sprintf("%v", err),
		))
		return
	}

	resp := DeviceResponse{DeviceID: id}
	if h.registrations != nil {
		if snap, ok := h.registrations.Registration(); ok {
			snap.RawResponse = ""
			resp.Registration = &snap
		}
	}
	render.JSON(w, r, resp)
}
