package http

import (
	"net/http"

	apperrors "cutclip/internal/errors"
)

var errMetricsDisabled = apperrors.New(http.StatusNotFound, "METRICS_DISABLED", "The Prometheus exporter is disabled")

// MetricsHandler serves the Prometheus scrape endpoint
type MetricsHandler struct {
	exporter http.Handler
	errors   *apperrors.ErrorHandler
}

// NewMetricsHandler wraps the exporter handler. A nil exporter answers 404.
func NewMetricsHandler(exporter http.Handler, errs *apperrors.ErrorHandler) *MetricsHandler {
	return &MetricsHandler{exporter: exporter, errors: errs}
}

func (h *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.exporter == nil {
		h.errors.HandleError(w, r, errMetricsDisabled)
		return
	}
	h.exporter.ServeHTTP(w, r)
}
