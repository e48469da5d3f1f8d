package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Problem types following RFC 7807
const (
	TypeValidation     = "/errors/validation"
	TypeNotFound       = "/errors/not-found"
	TypeRateLimit      = "/errors/rate-limit"
	TypeInternal       = "/errors/internal"
	TypeServiceDown    = "/errors/service-unavailable"
	TypeTimeout        = "/errors/timeout"
	TypeInvalidFormat  = "/errors/license/invalid-format"
	TypeRejected       = "/errors/license/rejected"
	TypeBindingFailed  = "/errors/license/binding-failed"
	TypeMethodNotAllow = "/errors/method-not-allowed"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions into the top-level object
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, len(pd.Extensions)+5)
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	return json.Marshal(data)
}

// MapLicenseError maps license and backend errors to problem details. The
// server's own message is surfaced for rejections so the UI can show it.
func MapLicenseError(err error, traceID string) *ProblemDetails {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	var (
		apiErr *APIError
		valErr ValidationError
		stErr  *StatusError
		trErr  *TransportError
	)

	switch {
	case errors.As(err, &apiErr):
		problemType := TypeInternal
		switch apiErr.StatusCode {
		case http.StatusBadRequest:
			problemType = TypeValidation
		case http.StatusNotFound:
			problemType = TypeNotFound
		case http.StatusTooManyRequests:
			problemType = TypeRateLimit
		}
		problem := NewProblemDetails(apiErr.StatusCode, problemType, http.StatusText(apiErr.StatusCode), apiErr.Message, instance).
			WithExtension("trace_id", traceID).
			WithExtension("error_code", apiErr.ErrorCode)
		if apiErr.Details != nil {
			problem.WithExtension("details", apiErr.Details)
		}
		return problem

	case errors.Is(err, ErrInvalidKeyFormat):
		return NewProblemDetails(
			http.StatusBadRequest,
			TypeInvalidFormat,
			"Invalid License Format",
			"License key must be in format: XXXX-XXXX-XXXX-XXXX",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INVALID_LICENSE_FORMAT").
			WithExtension("expected_format", "XXXX-XXXX-XXXX-XXXX")

	case errors.Is(err, ErrLicenseRejected):
		return NewProblemDetails(
			http.StatusUnprocessableEntity,
			TypeRejected,
			"License Rejected",
			err.Error(),
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_REJECTED")

	case errors.Is(err, ErrBindingFailed):
		return NewProblemDetails(
			http.StatusBadGateway,
			TypeBindingFailed,
			"License Binding Failed",
			"The license is valid but could not be linked to this device. Please try again.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "BINDING_FAILED")

	case errors.Is(err, ErrRateLimited):
		return NewProblemDetails(
			http.StatusTooManyRequests,
			TypeRateLimit,
			"Too Many Requests",
			"Too many activation attempts. Please try again later.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "RATE_LIMITED")

	case errors.As(err, &valErr):
		return NewProblemDetails(
			http.StatusBadRequest,
			TypeValidation,
			"Validation Failed",
			valErr.Error(),
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("errors", []ValidationError{valErr})

	case errors.As(err, &trErr):
		problem := NewProblemDetails(
			http.StatusServiceUnavailable,
			TypeServiceDown,
			"Network Error",
			"Unable to connect to license server. Please check your connection.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "NETWORK_ERROR")
		if trErr.Timeout() {
			problem.Type = TypeTimeout
		}
		return problem

	case errors.As(err, &stErr):
		return NewProblemDetails(
			http.StatusBadGateway,
			TypeServiceDown,
			"License Server Error",
			"The license server returned an unexpected response. Please try again later.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "UPSTREAM_ERROR").
			WithExtension("upstream_status", stErr.Code).
			WithExtension("retryable", stErr.Transient())

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}
