package middleware

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "cutclip/internal/errors"
	"cutclip/internal/infrastructure"
)

const defaultMaxBodySize = 64 * 1024

// Validator decodes JSON request bodies and validates them with struct tags
type Validator struct {
	validate     *validator.Validate
	errorHandler *apperrors.ErrorHandler
	logger       *slog.Logger
	maxBodySize  int64
}

// NewValidator creates a validator. Each registration adds custom tags.
func NewValidator(logger *slog.Logger, errorHandler *apperrors.ErrorHandler, registrations ...func(*validator.Validate) error) (*Validator, error) {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	for _, register := range registrations {
		if err := register(v); err != nil {
			return nil, fmt.Errorf("register validation: %w", err)
		}
	}

	return &Validator{
		validate:     v,
		errorHandler: errorHandler,
		logger:       infrastructure.WithComponent(logger, "validation"),
		maxBodySize:  defaultMaxBodySize,
	}, nil
}

// ValidateStruct validates v and converts failures to a 400 APIError
func (m *Validator) ValidateStruct(v interface{}) error {
	err := m.validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apperrors.InvalidRequestWithError(err)
	}

	out := make([]apperrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, apperrors.ValidationError{
			Field:   fe.Field(),
			Message: formatValidationError(fe),
		})
	}
	return apperrors.NewValidationErrors(out)
}

// DecodeAndValidate reads a JSON body into dst and validates it. On failure
// it writes the problem response and returns false.
func (m *Validator) DecodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, m.maxBodySize)

	if err := render.DecodeJSON(r.Body, dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			m.errorHandler.HandleError(w, r, apperrors.NewWithDetails(
				http.StatusRequestEntityTooLarge,
				"PAYLOAD_TOO_LARGE",
				"Request body exceeds maximum allowed size",
				map[string]interface{}{"max_size": m.maxBodySize},
			))
		case errors.Is(err, io.EOF):
			m.errorHandler.HandleError(w, r, apperrors.New(http.StatusBadRequest, "EMPTY_BODY", "Request body is required"))
		default:
			m.logger.DebugContext(r.Context(), "failed to decode request body",
				slog.String("error", err.Error()),
				slog.String("request_id", middleware.GetReqID(r.Context())))
			m.errorHandler.HandleError(w, r, apperrors.New(http.StatusBadRequest, "INVALID_JSON", "Request body contains invalid JSON"))
		}
		return false
	}

	if err := m.ValidateStruct(dst); err != nil {
		m.errorHandler.HandleError(w, r, err)
		return false
	}
	return true
}

// ContentTypeJSON rejects bodies that are not declared as JSON
func ContentTypeJSON(errorHandler *apperrors.ErrorHandler) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength == 0 || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
				errorHandler.HandleError(w, r, apperrors.NewWithDetails(
					http.StatusUnsupportedMediaType,
					"UNSUPPORTED_MEDIA_TYPE",
					"Unsupported content type",
					map[string]interface{}{"content_type": ct, "allowed": "application/json"},
				))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func formatValidationError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, param)
	case "gtfield":
		return fmt.Sprintf("%s must be greater than %s", field, param)
	case "licensekey":
		return fmt.Sprintf("%s must be in format XXXX-XXXX-XXXX-XXXX", field)
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}
