package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	apperrors "cutclip/internal/errors"
	"cutclip/internal/infrastructure"
)

func newErrorHandler() *apperrors.ErrorHandler {
	return apperrors.NewErrorHandler(infrastructure.NopLogger(), false)
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRequestID(t *testing.T) {
	var gotReqID, gotTraceID string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReqID = middleware.GetReqID(r.Context())
		gotTraceID = infrastructure.GetTraceID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, gotReqID)
		assert.Equal(t, gotReqID, gotTraceID)
		assert.Equal(t, gotReqID, rec.Header().Get(RequestIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "req-123", gotReqID)
		assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
	})
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("X-Frame-Options"))
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(0.001, 2, newErrorHandler(), infrastructure.NopLogger())
	handler := limiter.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/license/activate", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code, "request %d within burst", i)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/license/activate", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	body := decodeProblem(t, rec)
	assert.Equal(t, apperrors.TypeRateLimit, body["type"])
	assert.Equal(t, "RATE_LIMITED", body["error_code"])
}

type activateBody struct {
	LicenseKey string `json:"license_key" validate:"required,upperonly"`
}

func registerUpperOnly(v *validator.Validate) error {
	return v.RegisterValidation("upperonly", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		return s == strings.ToUpper(s)
	})
}

func TestValidator_DecodeAndValidate(t *testing.T) {
	v, err := NewValidator(infrastructure.NopLogger(), newErrorHandler(), registerUpperOnly)
	require.NoError(t, err)

	tests := []struct {
		name       string
		body       string
		wantOK     bool
		wantStatus int
		wantCode   string
	}{
		{"valid", `{"license_key":"ABCD"}`, true, http.StatusOK, ""},
		{"missing field", `{}`, false, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"custom tag", `{"license_key":"abcd"}`, false, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"malformed", `{"license_key":`, false, http.StatusBadRequest, "INVALID_JSON"},
		{"empty", ``, false, http.StatusBadRequest, "EMPTY_BODY"},
		{"oversized", `{"license_key":"` + strings.Repeat("A", defaultMaxBodySize) + `"}`, false, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()

			var dst activateBody
			ok := v.DecodeAndValidate(rec, req, &dst)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, "ABCD", dst.LicenseKey)
				return
			}
			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCode, decodeProblem(t, rec)["error_code"])
		})
	}
}

func TestValidator_FieldNamesFromJSONTags(t *testing.T) {
	v, err := NewValidator(infrastructure.NopLogger(), newErrorHandler(), registerUpperOnly)
	require.NoError(t, err)

	err = v.ValidateStruct(&activateBody{LicenseKey: "lower"})
	var apiErr *apperrors.APIError
	require.ErrorAs(t, err, &apiErr)

	details, ok := apiErr.Details.(apperrors.ValidationErrors)
	require.True(t, ok)
	require.Len(t, details.Errors, 1)
	assert.Equal(t, "license_key", details.Errors[0].Field)
	assert.Contains(t, details.Errors[0].Message, "upperonly")
}

func TestContentTypeJSON(t *testing.T) {
	handler := ContentTypeJSON(newErrorHandler())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("key=value"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestOTelMiddleware_RecordsRouteMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	mw, err := NewOTelMiddleware(&infrastructure.OTelProviders{
		Tracer: tracenoop.NewTracerProvider().Tracer("test"),
		Meter:  provider.Meter("test"),
		Logger: infrastructure.NopLogger(),
	})
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(mw.Handler)
	r.Get("/api/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items/42", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var found bool
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "http_requests_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.Len(t, sum.DataPoints, 1)
			route, _ := sum.DataPoints[0].Attributes.Value("route")
			status, _ := sum.DataPoints[0].Attributes.Value("status_code")
			assert.Equal(t, "/api/items/{id}", route.AsString())
			assert.Equal(t, int64(http.StatusAccepted), status.AsInt64())
			found = true
		}
	}
	assert.True(t, found, "http_requests_total not recorded")
}
