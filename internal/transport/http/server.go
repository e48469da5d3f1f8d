package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"cutclip/internal/config"
	apperrors "cutclip/internal/errors"
	"cutclip/internal/infrastructure"
	"cutclip/internal/license"
	"cutclip/internal/middleware"
	"cutclip/internal/session"
	"cutclip/internal/store"
)

// SessionService is the coordinator surface the API drives.
// *session.Coordinator implements it.
type SessionService interface {
	Snapshot() session.Snapshot
	SetConsent(ctx context.Context, accepted bool) error
	SetBlockingErrorDialog(ctx context.Context, shown bool) error
	Retry(ctx context.Context) error
	RecordUsage(ctx context.Context) (license.State, error)
	RunClip(ctx context.Context, job session.ClipJob) (string, error)
}

// LicenseService activates keys. *license.Manager implements it.
type LicenseService interface {
	State() license.State
	Activate(ctx context.Context, rawKey string) (license.License, error)
}

// DeviceService exposes the device fingerprint
type DeviceService interface {
	DeviceID(ctx context.Context) (string, error)
}

// RegistrationReader returns the last registration snapshot
type RegistrationReader interface {
	Registration() (store.RegistrationSnapshot, bool)
}

// Dependencies wires a Server. Session, License and Device are required.
type Dependencies struct {
	Session       SessionService
	License       LicenseService
	Device        DeviceService
	Registrations RegistrationReader

	// WebSocket serves /ws when set
	WebSocket http.Handler
	// Telemetry adds request tracing and /metrics when set
	Telemetry *infrastructure.OTelProviders

	Config config.ServerConfig
	Logger *slog.Logger
}

// Server is the local status API
type Server struct {
	deps      Dependencies
	router    chi.Router
	errors    *apperrors.ErrorHandler
	validator *middleware.Validator
	logger    *slog.Logger
}

// NewServer builds the router
func NewServer(deps Dependencies) (*Server, error) {
	switch {
	case deps.Session == nil:
		return nil, errors.New("status api requires a session service")
	case deps.License == nil:
		return nil, errors.New("status api requires a license service")
	case deps.Device == nil:
		return nil, errors.New("status api requires a device service")
	}

	logger := infrastructure.WithComponent(deps.Logger, "http")
	errorHandler := apperrors.NewErrorHandler(logger, false)

	validator, err := middleware.NewValidator(logger, errorHandler, license.RegisterValidation)
	if err != nil {
		return nil, err
	}

	s := &Server{
		deps:      deps,
		errors:    errorHandler,
		validator: validator,
		logger:    logger,
	}

	if err := s.routes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) routes() error {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	if s.deps.Telemetry != nil {
		otelMiddleware, err := middleware.NewOTelMiddleware(s.deps.Telemetry)
		if err != nil {
			return fmt.Errorf("failed to create otel middleware: %w", err)
		}
		r.Use(otelMiddleware.Handler)
	}
	r.Use(apperrors.NewErrorMiddleware(s.errors, s.logger).Handler)
	r.Use(middleware.SecurityHeaders)
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.NotFound(s.errors.NotFound)
	r.MethodNotAllowed(s.errors.MethodNotAllowed)

	health := NewHealthHandler(s.deps.Session, s.logger)
	r.Get("/healthz", health.Liveness)

	sessions := NewSessionHandler(s.deps.Session, s.validator, s.errors, s.logger)
	licenses := NewLicenseHandler(s.deps.License, s.validator, s.errors, s.logger)
	devices := NewDeviceHandler(s.deps.Device, s.deps.Registrations, s.errors, s.logger)

	rps, burst := s.deps.Config.ActivationRPS, s.deps.Config.ActivationBurst
	if rps <= 0 {
		rps = config.ActivationRateLimitRPS
	}
	if burst <= 0 {
		burst = config.ActivationRateBurst
	}
	activationLimit := middleware.NewRateLimiter(rps, burst, s.errors, s.logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(apiTimeout))
		r.Use(middleware.ContentTypeJSON(s.errors))

		r.Mount("/session", sessions.Routes())
		r.With(activationLimit.Handler).Post("/license/activate", licenses.Activate)
		r.Get("/license", licenses.Status)
		r.Post("/usage", sessions.RecordUsage)
		r.Post("/clips", sessions.RunClip)
		r.Get("/device", devices.Get)
	})

	if s.deps.WebSocket != nil {
		r.Handle("/ws", s.deps.WebSocket)
	}

	var promHandler http.Handler
	if s.deps.Telemetry != nil {
		promHandler = s.deps.Telemetry.PrometheusHTTP
	}
	r.Handle("/metrics", NewMetricsHandler(promHandler, s.errors))

	s.router = r
	return nil
}

// apiTimeout bounds /api requests; activation makes two backend calls
const apiTimeout = 30 * time.Second

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on the configured address until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.deps.Config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.deps.Config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.deps.Config.ReadTimeout,
		WriteTimeout:      s.deps.Config.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status api listening", slog.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.deps.Config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	s.logger.Info("shutting down status api")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status api shutdown: %w", err)
	}
	<-errCh
	return nil
}
