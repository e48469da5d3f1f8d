package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"

	"cutclip/internal/config"
	"cutclip/internal/eventloop"
	"cutclip/internal/infrastructure"
	"cutclip/internal/license"
	"cutclip/internal/security"
	"cutclip/internal/session"
	"cutclip/internal/store"
	handlers "cutclip/internal/transport/http"
	"cutclip/internal/trust"
	ws "cutclip/internal/websocket"
)

// Option customizes New
type Option func(*options)

type options struct {
	sources    []security.Source
	vault      security.Vault
	httpClient *http.Client
	logger     *slog.Logger
	clips      session.ClipRunner
}

// WithSources replaces the platform hardware sources
func WithSources(sources ...security.Source) Option {
	return func(o *options) { o.sources = sources }
}

// WithVault replaces the configured vault backend
func WithVault(v security.Vault) Option {
	return func(o *options) { o.vault = v }
}

// WithHTTPClient sets the client used for backend calls
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithLogger replaces the configured logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClipRunner enables clip production through the session
func WithClipRunner(r session.ClipRunner) Option {
	return func(o *options) { o.clips = r }
}

// Application holds the wired components. It is single use: call either
// Run, Serve or Exec once, then Close.
type Application struct {
	Config      *config.Config
	Paths       *config.Paths
	Logger      *slog.Logger
	Telemetry   *infrastructure.OTelProviders
	Store       *store.LocalStore
	Identity    *security.FingerprintManager
	Vault       security.Vault
	Credentials *security.CredentialStore
	Trust       *trust.Client
	Loop        *eventloop.Loop
	License     *license.Manager
	Session     *session.Coordinator
	Hub         *ws.Hub
	Server      *handlers.Server

	// OpenBrowser opens the status page once the server answers
	OpenBrowser bool

	binary    *session.PathBinary
	network   *session.ProbeMonitor
	logCloser io.Closer
}

// New wires every component from cfg. Nothing runs until Run, Serve or Exec.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (app *Application, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	paths, err := cfg.Paths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to ensure directories: %w", err)
	}

	a := &Application{Config: cfg, Paths: paths}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := a.initLogger(o.logger); err != nil {
		return nil, err
	}

	a.Logger.InfoContext(ctx, "application starting",
		slog.String("version", config.AppVersion),
		slog.String("home", paths.HomeDir),
		slog.String("api", cfg.API.BaseURL))
	paths.LogPathResolution(a.Logger)

	a.Telemetry, err = infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Telemetry), a.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	if a.Store, err = store.Open(paths.StateFile, a.Logger); err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	a.Identity = security.NewFingerprintManager(a.Store, o.sources, a.Logger)

	if a.Vault, err = a.openVault(ctx, o.vault); err != nil {
		return nil, err
	}
	a.Credentials = security.NewCredentialStore(a.Vault, a.Logger)

	if err := a.initLicense(o.httpClient); err != nil {
		return nil, err
	}
	if err := a.initSession(o.clips); err != nil {
		return nil, err
	}
	if err := a.initServer(); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *Application) initLogger(override *slog.Logger) error {
	if override != nil {
		a.Logger = override
		return nil
	}

	logCfg := a.Config.Logging
	if logCfg.FilePath == "" {
		logCfg.FilePath = a.Paths.LogFile
	}
	logger, closer, err := infrastructure.NewLogger(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.Logger = logger
	a.logCloser = closer
	return nil
}

// openVault picks the secret backend. The file vault key is bound to the
// device fingerprint; without one, secrets live in memory for this run.
func (a *Application) openVault(ctx context.Context, override security.Vault) (security.Vault, error) {
	if override != nil {
		return override, nil
	}

	if a.Config.Vault.Backend == "memory" {
		a.Logger.WarnContext(ctx, "using in-memory vault, secrets will not persist")
		return security.NewMemoryVault(), nil
	}

	deviceID, err := a.Identity.DeviceID(ctx)
	if errors.Is(err, security.ErrNoHardwareSource) {
		a.Logger.WarnContext(ctx, "no device fingerprint, falling back to in-memory vault",
			slog.String("error", err.Error()))
		return security.NewMemoryVault(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to derive device id: %w", err)
	}

	vault, err := security.NewFileVault(a.Paths.VaultDir, deviceID, security.DefaultEncryptionConfig(), a.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}
	return vault, nil
}

func (a *Application) initLicense(hc *http.Client) error {
	signer := security.NewSigner(a.Credentials, a.Logger)

	trustOpts := []trust.Option{
		trust.WithTimeout(a.Config.API.Timeout),
		trust.WithTelemetry(a.Telemetry.Tracer, a.Telemetry.Meter),
	}
	if hc != nil {
		trustOpts = append(trustOpts, trust.WithHTTPClient(hc))
	}

	var err error
	if a.Trust, err = trust.NewClient(a.Config.API.BaseURL, signer, a.Logger, trustOpts...); err != nil {
		return fmt.Errorf("failed to create trust client: %w", err)
	}

	a.Loop = eventloop.New(a.Logger)

	a.License, err = license.NewManager(license.Dependencies{
		Trust:       a.Trust,
		Identity:    a.Identity,
		Vault:       a.Vault,
		Loop:        a.Loop,
		Snapshots:   a.Store,
		Credentials: a.Credentials,
		DeviceInfo:  security.CurrentDeviceInfo(config.AppVersion),
		Logger:      a.Logger,
		Tracer:      a.Telemetry.Tracer,
		Meter:       a.Telemetry.Meter,
	})
	if err != nil {
		return fmt.Errorf("failed to create license manager: %w", err)
	}
	return nil
}

func (a *Application) initSession(clips session.ClipRunner) error {
	deps := session.Dependencies{
		Loop:       a.Loop,
		License:    a.License,
		Consent:    a.Store,
		Clips:      clips,
		AppVersion: config.AppVersion,
		Logger:     a.Logger,
	}

	sc := a.Config.Session
	if sc.BinaryPath != "" {
		a.binary = session.NewPathBinary(sc.BinaryPath, sc.BinaryPoll, a.Logger)
		deps.Binary = a.binary
	}

	addr, err := probeAddr(a.Config.API.BaseURL)
	if err != nil {
		return err
	}
	a.network = session.NewProbeMonitor(addr, sc.ProbeInterval, sc.ProbeTimeout, a.Logger)
	deps.Network = a.network

	if a.Session, err = session.NewCoordinator(deps); err != nil {
		return fmt.Errorf("failed to create session coordinator: %w", err)
	}
	return nil
}

func (a *Application) initServer() error {
	metrics, err := ws.NewMetrics(a.Telemetry.Meter)
	if err != nil {
		return fmt.Errorf("failed to create websocket metrics: %w", err)
	}
	a.Hub = ws.NewHub(a.Logger, metrics)
	a.Hub.SetGreeting(func() ws.Message {
		return ws.Message{
			Type:      ws.TypeSession,
			Data:      a.Session.Snapshot(),
			Timestamp: time.Now().UTC(),
		}
	})

	a.Server, err = handlers.NewServer(handlers.Dependencies{
		Session:       a.Session,
		License:       a.License,
		Device:        a.Identity,
		Registrations: a.Store,
		WebSocket:     ws.NewHandler(a.Hub, a.Config.WebSocket, a.Logger),
		Telemetry:     a.Telemetry,
		Config:        a.Config.Server,
		Logger:        a.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create status api: %w", err)
	}
	return nil
}

// Run serves the status API on the configured address until ctx is
// cancelled.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Config.Server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the event loop, the session coordinator, the signal watchers,
// the WebSocket hub and the status API on ln until ctx is cancelled or one
// of them fails.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Loop.Run(ctx) })
	g.Go(func() error { return a.Hub.Run(ctx) })
	g.Go(func() error { return a.Session.Run(ctx) })

	updates, unsubscribe := a.Session.Subscribe()
	g.Go(func() error {
		defer unsubscribe()
		return ws.Relay(ctx, a.Hub, ws.TypeSession, updates)
	})

	if a.binary != nil {
		g.Go(func() error { return a.binary.Watch(ctx) })
	}
	if a.network != nil {
		g.Go(func() error { return a.network.Run(ctx) })
	}

	g.Go(func() error { return a.Server.Serve(ctx, ln) })

	if a.OpenBrowser {
		g.Go(func() error {
			a.openWhenReady(ctx, "http://"+ln.Addr().String())
			return nil
		})
	}

	a.Logger.InfoContext(ctx, "application started", slog.String("addr", ln.Addr().String()))
	return g.Wait()
}

// Exec runs fn with the event loop running, for one-shot commands that
// drive the license manager without serving.
func (a *Application) Exec(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopDone := make(chan error, 1)
	go func() { loopDone <- a.Loop.Run(ctx) }()

	err := fn(ctx)
	cancel()
	if loopErr := <-loopDone; loopErr != nil && err == nil {
		err = loopErr
	}
	return err
}

// Close flushes telemetry and releases the log file
func (a *Application) Close(ctx context.Context) error {
	var errs []error
	if a.Telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := a.Telemetry.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Logger != nil {
		a.Logger.InfoContext(ctx, "application shutdown complete")
	}
	if a.logCloser != nil {
		if err := a.logCloser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// probeAddr turns the API base URL into a dialable host:port
func probeAddr(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid api base url: %w", err)
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
