package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cutclip/internal/eventloop"
	"cutclip/internal/infrastructure"
	"cutclip/internal/license"
	"cutclip/internal/store"
)

// ErrNotReady is returned when a clip is requested outside the Main view.
var ErrNotReady = errors.New("session not ready for clipping")

// LicenseService is the license state machine the coordinator drives.
// *license.Manager implements it.
type LicenseService interface {
	State() license.State
	Subscribe() (<-chan license.State, func())
	Initialize(ctx context.Context)
	Retry(ctx context.Context)
	RecordUsage(ctx context.Context) (license.State, error)
}

// ConsentStore persists disclaimer consent. *store.LocalStore implements it.
type ConsentStore interface {
	Consent() store.ConsentRecord
	SetConsent(accepted bool, appVersion string, at time.Time) error
}

// Snapshot is the published session state.
type Snapshot struct {
	View    AppView       `json:"view"`
	Inputs  Inputs        `json:"inputs"`
	License license.State `json:"license"`
	Online  bool          `json:"online"`
}

// Dependencies wires a Coordinator. Loop, License and Consent are required.
type Dependencies struct {
	Loop       *eventloop.Loop
	License    LicenseService
	Consent    ConsentStore
	Binary     BinaryProvisioner
	Network    NetworkMonitor
	Clips      ClipRunner
	AppVersion string
	Logger     *slog.Logger
	Now        func() time.Time
}

// Coordinator merges license, binary, consent and network signals into one
// AppView. Inputs are mutated only on the event loop and every change
// re-derives the view.
type Coordinator struct {
	loop       *eventloop.Loop
	license    LicenseService
	consent    ConsentStore
	binary     BinaryProvisioner
	network    NetworkMonitor
	clips      ClipRunner
	appVersion string
	logger     *slog.Logger
	now        func() time.Time

	// loop-owned
	in          Inputs
	lic         license.State
	online      bool
	initPending bool
	sessionCtx  context.Context

	snapshots *eventloop.Broadcaster[Snapshot]
	started   sync.Once
}

// NewCoordinator creates a coordinator. Consent is read from the store.
func NewCoordinator(deps Dependencies) (*Coordinator, error) {
	switch {
	case deps.Loop == nil:
		return nil, errors.New("session coordinator requires an event loop")
	case deps.License == nil:
		return nil, errors.New("session coordinator requires a license service")
	case deps.Consent == nil:
		return nil, errors.New("session coordinator requires a consent store")
	}

	binary := deps.Binary
	if binary == nil {
		binary = ReadyBinary{}
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	c := &Coordinator{
		loop:       deps.Loop,
		license:    deps.License,
		consent:    deps.Consent,
		binary:     binary,
		network:    deps.Network,
		clips:      deps.Clips,
		appVersion: deps.AppVersion,
		logger:     infrastructure.WithComponent(deps.Logger, "session"),
		now:        now,
		online:     true,
		sessionCtx: context.Background(),
	}

	c.lic = deps.License.State()
	c.in = Inputs{
		ConsentGiven:       deps.Consent.Consent().Accepted,
		BinaryReady:        binary.IsReady(),
		LicenseInitialized: c.lic.Initialized,
		HasNetworkError:    c.lic.HasNetworkError,
		NeedsLicenseSetup:  c.lic.NeedsLicenseSetup(),
	}
	view, _ := derive(c.in)
	c.snapshots = eventloop.NewBroadcaster(Snapshot{View: view, Inputs: c.in, License: c.lic, Online: true})
	return c, nil
}

// Run feeds signals into the event loop until ctx is cancelled. ctx is the
// session context: license work started by the coordinator is bound to it.
// Run must be called once; the loop must be running.
func (c *Coordinator) Run(ctx context.Context) error {
	first := false
	c.started.Do(func() { first = true })
	if !first {
		return errors.New("session coordinator already running")
	}

	if !c.loop.Post(func() {
		c.sessionCtx = ctx
		c.evaluate("start")
	}) {
		return eventloop.ErrClosed
	}

	licenseStates, unsubscribe := c.license.Subscribe()
	defer unsubscribe()

	binaryReady := c.binary.Ready()
	var networkChanges <-chan bool
	if c.network != nil {
		networkChanges = c.network.Changes()
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case st, ok := <-licenseStates:
			if !ok {
				return nil
			}
			c.loop.Post(func() { c.onLicense(st) })

		case <-binaryReady:
			binaryReady = nil
			c.loop.Post(func() {
				c.in.BinaryReady = true
				c.evaluate("binary_ready")
			})

		case online := <-networkChanges:
			c.loop.Post(func() { c.onNetwork(online) })
		}
	}
}

func (c *Coordinator) onLicense(st license.State) {
	c.lic = st
	if st.Initializing || st.Initialized {
		c.initPending = false
	}
	c.in.LicenseInitialized = st.Initialized
	c.in.HasNetworkError = st.HasNetworkError
	c.in.NeedsLicenseSetup = st.NeedsLicenseSetup()
	c.evaluate("license")
}

func (c *Coordinator) onNetwork(online bool) {
	c.online = online
	if online && c.lic.HasNetworkError && !c.lic.Initializing {
		c.logger.Info("connectivity restored, retrying license initialization")
		c.license.Retry(c.sessionCtx)
	}
	c.evaluate("network")
}

// evaluate re-derives the view and publishes it. Loop only.
func (c *Coordinator) evaluate(cause string) {
	view, matched := derive(c.in)

	if matched == ruleLicensePending && !c.lic.Initializing && !c.initPending {
		c.initPending = true
		c.logger.Debug("triggering license initialization")
		c.license.Initialize(c.sessionCtx)
	}

	prev := c.snapshots.Latest()
	next := Snapshot{View: view, Inputs: c.in, License: c.lic, Online: c.online}
	if prev.View != next.View {
		c.logger.Info("view changed",
			slog.String("from", prev.View.String()),
			slog.String("to", view.String()),
			slog.String("cause", cause))
	}
	c.snapshots.Publish(next)
}

// Snapshot returns the current session state. Safe from any goroutine.
func (c *Coordinator) Snapshot() Snapshot {
	return c.snapshots.Latest()
}

// Subscribe delivers session snapshots, primed with the current one.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	return c.snapshots.Subscribe()
}

// SetConsent records the disclaimer decision and re-derives the view.
func (c *Coordinator) SetConsent(ctx context.Context, accepted bool) error {
	if err := c.consent.SetConsent(accepted, c.appVersion, c.now().UTC()); err != nil {
		return fmt.Errorf("failed to persist consent: %w", err)
	}
	return c.loop.Do(ctx, func() {
		c.in.ConsentGiven = accepted
		c.evaluate("consent")
	})
}

// SetBlockingErrorDialog marks whether a blocking error dialog is shown.
func (c *Coordinator) SetBlockingErrorDialog(ctx context.Context, shown bool) error {
	return c.loop.Do(ctx, func() {
		c.in.BlockingErrorDialog = shown
		c.evaluate("error_dialog")
	})
}

// Retry re-runs license initialization after a flagged error.
func (c *Coordinator) Retry(ctx context.Context) error {
	return c.loop.Do(ctx, func() {
		c.license.Retry(c.sessionCtx)
	})
}

// RecordUsage reports a clip completed outside RunClip.
func (c *Coordinator) RecordUsage(ctx context.Context) (license.State, error) {
	return c.license.RecordUsage(ctx)
}

// RunClip produces a clip when the session is in the Main view, then
// consumes one trial credit. A failed usage call does not fail the clip.
func (c *Coordinator) RunClip(ctx context.Context, job ClipJob) (string, error) {
	if c.clips == nil {
		return "", ErrClipUnavailable
	}
	if view := c.Snapshot().View; view != ViewMain {
		return "", fmt.Errorf("%w: view is %s", ErrNotReady, view)
	}

	path, err := c.clips.Run(ctx, job)
	if err != nil {
		return "", fmt.Errorf("clip failed: %w", err)
	}

	if _, err := c.license.RecordUsage(ctx); err != nil {
		c.logger.Warn("clip completed but usage was not recorded", slog.String("error", err.Error()))
	}
	return path, nil
}
