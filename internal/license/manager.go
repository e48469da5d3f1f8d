package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"cutclip/internal/config"
	apperrors "cutclip/internal/errors"
	"cutclip/internal/eventloop"
	"cutclip/internal/infrastructure"
	"cutclip/internal/security"
	"cutclip/internal/store"
	"cutclip/internal/trust"
)

// TrustService is the licensing backend. *trust.Client implements it.
type TrustService interface {
	CheckDevice(ctx context.Context, deviceID string) (trust.DeviceStatus, error)
	RegisterDevice(ctx context.Context, deviceID string, info security.DeviceInfo) (trust.Registration, error)
	ValidateLicense(ctx context.Context, key, deviceID string) (trust.Validation, error)
	BindLicense(ctx context.Context, deviceID, key string) (trust.Binding, error)
	DecrementUsage(ctx context.Context, deviceID string) (trust.Usage, error)
}

// DeviceIdentity resolves this machine's fingerprint.
type DeviceIdentity interface {
	DeviceID(ctx context.Context) (string, error)
}

// SnapshotStore persists the diagnostic registration snapshot.
type SnapshotStore interface {
	SaveRegistration(snap store.RegistrationSnapshot) error
	ClearRegistration() error
}

// CredentialClearer removes the API credential pair on reset.
type CredentialClearer interface {
	Clear(ctx context.Context) error
}

// Dependencies wires a Manager. Trust, Identity, Vault and Loop are required.
type Dependencies struct {
	Trust       TrustService
	Identity    DeviceIdentity
	Vault       security.Vault
	Loop        *eventloop.Loop
	Snapshots   SnapshotStore
	Credentials CredentialClearer
	DeviceInfo  security.DeviceInfo
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Meter       metric.Meter
	Now         func() time.Time
}

// Manager owns the license state machine. State is mutated only on the
// event loop; backend calls run on worker goroutines and post their results
// back. A generation counter discards results that were superseded by a
// retry, an activation or a reset.
type Manager struct {
	trust       TrustService
	identity    DeviceIdentity
	vault       security.Vault
	loop        *eventloop.Loop
	snapshots   SnapshotStore
	credentials CredentialClearer
	deviceInfo  security.DeviceInfo
	logger      *slog.Logger
	tracer      trace.Tracer
	metrics     *LicenseMetrics
	now         func() time.Time

	// loop-owned
	st  State
	gen uint64

	states     *eventloop.Broadcaster[State]
	activateMu sync.Mutex
}

// NewManager creates a manager in the Unknown, uninitialized state.
func NewManager(deps Dependencies) (*Manager, error) {
	switch {
	case deps.Trust == nil:
		return nil, errors.New("license manager requires a trust service")
	case deps.Identity == nil:
		return nil, errors.New("license manager requires a device identity")
	case deps.Vault == nil:
		return nil, errors.New("license manager requires a vault")
	case deps.Loop == nil:
		return nil, errors.New("license manager requires an event loop")
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(TracerName)
	}
	meter := deps.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(MeterName)
	}
	metrics, err := InitializeLicenseMetrics(meter)
	if err != nil {
		return nil, err
	}

	now := deps.Now
	if now == nil {
		now = time.Now
	}

	m := &Manager{
		trust:       deps.Trust,
		identity:    deps.Identity,
		vault:       deps.Vault,
		loop:        deps.Loop,
		snapshots:   deps.Snapshots,
		credentials: deps.Credentials,
		deviceInfo:  deps.DeviceInfo,
		logger:      infrastructure.WithComponent(deps.Logger, "license"),
		tracer:      tracer,
		metrics:     metrics,
		now:         now,
		states:      eventloop.NewBroadcaster(State{Status: Unknown()}),
	}
	return m, nil
}

// State returns the latest published state. Safe from any goroutine.
func (m *Manager) State() State {
	return m.states.Latest()
}

// Subscribe returns a channel carrying state changes, primed with the
// current state. Slow readers only see the latest value. Call the returned
// func to unsubscribe; it closes the channel.
func (m *Manager) Subscribe() (<-chan State, func()) {
	return m.states.Subscribe()
}

// Initialize starts the initialization sequence unless the state is already
// initialized or a run is in flight. It returns immediately and is safe to
// call from the event loop. ctx bounds the run; once it is cancelled the
// result is discarded.
func (m *Manager) Initialize(ctx context.Context) {
	m.loop.Post(func() { m.startInitialize(ctx) })
}

// Retry clears the initialized flag and runs initialization again. It is a
// no-op while a run is in flight.
func (m *Manager) Retry(ctx context.Context) {
	m.loop.Post(func() {
		if m.st.Initializing {
			return
		}
		m.st.Initialized = false
		m.startInitialize(ctx)
	})
}

// AwaitInitialized blocks until the state is initialized with no run in
// flight. Initialize or Retry calls made before it are observed. Do not call
// it from the event loop.
func (m *Manager) AwaitInitialized(ctx context.Context) (State, error) {
	// Flush posted triggers so a stale initialized state is not returned.
	if err := m.loop.Do(ctx, func() {}); err != nil {
		return m.State(), err
	}

	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	for {
		select {
		case st := <-ch:
			if st.Initialized && !st.Initializing {
				return st, nil
			}
		case <-ctx.Done():
			return m.State(), ctx.Err()
		case <-m.loop.Done():
			return m.State(), eventloop.ErrClosed
		}
	}
}

func (m *Manager) startInitialize(ctx context.Context) {
	if m.st.Initialized || m.st.Initializing {
		m.logger.Debug("initialization already resolved or in flight",
			slog.Bool("initialized", m.st.Initialized),
			slog.Bool("initializing", m.st.Initializing))
		return
	}

	m.gen++
	gen := m.gen
	prev := m.st.Status

	next := m.st
	next.Initializing = true
	m.setState(next)

	go m.initialize(ctx, gen, prev)
}

type initResult struct {
	status Status
	err    error

	// snapshot is written only if the result is still current
	snapshot *store.RegistrationSnapshot
}

func (m *Manager) initialize(ctx context.Context, gen uint64, prev Status) {
	ctx = infrastructure.EnsureTraceID(ctx)
	res := m.traceInitialization(ctx, func(ctx context.Context) initResult {
		return m.resolve(ctx, prev)
	})

	if ctx.Err() != nil {
		m.loop.Post(func() { m.abandon(gen) })
		return
	}
	m.loop.Post(func() { m.applyInitialize(ctx, gen, res) })
}

func (m *Manager) applyInitialize(ctx context.Context, gen uint64, res initResult) {
	if gen != m.gen {
		m.logger.Debug("discarding superseded initialization result", slog.Uint64("generation", gen))
		return
	}
	if ctx.Err() != nil {
		m.abandon(gen)
		return
	}

	next := State{
		Status:          res.status,
		HasNetworkError: res.err != nil,
		Initialized:     true,
	}
	if res.err != nil {
		next.LastError = res.err.Error()
	}
	if res.snapshot != nil {
		m.saveSnapshot(ctx, *res.snapshot)
	}
	m.setState(next)

	m.logAction(ctx, slog.LevelInfo, "initialize", "license state initialized",
		slog.String("status", next.Status.String()),
		slog.Bool("network_error", next.HasNetworkError))
}

// abandon clears the in-flight marker of a cancelled run without touching
// the status.
func (m *Manager) abandon(gen uint64) {
	if gen != m.gen || !m.st.Initializing {
		return
	}
	next := m.st
	next.Initializing = false
	m.setState(next)
	m.logger.Debug("initialization cancelled", slog.Uint64("generation", gen))
}

// resolve runs the initialization algorithm off the loop. Failures talking
// to the backend never delete the cached license; they keep the previous
// status and are reported through err.
func (m *Manager) resolve(ctx context.Context, prev Status) initResult {
	deviceID, err := m.identity.DeviceID(ctx)
	if err != nil {
		m.logAction(ctx, slog.LevelError, "initialize", "device identity unavailable", errAttr(err))
		return initResult{status: prev, err: fmt.Errorf("resolve device id: %w", err)}
	}

	revoked := false
	if cached, ok := m.cachedLicense(ctx); ok {
		v, err := m.trust.ValidateLicense(ctx, cached.Key, deviceID)
		switch {
		case err != nil:
			m.logLicenseAction(ctx, slog.LevelWarn, "validation", "cached license kept after network failure",
				cached.Key, cached.UserEmail, errAttr(err))
			return initResult{status: Licensed(cached), err: err}

		case v.Valid:
			refreshed, changed := refreshLicense(cached, v)
			if changed {
				if err := m.storeLicense(ctx, refreshed); err != nil {
					m.logAction(ctx, slog.LevelWarn, "validation", "failed to refresh cached license", errAttr(err))
				}
			}
			m.logLicenseAction(ctx, slog.LevelInfo, "validation", "cached license valid",
				refreshed.Key, refreshed.UserEmail)
			return initResult{status: Licensed(refreshed)}

		default:
			m.logLicenseAction(ctx, slog.LevelWarn, "validation", "cached license rejected by server",
				cached.Key, cached.UserEmail,
				slog.String("reason", string(v.Reason)))
			if err := m.vault.Delete(ctx, config.VaultAccountLicense); err != nil {
				m.logAction(ctx, slog.LevelError, "validation", "failed to delete rejected license", errAttr(err))
			}
			revoked = true
			prev = Unknown()
		}
	}

	ds, err := m.trust.CheckDevice(ctx, deviceID)
	if err != nil {
		m.logAction(ctx, slog.LevelWarn, "check_device", "device lookup failed", errAttr(err))
		return initResult{status: prev, err: err}
	}

	switch {
	case !ds.Exists:
		reg, err := m.trust.RegisterDevice(ctx, deviceID, m.deviceInfo)
		if err != nil {
			m.logAction(ctx, slog.LevelWarn, "register", "device registration failed", errAttr(err))
			return initResult{status: prev, err: err}
		}
		m.logAction(ctx, slog.LevelInfo, "register", "device registered",
			slog.Int("credits", reg.Credits))
		return initResult{
			status: FreeTrial(reg.Credits),
			snapshot: &store.RegistrationSnapshot{
				DeviceID:      deviceID,
				RegisteredAt:  reg.RegisteredAt,
				RemainingUses: reg.Credits,
				Source:        trust.PathCreateDevice,
				RawResponse:   reg.RawResponse,
			},
		}

	case ds.HasLicense:
		return initResult{status: Licensed(License{Key: ds.LicenseKey})}

	case ds.Exhausted():
		res := initResult{
			status: TrialExpired(),
			snapshot: &store.RegistrationSnapshot{
				DeviceID:        deviceID,
				RemainingUses:   0,
				RequiresLicense: true,
				Source:          trust.PathCheckDevice,
				RawResponse:     ds.RawResponse,
			},
		}
		if revoked {
			res.status = Unlicensed()
		}
		return res

	default:
		return initResult{
			status: FreeTrial(ds.RemainingUses),
			snapshot: &store.RegistrationSnapshot{
				DeviceID:      deviceID,
				RemainingUses: ds.RemainingUses,
				Source:        trust.PathCheckDevice,
				RawResponse:   ds.RawResponse,
			},
		}
	}
}

// Activate validates, binds and persists a license key. The format check
// runs before any network call. Nothing is persisted unless both validation
// and binding succeed.
func (m *Manager) Activate(ctx context.Context, rawKey string) (License, error) {
	key := NormalizeKey(rawKey)
	ctx = infrastructure.EnsureTraceID(ctx)

	m.activateMu.Lock()
	defer m.activateMu.Unlock()

	var lic License
	err := m.traceActivation(ctx, key, func(ctx context.Context) error {
		if err := ValidateKeyFormat(key); err != nil {
			return err
		}

		deviceID, err := m.identity.DeviceID(ctx)
		if err != nil {
			return fmt.Errorf("resolve device id: %w", err)
		}

		v, err := m.trust.ValidateLicense(ctx, key, deviceID)
		if err != nil {
			return err
		}
		if !v.Valid {
			return fmt.Errorf("%w: %s", apperrors.ErrLicenseRejected, v.Message)
		}

		b, err := m.trust.BindLicense(ctx, deviceID, key)
		if err != nil {
			return err
		}
		if !b.Success {
			if b.Message != "" {
				return fmt.Errorf("%w: %s", apperrors.ErrBindingFailed, b.Message)
			}
			return apperrors.ErrBindingFailed
		}

		lic = License{
			Key:         key,
			ExpiresAt:   v.ExpiresAt,
			UserEmail:   v.UserEmail,
			ActivatedAt: m.now().UTC(),
		}
		if err := m.storeLicense(ctx, lic); err != nil {
			return fmt.Errorf("persist license: %w", err)
		}
		return nil
	})
	if err != nil {
		m.logLicenseAction(ctx, slog.LevelWarn, "activation", "license activation failed", key, "", errAttr(err))
		return License{}, err
	}

	m.logLicenseAction(ctx, slog.LevelInfo, "activation", "license activated", lic.Key, lic.UserEmail)

	// The license is persisted; publish even if the caller has gone away.
	if err := m.loop.Do(context.WithoutCancel(ctx), func() {
		m.gen++
		m.setState(State{Status: Licensed(lic), Initialized: true})
	}); err != nil {
		m.logger.Warn("activated license not published", slog.String("error", err.Error()))
	}
	return lic, nil
}

// RecordUsage consumes one trial credit after a completed clip. It is skipped
// while licensed. A failed call is logged and returned but never changes the
// state; the next successful refresh reconciles it.
func (m *Manager) RecordUsage(ctx context.Context) (State, error) {
	ctx = infrastructure.EnsureTraceID(ctx)

	var (
		licensed bool
		gen      uint64
	)
	if err := m.loop.Do(ctx, func() {
		licensed = m.st.Status.Kind() == KindLicensed
		gen = m.gen
	}); err != nil {
		return m.State(), err
	}
	if licensed {
		m.recordUsageMetric(ctx, "skipped")
		return m.State(), nil
	}

	deviceID, err := m.identity.DeviceID(ctx)
	if err != nil {
		m.recordUsageMetric(ctx, "error")
		return m.State(), fmt.Errorf("resolve device id: %w", err)
	}

	usage, err := m.trust.DecrementUsage(ctx, deviceID)
	if err != nil {
		m.recordUsageMetric(ctx, classifyLicenseError(err))
		m.logAction(ctx, slog.LevelWarn, "usage", "usage not recorded", errAttr(err))
		return m.State(), err
	}
	m.recordUsageMetric(ctx, "ok")

	var (
		st    State
		stale bool
	)
	err = m.loop.Do(context.WithoutCancel(ctx), func() {
		st = m.st
		// A reset, activation or retry since the call started owns the state now.
		if gen != m.gen || m.st.Status.Kind() == KindLicensed {
			stale = true
			return
		}
		m.saveSnapshot(ctx, store.RegistrationSnapshot{
			DeviceID:        deviceID,
			RemainingUses:   usage.RemainingUses,
			RequiresLicense: usage.RequiresLicense,
			Source:          trust.PathDecrementCredit,
			RawResponse:     usage.RawResponse,
		})
		next := m.st
		if usage.RequiresLicense {
			next.Status = TrialExpired()
		} else {
			next.Status = FreeTrial(usage.RemainingUses)
		}
		m.setState(next)
		st = m.st
	})
	if err != nil {
		return m.State(), err
	}
	if stale {
		m.logAction(ctx, slog.LevelDebug, "usage", "usage result superseded",
			slog.Int("remaining_uses", usage.RemainingUses))
		return st, nil
	}

	m.logAction(ctx, slog.LevelInfo, "usage", "usage recorded",
		slog.Int("remaining_uses", usage.RemainingUses),
		slog.Bool("requires_license", usage.RequiresLicense))
	return st, nil
}

// Reset deletes the cached license, the API credentials and the
// registration snapshot, then returns the state to Unknown. Any in-flight
// initialization or usage result is discarded.
func (m *Manager) Reset(ctx context.Context) error {
	var errs []error
	// Results already in flight are stale from here on, including any that
	// would rewrite the snapshot cleared below.
	if err := m.loop.Do(context.WithoutCancel(ctx), func() { m.gen++ }); err != nil {
		errs = append(errs, err)
	}
	if err := m.vault.Delete(ctx, config.VaultAccountLicense); err != nil {
		errs = append(errs, fmt.Errorf("delete license: %w", err))
	}
	if m.credentials != nil {
		if err := m.credentials.Clear(ctx); err != nil {
			errs = append(errs, fmt.Errorf("clear credentials: %w", err))
		}
	}
	if m.snapshots != nil {
		if err := m.snapshots.ClearRegistration(); err != nil {
			errs = append(errs, fmt.Errorf("clear registration snapshot: %w", err))
		}
	}

	if err := m.loop.Do(context.WithoutCancel(ctx), func() {
		m.gen++
		m.setState(State{Status: Unknown()})
	}); err != nil {
		errs = append(errs, err)
	}

	m.logAction(ctx, slog.LevelInfo, "reset", "license state reset")
	return errors.Join(errs...)
}

// CachedLicense returns the license stored in the vault, if any.
func (m *Manager) CachedLicense(ctx context.Context) (License, bool) {
	return m.cachedLicense(ctx)
}

func (m *Manager) cachedLicense(ctx context.Context) (License, bool) {
	secret, err := m.vault.Retrieve(ctx, config.VaultAccountLicense)
	if errors.Is(err, security.ErrSecretNotFound) {
		return License{}, false
	}
	if err != nil {
		m.logAction(ctx, slog.LevelWarn, "cache", "cached license unreadable", errAttr(err))
		return License{}, false
	}

	var lic License
	if err := json.Unmarshal(secret.Bytes(), &lic); err != nil || lic.Key == "" {
		m.logAction(ctx, slog.LevelWarn, "cache", "cached license malformed")
		return License{}, false
	}
	return lic, true
}

// refreshLicense merges validation detail into a cached license.
func refreshLicense(lic License, v trust.Validation) (License, bool) {
	changed := false
	if v.ExpiresAt != nil && (lic.ExpiresAt == nil || !v.ExpiresAt.Equal(*lic.ExpiresAt)) {
		lic.ExpiresAt = v.ExpiresAt
		changed = true
	}
	if v.UserEmail != "" && v.UserEmail != lic.UserEmail {
		lic.UserEmail = v.UserEmail
		changed = true
	}
	return lic, changed
}

func (m *Manager) storeLicense(ctx context.Context, lic License) error {
	data, err := json.Marshal(lic)
	if err != nil {
		return err
	}
	return m.vault.Store(ctx, config.VaultAccountLicense, data)
}

func (m *Manager) saveSnapshot(ctx context.Context, snap store.RegistrationSnapshot) {
	if m.snapshots == nil {
		return
	}
	snap.UpdatedAt = m.now().UTC()
	if err := m.snapshots.SaveRegistration(snap); err != nil {
		m.logAction(ctx, slog.LevelWarn, "snapshot", "failed to save registration snapshot", errAttr(err))
	}
}

// setState publishes next. Loop only.
func (m *Manager) setState(next State) {
	prev := m.st
	m.st = next
	m.recordTransition(prev.Status, next.Status)
	m.states.Publish(next)
}
