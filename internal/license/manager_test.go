package license

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"cutclip/internal/config"
	apperrors "cutclip/internal/errors"
	"cutclip/internal/eventloop"
	"cutclip/internal/security"
	"cutclip/internal/store"
	"cutclip/internal/trust"
)

const (
	testDeviceID = "d3v1c3"
	testKey      = "ABCD-1234-EFGH-5678"
)

// journal records backend and vault calls in order.
type journal struct {
	mu    sync.Mutex
	calls []string
}

func (j *journal) add(call string) {
	j.mu.Lock()
	j.calls = append(j.calls, call)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.calls...)
}

func (j *journal) count(call string) int {
	n := 0
	for _, c := range j.list() {
		if c == call {
			n++
		}
	}
	return n
}

var errUnexpectedCall = errors.New("unexpected call")

type fakeTrust struct {
	j *journal

	check     func(ctx context.Context, id string) (trust.DeviceStatus, error)
	register  func(ctx context.Context, id string) (trust.Registration, error)
	validate  func(ctx context.Context, key, id string) (trust.Validation, error)
	bind      func(ctx context.Context, id, key string) (trust.Binding, error)
	decrement func(ctx context.Context, id string) (trust.Usage, error)
}

func (f *fakeTrust) CheckDevice(ctx context.Context, id string) (trust.DeviceStatus, error) {
	f.j.add("check")
	if f.check == nil {
		return trust.DeviceStatus{}, errUnexpectedCall
	}
	return f.check(ctx, id)
}

func (f *fakeTrust) RegisterDevice(ctx context.Context, id string, _ security.DeviceInfo) (trust.Registration, error) {
	f.j.add("register")
	if f.register == nil {
		return trust.Registration{}, errUnexpectedCall
	}
	return f.register(ctx, id)
}

func (f *fakeTrust) ValidateLicense(ctx context.Context, key, id string) (trust.Validation, error) {
	f.j.add("validate")
	if f.validate == nil {
		return trust.Validation{}, errUnexpectedCall
	}
	return f.validate(ctx, key, id)
}

func (f *fakeTrust) BindLicense(ctx context.Context, id, key string) (trust.Binding, error) {
	f.j.add("bind")
	if f.bind == nil {
		return trust.Binding{}, errUnexpectedCall
	}
	return f.bind(ctx, id, key)
}

func (f *fakeTrust) DecrementUsage(ctx context.Context, id string) (trust.Usage, error) {
	f.j.add("decrement")
	if f.decrement == nil {
		return trust.Usage{}, errUnexpectedCall
	}
	return f.decrement(ctx, id)
}

// journalVault records writes to the license account.
type journalVault struct {
	*security.MemoryVault
	j *journal
}

func (v *journalVault) Store(ctx context.Context, account string, secret []byte) error {
	v.j.add("store:" + account)
	return v.MemoryVault.Store(ctx, account, secret)
}

func (v *journalVault) Delete(ctx context.Context, account string) error {
	v.j.add("delete:" + account)
	return v.MemoryVault.Delete(ctx, account)
}

type staticIdentity struct {
	id  string
	err error
}

func (s staticIdentity) DeviceID(context.Context) (string, error) { return s.id, s.err }

type fakeSnapshots struct {
	mu      sync.Mutex
	last    *store.RegistrationSnapshot
	cleared bool
}

func (f *fakeSnapshots) SaveRegistration(snap store.RegistrationSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = &snap
	return nil
}

func (f *fakeSnapshots) ClearRegistration() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = nil
	f.cleared = true
	return nil
}

func (f *fakeSnapshots) snapshot() (store.RegistrationSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return store.RegistrationSnapshot{}, false
	}
	return *f.last, true
}

type fakeCredentials struct{ cleared bool }

func (f *fakeCredentials) Clear(context.Context) error {
	f.cleared = true
	return nil
}

type harness struct {
	j           *journal
	trust       *fakeTrust
	vault       *journalVault
	snapshots   *fakeSnapshots
	credentials *fakeCredentials
	mgr         *Manager
	ctx         context.Context
}

func newHarness(t *testing.T, opts ...func(*Dependencies)) *harness {
	t.Helper()

	j := &journal{}
	h := &harness{
		j:           j,
		trust:       &fakeTrust{j: j},
		vault:       &journalVault{MemoryVault: security.NewMemoryVault(), j: j},
		snapshots:   &fakeSnapshots{},
		credentials: &fakeCredentials{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	loop := eventloop.New(nil)
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	h.ctx = ctx

	deps := Dependencies{
		Trust:       h.trust,
		Identity:    staticIdentity{id: testDeviceID},
		Vault:       h.vault,
		Loop:        loop,
		Snapshots:   h.snapshots,
		Credentials: h.credentials,
		Now:         func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	}
	for _, opt := range opts {
		opt(&deps)
	}

	mgr, err := NewManager(deps)
	require.NoError(t, err)
	h.mgr = mgr
	return h
}

func (h *harness) initialize(t *testing.T) State {
	t.Helper()
	h.mgr.Initialize(h.ctx)
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	st, err := h.mgr.AwaitInitialized(ctx)
	require.NoError(t, err)
	return st
}

func (h *harness) cacheLicense(t *testing.T, lic License) {
	t.Helper()
	data, err := json.Marshal(lic)
	require.NoError(t, err)
	require.NoError(t, h.vault.MemoryVault.Store(context.Background(), config.VaultAccountLicense, data))
}

func (h *harness) storedLicense(t *testing.T) (License, bool) {
	t.Helper()
	secret, err := h.vault.Retrieve(context.Background(), config.VaultAccountLicense)
	if errors.Is(err, security.ErrSecretNotFound) {
		return License{}, false
	}
	require.NoError(t, err)
	var lic License
	require.NoError(t, json.Unmarshal(secret.Bytes(), &lic))
	return lic, true
}

func timeoutError(op string) error {
	return &apperrors.TransportError{Op: op, Err: context.DeadlineExceeded}
}

func knownDevice(remaining int) func(context.Context, string) (trust.DeviceStatus, error) {
	return func(context.Context, string) (trust.DeviceStatus, error) {
		return trust.DeviceStatus{Exists: true, RemainingUses: remaining}, nil
	}
}

func TestNewManagerRequiresDependencies(t *testing.T) {
	_, err := NewManager(Dependencies{})
	assert.Error(t, err)
}

func TestInitializeNewDeviceRegisters(t *testing.T) {
	h := newHarness(t)
	h.trust.check = func(context.Context, string) (trust.DeviceStatus, error) {
		return trust.DeviceStatus{Exists: false}, nil
	}
	h.trust.register = func(_ context.Context, id string) (trust.Registration, error) {
		assert.Equal(t, testDeviceID, id)
		return trust.Registration{DeviceID: id, Credits: config.StarterCredits, RawResponse: `{"success":true}`}, nil
	}

	st := h.initialize(t)

	assert.Equal(t, FreeTrial(3), st.Status)
	assert.True(t, st.Initialized)
	assert.False(t, st.Initializing)
	assert.False(t, st.HasNetworkError)
	assert.False(t, st.NeedsLicenseSetup())
	assert.Equal(t, []string{"check", "register"}, h.j.list())

	snap, ok := h.snapshots.snapshot()
	require.True(t, ok)
	assert.Equal(t, testDeviceID, snap.DeviceID)
	assert.Equal(t, 3, snap.RemainingUses)
	assert.Equal(t, trust.PathCreateDevice, snap.Source)
}

func TestInitializeKnownDevice(t *testing.T) {
	tests := []struct {
		name   string
		status trust.DeviceStatus
		want   Status
		setup  bool
	}{
		{
			name:   "quota exhausted",
			status: trust.DeviceStatus{Exists: true, RemainingUses: 0},
			want:   TrialExpired(),
			setup:  true,
		},
		{
			name:   "quota complete flag",
			status: trust.DeviceStatus{Exists: true, RemainingUses: 2, QuotaComplete: true},
			want:   TrialExpired(),
			setup:  true,
		},
		{
			name:   "trial remaining",
			status: trust.DeviceStatus{Exists: true, RemainingUses: 2},
			want:   FreeTrial(2),
		},
		{
			name:   "has license",
			status: trust.DeviceStatus{Exists: true, HasLicense: true, LicenseKey: testKey},
			want:   Licensed(License{Key: testKey}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.trust.check = func(context.Context, string) (trust.DeviceStatus, error) {
				return tt.status, nil
			}

			st := h.initialize(t)

			assert.Equal(t, tt.want, st.Status)
			assert.Equal(t, tt.setup, st.NeedsLicenseSetup())
			assert.False(t, st.HasNetworkError)
			assert.Zero(t, h.j.count("register"))
		})
	}
}

func TestInitializeCachedLicenseRejected(t *testing.T) {
	h := newHarness(t)
	h.cacheLicense(t, License{Key: testKey})
	h.trust.validate = func(_ context.Context, key, id string) (trust.Validation, error) {
		assert.Equal(t, testKey, key)
		return trust.Validation{
			Valid:   false,
			Reason:  trust.ReasonBoundToAnotherDevice,
			Message: "This license is already used on another device",
		}, nil
	}
	h.trust.check = knownDevice(2)

	st := h.initialize(t)

	assert.Equal(t, FreeTrial(2), st.Status)
	assert.False(t, st.HasNetworkError)
	assert.Equal(t, []string{"validate", "delete:license", "check"}, h.j.list())
	_, ok := h.storedLicense(t)
	assert.False(t, ok, "rejected license must be deleted")
}

func TestInitializeRevokedWithoutTrialIsUnlicensed(t *testing.T) {
	h := newHarness(t)
	h.cacheLicense(t, License{Key: testKey})
	h.trust.validate = func(context.Context, string, string) (trust.Validation, error) {
		return trust.Validation{Valid: false, Reason: trust.ReasonInvalidKey, Message: "Invalid license"}, nil
	}
	h.trust.check = knownDevice(0)

	st := h.initialize(t)

	assert.Equal(t, Unlicensed(), st.Status)
	assert.True(t, st.NeedsLicenseSetup())
}

func TestInitializeCachedLicenseNetworkFailure(t *testing.T) {
	h := newHarness(t)
	cached := License{Key: testKey, UserEmail: "jane@example.com"}
	h.cacheLicense(t, cached)
	h.trust.validate = func(context.Context, string, string) (trust.Validation, error) {
		return trust.Validation{}, timeoutError("validate_license")
	}

	st := h.initialize(t)

	assert.Equal(t, Licensed(cached), st.Status)
	assert.True(t, st.HasNetworkError)
	assert.True(t, st.Initialized)
	assert.False(t, st.NeedsLicenseSetup())
	assert.NotEmpty(t, st.LastError)

	assert.Equal(t, []string{"validate"}, h.j.list(), "no device lookup and no deletion")
	lic, ok := h.storedLicense(t)
	require.True(t, ok)
	assert.Equal(t, cached, lic)
}

func TestInitializeCachedLicenseStatusErrorKeepsLicense(t *testing.T) {
	h := newHarness(t)
	h.cacheLicense(t, License{Key: testKey})
	h.trust.validate = func(context.Context, string, string) (trust.Validation, error) {
		return trust.Validation{}, &apperrors.StatusError{Op: "validate_license", Code: 503}
	}

	st := h.initialize(t)

	assert.Equal(t, KindLicensed, st.Status.Kind())
	assert.True(t, st.HasNetworkError)
	_, ok := h.storedLicense(t)
	assert.True(t, ok)
	assert.Zero(t, h.j.count("delete:license"))
}

func TestInitializeCachedLicenseValidRefreshesDetail(t *testing.T) {
	h := newHarness(t)
	h.cacheLicense(t, License{Key: testKey})
	expires := time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC)
	h.trust.validate = func(context.Context, string, string) (trust.Validation, error) {
		return trust.Validation{Valid: true, ExpiresAt: &expires, UserEmail: "jane@example.com"}, nil
	}

	st := h.initialize(t)

	lic, ok := st.Status.License()
	require.True(t, ok)
	assert.Equal(t, "jane@example.com", lic.UserEmail)
	require.NotNil(t, lic.ExpiresAt)
	assert.True(t, expires.Equal(*lic.ExpiresAt))
	assert.False(t, st.HasNetworkError)

	stored, ok := h.storedLicense(t)
	require.True(t, ok)
	assert.Equal(t, "jane@example.com", stored.UserEmail)
	assert.Zero(t, h.j.count("check"))
}

func TestInitializeFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *harness)
		identity error
	}{
		{
			name: "check device transport failure",
			setup: func(h *harness) {
				h.trust.check = func(context.Context, string) (trust.DeviceStatus, error) {
					return trust.DeviceStatus{}, timeoutError("check_device")
				}
			},
		},
		{
			name: "registration failure",
			setup: func(h *harness) {
				h.trust.check = func(context.Context, string) (trust.DeviceStatus, error) {
					return trust.DeviceStatus{Exists: false}, nil
				}
				h.trust.register = func(context.Context, string) (trust.Registration, error) {
					return trust.Registration{}, &apperrors.StatusError{Op: "register_device", Code: 500}
				}
			},
		},
		{
			name:     "no hardware identity",
			setup:    func(*harness) {},
			identity: security.ErrNoHardwareSource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(d *Dependencies) {
				if tt.identity != nil {
					d.Identity = staticIdentity{err: tt.identity}
				}
			})
			tt.setup(h)

			st := h.initialize(t)

			assert.Equal(t, Unknown(), st.Status)
			assert.True(t, st.HasNetworkError)
			assert.True(t, st.Initialized, "initialized must not stay false after an error")
			assert.False(t, st.NeedsLicenseSetup())
			assert.NotEmpty(t, st.LastError)
		})
	}
}

func TestInitializeIsNotReentrant(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.trust.check = func(context.Context, string) (trust.DeviceStatus, error) {
		<-release
		return trust.DeviceStatus{Exists: true, RemainingUses: 1}, nil
	}

	for i := 0; i < 5; i++ {
		h.mgr.Initialize(h.ctx)
	}
	require.Eventually(t, func() bool { return h.mgr.State().Initializing }, time.Second, 5*time.Millisecond)
	h.mgr.Initialize(h.ctx)
	h.mgr.Retry(h.ctx)
	close(release)

	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	st, err := h.mgr.AwaitInitialized(ctx)
	require.NoError(t, err)
	assert.Equal(t, FreeTrial(1), st.Status)
	assert.Equal(t, 1, h.j.count("check"))

	h.mgr.Initialize(h.ctx)
	_, err = h.mgr.AwaitInitialized(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.j.count("check"), "initialized state is not re-run")
}

func TestInitializeCancelledResultDiscarded(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.trust.check = func(ctx context.Context, _ string) (trust.DeviceStatus, error) {
		close(started)
		<-ctx.Done()
		return trust.DeviceStatus{}, &apperrors.TransportError{Op: "check_device", Err: ctx.Err()}
	}

	runCtx, cancelRun := context.WithCancel(h.ctx)
	h.mgr.Initialize(runCtx)
	<-started
	cancelRun()

	require.Eventually(t, func() bool { return !h.mgr.State().Initializing }, time.Second, 5*time.Millisecond)
	st := h.mgr.State()
	assert.Equal(t, Unknown(), st.Status)
	assert.False(t, st.Initialized)
	assert.False(t, st.HasNetworkError, "a cancelled run must not flag the state")
}

func TestResetDiscardsInFlightInitialization(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.trust.check = func(context.Context, string) (trust.DeviceStatus, error) {
		<-release
		return trust.DeviceStatus{Exists: true, RemainingUses: 2}, nil
	}

	h.mgr.Initialize(h.ctx)
	require.Eventually(t, func() bool { return h.mgr.State().Initializing }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.mgr.Reset(h.ctx))
	close(release)

	// Flush the loop after the worker posts its stale result.
	require.Eventually(t, func() bool { return h.j.count("check") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.mgr.loop.Do(h.ctx, func() {}))

	st := h.mgr.State()
	assert.Equal(t, Unknown(), st.Status)
	assert.False(t, st.Initialized)
	assert.True(t, h.credentials.cleared)
	assert.True(t, h.snapshots.cleared)
}

func TestResetDiscardsInFlightUsage(t *testing.T) {
	h := newHarness(t)
	h.trust.check = knownDevice(2)
	started := make(chan struct{})
	release := make(chan struct{})
	h.trust.decrement = func(context.Context, string) (trust.Usage, error) {
		close(started)
		<-release
		return trust.Usage{RemainingUses: 1}, nil
	}
	h.initialize(t)

	type result struct {
		st  State
		err error
	}
	done := make(chan result, 1)
	go func() {
		st, err := h.mgr.RecordUsage(h.ctx)
		done <- result{st, err}
	}()
	<-started

	require.NoError(t, h.mgr.Reset(h.ctx))
	close(release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, Unknown(), res.st.Status)

	st := h.mgr.State()
	assert.Equal(t, Unknown(), st.Status)
	assert.False(t, st.Initialized)
	_, ok := h.snapshots.snapshot()
	assert.False(t, ok, "reset snapshot must stay cleared")
}

func TestResetDiscardsInFlightInitializationSnapshot(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	h.trust.check = func(context.Context, string) (trust.DeviceStatus, error) {
		return trust.DeviceStatus{}, nil
	}
	h.trust.register = func(context.Context, string) (trust.Registration, error) {
		close(started)
		<-release
		return trust.Registration{Credits: config.StarterCredits}, nil
	}

	h.mgr.Initialize(h.ctx)
	<-started
	require.NoError(t, h.mgr.Reset(h.ctx))
	close(release)

	require.Eventually(t, func() bool { return h.j.count("register") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.mgr.loop.Do(h.ctx, func() {}))

	assert.Equal(t, Unknown(), h.mgr.State().Status)
	_, ok := h.snapshots.snapshot()
	assert.False(t, ok)
}

func TestRetryAfterNetworkError(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	online := false
	h.trust.check = func(context.Context, string) (trust.DeviceStatus, error) {
		mu.Lock()
		defer mu.Unlock()
		if !online {
			return trust.DeviceStatus{}, timeoutError("check_device")
		}
		return trust.DeviceStatus{Exists: true, RemainingUses: 0}, nil
	}

	st := h.initialize(t)
	require.True(t, st.HasNetworkError)

	mu.Lock()
	online = true
	mu.Unlock()

	h.mgr.Retry(h.ctx)
	ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer cancel()
	st, err := h.mgr.AwaitInitialized(ctx)
	require.NoError(t, err)

	assert.Equal(t, TrialExpired(), st.Status)
	assert.False(t, st.HasNetworkError)
	assert.Empty(t, st.LastError)
	assert.True(t, st.NeedsLicenseSetup())
}

func TestActivateInvalidFormatMakesNoCalls(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.Activate(h.ctx, "ABC-123")

	require.ErrorIs(t, err, apperrors.ErrInvalidKeyFormat)
	assert.Empty(t, h.j.list())
	assert.Equal(t, Unknown(), h.mgr.State().Status)
}

func TestActivateSuccess(t *testing.T) {
	h := newHarness(t)
	h.trust.validate = func(_ context.Context, key, id string) (trust.Validation, error) {
		assert.Equal(t, testKey, key)
		assert.Equal(t, testDeviceID, id)
		return trust.Validation{Valid: true, UserEmail: "jane@example.com"}, nil
	}
	h.trust.bind = func(_ context.Context, id, key string) (trust.Binding, error) {
		assert.Equal(t, testKey, key)
		return trust.Binding{Success: true}, nil
	}

	lic, err := h.mgr.Activate(h.ctx, " abcd1234efgh5678 ")

	require.NoError(t, err)
	assert.Equal(t, testKey, lic.Key)
	assert.Equal(t, "jane@example.com", lic.UserEmail)
	assert.Equal(t, []string{"validate", "bind", "store:license"}, h.j.list())

	stored, ok := h.storedLicense(t)
	require.True(t, ok)
	assert.Equal(t, lic, stored)

	st := h.mgr.State()
	assert.Equal(t, Licensed(lic), st.Status)
	assert.True(t, st.Initialized)
	assert.False(t, st.HasNetworkError)
}

func TestActivateFailuresPersistNothing(t *testing.T) {
	tests := []struct {
		name     string
		validate func(context.Context, string, string) (trust.Validation, error)
		bind     func(context.Context, string, string) (trust.Binding, error)
		check    func(t *testing.T, err error)
		calls    []string
	}{
		{
			name: "rejected",
			validate: func(context.Context, string, string) (trust.Validation, error) {
				return trust.Validation{Valid: false, Message: "Invalid license"}, nil
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, apperrors.ErrLicenseRejected)
				assert.Contains(t, err.Error(), "Invalid license")
			},
			calls: []string{"validate"},
		},
		{
			name: "validate network failure",
			validate: func(context.Context, string, string) (trust.Validation, error) {
				return trust.Validation{}, timeoutError("validate_license")
			},
			check: func(t *testing.T, err error) {
				assert.True(t, apperrors.IsTransient(err))
			},
			calls: []string{"validate"},
		},
		{
			name: "bind refused",
			validate: func(context.Context, string, string) (trust.Validation, error) {
				return trust.Validation{Valid: true}, nil
			},
			bind: func(context.Context, string, string) (trust.Binding, error) {
				return trust.Binding{Success: false, Message: "device limit"}, nil
			},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, apperrors.ErrBindingFailed)
			},
			calls: []string{"validate", "bind"},
		},
		{
			name: "bind network failure",
			validate: func(context.Context, string, string) (trust.Validation, error) {
				return trust.Validation{Valid: true}, nil
			},
			bind: func(context.Context, string, string) (trust.Binding, error) {
				return trust.Binding{}, &apperrors.StatusError{Op: "bind_license", Code: 502}
			},
			check: func(t *testing.T, err error) {
				assert.True(t, apperrors.IsNetwork(err))
			},
			calls: []string{"validate", "bind"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.trust.validate = tt.validate
			h.trust.bind = tt.bind

			lic, err := h.mgr.Activate(h.ctx, testKey)

			require.Error(t, err)
			tt.check(t, err)
			assert.Zero(t, lic)
			assert.Equal(t, tt.calls, h.j.list())
			_, ok := h.storedLicense(t)
			assert.False(t, ok)
			assert.Equal(t, Unknown(), h.mgr.State().Status)
		})
	}
}

func TestActivateSupersedesInFlightInitialization(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.trust.check = func(context.Context, string) (trust.DeviceStatus, error) {
		<-release
		return trust.DeviceStatus{Exists: true, RemainingUses: 0}, nil
	}
	h.trust.validate = func(context.Context, string, string) (trust.Validation, error) {
		return trust.Validation{Valid: true}, nil
	}
	h.trust.bind = func(context.Context, string, string) (trust.Binding, error) {
		return trust.Binding{Success: true}, nil
	}

	h.mgr.Initialize(h.ctx)
	require.Eventually(t, func() bool { return h.mgr.State().Initializing }, time.Second, 5*time.Millisecond)

	_, err := h.mgr.Activate(h.ctx, testKey)
	require.NoError(t, err)
	close(release)

	require.Eventually(t, func() bool { return h.j.count("check") == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.mgr.loop.Do(h.ctx, func() {}))

	assert.Equal(t, KindLicensed, h.mgr.State().Status.Kind(), "stale TrialExpired result must be dropped")
}

func TestRecordUsage(t *testing.T) {
	t.Run("decrements trial", func(t *testing.T) {
		h := newHarness(t)
		h.trust.check = knownDevice(3)
		h.trust.decrement = func(context.Context, string) (trust.Usage, error) {
			return trust.Usage{RemainingUses: 2}, nil
		}
		h.initialize(t)

		st, err := h.mgr.RecordUsage(h.ctx)

		require.NoError(t, err)
		assert.Equal(t, FreeTrial(2), st.Status)
		snap, ok := h.snapshots.snapshot()
		require.True(t, ok)
		assert.Equal(t, 2, snap.RemainingUses)
		assert.Equal(t, trust.PathDecrementCredit, snap.Source)
	})

	t.Run("last credit expires trial", func(t *testing.T) {
		h := newHarness(t)
		h.trust.check = knownDevice(1)
		h.trust.decrement = func(context.Context, string) (trust.Usage, error) {
			return trust.Usage{RemainingUses: 0, RequiresLicense: true}, nil
		}
		h.initialize(t)

		st, err := h.mgr.RecordUsage(h.ctx)

		require.NoError(t, err)
		assert.Equal(t, TrialExpired(), st.Status)
		assert.True(t, st.NeedsLicenseSetup())
	})

	t.Run("network failure leaves state", func(t *testing.T) {
		h := newHarness(t)
		h.trust.check = knownDevice(3)
		h.trust.decrement = func(context.Context, string) (trust.Usage, error) {
			return trust.Usage{}, timeoutError("decrement_usage")
		}
		before := h.initialize(t)

		st, err := h.mgr.RecordUsage(h.ctx)

		require.Error(t, err)
		assert.Equal(t, before, st)
		assert.False(t, st.HasNetworkError)
	})

	t.Run("skipped while licensed", func(t *testing.T) {
		h := newHarness(t)
		h.trust.check = func(context.Context, string) (trust.DeviceStatus, error) {
			return trust.DeviceStatus{Exists: true, HasLicense: true, LicenseKey: testKey}, nil
		}
		h.initialize(t)

		st, err := h.mgr.RecordUsage(h.ctx)

		require.NoError(t, err)
		assert.Equal(t, KindLicensed, st.Status.Kind())
		assert.Zero(t, h.j.count("decrement"))
	})
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t)
	h.trust.check = knownDevice(2)

	ch, unsubscribe := h.mgr.Subscribe()
	first := <-ch
	assert.Equal(t, Unknown(), first.Status)

	h.initialize(t)

	require.Eventually(t, func() bool {
		select {
		case st := <-ch:
			return st.Initialized && st.Status == FreeTrial(2)
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
	unsubscribe()
}

func TestActivationMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	h := newHarness(t, func(d *Dependencies) {
		d.Meter = provider.Meter(MeterName)
	})

	_, err := h.mgr.Activate(h.ctx, "bad")
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					counts[m.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(1), counts["license_activation_attempts_total"])
	assert.Equal(t, int64(1), counts["license_activation_failures_total"])
	assert.Zero(t, counts["license_activation_success_total"])
}
