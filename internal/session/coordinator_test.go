package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"cutclip/internal/eventloop"
	"cutclip/internal/license"
	"cutclip/internal/store"
)

type fakeLicense struct {
	states *eventloop.Broadcaster[license.State]

	mu       sync.Mutex
	inits    int
	retries  int
	usages   int
	usageErr error
}

func newFakeLicense() *fakeLicense {
	return &fakeLicense{states: eventloop.NewBroadcaster(license.State{Status: license.Unknown()})}
}

func (f *fakeLicense) State() license.State { return f.states.Latest() }

func (f *fakeLicense) Subscribe() (<-chan license.State, func()) { return f.states.Subscribe() }

func (f *fakeLicense) Initialize(context.Context) {
	f.mu.Lock()
	f.inits++
	f.mu.Unlock()
	f.states.Publish(license.State{Status: license.Unknown(), Initializing: true})
}

func (f *fakeLicense) Retry(context.Context) {
	f.mu.Lock()
	f.retries++
	f.mu.Unlock()
	f.states.Publish(license.State{Status: f.State().Status, Initializing: true})
}

func (f *fakeLicense) RecordUsage(context.Context) (license.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usages++
	return f.State(), f.usageErr
}

func (f *fakeLicense) counts() (inits, retries, usages int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits, f.retries, f.usages
}

func (f *fakeLicense) resolve(status license.Status, networkError bool) {
	f.states.Publish(license.State{Status: status, Initialized: true, HasNetworkError: networkError})
}

type memoryConsent struct {
	mu     sync.Mutex
	record store.ConsentRecord
}

func (m *memoryConsent) Consent() store.ConsentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

func (m *memoryConsent) SetConsent(accepted bool, appVersion string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = store.ConsentRecord{Accepted: accepted, AcceptedAt: at, AppVersion: appVersion}
	return nil
}

type manualBinary struct {
	once  sync.Once
	ready chan struct{}
}

func (b *manualBinary) IsReady() bool {
	select {
	case <-b.ready:
		return true
	default:
		return false
	}
}

func (b *manualBinary) Ready() <-chan struct{} { return b.ready }
func (b *manualBinary) markReady()             { b.once.Do(func() { close(b.ready) }) }

type manualNetwork struct{ ch chan bool }

func (n *manualNetwork) Changes() <-chan bool { return n.ch }

type fakeRunner struct {
	path string
	err  error
	jobs []ClipJob
}

func (r *fakeRunner) Run(_ context.Context, job ClipJob) (string, error) {
	r.jobs = append(r.jobs, job)
	return r.path, r.err
}

type CoordinatorSuite struct {
	suite.Suite

	lic     *fakeLicense
	consent *memoryConsent
	binary  *manualBinary
	network *manualNetwork
	runner  *fakeRunner
	coord   *Coordinator
	ctx     context.Context
	cancel  context.CancelFunc
	loop    *eventloop.Loop
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) SetupTest() {
	s.lic = newFakeLicense()
	s.consent = &memoryConsent{}
	s.binary = &manualBinary{ready: make(chan struct{})}
	s.network = &manualNetwork{ch: make(chan bool, 1)}
	s.runner = &fakeRunner{path: "/tmp/clip.mp4"}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.loop = eventloop.New(nil)
	go func() { _ = s.loop.Run(s.ctx) }()

	coord, err := NewCoordinator(Dependencies{
		Loop:       s.loop,
		License:    s.lic,
		Consent:    s.consent,
		Binary:     s.binary,
		Network:    s.network,
		Clips:      s.runner,
		AppVersion: "1.4.0",
	})
	s.Require().NoError(err)
	s.coord = coord
	go func() { _ = s.coord.Run(s.ctx) }()
}

func (s *CoordinatorSuite) TearDownTest() {
	s.cancel()
	<-s.loop.Done()
}

func (s *CoordinatorSuite) waitView(want AppView) {
	s.T().Helper()
	s.Require().Eventually(func() bool {
		return s.coord.Snapshot().View == want
	}, 2*time.Second, 5*time.Millisecond, "expected view %s, have %s", want, s.coord.Snapshot().View)
}

// flush waits until all signals forwarded so far have been applied.
func (s *CoordinatorSuite) flush() {
	time.Sleep(20 * time.Millisecond)
	s.Require().NoError(s.loop.Do(s.ctx, func() {}))
}

func (s *CoordinatorSuite) toLoading() {
	s.Require().NoError(s.coord.SetConsent(s.ctx, true))
	s.binary.markReady()
	s.waitView(ViewLoading)
	s.Require().Eventually(func() bool {
		inits, _, _ := s.lic.counts()
		return inits == 1
	}, time.Second, 5*time.Millisecond)
}

func (s *CoordinatorSuite) TestStartsAtDisclaimerWithoutInitializing() {
	s.flush()
	s.Equal(ViewDisclaimer, s.coord.Snapshot().View)
	inits, _, _ := s.lic.counts()
	s.Zero(inits)
}

func (s *CoordinatorSuite) TestConsentIsPersisted() {
	s.Require().NoError(s.coord.SetConsent(s.ctx, true))
	s.waitView(ViewAutoSetup)

	rec := s.consent.Consent()
	s.True(rec.Accepted)
	s.Equal("1.4.0", rec.AppVersion)
	s.False(rec.AcceptedAt.IsZero())
}

func (s *CoordinatorSuite) TestFullProgressionToMain() {
	s.toLoading()

	s.lic.resolve(license.FreeTrial(3), false)
	s.waitView(ViewMain)

	snap := s.coord.Snapshot()
	s.True(snap.Inputs.LicenseInitialized)
	s.Equal(license.KindFreeTrial, snap.License.Status.Kind())
}

func (s *CoordinatorSuite) TestInitializeTriggeredOnceWhileInFlight() {
	s.toLoading()

	for i := 0; i < 3; i++ {
		s.Require().NoError(s.coord.SetBlockingErrorDialog(s.ctx, i%2 == 0))
	}
	s.flush()

	inits, _, _ := s.lic.counts()
	s.Equal(1, inits)
}

func (s *CoordinatorSuite) TestTrialExpiredRoutesToLicenseSetup() {
	s.toLoading()

	s.lic.resolve(license.TrialExpired(), false)
	s.waitView(ViewLicenseSetup)

	s.lic.resolve(license.TrialExpired(), true)
	s.waitView(ViewLoading)
}

func (s *CoordinatorSuite) TestBlockingErrorDialog() {
	s.toLoading()
	s.lic.resolve(license.FreeTrial(1), false)
	s.waitView(ViewMain)

	s.Require().NoError(s.coord.SetBlockingErrorDialog(s.ctx, true))
	s.Equal(ViewLoading, s.coord.Snapshot().View)

	s.Require().NoError(s.coord.SetBlockingErrorDialog(s.ctx, false))
	s.Equal(ViewMain, s.coord.Snapshot().View)
}

func (s *CoordinatorSuite) TestNetworkRestoreRetries() {
	s.toLoading()
	s.lic.resolve(license.Unknown(), true)
	s.waitView(ViewLoading)
	s.flush()

	s.network.ch <- true

	s.Require().Eventually(func() bool {
		_, retries, _ := s.lic.counts()
		return retries == 1
	}, time.Second, 5*time.Millisecond)
	s.flush()
	s.True(s.coord.Snapshot().Online)
}

func (s *CoordinatorSuite) TestNetworkRestoreWithoutErrorDoesNothing() {
	s.toLoading()
	s.lic.resolve(license.FreeTrial(2), false)
	s.waitView(ViewMain)

	s.network.ch <- false
	s.flush()
	s.False(s.coord.Snapshot().Online)

	s.network.ch <- true
	s.flush()

	_, retries, _ := s.lic.counts()
	s.Zero(retries)
}

func (s *CoordinatorSuite) TestExplicitRetry() {
	s.Require().NoError(s.coord.Retry(s.ctx))
	_, retries, _ := s.lic.counts()
	s.Equal(1, retries)
}

func (s *CoordinatorSuite) TestRunClipRequiresMainView() {
	_, err := s.coord.RunClip(s.ctx, ClipJob{SourceURL: "https://example.com/v"})
	s.ErrorIs(err, ErrNotReady)
	s.Empty(s.runner.jobs)
}

func (s *CoordinatorSuite) TestRunClipRecordsUsage() {
	s.toLoading()
	s.lic.resolve(license.FreeTrial(2), false)
	s.waitView(ViewMain)

	path, err := s.coord.RunClip(s.ctx, ClipJob{SourceURL: "https://example.com/v", End: time.Second})

	s.Require().NoError(err)
	s.Equal("/tmp/clip.mp4", path)
	_, _, usages := s.lic.counts()
	s.Equal(1, usages)
}

func (s *CoordinatorSuite) TestRunClipUsageFailureDoesNotFailClip() {
	s.toLoading()
	s.lic.resolve(license.FreeTrial(2), false)
	s.waitView(ViewMain)
	s.lic.usageErr = errors.New("offline")

	path, err := s.coord.RunClip(s.ctx, ClipJob{SourceURL: "https://example.com/v"})

	s.Require().NoError(err)
	s.NotEmpty(path)
}

func (s *CoordinatorSuite) TestRunClipFailureRecordsNothing() {
	s.toLoading()
	s.lic.resolve(license.FreeTrial(2), false)
	s.waitView(ViewMain)
	s.runner.err = errors.New("download failed")

	_, err := s.coord.RunClip(s.ctx, ClipJob{SourceURL: "https://example.com/v"})

	s.Require().Error(err)
	_, _, usages := s.lic.counts()
	s.Zero(usages)
}

func (s *CoordinatorSuite) TestSubscribeReceivesViewChanges() {
	ch, unsubscribe := s.coord.Subscribe()
	defer unsubscribe()

	s.Require().NoError(s.coord.SetConsent(s.ctx, true))

	s.Require().Eventually(func() bool {
		select {
		case snap := <-ch:
			return snap.View == ViewAutoSetup
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestNewCoordinatorValidation(t *testing.T) {
	_, err := NewCoordinator(Dependencies{})
	assert.Error(t, err)
}

func TestNewCoordinatorReadsPersistedConsent(t *testing.T) {
	consent := &memoryConsent{record: store.ConsentRecord{Accepted: true}}
	coord, err := NewCoordinator(Dependencies{
		Loop:    eventloop.New(nil),
		License: newFakeLicense(),
		Consent: consent,
	})
	require.NoError(t, err)

	snap := coord.Snapshot()
	assert.True(t, snap.Inputs.ConsentGiven)
	assert.True(t, snap.Inputs.BinaryReady, "missing provisioner counts as ready")
	assert.Equal(t, ViewLoading, snap.View)
}
