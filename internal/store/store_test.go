package store

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"
)

type LocalStoreTestSuite struct {
	suite.Suite
	path  string
	store *LocalStore
}

func (s *LocalStoreTestSuite) SetupTest() {
	s.path = filepath.Join(s.T().TempDir(), "state", "state.yaml")

	var err error
	s.store, err = Open(s.path, nil)
	s.Require().NoError(err)
}

func (s *LocalStoreTestSuite) reopen() *LocalStore {
	st, err := Open(s.path, nil)
	s.Require().NoError(err)
	return st
}

func (s *LocalStoreTestSuite) TestEmptyStore() {
	_, ok := s.store.Fingerprint()
	s.False(ok)
	s.False(s.store.Consent().Accepted)
	_, ok = s.store.Registration()
	s.False(ok)

	_, err := os.Stat(s.path)
	s.True(os.IsNotExist(err), "opening must not create the file")
}

func (s *LocalStoreTestSuite) TestFingerprintPersists() {
	s.Require().NoError(s.store.SetFingerprint("abc123"))

	fp, ok := s.reopen().Fingerprint()
	s.True(ok)
	s.Equal("abc123", fp)

	info, err := os.Stat(s.path)
	s.Require().NoError(err)
	s.Equal(os.FileMode(0600), info.Mode().Perm())
}

func (s *LocalStoreTestSuite) TestConsent() {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.SetConsent(true, "1.4.0", at))

	consent := s.reopen().Consent()
	s.True(consent.Accepted)
	s.Equal("1.4.0", consent.AppVersion)
	s.True(at.Equal(consent.AcceptedAt))

	s.Require().NoError(s.store.SetConsent(false, "", time.Time{}))
	s.False(s.reopen().Consent().Accepted)
}

func (s *LocalStoreTestSuite) TestRegistrationSnapshot() {
	registered := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.Require().NoError(s.store.SaveRegistration(RegistrationSnapshot{
		DeviceID:      "dev-1",
		RegisteredAt:  registered,
		RemainingUses: 3,
		Source:        "register",
		RawResponse:   `{"success":true}`,
	}))

	// A usage update without RegisteredAt keeps the original timestamp.
	s.Require().NoError(s.store.SaveRegistration(RegistrationSnapshot{
		DeviceID:        "dev-1",
		RemainingUses:   0,
		RequiresLicense: true,
		Source:          "usage",
	}))

	snap, ok := s.reopen().Registration()
	s.Require().True(ok)
	s.Equal("dev-1", snap.DeviceID)
	s.Equal(0, snap.RemainingUses)
	s.True(snap.RequiresLicense)
	s.Equal("usage", snap.Source)
	s.True(registered.Equal(snap.RegisteredAt))
	s.False(snap.UpdatedAt.IsZero())

	s.Require().NoError(s.store.ClearRegistration())
	_, ok = s.reopen().Registration()
	s.False(ok)
}

func (s *LocalStoreTestSuite) TestRegistrationReturnsCopy() {
	s.Require().NoError(s.store.SaveRegistration(RegistrationSnapshot{DeviceID: "dev-1", RemainingUses: 2}))

	snap, _ := s.store.Registration()
	snap.RemainingUses = 99

	again, _ := s.store.Registration()
	s.Equal(2, again.RemainingUses)
}

func (s *LocalStoreTestSuite) TestCorruptFileStartsFresh() {
	s.Require().NoError(os.MkdirAll(filepath.Dir(s.path), 0700))
	s.Require().NoError(os.WriteFile(s.path, []byte("{{{ unterminated"), 0600))

	st := s.reopen()
	_, ok := st.Fingerprint()
	s.False(ok)

	s.Require().NoError(st.SetFingerprint("fresh"))
	fp, _ := s.reopen().Fingerprint()
	s.Equal("fresh", fp)
}

func (s *LocalStoreTestSuite) TestConcurrentUpdates() {
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		i := i
		g.Go(func() error {
			if i%2 == 0 {
				return s.store.SetFingerprint(fmt.Sprintf("fp-%d", i))
			}
			return s.store.SaveRegistration(RegistrationSnapshot{DeviceID: "dev", RemainingUses: i})
		})
	}
	s.Require().NoError(g.Wait())

	// The file on disk always matches the in-memory view.
	fp, _ := s.store.Fingerprint()
	diskFP, _ := s.reopen().Fingerprint()
	s.Equal(fp, diskFP)

	entries, err := os.ReadDir(filepath.Dir(s.path))
	s.Require().NoError(err)
	s.Len(entries, 1, "temp files must not be left behind")
}

func TestLocalStoreTestSuite(t *testing.T) {
	suite.Run(t, new(LocalStoreTestSuite))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("", nil)
	assert.Error(t, err)
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "file.yaml")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), 0600))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
