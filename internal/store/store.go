// Package store keeps non-secret local state in a YAML file: the cached
// device fingerprint, disclaimer consent and the last device registration
// snapshot. Secrets never go here; see the security package vault.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"cutclip/internal/infrastructure"
)

const stateVersion = 1

// ConsentRecord captures the user's acceptance of the disclaimer.
type ConsentRecord struct {
	Accepted   bool      `yaml:"accepted"`
	AcceptedAt time.Time `yaml:"accepted_at,omitempty"`
	AppVersion string    `yaml:"app_version,omitempty"`
}

// RegistrationSnapshot is the last device state reported by the backend.
// It is diagnostic only; license decisions always go back to the server.
type RegistrationSnapshot struct {
	DeviceID        string    `yaml:"device_id" json:"device_id"`
	RegisteredAt    time.Time `yaml:"registered_at,omitempty" json:"registered_at,omitempty"`
	RemainingUses   int       `yaml:"remaining_uses" json:"remaining_uses"`
	RequiresLicense bool      `yaml:"requires_license" json:"requires_license"`
	Source          string    `yaml:"source" json:"source"`
	UpdatedAt       time.Time `yaml:"updated_at" json:"updated_at"`
	RawResponse     string    `yaml:"raw_response,omitempty" json:"raw_response,omitempty"`
}

type fileState struct {
	Version      int                   `yaml:"version"`
	Fingerprint  string                `yaml:"fingerprint,omitempty"`
	Consent      ConsentRecord         `yaml:"consent"`
	Registration *RegistrationSnapshot `yaml:"registration,omitempty"`
}

// LocalStore is safe for concurrent use. Every mutation rewrites the file
// atomically.
type LocalStore struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	state fileState
}

// Open returns a store backed by path. A missing file is an empty store; a
// corrupt one is logged and replaced on the next write.
func Open(path string, logger *slog.Logger) (*LocalStore, error) {
	if path == "" {
		return nil, errors.New("store path is required")
	}

	s := &LocalStore{
		path:   path,
		logger: infrastructure.WithComponent(logger, "store"),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LocalStore) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = fileState{Version: stateVersion}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var st fileState
	if err := yaml.Unmarshal(data, &st); err != nil {
		s.logger.Warn("state file unreadable, starting fresh",
			slog.String("path", s.path),
			slog.String("error", err.Error()))
		return nil
	}
	st.Version = stateVersion
	s.state = st
	return nil
}

// Path returns the backing file.
func (s *LocalStore) Path() string {
	return s.path
}

// Fingerprint returns the cached device fingerprint, if any.
func (s *LocalStore) Fingerprint() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Fingerprint, s.state.Fingerprint != ""
}

// SetFingerprint caches the device fingerprint.
func (s *LocalStore) SetFingerprint(fp string) error {
	return s.update(func(st *fileState) {
		st.Fingerprint = fp
	})
}

// Consent returns the stored consent record.
func (s *LocalStore) Consent() ConsentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Consent
}

// SetConsent records acceptance or withdrawal of the disclaimer.
func (s *LocalStore) SetConsent(accepted bool, appVersion string, at time.Time) error {
	return s.update(func(st *fileState) {
		if !accepted {
			st.Consent = ConsentRecord{}
			return
		}
		st.Consent = ConsentRecord{Accepted: true, AcceptedAt: at.UTC(), AppVersion: appVersion}
	})
}

// Registration returns a copy of the last registration snapshot.
func (s *LocalStore) Registration() (RegistrationSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.Registration == nil {
		return RegistrationSnapshot{}, false
	}
	return *s.state.Registration, true
}

// SaveRegistration replaces the registration snapshot. RegisteredAt is
// carried over from the previous snapshot when the new one lacks it.
func (s *LocalStore) SaveRegistration(snap RegistrationSnapshot) error {
	return s.update(func(st *fileState) {
		if snap.RegisteredAt.IsZero() && st.Registration != nil && st.Registration.DeviceID == snap.DeviceID {
			snap.RegisteredAt = st.Registration.RegisteredAt
		}
		if snap.UpdatedAt.IsZero() {
			snap.UpdatedAt = time.Now().UTC()
		}
		st.Registration = &snap
	})
}

// ClearRegistration drops the registration snapshot.
func (s *LocalStore) ClearRegistration() error {
	return s.update(func(st *fileState) {
		st.Registration = nil
	})
}

func (s *LocalStore) update(mutate func(*fileState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state
	if next.Registration != nil {
		reg := *next.Registration
		next.Registration = &reg
	}
	mutate(&next)

	data, err := yaml.Marshal(&next)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := WriteFileAtomic(s.path, data, 0600); err != nil {
		s.logger.Error("failed to persist state",
			slog.String("path", s.path),
			slog.String("error", err.Error()))
		return err
	}

	s.state = next
	return nil
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers see either the old or the new content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
