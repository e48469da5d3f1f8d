package security

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"cutclip/internal/infrastructure"
	"cutclip/internal/store"
)

// ErrSecretNotFound is returned by Retrieve when the account holds nothing.
var ErrSecretNotFound = errors.New("secret not found")

const redacted = "[REDACTED]"

var accountPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

// Secret holds sensitive bytes. Every formatting path redacts the value;
// only Bytes exposes it.
type Secret struct {
	b []byte
}

// NewSecret copies b into a Secret.
func NewSecret(b []byte) Secret {
	if len(b) == 0 {
		return Secret{}
	}
	c := make([]byte, len(b))
	copy(c, b)
	return Secret{b: c}
}

// Bytes returns a copy of the secret value.
func (s Secret) Bytes() []byte {
	if len(s.b) == 0 {
		return nil
	}
	c := make([]byte, len(s.b))
	copy(c, s.b)
	return c
}

// IsEmpty reports whether the secret holds no data.
func (s Secret) IsEmpty() bool { return len(s.b) == 0 }

// Equal compares in constant time.
func (s Secret) Equal(other []byte) bool { return SecureCompare(s.b, other) }

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalJSON never emits the value.
func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(redacted) }

// MarshalText never emits the value.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Vault is the OS-keystore style contract used for every secret the
// application keeps: API credentials and the activated license.
type Vault interface {
	// Store replaces the account's secret atomically.
	Store(ctx context.Context, account string, secret []byte) error
	// Retrieve returns ErrSecretNotFound when the account is empty.
	Retrieve(ctx context.Context, account string) (Secret, error)
	// Delete is idempotent.
	Delete(ctx context.Context, account string) error
}

func validateAccount(account string) error {
	if !accountPattern.MatchString(account) {
		return fmt.Errorf("invalid vault account %q", account)
	}
	return nil
}

// MemoryVault keeps secrets in process memory.
type MemoryVault struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewMemoryVault creates an empty in-memory vault.
func NewMemoryVault() *MemoryVault {
	return &MemoryVault{secrets: make(map[string][]byte)}
}

func (v *MemoryVault) Store(_ context.Context, account string, secret []byte) error {
	if err := validateAccount(account); err != nil {
		return err
	}
	if len(secret) == 0 {
		return errors.New("secret cannot be empty")
	}
	c := make([]byte, len(secret))
	copy(c, secret)

	v.mu.Lock()
	v.secrets[account] = c
	v.mu.Unlock()
	return nil
}

func (v *MemoryVault) Retrieve(_ context.Context, account string) (Secret, error) {
	if err := validateAccount(account); err != nil {
		return Secret{}, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()

	b, ok := v.secrets[account]
	if !ok {
		return Secret{}, ErrSecretNotFound
	}
	return NewSecret(b), nil
}

func (v *MemoryVault) Delete(_ context.Context, account string) error {
	if err := validateAccount(account); err != nil {
		return err
	}
	v.mu.Lock()
	if b, ok := v.secrets[account]; ok {
		wipe(b)
		delete(v.secrets, account)
	}
	v.mu.Unlock()
	return nil
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// FileVault stores each account as an encrypted file. The key material is
// bound to an application salt and the device fingerprint, so a copied vault
// directory does not open on another machine.
type FileVault struct {
	dir     string
	appSalt []byte
	config  *EncryptionConfig
	locks   keyedMutex
	logger  *slog.Logger
}

// NewFileVault opens (creating if needed) a vault directory. deviceID binds
// the encryption key to this machine.
func NewFileVault(dir, deviceID string, config *EncryptionConfig, logger *slog.Logger) (*FileVault, error) {
	if dir == "" {
		return nil, errors.New("vault directory is required")
	}
	if deviceID == "" {
		return nil, errors.New("device id is required")
	}
	if config == nil {
		config = DefaultEncryptionConfig()
	}
	if err := ValidateEncryptionConfig(config); err != nil {
		return nil, fmt.Errorf("invalid encryption config: %w", err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}

	salt := sha256.Sum256([]byte("cutclip-vault|" + deviceID))
	return &FileVault{
		dir:     dir,
		appSalt: salt[:],
		config:  config,
		logger:  infrastructure.WithComponent(logger, "vault"),
	}, nil
}

func (v *FileVault) path(account string) string {
	return filepath.Join(v.dir, account+".vault")
}

func (v *FileVault) Store(ctx context.Context, account string, secret []byte) error {
	if err := validateAccount(account); err != nil {
		return err
	}
	unlock := v.locks.lock(account)
	defer unlock()

	payload, err := Seal(secret, v.appSalt, []byte(account), v.config)
	if err != nil {
		return fmt.Errorf("failed to encrypt %s: %w", account, err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", account, err)
	}
	if err := store.WriteFileAtomic(v.path(account), data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", account, err)
	}

	v.logger.DebugContext(ctx, "secret stored", slog.String("account", account))
	return nil
}

func (v *FileVault) Retrieve(ctx context.Context, account string) (Secret, error) {
	if err := validateAccount(account); err != nil {
		return Secret{}, err
	}

	data, err := os.ReadFile(v.path(account))
	if errors.Is(err, os.ErrNotExist) {
		return Secret{}, ErrSecretNotFound
	}
	if err != nil {
		return Secret{}, fmt.Errorf("failed to read %s: %w", account, err)
	}

	var payload EncryptedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Secret{}, fmt.Errorf("failed to decode %s: %w", account, err)
	}

	plaintext, err := Open(&payload, v.appSalt, []byte(account), v.config)
	if err != nil {
		v.logger.WarnContext(ctx, "vault entry could not be opened",
			slog.String("account", account),
			slog.String("error", err.Error()))
		return Secret{}, fmt.Errorf("failed to decrypt %s: %w", account, err)
	}
	defer wipe(plaintext)

	return NewSecret(plaintext), nil
}

func (v *FileVault) Delete(ctx context.Context, account string) error {
	if err := validateAccount(account); err != nil {
		return err
	}
	unlock := v.locks.lock(account)
	defer unlock()

	if err := os.Remove(v.path(account)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", account, err)
	}
	v.logger.DebugContext(ctx, "secret deleted", slog.String("account", account))
	return nil
}
