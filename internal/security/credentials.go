package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cutclip/internal/config"
	"cutclip/internal/infrastructure"
)

// Credential is the API key pair used to authenticate backend requests.
// Either half may be empty; signing degrades accordingly.
type Credential struct {
	APIKey    Secret
	APISecret Secret
}

// Complete reports whether both halves are present.
func (c Credential) Complete() bool {
	return !c.APIKey.IsEmpty() && !c.APISecret.IsEmpty()
}

// CredentialStore reads and writes the credential pair through a vault.
type CredentialStore struct {
	vault  Vault
	logger *slog.Logger
}

// NewCredentialStore wraps vault.
func NewCredentialStore(vault Vault, logger *slog.Logger) *CredentialStore {
	return &CredentialStore{
		vault:  vault,
		logger: infrastructure.WithComponent(logger, "credentials"),
	}
}

// Credentials returns whatever is provisioned. Missing accounts yield empty
// halves, not an error; read failures are returned.
func (cs *CredentialStore) Credentials(ctx context.Context) (Credential, error) {
	key, err := cs.retrieve(ctx, config.VaultAccountAPIKey)
	if err != nil {
		return Credential{}, err
	}
	secret, err := cs.retrieve(ctx, config.VaultAccountAPISecret)
	if err != nil {
		return Credential{}, err
	}
	return Credential{APIKey: key, APISecret: secret}, nil
}

func (cs *CredentialStore) retrieve(ctx context.Context, account string) (Secret, error) {
	s, err := cs.vault.Retrieve(ctx, account)
	if errors.Is(err, ErrSecretNotFound) {
		return Secret{}, nil
	}
	if err != nil {
		return Secret{}, fmt.Errorf("failed to read %s: %w", account, err)
	}
	return s, nil
}

// Set provisions both halves. Empty values are rejected.
func (cs *CredentialStore) Set(ctx context.Context, apiKey, apiSecret []byte) error {
	if len(apiKey) == 0 || len(apiSecret) == 0 {
		return errors.New("api key and api secret are both required")
	}
	if err := cs.vault.Store(ctx, config.VaultAccountAPIKey, apiKey); err != nil {
		return fmt.Errorf("failed to store api key: %w", err)
	}
	if err := cs.vault.Store(ctx, config.VaultAccountAPISecret, apiSecret); err != nil {
		return fmt.Errorf("failed to store api secret: %w", err)
	}
	cs.logger.InfoContext(ctx, "api credentials provisioned")
	return nil
}

// Clear removes both halves.
func (cs *CredentialStore) Clear(ctx context.Context) error {
	return errors.Join(
		cs.vault.Delete(ctx, config.VaultAccountAPIKey),
		cs.vault.Delete(ctx, config.VaultAccountAPISecret),
	)
}
