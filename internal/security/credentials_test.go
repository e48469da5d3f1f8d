package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cutclip/internal/config"
)

type failingVault struct{ *MemoryVault }

func (failingVault) Retrieve(context.Context, string) (Secret, error) {
	return Secret{}, errors.New("keychain unavailable")
}

func TestCredentialStore(t *testing.T) {
	ctx := context.Background()
	vault := NewMemoryVault()
	cs := NewCredentialStore(vault, nil)

	cred, err := cs.Credentials(ctx)
	require.NoError(t, err)
	assert.False(t, cred.Complete())
	assert.True(t, cred.APIKey.IsEmpty())

	require.NoError(t, cs.Set(ctx, []byte("key"), []byte("secret")))

	cred, err = cs.Credentials(ctx)
	require.NoError(t, err)
	assert.True(t, cred.Complete())
	assert.Equal(t, "key", string(cred.APIKey.Bytes()))
	assert.Equal(t, "secret", string(cred.APISecret.Bytes()))

	stored, err := vault.Retrieve(ctx, config.VaultAccountAPISecret)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(stored.Bytes()))

	require.NoError(t, cs.Clear(ctx))
	cred, err = cs.Credentials(ctx)
	require.NoError(t, err)
	assert.False(t, cred.Complete())
}

func TestCredentialStore_RejectsEmpty(t *testing.T) {
	cs := NewCredentialStore(NewMemoryVault(), nil)
	assert.Error(t, cs.Set(context.Background(), nil, []byte("secret")))
	assert.Error(t, cs.Set(context.Background(), []byte("key"), nil))
}

func TestCredentialStore_ReadFailure(t *testing.T) {
	cs := NewCredentialStore(failingVault{NewMemoryVault()}, nil)
	_, err := cs.Credentials(context.Background())
	assert.Error(t, err)
}
