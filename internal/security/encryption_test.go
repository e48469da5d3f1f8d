package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAppSalt = []byte("0123456789abcdef0123456789abcdef")

func TestSealOpen(t *testing.T) {
	payload, err := Seal([]byte("payload"), testAppSalt, []byte("license"), fastConfig())
	require.NoError(t, err)

	assert.Equal(t, uint8(payloadVersion), payload.Version)
	assert.Len(t, payload.Salt, 32)
	assert.Len(t, payload.Nonce, 12)
	assert.Len(t, payload.AuthTag, 16)

	plaintext, err := Open(payload, testAppSalt, []byte("license"), fastConfig())
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plaintext)
}

func TestSealProducesFreshCiphertext(t *testing.T) {
	a, err := Seal([]byte("same"), testAppSalt, nil, fastConfig())
	require.NoError(t, err)
	b, err := Seal([]byte("same"), testAppSalt, nil, fastConfig())
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Nonce, b.Nonce)
}

func TestOpenRejectsTampering(t *testing.T) {
	fresh := func() *EncryptedPayload {
		p, err := Seal([]byte("payload"), testAppSalt, []byte("aad"), fastConfig())
		require.NoError(t, err)
		return p
	}

	tests := []struct {
		name   string
		mutate func(p *EncryptedPayload)
		salt   []byte
		aad    []byte
	}{
		{"ciphertext flipped", func(p *EncryptedPayload) { p.Ciphertext[0] ^= 0xFF }, testAppSalt, []byte("aad")},
		{"auth tag flipped", func(p *EncryptedPayload) { p.AuthTag[0] ^= 0xFF }, testAppSalt, []byte("aad")},
		{"version", func(p *EncryptedPayload) { p.Version = 9 }, testAppSalt, []byte("aad")},
		{"wrong app salt", func(*EncryptedPayload) {}, []byte("ffffffffffffffffffffffffffffffff"), []byte("aad")},
		{"wrong aad", func(*EncryptedPayload) {}, testAppSalt, []byte("other")},
		{"short app salt", func(*EncryptedPayload) {}, []byte("short"), []byte("aad")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := fresh()
			tt.mutate(p)
			_, err := Open(p, tt.salt, tt.aad, fastConfig())
			assert.Error(t, err)
		})
	}

	_, err := Open(nil, testAppSalt, nil, fastConfig())
	assert.Error(t, err)
}

func TestSealValidation(t *testing.T) {
	_, err := Seal(nil, testAppSalt, nil, fastConfig())
	assert.Error(t, err)
	_, err = Seal([]byte("x"), []byte("short"), nil, fastConfig())
	assert.Error(t, err)
}

func TestValidateEncryptionConfig(t *testing.T) {
	assert.NoError(t, ValidateEncryptionConfig(DefaultEncryptionConfig()))
	assert.NoError(t, ValidateEncryptionConfig(fastConfig()))
	assert.Error(t, ValidateEncryptionConfig(nil))

	for name, mutate := range map[string]func(*EncryptionConfig){
		"N not power of two": func(c *EncryptionConfig) { c.SCryptN = 3000 },
		"R zero":             func(c *EncryptionConfig) { c.SCryptR = 0 },
		"P zero":             func(c *EncryptionConfig) { c.SCryptP = 0 },
		"key length":         func(c *EncryptionConfig) { c.SCryptKeyLen = 16 },
		"nonce":              func(c *EncryptionConfig) { c.NonceSize = 16 },
		"tag":                func(c *EncryptionConfig) { c.TagSize = 12 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultEncryptionConfig()
			mutate(cfg)
			assert.Error(t, ValidateEncryptionConfig(cfg))
		})
	}
}
