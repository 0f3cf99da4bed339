package encryption

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luki-gateway/internal/config"
)

func newLocalManager() *Manager {
	return NewManager(&config.Config{}, nil) // KMS disabled, local data keys
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	m := newLocalManager()
	ctx := context.Background()

	sealed, err := m.EncryptContent(ctx, "remember to water the plants")
	require.NoError(t, err)
	assert.NotEmpty(t, sealed.Ciphertext)
	assert.NotEmpty(t, sealed.EncryptedDEK)
	assert.Equal(t, "v1", sealed.Version)

	plaintext, err := m.DecryptContent(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, "remember to water the plants", plaintext)
}

func TestEachMessageGetsFreshKey(t *testing.T) {
	m := newLocalManager()
	ctx := context.Background()

	a, err := m.EncryptContent(ctx, "same text")
	require.NoError(t, err)
	b, err := m.EncryptContent(ctx, "same text")
	require.NoError(t, err)

	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
	assert.NotEqual(t, a.EncryptedDEK, b.EncryptedDEK)
}

func TestTamperedCiphertextRejected(t *testing.T) {
	m := newLocalManager()
	ctx := context.Background()

	sealed, err := m.EncryptContent(ctx, "secret")
	require.NoError(t, err)

	sealed.Ciphertext = "AAAA" + sealed.Ciphertext[4:]
	_, err = m.DecryptContent(ctx, sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptAfterCacheClear(t *testing.T) {
	m := newLocalManager()
	ctx := context.Background()

	sealed, err := m.EncryptContent(ctx, "hello")
	require.NoError(t, err)
	require.Greater(t, m.CacheSize(), 0)

	m.ClearCache()
	require.Equal(t, 0, m.CacheSize())

	// The wrapped key alone is enough to decrypt in local mode.
	plaintext, err := m.DecryptContent(ctx, sealed)
	require.NoError(t, err)
	assert.Equal(t, "hello", plaintext)
}
