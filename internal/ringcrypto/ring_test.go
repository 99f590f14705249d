package ringcrypto

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingKey_SealOpenRoundTrip(t *testing.T) {
	rk, err := GenerateRingKey("test-ring")
	require.NoError(t, err)

	plaintext := []byte("gossip frame body")
	sealed, err := rk.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := rk.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestRingKey_NilPassesThrough(t *testing.T) {
	var rk *RingKey
	plaintext := []byte("unencrypted")

	sealed, err := rk.Seal(plaintext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, sealed)

	opened, err := rk.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestRingKey_OpenRejectsTampered(t *testing.T) {
	rk, err := GenerateRingKey("test-ring")
	require.NoError(t, err)
	sealed, err := rk.Seal([]byte("hello"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = rk.Open(sealed)
	assert.Error(t, err)
}

func TestRingKey_ExportImportRoundTrip(t *testing.T) {
	rk, err := GenerateRingKey("test-ring")
	require.NoError(t, err)

	imported, err := ImportRingKey("test-ring", rk.Export())
	require.NoError(t, err)
	assert.Equal(t, rk.Export(), imported.Export())
}

func TestRingKey_WriteFileAndLoad(t *testing.T) {
	rk, err := GenerateRingKey("test-ring")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "ring.key")
	require.NoError(t, rk.WriteFile(path))

	loaded, err := LoadRingKey(path)
	require.NoError(t, err)
	assert.Equal(t, rk.Export(), loaded.Export())
}

func TestSigningKeyPair_SignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateSigningKeyPair("svc")
	require.NoError(t, err)

	body := []byte("config payload")
	signed := kp.Sign(body)

	verified, err := Verify(kp.PublicKey, signed)
	require.NoError(t, err)
	assert.Equal(t, body, verified)
}

func TestVerify_RejectsNilPublicKey(t *testing.T) {
	kp, err := GenerateSigningKeyPair("svc")
	require.NoError(t, err)
	signed := kp.Sign([]byte("x"))

	_, err = Verify(nil, signed)
	assert.Error(t, err)
}

func TestPublicKeyFromBase64RoundTrip(t *testing.T) {
	kp, err := GenerateSigningKeyPair("svc")
	require.NoError(t, err)

	pk, err := PublicKeyFromBase64(kp.PublicKeyBase64())
	require.NoError(t, err)
	assert.Equal(t, *kp.PublicKey, *pk)
}
