package gossipfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/habitat-sh/fleet-sup/internal/ringcrypto"
	"github.com/habitat-sh/fleet-sup/internal/rumor"
	"github.com/habitat-sh/fleet-sup/pkg/metrics"
)

func newSignedRumor(t *testing.T, kp *ringcrypto.SigningKeyPair, serviceGroup, filename string, version uint64, body []byte) rumor.Rumor {
	t.Helper()
	p := payload{ServiceGroup: serviceGroup, Filename: filename, Version: version, Signed: kp.Sign(body)}
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return rumor.Rumor{Kind: rumor.GossipFile, Key: serviceGroup + "/" + filename, Incarnation: version, Body: raw}
}

func TestApplier_AppliesSignedFileAtomically(t *testing.T) {
	dir := t.TempDir()
	kp, err := ringcrypto.GenerateSigningKeyPair("test")
	require.NoError(t, err)

	a := New(dir, zaptest.NewLogger(t), metrics.NewRegistry(), kp.PublicKey)
	r := newSignedRumor(t, kp, "redis.default", "config.toml", 1, []byte("port = 6379"))

	a.Apply(r)

	written, err := os.ReadFile(filepath.Join(dir, "redis.default", "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, "port = 6379", string(written))

	v, ok := a.AppliedVersion("redis.default", "config.toml")
	require.True(t, ok)
	assert.Equal(t, uint64(1), v)
}

func TestApplier_RejectsUnsignedOrWrongKey(t *testing.T) {
	dir := t.TempDir()
	kp, err := ringcrypto.GenerateSigningKeyPair("test")
	require.NoError(t, err)
	other, err := ringcrypto.GenerateSigningKeyPair("other")
	require.NoError(t, err)

	a := New(dir, zaptest.NewLogger(t), metrics.NewRegistry(), other.PublicKey)
	r := newSignedRumor(t, kp, "redis.default", "config.toml", 1, []byte("port = 6379"))

	a.Apply(r)

	_, err = os.ReadFile(filepath.Join(dir, "redis.default", "config.toml"))
	assert.Error(t, err)
	_, ok := a.AppliedVersion("redis.default", "config.toml")
	assert.False(t, ok)
}

func TestApplier_IgnoresOlderVersion(t *testing.T) {
	dir := t.TempDir()
	kp, err := ringcrypto.GenerateSigningKeyPair("test")
	require.NoError(t, err)

	a := New(dir, zaptest.NewLogger(t), metrics.NewRegistry(), kp.PublicKey)
	a.Apply(newSignedRumor(t, kp, "redis.default", "config.toml", 5, []byte("v5")))
	a.Apply(newSignedRumor(t, kp, "redis.default", "config.toml", 3, []byte("v3")))

	written, err := os.ReadFile(filepath.Join(dir, "redis.default", "config.toml"))
	require.NoError(t, err)
	assert.Equal(t, "v5", string(written))
}
