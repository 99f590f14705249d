// Package ringcrypto holds the NaCl key material used to seal gossip
// datagrams within a ring and to sign/verify Gossip Files.
//
// A ring key is a shared symmetric secret (nacl/secretbox); service and user
// keys are NaCl signing key pairs (nacl/sign). Both mirror the key types the
// "ring key" / "service key" / "user key" CLI surface in spec.md §6 manages.
package ringcrypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/nacl/sign"

	"github.com/habitat-sh/fleet-sup/internal/supererror"
)

// RingKey is a shared 32-byte secretbox key for one gossip ring. A nil RingKey
// means the ring runs unencrypted (development mode).
type RingKey struct {
	Name string
	key  [32]byte
}

// GenerateRingKey creates a fresh random ring key.
func GenerateRingKey(name string) (*RingKey, error) {
	rk := &RingKey{Name: name}
	if _, err := io.ReadFull(rand.Reader, rk.key[:]); err != nil {
		return nil, supererror.New(supererror.Crypto, "ringcrypto", err)
	}
	return rk, nil
}

// Export renders the ring key as base64 text suitable for `hab ring key export`.
func (rk *RingKey) Export() string {
	return base64.StdEncoding.EncodeToString(rk.key[:])
}

// ImportRingKey parses the base64 text produced by Export, for `ring key import`.
func ImportRingKey(name, encoded string) (*RingKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, supererror.New(supererror.Crypto, "ringcrypto", err)
	}
	if len(raw) != 32 {
		return nil, supererror.New(supererror.Crypto, "ringcrypto", errors.New("ring key must be 32 bytes"))
	}
	rk := &RingKey{Name: name}
	copy(rk.key[:], raw)
	return rk, nil
}

// LoadRingKey reads a ring key previously written by WriteFile.
func LoadRingKey(path string) (*RingKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, supererror.New(supererror.IO, "ringcrypto", err)
	}
	return ImportRingKey(path, string(raw))
}

// WriteFile persists the exported ring key to disk.
func (rk *RingKey) WriteFile(path string) error {
	if err := os.WriteFile(path, []byte(rk.Export()), 0o600); err != nil {
		return supererror.New(supererror.IO, "ringcrypto", err)
	}
	return nil
}

// Seal encrypts and authenticates an encoded gossip frame under the ring key,
// prefixing a fresh random nonce.
func (rk *RingKey) Seal(plaintext []byte) ([]byte, error) {
	if rk == nil {
		return plaintext, nil
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, supererror.New(supererror.Crypto, "ringcrypto", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &rk.key), nil
}

// Open reverses Seal. A nil RingKey passes data through unchanged, matching
// the unencrypted development posture.
func (rk *RingKey) Open(sealed []byte) ([]byte, error) {
	if rk == nil {
		return sealed, nil
	}
	if len(sealed) < 24 {
		return nil, supererror.New(supererror.Crypto, "ringcrypto", errors.New("sealed frame too short"))
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &rk.key)
	if !ok {
		return nil, supererror.New(supererror.Crypto, "ringcrypto", errors.New("ring key open failed"))
	}
	return plaintext, nil
}

// SigningKeyPair is a NaCl sign key pair, used for "service key" and "user
// key" generation.
type SigningKeyPair struct {
	Name       string
	PublicKey  *[32]byte
	PrivateKey *[64]byte
}

// GenerateSigningKeyPair creates a fresh NaCl signing key pair.
func GenerateSigningKeyPair(name string) (*SigningKeyPair, error) {
	pub, priv, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		return nil, supererror.New(supererror.Crypto, "ringcrypto", err)
	}
	return &SigningKeyPair{Name: name, PublicKey: pub, PrivateKey: priv}, nil
}

// Sign produces an attached NaCl signed message for a Gossip File body (the
// signature followed by the body), from which Verify recovers the original
// body.
func (kp *SigningKeyPair) Sign(body []byte) []byte {
	return sign.Sign(nil, body, kp.PrivateKey)
}

// Verify checks a signed Gossip File body against a public key, returning the
// original body on success. Any failure is a Crypto error: the caller must
// drop the rumor without retrying, per spec.md §4.I.
func Verify(publicKey *[32]byte, signed []byte) ([]byte, error) {
	if publicKey == nil {
		return nil, supererror.New(supererror.Crypto, "ringcrypto", fmt.Errorf("no gossip file public key configured"))
	}
	body, ok := sign.Open(nil, signed, publicKey)
	if !ok {
		return nil, supererror.New(supererror.Crypto, "ringcrypto", fmt.Errorf("signature verification failed"))
	}
	return body, nil
}

// PublicKeyFromBase64 decodes a public key exported via PublicKeyBase64.
func PublicKeyFromBase64(encoded string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, supererror.New(supererror.Crypto, "ringcrypto", err)
	}
	if len(raw) != 32 {
		return nil, supererror.New(supererror.Crypto, "ringcrypto", errors.New("public key must be 32 bytes"))
	}
	var pk [32]byte
	copy(pk[:], raw)
	return &pk, nil
}

// PublicKeyBase64 renders the public half of a key pair for `export`.
func (kp *SigningKeyPair) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(kp.PublicKey[:])
}

// PrivateKeyBase64 renders the private half of a key pair for `export`.
func (kp *SigningKeyPair) PrivateKeyBase64() string {
	return base64.StdEncoding.EncodeToString(kp.PrivateKey[:])
}
