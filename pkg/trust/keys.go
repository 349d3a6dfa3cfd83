// Package trust decides whether a peer's signing key can be relied on and
// verifies signatures made with it.
package trust

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"

	"socialbox/pkg/types"
)

// Key prefixes used on the wire.
const (
	SigningKeyPrefix    = "sig:"
	EncryptionKeyPrefix = "enc:"
)

var encoding = base64.RawURLEncoding

// GenerateSigningKeyPair returns a new Ed25519 key pair in wire form.
func GenerateSigningKeyPair() (public, private string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate signing key: %w", err)
	}
	return EncodePublicKey(pub), EncodePrivateKey(priv), nil
}

func EncodePublicKey(pub ed25519.PublicKey) string {
	return SigningKeyPrefix + encoding.EncodeToString(pub)
}

func EncodePrivateKey(priv ed25519.PrivateKey) string {
	return SigningKeyPrefix + encoding.EncodeToString(priv.Seed())
}

// DecodePublicKey parses a "sig:" public key.
func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := decodePrefixed(s, SigningKeyPrefix)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, types.Errorf(types.KindCryptographic, "signing public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// DecodePrivateKey parses a "sig:" private key given as its 32-byte seed.
func DecodePrivateKey(s string) (ed25519.PrivateKey, error) {
	raw, err := decodePrefixed(s, SigningKeyPrefix)
	if err != nil {
		return nil, err
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	}
	return nil, types.Errorf(types.KindCryptographic, "signing private key has invalid length %d", len(raw))
}

// GenerateEncryptionKeyPair returns a new X25519 key pair in wire form.
func GenerateEncryptionKeyPair() (public, private string, err error) {
	priv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(priv); err != nil {
		return "", "", fmt.Errorf("failed to generate encryption key: %w", err)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", "", fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return EncryptionKeyPrefix + encoding.EncodeToString(pub), EncryptionKeyPrefix + encoding.EncodeToString(priv), nil
}

// DecodeEncryptionKey parses an "enc:" X25519 public key.
func DecodeEncryptionKey(s string) ([]byte, error) {
	raw, err := decodePrefixed(s, EncryptionKeyPrefix)
	if err != nil {
		return nil, err
	}
	if len(raw) != curve25519.PointSize {
		return nil, types.Errorf(types.KindCryptographic, "encryption key must be %d bytes, got %d", curve25519.PointSize, len(raw))
	}
	return raw, nil
}

func decodePrefixed(s, prefix string) ([]byte, error) {
	if !strings.HasPrefix(s, prefix) {
		return nil, types.Errorf(types.KindCryptographic, "key must start with %q", prefix)
	}
	raw, err := encoding.DecodeString(strings.TrimPrefix(s, prefix))
	if err != nil {
		return nil, types.Errorf(types.KindCryptographic, "key is not valid base64url: %v", err)
	}
	return raw, nil
}
