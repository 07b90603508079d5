package identity

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	// EncryptionKeySize is the length of X25519 public/private keys.
	EncryptionKeySize = 32
)

var (
	ErrMalformedKey = errors.New("malformed identity key")
	ErrValidation   = errors.New("validation failed")
)

// Identity holds a user's long-term key material and display name.
// The public signing key, base64url-encoded, is the user's global
// identifier and the path segment used across the replicated graph.
type Identity struct {
	DisplayName       string
	SigningPublic     ed25519.PublicKey
	SigningPrivate    ed25519.PrivateKey
	EncryptionPublic  []byte
	EncryptionPrivate []byte
}

var curve = ecdh.X25519()

// Generate produces a fresh identity: an Ed25519 signing pair and an
// X25519 encryption pair.
func Generate(displayName string) (Identity, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate signing key: %w", err)
	}
	encPriv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("generate encryption key: %w", err)
	}
	return Identity{
		DisplayName:       displayName,
		SigningPublic:     sigPub,
		SigningPrivate:    sigPriv,
		EncryptionPublic:  append([]byte(nil), encPriv.PublicKey().Bytes()...),
		EncryptionPrivate: append([]byte(nil), encPriv.Bytes()...),
	}, nil
}

// UserID returns the base64url-encoded public signing key.
func (id Identity) UserID() string {
	return EncodeKey(id.SigningPublic)
}

// Sign signs data with the identity's private signing key.
func (id Identity) Sign(data []byte) ([]byte, error) {
	if len(id.SigningPrivate) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key has invalid size %d: %w", len(id.SigningPrivate), ErrMalformedKey)
	}
	return ed25519.Sign(id.SigningPrivate, data), nil
}

// Verify reports whether signature is a valid signature of data under the
// base64url-encoded public signing key. It returns false on any malformed
// input and never panics.
func Verify(data, signature []byte, publicKey string) bool {
	pub, err := DecodeKey(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, signature)
}

// EncodeKey renders raw key bytes as a base64url string without padding.
func EncodeKey(key []byte) string {
	return base64.RawURLEncoding.EncodeToString(key)
}

// DecodeKey parses a base64url key string back into raw bytes.
func DecodeKey(key string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", ErrMalformedKey)
	}
	return raw, nil
}
