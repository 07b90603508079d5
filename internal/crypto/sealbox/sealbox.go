package sealbox

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of X25519 public/private keys.
	KeySize = 32

	version   = 1
	nonceSize = chacha20poly1305.NonceSizeX
	headerLen = 1 + KeySize + nonceSize
)

var (
	// ErrEncrypt wraps failures while sealing a plaintext.
	ErrEncrypt = errors.New("sealbox encrypt failed")
	// ErrDecrypt covers every open failure: truncated input, wrong key,
	// corrupted ciphertext. Callers never see partial plaintext.
	ErrDecrypt = errors.New("sealbox decrypt failed")
)

var curve = ecdh.X25519()

// Seal encrypts plaintext to the recipient's X25519 public key using an
// ephemeral sender key, HKDF-SHA256 key derivation, and
// XChaCha20-Poly1305. The result is a self-contained base64 string
// carrying version, ephemeral public key, nonce, and ciphertext.
func Seal(plaintext, recipientPublic []byte) (string, error) {
	if len(recipientPublic) != KeySize {
		return "", fmt.Errorf("recipient public key must be %d bytes (got %d): %w", KeySize, len(recipientPublic), ErrEncrypt)
	}
	peer, err := curve.NewPublicKey(recipientPublic)
	if err != nil {
		return "", fmt.Errorf("parse recipient public key: %w", ErrEncrypt)
	}

	eph, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate ephemeral key: %w", ErrEncrypt)
	}
	shared, err := eph.ECDH(peer)
	if err != nil {
		return "", fmt.Errorf("derive shared secret: %w", ErrEncrypt)
	}
	defer zeroBytes(shared)

	key, err := deriveKey(shared, eph.PublicKey().Bytes(), recipientPublic)
	if err != nil {
		return "", fmt.Errorf("derive message key: %w", ErrEncrypt)
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", ErrEncrypt)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", ErrEncrypt)
	}

	out := make([]byte, 0, headerLen+len(plaintext)+aead.Overhead())
	out = append(out, version)
	out = append(out, eph.PublicKey().Bytes()...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, out[:headerLen])
	return base64.RawStdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed string with the recipient's X25519 private key.
// Any failure, including a wrong key, surfaces as ErrDecrypt; garbage is
// never returned as plaintext.
func Open(sealed string, recipientPrivate []byte) ([]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decode sealed payload: %w", ErrDecrypt)
	}
	if len(raw) < headerLen {
		return nil, fmt.Errorf("sealed payload truncated: %w", ErrDecrypt)
	}
	if raw[0] != version {
		return nil, fmt.Errorf("unsupported sealbox version %d: %w", raw[0], ErrDecrypt)
	}

	priv, err := curve.NewPrivateKey(recipientPrivate)
	if err != nil {
		return nil, fmt.Errorf("parse recipient private key: %w", ErrDecrypt)
	}
	ephPub, err := curve.NewPublicKey(raw[1 : 1+KeySize])
	if err != nil {
		return nil, fmt.Errorf("parse ephemeral public key: %w", ErrDecrypt)
	}
	shared, err := priv.ECDH(ephPub)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", ErrDecrypt)
	}
	defer zeroBytes(shared)

	key, err := deriveKey(shared, ephPub.Bytes(), priv.PublicKey().Bytes())
	if err != nil {
		return nil, fmt.Errorf("derive message key: %w", ErrDecrypt)
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", ErrDecrypt)
	}
	nonce := raw[1+KeySize : headerLen]
	plaintext, err := aead.Open(nil, nonce, raw[headerLen:], raw[:headerLen])
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", ErrDecrypt)
	}
	return plaintext, nil
}

// deriveKey expands the shared secret with HKDF-SHA256, binding the
// ephemeral and recipient public keys into the derivation.
func deriveKey(shared, ephemeralPublic, recipientPublic []byte) ([]byte, error) {
	info := make([]byte, 0, len("atacord/sealbox/v1")+2*KeySize)
	info = append(info, "atacord/sealbox/v1"...)
	info = append(info, ephemeralPublic...)
	info = append(info, recipientPublic...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, info), key); err != nil {
		return nil, err
	}
	return key, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
