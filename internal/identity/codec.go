package identity

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"
)

// exportedBlob is the portable on-disk representation of an identity.
// Field names are part of the interchange format and must not change.
type exportedBlob struct {
	PublicSigningKey     string `json:"publicSigningKey"`
	PrivateSigningKey    string `json:"privateSigningKey"`
	PublicEncryptionKey  string `json:"publicEncryptionKey"`
	PrivateEncryptionKey string `json:"privateEncryptionKey"`
	DisplayName          string `json:"displayName,omitempty"`
	ExportedAt           string `json:"exportedAt,omitempty"`
	App                  string `json:"app,omitempty"`
}

// Export serializes the identity, private keys included, into a portable
// JSON blob. The blob is the only sanctioned way key material leaves the
// owning device.
func Export(id Identity) ([]byte, error) {
	if len(id.SigningPrivate) != ed25519.PrivateKeySize || len(id.EncryptionPrivate) != EncryptionKeySize {
		return nil, fmt.Errorf("identity is missing private key material: %w", ErrMalformedKey)
	}
	blob := exportedBlob{
		PublicSigningKey:     EncodeKey(id.SigningPublic),
		PrivateSigningKey:    EncodeKey(id.SigningPrivate),
		PublicEncryptionKey:  EncodeKey(id.EncryptionPublic),
		PrivateEncryptionKey: EncodeKey(id.EncryptionPrivate),
		DisplayName:          id.DisplayName,
		ExportedAt:           time.Now().UTC().Format(time.RFC3339),
		App:                  "atacord",
	}
	return json.MarshalIndent(blob, "", "  ")
}

// Import parses an exported blob back into an identity. It fails with
// ErrMalformedKey when any of the four required key fields is absent or
// does not decode to a key of the expected size.
func Import(data []byte) (Identity, error) {
	var blob exportedBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return Identity{}, fmt.Errorf("parse identity blob: %w", ErrMalformedKey)
	}
	if blob.PublicSigningKey == "" || blob.PrivateSigningKey == "" ||
		blob.PublicEncryptionKey == "" || blob.PrivateEncryptionKey == "" {
		return Identity{}, fmt.Errorf("identity blob is missing required key fields: %w", ErrMalformedKey)
	}

	sigPub, err := decodeSized(blob.PublicSigningKey, ed25519.PublicKeySize, "publicSigningKey")
	if err != nil {
		return Identity{}, err
	}
	sigPriv, err := decodeSized(blob.PrivateSigningKey, ed25519.PrivateKeySize, "privateSigningKey")
	if err != nil {
		return Identity{}, err
	}
	encPub, err := decodeSized(blob.PublicEncryptionKey, EncryptionKeySize, "publicEncryptionKey")
	if err != nil {
		return Identity{}, err
	}
	encPriv, err := decodeSized(blob.PrivateEncryptionKey, EncryptionKeySize, "privateEncryptionKey")
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		DisplayName:       blob.DisplayName,
		SigningPublic:     ed25519.PublicKey(sigPub),
		SigningPrivate:    ed25519.PrivateKey(sigPriv),
		EncryptionPublic:  encPub,
		EncryptionPrivate: encPriv,
	}, nil
}

func decodeSized(encoded string, size int, field string) ([]byte, error) {
	raw, err := DecodeKey(encoded)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", field, err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("field %s must be %d bytes (got %d): %w", field, size, len(raw), ErrMalformedKey)
	}
	return raw, nil
}
