package keystore

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/AyazTomac-dev/atacord/internal/identity"
)

const identitySecretID = "node_identity"

// StoreIdentity persists the exported identity blob as a keystore secret.
// This is the single sanctioned persisted copy of the private keys.
func StoreIdentity(ctx context.Context, ks KeyBackend, id identity.Identity) error {
	blob, err := identity.Export(id)
	if err != nil {
		return fmt.Errorf("export identity: %w", err)
	}
	defer zeroBytes(blob)
	return ks.StoreSecret(ctx, identitySecretID, blob)
}

// LoadIdentity fetches and parses the persisted identity blob.
func LoadIdentity(ctx context.Context, ks KeyBackend) (identity.Identity, error) {
	blob, err := ks.LoadSecret(ctx, identitySecretID)
	if err != nil {
		return identity.Identity{}, err
	}
	defer zeroBytes(blob)
	return identity.Import(blob)
}

// EnsureIdentity loads the node identity from the keystore, generating
// and persisting a fresh one when none exists yet.
func EnsureIdentity(ctx context.Context, ks KeyBackend, displayName string) (identity.Identity, error) {
	if ks == nil {
		return identity.Identity{}, errors.New("keystore is required for node identity")
	}
	id, err := LoadIdentity(ctx, ks)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return identity.Identity{}, fmt.Errorf("load node identity: %w", err)
	}

	id, err = identity.Generate(displayName)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("generate node identity: %w", err)
	}
	if err := StoreIdentity(ctx, ks, id); err != nil {
		return identity.Identity{}, fmt.Errorf("store node identity: %w", err)
	}
	return id, nil
}
