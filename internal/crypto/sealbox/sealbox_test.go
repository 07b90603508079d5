package sealbox

import (
	"errors"
	"strings"
	"testing"

	"github.com/AyazTomac-dev/atacord/internal/identity"
)

func TestSealOpenRoundTrip(t *testing.T) {
	recipient, err := identity.Generate("recipient")
	if err != nil {
		t.Fatalf("generate recipient: %v", err)
	}

	for _, plaintext := range []string{
		"",
		"merhaba",
		"naber, görüşürüz 👋",
		strings.Repeat("a", 2000),
	} {
		sealed, err := Seal([]byte(plaintext), recipient.EncryptionPublic)
		if err != nil {
			t.Fatalf("seal %d chars: %v", len(plaintext), err)
		}
		if strings.Contains(sealed, plaintext) && plaintext != "" {
			t.Fatal("sealed payload leaks plaintext")
		}
		opened, err := Open(sealed, recipient.EncryptionPrivate)
		if err != nil {
			t.Fatalf("open %d chars: %v", len(plaintext), err)
		}
		if string(opened) != plaintext {
			t.Fatalf("round trip mismatch: got %q", opened)
		}
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	recipient, err := identity.Generate("recipient")
	if err != nil {
		t.Fatalf("generate recipient: %v", err)
	}
	eavesdropper, err := identity.Generate("eavesdropper")
	if err != nil {
		t.Fatalf("generate eavesdropper: %v", err)
	}

	sealed, err := Seal([]byte("merhaba"), recipient.EncryptionPublic)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := Open(sealed, eavesdropper.EncryptionPrivate); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt under wrong key, got %v", err)
	}
}

func TestOpenRejectsMalformedPayloads(t *testing.T) {
	recipient, err := identity.Generate("recipient")
	if err != nil {
		t.Fatalf("generate recipient: %v", err)
	}

	cases := []string{
		"",
		"!!!not-base64!!!",
		"AAAA",
	}
	for _, sealed := range cases {
		if _, err := Open(sealed, recipient.EncryptionPrivate); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("Open(%q): expected ErrDecrypt, got %v", sealed, err)
		}
	}

	sealed, err := Seal([]byte("merhaba"), recipient.EncryptionPublic)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	corrupted := []byte(sealed)
	corrupted[len(corrupted)-1] ^= 'x'
	if _, err := Open(string(corrupted), recipient.EncryptionPrivate); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for corrupted ciphertext, got %v", err)
	}
}

func TestSealRejectsBadRecipientKey(t *testing.T) {
	if _, err := Seal([]byte("merhaba"), []byte{1, 2, 3}); !errors.Is(err, ErrEncrypt) {
		t.Fatalf("expected ErrEncrypt for undersized key, got %v", err)
	}
}
