package secret

import (
	"bytes"
	"encoding/base64"
	"testing"
)

func TestNewAESGCMSealerRequiresValidKey(t *testing.T) {
	if _, err := NewAESGCMSealer([]byte("short")); err == nil {
		t.Fatal("expected error for short key")
	}
}

func TestAESGCMSealerSealOpen(t *testing.T) {
	sealer, err := NewAESGCMSealer([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	first, err := sealer.Seal("ya29.token")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	second, err := sealer.Seal("ya29.token")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if first == "ya29.token" {
		t.Fatal("expected encrypted output")
	}
	if first == second {
		t.Fatal("expected a fresh nonce per seal")
	}

	opened, err := sealer.Open(first)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != "ya29.token" {
		t.Fatalf("opened = %q", opened)
	}
}

func TestAESGCMSealerOpenRejectsInvalidCiphertext(t *testing.T) {
	sealer, err := NewAESGCMSealer([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	if _, err := sealer.Open("not base64!"); err == nil {
		t.Fatal("expected error for invalid encoding")
	}
	if _, err := sealer.Open(base64.RawStdEncoding.EncodeToString([]byte("tiny"))); err == nil {
		t.Fatal("expected error for short payload")
	}

	other, err := NewAESGCMSealer([]byte("fedcba9876543210fedcba9876543210"))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := other.Seal("value")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := sealer.Open(sealed); err == nil {
		t.Fatal("expected error opening value sealed under another key")
	}
}

func TestNilSealerIsNotConfigured(t *testing.T) {
	var sealer *AESGCMSealer
	if _, err := sealer.Seal("x"); err == nil {
		t.Fatal("expected nil sealer to fail")
	}
}

func TestDecodeMasterKey(t *testing.T) {
	raw := bytes.Repeat([]byte{7}, 32)

	key, err := DecodeMasterKey(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("decode padded: %v", err)
	}
	if !bytes.Equal(key, raw) {
		t.Fatal("decoded key mismatch")
	}
	if _, err := DecodeMasterKey(base64.RawStdEncoding.EncodeToString(raw)); err != nil {
		t.Fatalf("decode raw: %v", err)
	}
	if _, err := DecodeMasterKey(""); err == nil {
		t.Fatal("expected empty key to fail")
	}
	if _, err := DecodeMasterKey(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected short key to fail")
	}
}

func TestDeriveKeysAreIndependentAndStable(t *testing.T) {
	master := bytes.Repeat([]byte{1}, 32)

	first, err := DeriveKeys(master)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	second, err := DeriveKeys(master)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if len(first.Seal) != 32 || len(first.State) != 32 {
		t.Fatalf("unexpected key sizes: %d, %d", len(first.Seal), len(first.State))
	}
	if bytes.Equal(first.Seal, first.State) {
		t.Fatal("expected seal and state keys to differ")
	}
	if !bytes.Equal(first.Seal, second.Seal) || !bytes.Equal(first.State, second.State) {
		t.Fatal("expected derivation to be deterministic")
	}
	if _, err := DeriveKeys([]byte("short")); err == nil {
		t.Fatal("expected short master key to fail")
	}
}
