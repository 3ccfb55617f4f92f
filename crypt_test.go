package ringside

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestEncryptorDisabled(t *testing.T) {
	enc, err := NewEncryptor(CryptoConfig{})
	if err != nil {
		t.Fatalf("expected disabled config accepted, got %v", err)
	}
	if enc != nil {
		t.Fatalf("expected nil encryptor when disabled")
	}
}

func TestEncryptorRequiresKeyMaterial(t *testing.T) {
	if _, err := NewEncryptor(CryptoConfig{Enabled: true}); err == nil {
		t.Fatalf("expected missing key material rejected")
	}
	if _, err := NewEncryptor(CryptoConfig{Enabled: true, Key: []byte("short")}); err == nil {
		t.Fatalf("expected wrong key size rejected")
	}
}

func TestEncryptorSealOpen(t *testing.T) {
	key := make([]byte, cryptoKeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	enc, err := NewEncryptor(CryptoConfig{Enabled: true, Key: key})
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	plaintext := []byte("entries snapshot payload")
	sealed, err := enc.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatalf("expected ciphertext, found plaintext")
	}

	opened, err := enc.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("expected round trip, got %q", opened)
	}

	// Nonces are random, so sealing twice never repeats ciphertext.
	sealed2, err := enc.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Equal(sealed, sealed2) {
		t.Fatalf("expected distinct ciphertexts for repeated seals")
	}
}

func TestEncryptorTamperDetected(t *testing.T) {
	enc, err := NewEncryptor(CryptoConfig{Enabled: true, KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	sealed, err := enc.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	sealed[len(sealed)-1] ^= 0xff
	if _, err := enc.Open(sealed); err == nil {
		t.Fatalf("expected tampered blob rejected")
	}

	if _, err := enc.Open([]byte("short")); err == nil {
		t.Fatalf("expected truncated blob rejected")
	}
}

func TestEncryptorCrossDevicePassword(t *testing.T) {
	// A blob sealed on one device opens on another knowing only the
	// password; the salt rides inside the blob.
	a, err := NewEncryptor(CryptoConfig{Enabled: true, KeyPassword: "steward"})
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	b, err := NewEncryptor(CryptoConfig{Enabled: true, KeyPassword: "steward"})
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	sealed, err := a.Seal([]byte("backup"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := b.Open(sealed)
	if err != nil {
		t.Fatalf("open on second device: %v", err)
	}
	if string(opened) != "backup" {
		t.Fatalf("expected round trip, got %q", opened)
	}

	wrong, err := NewEncryptor(CryptoConfig{Enabled: true, KeyPassword: "guess"})
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}
	if _, err := wrong.Open(sealed); err == nil {
		t.Fatalf("expected wrong password rejected")
	}
}
