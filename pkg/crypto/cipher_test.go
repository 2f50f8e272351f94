package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)
	c, err := New(key)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	secret := "binance-api-secret-xyz"
	enc, err := c.Encrypt(secret)
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}
	if !IsEncrypted(enc) {
		t.Fatalf("expected ciphertext prefix on %q", enc)
	}

	dec, err := c.Decrypt(enc)
	if err != nil {
		t.Fatalf("Decrypt returned error: %v", err)
	}
	if dec != secret {
		t.Fatalf("Decrypt=%q, expected %q", dec, secret)
	}
}

func TestDecryptRejectsPlaintextAndWrongKey(t *testing.T) {
	c, _ := New(bytes.Repeat([]byte{0x01}, KeySize))

	if _, err := c.Decrypt("plaintext-legacy-key"); err != ErrInvalidCiphertext {
		t.Fatalf("expected ErrInvalidCiphertext, got %v", err)
	}

	enc, err := c.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt returned error: %v", err)
	}
	other, _ := New(bytes.Repeat([]byte{0x02}, KeySize))
	if _, err := other.Decrypt(enc); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestNewRejectsShortKey(t *testing.T) {
	if _, err := New([]byte("short")); err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
