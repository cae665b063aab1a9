package cryptobox

import (
	"strings"
	"testing"
)

func testCipher() *Cipher {
	var key [32]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")
	return New(key)
}

func TestCipher_RoundTrip(t *testing.T) {
	c := testCipher()

	tests := []string{
		"",
		"sk-abc123",
		"the passphrase is swordfish",
		strings.Repeat("long transcript ", 1024),
		"unicode: héllo wörld é",
	}

	for _, plaintext := range tests {
		encrypted, err := c.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		if plaintext != "" && encrypted == plaintext {
			t.Error("ciphertext equals plaintext")
		}

		decrypted, err := c.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("Decrypt failed: %v", err)
		}
		if decrypted != plaintext {
			t.Errorf("round trip mismatch: got %q, want %q", decrypted, plaintext)
		}
	}
}

func TestCipher_NonDeterministic(t *testing.T) {
	c := testCipher()

	a, err := c.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := c.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if a == b {
		t.Error("expected distinct ciphertexts for identical plaintexts")
	}
}

func TestCipher_WrongKey(t *testing.T) {
	c := testCipher()
	encrypted, err := c.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	var otherKey [32]byte
	copy(otherKey[:], "fedcba9876543210fedcba9876543210")
	other := New(otherKey)

	if _, err := other.Decrypt(encrypted); err == nil {
		t.Error("expected decryption with wrong key to fail")
	}
}

func TestCipher_GarbageInput(t *testing.T) {
	c := testCipher()

	if _, err := c.Decrypt("not base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := c.Decrypt("c2hvcnQ="); err == nil {
		t.Error("expected error for truncated ciphertext")
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abc", "***"},
		{"abcd", "****"},
		{"sk-proj-12345", "sk-p*********"},
	}

	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
