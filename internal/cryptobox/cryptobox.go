// Package cryptobox provides symmetric at-rest encryption for sensitive
// columns: asset credentials, result bodies, multiquery transcripts and
// cached embedding text. The key is process-wide and supplied by config.
package cryptobox

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

var ErrDecrypt = errors.New("cryptobox: decryption failed")

// Cipher seals and opens strings with a fixed 32-byte key.
type Cipher struct {
	key [32]byte
}

func New(key [32]byte) *Cipher {
	return &Cipher{key: key}
}

// Encrypt seals plaintext and returns a base64 string of nonce||box.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. An empty input decrypts to an empty string so
// that unset optional columns round-trip without special casing.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(sealed) < 24 {
		return "", ErrDecrypt
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &c.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// Mask returns the display form of a credential: the first four characters
// followed by asterisks. Values of four characters or fewer are fully masked.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-4)
}
