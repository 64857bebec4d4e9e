// Package security holds the credential cipher and the outbound dial guard.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16

	// cipherInfo separates credential keys from any other use of the root key.
	cipherInfo = "courier-credentials-v1"
)

var (
	ErrInvalidKey        = errors.New("security: encryption key must be at least 32 bytes")
	ErrInvalidCiphertext = errors.New("security: invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("security: decryption failed")
)

// CredentialCipher encrypts provider credentials at rest with AES-256-GCM.
// Ciphertext is rendered as hex `iv:authTag:ciphertext`.
type CredentialCipher struct {
	aead cipher.AEAD
	key  []byte
}

// NewCredentialCipher derives the AES key from rootKey with HKDF-SHA256.
func NewCredentialCipher(rootKey string) (*CredentialCipher, error) {
	if len(rootKey) < keySize {
		return nil, ErrInvalidKey
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(rootKey), nil, []byte(cipherInfo)), key); err != nil {
		return nil, fmt.Errorf("security: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: %w", err)
	}

	return &CredentialCipher{aead: aead, key: key}, nil
}

// Encrypt returns "" for "" so optional credentials stay empty.
func (c *CredentialCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	iv := make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("security: nonce generation failed: %w", err)
	}

	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. It also accepts 16-byte IVs written by older
// writers of the same format.
func (c *CredentialCipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}

	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return "", ErrInvalidCiphertext
	}
	iv, err1 := hex.DecodeString(parts[0])
	tag, err2 := hex.DecodeString(parts[1])
	ct, err3 := hex.DecodeString(parts[2])
	if err := errors.Join(err1, err2, err3); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(tag) != tagSize || len(iv) == 0 {
		return "", ErrInvalidCiphertext
	}

	aead := c.aead
	if len(iv) != nonceSize {
		block, err := aes.NewCipher(c.key)
		if err != nil {
			return "", fmt.Errorf("security: %w", err)
		}
		if aead, err = cipher.NewGCMWithNonceSize(block, len(iv)); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
		}
	}

	plain, err := aead.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}

// RandomToken returns n random bytes hex-encoded.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
