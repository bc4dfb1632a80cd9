// Package secrets encrypts API keys persisted in the config file with a
// password-derived key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// Prefix marks encrypted string fields in the config file.
const Prefix = "enc:"

const (
	payloadVersion = 1
	saltSize       = 16
)

var (
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidPayload  = errors.New("invalid encrypted payload")
)

// IsEncrypted reports whether value carries the encrypted-field prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// EncryptString encrypts value and returns an "enc:"-prefixed base64 payload
// safe to embed in config JSON. Empty values stay empty.
func EncryptString(value, password string) (string, error) {
	if value == "" {
		return "", nil
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	// version || salt || nonce || ciphertext
	payload := make([]byte, 0, 1+saltSize+len(nonce))
	payload = append(payload, payloadVersion)
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = gcm.Seal(payload, nonce, []byte(value), nil)

	return Prefix + base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptString reverses EncryptString. Values without the prefix are
// returned as-is; the bool reports whether decryption happened.
func DecryptString(value, password string) (string, bool, error) {
	if !IsEncrypted(value) {
		return value, false, nil
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, Prefix))
	if err != nil {
		return "", true, fmt.Errorf("%w: decode: %v", ErrInvalidPayload, err)
	}
	if len(payload) < 1+saltSize {
		return "", true, ErrInvalidPayload
	}
	if payload[0] != payloadVersion {
		return "", true, fmt.Errorf("%w: unsupported version %d", ErrInvalidPayload, payload[0])
	}
	salt := payload[1 : 1+saltSize]
	rest := payload[1+saltSize:]

	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", true, err
	}
	if len(rest) < gcm.NonceSize() {
		return "", true, ErrInvalidPayload
	}
	nonce := rest[:gcm.NonceSize()]
	ciphertext := rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", true, fmt.Errorf("%w: %v", ErrInvalidPassword, err)
	}
	return string(plaintext), true, nil
}

// newGCM derives an AES-256 key from the password and wraps it in GCM.
func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(password), salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
