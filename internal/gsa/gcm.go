package gsa

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
)

const (
	// tokenVersionLen is the length of the version prefix on an
	// encrypted app token. The prefix doubles as associated data.
	tokenVersionLen = 3

	// tokenNonceLen is the GCM nonce length used for app tokens.
	tokenNonceLen = 16

	// gcmTagLen is the GCM authentication tag length.
	gcmTagLen = 16
)

// DecryptToken decrypts an encrypted app-token payload ("et").
// Layout: [3-byte version][16-byte nonce][ciphertext+tag], sealed with
// AES-256-GCM under the session key with the version as associated data.
func DecryptToken(sessionKey, data []byte) ([]byte, error) {
	if len(data) < tokenVersionLen+tokenNonceLen+gcmTagLen {
		return nil, &apperrors.DecryptionError{Op: "app token", Err: fmt.Errorf("payload too short: %d bytes", len(data))}
	}

	aead, err := newTokenAEAD(sessionKey)
	if err != nil {
		return nil, &apperrors.DecryptionError{Op: "app token", Err: err}
	}

	version := data[:tokenVersionLen]
	nonce := data[tokenVersionLen : tokenVersionLen+tokenNonceLen]

	plain, err := aead.Open(nil, nonce, data[tokenVersionLen+tokenNonceLen:], version)
	if err != nil {
		return nil, &apperrors.DecryptionError{Op: "app token", Err: err}
	}

	return plain, nil
}

// EncryptToken produces the layout DecryptToken expects.
func EncryptToken(sessionKey, version, nonce, plaintext []byte) ([]byte, error) {
	if len(version) != tokenVersionLen {
		return nil, fmt.Errorf("invalid version length %d: expected %d bytes", len(version), tokenVersionLen)
	}

	if len(nonce) != tokenNonceLen {
		return nil, fmt.Errorf("invalid nonce length %d: expected %d bytes", len(nonce), tokenNonceLen)
	}

	aead, err := newTokenAEAD(sessionKey)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, tokenVersionLen+tokenNonceLen+len(plaintext)+gcmTagLen)
	out = append(out, version...)
	out = append(out, nonce...)

	return aead.Seal(out, nonce, plaintext, version), nil
}

func newTokenAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != cbcKeyLen {
		return nil, errors.New("session key must be 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, tokenNonceLen)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return aead, nil
}
