package gsa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
	"fmt"

	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
	"github.com/awnumar/memguard"
)

var errBadPadding = errors.New("invalid PKCS#7 padding")

// DecryptCBC decrypts AES-256-CBC ciphertext and strips PKCS#7 padding.
// Any length or padding problem is a *DecryptionError and no plaintext is
// returned.
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	if len(key) != cbcKeyLen {
		return nil, &apperrors.DecryptionError{Op: "cbc payload", Err: fmt.Errorf("invalid key length %d: expected %d bytes", len(key), cbcKeyLen)}
	}

	if len(iv) != cbcIVLen {
		return nil, &apperrors.DecryptionError{Op: "cbc payload", Err: fmt.Errorf("invalid iv length %d: expected %d bytes", len(iv), cbcIVLen)}
	}

	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, &apperrors.DecryptionError{Op: "cbc payload", Err: fmt.Errorf("ciphertext length %d is not a positive multiple of %d", len(ciphertext), aes.BlockSize)}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &apperrors.DecryptionError{Op: "cbc payload", Err: err}
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	n, err := pkcs7Length(plain)
	if err != nil {
		memguard.WipeBytes(plain)
		return nil, &apperrors.DecryptionError{Op: "cbc payload", Err: err}
	}

	return plain[:n], nil
}

// EncryptCBC pads plaintext with PKCS#7 and encrypts it with AES-256-CBC.
func EncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	if len(key) != cbcKeyLen {
		return nil, fmt.Errorf("invalid key length %d: expected %d bytes", len(key), cbcKeyLen)
	}

	if len(iv) != cbcIVLen {
		return nil, fmt.Errorf("invalid iv length %d: expected %d bytes", len(iv), cbcIVLen)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	padLen := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+padLen)
	copy(padded, plaintext)

	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	memguard.WipeBytes(padded)

	return out, nil
}

// pkcs7Length validates the padding of a decrypted buffer and returns
// the unpadded length. Every padding byte is checked.
func pkcs7Length(buf []byte) (int, error) {
	padLen := int(buf[len(buf)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(buf) {
		return 0, errBadPadding
	}

	want := make([]byte, padLen)
	for i := range want {
		want[i] = byte(padLen)
	}

	if subtle.ConstantTimeCompare(buf[len(buf)-padLen:], want) != 1 {
		return 0, errBadPadding
	}

	return len(buf) - padLen, nil
}
