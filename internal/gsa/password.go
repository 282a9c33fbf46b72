package gsa

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	apperrors "github.com/alexjbarnes/plumesign/internal/errors"
	"github.com/awnumar/memguard"
	"golang.org/x/crypto/pbkdf2"
)

// Password stretching protocols offered in the init request. The server
// picks one and returns it as "sp".
const (
	ProtocolS2K   = "s2k"
	ProtocolS2KFO = "s2k_fo"
)

// passwordKeyLen is the PBKDF2 output length.
const passwordKeyLen = 32

// PasswordKey stretches the password the way the provider expects before
// it enters the SRP computation: SHA-256 of the password (hex encoded for
// s2k_fo), then PBKDF2-HMAC-SHA256 with the server salt and iteration
// count. The caller owns the returned key.
func PasswordKey(password string, salt []byte, iterations int, protocol string) ([]byte, error) {
	if iterations <= 0 {
		return nil, &apperrors.ParseError{Op: "init response", Err: fmt.Errorf("invalid iteration count %d", iterations)}
	}

	digest := sha256.Sum256([]byte(password))
	defer memguard.WipeBytes(digest[:])

	var material []byte

	switch protocol {
	case ProtocolS2K:
		material = make([]byte, len(digest))
		copy(material, digest[:])
	case ProtocolS2KFO:
		material = []byte(hex.EncodeToString(digest[:]))
	default:
		return nil, &apperrors.ParseError{Op: "init response", Err: fmt.Errorf("unsupported password protocol %q", protocol)}
	}
	defer memguard.WipeBytes(material)

	return pbkdf2.Key(material, salt, iterations, passwordKeyLen, sha256.New), nil
}
