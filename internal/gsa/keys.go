package gsa

import (
	"crypto/hmac"
	"crypto/sha256"
)

// Labels for the keys that protect the encrypted server payload (spd)
// returned by the complete step.
const (
	ExtraDataKeyLabel = "extra data key:"
	ExtraDataIVLabel  = "extra data iv:"
)

const (
	// cbcKeyLen is the AES-256 key length taken from a derived key.
	cbcKeyLen = 32

	// cbcIVLen is the IV length. The IV is the prefix of a longer
	// derived value.
	cbcIVLen = 16
)

// DeriveKey derives a purpose-scoped key from the negotiated shared
// secret: HMAC-SHA256 keyed by the secret over the UTF-8 label. The
// result is 32 bytes. Callers own the returned slice and should wipe it
// when done.
func DeriveKey(secret []byte, label string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(label))

	return mac.Sum(nil)
}
