package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := []error{
		ErrCertificateNotFound,
		ErrTeamNotFound,
		ErrTeamSelectionRequired,
		ErrNoTeams,
		ErrMissingCredentials,
		ErrSecondFactorRequired,
		ErrSessionClosed,
	}
	for i := 0; i < len(sentinels); i++ {
		assert.NotEmpty(t, sentinels[i].Error())
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestIsRetryable_OnlyTransport(t *testing.T) {
	transport := fmt.Errorf("listing teams: %w", &TransportError{Op: "POST /listTeams", Err: errors.New("connection reset")})
	assert.True(t, IsRetryable(transport))

	assert.False(t, IsRetryable(&ParseError{Op: "response", Err: errors.New("bad")}))
	assert.False(t, IsRetryable(&AuthProofError{Step: "complete"}))
	assert.False(t, IsRetryable(&AuthServerError{Code: -20101, Message: "Bad login"}))
	assert.False(t, IsRetryable(nil))
}

func TestAuthProofAndOneTimeCode_AreDistinguishable(t *testing.T) {
	proof := fmt.Errorf("logging in: %w", &AuthProofError{Step: "complete"})
	code := fmt.Errorf("logging in: %w", &OneTimeCodeError{Code: -21669, Message: "Incorrect verification code."})

	assert.True(t, IsAuthProof(proof))
	assert.False(t, IsOneTimeCode(proof))
	assert.True(t, IsOneTimeCode(code))
	assert.False(t, IsAuthProof(code))
}

func TestAuthServerError_Message(t *testing.T) {
	err := &AuthServerError{Code: -20101, Message: "Bad login"}
	assert.Equal(t, "provider error -20101: Bad login", err.Error())

	var target *AuthServerError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &target))
	assert.Equal(t, int64(-20101), target.Code)
}

func TestValidationError_UnwrapsSentinel(t *testing.T) {
	err := &ValidationError{Field: "serial_number", Err: ErrCertificateNotFound}
	assert.ErrorIs(t, err, ErrCertificateNotFound)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "serial_number")
}

func TestStaleIdentityError_TruncatesAge(t *testing.T) {
	err := &StaleIdentityError{Age: 91*time.Second + 400*time.Millisecond}
	assert.Equal(t, "device identity data expired (age 1m31s)", err.Error())
}

func TestAuthProofError_DefaultMessage(t *testing.T) {
	err := &AuthProofError{Step: "server proof"}
	assert.Contains(t, err.Error(), "incorrect username or password")
}
