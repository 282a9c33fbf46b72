// Package errors defines the error taxonomy shared by the authentication
// and session packages. Callers import it as apperrors and inspect errors
// with errors.As / errors.Is.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Validation errors.
var (
	ErrCertificateNotFound   = errors.New("no matching certificate found")
	ErrTeamNotFound          = errors.New("team not found")
	ErrTeamSelectionRequired = errors.New("multiple teams available, a team must be selected")
	ErrNoTeams               = errors.New("no teams found for this account")
	ErrMissingCredentials    = errors.New("username and password are required")
)

// Session errors.
var (
	ErrSecondFactorRequired = errors.New("second factor required but no code prompt configured")
	ErrSessionClosed        = errors.New("session closed")
)

// TransportError is a network or HTTP level failure reaching the provider.
// It is the only error class that is safe to retry as-is.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// ParseError reports a malformed or unexpected response shape.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parsing %s: %v", e.Op, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// AuthProofError reports an SRP proof mismatch: either the provider
// rejected the client proof or the server proof did not verify.
type AuthProofError struct {
	Step string
	Err  error
}

func (e *AuthProofError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("authentication failed at %s: incorrect username or password", e.Step)
	}

	return fmt.Sprintf("authentication failed at %s: %v", e.Step, e.Err)
}

func (e *AuthProofError) Unwrap() error { return e.Err }

// AuthServerError is a business error reported by the provider. Code and
// Message are shown to the user verbatim.
type AuthServerError struct {
	Code    int64
	Message string
}

func (e *AuthServerError) Error() string {
	return fmt.Sprintf("provider error %d: %s", e.Code, e.Message)
}

// OneTimeCodeError reports that the provider rejected a second-factor code.
type OneTimeCodeError struct {
	Code    int64
	Message string
}

func (e *OneTimeCodeError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("verification code rejected (%d)", e.Code)
	}

	return fmt.Sprintf("verification code rejected (%d): %s", e.Code, e.Message)
}

// DecryptionError reports an invalid encrypted payload. No partial
// plaintext is ever returned alongside it.
type DecryptionError struct {
	Op  string
	Err error
}

func (e *DecryptionError) Error() string { return fmt.Sprintf("decrypting %s: %v", e.Op, e.Err) }
func (e *DecryptionError) Unwrap() error { return e.Err }

// StaleIdentityError is returned when device identity headers are
// requested from data that is no longer valid.
type StaleIdentityError struct {
	Age time.Duration
}

func (e *StaleIdentityError) Error() string {
	return fmt.Sprintf("device identity data expired (age %s)", e.Age.Truncate(time.Second))
}

// ValidationError is a client-side precondition failure. Nothing was sent
// to the provider.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}

	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsRetryable reports whether err (or any error in its chain) is a
// TransportError.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsAuthProof reports whether err is a credential failure.
func IsAuthProof(err error) bool {
	var pe *AuthProofError
	return errors.As(err, &pe)
}

// IsOneTimeCode reports whether err is a rejected second-factor code.
func IsOneTimeCode(err error) bool {
	var oe *OneTimeCodeError
	return errors.As(err, &oe)
}

// IsValidation reports whether err is a client-side validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
