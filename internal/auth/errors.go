package auth

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy. Classify with errors.Is.
var (
	// ErrMalformedCredential means client input failed shape validation.
	// No lockout or rate-limit state is touched.
	ErrMalformedCredential = errors.New("auth: malformed credential")

	// ErrInvalidCredential covers wrong passwords, wrong PINs and bad signatures.
	ErrInvalidCredential = errors.New("auth: invalid credential")

	// ErrLocked means an account lockout or rate limit is active.
	// Returned errors are usually *LockedError carrying the retry-after.
	ErrLocked = errors.New("auth: locked")

	ErrExpired        = errors.New("auth: token expired")
	ErrForbidden      = errors.New("auth: forbidden")
	ErrDeviceMismatch = errors.New("auth: device fingerprint mismatch")
	ErrRevoked        = errors.New("auth: token revoked")

	// ErrUnauthenticated means no bearer token was presented.
	ErrUnauthenticated = errors.New("auth: missing credentials")
)

// Narrower errors that still classify under the taxonomy above.
var (
	ErrMalformedPin   = fmt.Errorf("%w: pin must be 4-6 digits and not trivially guessable", ErrMalformedCredential)
	ErrInvalidPin     = fmt.Errorf("%w: pin", ErrInvalidCredential)
	ErrTenantMissing  = fmt.Errorf("%w: token has no restaurant", ErrInvalidCredential)
	ErrTenantMismatch = fmt.Errorf("%w: tenant header disagrees with token", ErrForbidden)
	ErrNotMember      = fmt.Errorf("%w: no active membership", ErrForbidden)
	ErrMissingScope   = fmt.Errorf("%w: missing scope", ErrForbidden)
)

// Repository errors.
var (
	ErrNotFound = errors.New("auth: not found")
	ErrPinInUse = errors.New("auth: pin already in use in this restaurant")
)

// Public messages. Every credential failure maps to one of the first two;
// scope and tenant failures map to the third.
const (
	MsgInvalidCredentials = "invalid credentials"
	MsgLocked             = "account temporarily locked"
	MsgAccessDenied       = "access denied"
)

// LockedError is an ErrLocked with the time the lock lifts.
type LockedError struct {
	Until      time.Time
	RetryAfter time.Duration
}

// NewLockedError builds a LockedError relative to now.
func NewLockedError(until, now time.Time) *LockedError {
	retry := until.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return &LockedError{Until: until, RetryAfter: retry}
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("auth: locked for %s", e.RetryAfter.Round(time.Second))
}

// Is lets errors.Is(err, ErrLocked) match.
func (e *LockedError) Is(target error) bool {
	return target == ErrLocked
}

// RetryAfter extracts the retry-after from err, or zero.
func RetryAfter(err error) time.Duration {
	var le *LockedError
	if errors.As(err, &le) {
		return le.RetryAfter
	}
	return 0
}

// PublicMessage maps any auth error to its user-visible message.
func PublicMessage(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return MsgAccessDenied
	case errors.Is(err, ErrLocked):
		return MsgLocked
	default:
		return MsgInvalidCredentials
	}
}

// Reason is the internal, log-only cause of a failure.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedCredential):
		return "malformed"
	case errors.Is(err, ErrLocked):
		return "locked"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrDeviceMismatch):
		return "device_mismatch"
	case errors.Is(err, ErrTenantMismatch):
		return "tenant_mismatch"
	case errors.Is(err, ErrNotMember):
		return "not_member"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	default:
		return "internal"
	}
}
