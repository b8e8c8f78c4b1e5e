package auth

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Default lockout policy.
const (
	DefaultLockoutThreshold = 5
	DefaultLockoutDuration  = 15 * time.Minute
)

// CredentialVerifier checks PINs against a restaurant's stored credentials
// and owns their lockout state.
type CredentialVerifier struct {
	repo      CredentialRepository
	hasher    *PINHasher
	scopes    *ScopeResolver
	threshold int
	duration  time.Duration
	now       func() time.Time
}

// VerifierOption configures a CredentialVerifier.
type VerifierOption func(*CredentialVerifier)

// WithLockout overrides the failure threshold and lock duration.
func WithLockout(threshold int, duration time.Duration) VerifierOption {
	return func(v *CredentialVerifier) {
		if threshold > 0 {
			v.threshold = threshold
		}
		if duration > 0 {
			v.duration = duration
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *CredentialVerifier) { v.now = now }
}

// NewCredentialVerifier creates a verifier with the default lockout policy.
func NewCredentialVerifier(repo CredentialRepository, hasher *PINHasher, scopes *ScopeResolver, opts ...VerifierOption) *CredentialVerifier {
	v := &CredentialVerifier{
		repo:      repo,
		hasher:    hasher,
		scopes:    scopes,
		threshold: DefaultLockoutThreshold,
		duration:  DefaultLockoutDuration,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyPin resolves pin to a principal of restaurantID.
//
// Locked credentials are skipped. The first unlocked credential whose hash
// matches wins and has its failure counter reset. When nothing matches,
// every credential that was considered records a failure.
//
// The returned error is ErrMalformedPin, a *LockedError, or ErrInvalidPin;
// callers must not surface the difference. A *LockedError means the PIN
// belongs to a locked credential, this attempt locked a credential, or every
// credential of the restaurant is locked. A wrong PIN while some other
// credential happens to be locked is ErrInvalidPin.
func (v *CredentialVerifier) VerifyPin(ctx context.Context, restaurantID, pin string) (*Principal, error) {
	if restaurantID == "" {
		return nil, fmt.Errorf("%w: restaurant id required", ErrMalformedCredential)
	}
	if err := ValidatePIN(pin); err != nil {
		return nil, err
	}

	creds, err := v.repo.ListActiveForRestaurant(ctx, restaurantID)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	now := v.now().UTC()
	var considered []string
	var locked []*Credential

	for i := range creds {
		c := &creds[i]
		if c.LockedAt(now) {
			locked = append(locked, c)
			continue
		}
		considered = append(considered, c.ID)
		if !v.hasher.Verify(pin, c.PINHash, c.Salt, c.PepperVersion) {
			continue
		}

		if err := v.repo.RecordSuccess(ctx, c.ID, now); err != nil {
			return nil, err
		}
		return &Principal{
			ID:           c.PrincipalID,
			Kind:         KindPIN,
			Role:         c.Role,
			RestaurantID: c.RestaurantID,
			Scopes:       v.scopes.ScopesFor(c.Role),
		}, nil
	}

	states, err := v.repo.RecordFailure(ctx, considered, now, v.threshold, now.Add(v.duration))
	if err != nil {
		return nil, err
	}

	// Considered credentials were unlocked, so a lock now in force was set
	// by this attempt.
	var lockedUntil time.Time
	for _, s := range states {
		if s.LockedUntil != nil && s.LockedUntil.After(now) && s.LockedUntil.After(lockedUntil) {
			lockedUntil = *s.LockedUntil
		}
	}
	for _, c := range locked {
		if v.hasher.Verify(pin, c.PINHash, c.Salt, c.PepperVersion) {
			return nil, NewLockedError(*c.LockedUntil, now)
		}
		if len(considered) == 0 && c.LockedUntil.After(lockedUntil) {
			lockedUntil = *c.LockedUntil
		}
	}

	if !lockedUntil.IsZero() {
		return nil, NewLockedError(lockedUntil, now)
	}
	return nil, ErrInvalidPin
}

// SetPin creates or rotates the PIN of principalID inside restaurantID.
// A PIN already held by another active principal of the same restaurant is
// refused with ErrPinInUse, since PIN login could not tell the two apart.
func (v *CredentialVerifier) SetPin(ctx context.Context, principalID, restaurantID string, role Role, pin string) (*Credential, error) {
	if principalID == "" || restaurantID == "" {
		return nil, fmt.Errorf("%w: principal and restaurant required", ErrMalformedCredential)
	}
	if !IsTenantRole(role) {
		return nil, fmt.Errorf("%w: role %q cannot hold a pin", ErrMalformedCredential, role)
	}
	if err := ValidatePIN(pin); err != nil {
		return nil, err
	}

	existing, err := v.repo.ListActiveForRestaurant(ctx, restaurantID)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	for _, c := range existing {
		if c.PrincipalID == principalID {
			continue
		}
		if v.hasher.Verify(pin, c.PINHash, c.Salt, c.PepperVersion) {
			return nil, ErrPinInUse
		}
	}

	hash, salt, version, err := v.hasher.Hash(pin)
	if err != nil {
		return nil, err
	}
	cred := &Credential{
		PrincipalID:   principalID,
		RestaurantID:  restaurantID,
		Role:          role,
		PINHash:       hash,
		Salt:          salt,
		PepperVersion: version,
	}
	if err := v.repo.Upsert(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// RemovePin deactivates the principal's credential.
func (v *CredentialVerifier) RemovePin(ctx context.Context, principalID string) error {
	if err := v.repo.Deactivate(ctx, principalID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("removing pin: %w", err)
	}
	return nil
}
