package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Validator verifies bearer tokens and turns them into principals.
type Validator struct {
	secrets     Secrets
	stations    StationRepository
	revocations RevocationList
	binding     *DeviceBinding
	scopes      *ScopeResolver
	now         func() time.Time
}

// ValidatorDeps are the collaborators a Validator needs.
type ValidatorDeps struct {
	Secrets     Secrets
	Stations    StationRepository
	Revocations RevocationList
	Binding     *DeviceBinding
	Scopes      *ScopeResolver
	Now         func() time.Time
}

// NewValidator creates a Validator.
func NewValidator(deps ValidatorDeps) *Validator {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Validator{
		secrets:     deps.Secrets,
		stations:    deps.Stations,
		revocations: deps.Revocations,
		binding:     deps.Binding,
		scopes:      deps.Scopes,
		now:         now,
	}
}

// ExtractBearer returns the token from an "Authorization: Bearer" header.
func ExtractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrUnauthenticated
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidCredential)
	}
	return strings.TrimSpace(token), nil
}

// DetectMethod reads the method from an unverified token. The result only
// selects which secret to verify with; nothing is trusted until ParseAs.
func DetectMethod(raw string) (Method, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	return claims.Method(), nil
}

// ParseAs verifies raw with the secret of method m and checks that the
// claims were issued for m.
func (v *Validator) ParseAs(raw string, m Method) (*Claims, error) {
	key, err := v.secrets.key(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}

	claims := &Claims{}
	_, err = jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, classifyJWTError(err)
	}
	if claims.Method() != m {
		return nil, fmt.Errorf("%w: token issued for %s, not %s", ErrInvalidCredential, claims.Method(), m)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	return claims, nil
}

// Parse detects the method and verifies raw with that method's secret.
func (v *Validator) Parse(raw string) (*Claims, error) {
	m, err := DetectMethod(raw)
	if err != nil {
		return nil, err
	}
	return v.ParseAs(raw, m)
}

// Authenticate verifies raw and returns its principal with role-table scopes.
// Tenant binding and membership are left to RestaurantAccessResolver.
//
// Station tokens are looked up by hash before their signature is checked, so
// a revoked station token fails with ErrRevoked, and a token replayed from a
// different device fails with ErrDeviceMismatch.
func (v *Validator) Authenticate(ctx context.Context, raw string, rc RequestContext) (*Principal, error) {
	m, err := DetectMethod(raw)
	if err != nil {
		return nil, err
	}
	if m == MethodStation {
		return v.authenticateStation(ctx, raw, rc)
	}

	claims, err := v.ParseAs(raw, m)
	if err != nil {
		return nil, err
	}

	p := &Principal{
		ID:           claims.Subject,
		Role:         claims.EffectiveRole(),
		RestaurantID: claims.Restaurant(),
		Email:        claims.Email,
		TokenID:      claims.ID,
		ExpiresAt:    claims.ExpiresAt.Time,
	}

	switch m {
	case MethodPIN:
		p.Kind = KindPIN
		if p.RestaurantID == "" {
			return nil, ErrTenantMissing
		}
	case MethodDemo:
		p.Kind = KindEphemeral
		if !IsEphemeralID(p.ID) {
			return nil, fmt.Errorf("%w: demo token without demo subject", ErrInvalidCredential)
		}
	default:
		p.Kind = KindPassword
		if p.Role == "" {
			p.Role = RoleUser
		}
	}

	p.Scopes = v.scopes.ScopesFor(p.Role)
	return p, nil
}

func (v *Validator) authenticateStation(ctx context.Context, raw string, rc RequestContext) (*Principal, error) {
	st, err := v.stations.GetByTokenHash(ctx, HashToken(raw))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown station token", ErrInvalidCredential)
	}
	if err != nil {
		return nil, fmt.Errorf("loading station token: %w", err)
	}
	if st.Revoked {
		return nil, ErrRevoked
	}

	claims, err := v.ParseAs(raw, MethodStation)
	if err != nil {
		return nil, err
	}
	if claims.ID != st.TokenID || claims.Subject != st.TokenID || claims.Restaurant() != st.RestaurantID {
		return nil, fmt.Errorf("%w: station claims disagree with record", ErrInvalidCredential)
	}
	if claims.DeviceFingerprint != st.DeviceFingerprint {
		return nil, ErrDeviceMismatch
	}
	if err := v.binding.Verify(st.DeviceFingerprint, rc); err != nil {
		return nil, err
	}

	if err := v.stations.TouchActivity(ctx, st.TokenID, v.now()); err != nil {
		return nil, err
	}

	role := st.StationType.Role()
	return &Principal{
		ID:           claims.Subject,
		Kind:         KindStation,
		Role:         role,
		RestaurantID: st.RestaurantID,
		Scopes:       v.scopes.ScopesFor(role),
		StationType:  st.StationType,
		StationName:  st.StationName,
		TokenID:      st.TokenID,
		ExpiresAt:    st.ExpiresAt,
	}, nil
}

// CheckRevoked consults the revocation list for access tokens. Station
// tokens are checked on every request by Authenticate already.
func (v *Validator) CheckRevoked(ctx context.Context, p *Principal) error {
	if p.IsAnonymous() || p.Kind == KindStation || p.TokenID == "" || v.revocations == nil {
		return nil
	}
	revoked, err := v.revocations.IsRevoked(ctx, p.TokenID)
	if err != nil {
		return err
	}
	if revoked {
		return ErrRevoked
	}
	return nil
}
