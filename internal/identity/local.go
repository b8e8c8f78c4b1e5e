package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/tableside/auth-core/internal/auth"
)

const refreshTokenBytes = 32

// DefaultRefreshTTL is how long a local refresh token lives.
const DefaultRefreshTTL = 7 * 24 * time.Hour

// LocalProvider is the SQLite-backed identity driver.
type LocalProvider struct {
	users      UserRepository
	tokens     RefreshTokenRepository
	members    auth.MembershipRepository
	issuer     *auth.Issuer
	refreshTTL time.Duration
	now        func() time.Time
}

// LocalDeps are the collaborators of a LocalProvider.
type LocalDeps struct {
	Users      UserRepository
	Tokens     RefreshTokenRepository
	Members    auth.MembershipRepository
	Issuer     *auth.Issuer
	RefreshTTL time.Duration
	Now        func() time.Time
}

// NewLocalProvider creates the local driver.
func NewLocalProvider(deps LocalDeps) *LocalProvider {
	p := &LocalProvider{
		users:      deps.Users,
		tokens:     deps.Tokens,
		members:    deps.Members,
		issuer:     deps.Issuer,
		refreshTTL: deps.RefreshTTL,
		now:        deps.Now,
	}
	if p.refreshTTL <= 0 {
		p.refreshTTL = DefaultRefreshTTL
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// SignInWithPassword checks the password and opens a session. Unknown email,
// inactive account and wrong password are indistinguishable to the caller and
// take the same time.
func (p *LocalProvider) SignInWithPassword(ctx context.Context, req SignInRequest) (*Session, error) {
	if req.Email == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: email and password required", auth.ErrMalformedCredential)
	}

	user, err := p.users.GetByEmail(ctx, req.Email)
	if errors.Is(err, ErrUserNotFound) {
		auth.BurnPasswordCheck(req.Password)
		return nil, auth.ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	ok, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !ok || !user.IsActive {
		return nil, auth.ErrInvalidCredential
	}

	restaurantID, err := p.tenantFor(ctx, user, req.RestaurantID)
	if err != nil {
		return nil, err
	}
	return p.openSession(ctx, user, restaurantID, nil)
}

// tenantFor picks the restaurant embedded in the access token.
func (p *LocalProvider) tenantFor(ctx context.Context, user *User, requested string) (string, error) {
	if user.Role.IsPlatformAdmin() {
		return requested, nil
	}

	if requested != "" {
		m, err := p.members.Get(ctx, user.ID, requested)
		if errors.Is(err, auth.ErrNotFound) || (err == nil && !m.IsActive) {
			return "", auth.ErrNotMember
		}
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return requested, nil
	}

	memberships, err := p.members.ListForUser(ctx, user.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var active []string
	for _, m := range memberships {
		if m.IsActive {
			active = append(active, m.RestaurantID)
		}
	}
	switch len(active) {
	case 0:
		return "", auth.ErrNotMember
	case 1:
		return active[0], nil
	default:
		return "", fmt.Errorf("%w: restaurant_id required for multi-restaurant accounts", auth.ErrMalformedCredential)
	}
}

// Refresh rotates a refresh token. Presenting a token that was already
// rotated revokes its whole family, since only a thief or a replay would do so.
func (p *LocalProvider) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh token required", auth.ErrMalformedCredential)
	}

	stored, err := p.tokens.GetByTokenHash(ctx, auth.HashToken(refreshToken))
	if errors.Is(err, ErrTokenNotFound) {
		return nil, auth.ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	if stored.Revoked {
		if err := p.tokens.RevokeFamily(ctx, stored.FamilyID); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("%w: refresh token reuse", auth.ErrRevoked)
	}
	if !p.now().Before(stored.ExpiresAt) {
		return nil, auth.ErrExpired
	}

	user, err := p.users.GetByID(ctx, stored.UserID)
	if err != nil || !user.IsActive {
		return nil, auth.ErrInvalidCredential
	}

	session, err := p.openSession(ctx, user, stored.RestaurantID, stored)
	if errors.Is(err, errTokenConsumed) {
		if err := p.tokens.RevokeFamily(ctx, stored.FamilyID); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, fmt.Errorf("%w: refresh token reuse", auth.ErrRevoked)
	}
	return session, err
}

// SignOut revokes the refresh token family. The access token is left to the
// caller's revocation list.
func (p *LocalProvider) SignOut(ctx context.Context, _ string, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	stored, err := p.tokens.GetByTokenHash(ctx, auth.HashToken(refreshToken))
	if errors.Is(err, ErrTokenNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return p.tokens.RevokeFamily(ctx, stored.FamilyID)
}

// openSession signs an access token and stores a new refresh token. When prev
// is set, it is consumed atomically and the new token joins its family.
func (p *LocalProvider) openSession(ctx context.Context, user *User, restaurantID string, prev *RefreshToken) (*Session, error) {
	access, err := p.issuer.IssuePassword(user.ID, user.Email, user.Role, restaurantID)
	if err != nil {
		return nil, err
	}

	raw, err := generateRefreshToken()
	if err != nil {
		return nil, err
	}
	next := &RefreshToken{
		UserID:       user.ID,
		TokenHash:    auth.HashToken(raw),
		RestaurantID: restaurantID,
		ExpiresAt:    p.now().UTC().Add(p.refreshTTL),
	}

	if prev != nil {
		next.FamilyID = prev.FamilyID
		err = p.tokens.Rotate(ctx, prev.ID, next)
	} else {
		err = p.tokens.Create(ctx, next)
	}
	if err != nil {
		return nil, err
	}

	return &Session{
		AccessToken:  access.Token,
		RefreshToken: raw,
		TokenType:    "bearer",
		ExpiresAt:    access.ExpiresAt,
		UserID:       user.ID,
		Email:        user.Email,
		Role:         user.Role,
		RestaurantID: restaurantID,
	}, nil
}

// generateRefreshToken creates a cryptographically random 256-bit token.
func generateRefreshToken() (string, error) {
	b := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating refresh token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
