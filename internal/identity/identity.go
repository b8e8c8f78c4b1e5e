package identity

import (
	"context"
	"errors"
	"time"

	"github.com/tableside/auth-core/internal/auth"
)

// ErrUnavailable means the provider could not be reached or failed internally.
var ErrUnavailable = errors.New("identity: provider unavailable")

// Repository errors.
var (
	ErrUserNotFound  = errors.New("identity: user not found")
	ErrEmailExists   = errors.New("identity: email already registered")
	ErrTokenNotFound = errors.New("identity: refresh token not found")
)

// SignInRequest is a password login.
type SignInRequest struct {
	Email    string
	Password string
	// RestaurantID selects the tenant embedded in the access token. It may be
	// empty when the account belongs to exactly one restaurant, or is a
	// platform admin.
	RestaurantID string
}

// Session is what a provider hands back on sign-in and refresh.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
	Role         auth.Role `json:"role,omitempty"`
	RestaurantID string    `json:"restaurant_id,omitempty"`
}

// Provider owns password accounts and their sessions.
type Provider interface {
	SignInWithPassword(ctx context.Context, req SignInRequest) (*Session, error)
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
	// SignOut ends the provider-side session. Either token may be empty.
	SignOut(ctx context.Context, accessToken, refreshToken string) error
}

// User is a password account of the local driver.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         auth.Role `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RefreshToken is a stored refresh token. Only its hash is kept.
type RefreshToken struct {
	ID           string
	UserID       string
	FamilyID     string
	TokenHash    string
	RestaurantID string
	ExpiresAt    time.Time
	Revoked      bool
	CreatedAt    time.Time
}
