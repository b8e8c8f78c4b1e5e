package auth

import (
	"strings"
	"time"
)

// Role is a tenant or platform role.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleManager  Role = "manager"
	RoleServer   Role = "server"
	RoleCashier  Role = "cashier"
	RoleKitchen  Role = "kitchen"
	RoleExpo     Role = "expo"
	RoleCustomer Role = "customer"

	// RoleUser is the platform role of an ordinary password account. Its
	// tenant role always comes from membership.
	RoleUser Role = "user"

	// RoleAdmin and RoleSuperAdmin are platform roles. They may target any
	// restaurant and hold every scope.
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// TenantRoles are the roles a restaurant membership may carry.
var TenantRoles = []Role{RoleOwner, RoleManager, RoleServer, RoleCashier, RoleKitchen, RoleExpo, RoleCustomer}

// IsTenantRole reports whether r may be granted through restaurant membership.
func IsTenantRole(r Role) bool {
	for _, v := range TenantRoles {
		if r == v {
			return true
		}
	}
	return false
}

// IsPlatformAdmin reports whether r bypasses tenant membership.
func (r Role) IsPlatformAdmin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Kind identifies how a principal authenticated.
type Kind string

const (
	KindPassword  Kind = "password"
	KindPIN       Kind = "pin"
	KindStation   Kind = "station"
	KindEphemeral Kind = "ephemeral"
	KindAnonymous Kind = "anonymous"
)

// EphemeralPrefix marks demo principal ids. Such principals skip the
// membership lookup but still go through the role table.
const EphemeralPrefix = "demo:"

// IsEphemeralID reports whether id belongs to a demo principal.
func IsEphemeralID(id string) bool {
	return strings.HasPrefix(id, EphemeralPrefix)
}

// StationType is the kind of shared terminal a station token is issued to.
type StationType string

const (
	StationKitchen StationType = "kitchen"
	StationExpo    StationType = "expo"
)

// Valid reports whether t is a known station type.
func (t StationType) Valid() bool {
	return t == StationKitchen || t == StationExpo
}

// Role returns the role a station of this type acts with.
func (t StationType) Role() Role {
	if t == StationExpo {
		return RoleExpo
	}
	return RoleKitchen
}

// Principal is the normalised caller derived from a verified token.
// It is built once per request and never persisted.
type Principal struct {
	ID           string      `json:"id"`
	Kind         Kind        `json:"kind"`
	Role         Role        `json:"role"`
	RestaurantID string      `json:"restaurant_id,omitempty"`
	Scopes       []Scope     `json:"scopes"`
	Email        string      `json:"email,omitempty"`
	StationType  StationType `json:"station_type,omitempty"`
	StationName  string      `json:"station_name,omitempty"`
	// TokenID is the jti of an access token, or the station token id.
	TokenID   string    `json:"-"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

// Anonymous returns the principal used by optional authentication when no
// valid token is present.
func Anonymous() *Principal {
	return &Principal{Kind: KindAnonymous, Scopes: []Scope{}}
}

// IsAnonymous reports whether p carries no identity.
func (p *Principal) IsAnonymous() bool {
	return p == nil || p.Kind == KindAnonymous
}

// IsEphemeral reports whether p is a demo principal.
func (p *Principal) IsEphemeral() bool {
	return p != nil && (p.Kind == KindEphemeral || IsEphemeralID(p.ID))
}

// Credential is a stored PIN credential. One per principal across all tenants.
type Credential struct {
	ID             string     `json:"id"`
	PrincipalID    string     `json:"principal_id"`
	RestaurantID   string     `json:"restaurant_id"`
	Role           Role       `json:"role"`
	PINHash        string     `json:"-"`
	Salt           string     `json:"-"`
	PepperVersion  int        `json:"pepper_version"`
	FailedAttempts int        `json:"failed_attempts"`
	LockedUntil    *time.Time `json:"locked_until,omitempty"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// LockedAt reports whether the credential is locked at the given instant.
func (c *Credential) LockedAt(now time.Time) bool {
	return c.LockedUntil != nil && now.Before(*c.LockedUntil)
}

// StationToken is the server-side record of an issued station token.
type StationToken struct {
	TokenID           string      `json:"token_id"`
	TokenHash         string      `json:"-"`
	StationType       StationType `json:"station_type"`
	StationName       string      `json:"station_name"`
	RestaurantID      string      `json:"restaurant_id"`
	DeviceFingerprint string      `json:"-"`
	IssuedAt          time.Time   `json:"issued_at"`
	ExpiresAt         time.Time   `json:"expires_at"`
	LastActivityAt    *time.Time  `json:"last_activity_at,omitempty"`
	Revoked           bool        `json:"revoked"`
	RevokedAt         *time.Time  `json:"revoked_at,omitempty"`
	RevokedBy         string      `json:"revoked_by,omitempty"`
	CreatedBy         string      `json:"created_by"`
}

// Membership grants a user a role inside one restaurant.
type Membership struct {
	UserID       string    `json:"user_id"`
	RestaurantID string    `json:"restaurant_id"`
	Role         Role      `json:"role"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RequestContext is the network profile of an inbound request, used for
// device binding.
type RequestContext struct {
	ClientIP  string
	UserAgent string
}
