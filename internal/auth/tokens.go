package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Method is the authentication method a token was issued for. Each method
// signs with its own secret.
type Method string

const (
	MethodPassword Method = "password"
	MethodPIN      Method = "pin"
	MethodStation  Method = "station"
	MethodDemo     Method = "demo"
)

// Default token lifetimes.
const (
	DefaultPINTTL     = 12 * time.Hour
	DefaultStationTTL = 4 * time.Hour
	DefaultDemoTTL    = time.Hour
	DefaultAccessTTL  = time.Hour
)

const stationTokenType = "station"

// Claims is the JWT body shared by every method. Remote identity providers
// put role and tenant under app_metadata; Role and Restaurant read either.
type Claims struct {
	jwt.RegisteredClaims
	Role              Role         `json:"role,omitempty"`
	RestaurantID      string       `json:"restaurantId,omitempty"`
	AuthMethod        Method       `json:"authMethod,omitempty"`
	Type              string       `json:"type,omitempty"`
	StationType       StationType  `json:"stationType,omitempty"`
	StationName       string       `json:"stationName,omitempty"`
	DeviceFingerprint string       `json:"deviceFingerprint,omitempty"`
	Email             string       `json:"email,omitempty"`
	AppMetadata       *AppMetadata `json:"app_metadata,omitempty"`
}

// AppMetadata is the provider-managed metadata block of a remote token.
type AppMetadata struct {
	Role         Role   `json:"role,omitempty"`
	RestaurantID string `json:"restaurant_id,omitempty"`
}

// Method reports which method the claims were issued for.
func (c *Claims) Method() Method {
	if c.Type == stationTokenType {
		return MethodStation
	}
	switch c.AuthMethod {
	case MethodPIN, MethodDemo, MethodStation:
		return c.AuthMethod
	default:
		return MethodPassword
	}
}

// EffectiveRole is the top-level role, falling back to app_metadata.
func (c *Claims) EffectiveRole() Role {
	if c.Role != "" {
		return c.Role
	}
	if c.AppMetadata != nil {
		return c.AppMetadata.Role
	}
	return ""
}

// Restaurant is the tenant claim, falling back to app_metadata.
func (c *Claims) Restaurant() string {
	if c.RestaurantID != "" {
		return c.RestaurantID
	}
	if c.AppMetadata != nil {
		return c.AppMetadata.RestaurantID
	}
	return ""
}

// Secrets holds one HMAC key per method.
type Secrets struct {
	Password string
	PIN      string
	Station  string
	Demo     string
}

func (s Secrets) key(m Method) ([]byte, error) {
	var k string
	switch m {
	case MethodPassword:
		k = s.Password
	case MethodPIN:
		k = s.PIN
	case MethodStation:
		k = s.Station
	case MethodDemo:
		k = s.Demo
	}
	if k == "" {
		return nil, fmt.Errorf("no signing secret for method %q", m)
	}
	return []byte(k), nil
}

// TTLs are the lifetimes of issued tokens. Zero values take the defaults.
type TTLs struct {
	PIN      time.Duration
	Station  time.Duration
	Demo     time.Duration
	Password time.Duration
}

func (t TTLs) withDefaults() TTLs {
	if t.PIN <= 0 {
		t.PIN = DefaultPINTTL
	}
	if t.Station <= 0 {
		t.Station = DefaultStationTTL
	}
	if t.Demo <= 0 {
		t.Demo = DefaultDemoTTL
	}
	if t.Password <= 0 {
		t.Password = DefaultAccessTTL
	}
	return t
}

// IssuedToken is a signed token and its bookkeeping.
type IssuedToken struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"-"`
	IssuedAt  time.Time `json:"-"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issuer signs bearer tokens.
type Issuer struct {
	name    string
	secrets Secrets
	ttl     TTLs
	now     func() time.Time
}

// NewIssuer creates an issuer. now may be nil.
func NewIssuer(name string, secrets Secrets, ttl TTLs, now func() time.Time) *Issuer {
	if now == nil {
		now = time.Now
	}
	return &Issuer{name: name, secrets: secrets, ttl: ttl.withDefaults(), now: now}
}

// TTL returns the lifetime of tokens issued for m.
func (i *Issuer) TTL(m Method) time.Duration {
	switch m {
	case MethodPIN:
		return i.ttl.PIN
	case MethodStation:
		return i.ttl.Station
	case MethodDemo:
		return i.ttl.Demo
	default:
		return i.ttl.Password
	}
}

// IssuePIN signs a token for a verified PIN principal.
func (i *Issuer) IssuePIN(p *Principal) (*IssuedToken, error) {
	if p.RestaurantID == "" {
		return nil, ErrTenantMissing
	}
	return i.sign(MethodPIN, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: p.ID},
		Role:             p.Role,
		RestaurantID:     p.RestaurantID,
		AuthMethod:       MethodPIN,
	}, "")
}

// IssueStation signs a token for a kitchen or expo station bound to
// fingerprint. The returned TokenID is both the subject and the jti.
func (i *Issuer) IssueStation(restaurantID string, stationType StationType, stationName, fingerprint string) (*IssuedToken, error) {
	if restaurantID == "" {
		return nil, ErrTenantMissing
	}
	if !stationType.Valid() {
		return nil, fmt.Errorf("%w: unknown station type %q", ErrMalformedCredential, stationType)
	}
	tokenID := uuid.NewString()
	return i.sign(MethodStation, Claims{
		RegisteredClaims:  jwt.RegisteredClaims{Subject: tokenID},
		Role:              stationType.Role(),
		RestaurantID:      restaurantID,
		AuthMethod:        MethodStation,
		Type:              stationTokenType,
		StationType:       stationType,
		StationName:       stationName,
		DeviceFingerprint: fingerprint,
	}, tokenID)
}

// IssuePassword signs an access token for a password account. restaurantID
// may be empty for platform admins.
func (i *Issuer) IssuePassword(userID, email string, platformRole Role, restaurantID string) (*IssuedToken, error) {
	return i.sign(MethodPassword, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
		Role:             platformRole,
		RestaurantID:     restaurantID,
		AuthMethod:       MethodPassword,
		Email:            email,
	}, "")
}

// IssueDemo signs a short-lived token for an ephemeral principal.
func (i *Issuer) IssueDemo(restaurantID string, role Role) (*IssuedToken, error) {
	if restaurantID == "" {
		return nil, ErrTenantMissing
	}
	if !IsTenantRole(role) {
		return nil, fmt.Errorf("%w: %q is not a restaurant role", ErrMalformedCredential, role)
	}
	return i.sign(MethodDemo, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: EphemeralPrefix + uuid.NewString()},
		Role:             role,
		RestaurantID:     restaurantID,
		AuthMethod:       MethodDemo,
	}, "")
}

func (i *Issuer) sign(m Method, claims Claims, tokenID string) (*IssuedToken, error) {
	key, err := i.secrets.key(m)
	if err != nil {
		return nil, err
	}
	if tokenID == "" {
		tokenID = uuid.NewString()
	}

	now := i.now().UTC().Truncate(time.Second)
	exp := now.Add(i.TTL(m))
	claims.Issuer = i.name
	claims.ID = tokenID
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.NotBefore = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(exp)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return nil, fmt.Errorf("signing %s token: %w", m, err)
	}
	return &IssuedToken{Token: signed, TokenID: tokenID, IssuedAt: now, ExpiresAt: exp}, nil
}

// HashToken returns the hex SHA-256 of raw. Only hashes are ever stored.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// classifyJWTError maps jwt parse errors onto the auth taxonomy.
func classifyJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return fmt.Errorf("%w: %w", ErrExpired, err)
	}
	return fmt.Errorf("%w: %w", ErrInvalidCredential, err)
}
