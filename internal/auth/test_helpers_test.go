package auth

import (
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tableside/auth-core/internal/infrastructure/config"
	"github.com/tableside/auth-core/internal/infrastructure/database"
	"github.com/tableside/auth-core/migrations"
)

// testDB creates a temporary SQLite database with every migration applied.
// The database file is cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "auth-test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(t.Context(), migrations.FS); err != nil {
		t.Fatalf("applying migrations: %v", err)
	}
	return db.DB
}

// fakeClock is a settable clock shared by the components under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var testSecrets = Secrets{
	Password: "password-secret-0123456789abcdef0123456789",
	PIN:      "pin-secret-0123456789abcdef0123456789abcdef",
	Station:  "station-secret-0123456789abcdef0123456789ab",
	Demo:     "demo-secret-0123456789abcdef0123456789abcde",
}

func testHasher(t *testing.T) *PINHasher {
	t.Helper()
	h, err := NewPINHasher(map[int]string{1: "pepper-one-for-tests"}, 1)
	if err != nil {
		t.Fatalf("NewPINHasher() error = %v", err)
	}
	return h
}

func testVerifier(t *testing.T, db *sql.DB, clock *fakeClock) *CredentialVerifier {
	t.Helper()
	return NewCredentialVerifier(NewCredentialRepository(db), testHasher(t),
		NewScopeResolver(DefaultRoleScopes()), WithClock(clock.Now))
}

func testBinding(t *testing.T) *DeviceBinding {
	t.Helper()
	b, err := NewDeviceBinding("fingerprint-salt-for-tests")
	if err != nil {
		t.Fatalf("NewDeviceBinding() error = %v", err)
	}
	return b
}

func testValidator(t *testing.T, db *sql.DB, clock *fakeClock) *Validator {
	t.Helper()
	return NewValidator(ValidatorDeps{
		Secrets:     testSecrets,
		Stations:    NewStationRepository(db),
		Revocations: NewRevocationList(db),
		Binding:     testBinding(t),
		Scopes:      NewScopeResolver(DefaultRoleScopes()),
		Now:         clock.Now,
	})
}

// setPin registers pin for principalID and fails the test on error.
func setPin(t *testing.T, v *CredentialVerifier, principalID, restaurantID string, role Role, pin string) *Credential {
	t.Helper()
	c, err := v.SetPin(t.Context(), principalID, restaurantID, role, pin)
	if err != nil {
		t.Fatalf("SetPin(%s) error = %v", principalID, err)
	}
	return c
}

func failedAttempts(t *testing.T, db *sql.DB, principalID string) int {
	t.Helper()
	c, err := NewCredentialRepository(db).GetByPrincipal(t.Context(), principalID)
	if err != nil {
		t.Fatalf("GetByPrincipal(%s) error = %v", principalID, err)
	}
	return c.FailedAttempts
}
