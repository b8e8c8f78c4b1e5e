package identity

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/tableside/auth-core/internal/auth"
	"github.com/tableside/auth-core/internal/infrastructure/config"
	"github.com/tableside/auth-core/internal/infrastructure/database"
	"github.com/tableside/auth-core/migrations"
)

var testSecrets = auth.Secrets{
	Password: "password-secret-0123456789abcdef0123456789",
	PIN:      "pin-secret-0123456789abcdef0123456789abcdef",
	Station:  "station-secret-0123456789abcdef0123456789ab",
}

func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "identity-test.db"),
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

type localFixture struct {
	db       *sql.DB
	users    *SQLiteUserRepository
	tokens   *SQLiteRefreshTokenRepository
	members  *auth.SQLiteMembershipRepository
	provider *LocalProvider
	now      time.Time
}

func newLocalFixture(t *testing.T) *localFixture {
	t.Helper()
	db := testDB(t)
	f := &localFixture{
		db:      db,
		users:   NewUserRepository(db),
		tokens:  NewRefreshTokenRepository(db),
		members: auth.NewMembershipRepository(db),
		now:     time.Now().UTC().Truncate(time.Second),
	}
	clock := func() time.Time { return f.now }
	f.provider = NewLocalProvider(LocalDeps{
		Users:   f.users,
		Tokens:  f.tokens,
		Members: f.members,
		Issuer:  auth.NewIssuer("tableside-auth", testSecrets, auth.TTLs{}, clock),
		Now:     clock,
	})
	return f
}

// seedUser creates an active user with the given password.
func (f *localFixture) seedUser(t *testing.T, email, password string, role auth.Role) *User {
	t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	u := &User{Email: email, DisplayName: email, PasswordHash: hash, Role: role, IsActive: true}
	if err := f.users.Create(t.Context(), u); err != nil {
		t.Fatalf("creating user %s: %v", email, err)
	}
	return u
}

func (f *localFixture) join(t *testing.T, userID, restaurantID string, role auth.Role) {
	t.Helper()
	if err := f.members.Upsert(t.Context(), &auth.Membership{
		UserID: userID, RestaurantID: restaurantID, Role: role, IsActive: true,
	}); err != nil {
		t.Fatalf("Upsert membership: %v", err)
	}
}
