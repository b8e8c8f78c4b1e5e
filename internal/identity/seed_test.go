package identity

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tableside/auth-core/internal/auth"
	"github.com/tableside/auth-core/internal/infrastructure/logging"
)

func TestSeedAdmin_CreatesOnEmptyDB(t *testing.T) {
	users := NewUserRepository(testDB(t))
	var out bytes.Buffer

	password, err := SeedAdmin(t.Context(), users, "admin@tableside.local", logging.Discard(), &out)
	if err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	if password == "" {
		t.Fatal("SeedAdmin() should return generated password")
	}
	if !strings.Contains(out.String(), password) {
		t.Error("password was not printed")
	}

	admin, err := users.GetByEmail(t.Context(), "admin@tableside.local")
	if err != nil {
		t.Fatalf("GetByEmail() error = %v", err)
	}
	if admin.Role != auth.RoleSuperAdmin || !admin.IsActive {
		t.Errorf("admin = %+v", admin)
	}
	ok, err := auth.VerifyPassword(password, admin.PasswordHash)
	if err != nil || !ok {
		t.Errorf("generated password does not verify: %v", err)
	}
}

func TestSeedAdmin_SkipsWhenUsersExist(t *testing.T) {
	users := NewUserRepository(testDB(t))
	if err := users.Create(t.Context(), &User{Email: "existing@example.com", PasswordHash: "x", IsActive: true}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	password, err := SeedAdmin(t.Context(), users, "admin@tableside.local", logging.Discard(), &bytes.Buffer{})
	if err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	if password != "" {
		t.Error("SeedAdmin() should return empty password when users exist")
	}
	if n, _ := users.Count(t.Context()); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}
