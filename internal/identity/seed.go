package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/tableside/auth-core/internal/auth"
	"github.com/tableside/auth-core/internal/infrastructure/logging"
)

// seedPasswordBytes is the number of random bytes for the seed admin password.
const seedPasswordBytes = 16

// SeedAdmin creates the initial super_admin account on first boot if no users
// exist. The generated password is written to out, never to the log, and must
// be changed. Returns the generated password (empty string if seeding was skipped).
func SeedAdmin(ctx context.Context, users UserRepository, email string, logger *logging.Logger, out io.Writer) (string, error) {
	count, err := users.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("checking user count: %w", err)
	}
	if count > 0 {
		logger.Debug("users exist, skipping admin seed")
		return "", nil
	}

	passwordBytes := make([]byte, seedPasswordBytes)
	if _, err := rand.Read(passwordBytes); err != nil { //nolint:govet // shadow: err re-declared in nested scope
		return "", fmt.Errorf("generating seed password: %w", err)
	}
	password := hex.EncodeToString(passwordBytes)

	hash, err := auth.HashPassword(password)
	if err != nil {
		return "", fmt.Errorf("hashing seed password: %w", err)
	}

	admin := &User{
		Email:        email,
		DisplayName:  "Platform Admin",
		PasswordHash: hash,
		Role:         auth.RoleSuperAdmin,
		IsActive:     true,
	}
	if err := users.Create(ctx, admin); err != nil {
		return "", fmt.Errorf("creating seed admin: %w", err)
	}

	fmt.Fprintf(out, "seed admin %s created with password %s\n", admin.Email, password) //nolint:errcheck // console notice
	logger.Warn("seed admin account created",
		"email", admin.Email,
		"action_required", "change the printed password immediately",
	)
	return password, nil
}
