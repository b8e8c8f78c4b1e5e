package auth

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tableside/auth-core/internal/infrastructure/database"
)

// RevocationList is the server-side deny list for stateless access tokens.
// Entries are keyed by the hash of the token's jti and kept until the token
// would have expired anyway.
type RevocationList interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time, revokedBy, reason string) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteRevocationList implements RevocationList using SQLite.
type SQLiteRevocationList struct {
	db *sql.DB
}

// NewRevocationList creates a new SQLite-backed revocation list.
func NewRevocationList(db *sql.DB) *SQLiteRevocationList {
	return &SQLiteRevocationList{db: db}
}

// Revoke adds tokenID to the list. Revoking twice keeps the first entry.
func (l *SQLiteRevocationList) Revoke(ctx context.Context, tokenID string, expiresAt time.Time, revokedBy, reason string) error {
	if tokenID == "" {
		return fmt.Errorf("%w: token has no id", ErrMalformedCredential)
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO revoked_tokens (token_hash, expires_at, revoked_at, revoked_by, reason)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(token_hash) DO NOTHING`,
		HashToken(tokenID), database.FormatTime(expiresAt), database.FormatTime(time.Now()), revokedBy, reason)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return nil
}

// IsRevoked reports whether tokenID is on the list.
func (l *SQLiteRevocationList) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}
	var n int
	err := l.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM revoked_tokens WHERE token_hash = ?", HashToken(tokenID)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking revocation: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired drops entries whose token has expired.
func (l *SQLiteRevocationList) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx,
		"DELETE FROM revoked_tokens WHERE expires_at < ?", database.FormatTime(before))
	if err != nil {
		return 0, fmt.Errorf("deleting expired revocations: %w", err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return n, nil
}
