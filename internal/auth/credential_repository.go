package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tableside/auth-core/internal/infrastructure/database"
)

// CredentialRepository persists PIN credentials.
type CredentialRepository interface {
	// Upsert creates the principal's credential or rotates it in place.
	// Rotation clears failures and any lock.
	Upsert(ctx context.Context, c *Credential) error
	GetByPrincipal(ctx context.Context, principalID string) (*Credential, error)
	// ListActiveForRestaurant returns active credentials in creation order.
	ListActiveForRestaurant(ctx context.Context, restaurantID string) ([]Credential, error)
	RecordSuccess(ctx context.Context, id string, at time.Time) error
	// RecordFailure atomically increments failed_attempts on every id and
	// locks those that reach threshold.
	RecordFailure(ctx context.Context, ids []string, at time.Time, threshold int, lockUntil time.Time) ([]FailureState, error)
	Deactivate(ctx context.Context, principalID string) error
}

// FailureState is a credential's counters after RecordFailure.
type FailureState struct {
	ID             string
	FailedAttempts int
	LockedUntil    *time.Time
}

// SQLiteCredentialRepository implements CredentialRepository using SQLite.
type SQLiteCredentialRepository struct {
	db *sql.DB
}

// NewCredentialRepository creates a new SQLite-backed credential repository.
func NewCredentialRepository(db *sql.DB) *SQLiteCredentialRepository {
	return &SQLiteCredentialRepository{db: db}
}

const credentialColumns = `id, principal_id, restaurant_id, role, pin_hash, salt, pepper_version,
	failed_attempts, locked_until, last_attempt_at, is_active, created_at, updated_at`

// Upsert inserts or rotates the credential for c.PrincipalID. On rotation the
// original id, and with it the creation order, is kept.
func (r *SQLiteCredentialRepository) Upsert(ctx context.Context, c *Credential) error {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = newCredentialID(now)
	}
	ts := database.FormatTime(now)

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO pin_credentials (id, principal_id, restaurant_id, role, pin_hash, salt, pepper_version,
			failed_attempts, locked_until, last_attempt_at, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, 1, ?, ?)
		ON CONFLICT(principal_id) DO UPDATE SET
			restaurant_id = excluded.restaurant_id,
			role = excluded.role,
			pin_hash = excluded.pin_hash,
			salt = excluded.salt,
			pepper_version = excluded.pepper_version,
			failed_attempts = 0,
			locked_until = NULL,
			is_active = 1,
			updated_at = excluded.updated_at
		RETURNING id, created_at`,
		c.ID, c.PrincipalID, c.RestaurantID, string(c.Role), c.PINHash, c.Salt, c.PepperVersion, ts, ts,
	).Scan(&c.ID, &ts)
	if err != nil {
		return fmt.Errorf("upserting pin credential: %w", err)
	}

	c.CreatedAt = database.ParseTime(ts)
	c.UpdatedAt = now
	c.FailedAttempts = 0
	c.LockedUntil = nil
	c.IsActive = true
	return nil
}

// GetByPrincipal retrieves the credential owned by principalID.
func (r *SQLiteCredentialRepository) GetByPrincipal(ctx context.Context, principalID string) (*Credential, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM pin_credentials WHERE principal_id = ?`, principalID)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting pin credential: %w", err)
	}
	return c, nil
}

// ListActiveForRestaurant returns the restaurant's active credentials, oldest first.
func (r *SQLiteCredentialRepository) ListActiveForRestaurant(ctx context.Context, restaurantID string) ([]Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM pin_credentials
		 WHERE restaurant_id = ? AND is_active = 1
		 ORDER BY id ASC`, restaurantID)
	if err != nil {
		return nil, fmt.Errorf("listing pin credentials: %w", err)
	}
	defer rows.Close()

	var creds []Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pin credential: %w", err)
		}
		creds = append(creds, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pin credentials: %w", err)
	}
	return creds, nil
}

// RecordSuccess resets the failure counter after a matched PIN.
func (r *SQLiteCredentialRepository) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	ts := database.FormatTime(at)
	_, err := r.db.ExecContext(ctx,
		`UPDATE pin_credentials
		 SET failed_attempts = 0, locked_until = NULL, last_attempt_at = ?, updated_at = ?
		 WHERE id = ?`, ts, ts, id)
	if err != nil {
		return fmt.Errorf("recording pin success: %w", err)
	}
	return nil
}

// RecordFailure increments and conditionally locks in a single statement so
// concurrent failures never lose an update.
func (r *SQLiteCredentialRepository) RecordFailure(ctx context.Context, ids []string, at time.Time, threshold int, lockUntil time.Time) ([]FailureState, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	ts := database.FormatTime(at)
	args := make([]any, 0, len(ids)+4) //nolint:mnd // four fixed parameters precede the ids
	args = append(args, ts, threshold, database.FormatTime(lockUntil), ts)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := r.db.QueryContext(ctx, `
		UPDATE pin_credentials SET
			failed_attempts = failed_attempts + 1,
			last_attempt_at = ?,
			locked_until = CASE WHEN failed_attempts + 1 >= ? THEN ? ELSE locked_until END,
			updated_at = ?
		WHERE id IN (`+placeholders+`) AND is_active = 1
		RETURNING id, failed_attempts, locked_until`, args...)
	if err != nil {
		return nil, fmt.Errorf("recording pin failure: %w", err)
	}
	defer rows.Close()

	var states []FailureState
	for rows.Next() {
		var s FailureState
		var locked sql.NullString
		if err := rows.Scan(&s.ID, &s.FailedAttempts, &locked); err != nil {
			return nil, fmt.Errorf("scanning pin failure: %w", err)
		}
		s.LockedUntil = database.TimePtr(locked)
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pin failures: %w", err)
	}
	return states, nil
}

// Deactivate disables the principal's credential without deleting it.
func (r *SQLiteCredentialRepository) Deactivate(ctx context.Context, principalID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE pin_credentials SET is_active = 0, updated_at = ? WHERE principal_id = ?`,
		database.FormatTime(time.Now()), principalID)
	if err != nil {
		return fmt.Errorf("deactivating pin credential: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*Credential, error) {
	var c Credential
	var role string
	var lockedUntil, lastAttempt sql.NullString
	var isActive int
	var createdAt, updatedAt string

	if err := row.Scan(&c.ID, &c.PrincipalID, &c.RestaurantID, &role, &c.PINHash, &c.Salt, &c.PepperVersion,
		&c.FailedAttempts, &lockedUntil, &lastAttempt, &isActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	c.Role = Role(role)
	c.LockedUntil = database.TimePtr(lockedUntil)
	c.LastAttemptAt = database.TimePtr(lastAttempt)
	c.IsActive = isActive != 0
	c.CreatedAt = database.ParseTime(createdAt)
	c.UpdatedAt = database.ParseTime(updatedAt)
	return &c, nil
}
