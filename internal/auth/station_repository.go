package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tableside/auth-core/internal/infrastructure/database"
)

// StationRepository persists issued station tokens.
type StationRepository interface {
	Create(ctx context.Context, st *StationToken) error
	GetByID(ctx context.Context, tokenID string) (*StationToken, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*StationToken, error)
	ListForRestaurant(ctx context.Context, restaurantID string, includeRevoked bool) ([]StationToken, error)
	TouchActivity(ctx context.Context, tokenID string, at time.Time) error
	Revoke(ctx context.Context, restaurantID, tokenID, revokedBy string, at time.Time) error
	RevokeAllForRestaurant(ctx context.Context, restaurantID, revokedBy string, at time.Time) ([]string, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteStationRepository implements StationRepository using SQLite.
type SQLiteStationRepository struct {
	db *sql.DB
}

// NewStationRepository creates a new SQLite-backed station token repository.
func NewStationRepository(db *sql.DB) *SQLiteStationRepository {
	return &SQLiteStationRepository{db: db}
}

const stationColumns = `token_id, token_hash, station_type, station_name, restaurant_id, device_fingerprint,
	issued_at, expires_at, last_activity_at, revoked, revoked_at, revoked_by, created_by`

// Create stores a newly issued station token.
func (r *SQLiteStationRepository) Create(ctx context.Context, st *StationToken) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO station_tokens (token_id, token_hash, station_type, station_name, restaurant_id,
			device_fingerprint, issued_at, expires_at, revoked, created_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		st.TokenID, st.TokenHash, string(st.StationType), st.StationName, st.RestaurantID,
		st.DeviceFingerprint, database.FormatTime(st.IssuedAt), database.FormatTime(st.ExpiresAt), st.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("creating station token: %w", err)
	}
	return nil
}

// GetByID retrieves a station token by its id.
func (r *SQLiteStationRepository) GetByID(ctx context.Context, tokenID string) (*StationToken, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+stationColumns+` FROM station_tokens WHERE token_id = ?`, tokenID))
}

// GetByTokenHash retrieves a station token by the hash of the raw token
// (used during authentication).
func (r *SQLiteStationRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*StationToken, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT `+stationColumns+` FROM station_tokens WHERE token_hash = ?`, tokenHash))
}

// ListForRestaurant returns a restaurant's station tokens, newest first.
func (r *SQLiteStationRepository) ListForRestaurant(ctx context.Context, restaurantID string, includeRevoked bool) ([]StationToken, error) {
	query := `SELECT ` + stationColumns + ` FROM station_tokens WHERE restaurant_id = ?`
	if !includeRevoked {
		query += ` AND revoked = 0`
	}
	query += ` ORDER BY issued_at DESC`

	rows, err := r.db.QueryContext(ctx, query, restaurantID)
	if err != nil {
		return nil, fmt.Errorf("listing station tokens: %w", err)
	}
	defer rows.Close()

	tokens := []StationToken{}
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning station token: %w", err)
		}
		tokens = append(tokens, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating station tokens: %w", err)
	}
	return tokens, nil
}

// TouchActivity records a validated use.
func (r *SQLiteStationRepository) TouchActivity(ctx context.Context, tokenID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE station_tokens SET last_activity_at = ? WHERE token_id = ?",
		database.FormatTime(at), tokenID)
	if err != nil {
		return fmt.Errorf("updating station activity: %w", err)
	}
	return nil
}

// Revoke marks one station token of restaurantID as revoked. Revocation is
// terminal; revoking an already revoked token is a no-op.
func (r *SQLiteStationRepository) Revoke(ctx context.Context, restaurantID, tokenID, revokedBy string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE station_tokens
		 SET revoked = 1,
		     revoked_at = COALESCE(revoked_at, ?),
		     revoked_by = COALESCE(revoked_by, ?)
		 WHERE token_id = ? AND restaurant_id = ?`,
		database.FormatTime(at), revokedBy, tokenID, restaurantID)
	if err != nil {
		return fmt.Errorf("revoking station token: %w", err)
	}

	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RevokeAllForRestaurant revokes every live station token of restaurantID and
// returns the ids it revoked. Other restaurants are untouched.
func (r *SQLiteStationRepository) RevokeAllForRestaurant(ctx context.Context, restaurantID, revokedBy string, at time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE station_tokens
		 SET revoked = 1, revoked_at = ?, revoked_by = ?
		 WHERE restaurant_id = ? AND revoked = 0
		 RETURNING token_id`,
		database.FormatTime(at), revokedBy, restaurantID)
	if err != nil {
		return nil, fmt.Errorf("revoking station tokens: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning revoked token id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating revoked token ids: %w", err)
	}
	return ids, nil
}

// DeleteExpired removes tokens that expired before the given time.
func (r *SQLiteStationRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM station_tokens WHERE expires_at < ?", database.FormatTime(before))
	if err != nil {
		return 0, fmt.Errorf("deleting expired station tokens: %w", err)
	}
	n, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	return n, nil
}

func (r *SQLiteStationRepository) scanOne(row *sql.Row) (*StationToken, error) {
	st, err := scanStation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning station token: %w", err)
	}
	return st, nil
}

func scanStation(row rowScanner) (*StationToken, error) {
	var st StationToken
	var stationType, issuedAt, expiresAt string
	var lastActivity, revokedAt, revokedBy sql.NullString
	var revoked int

	if err := row.Scan(&st.TokenID, &st.TokenHash, &stationType, &st.StationName, &st.RestaurantID,
		&st.DeviceFingerprint, &issuedAt, &expiresAt, &lastActivity, &revoked, &revokedAt, &revokedBy,
		&st.CreatedBy); err != nil {
		return nil, err
	}

	st.StationType = StationType(stationType)
	st.IssuedAt = database.ParseTime(issuedAt)
	st.ExpiresAt = database.ParseTime(expiresAt)
	st.LastActivityAt = database.TimePtr(lastActivity)
	st.Revoked = revoked != 0
	st.RevokedAt = database.TimePtr(revokedAt)
	st.RevokedBy = revokedBy.String
	return &st, nil
}
