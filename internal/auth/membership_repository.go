package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tableside/auth-core/internal/infrastructure/database"
)

// MembershipRepository stores which users belong to which restaurant, and
// with what role.
type MembershipRepository interface {
	Get(ctx context.Context, userID, restaurantID string) (*Membership, error)
	Upsert(ctx context.Context, m *Membership) error
	ListForUser(ctx context.Context, userID string) ([]Membership, error)
	ListForRestaurant(ctx context.Context, restaurantID string) ([]Membership, error)
	Deactivate(ctx context.Context, userID, restaurantID string) error
}

// SQLiteMembershipRepository implements MembershipRepository using SQLite.
type SQLiteMembershipRepository struct {
	db *sql.DB
}

// NewMembershipRepository creates a new SQLite-backed membership repository.
func NewMembershipRepository(db *sql.DB) *SQLiteMembershipRepository {
	return &SQLiteMembershipRepository{db: db}
}

const membershipColumns = "user_id, restaurant_id, role, is_active, created_at, updated_at"

// Get returns the membership of userID in restaurantID, active or not.
func (r *SQLiteMembershipRepository) Get(ctx context.Context, userID, restaurantID string) (*Membership, error) {
	m, err := scanMembership(r.db.QueryRowContext(ctx,
		`SELECT `+membershipColumns+` FROM restaurant_members WHERE user_id = ? AND restaurant_id = ?`,
		userID, restaurantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting membership: %w", err)
	}
	return m, nil
}

// Upsert grants or updates a membership. Only tenant roles are accepted.
func (r *SQLiteMembershipRepository) Upsert(ctx context.Context, m *Membership) error {
	if !IsTenantRole(m.Role) {
		return fmt.Errorf("%w: %q is not a restaurant role", ErrMalformedCredential, m.Role)
	}
	now := time.Now().UTC()
	ts := database.FormatTime(now)

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO restaurant_members (user_id, restaurant_id, role, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, restaurant_id) DO UPDATE SET
			role = excluded.role,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		m.UserID, m.RestaurantID, string(m.Role), database.BoolToInt(m.IsActive), ts, ts)
	if err != nil {
		return fmt.Errorf("upserting membership: %w", err)
	}
	m.UpdatedAt = now
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	return nil
}

// ListForUser returns every restaurant userID belongs to.
func (r *SQLiteMembershipRepository) ListForUser(ctx context.Context, userID string) ([]Membership, error) {
	return r.list(ctx,
		`SELECT `+membershipColumns+` FROM restaurant_members WHERE user_id = ? ORDER BY restaurant_id`, userID)
}

// ListForRestaurant returns every member of restaurantID.
func (r *SQLiteMembershipRepository) ListForRestaurant(ctx context.Context, restaurantID string) ([]Membership, error) {
	return r.list(ctx,
		`SELECT `+membershipColumns+` FROM restaurant_members WHERE restaurant_id = ? ORDER BY user_id`, restaurantID)
}

// Deactivate suspends a membership without deleting it.
func (r *SQLiteMembershipRepository) Deactivate(ctx context.Context, userID, restaurantID string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE restaurant_members SET is_active = 0, updated_at = ?
		 WHERE user_id = ? AND restaurant_id = ?`,
		database.FormatTime(time.Now()), userID, restaurantID)
	if err != nil {
		return fmt.Errorf("deactivating membership: %w", err)
	}
	rows, _ := result.RowsAffected() //nolint:errcheck // always succeeds on SQLite
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLiteMembershipRepository) list(ctx context.Context, query string, arg string) ([]Membership, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("listing memberships: %w", err)
	}
	defer rows.Close()

	members := []Membership{}
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning membership: %w", err)
		}
		members = append(members, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating memberships: %w", err)
	}
	return members, nil
}

func scanMembership(row rowScanner) (*Membership, error) {
	var m Membership
	var role, createdAt, updatedAt string
	var isActive int
	if err := row.Scan(&m.UserID, &m.RestaurantID, &role, &isActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.Role = Role(role)
	m.IsActive = isActive != 0
	m.CreatedAt = database.ParseTime(createdAt)
	m.UpdatedAt = database.ParseTime(updatedAt)
	return &m, nil
}
