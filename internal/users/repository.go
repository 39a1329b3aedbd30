package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/charitydesk/charitydesk/internal/rbac"
	"github.com/charitydesk/charitydesk/internal/shared"
)

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const userColumns = `id, email, name, is_active, created_at, updated_at`

// ListUsers returns one page of users ordered by email, plus the total match count.
func (r *Repository) ListUsers(ctx context.Context, search string, limit, offset int) ([]User, int, error) {
	pattern := "%"
	if s := strings.TrimSpace(search); s != "" {
		pattern = "%" + strings.ToLower(s) + "%"
	}
	var total int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE lower(email) LIKE $1 OR lower(name) LIKE $1`, pattern).Scan(&total)
	if err != nil {
		return nil, 0, storeError("count users", err)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+userColumns+` FROM users
WHERE lower(email) LIKE $1 OR lower(name) LIKE $1
ORDER BY email LIMIT $2 OFFSET $3`, pattern, limit, offset)
	if err != nil {
		return nil, 0, storeError("list users", err)
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Email, &user.Name, &user.IsActive, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, 0, storeError("scan user", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, storeError("list users", err)
	}
	return users, total, nil
}

// GetUser loads a single user.
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	var user User
	err := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.Email, &user.Name, &user.IsActive, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, rbac.ErrUserNotFound
	}
	if err != nil {
		return User{}, storeError("get user", err)
	}
	return user, nil
}

func storeError(op string, err error) error {
	return fmt.Errorf("users: %s: %w: %w", op, shared.ErrUnavailable, err)
}
