package store

import (
	"context"
	"time"

	errx "github.com/speed-chat/server/internal/core/error"
)

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Usage     int       `json:"usage"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Organization struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	UserID string `json:"userId,omitempty"`
}

const (
	selectUser = `SELECT id, name, email, usage, created_at, updated_at FROM users WHERE id = $1`
	upsertUser = `INSERT INTO users (id, name, email) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, email = EXCLUDED.email, updated_at = now()`
	deleteUser     = `DELETE FROM users WHERE id = $1`
	incrementUsage = `UPDATE users SET usage = usage + 1, updated_at = now() WHERE id = $1 RETURNING usage`

	insertOrganization = `INSERT INTO organizations (id, name, user_id) VALUES ($1, $2, $3)`
	deleteOrganization = `DELETE FROM organizations WHERE id = $1`
)

// GetUser returns a 404 AppError when the user does not exist.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, selectUser, id).Scan(&u.ID, &u.Name, &u.Email, &u.Usage, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, errx.WrapPostgres(err)
	}
	return &u, nil
}

// UpsertUser creates the user or refreshes its name and email.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	if _, err := s.pool.Exec(ctx, upsertUser, u.ID, u.Name, u.Email); err != nil {
		return errx.WrapPostgres(err)
	}
	return nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, deleteUser, id); err != nil {
		return errx.WrapPostgres(err)
	}
	return nil
}

// IncrementUsage counts one agent request against the user and returns the new total.
func (s *Store) IncrementUsage(ctx context.Context, id string) (int, error) {
	var usage int
	if err := s.pool.QueryRow(ctx, incrementUsage, id).Scan(&usage); err != nil {
		return 0, errx.WrapPostgres(err)
	}
	return usage, nil
}

func (s *Store) CreateOrganization(ctx context.Context, o Organization) error {
	var userID *string
	if o.UserID != "" {
		userID = &o.UserID
	}
	if _, err := s.pool.Exec(ctx, insertOrganization, o.ID, o.Name, userID); err != nil {
		return errx.WrapPostgres(err)
	}
	return nil
}

func (s *Store) DeleteOrganization(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, deleteOrganization, id); err != nil {
		return errx.WrapPostgres(err)
	}
	return nil
}
