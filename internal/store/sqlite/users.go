package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"convene/internal/models"
	"convene/internal/store"
)

const userColumns = `id, email, display_name, created_at`

func scanUser(scanner interface{ Scan(dest ...any) error }) (*models.User, error) {
	var (
		u         models.User
		createdAt string
	)
	if err := scanner.Scan(&u.ID, &u.Email, &u.DisplayName, &createdAt); err != nil {
		return nil, err
	}
	var err error
	u.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user. Emails are unique case-insensitively.
// Returns store.ErrAlreadyExists on a duplicate id or email.
func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, email_lower, display_name, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, strings.ToLower(strings.TrimSpace(u.Email)), u.DisplayName, formatTime(u.CreatedAt))
	return mapWriteError(err)
}

// GetUser returns store.ErrNotFound if the user does not exist.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return u, err
}

// GetUserByEmail matches case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email_lower = ?`,
		strings.ToLower(strings.TrimSpace(email)))
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return u, err
}
