package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"convene/internal/models"
	"convene/internal/store"
)

// GetConnection returns the user's calendar connection or store.ErrNotFound.
func (s *Store) GetConnection(ctx context.Context, userID string) (*models.CalendarConnection, error) {
	var (
		c         models.CalendarConnection
		scopes    string
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, provider, email, username, secret, refresh_token, scopes, updated_at
		FROM calendar_connections WHERE user_id = ?`, userID).
		Scan(&c.UserID, &c.Provider, &c.Email, &c.Username, &c.Secret, &c.RefreshToken, &scopes, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.Scopes = strings.Fields(scopes)
	c.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveConnection inserts or replaces the user's calendar connection.
func (s *Store) SaveConnection(ctx context.Context, c *models.CalendarConnection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_connections (user_id, provider, email, username, secret, refresh_token, scopes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			provider = excluded.provider,
			email = excluded.email,
			username = excluded.username,
			secret = excluded.secret,
			refresh_token = excluded.refresh_token,
			scopes = excluded.scopes,
			updated_at = excluded.updated_at`,
		c.UserID, c.Provider, c.Email, c.Username, c.Secret, c.RefreshToken,
		strings.Join(c.Scopes, " "), formatTime(c.UpdatedAt))
	return mapWriteError(err)
}
