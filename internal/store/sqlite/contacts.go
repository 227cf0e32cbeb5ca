package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"convene/internal/models"
	"convene/internal/store"
)

const contactColumns = `id, owner_id, email, contact_user_id, owner_status, contact_status, created_at, updated_at`

func scanContact(scanner interface{ Scan(dest ...any) error }) (*models.Contact, error) {
	var (
		c             models.Contact
		contactUserID sql.NullString
		ownerStatus   string
		contactStatus string
		createdAt     string
		updatedAt     string
	)
	err := scanner.Scan(&c.ID, &c.OwnerID, &c.Email, &contactUserID, &ownerStatus, &contactStatus, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	c.ContactUserID = contactUserID.String
	c.OwnerStatus = models.ContactStatus(ownerStatus)
	c.ContactStatus = models.ContactStatus(contactStatus)
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateContact inserts a relationship. An owner may invite each email once.
func (s *Store) CreateContact(ctx context.Context, c *models.Contact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (`+contactColumns+`, email_lower)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OwnerID, c.Email, nullString(c.ContactUserID),
		string(c.OwnerStatus), string(c.ContactStatus),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
		strings.ToLower(strings.TrimSpace(c.Email)))
	return mapWriteError(err)
}

func (s *Store) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return c, err
}

// UpdateContact writes the resolved identity and both statuses.
func (s *Store) UpdateContact(ctx context.Context, c *models.Contact) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE contacts
		SET contact_user_id = ?, owner_status = ?, contact_status = ?, updated_at = ?
		WHERE id = ?`,
		nullString(c.ContactUserID), string(c.OwnerStatus), string(c.ContactStatus), formatTime(c.UpdatedAt), c.ID)
	if err != nil {
		return mapWriteError(err)
	}
	return requireOneRow(res)
}

func (s *Store) DeleteContact(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// ListContactsForUser returns contacts where userID is the owner or the
// resolved invitee, oldest first.
func (s *Store) ListContactsForUser(ctx context.Context, userID string) ([]*models.Contact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE owner_id = ? OR contact_user_id = ?
		ORDER BY created_at, id`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
