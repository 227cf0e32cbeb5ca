package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"convene/internal/models"
	"convene/internal/store"
)

const eventColumns = `id, owner_id, title, description, location, duration_minutes, status,
	selected_start, selected_end, provider_event_id, created_at, updated_at`

func scanEvent(scanner interface{ Scan(dest ...any) error }) (*models.Event, error) {
	var (
		e               models.Event
		duration        int
		status          string
		selectedStart   sql.NullString
		selectedEnd     sql.NullString
		providerEventID sql.NullString
		createdAt       string
		updatedAt       string
	)
	err := scanner.Scan(&e.ID, &e.OwnerID, &e.Title, &e.Description, &e.Location, &duration, &status,
		&selectedStart, &selectedEnd, &providerEventID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.Duration = models.Minutes(duration)
	e.Status = models.EventStatus(status)
	e.ProviderEventID = providerEventID.String

	if selectedStart.Valid && selectedEnd.Valid {
		var slot models.TimeSlot
		if slot.Start, err = parseTime(selectedStart.String); err != nil {
			return nil, err
		}
		if slot.End, err = parseTime(selectedEnd.String); err != nil {
			return nil, err
		}
		e.Selected = &slot
	}

	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func selectedArgs(e *models.Event) (sql.NullString, sql.NullString) {
	if e.Selected == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return nullString(formatTime(e.Selected.Start)), nullString(formatTime(e.Selected.End))
}

func validateEvent(e *models.Event) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvariant, err)
	}
	return nil
}

// CreateEvent inserts the event and its participants in one transaction.
func (s *Store) CreateEvent(ctx context.Context, e *models.Event, participants []models.EventParticipant) error {
	if err := validateEvent(e); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	start, end := selectedArgs(e)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OwnerID, e.Title, e.Description, e.Location, int(e.Duration), string(e.Status),
		start, end, nullString(e.ProviderEventID), formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		return mapWriteError(err)
	}

	for _, p := range participants {
		if p.EventID != "" && p.EventID != e.ID {
			return fmt.Errorf("%w: participant %s belongs to event %s", store.ErrInvariant, p.ContactID, p.EventID)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO event_participants (event_id, contact_id, user_id, email, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, p.ContactID, nullString(p.UserID), p.Email, string(p.Status),
			formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
		if err != nil {
			return mapWriteError(err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return e, err
}

// UpdateEvent overwrites the mutable event fields. The confirmation
// invariant is checked before writing and enforced again by the schema.
func (s *Store) UpdateEvent(ctx context.Context, e *models.Event) error {
	if err := validateEvent(e); err != nil {
		return err
	}

	start, end := selectedArgs(e)
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET
			title = ?, description = ?, location = ?, duration_minutes = ?, status = ?,
			selected_start = ?, selected_end = ?, provider_event_id = ?, updated_at = ?
		WHERE id = ?`,
		e.Title, e.Description, e.Location, int(e.Duration), string(e.Status),
		start, end, nullString(e.ProviderEventID), formatTime(e.UpdatedAt), e.ID)
	if err != nil {
		return mapWriteError(err)
	}
	return requireOneRow(res)
}

// DeleteEvent removes the event; participants go with it by cascade.
func (s *Store) DeleteEvent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (s *Store) listEvents(ctx context.Context, query string, args ...any) ([]*models.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEventsByOwner returns the owner's events, newest first.
func (s *Store) ListEventsByOwner(ctx context.Context, ownerID string) ([]*models.Event, error) {
	return s.listEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE owner_id = ?
		ORDER BY created_at DESC, id`, ownerID)
}

// ListEventsByParticipant returns events the user is invited to, newest first.
func (s *Store) ListEventsByParticipant(ctx context.Context, userID string) ([]*models.Event, error) {
	return s.listEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE id IN (SELECT event_id FROM event_participants WHERE user_id = ?)
		ORDER BY created_at DESC, id`, userID)
}

// ListParticipants returns the event's participants in invitation order.
func (s *Store) ListParticipants(ctx context.Context, eventID string) ([]models.EventParticipant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, contact_id, user_id, email, status, created_at, updated_at
		FROM event_participants
		WHERE event_id = ?
		ORDER BY created_at, contact_id`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.EventParticipant
	for rows.Next() {
		var (
			p         models.EventParticipant
			userID    sql.NullString
			status    string
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&p.EventID, &p.ContactID, &userID, &p.Email, &status, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.UserID = userID.String
		p.Status = models.ParticipantStatus(status)
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateParticipantStatus records an invitee's response.
func (s *Store) UpdateParticipantStatus(ctx context.Context, eventID, contactID string, status models.ParticipantStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown participant status %q", store.ErrInvariant, status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE event_participants SET status = ?, updated_at = ?
		WHERE event_id = ? AND contact_id = ?`,
		string(status), formatTime(s.now()), eventID, contactID)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}
