package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Mail is point-to-point correspondence between agents (spec §3).
type Mail struct {
	ID         int64
	FromHandle string
	ToHandle   string
	Subject    string
	Body       string
	ReadAt     *time.Time
	CreatedAt  time.Time
}

// Handoff additionally carries structured context and an explicit accept step.
type Handoff struct {
	ID         int64
	FromHandle string
	ToHandle   string
	ContextJSON string
	AcceptedAt *time.Time
	CreatedAt  time.Time
}

// SendMail inserts a mail row addressed to toHandle.
func (s *Store) SendMail(ctx context.Context, m Mail) (Mail, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO mailbox (from_handle, to_handle, subject, body)
		VALUES (?, ?, ?, ?);`, m.FromHandle, m.ToHandle, nullableString(m.Subject), m.Body)
	if err != nil {
		return Mail{}, newErr("SendMail", KindConflict, err)
	}
	id, _ := res.LastInsertId()
	return s.GetMail(ctx, id)
}

// MarkMailRead stamps read_at if not already set. Idempotent.
func (s *Store) MarkMailRead(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mailbox SET read_at = CURRENT_TIMESTAMP WHERE id = ? AND read_at IS NULL;`, id)
	if err != nil {
		return newErr("MarkMailRead", KindFatal, err)
	}
	return nil
}

// GetUnread returns unread mail addressed to handle, oldest first.
func (s *Store) GetUnread(ctx context.Context, handle string) ([]Mail, error) {
	rows, err := s.db.QueryContext(ctx, mailSelect+`
		WHERE to_handle = ? AND read_at IS NULL ORDER BY created_at ASC;`, handle)
	if err != nil {
		return nil, newErr("GetUnread", KindFatal, err)
	}
	defer rows.Close()
	var out []Mail
	for rows.Next() {
		m, err := scanMail(rows)
		if err != nil {
			return nil, newErr("GetUnread", KindFatal, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetUnreadCount returns how many unread mails are addressed to handle.
func (s *Store) GetUnreadCount(ctx context.Context, handle string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mailbox WHERE to_handle = ? AND read_at IS NULL;`, handle)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, newErr("GetUnreadCount", KindFatal, err)
	}
	return n, nil
}

// MarkAllRead stamps every unread mail addressed to handle and returns how
// many were marked.
func (s *Store) MarkAllRead(ctx context.Context, handle string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mailbox SET read_at = CURRENT_TIMESTAMP WHERE to_handle = ? AND read_at IS NULL;`, handle)
	if err != nil {
		return 0, newErr("MarkAllRead", KindFatal, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetMail fetches a single mail row by id.
func (s *Store) GetMail(ctx context.Context, id int64) (Mail, error) {
	row := s.db.QueryRowContext(ctx, mailSelect+` WHERE id = ?;`, id)
	m, err := scanMail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Mail{}, newErr("GetMail", KindNotFound, err)
	}
	if err != nil {
		return Mail{}, newErr("GetMail", KindFatal, err)
	}
	return m, nil
}

const mailSelect = `SELECT id, from_handle, to_handle, subject, body, read_at, created_at FROM mailbox`

func scanMail(row rowScanner) (Mail, error) {
	var m Mail
	var subject sql.NullString
	var readAt sql.NullTime
	if err := row.Scan(&m.ID, &m.FromHandle, &m.ToHandle, &subject, &m.Body, &readAt, &m.CreatedAt); err != nil {
		return Mail{}, err
	}
	m.Subject = subject.String
	if readAt.Valid {
		m.ReadAt = &readAt.Time
	}
	return m, nil
}

// CreateHandoff inserts a handoff awaiting acceptance by toHandle.
func (s *Store) CreateHandoff(ctx context.Context, h Handoff) (Handoff, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO handoffs (from_handle, to_handle, context_json) VALUES (?, ?, ?);`,
		h.FromHandle, h.ToHandle, h.ContextJSON)
	if err != nil {
		return Handoff{}, newErr("CreateHandoff", KindConflict, err)
	}
	id, _ := res.LastInsertId()
	return s.GetHandoff(ctx, id)
}

// AcceptHandoff stamps accepted_at. Idempotent; a second accept is a no-op.
func (s *Store) AcceptHandoff(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE handoffs SET accepted_at = CURRENT_TIMESTAMP WHERE id = ? AND accepted_at IS NULL;`, id)
	if err != nil {
		return newErr("AcceptHandoff", KindFatal, err)
	}
	return nil
}

// GetHandoff fetches a handoff by id.
func (s *Store) GetHandoff(ctx context.Context, id int64) (Handoff, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, from_handle, to_handle, context_json, accepted_at, created_at
		FROM handoffs WHERE id = ?;`, id)
	var h Handoff
	var acceptedAt sql.NullTime
	err := row.Scan(&h.ID, &h.FromHandle, &h.ToHandle, &h.ContextJSON, &acceptedAt, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Handoff{}, newErr("GetHandoff", KindNotFound, err)
	}
	if err != nil {
		return Handoff{}, newErr("GetHandoff", KindFatal, err)
	}
	if acceptedAt.Valid {
		h.AcceptedAt = &acceptedAt.Time
	}
	return h, nil
}

// ListHandoffsFor lists pending (unaccepted) handoffs addressed to toHandle.
func (s *Store) ListHandoffsFor(ctx context.Context, toHandle string) ([]Handoff, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_handle, to_handle, context_json, accepted_at, created_at
		FROM handoffs WHERE to_handle = ? AND accepted_at IS NULL ORDER BY created_at ASC;`, toHandle)
	if err != nil {
		return nil, newErr("ListHandoffsFor", KindFatal, err)
	}
	defer rows.Close()
	var out []Handoff
	for rows.Next() {
		var h Handoff
		var acceptedAt sql.NullTime
		if err := rows.Scan(&h.ID, &h.FromHandle, &h.ToHandle, &h.ContextJSON, &acceptedAt, &h.CreatedAt); err != nil {
			return nil, newErr("ListHandoffsFor", KindFatal, err)
		}
		if acceptedAt.Valid {
			h.AcceptedAt = &acceptedAt.Time
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
