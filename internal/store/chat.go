package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// Chat is a participant-scoped conversation; messages carry per-recipient
// unread counters maintained atomically with insertion (spec §4.A).
type Chat struct {
	ID           string
	Participants []string
	CreatedAt    time.Time
}

type Message struct {
	ID        int64
	ChatID    string
	FromUID   string
	Text      string
	Metadata  json.RawMessage
	CreatedAt time.Time
}

// InsertChat creates a chat and its participant rows.
func (s *Store) InsertChat(ctx context.Context, id string, participants []string) (Chat, error) {
	err := s.withTx(ctx, "InsertChat", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chats (id) VALUES (?);`, id); err != nil {
			return newErr("InsertChat", KindConflict, err)
		}
		for _, uid := range participants {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO chat_participants (chat_id, uid) VALUES (?, ?);`, id, uid); err != nil {
				return newErr("InsertChat", KindIntegrity, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO unread (chat_id, uid, count) VALUES (?, ?, 0);`, id, uid); err != nil {
				return newErr("InsertChat", KindFatal, err)
			}
		}
		return nil
	})
	if err != nil {
		return Chat{}, err
	}
	return s.GetChat(ctx, id)
}

// GetChat fetches a chat and its participants.
func (s *Store) GetChat(ctx context.Context, id string) (Chat, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, created_at FROM chats WHERE id = ?;`, id)
	var c Chat
	if err := row.Scan(&c.ID, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Chat{}, newErr("GetChat", KindNotFound, err)
		}
		return Chat{}, newErr("GetChat", KindFatal, err)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT uid FROM chat_participants WHERE chat_id = ?;`, id)
	if err != nil {
		return Chat{}, newErr("GetChat", KindFatal, err)
	}
	defer rows.Close()
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return Chat{}, newErr("GetChat", KindFatal, err)
		}
		c.Participants = append(c.Participants, uid)
	}
	return c, rows.Err()
}

// GetChatsByUser lists chats a uid participates in.
func (s *Store) GetChatsByUser(ctx context.Context, uid string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.created_at FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id
		WHERE p.uid = ? ORDER BY c.created_at DESC;`, uid)
	if err != nil {
		return nil, newErr("GetChatsByUser", KindFatal, err)
	}
	defer rows.Close()
	var ids []string
	var out []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.CreatedAt); err != nil {
			return nil, newErr("GetChatsByUser", KindFatal, err)
		}
		out = append(out, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, newErr("GetChatsByUser", KindFatal, err)
	}
	for i := range out {
		full, err := s.GetChat(ctx, ids[i])
		if err != nil {
			return nil, err
		}
		out[i].Participants = full.Participants
	}
	return out, nil
}

// AppendMessage inserts a message atomically under (chatId, timestamp) and
// increments every other participant's unread counter in the same transaction.
func (s *Store) AppendMessage(ctx context.Context, chatID, fromUID, text string, metadata json.RawMessage) (Message, error) {
	var msgID int64
	err := s.withTx(ctx, "AppendMessage", func(tx *sql.Tx) error {
		if metadata == nil {
			metadata = json.RawMessage("{}")
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (chat_id, from_uid, text, metadata) VALUES (?, ?, ?, ?);`,
			chatID, fromUID, text, string(metadata))
		if err != nil {
			return newErr("AppendMessage", KindConflict, err)
		}
		msgID, _ = res.LastInsertId()
		if _, err := tx.ExecContext(ctx, `
			UPDATE unread SET count = count + 1
			WHERE chat_id = ? AND uid != ?;`, chatID, fromUID); err != nil {
			return newErr("AppendMessage", KindFatal, err)
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return s.GetMessage(ctx, msgID)
}

// GetMessage fetches a single message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, from_uid, text, metadata, created_at FROM messages WHERE id = ?;`, id)
	var m Message
	var metadata string
	if err := row.Scan(&m.ID, &m.ChatID, &m.FromUID, &m.Text, &metadata, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, newErr("GetMessage", KindNotFound, err)
		}
		return Message{}, newErr("GetMessage", KindFatal, err)
	}
	m.Metadata = json.RawMessage(metadata)
	return m, nil
}

// ListMessages returns a chat's messages ordered oldest first.
func (s *Store) ListMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, from_uid, text, metadata, created_at
		FROM messages WHERE chat_id = ? ORDER BY created_at ASC, id ASC LIMIT ?;`, chatID, limit)
	if err != nil {
		return nil, newErr("ListMessages", KindFatal, err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		var metadata string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.FromUID, &m.Text, &metadata, &m.CreatedAt); err != nil {
			return nil, newErr("ListMessages", KindFatal, err)
		}
		m.Metadata = json.RawMessage(metadata)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UnreadCount returns uid's unread count for a chat.
func (s *Store) UnreadCount(ctx context.Context, chatID, uid string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM unread WHERE chat_id = ? AND uid = ?;`, chatID, uid).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, newErr("UnreadCount", KindFatal, err)
	}
	return count, nil
}

// ClearUnread zeroes uid's unread counter for a chat.
func (s *Store) ClearUnread(ctx context.Context, chatID, uid string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE unread SET count = 0 WHERE chat_id = ? AND uid = ?;`, chatID, uid)
	if err != nil {
		return newErr("ClearUnread", KindFatal, err)
	}
	return nil
}
