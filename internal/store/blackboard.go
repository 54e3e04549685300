package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type MessageType string

const (
	MsgRequest   MessageType = "request"
	MsgResponse  MessageType = "response"
	MsgStatus    MessageType = "status"
	MsgDirective MessageType = "directive"
	MsgCheckpoint MessageType = "checkpoint"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorityRank = map[Priority]int{
	PriorityLow: 1, PriorityNormal: 2, PriorityHigh: 3, PriorityCritical: 4,
}

// BlackboardMessage is the durable row behind the swarm pub/sub bus (spec §3,
// §4.D). Live fan-out to socket subscribers is handled by internal/blackboard;
// this type is the persisted record it fans out from.
type BlackboardMessage struct {
	ID           string
	SwarmID      string
	SenderHandle string
	MessageType  MessageType
	Priority     Priority
	PayloadJSON  string
	TargetHandle string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	ArchivedAt   *time.Time
}

// BlackboardFilter narrows a ReadBlackboard call.
type BlackboardFilter struct {
	SwarmID        string
	MessageType    MessageType
	MinPriority    Priority
	UnreadOnly     bool
	ReaderHandle   string
	ReaderJoinedAt time.Time
	Limit          int
}

// PostBlackboard inserts a message. Live fan-out is the caller's job (the
// blackboard bus wraps this and publishes to NATS after a successful insert).
func (s *Store) PostBlackboard(ctx context.Context, m BlackboardMessage) (BlackboardMessage, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blackboard_messages (id, swarm_id, sender_handle, message_type, priority,
			payload_json, target_handle, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		m.ID, m.SwarmID, m.SenderHandle, string(m.MessageType), string(m.Priority),
		m.PayloadJSON, nullableString(m.TargetHandle), nullTime(m.ExpiresAt))
	if err != nil {
		return BlackboardMessage{}, newErr("PostBlackboard", KindConflict, err)
	}
	return s.GetBlackboardMessage(ctx, m.ID)
}

// GetBlackboardMessage fetches a single message by id.
func (s *Store) GetBlackboardMessage(ctx context.Context, id string) (BlackboardMessage, error) {
	row := s.db.QueryRowContext(ctx, blackboardSelect+` WHERE id = ?;`, id)
	m, err := scanBlackboardMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return BlackboardMessage{}, newErr("GetBlackboardMessage", KindNotFound, err)
	}
	if err != nil {
		return BlackboardMessage{}, newErr("GetBlackboardMessage", KindFatal, err)
	}
	return m, nil
}

// ReadBlackboard returns messages from a swarm per filter, createdAt DESC,
// capped at min(filter.Limit, 1000).
func (s *Store) ReadBlackboard(ctx context.Context, f BlackboardFilter) ([]BlackboardMessage, error) {
	if f.UnreadOnly && f.ReaderHandle == "" {
		return nil, newErr("ReadBlackboard", KindConflict, errors.New("unreadOnly requires readerHandle"))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	query := strings.Builder{}
	query.WriteString(blackboardSelect + ` WHERE swarm_id = ? AND archived_at IS NULL`)
	args := []any{f.SwarmID}

	if f.MessageType != "" {
		query.WriteString(` AND message_type = ?`)
		args = append(args, string(f.MessageType))
	}
	if f.MinPriority != "" {
		minRank := priorityRank[f.MinPriority]
		query.WriteString(` AND (CASE priority WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'normal' THEN 2 ELSE 1 END) >= ?`)
		args = append(args, minRank)
	}
	if f.UnreadOnly {
		query.WriteString(` AND id NOT IN (SELECT message_id FROM blackboard_reads WHERE reader_handle = ?)`)
		args = append(args, f.ReaderHandle)
		if !f.ReaderJoinedAt.IsZero() {
			query.WriteString(` AND created_at >= ?`)
			args = append(args, f.ReaderJoinedAt)
		}
	}
	query.WriteString(fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d;`, limit))

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, newErr("ReadBlackboard", KindFatal, err)
	}
	defer rows.Close()
	var out []BlackboardMessage
	for rows.Next() {
		m, err := scanBlackboardMessage(rows)
		if err != nil {
			return nil, newErr("ReadBlackboard", KindFatal, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkBlackboardRead records read markers for (messageID, readerHandle)
// pairs. Idempotent: a re-mark does not change readAt.
func (s *Store) MarkBlackboardRead(ctx context.Context, ids []string, readerHandle string) error {
	return s.withTx(ctx, "MarkBlackboardRead", func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO blackboard_reads (message_id, reader_handle) VALUES (?, ?);`,
				id, readerHandle); err != nil {
				return newErr("MarkBlackboardRead", KindFatal, err)
			}
		}
		return nil
	})
}

// ArchiveBlackboard archives an explicit set of message ids (≤1000).
func (s *Store) ArchiveBlackboard(ctx context.Context, ids []string) error {
	if len(ids) > 1000 {
		return newErr("ArchiveBlackboard", KindConflict, errors.New("at most 1000 ids per call"))
	}
	return s.withTx(ctx, "ArchiveBlackboard", func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE blackboard_messages SET archived_at = CURRENT_TIMESTAMP
				WHERE id = ? AND archived_at IS NULL;`, id); err != nil {
				return newErr("ArchiveBlackboard", KindFatal, err)
			}
		}
		return nil
	})
}

// ArchiveOlderThan archives every unarchived message older than ms milliseconds
// and returns the count archived.
func (s *Store) ArchiveOlderThan(ctx context.Context, ms int64) (int, error) {
	cutoff := time.Now().Add(-time.Duration(ms) * time.Millisecond)
	var count int
	err := s.withTx(ctx, "ArchiveOlderThan", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE blackboard_messages SET archived_at = CURRENT_TIMESTAMP
			WHERE archived_at IS NULL AND created_at < ?;`, cutoff)
		if err != nil {
			return newErr("ArchiveOlderThan", KindFatal, err)
		}
		n, _ := res.RowsAffected()
		count = int(n)
		return nil
	})
	return count, err
}

const blackboardSelect = `
	SELECT id, swarm_id, sender_handle, message_type, priority, payload_json,
		target_handle, created_at, expires_at, archived_at
	FROM blackboard_messages`

func scanBlackboardMessage(row rowScanner) (BlackboardMessage, error) {
	var m BlackboardMessage
	var target sql.NullString
	var expiresAt, archivedAt sql.NullTime
	var msgType, priority string
	if err := row.Scan(&m.ID, &m.SwarmID, &m.SenderHandle, &msgType, &priority, &m.PayloadJSON,
		&target, &m.CreatedAt, &expiresAt, &archivedAt); err != nil {
		return BlackboardMessage{}, err
	}
	m.MessageType = MessageType(msgType)
	m.Priority = Priority(priority)
	m.TargetHandle = target.String
	if expiresAt.Valid {
		m.ExpiresAt = &expiresAt.Time
	}
	if archivedAt.Valid {
		m.ArchivedAt = &archivedAt.Time
	}
	return m, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
