package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointAccepted CheckpointStatus = "accepted"
	CheckpointRejected CheckpointStatus = "rejected"
)

// Checkpoint is a worker's resumable handoff state (spec §3). A worker may
// have many; "latest" is the newest by createdAt.
type Checkpoint struct {
	ID            string
	WorkerHandle  string
	FromHandle    string
	ToHandle      string
	Goal          string
	Now           string
	Test          string
	DoneThisSession json.RawMessage
	Blockers      json.RawMessage
	Questions     json.RawMessage
	Next          json.RawMessage
	Status        CheckpointStatus
	CreatedAt     time.Time
}

// FormatForResume renders a checkpoint as the initial prompt handed to a
// re-spawned worker (spec §4.B restart policy).
func (c Checkpoint) FormatForResume() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Resuming from checkpoint\n\nGoal: %s\n", c.Goal)
	if c.Now != "" {
		fmt.Fprintf(&b, "Current step: %s\n", c.Now)
	}
	if len(c.DoneThisSession) > 2 {
		fmt.Fprintf(&b, "\nDone so far: %s\n", string(c.DoneThisSession))
	}
	if len(c.Blockers) > 2 {
		fmt.Fprintf(&b, "\nBlockers: %s\n", string(c.Blockers))
	}
	if len(c.Next) > 2 {
		fmt.Fprintf(&b, "\nNext steps: %s\n", string(c.Next))
	}
	return b.String()
}

// CreateCheckpoint inserts a checkpoint in pending status.
func (s *Store) CreateCheckpoint(ctx context.Context, c Checkpoint) (Checkpoint, error) {
	if c.Status == "" {
		c.Status = CheckpointPending
	}
	for _, field := range []*json.RawMessage{&c.DoneThisSession, &c.Blockers, &c.Questions, &c.Next} {
		if *field == nil {
			*field = json.RawMessage("[]")
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, worker_handle, from_handle, to_handle, goal, now, test,
			done_this_session, blockers, questions, next, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		c.ID, c.WorkerHandle, c.FromHandle, c.ToHandle, c.Goal, c.Now, nullableString(c.Test),
		string(c.DoneThisSession), string(c.Blockers), string(c.Questions), string(c.Next), string(c.Status))
	if err != nil {
		return Checkpoint{}, newErr("CreateCheckpoint", KindConflict, err)
	}
	return s.GetCheckpoint(ctx, c.ID)
}

// SetCheckpointStatus transitions a checkpoint's accept/reject status.
func (s *Store) SetCheckpointStatus(ctx context.Context, id string, status CheckpointStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE checkpoints SET status = ? WHERE id = ?;`, string(status), id)
	if err != nil {
		return newErr("SetCheckpointStatus", KindFatal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return newErr("SetCheckpointStatus", KindNotFound, sql.ErrNoRows)
	}
	return nil
}

// GetCheckpoint fetches a checkpoint by id.
func (s *Store) GetCheckpoint(ctx context.Context, id string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, checkpointSelect+` WHERE id = ?;`, id)
	c, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, newErr("GetCheckpoint", KindNotFound, err)
	}
	if err != nil {
		return Checkpoint{}, newErr("GetCheckpoint", KindFatal, err)
	}
	return c, nil
}

// LatestCheckpoint returns the newest checkpoint for workerHandle, used to
// resume a worker after a restart.
func (s *Store) LatestCheckpoint(ctx context.Context, workerHandle string) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, checkpointSelect+`
		WHERE worker_handle = ? ORDER BY created_at DESC LIMIT 1;`, workerHandle)
	c, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, newErr("LatestCheckpoint", KindNotFound, err)
	}
	if err != nil {
		return Checkpoint{}, newErr("LatestCheckpoint", KindFatal, err)
	}
	return c, nil
}

// ListCheckpoints lists all checkpoints for a worker, newest first.
func (s *Store) ListCheckpoints(ctx context.Context, workerHandle string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, checkpointSelect+`
		WHERE worker_handle = ? ORDER BY created_at DESC;`, workerHandle)
	if err != nil {
		return nil, newErr("ListCheckpoints", KindFatal, err)
	}
	defer rows.Close()
	var out []Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, newErr("ListCheckpoints", KindFatal, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const checkpointSelect = `
	SELECT id, worker_handle, from_handle, to_handle, goal, now, test,
		done_this_session, blockers, questions, next, status, created_at
	FROM checkpoints`

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var c Checkpoint
	var test sql.NullString
	var done, blockers, questions, next, status string
	if err := row.Scan(&c.ID, &c.WorkerHandle, &c.FromHandle, &c.ToHandle, &c.Goal, &c.Now, &test,
		&done, &blockers, &questions, &next, &status, &c.CreatedAt); err != nil {
		return Checkpoint{}, err
	}
	c.Test = test.String
	c.DoneThisSession = json.RawMessage(done)
	c.Blockers = json.RawMessage(blockers)
	c.Questions = json.RawMessage(questions)
	c.Next = json.RawMessage(next)
	c.Status = CheckpointStatus(status)
	return c, nil
}
