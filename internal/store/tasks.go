package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

type WorkItemStatus string

const (
	WorkItemPending    WorkItemStatus = "pending"
	WorkItemInProgress WorkItemStatus = "in_progress"
	WorkItemCompleted  WorkItemStatus = "completed"
	WorkItemBlocked    WorkItemStatus = "blocked"
	WorkItemCancelled  WorkItemStatus = "cancelled"
)

// WorkItem is a work unit (task/bead) per spec §3. BlockedBy/Blocks are
// resolved through work_item_deps, never denormalized onto this struct.
type WorkItem struct {
	ID              string
	Title           string
	Description     string
	Status          WorkItemStatus
	AssignedTo      string
	CreatedByHandle string
	Priority        int
	BatchID         string
	Metadata        json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	BlockedBy       []string
	Blocks          []string
}

// CreateWorkItem inserts a work item and its blockedBy edges in one
// transaction. blockedBy must not introduce a cycle; callers are expected to
// pass only ids of already-persisted work items, which makes a cycle through
// a single insert impossible by construction.
func (s *Store) CreateWorkItem(ctx context.Context, w WorkItem) (WorkItem, error) {
	err := s.withTx(ctx, "CreateWorkItem", func(tx *sql.Tx) error {
		if w.Status == "" {
			w.Status = WorkItemPending
		}
		if w.Priority == 0 {
			w.Priority = 3
		}
		if w.Metadata == nil {
			w.Metadata = json.RawMessage("{}")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO work_items (id, title, description, status, assigned_to,
				created_by_handle, priority, batch_id, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			w.ID, w.Title, w.Description, string(w.Status), nullableString(w.AssignedTo),
			w.CreatedByHandle, w.Priority, nullableString(w.BatchID), string(w.Metadata))
		if err != nil {
			return newErr("CreateWorkItem", KindConflict, err)
		}
		for _, blockerID := range w.BlockedBy {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO work_item_deps (work_item_id, blocked_by_id) VALUES (?, ?);`,
				w.ID, blockerID); err != nil {
				return newErr("CreateWorkItem", KindIntegrity, err)
			}
		}
		return nil
	})
	if err != nil {
		return WorkItem{}, err
	}
	return s.GetWorkItem(ctx, w.ID)
}

// AssignWorkItem is the compare-and-swap assignment primitive from spec
// §4.A: it atomically sets assignedTo and flips status pending->in_progress,
// and returns ok=false (no error) if the item was not in pending state —
// assignment is a no-op race loser, not a failure.
func (s *Store) AssignWorkItem(ctx context.Context, id, handle string) (ok bool, err error) {
	err = s.withTx(ctx, "AssignWorkItem", func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			UPDATE work_items SET assigned_to = ?, status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;`,
			handle, string(WorkItemInProgress), id, string(WorkItemPending))
		if execErr != nil {
			return newErr("AssignWorkItem", KindFatal, execErr)
		}
		n, _ := res.RowsAffected()
		ok = n > 0
		return nil
	})
	return ok, err
}

// DispatchBatch assigns every pending member of a batch to handle in one
// transaction, per spec §4.A, returning the count assigned.
func (s *Store) DispatchBatch(ctx context.Context, batchID, handle string) (count int, err error) {
	err = s.withTx(ctx, "DispatchBatch", func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx, `
			UPDATE work_items SET assigned_to = ?, status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE batch_id = ? AND status = ?;`,
			handle, string(WorkItemInProgress), batchID, string(WorkItemPending))
		if execErr != nil {
			return newErr("DispatchBatch", KindFatal, execErr)
		}
		n, _ := res.RowsAffected()
		count = int(n)
		return nil
	})
	return count, err
}

// UpdateWorkItemStatus transitions status, no-op-idempotent on same-status
// writes, and enforces the blockedBy-completion gate for pending->in_progress.
func (s *Store) UpdateWorkItemStatus(ctx context.Context, id string, to WorkItemStatus, enforceDeps bool) error {
	return s.withTx(ctx, "UpdateWorkItemStatus", func(tx *sql.Tx) error {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM work_items WHERE id = ?;`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return newErr("UpdateWorkItemStatus", KindNotFound, err)
			}
			return newErr("UpdateWorkItemStatus", KindFatal, err)
		}
		if current == string(to) {
			return nil
		}
		if enforceDeps && to == WorkItemInProgress {
			var unresolved int
			if err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM work_item_deps d
				JOIN work_items b ON b.id = d.blocked_by_id
				WHERE d.work_item_id = ? AND b.status NOT IN (?, ?);`,
				id, string(WorkItemCompleted), string(WorkItemCancelled)).Scan(&unresolved); err != nil {
				return newErr("UpdateWorkItemStatus", KindFatal, err)
			}
			if unresolved > 0 {
				return newErr("UpdateWorkItemStatus", KindConflict, errors.New("blockers not yet resolved"))
			}
		}
		completedAt := "NULL"
		if to == WorkItemCompleted {
			completedAt = "CURRENT_TIMESTAMP"
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE work_items SET status = ?, updated_at = CURRENT_TIMESTAMP, completed_at = `+completedAt+`
			WHERE id = ?;`, string(to), id)
		if err != nil {
			return newErr("UpdateWorkItemStatus", KindFatal, err)
		}
		return nil
	})
}

// GetWorkItem fetches a work item with its resolved blockedBy/blocks edges.
func (s *Store) GetWorkItem(ctx context.Context, id string) (WorkItem, error) {
	row := s.db.QueryRowContext(ctx, workItemSelect+` WHERE id = ?;`, id)
	w, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkItem{}, newErr("GetWorkItem", KindNotFound, err)
	}
	if err != nil {
		return WorkItem{}, newErr("GetWorkItem", KindFatal, err)
	}
	if err := s.hydrateDeps(ctx, &w); err != nil {
		return WorkItem{}, newErr("GetWorkItem", KindFatal, err)
	}
	return w, nil
}

// ListWorkItemsByTeam lists work items created by any handle registered under teamName.
func (s *Store) ListWorkItemsByTeam(ctx context.Context, teamName string) ([]WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, workItemSelect+`
		WHERE created_by_handle IN (SELECT handle FROM users WHERE team_name = ?)
		ORDER BY created_at ASC;`, teamName)
	if err != nil {
		return nil, newErr("ListWorkItemsByTeam", KindFatal, err)
	}
	defer rows.Close()
	var out []WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, newErr("ListWorkItemsByTeam", KindFatal, err)
		}
		if err := s.hydrateDeps(ctx, &w); err != nil {
			return nil, newErr("ListWorkItemsByTeam", KindFatal, err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) hydrateDeps(ctx context.Context, w *WorkItem) error {
	rows, err := s.db.QueryContext(ctx, `SELECT blocked_by_id FROM work_item_deps WHERE work_item_id = ?;`, w.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		w.BlockedBy = append(w.BlockedBy, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows2, err := s.db.QueryContext(ctx, `SELECT work_item_id FROM work_item_deps WHERE blocked_by_id = ?;`, w.ID)
	if err != nil {
		return err
	}
	defer rows2.Close()
	for rows2.Next() {
		var id string
		if err := rows2.Scan(&id); err != nil {
			return err
		}
		w.Blocks = append(w.Blocks, id)
	}
	return rows2.Err()
}

const workItemSelect = `
	SELECT id, title, description, status, assigned_to, created_by_handle,
		priority, batch_id, metadata, created_at, updated_at, completed_at
	FROM work_items`

func scanWorkItem(row rowScanner) (WorkItem, error) {
	var w WorkItem
	var desc, assignedTo, batchID sql.NullString
	var metadata string
	var completedAt sql.NullTime
	var status string
	if err := row.Scan(&w.ID, &w.Title, &desc, &status, &assignedTo, &w.CreatedByHandle,
		&w.Priority, &batchID, &metadata, &w.CreatedAt, &w.UpdatedAt, &completedAt); err != nil {
		return WorkItem{}, err
	}
	w.Status = WorkItemStatus(status)
	w.Description = desc.String
	w.AssignedTo = assignedTo.String
	w.BatchID = batchID.String
	w.Metadata = json.RawMessage(metadata)
	if completedAt.Valid {
		w.CompletedAt = &completedAt.Time
	}
	return w, nil
}
