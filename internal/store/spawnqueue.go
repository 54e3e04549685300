package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

type SpawnQueueStatus string

const (
	SpawnPending  SpawnQueueStatus = "pending"
	SpawnApproved SpawnQueueStatus = "approved"
	SpawnSpawned  SpawnQueueStatus = "spawned"
	SpawnRejected SpawnQueueStatus = "rejected"
	SpawnCancelled SpawnQueueStatus = "cancelled"
)

// SpawnQueueItem is a pending spawn request, ordered by the planner on
// (priority DESC, createdAt ASC) per spec §3/§4.C.
type SpawnQueueItem struct {
	ID              string
	RequesterHandle string
	TargetAgentType string
	DepthLevel      int
	SwarmID         string
	Priority        int
	DependsOn       []string
	PayloadJSON     json.RawMessage
	Status          SpawnQueueStatus
	RejectReason    string
	CreatedAt       time.Time
	SpawnedAt       *time.Time
	WorkerID        string
}

// EnqueueSpawn inserts a pending spawn request and its dependency edges.
func (s *Store) EnqueueSpawn(ctx context.Context, item SpawnQueueItem) (SpawnQueueItem, error) {
	err := s.withTx(ctx, "EnqueueSpawn", func(tx *sql.Tx) error {
		if item.Status == "" {
			item.Status = SpawnPending
		}
		if item.PayloadJSON == nil {
			item.PayloadJSON = json.RawMessage("{}")
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO spawn_queue (id, requester_handle, target_agent_type, depth_level,
				swarm_id, priority, payload_json, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
			item.ID, item.RequesterHandle, item.TargetAgentType, item.DepthLevel,
			nullableString(item.SwarmID), item.Priority, string(item.PayloadJSON), string(item.Status))
		if err != nil {
			return newErr("EnqueueSpawn", KindConflict, err)
		}
		for _, dep := range item.DependsOn {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO spawn_queue_deps (spawn_id, depends_on_id) VALUES (?, ?);`,
				item.ID, dep); err != nil {
				return newErr("EnqueueSpawn", KindIntegrity, err)
			}
		}
		return nil
	})
	if err != nil {
		return SpawnQueueItem{}, err
	}
	return s.GetSpawnItem(ctx, item.ID)
}

// GetReadyItems returns up to limit pending items whose dependencies are all
// spawned, ordered (priority DESC, createdAt ASC, id ASC) per spec §5.
func (s *Store) GetReadyItems(ctx context.Context, limit int) ([]SpawnQueueItem, error) {
	rows, err := s.db.QueryContext(ctx, spawnSelect+`
		WHERE status = ?
		AND NOT EXISTS (
			SELECT 1 FROM spawn_queue_deps d
			JOIN spawn_queue dep ON dep.id = d.depends_on_id
			WHERE d.spawn_id = spawn_queue.id AND dep.status != ?
		)
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT ?;`, string(SpawnPending), string(SpawnSpawned), limit)
	if err != nil {
		return nil, newErr("GetReadyItems", KindFatal, err)
	}
	defer rows.Close()
	var out []SpawnQueueItem
	for rows.Next() {
		item, err := scanSpawnItem(rows)
		if err != nil {
			return nil, newErr("GetReadyItems", KindFatal, err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// UpdateSpawnStatus transitions a spawn request: to "spawned" records workerID,
// to "rejected" records reason.
func (s *Store) UpdateSpawnStatus(ctx context.Context, id string, to SpawnQueueStatus, workerID, reason string) error {
	return s.withTx(ctx, "UpdateSpawnStatus", func(tx *sql.Tx) error {
		spawnedAt := "NULL"
		if to == SpawnSpawned {
			spawnedAt = "CURRENT_TIMESTAMP"
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE spawn_queue SET status = ?, worker_id = ?, reject_reason = ?,
				spawned_at = `+spawnedAt+`
			WHERE id = ?;`, string(to), nullableString(workerID), nullableString(reason), id)
		if err != nil {
			return newErr("UpdateSpawnStatus", KindFatal, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return newErr("UpdateSpawnStatus", KindNotFound, sql.ErrNoRows)
		}
		return nil
	})
}

// GetSpawnItem fetches a spawn queue item by id, with its dependency ids.
func (s *Store) GetSpawnItem(ctx context.Context, id string) (SpawnQueueItem, error) {
	row := s.db.QueryRowContext(ctx, spawnSelect+` WHERE id = ?;`, id)
	item, err := scanSpawnItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SpawnQueueItem{}, newErr("GetSpawnItem", KindNotFound, err)
	}
	if err != nil {
		return SpawnQueueItem{}, newErr("GetSpawnItem", KindFatal, err)
	}
	deps, err := s.spawnDeps(ctx, id)
	if err != nil {
		return SpawnQueueItem{}, newErr("GetSpawnItem", KindFatal, err)
	}
	item.DependsOn = deps
	return item, nil
}

// GetSpawnItemByWorker resolves the spawn-queue item whose admission
// produced workerID. Used to correlate worker events back to their origin
// (the scheduler's retry bookkeeping).
func (s *Store) GetSpawnItemByWorker(ctx context.Context, workerID string) (SpawnQueueItem, error) {
	row := s.db.QueryRowContext(ctx, spawnSelect+` WHERE worker_id = ?;`, workerID)
	item, err := scanSpawnItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SpawnQueueItem{}, newErr("GetSpawnItemByWorker", KindNotFound, err)
	}
	if err != nil {
		return SpawnQueueItem{}, newErr("GetSpawnItemByWorker", KindFatal, err)
	}
	return item, nil
}

func (s *Store) spawnDeps(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT depends_on_id FROM spawn_queue_deps WHERE spawn_id = ?;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CancelSpawn marks an item cancelled if still pending or approved.
func (s *Store) CancelSpawn(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE spawn_queue SET status = ? WHERE id = ? AND status IN (?, ?);`,
		string(SpawnCancelled), id, string(SpawnPending), string(SpawnApproved))
	if err != nil {
		return newErr("CancelSpawn", KindFatal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return newErr("CancelSpawn", KindConflict, errors.New("item not cancellable in current status"))
	}
	return nil
}

const spawnSelect = `
	SELECT id, requester_handle, target_agent_type, depth_level, swarm_id, priority,
		payload_json, status, reject_reason, created_at, spawned_at, worker_id
	FROM spawn_queue`

func scanSpawnItem(row rowScanner) (SpawnQueueItem, error) {
	var item SpawnQueueItem
	var swarmID, rejectReason, workerID sql.NullString
	var payload, status string
	var spawnedAt sql.NullTime
	if err := row.Scan(&item.ID, &item.RequesterHandle, &item.TargetAgentType, &item.DepthLevel,
		&swarmID, &item.Priority, &payload, &status, &rejectReason, &item.CreatedAt,
		&spawnedAt, &workerID); err != nil {
		return SpawnQueueItem{}, err
	}
	item.SwarmID = swarmID.String
	item.PayloadJSON = json.RawMessage(payload)
	item.Status = SpawnQueueStatus(status)
	item.RejectReason = rejectReason.String
	item.WorkerID = workerID.String
	if spawnedAt.Valid {
		item.SpawnedAt = &spawnedAt.Time
	}
	return item, nil
}
