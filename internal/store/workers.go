package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type WorkerState string

const (
	WorkerPending  WorkerState = "pending"
	WorkerStarting WorkerState = "starting"
	WorkerReady    WorkerState = "ready"
	WorkerWorking  WorkerState = "working"
	WorkerStopping WorkerState = "stopping"
	WorkerStopped  WorkerState = "stopped"
	WorkerError    WorkerState = "error"
)

type WorkerHealth string

const (
	HealthHealthy   WorkerHealth = "healthy"
	HealthDegraded  WorkerHealth = "degraded"
	HealthUnhealthy WorkerHealth = "unhealthy"
)

// SpawnMode records which transport backs a worker, per spec §4.B: callers
// never choose it, they only observe it.
type SpawnMode string

const (
	SpawnModeProcess   SpawnMode = "process"
	SpawnModeContainer SpawnMode = "container"
)

// Worker mirrors spec §3's Worker entity.
type Worker struct {
	ID             string
	Handle         string
	TeamName       string
	State          WorkerState
	Health         WorkerHealth
	PID            *int
	SessionID      string
	Role           string
	SwarmID        string
	DepthLevel     int
	RestartCount   int
	CurrentTaskID  string
	WorkingDir     string
	SpawnMode      SpawnMode
	SpawnedAt      time.Time
	DismissedAt    *time.Time
	LastHeartbeat  time.Time
}

// CreateWorker inserts a new worker in the "pending" state. handle must be
// unique among non-dismissed workers within teamName.
func (s *Store) CreateWorker(ctx context.Context, w Worker) (Worker, error) {
	err := s.withTx(ctx, "CreateWorker", func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM workers WHERE team_name = ? AND handle = ? AND dismissed_at IS NULL;`,
			w.TeamName, w.Handle).Scan(&count); err != nil {
			return newErr("CreateWorker", KindFatal, err)
		}
		if count > 0 {
			return newErr("CreateWorker", KindConflict, errors.New("handle already in use within team"))
		}
		if w.State == "" {
			w.State = WorkerPending
		}
		if w.Health == "" {
			w.Health = HealthHealthy
		}
		if w.SpawnMode == "" {
			w.SpawnMode = SpawnModeProcess
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workers (id, handle, team_name, state, health, role, swarm_id,
				depth_level, working_dir, spawn_mode, current_task_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			w.ID, w.Handle, w.TeamName, string(w.State), string(w.Health), w.Role,
			nullableString(w.SwarmID), w.DepthLevel, w.WorkingDir, string(w.SpawnMode),
			nullableString(w.CurrentTaskID))
		if err != nil {
			return newErr("CreateWorker", KindConflict, err)
		}
		return nil
	})
	if err != nil {
		return Worker{}, err
	}
	return s.GetWorker(ctx, w.ID)
}

// TransitionWorkerState moves a worker between lifecycle states (spec §4.B).
// It is the only way state changes: callers never write `state` directly.
func (s *Store) TransitionWorkerState(ctx context.Context, id string, to WorkerState) error {
	return s.withTx(ctx, "TransitionWorkerState", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE workers SET state = ? WHERE id = ?;`, string(to), id)
		if err != nil {
			return newErr("TransitionWorkerState", KindFatal, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return newErr("TransitionWorkerState", KindNotFound, sql.ErrNoRows)
		}
		return nil
	})
}

// SetWorkerPID records the OS pid of a freshly forked worker process (container
// transport workers have no meaningful pid, so this is left unset in that case).
func (s *Store) SetWorkerPID(ctx context.Context, id string, pid int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET pid = ? WHERE id = ?;`, pid, id)
	if err != nil {
		return newErr("SetWorkerPID", KindFatal, err)
	}
	return nil
}

// SetWorkerSession records the session id an agent reported in its system/init event.
func (s *Store) SetWorkerSession(ctx context.Context, id, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET session_id = ? WHERE id = ?;`, sessionID, id)
	if err != nil {
		return newErr("SetWorkerSession", KindFatal, err)
	}
	return nil
}

// SetWorkerTask assigns or clears the worker's current task.
func (s *Store) SetWorkerTask(ctx context.Context, id, taskID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET current_task_id = ? WHERE id = ?;`, nullableString(taskID), id)
	if err != nil {
		return newErr("SetWorkerTask", KindFatal, err)
	}
	return nil
}

// TouchHeartbeat updates last_heartbeat to now and recomputes health from elapsed time.
func (s *Store) TouchHeartbeat(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET last_heartbeat = CURRENT_TIMESTAMP WHERE id = ?;`, id)
	if err != nil {
		return newErr("TouchHeartbeat", KindFatal, err)
	}
	return nil
}

// SetWorkerHealth persists a recomputed health classification (spec §4.B heartbeat rules).
func (s *Store) SetWorkerHealth(ctx context.Context, id string, health WorkerHealth) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workers SET health = ? WHERE id = ?;`, string(health), id)
	if err != nil {
		return newErr("SetWorkerHealth", KindFatal, err)
	}
	return nil
}

// IncrementRestart bumps restart_count and returns the new value.
func (s *Store) IncrementRestart(ctx context.Context, id string) (int, error) {
	var count int
	err := s.withTx(ctx, "IncrementRestart", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE workers SET restart_count = restart_count + 1 WHERE id = ?;`, id); err != nil {
			return newErr("IncrementRestart", KindFatal, err)
		}
		return tx.QueryRowContext(ctx, `SELECT restart_count FROM workers WHERE id = ?;`, id).Scan(&count)
	})
	return count, err
}

// DismissWorker marks a worker dismissed and transitions it to stopped.
func (s *Store) DismissWorker(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET state = ?, dismissed_at = CURRENT_TIMESTAMP WHERE id = ?;`,
		string(WorkerStopped), id)
	if err != nil {
		return newErr("DismissWorker", KindFatal, err)
	}
	return nil
}

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (Worker, error) {
	row := s.db.QueryRowContext(ctx, workerSelect+` WHERE id = ?;`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Worker{}, newErr("GetWorker", KindNotFound, err)
	}
	if err != nil {
		return Worker{}, newErr("GetWorker", KindFatal, err)
	}
	return w, nil
}

// GetWorkerByHandle fetches a non-dismissed worker by (team, handle).
func (s *Store) GetWorkerByHandle(ctx context.Context, teamName, handle string) (Worker, error) {
	row := s.db.QueryRowContext(ctx, workerSelect+` WHERE team_name = ? AND handle = ? AND dismissed_at IS NULL;`, teamName, handle)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Worker{}, newErr("GetWorkerByHandle", KindNotFound, err)
	}
	if err != nil {
		return Worker{}, newErr("GetWorkerByHandle", KindFatal, err)
	}
	return w, nil
}

// ListWorkersByTeam lists every worker (including dismissed ones) for a team.
func (s *Store) ListWorkersByTeam(ctx context.Context, teamName string) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx, workerSelect+` WHERE team_name = ? ORDER BY spawned_at ASC;`, teamName)
	if err != nil {
		return nil, newErr("ListWorkersByTeam", KindFatal, err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// ListLiveWorkers returns all workers not in a terminal state, optionally scoped to a swarm.
func (s *Store) ListLiveWorkers(ctx context.Context, swarmID string) ([]Worker, error) {
	query := workerSelect + ` WHERE state NOT IN ('stopped', 'error')`
	args := []any{}
	if swarmID != "" {
		query += ` AND swarm_id = ?`
		args = append(args, swarmID)
	}
	rows, err := s.db.QueryContext(ctx, query+`;`, args...)
	if err != nil {
		return nil, newErr("ListLiveWorkers", KindFatal, err)
	}
	defer rows.Close()
	return scanWorkers(rows)
}

// HealthCounts returns worker counts by health bucket, for GET /health.
func (s *Store) HealthCounts(ctx context.Context) (total, healthy, degraded, unhealthy int, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			SUM(CASE WHEN health = 'healthy' THEN 1 ELSE 0 END),
			SUM(CASE WHEN health = 'degraded' THEN 1 ELSE 0 END),
			SUM(CASE WHEN health = 'unhealthy' THEN 1 ELSE 0 END)
		FROM workers WHERE state NOT IN ('stopped', 'error');`)
	var h, d, u sql.NullInt64
	if scanErr := row.Scan(&total, &h, &d, &u); scanErr != nil {
		return 0, 0, 0, 0, newErr("HealthCounts", KindFatal, scanErr)
	}
	return total, int(h.Int64), int(d.Int64), int(u.Int64), nil
}

const workerSelect = `
	SELECT id, handle, team_name, state, health, pid, session_id, role, swarm_id,
		depth_level, restart_count, current_task_id, working_dir, spawn_mode,
		spawned_at, dismissed_at, last_heartbeat
	FROM workers`

func scanWorker(row rowScanner) (Worker, error) {
	var w Worker
	var pid sql.NullInt64
	var sessionID, swarmID, currentTask sql.NullString
	var dismissedAt sql.NullTime
	var state, health, spawnMode string
	if err := row.Scan(&w.ID, &w.Handle, &w.TeamName, &state, &health, &pid, &sessionID, &w.Role,
		&swarmID, &w.DepthLevel, &w.RestartCount, &currentTask, &w.WorkingDir, &spawnMode,
		&w.SpawnedAt, &dismissedAt, &w.LastHeartbeat); err != nil {
		return Worker{}, err
	}
	w.State = WorkerState(state)
	w.Health = WorkerHealth(health)
	w.SpawnMode = SpawnMode(spawnMode)
	if pid.Valid {
		v := int(pid.Int64)
		w.PID = &v
	}
	w.SessionID = sessionID.String
	w.SwarmID = swarmID.String
	w.CurrentTaskID = currentTask.String
	if dismissedAt.Valid {
		w.DismissedAt = &dismissedAt.Time
	}
	return w, nil
}

func scanWorkers(rows *sql.Rows) ([]Worker, error) {
	var out []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, newErr("scanWorkers", KindFatal, err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
