package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Swarm is a named grouping of agents with a maxAgents cap; it scopes the
// blackboard and credit ledger (spec §GLOSSARY).
type Swarm struct {
	ID          string
	Name        string
	MaxAgents   int
	CreatedAt   time.Time
	DismissedAt *time.Time
}

// CreateSwarm inserts a swarm. maxAgents must be 1..100; callers validate
// the bound before calling, same as the rest of the Store's field checks.
func (s *Store) CreateSwarm(ctx context.Context, id, name string, maxAgents int) (Swarm, error) {
	if maxAgents <= 0 {
		maxAgents = 10
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swarms (id, name, max_agents) VALUES (?, ?, ?);`, id, name, maxAgents)
	if err != nil {
		return Swarm{}, newErr("CreateSwarm", KindConflict, err)
	}
	return s.GetSwarm(ctx, id)
}

// GetSwarm fetches a swarm by id.
func (s *Store) GetSwarm(ctx context.Context, id string) (Swarm, error) {
	row := s.db.QueryRowContext(ctx, swarmSelect+` WHERE id = ?;`, id)
	sw, err := scanSwarm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Swarm{}, newErr("GetSwarm", KindNotFound, err)
	}
	if err != nil {
		return Swarm{}, newErr("GetSwarm", KindFatal, err)
	}
	return sw, nil
}

// ListSwarms lists every non-dismissed swarm.
func (s *Store) ListSwarms(ctx context.Context) ([]Swarm, error) {
	rows, err := s.db.QueryContext(ctx, swarmSelect+` WHERE dismissed_at IS NULL ORDER BY created_at ASC;`)
	if err != nil {
		return nil, newErr("ListSwarms", KindFatal, err)
	}
	defer rows.Close()
	var out []Swarm
	for rows.Next() {
		sw, err := scanSwarm(rows)
		if err != nil {
			return nil, newErr("ListSwarms", KindFatal, err)
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

// DismissSwarm marks a swarm dismissed; it no longer accepts new live workers.
func (s *Store) DismissSwarm(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE swarms SET dismissed_at = CURRENT_TIMESTAMP WHERE id = ? AND dismissed_at IS NULL;`, id)
	if err != nil {
		return newErr("DismissSwarm", KindFatal, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return newErr("DismissSwarm", KindNotFound, sql.ErrNoRows)
	}
	return nil
}

// LiveWorkerCount returns the count of non-terminal workers in a swarm, used
// by the planner's admission predicate (spec §4.C, "live-worker count below maxAgents").
func (s *Store) LiveWorkerCount(ctx context.Context, swarmID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workers WHERE swarm_id = ? AND state NOT IN ('stopped', 'error');`,
		swarmID).Scan(&count)
	if err != nil {
		return 0, newErr("LiveWorkerCount", KindFatal, err)
	}
	return count, nil
}

// TotalLiveWorkerCount returns the count of non-terminal workers across
// every swarm, used by the planner's global system cap (spec §4.C rule 5).
func (s *Store) TotalLiveWorkerCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workers WHERE state NOT IN ('stopped', 'error');`).Scan(&count)
	if err != nil {
		return 0, newErr("TotalLiveWorkerCount", KindFatal, err)
	}
	return count, nil
}

const swarmSelect = `SELECT id, name, max_agents, created_at, dismissed_at FROM swarms`

func scanSwarm(row rowScanner) (Swarm, error) {
	var sw Swarm
	var dismissedAt sql.NullTime
	if err := row.Scan(&sw.ID, &sw.Name, &sw.MaxAgents, &sw.CreatedAt, &dismissedAt); err != nil {
		return Swarm{}, err
	}
	if dismissedAt.Valid {
		sw.DismissedAt = &dismissedAt.Time
	}
	return sw, nil
}
