package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Belief is a per-(swarm, agent, subject) fact an agent holds, with a
// confidence score. MetaBelief is the swarm-wide (no agent) equivalent
// used for beliefs about the swarm itself rather than about another agent.
type Belief struct {
	SwarmID     string
	AgentHandle string
	Subject     string
	Value       string
	Confidence  float64
	UpdatedAt   time.Time
}

type MetaBelief struct {
	SwarmID    string
	Subject    string
	Value      string
	Confidence float64
	UpdatedAt  time.Time
}

// UpsertBelief writes or replaces a belief, ON CONFLICT on
// (swarmId, agentHandle, subject) per spec §4.A.
func (s *Store) UpsertBelief(ctx context.Context, b Belief) (Belief, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_beliefs (swarm_id, agent_handle, subject, value, confidence)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (swarm_id, agent_handle, subject)
		DO UPDATE SET value = excluded.value, confidence = excluded.confidence, updated_at = CURRENT_TIMESTAMP;`,
		b.SwarmID, b.AgentHandle, b.Subject, b.Value, b.Confidence)
	if err != nil {
		return Belief{}, newErr("UpsertBelief", KindConflict, err)
	}
	return s.GetBelief(ctx, b.SwarmID, b.AgentHandle, b.Subject)
}

// GetBelief fetches a single belief.
func (s *Store) GetBelief(ctx context.Context, swarmID, agentHandle, subject string) (Belief, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT swarm_id, agent_handle, subject, value, confidence, updated_at
		FROM agent_beliefs WHERE swarm_id = ? AND agent_handle = ? AND subject = ?;`,
		swarmID, agentHandle, subject)
	var b Belief
	err := row.Scan(&b.SwarmID, &b.AgentHandle, &b.Subject, &b.Value, &b.Confidence, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Belief{}, newErr("GetBelief", KindNotFound, err)
	}
	if err != nil {
		return Belief{}, newErr("GetBelief", KindFatal, err)
	}
	return b, nil
}

// ListBeliefs lists every belief an agent holds within a swarm.
func (s *Store) ListBeliefs(ctx context.Context, swarmID, agentHandle string) ([]Belief, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT swarm_id, agent_handle, subject, value, confidence, updated_at
		FROM agent_beliefs WHERE swarm_id = ? AND agent_handle = ? ORDER BY subject ASC;`,
		swarmID, agentHandle)
	if err != nil {
		return nil, newErr("ListBeliefs", KindFatal, err)
	}
	defer rows.Close()
	var out []Belief
	for rows.Next() {
		var b Belief
		if err := rows.Scan(&b.SwarmID, &b.AgentHandle, &b.Subject, &b.Value, &b.Confidence, &b.UpdatedAt); err != nil {
			return nil, newErr("ListBeliefs", KindFatal, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpsertMetaBelief is the swarm-scoped (no agent) counterpart to UpsertBelief.
func (s *Store) UpsertMetaBelief(ctx context.Context, b MetaBelief) (MetaBelief, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_meta_beliefs (swarm_id, subject, value, confidence)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (swarm_id, subject)
		DO UPDATE SET value = excluded.value, confidence = excluded.confidence, updated_at = CURRENT_TIMESTAMP;`,
		b.SwarmID, b.Subject, b.Value, b.Confidence)
	if err != nil {
		return MetaBelief{}, newErr("UpsertMetaBelief", KindConflict, err)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT swarm_id, subject, value, confidence, updated_at
		FROM agent_meta_beliefs WHERE swarm_id = ? AND subject = ?;`, b.SwarmID, b.Subject)
	var out MetaBelief
	if err := row.Scan(&out.SwarmID, &out.Subject, &out.Value, &out.Confidence, &out.UpdatedAt); err != nil {
		return MetaBelief{}, newErr("UpsertMetaBelief", KindFatal, err)
	}
	return out, nil
}

// ListMetaBeliefs lists every swarm-level meta-belief.
func (s *Store) ListMetaBeliefs(ctx context.Context, swarmID string) ([]MetaBelief, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT swarm_id, subject, value, confidence, updated_at
		FROM agent_meta_beliefs WHERE swarm_id = ? ORDER BY subject ASC;`, swarmID)
	if err != nil {
		return nil, newErr("ListMetaBeliefs", KindFatal, err)
	}
	defer rows.Close()
	var out []MetaBelief
	for rows.Next() {
		var b MetaBelief
		if err := rows.Scan(&b.SwarmID, &b.Subject, &b.Value, &b.Confidence, &b.UpdatedAt); err != nil {
			return nil, newErr("ListMetaBeliefs", KindFatal, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
