package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"
)

// User is an agent identity: (uid, handle, teamName, agentType). uid is a
// deterministic 24-hex-char digest of "teamName:handle" so a given
// (team, handle) pair maps to a stable identity across reconnects.
type User struct {
	UID       string
	Handle    string
	TeamName  string
	AgentType string
	CreatedAt time.Time
	LastSeen  *time.Time
}

// DeriveUID computes the deterministic 24-hex-char uid for a (team, handle) pair.
func DeriveUID(teamName, handle string) string {
	sum := sha256.Sum256([]byte(teamName + ":" + handle))
	return hex.EncodeToString(sum[:])[:24]
}

// UpsertUser creates or re-touches a user identity. Re-registration may never
// escalate agentType: once a handle has registered as e.g. "worker" it cannot
// later register as "team-lead".
func (s *Store) UpsertUser(ctx context.Context, teamName, handle, agentType string) (User, error) {
	uid := DeriveUID(teamName, handle)
	var u User
	err := s.withTx(ctx, "UpsertUser", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT uid, handle, team_name, agent_type, created_at, last_seen
			FROM users WHERE uid = ?;`, uid)
		existing, scanErr := scanUser(row)
		if scanErr == nil {
			if existing.AgentType != agentType {
				return newErr("UpsertUser", KindConflict, errors.New("agent_type may not be changed on re-registration"))
			}
			if _, err := tx.ExecContext(ctx, `UPDATE users SET last_seen = CURRENT_TIMESTAMP WHERE uid = ?;`, uid); err != nil {
				return newErr("UpsertUser", KindFatal, err)
			}
			u = existing
			return nil
		}
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return newErr("UpsertUser", KindFatal, scanErr)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO users (uid, handle, team_name, agent_type) VALUES (?, ?, ?, ?);`,
			uid, handle, teamName, agentType); err != nil {
			return newErr("UpsertUser", KindConflict, err)
		}
		row = tx.QueryRowContext(ctx, `
			SELECT uid, handle, team_name, agent_type, created_at, last_seen
			FROM users WHERE uid = ?;`, uid)
		u, scanErr = scanUser(row)
		if scanErr != nil {
			return newErr("UpsertUser", KindFatal, scanErr)
		}
		return nil
	})
	return u, err
}

// GetUser fetches a user identity by uid.
func (s *Store) GetUser(ctx context.Context, uid string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT uid, handle, team_name, agent_type, created_at, last_seen
		FROM users WHERE uid = ?;`, uid)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, newErr("GetUser", KindNotFound, err)
	}
	if err != nil {
		return User{}, newErr("GetUser", KindFatal, err)
	}
	return u, nil
}

// GetUsersByTeam lists every identity registered under a team.
func (s *Store) GetUsersByTeam(ctx context.Context, teamName string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uid, handle, team_name, agent_type, created_at, last_seen
		FROM users WHERE team_name = ? ORDER BY created_at ASC;`, teamName)
	if err != nil {
		return nil, newErr("GetUsersByTeam", KindFatal, err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUserRows(rows)
		if err != nil {
			return nil, newErr("GetUsersByTeam", KindFatal, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var u User
	var lastSeen sql.NullTime
	if err := row.Scan(&u.UID, &u.Handle, &u.TeamName, &u.AgentType, &u.CreatedAt, &lastSeen); err != nil {
		return User{}, err
	}
	if lastSeen.Valid {
		u.LastSeen = &lastSeen.Time
	}
	return u, nil
}

func scanUserRows(rows *sql.Rows) (User, error) {
	return scanUser(rows)
}
