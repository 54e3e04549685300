// Package store is the single writer of durable fleet state: teams and
// agent identities, workers, work items, mail, the blackboard, checkpoints,
// the spawn queue, credit ledgers, beliefs, schedules, and templates.
//
// Every mutation here is serializable with respect to every other mutation
// touching the same entity; reads are read-committed. Callers never see a
// *sql.DB directly — only Store methods, so every write goes through the
// schema and error-translation rules defined in this file.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/fleetcore/internal/metrics"
	"github.com/basket/fleetcore/internal/otelsupport"
)

// Schema ledger. Each version is a checksummed constant so startup can
// detect a DB created by a newer or older binary and refuse to run against
// an unrecognized schema.
const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "fc-v1-2026-02-20-base"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

const (
	defaultBusyRetries  = 5
	busyRetryBaseDelay  = 20 * time.Millisecond
	busyRetryMaxDelay   = 500 * time.Millisecond
	defaultInitBalance  = 100
	defaultReputation   = 0.5
)

// ErrorKind classifies a StoreError for caller-side recovery decisions (spec §4.A, §7).
type ErrorKind int

const (
	KindNotFound ErrorKind = iota
	KindConflict
	KindIntegrity
	KindBusy
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindConflict:
		return "Conflict"
	case KindIntegrity:
		return "Integrity"
	case KindBusy:
		return "Busy"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// StoreError is the typed error every Store operation returns on failure.
// NotFound, Conflict, and Integrity are recoverable by the caller; Busy is
// retried internally up to a fixed bound; Fatal should trigger graceful
// shutdown of the process.
type StoreError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("store: %s: %s", e.Op, e.Kind)
}

func (e *StoreError) Unwrap() error { return e.Err }

func newErr(op string, kind ErrorKind, err error) *StoreError {
	return &StoreError{Op: op, Kind: kind, Err: err}
}

// IsKind reports whether err is a *StoreError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == kind
	}
	return false
}

// Store is the single writer of durable fleet state.
type Store struct {
	db *sql.DB
}

// Open creates (or attaches to) a SQLite-backed store at path, applying any
// pending schema migrations in order. Use ":memory:" for ephemeral stores
// in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite write serialization; CAS ops rely on single-writer semantics.

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for packages that need a supplementary
// sink alongside the Store's own tables, such as the audit log's optional
// audit_log table.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_meta (
			version INTEGER NOT NULL,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return err
	}

	var current int
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_meta;`)
	if err := row.Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersionLatest {
		return nil
	}

	if err := s.applyV1(ctx); err != nil {
		return fmt.Errorf("apply schema v1: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO schema_meta (version, checksum) VALUES (?, ?);`,
		schemaVersionV1, schemaChecksumV1); err != nil {
		return err
	}
	return nil
}

func (s *Store) applyV1(ctx context.Context) error {
	stmts := []string{
		// --- identity ---
		`CREATE TABLE IF NOT EXISTS users (
			uid TEXT PRIMARY KEY,
			handle TEXT NOT NULL,
			team_name TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			last_seen TIMESTAMP,
			UNIQUE(team_name, handle)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_users_team ON users(team_name);`,

		// --- swarms ---
		`CREATE TABLE IF NOT EXISTS swarms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			max_agents INTEGER NOT NULL DEFAULT 10,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			dismissed_at TIMESTAMP
		);`,

		// --- workers ---
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			handle TEXT NOT NULL,
			team_name TEXT NOT NULL,
			state TEXT NOT NULL,
			health TEXT NOT NULL DEFAULT 'healthy',
			pid INTEGER,
			session_id TEXT,
			role TEXT NOT NULL,
			swarm_id TEXT,
			depth_level INTEGER NOT NULL DEFAULT 0,
			restart_count INTEGER NOT NULL DEFAULT 0,
			current_task_id TEXT,
			working_dir TEXT NOT NULL,
			spawn_mode TEXT NOT NULL DEFAULT 'process',
			spawned_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			dismissed_at TIMESTAMP,
			last_heartbeat TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_workers_team_handle ON workers(team_name, handle);`,
		`CREATE INDEX IF NOT EXISTS idx_workers_swarm ON workers(swarm_id);`,

		// --- work items / tasks / batches ---
		`CREATE TABLE IF NOT EXISTS work_items (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			assigned_to TEXT,
			created_by_handle TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 3,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP,
			batch_id TEXT,
			metadata TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_created_by ON work_items(created_by_handle);`,
		`CREATE INDEX IF NOT EXISTS idx_work_items_batch ON work_items(batch_id);`,
		`CREATE TABLE IF NOT EXISTS work_item_deps (
			work_item_id TEXT NOT NULL,
			blocked_by_id TEXT NOT NULL,
			PRIMARY KEY (work_item_id, blocked_by_id)
		);`,
		`CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			team_name TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,

		// --- mail & handoff ---
		`CREATE TABLE IF NOT EXISTS mailbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_handle TEXT NOT NULL,
			to_handle TEXT NOT NULL,
			subject TEXT,
			body TEXT NOT NULL,
			read_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_mailbox_to ON mailbox(to_handle, read_at);`,
		`CREATE TABLE IF NOT EXISTS handoffs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_handle TEXT NOT NULL,
			to_handle TEXT NOT NULL,
			context_json TEXT NOT NULL DEFAULT '{}',
			accepted_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_handoffs_to ON handoffs(to_handle, accepted_at);`,

		// --- blackboard ---
		`CREATE TABLE IF NOT EXISTS blackboard_messages (
			id TEXT PRIMARY KEY,
			swarm_id TEXT NOT NULL,
			sender_handle TEXT NOT NULL,
			message_type TEXT NOT NULL,
			priority TEXT NOT NULL DEFAULT 'normal',
			payload_json TEXT NOT NULL DEFAULT '{}',
			target_handle TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			expires_at TIMESTAMP,
			archived_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_blackboard_swarm_created ON blackboard_messages(swarm_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS blackboard_reads (
			message_id TEXT NOT NULL,
			reader_handle TEXT NOT NULL,
			read_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (message_id, reader_handle)
		);`,

		// --- checkpoints ---
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id TEXT PRIMARY KEY,
			worker_handle TEXT NOT NULL,
			from_handle TEXT NOT NULL,
			to_handle TEXT NOT NULL,
			goal TEXT NOT NULL,
			now TEXT NOT NULL,
			test TEXT,
			done_this_session TEXT NOT NULL DEFAULT '[]',
			blockers TEXT NOT NULL DEFAULT '[]',
			questions TEXT NOT NULL DEFAULT '[]',
			next TEXT NOT NULL DEFAULT '[]',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_handle ON checkpoints(worker_handle, created_at);`,

		// --- tldr summary cache ---
		`CREATE TABLE IF NOT EXISTS tldr_cache (
			scope TEXT NOT NULL,
			ref_id TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			summary TEXT NOT NULL,
			author_handle TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (scope, ref_id)
		);`,

		// --- spawn queue ---
		`CREATE TABLE IF NOT EXISTS spawn_queue (
			id TEXT PRIMARY KEY,
			requester_handle TEXT NOT NULL,
			target_agent_type TEXT NOT NULL,
			depth_level INTEGER NOT NULL,
			swarm_id TEXT,
			priority INTEGER NOT NULL DEFAULT 2,
			payload_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			reject_reason TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			spawned_at TIMESTAMP,
			worker_id TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_spawn_queue_admission ON spawn_queue(status, priority, created_at);`,
		`CREATE TABLE IF NOT EXISTS spawn_queue_deps (
			spawn_id TEXT NOT NULL,
			depends_on_id TEXT NOT NULL,
			PRIMARY KEY (spawn_id, depends_on_id)
		);`,

		// --- credit ledger ---
		`CREATE TABLE IF NOT EXISTS agent_credits (
			swarm_id TEXT NOT NULL,
			agent_handle TEXT NOT NULL,
			balance REAL NOT NULL DEFAULT 100,
			reputation_score REAL NOT NULL DEFAULT 0.5,
			total_earned REAL NOT NULL DEFAULT 0,
			total_spent REAL NOT NULL DEFAULT 0,
			task_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (swarm_id, agent_handle)
		);`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id TEXT PRIMARY KEY,
			swarm_id TEXT NOT NULL,
			agent_handle TEXT NOT NULL,
			type TEXT NOT NULL,
			amount REAL NOT NULL,
			balance_after REAL NOT NULL,
			reference_type TEXT,
			reference_id TEXT,
			reason TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_credit_tx_agent ON credit_transactions(swarm_id, agent_handle);`,

		// --- beliefs ---
		`CREATE TABLE IF NOT EXISTS agent_beliefs (
			swarm_id TEXT NOT NULL,
			agent_handle TEXT NOT NULL,
			subject TEXT NOT NULL,
			value TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0.5,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (swarm_id, agent_handle, subject)
		);`,
		`CREATE TABLE IF NOT EXISTS agent_meta_beliefs (
			swarm_id TEXT NOT NULL,
			subject TEXT NOT NULL,
			value TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0.5,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (swarm_id, subject)
		);`,

		// --- scheduler ---
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			category TEXT,
			role TEXT NOT NULL,
			prompt_template TEXT NOT NULL,
			estimated_minutes INTEGER,
			required_context TEXT NOT NULL DEFAULT '[]'
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			cron_expr TEXT NOT NULL,
			task_template_ids TEXT NOT NULL DEFAULT '[]',
			repository TEXT,
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run TIMESTAMP,
			next_run TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_schedules_next_run ON schedules(enabled, next_run);`,

		// --- chats (out-of-scope UI surface, but spec's HTTP API names it) ---
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS chat_participants (
			chat_id TEXT NOT NULL,
			uid TEXT NOT NULL,
			PRIMARY KEY (chat_id, uid)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			from_uid TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS unread (
			chat_id TEXT NOT NULL,
			uid TEXT NOT NULL,
			count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (chat_id, uid)
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, retrying on SQLITE_BUSY with capped
// exponential backoff (spec §4.A: Busy is retried by the Store itself up to
// a fixed bound).
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	ctx, span := otelsupport.StartInternalSpan(ctx, "store."+op, otelsupport.AttrStoreOp.String(op))
	start := time.Now()
	defer func() {
		otelsupport.EndWithError(span, err)
		span.End()
		metrics.StoreTxDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()
	var lastErr error
	delay := busyRetryBaseDelay
	for attempt := 0; attempt < defaultBusyRetries; attempt++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return newErr(op, KindFatal, err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			if isBusy(err) {
				lastErr = err
				metrics.StoreBusyRetries.Inc()
				jitter := time.Duration(rand.Int64N(int64(delay) + 1))
				select {
				case <-ctx.Done():
					return newErr(op, KindFatal, ctx.Err())
				case <-time.After(delay + jitter):
				}
				delay = min(delay*2, busyRetryMaxDelay)
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isBusy(err) {
				lastErr = err
				metrics.StoreBusyRetries.Inc()
				continue
			}
			return newErr(op, KindFatal, err)
		}
		return nil
	}
	return newErr(op, KindBusy, lastErr)
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == KindBusy
	}
	return !errors.Is(err, sql.ErrTxDone) &&
		(strings.Contains(err.Error(), "database is locked") ||
			strings.Contains(err.Error(), "SQLITE_BUSY"))
}
