package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/basket/fleetcore/internal/metrics"
)

type TransactionType string

const (
	TxEarn       TransactionType = "earn"
	TxSpend      TransactionType = "spend"
	TxBonus      TransactionType = "bonus"
	TxPenalty    TransactionType = "penalty"
	TxTransfer   TransactionType = "transfer"
	TxAdjustment TransactionType = "adjustment"
)

// CreditAccount is a per-(swarm, agent) balance and reputation record (spec §3).
type CreditAccount struct {
	SwarmID         string
	AgentHandle     string
	Balance         float64
	ReputationScore float64
	TotalEarned     float64
	TotalSpent      float64
	TaskCount       int
	SuccessCount    int
	UpdatedAt       time.Time
}

// CreditTransaction is an append-only ledger entry.
type CreditTransaction struct {
	ID            string
	SwarmID       string
	AgentHandle   string
	Type          TransactionType
	Amount        float64
	BalanceAfter  float64
	ReferenceType string
	ReferenceID   string
	Reason        string
	CreatedAt     time.Time
}

// RecordCreditTx recomputes balance, clamps at zero, writes the transaction
// row, and returns the new account snapshot, all in one transaction (spec §4.E).
func (s *Store) RecordCreditTx(ctx context.Context, txID, swarmID, agentHandle string, typ TransactionType, amount float64, referenceType, referenceID, reason string) (CreditAccount, error) {
	var acct CreditAccount
	err := s.withTx(ctx, "RecordCreditTx", func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, swarmID, agentHandle); err != nil {
			return newErr("RecordCreditTx", KindFatal, err)
		}
		a, err := getAccountTx(ctx, tx, swarmID, agentHandle)
		if err != nil {
			return newErr("RecordCreditTx", KindFatal, err)
		}
		switch typ {
		case TxEarn, TxBonus:
			a.Balance += amount
			a.TotalEarned += amount
		case TxSpend, TxPenalty:
			a.Balance -= amount
			if a.Balance < 0 {
				a.Balance = 0
			}
			a.TotalSpent += amount
		case TxTransfer, TxAdjustment:
			a.Balance += amount
			if a.Balance < 0 {
				a.Balance = 0
			}
		default:
			return newErr("RecordCreditTx", KindConflict, errors.New("unknown transaction type"))
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_credits SET balance = ?, total_earned = ?, total_spent = ?, updated_at = CURRENT_TIMESTAMP
			WHERE swarm_id = ? AND agent_handle = ?;`,
			a.Balance, a.TotalEarned, a.TotalSpent, swarmID, agentHandle); err != nil {
			return newErr("RecordCreditTx", KindFatal, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (id, swarm_id, agent_handle, type, amount, balance_after,
				reference_type, reference_id, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			txID, swarmID, agentHandle, string(typ), amount, a.Balance,
			nullableString(referenceType), nullableString(referenceID), nullableString(reason)); err != nil {
			return newErr("RecordCreditTx", KindConflict, err)
		}
		acct, err = getAccountTx(ctx, tx, swarmID, agentHandle)
		return err
	})
	if err == nil {
		metrics.LedgerTransactions.WithLabelValues(string(typ)).Inc()
	}
	return acct, err
}

// Transfer moves amount from one agent's account to another's, as two
// RecordCreditTx writes (−amount, +amount) under a single transaction so
// either both succeed or neither (spec §4.A).
func (s *Store) Transfer(ctx context.Context, txIDFrom, txIDTo, swarmID, fromHandle, toHandle string, amount float64, reason string) error {
	err := s.withTx(ctx, "Transfer", func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, swarmID, fromHandle); err != nil {
			return newErr("Transfer", KindFatal, err)
		}
		if err := ensureAccount(ctx, tx, swarmID, toHandle); err != nil {
			return newErr("Transfer", KindFatal, err)
		}
		from, err := getAccountTx(ctx, tx, swarmID, fromHandle)
		if err != nil {
			return newErr("Transfer", KindFatal, err)
		}
		if from.Balance < amount {
			return newErr("Transfer", KindConflict, errors.New("insufficient balance"))
		}
		from.Balance -= amount
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_credits SET balance = ?, updated_at = CURRENT_TIMESTAMP
			WHERE swarm_id = ? AND agent_handle = ?;`, from.Balance, swarmID, fromHandle); err != nil {
			return newErr("Transfer", KindFatal, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (id, swarm_id, agent_handle, type, amount, balance_after, reference_type, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
			txIDFrom, swarmID, fromHandle, string(TxTransfer), -amount, from.Balance, "transfer", nullableString(reason)); err != nil {
			return newErr("Transfer", KindConflict, err)
		}
		to, err := getAccountTx(ctx, tx, swarmID, toHandle)
		if err != nil {
			return newErr("Transfer", KindFatal, err)
		}
		to.Balance += amount
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_credits SET balance = ?, updated_at = CURRENT_TIMESTAMP
			WHERE swarm_id = ? AND agent_handle = ?;`, to.Balance, swarmID, toHandle); err != nil {
			return newErr("Transfer", KindFatal, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO credit_transactions (id, swarm_id, agent_handle, type, amount, balance_after, reference_type, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
			txIDTo, swarmID, toHandle, string(TxTransfer), amount, to.Balance, "transfer", nullableString(reason))
		if err != nil {
			return newErr("Transfer", KindConflict, err)
		}
		return nil
	})
	if err == nil {
		metrics.LedgerTransactions.WithLabelValues(string(TxTransfer)).Inc()
	}
	return err
}

// RecordOutcome updates reputation by an EMA over task outcomes (spec §4.E: w=0.1).
func (s *Store) RecordOutcome(ctx context.Context, swarmID, agentHandle string, success bool) (CreditAccount, error) {
	const w = 0.1
	var acct CreditAccount
	err := s.withTx(ctx, "RecordOutcome", func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, swarmID, agentHandle); err != nil {
			return newErr("RecordOutcome", KindFatal, err)
		}
		a, err := getAccountTx(ctx, tx, swarmID, agentHandle)
		if err != nil {
			return newErr("RecordOutcome", KindFatal, err)
		}
		outcome := 0.0
		if success {
			outcome = 1.0
		}
		a.ReputationScore = a.ReputationScore*(1-w) + outcome*w
		a.TaskCount++
		if success {
			a.SuccessCount++
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agent_credits SET reputation_score = ?, task_count = ?, success_count = ?, updated_at = CURRENT_TIMESTAMP
			WHERE swarm_id = ? AND agent_handle = ?;`,
			a.ReputationScore, a.TaskCount, a.SuccessCount, swarmID, agentHandle); err != nil {
			return newErr("RecordOutcome", KindFatal, err)
		}
		acct, err = getAccountTx(ctx, tx, swarmID, agentHandle)
		return err
	})
	return acct, err
}

// DecayReputation pulls every account inactive for longer than inactivityMs
// toward neutral 0.5 by rate, returning the count changed (spec §4.E).
func (s *Store) DecayReputation(ctx context.Context, rate float64, inactivityMs int64) (int, error) {
	cutoff := time.Now().Add(-time.Duration(inactivityMs) * time.Millisecond)
	var count int
	err := s.withTx(ctx, "DecayReputation", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE agent_credits
			SET reputation_score = reputation_score * (1 - ?) + 0.5 * ?, updated_at = CURRENT_TIMESTAMP
			WHERE updated_at < ?;`, rate, rate, cutoff)
		if err != nil {
			return newErr("DecayReputation", KindFatal, err)
		}
		n, _ := res.RowsAffected()
		count = int(n)
		return nil
	})
	return count, err
}

// Leaderboard returns the top-N accounts ordered by orderBy, one of
// balance|reputation|totalEarned|taskCount.
func (s *Store) Leaderboard(ctx context.Context, swarmID, orderBy string, n int) ([]CreditAccount, error) {
	col := map[string]string{
		"balance":     "balance",
		"reputation":  "reputation_score",
		"totalEarned": "total_earned",
		"taskCount":   "task_count",
	}[orderBy]
	if col == "" {
		col = "balance"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT swarm_id, agent_handle, balance, reputation_score, total_earned, total_spent,
			task_count, success_count, updated_at
		FROM agent_credits WHERE swarm_id = ? ORDER BY `+col+` DESC LIMIT ?;`, swarmID, n)
	if err != nil {
		return nil, newErr("Leaderboard", KindFatal, err)
	}
	defer rows.Close()
	var out []CreditAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, newErr("Leaderboard", KindFatal, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccount fetches an account, materializing it with defaults if absent.
func (s *Store) GetAccount(ctx context.Context, swarmID, agentHandle string) (CreditAccount, error) {
	var acct CreditAccount
	err := s.withTx(ctx, "GetAccount", func(tx *sql.Tx) error {
		if err := ensureAccount(ctx, tx, swarmID, agentHandle); err != nil {
			return newErr("GetAccount", KindFatal, err)
		}
		a, err := getAccountTx(ctx, tx, swarmID, agentHandle)
		if err != nil {
			return newErr("GetAccount", KindFatal, err)
		}
		acct = a
		return nil
	})
	return acct, err
}

func ensureAccount(ctx context.Context, tx *sql.Tx, swarmID, agentHandle string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO agent_credits (swarm_id, agent_handle, balance, reputation_score)
		VALUES (?, ?, ?, ?);`, swarmID, agentHandle, defaultInitBalance, defaultReputation)
	return err
}

func getAccountTx(ctx context.Context, tx *sql.Tx, swarmID, agentHandle string) (CreditAccount, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT swarm_id, agent_handle, balance, reputation_score, total_earned, total_spent,
			task_count, success_count, updated_at
		FROM agent_credits WHERE swarm_id = ? AND agent_handle = ?;`, swarmID, agentHandle)
	return scanAccount(row)
}

func scanAccount(row rowScanner) (CreditAccount, error) {
	var a CreditAccount
	if err := row.Scan(&a.SwarmID, &a.AgentHandle, &a.Balance, &a.ReputationScore, &a.TotalEarned,
		&a.TotalSpent, &a.TaskCount, &a.SuccessCount, &a.UpdatedAt); err != nil {
		return CreditAccount{}, err
	}
	return a, nil
}

// SuccessRate derives successCount / max(taskCount, 1).
func (a CreditAccount) SuccessRate() float64 {
	denom := a.TaskCount
	if denom < 1 {
		denom = 1
	}
	return float64(a.SuccessCount) / float64(denom)
}
