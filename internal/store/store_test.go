package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/fleetcore/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateWorkerRejectsDuplicateHandleInTeam(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateWorker(ctx, store.Worker{ID: "w1", Handle: "scout-1", TeamName: "alpha", Role: "scout"})
	if err != nil {
		t.Fatalf("create first worker: %v", err)
	}
	_, err = s.CreateWorker(ctx, store.Worker{ID: "w2", Handle: "scout-1", TeamName: "alpha", Role: "scout"})
	if err == nil {
		t.Fatal("expected conflict creating a duplicate handle within the same team")
	}
	var se *store.StoreError
	if !errorsAs(err, &se) || se.Kind != store.KindConflict {
		t.Fatalf("expected KindConflict, got %v", err)
	}
}

func TestCreateWorkerAllowsSameHandleAcrossTeams(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.CreateWorker(ctx, store.Worker{ID: "w1", Handle: "scout-1", TeamName: "alpha", Role: "scout"}); err != nil {
		t.Fatalf("create in team alpha: %v", err)
	}
	if _, err := s.CreateWorker(ctx, store.Worker{ID: "w2", Handle: "scout-1", TeamName: "beta", Role: "scout"}); err != nil {
		t.Fatalf("create in team beta: %v", err)
	}
}

func TestTransitionWorkerStateAndHeartbeat(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w, err := s.CreateWorker(ctx, store.Worker{ID: "w1", Handle: "lead-1", TeamName: "alpha", Role: "lead"})
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	if w.State != store.WorkerPending {
		t.Fatalf("expected new worker to start pending, got %s", w.State)
	}

	if err := s.TransitionWorkerState(ctx, w.ID, store.WorkerReady); err != nil {
		t.Fatalf("transition to ready: %v", err)
	}
	if err := s.TouchHeartbeat(ctx, w.ID); err != nil {
		t.Fatalf("touch heartbeat: %v", err)
	}

	got, err := s.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if got.State != store.WorkerReady {
		t.Fatalf("expected state ready, got %s", got.State)
	}
	if got.LastHeartbeat.IsZero() {
		t.Fatal("expected heartbeat timestamp to be set")
	}
}

func TestGetReadyItemsOrdersByPriorityThenAge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	low, err := s.EnqueueSpawn(ctx, store.SpawnQueueItem{
		ID: "low", RequesterHandle: "lead-1", TargetAgentType: "worker", Priority: 1,
	})
	if err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	high, err := s.EnqueueSpawn(ctx, store.SpawnQueueItem{
		ID: "high", RequesterHandle: "lead-1", TargetAgentType: "worker", Priority: 9,
	})
	if err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	items, err := s.GetReadyItems(ctx, 10)
	if err != nil {
		t.Fatalf("get ready items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 ready items, got %d", len(items))
	}
	if items[0].ID != high.ID || items[1].ID != low.ID {
		t.Fatalf("expected high-priority item first, got order %s, %s", items[0].ID, items[1].ID)
	}
}

func TestGetReadyItemsExcludesUnsatisfiedDependency(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	dep, err := s.EnqueueSpawn(ctx, store.SpawnQueueItem{
		ID: "dep", RequesterHandle: "lead-1", TargetAgentType: "worker", Priority: 1,
	})
	if err != nil {
		t.Fatalf("enqueue dep: %v", err)
	}
	_, err = s.EnqueueSpawn(ctx, store.SpawnQueueItem{
		ID: "dependent", RequesterHandle: "lead-1", TargetAgentType: "worker", Priority: 5,
		DependsOn: []string{dep.ID},
	})
	if err != nil {
		t.Fatalf("enqueue dependent: %v", err)
	}

	items, err := s.GetReadyItems(ctx, 10)
	if err != nil {
		t.Fatalf("get ready items: %v", err)
	}
	if len(items) != 1 || items[0].ID != dep.ID {
		t.Fatalf("expected only the dependency-free item ready, got %+v", items)
	}

	if err := s.UpdateSpawnStatus(ctx, dep.ID, store.SpawnSpawned, "worker-1", ""); err != nil {
		t.Fatalf("mark dep spawned: %v", err)
	}

	items, err = s.GetReadyItems(ctx, 10)
	if err != nil {
		t.Fatalf("get ready items after dep spawned: %v", err)
	}
	if len(items) != 1 || items[0].ID != "dependent" {
		t.Fatalf("expected dependent item ready once its dependency is spawned, got %+v", items)
	}
}

func TestRecordCreditTxClampsBalanceAtZero(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// A new account materializes with balance=100; overspending it must
	// clamp at zero, not go negative.
	if _, err := s.RecordCreditTx(ctx, "tx1", "swarm-1", "agent-1", store.TxSpend, 150, "", "", "overdraft"); err != nil {
		t.Fatalf("record spend: %v", err)
	}
	acct, err := s.GetAccount(ctx, "swarm-1", "agent-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acct.Balance != 0 {
		t.Fatalf("expected balance clamped to 0, got %v", acct.Balance)
	}
	if acct.TotalSpent != 150 {
		t.Fatalf("expected totalSpent=150 even though balance clamped, got %v", acct.TotalSpent)
	}
}

func TestRecordCreditTxAdjustmentExcludedFromTotals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.RecordCreditTx(ctx, "tx1", "swarm-1", "agent-1", store.TxEarn, 100, "", "", "seed"); err != nil {
		t.Fatalf("record earn: %v", err)
	}
	if _, err := s.RecordCreditTx(ctx, "tx2", "swarm-1", "agent-1", store.TxAdjustment, 10, "", "", "manual correction"); err != nil {
		t.Fatalf("record adjustment: %v", err)
	}
	acct, err := s.GetAccount(ctx, "swarm-1", "agent-1")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	// 100 initial + 100 earned + 10 adjusted.
	if acct.Balance != 210 {
		t.Fatalf("expected balance 210 after earn+adjustment, got %v", acct.Balance)
	}
	if acct.TotalEarned != 100 {
		t.Fatalf("expected totalEarned unaffected by adjustment, got %v", acct.TotalEarned)
	}
}

func TestTransferMovesBalanceAtomically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Both accounts materialize at the 100 initial balance on first touch.
	if err := s.Transfer(ctx, "tx-out", "tx-in", "swarm-1", "from-agent", "to-agent", 30, "payment"); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	from, err := s.GetAccount(ctx, "swarm-1", "from-agent")
	if err != nil {
		t.Fatalf("get from account: %v", err)
	}
	to, err := s.GetAccount(ctx, "swarm-1", "to-agent")
	if err != nil {
		t.Fatalf("get to account: %v", err)
	}
	if from.Balance != 70 {
		t.Fatalf("expected sender balance 70, got %v", from.Balance)
	}
	if to.Balance != 130 {
		t.Fatalf("expected receiver balance 130, got %v", to.Balance)
	}

	// Transferring the same amount back leaves both unchanged (§8 round-trip law).
	if err := s.Transfer(ctx, "tx-back-out", "tx-back-in", "swarm-1", "to-agent", "from-agent", 30, "refund"); err != nil {
		t.Fatalf("transfer back: %v", err)
	}
	from, _ = s.GetAccount(ctx, "swarm-1", "from-agent")
	to, _ = s.GetAccount(ctx, "swarm-1", "to-agent")
	if from.Balance != 100 || to.Balance != 100 {
		t.Fatalf("expected both balances restored to 100, got from=%v to=%v", from.Balance, to.Balance)
	}
}

func TestRecordOutcomeAppliesExponentialMovingAverage(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	acct, err := s.RecordOutcome(ctx, "swarm-1", "agent-1", true)
	if err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	// Starting reputation is the neutral 0.5; one success with w=0.1 moves it
	// to 0.5*0.9 + 1*0.1 = 0.55.
	if acct.ReputationScore < 0.54 || acct.ReputationScore > 0.56 {
		t.Fatalf("expected reputation ~0.55 after one success, got %v", acct.ReputationScore)
	}
	if acct.TaskCount != 1 || acct.SuccessCount != 1 {
		t.Fatalf("expected taskCount=1 successCount=1, got %+v", acct)
	}
}

// errorsAs avoids importing errors in every test file's import block twice;
// a thin wrapper keeps the StoreError assertions terse.
func errorsAs(err error, target **store.StoreError) bool {
	for err != nil {
		if se, ok := err.(*store.StoreError); ok {
			*target = se
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
