package planner_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/fleetcore/internal/planner"
	"github.com/basket/fleetcore/internal/rolematrix"
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

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// fakeSpawner records every Spawn call instead of starting a real process,
// so the planner's admission predicate can be tested without a worker
// supervisor.
type fakeSpawner struct {
	mu      sync.Mutex
	calls   []string
	fail    bool
	nextID  int
}

func (f *fakeSpawner) Spawn(ctx context.Context, teamName, handle, role, workingDir, swarmID string, depthLevel int, initialPrompt, model string) (store.Worker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return store.Worker{}, context.DeadlineExceeded
	}
	f.nextID++
	f.calls = append(f.calls, handle)
	return store.Worker{ID: "worker-fake", TeamName: teamName, Handle: handle}, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func enqueue(t *testing.T, s *store.Store, item store.SpawnQueueItem) store.SpawnQueueItem {
	t.Helper()
	created, err := s.EnqueueSpawn(context.Background(), item)
	if err != nil {
		t.Fatalf("enqueue spawn: %v", err)
	}
	return created
}

func TestPlannerAdmitsPendingItem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	spawner := &fakeSpawner{}

	payload, _ := json.Marshal(map[string]string{"workingDir": ".", "initialPrompt": "hello"})
	item := enqueue(t, s, store.SpawnQueueItem{
		ID:              "spawn-" + t.Name(),
		RequesterHandle: "lead-1",
		TargetAgentType: rolematrix.RoleWorker,
		DepthLevel:      1,
		Priority:        5,
		PayloadJSON:     payload,
	})

	p := planner.New(planner.Config{
		Store:     s,
		Spawner:   spawner,
		Logger:    slog.Default(),
		Tick:      20 * time.Millisecond,
		BatchSize: 10,
	})
	go p.Run(ctx)
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		got, err := s.GetSpawnItem(ctx, item.ID)
		return err == nil && got.Status == store.SpawnSpawned
	})

	if spawner.count() != 1 {
		t.Fatalf("expected exactly 1 spawn call, got %d", spawner.count())
	}
}

func TestPlannerRejectsDepthBeyondRolePermission(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	spawner := &fakeSpawner{}

	// A worker role (maxDepth=2) requesting a spawn at depth 5 must be
	// rejected by rolematrix.CanSpawnAt, never reaching the spawner.
	item := enqueue(t, s, store.SpawnQueueItem{
		ID:              "spawn-" + t.Name(),
		RequesterHandle: "worker-1",
		TargetAgentType: rolematrix.RoleWorker,
		DepthLevel:      5,
		Priority:        1,
	})

	p := planner.New(planner.Config{
		Store:     s,
		Spawner:   spawner,
		Logger:    slog.Default(),
		Tick:      20 * time.Millisecond,
		BatchSize: 10,
		RequesterRole: func(ctx context.Context, handle string) (string, int, error) {
			return rolematrix.RoleWorker, 1, nil
		},
	})
	go p.Run(ctx)
	defer p.Stop()

	waitFor(t, 2*time.Second, func() bool {
		got, err := s.GetSpawnItem(ctx, item.ID)
		return err == nil && got.Status == store.SpawnRejected
	})

	if spawner.count() != 0 {
		t.Fatalf("expected no spawn calls for a disallowed depth, got %d", spawner.count())
	}
}

func TestPlannerLeavesItemPendingWhenSwarmFull(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	spawner := &fakeSpawner{}

	swarm, err := s.CreateSwarm(ctx, "swarm-"+t.Name(), "full-swarm", 1)
	if err != nil {
		t.Fatalf("create swarm: %v", err)
	}
	// Fill the swarm's single slot with a live worker so the cap is hit.
	if _, err := s.CreateWorker(ctx, store.Worker{
		ID: "w-" + t.Name(), TeamName: "team", Handle: "occupant",
		Role: rolematrix.RoleWorker, SwarmID: swarm.ID, State: store.WorkerWorking,
	}); err != nil {
		t.Fatalf("create occupant worker: %v", err)
	}

	item := enqueue(t, s, store.SpawnQueueItem{
		ID:              "spawn-" + t.Name(),
		RequesterHandle: "lead-1",
		TargetAgentType: rolematrix.RoleWorker,
		DepthLevel:      1,
		SwarmID:         swarm.ID,
		Priority:        1,
	})

	p := planner.New(planner.Config{
		Store:     s,
		Spawner:   spawner,
		Logger:    slog.Default(),
		Tick:      20 * time.Millisecond,
		BatchSize: 10,
	})
	go p.Run(ctx)
	time.Sleep(150 * time.Millisecond)
	p.Stop()

	got, err := s.GetSpawnItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get spawn item: %v", err)
	}
	if got.Status != store.SpawnPending {
		t.Fatalf("expected item to remain pending while swarm is full, got %s", got.Status)
	}
	if spawner.count() != 0 {
		t.Fatalf("expected no spawn calls while swarm is full, got %d", spawner.count())
	}
}

func TestPlannerWakeTriggersImmediateTick(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	spawner := &fakeSpawner{}

	p := planner.New(planner.Config{
		Store:     s,
		Spawner:   spawner,
		Logger:    slog.Default(),
		Tick:      10 * time.Minute, // long enough that only Wake can trigger the tick within the test
		BatchSize: 10,
	})
	go p.Run(ctx)
	defer p.Stop()

	item := enqueue(t, s, store.SpawnQueueItem{
		ID:              "spawn-" + t.Name(),
		RequesterHandle: "lead-1",
		TargetAgentType: rolematrix.RoleWorker,
		DepthLevel:      1,
		Priority:        1,
	})
	p.Wake()

	waitFor(t, 2*time.Second, func() bool {
		got, err := s.GetSpawnItem(ctx, item.ID)
		return err == nil && got.Status == store.SpawnSpawned
	})
}
