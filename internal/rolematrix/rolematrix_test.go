package rolematrix

import "testing"

func TestOnlyLeadSpawnsDepthZero(t *testing.T) {
	if !CanSpawnAt(RoleLead, 0, 0) {
		t.Error("lead should be able to spawn at depth 0")
	}
}

func TestWorkerCannotSpawn(t *testing.T) {
	if CanSpawnAt(RoleWorker, 1, 2) {
		t.Error("worker has CanSpawn=false and must never be authorized to spawn")
	}
}

func TestScoutDepthCap(t *testing.T) {
	if !CanSpawnAt(RoleLead, 0, 1) {
		t.Fatalf("lead should be able to spawn a depth-1 child")
	}
	e, ok := Lookup(RoleScout)
	if !ok || e.MaxDepth != 3 {
		t.Fatalf("expected scout maxDepth=3, got %+v ok=%v", e, ok)
	}
}

func TestUnknownRoleRejected(t *testing.T) {
	if CanSpawnAt("rogue", 0, 1) {
		t.Error("unknown role must never be authorized to spawn")
	}
}
