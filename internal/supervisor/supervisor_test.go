package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/basket/fleetcore/internal/store"
	"github.com/basket/fleetcore/internal/supervisor"
)

// agentScript is a stand-in for the opaque agent executable (spec §6
// "Agent child process contract"): it emits a system/init line on start,
// then for every stdin line replies with an assistant text block followed
// by a result, mirroring one turn of a real agent's line-delimited JSON
// stdout stream (spec §4.B).
const agentScript = `#!/bin/sh
echo '{"type":"system","subtype":"init","session_id":"sess-test"}'
while IFS= read -r line; do
  echo '{"type":"assistant","message":{"content":[{"type":"text","text":"ack"}]}}'
  echo '{"type":"result"}'
done
`

func writeAgentScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.sh")
	if err := os.WriteFile(path, []byte(agentScript), 0o755); err != nil {
		t.Fatalf("write agent script: %v", err)
	}
	return path
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSupervisorSpawnDeliverTaskAndDismiss(t *testing.T) {
	script := writeAgentScript(t)
	workDir := t.TempDir()
	db := openTestStore(t)

	events := make(chan supervisor.Broadcast, 32)
	sup := supervisor.New(supervisor.Config{
		Store:          db,
		AllowedRoots:   []string{workDir},
		SpawnCommand:   script,
		HeartbeatPoll:  time.Hour,
		RingBufferSize: 50,
		Broadcast:      func(b supervisor.Broadcast) { events <- b },
	})

	ctx := context.Background()
	w, err := sup.Spawn(ctx, "alpha", "scout-1", "scout", workDir, "", 1, "", "")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if w.SpawnMode != store.SpawnModeProcess {
		t.Fatalf("expected process spawn mode, got %s", w.SpawnMode)
	}

	waitFor(t, events, supervisor.EvtWorkerReady, 2*time.Second)

	got, err := db.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if got.State != store.WorkerReady {
		t.Fatalf("expected worker ready after init event, got %s", got.State)
	}
	if got.SessionID != "sess-test" {
		t.Fatalf("expected session id captured from init event, got %q", got.SessionID)
	}

	if err := sup.DeliverTask(ctx, w.ID, "task-1", "Implement auth", "use JWT"); err != nil {
		t.Fatalf("deliver task: %v", err)
	}

	waitFor(t, events, supervisor.EvtWorkerOutput, 2*time.Second)
	waitFor(t, events, supervisor.EvtWorkerResult, 2*time.Second)

	matched, err := sup.WaitForPattern(ctx, w.ID, regexp.MustCompile(`"type":"result"`), 2*time.Second)
	if err != nil {
		t.Fatalf("wait for pattern: %v", err)
	}
	if !matched {
		t.Fatal("expected result line to appear in recent output")
	}

	lines, err := sup.CaptureOutput(w.ID, 10)
	if err != nil {
		t.Fatalf("capture output: %v", err)
	}
	if len(lines) == 0 {
		t.Fatal("expected some captured output lines")
	}

	if err := sup.DismissWorker(ctx, w.ID); err != nil {
		t.Fatalf("dismiss worker: %v", err)
	}
	final, err := db.GetWorker(ctx, w.ID)
	if err != nil {
		t.Fatalf("get worker after dismiss: %v", err)
	}
	if final.State != store.WorkerStopped {
		t.Fatalf("expected worker stopped after dismiss, got %s", final.State)
	}
}

func TestSupervisorSpawnRejectsWorkingDirOutsideAllowedRoots(t *testing.T) {
	script := writeAgentScript(t)
	db := openTestStore(t)
	sup := supervisor.New(supervisor.Config{
		Store:        db,
		AllowedRoots: []string{t.TempDir()},
		SpawnCommand: script,
	})

	if _, err := sup.Spawn(context.Background(), "alpha", "scout-1", "scout", t.TempDir(), "", 1, "", ""); err == nil {
		t.Fatal("expected spawn into a non-whitelisted working dir to fail")
	}
}

func waitFor(t *testing.T, ch <-chan supervisor.Broadcast, kind string, timeout time.Duration) supervisor.Broadcast {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case b := <-ch:
			if b.Kind == kind {
				return b
			}
		case <-deadline:
			t.Fatalf("timed out waiting for broadcast kind %q", kind)
		}
	}
}
