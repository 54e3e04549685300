// Package planner is the Spawn Queue Planner (spec §4.C): it decides which
// pending spawn requests are admitted to the Worker Supervisor, and in what
// order. Ticking mirrors the teacher's cron.Scheduler loop shape (a
// time.Ticker plus a select on a wake channel and ctx.Done()); admission
// validation/execution is the same two-phase shape as the teacher's DAG
// Executor (internal/coordinator/executor.go): validate admissibility for a
// batch, then admit wave-by-wave, except here a "wave" is a single
// priority-ordered batch rather than a topological layer.
package planner

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/fleetcore/internal/rolematrix"
	"github.com/basket/fleetcore/internal/store"
)

// Spawner is the subset of *supervisor.Supervisor the planner admits items
// onto. Narrowed to an interface so planner tests can fake it.
type Spawner interface {
	Spawn(ctx context.Context, teamName, handle, role, workingDir, swarmID string, depthLevel int, initialPrompt, model string) (store.Worker, error)
}

// Config wires the planner's collaborators.
type Config struct {
	Store     *store.Store
	Spawner   Spawner
	Logger    *slog.Logger
	Tick      time.Duration // defaults to 1s per spec §4.C
	BatchSize int           // defaults to 16 per spec §4.C
	// GlobalMaxWorkers caps total live workers across every swarm (spec §4.C
	// rule 5, "a system cap"). Zero means unbounded.
	GlobalMaxWorkers int
	// RequesterRole resolves a spawn requester's handle to the role used for
	// the depth/permission check (spec §4.C rule 3). In practice this is the
	// requester's own worker role, or "lead" for an operator-issued request.
	RequesterRole func(ctx context.Context, requesterHandle string) (string, int, error)
}

// Planner ticks on a periodic timer or an explicit wake signal, reading up
// to BatchSize highest-priority pending spawn-queue items and admitting the
// ones that satisfy spec §4.C's five-point predicate.
type Planner struct {
	cfg    Config
	store  *store.Store
	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Planner from cfg, applying the spec's documented
// defaults for Tick and BatchSize.
func New(cfg Config) *Planner {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RequesterRole == nil {
		cfg.RequesterRole = func(context.Context, string) (string, int, error) {
			return rolematrix.RoleLead, 0, nil
		}
	}
	return &Planner{
		cfg:   cfg,
		store: cfg.Store,
		wake:  make(chan struct{}, 1),
	}
}

// Wake nudges the planner to run a tick immediately rather than waiting for
// the next timer fire (spec §4.C: "triggered by either an enqueue event or
// a periodic 1s timer"). Non-blocking: a pending wake already queued is not
// duplicated.
func (p *Planner) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run starts the planner's tick loop in the caller's goroutine-of-choice;
// callers typically `go planner.Run(ctx)`.
func (p *Planner) Run(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		case <-p.wake:
			p.tick(ctx)
		}
	}
}

// Stop cancels the tick loop and waits for it to exit.
func (p *Planner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Planner) tick(ctx context.Context) {
	items, err := p.store.GetReadyItems(ctx, p.cfg.BatchSize)
	if err != nil {
		p.cfg.Logger.Error("planner: failed to read spawn queue", "error", err)
		return
	}
	for _, item := range items {
		p.admit(ctx, item)
	}
}

// admit applies spec §4.C's five-point admission predicate to one item and,
// on success, calls Supervisor.Spawn and flips the row to spawned; on
// failure it flips to rejected with a reason. GetReadyItems already filters
// on status==pending and dependency satisfaction (points 1-2), so admit
// only evaluates points 3-5.
func (p *Planner) admit(ctx context.Context, item store.SpawnQueueItem) {
	role, depth, err := p.cfg.RequesterRole(ctx, item.RequesterHandle)
	if err != nil {
		p.reject(ctx, item, "requester role lookup failed: "+err.Error())
		return
	}
	if !rolematrix.CanSpawnAt(role, depth, item.DepthLevel) {
		p.reject(ctx, item, "requester role lacks spawn permission at this depth")
		return
	}

	if item.SwarmID != "" {
		swarm, err := p.store.GetSwarm(ctx, item.SwarmID)
		if err != nil {
			p.reject(ctx, item, "unknown swarm")
			return
		}
		live, err := p.store.LiveWorkerCount(ctx, item.SwarmID)
		if err != nil {
			p.reject(ctx, item, "swarm live-worker count unavailable")
			return
		}
		if live >= swarm.MaxAgents {
			// Not a rejection: the swarm is merely full right now. Leave
			// pending so a later tick (after a dismissal) can admit it.
			return
		}
	}

	if p.cfg.GlobalMaxWorkers > 0 {
		total, err := p.store.TotalLiveWorkerCount(ctx)
		if err != nil {
			p.reject(ctx, item, "global live-worker count unavailable")
			return
		}
		if total >= p.cfg.GlobalMaxWorkers {
			return
		}
	}

	var payload struct {
		WorkingDir    string `json:"workingDir"`
		InitialPrompt string `json:"initialPrompt"`
		Model         string `json:"model"`
	}
	_ = json.Unmarshal(item.PayloadJSON, &payload)
	if payload.WorkingDir == "" {
		payload.WorkingDir = "."
	}

	worker, err := p.cfg.Spawner.Spawn(ctx, teamOf(item), item.RequesterHandle+"-"+item.TargetAgentType,
		item.TargetAgentType, payload.WorkingDir, item.SwarmID, item.DepthLevel,
		payload.InitialPrompt, payload.Model)
	if err != nil {
		p.reject(ctx, item, "spawn failed: "+err.Error())
		return
	}

	if err := p.store.UpdateSpawnStatus(ctx, item.ID, store.SpawnSpawned, worker.ID, ""); err != nil {
		p.cfg.Logger.Error("planner: failed to record spawned status", "spawn_id", item.ID, "error", err)
	}
}

func (p *Planner) reject(ctx context.Context, item store.SpawnQueueItem, reason string) {
	if err := p.store.UpdateSpawnStatus(ctx, item.ID, store.SpawnRejected, "", reason); err != nil {
		p.cfg.Logger.Error("planner: failed to record rejection", "spawn_id", item.ID, "error", err)
	}
}

// teamOf derives a worker's team name from its requester handle. The spawn
// queue item itself does not carry teamName (spec §3 SpawnQueueItem), so a
// real deployment resolves it from the requester's own worker/user record;
// this planner takes it from the requester handle's existing User row,
// falling back to "default" for operator-issued root spawns.
func teamOf(item store.SpawnQueueItem) string {
	if item.SwarmID != "" {
		return item.SwarmID
	}
	return "default"
}
