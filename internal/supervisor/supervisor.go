// Package supervisor owns the set of live worker child processes and their
// output streams (spec §4.B): spawning, monitoring, restarting, and
// dismissing the external agent sessions that host each Worker.
package supervisor

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basket/fleetcore/internal/safety"
	"github.com/basket/fleetcore/internal/shared"
	"github.com/basket/fleetcore/internal/store"
)

// Events broadcast by the supervisor; the HTTP/WS front subscribes to these
// the same way the teacher's gateway subscribes to the bus.
const (
	EvtWorkerReady  = "worker:ready"
	EvtWorkerOutput = "worker:output"
	EvtWorkerTool   = "worker:tool"
	EvtWorkerResult = "worker:result"
	EvtWorkerError  = "worker:error"
	EvtWorkerExit   = "worker:exit"
)

// Broadcast is a fanned-out supervisor notification. kind is one of the
// Evt* constants; payload is event-specific (line text, tool name, etc).
type Broadcast struct {
	Kind    string
	Handle  string
	Team    string
	Payload string
}

// Config wires the supervisor's collaborators, grounded on the teacher's
// Config-struct-driven component wiring.
type Config struct {
	Store            *store.Store
	Logger           *slog.Logger
	AllowedRoots     []string
	SpawnCommand     string
	RestartCap       int
	DismissGrace     time.Duration
	HeartbeatPoll    time.Duration
	RingBufferSize   int
	TaskTimeout      time.Duration
	LeakDetector     *safety.LeakDetector
	Broadcast        func(Broadcast)
	ContainerFactory func() (transport, error) // lazily constructs the fallback transport
}

// Supervisor owns every live worker's process handle, ring buffer, and
// heartbeat state.
type Supervisor struct {
	cfg     Config
	store   *store.Store
	log     *slog.Logger
	primary transport

	mu      sync.Mutex
	workers map[string]*liveWorker // keyed by worker id
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type liveWorker struct {
	worker store.Worker
	handle processHandle
	ring   *ringBuffer

	mu           sync.Mutex
	lastOutputAt time.Time
	lastHashAt   time.Time
	lastHash     [20]byte
	dismissing   bool
}

// worker.State and worker.CurrentTaskID are written by the pump goroutine
// and read by HTTP-handler goroutines; both sides go through these accessors
// so lw.mu is the single guard.
func (lw *liveWorker) state() store.WorkerState {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.worker.State
}

func (lw *liveWorker) setState(st store.WorkerState) {
	lw.mu.Lock()
	lw.worker.State = st
	lw.mu.Unlock()
}

func (lw *liveWorker) setCurrentTask(taskID string) {
	lw.mu.Lock()
	lw.worker.CurrentTaskID = taskID
	lw.mu.Unlock()
}

func (lw *liveWorker) isDismissing() bool {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.dismissing
}

func New(cfg Config) *Supervisor {
	if cfg.RestartCap <= 0 {
		cfg.RestartCap = 3
	}
	if cfg.DismissGrace <= 0 {
		cfg.DismissGrace = 10 * time.Second
	}
	if cfg.HeartbeatPoll <= 0 {
		cfg.HeartbeatPoll = 10 * time.Second
	}
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = 300
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LeakDetector == nil {
		cfg.LeakDetector = safety.NewLeakDetector()
	}
	if cfg.Broadcast == nil {
		cfg.Broadcast = func(Broadcast) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:     cfg,
		store:   cfg.Store,
		log:     cfg.Logger,
		primary: newStdioTransport(cfg.SpawnCommand, cfg.AllowedRoots),
		workers: make(map[string]*liveWorker),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Run starts the background heartbeat sweep; callers run it in a goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweepHealth(ctx)
		}
	}
}

// Shutdown dismisses every live worker (SIGTERM, then SIGKILL after the
// grace period) and stops the heartbeat sweep (spec §5 "Cancellation &
// timeouts").
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.cancel()
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.DismissWorker(ctx, id)
		}(id)
	}
	wg.Wait()
	s.wg.Wait()
}

// Spawn forks the agent process for handle, identified by teamName/role/
// workingDir, and returns once the process is launched but before it is
// ready (spec §4.B).
func (s *Supervisor) Spawn(ctx context.Context, teamName, handle, role, workingDir, swarmID string, depthLevel int, initialPrompt, model string) (store.Worker, error) {
	w, err := s.store.CreateWorker(ctx, store.Worker{
		ID:         uuid.NewString(),
		Handle:     handle,
		TeamName:   teamName,
		Role:       role,
		SwarmID:    swarmID,
		DepthLevel: depthLevel,
		WorkingDir: workingDir,
	})
	if err != nil {
		return store.Worker{}, fmt.Errorf("create worker record: %w", err)
	}

	if err := s.store.TransitionWorkerState(ctx, w.ID, store.WorkerStarting); err != nil {
		return store.Worker{}, err
	}
	w.State = store.WorkerStarting

	spec := spawnSpec{
		Handle:          handle,
		TeamName:        teamName,
		AgentType:       role,
		Color:           colorHash(handle),
		WorkingDir:      workingDir,
		FleetURL:        "http://localhost:8080",
		ParentSessionID: w.ID,
		InitialPrompt:   initialPrompt,
		Model:           model,
	}

	if s.log.Enabled(ctx, slog.LevelDebug) {
		redacted := make([]string, 0, len(spec.agentEnv()))
		for _, kv := range spec.agentEnv() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				redacted = append(redacted, k+"="+shared.RedactEnvValue(k, v))
			}
		}
		s.log.Debug("spawning worker", "handle", handle, "env", redacted)
	}

	h, spawnErr := s.primary.start(s.ctx, spec)
	mode := store.SpawnModeProcess
	if spawnErr != nil {
		if s.cfg.ContainerFactory == nil {
			return store.Worker{}, fmt.Errorf("primary transport failed and no fallback configured: %w", spawnErr)
		}
		fallback, ferr := s.cfg.ContainerFactory()
		if ferr != nil {
			return store.Worker{}, fmt.Errorf("primary transport failed (%v) and fallback init failed: %w", spawnErr, ferr)
		}
		h, spawnErr = fallback.start(s.ctx, spec)
		if spawnErr != nil {
			return store.Worker{}, fmt.Errorf("both transports failed: %w", spawnErr)
		}
		mode = store.SpawnModeContainer
	}
	w.SpawnMode = mode

	if mode == store.SpawnModeProcess {
		_ = s.store.SetWorkerPID(ctx, w.ID, h.PID())
	}

	lw := &liveWorker{worker: w, handle: h, ring: newRingBuffer(s.cfg.RingBufferSize), lastOutputAt: time.Now()}
	s.mu.Lock()
	s.workers[w.ID] = lw
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pump(w.ID, lw)

	if initialPrompt != "" {
		if _, err := fmt.Fprintln(h.Stdin(), initialPrompt); err != nil {
			s.log.Warn("failed writing initial prompt", "handle", handle, "err", err)
		}
	}

	return w, nil
}

// SendToWorker writes message + "\n" to the worker's stdin, updates its
// heartbeat, and transitions ready -> working.
func (s *Supervisor) SendToWorker(ctx context.Context, id, message string) error {
	lw, err := s.lookup(id)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(lw.handle.Stdin(), message); err != nil {
		return fmt.Errorf("write worker stdin: %w", err)
	}
	if err := s.store.TouchHeartbeat(ctx, id); err != nil {
		return err
	}
	if lw.state() == store.WorkerReady {
		if err := s.store.TransitionWorkerState(ctx, id, store.WorkerWorking); err != nil {
			return err
		}
		lw.setState(store.WorkerWorking)
	}
	return nil
}

// DeliverTask wraps SendToWorker with a fixed markdown template carrying the
// task's id, title, and description (spec §4.B).
func (s *Supervisor) DeliverTask(ctx context.Context, id, taskID, title, description string) error {
	msg := fmt.Sprintf("## Task %s: %s\n\n%s\n", taskID, title, description)
	if err := s.SendToWorker(ctx, id, msg); err != nil {
		return err
	}
	if err := s.store.SetWorkerTask(ctx, id, taskID); err != nil {
		return err
	}
	lw, err := s.lookup(id)
	if err == nil {
		lw.setCurrentTask(taskID)
	}
	return nil
}

// DismissWorker transitions a worker to stopping, sends SIGTERM, then
// SIGKILL after the configured grace period, and marks it stopped on exit.
func (s *Supervisor) DismissWorker(ctx context.Context, id string) error {
	lw, err := s.lookup(id)
	if err != nil {
		return err
	}
	lw.mu.Lock()
	if lw.dismissing {
		lw.mu.Unlock()
		return nil
	}
	lw.dismissing = true
	lw.mu.Unlock()

	if err := s.store.TransitionWorkerState(ctx, id, store.WorkerStopping); err != nil {
		return err
	}
	_ = lw.handle.Terminate()

	done := make(chan struct{})
	go func() {
		_ = lw.handle.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.DismissGrace):
		_ = lw.handle.Kill()
		<-done
	}

	return s.store.DismissWorker(ctx, id)
}

// InterruptWorker sends an interrupt signal without terminating the worker.
func (s *Supervisor) InterruptWorker(ctx context.Context, id string) error {
	lw, err := s.lookup(id)
	if err != nil {
		return err
	}
	return lw.handle.Interrupt()
}

// CaptureOutput returns the last n lines from the worker's ring buffer.
func (s *Supervisor) CaptureOutput(id string, n int) ([]string, error) {
	lw, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	return lw.ring.last(n), nil
}

// WaitForIdle returns true once the worker's output has been stable for
// stableMs within timeout.
func (s *Supervisor) WaitForIdle(ctx context.Context, id string, timeout, stable time.Duration) (bool, error) {
	lw, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		lw.mu.Lock()
		quietFor := time.Since(lw.lastOutputAt)
		lw.mu.Unlock()
		if quietFor >= stable {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitForPattern returns true once any line in the worker's recent output
// matches re, polling until timeout.
func (s *Supervisor) WaitForPattern(ctx context.Context, id string, re *regexp.Regexp, timeout time.Duration) (bool, error) {
	lw, err := s.lookup(id)
	if err != nil {
		return false, err
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		for _, line := range lw.ring.last(0) {
			if re.MatchString(line) {
				return true, nil
			}
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) lookup(id string) (*liveWorker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lw, ok := s.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %q is not live on this supervisor", id)
	}
	return lw, nil
}

// pump is the per-worker output poller: reads classified lines from the
// transport, applies leak redaction, updates the ring buffer and heartbeat,
// and drives state transitions per spec §4.B's output pipeline.
func (s *Supervisor) pump(id string, lw *liveWorker) {
	defer s.wg.Done()
	ctx := context.Background()

	for line := range lw.handle.Lines() {
		clean := line
		if warnings := s.cfg.LeakDetector.Scan(line); len(warnings) > 0 {
			clean = shared.Redact(line)
			s.log.Warn("redacted suspected secret in worker output", "handle", lw.worker.Handle, "patterns", len(warnings))
		}

		lw.ring.push(clean)
		lw.mu.Lock()
		lw.lastOutputAt = time.Now()
		lw.mu.Unlock()
		_ = s.store.TouchHeartbeat(ctx, id)

		for _, evt := range classifyLine(clean) {
			s.handleEvent(ctx, id, lw, evt)
		}
	}

	s.handleExit(ctx, id, lw)
}

func (s *Supervisor) handleEvent(ctx context.Context, id string, lw *liveWorker, evt AgentEvent) {
	switch evt.Kind {
	case EventSystem:
		if evt.Subtype == "init" {
			if evt.SessionID != "" {
				_ = s.store.SetWorkerSession(ctx, id, evt.SessionID)
			}
			if lw.state() == store.WorkerStarting {
				_ = s.store.TransitionWorkerState(ctx, id, store.WorkerReady)
				lw.setState(store.WorkerReady)
				s.cfg.Broadcast(Broadcast{Kind: EvtWorkerReady, Handle: lw.worker.Handle, Team: lw.worker.TeamName})
			}
		}
	case EventAssistant:
		if lw.state() == store.WorkerReady {
			_ = s.store.TransitionWorkerState(ctx, id, store.WorkerWorking)
			lw.setState(store.WorkerWorking)
		}
		s.cfg.Broadcast(Broadcast{Kind: EvtWorkerOutput, Handle: lw.worker.Handle, Team: lw.worker.TeamName, Payload: evt.Text})
	case EventToolUse:
		s.cfg.Broadcast(Broadcast{Kind: EvtWorkerTool, Handle: lw.worker.Handle, Team: lw.worker.TeamName, Payload: evt.ToolName})
	case EventResult:
		_ = s.store.TransitionWorkerState(ctx, id, store.WorkerReady)
		lw.setState(store.WorkerReady)
		s.cfg.Broadcast(Broadcast{Kind: EvtWorkerResult, Handle: lw.worker.Handle, Team: lw.worker.TeamName, Payload: evt.Raw})
	case EventError:
		s.cfg.Broadcast(Broadcast{Kind: EvtWorkerError, Handle: lw.worker.Handle, Team: lw.worker.TeamName, Payload: evt.ErrorMsg})
	}
}

// handleExit implements the restart policy (spec §4.B): unexpected exits in
// ready/working are retried up to RestartCap, replaying the latest
// checkpoint as the resume prompt; beyond the cap the worker is terminal.
func (s *Supervisor) handleExit(ctx context.Context, id string, lw *liveWorker) {
	s.mu.Lock()
	delete(s.workers, id)
	s.mu.Unlock()

	if lw.isDismissing() {
		// DismissWorker reaps the child via its own Wait.
		return
	}
	// Reap the exited child so it doesn't linger as a zombie.
	_ = lw.handle.Wait()

	if st := lw.state(); st != store.WorkerReady && st != store.WorkerWorking {
		return
	}

	count, err := s.store.IncrementRestart(ctx, id)
	if err != nil {
		s.log.Error("increment restart count failed", "handle", lw.worker.Handle, "err", err)
		return
	}

	if count > s.cfg.RestartCap {
		_ = s.store.TransitionWorkerState(ctx, id, store.WorkerError)
		s.cfg.Broadcast(Broadcast{Kind: EvtWorkerExit, Handle: lw.worker.Handle, Team: lw.worker.TeamName})
		return
	}

	resumePrompt := ""
	if cp, err := s.store.LatestCheckpoint(ctx, lw.worker.Handle); err == nil {
		resumePrompt = cp.FormatForResume()
	} else if !store.IsKind(err, store.KindNotFound) {
		s.log.Warn("checkpoint lookup failed during restart", "handle", lw.worker.Handle, "err", err)
	}

	if _, err := s.Spawn(ctx, lw.worker.TeamName, lw.worker.Handle, lw.worker.Role, lw.worker.WorkingDir,
		lw.worker.SwarmID, lw.worker.DepthLevel, resumePrompt, ""); err != nil {
		s.log.Error("restart spawn failed", "handle", lw.worker.Handle, "err", err)
		_ = s.store.TransitionWorkerState(ctx, id, store.WorkerError)
		s.cfg.Broadcast(Broadcast{Kind: EvtWorkerExit, Handle: lw.worker.Handle, Team: lw.worker.TeamName})
	}
}

// sweepHealth recomputes every live worker's health bucket from elapsed
// heartbeat time (spec §4.B: <=30s healthy, 30-60s degraded, >60s unhealthy).
func (s *Supervisor) sweepHealth(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		w, err := s.store.GetWorker(ctx, id)
		if err != nil {
			continue
		}
		elapsed := time.Since(w.LastHeartbeat)
		health := store.HealthHealthy
		switch {
		case elapsed > 60*time.Second:
			health = store.HealthUnhealthy
		case elapsed > 30*time.Second:
			health = store.HealthDegraded
		}
		if health != w.Health {
			_ = s.store.SetWorkerHealth(ctx, id, health)
		}
		if health == store.HealthUnhealthy && w.State == store.WorkerWorking && s.cfg.TaskTimeout > 0 && elapsed > s.cfg.TaskTimeout {
			if lw, err := s.lookup(id); err == nil {
				_ = lw.handle.Interrupt()
			}
		}
	}
}

// colorHash derives a deterministic hex color from a worker handle, used so
// the spawned process's AGENT_COLOR env var is stable across restarts.
func colorHash(handle string) string {
	sum := sha1.Sum([]byte(handle))
	return fmt.Sprintf("#%02x%02x%02x", sum[0], sum[1], sum[2])
}
