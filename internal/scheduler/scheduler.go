// Package scheduler translates cron expressions and templates into
// spawn-queue items (spec §4.F).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"github.com/google/uuid"

	"github.com/basket/fleetcore/internal/notify"
	"github.com/basket/fleetcore/internal/store"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// templatePlaceholders is the closed set of names a promptTemplate may
// reference as {name}; substitution always covers all of them so an unset
// one never leaks literally into a spawned prompt.
var templatePlaceholders = []string{"repository", "branch", "prNumber", "files", "labels"}

// Config holds the scheduler's dependencies.
type Config struct {
	Store              *store.Store
	Notifier           notify.Notifier
	Logger             *slog.Logger
	Interval           time.Duration // tick interval; defaults to 1 minute
	MaxConcurrentTasks int           // gate on scheduler-originated items in approved+spawned
}

// trackedItem is a scheduler-originated spawn item being retried on failure.
type trackedItem struct {
	retriesLeft  int
	retryDelayMs int
	scheduleID   string
	templateID   string
}

// Scheduler periodically queries the store for due schedules, instantiates
// their templates into spawn-queue items, and retries failed ones.
type Scheduler struct {
	store    *store.Store
	notifier notify.Notifier
	logger   *slog.Logger
	interval time.Duration
	maxConcurrent int

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	tracked  map[string]*trackedItem // spawnItemID -> tracking state
	inFlight int
}

// NewScheduler constructs a Scheduler from cfg.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	maxConcurrent := cfg.MaxConcurrentTasks
	if maxConcurrent <= 0 {
		maxConcurrent = 50
	}
	return &Scheduler{
		store:         cfg.Store,
		notifier:      notifier,
		logger:        logger,
		interval:      interval,
		maxConcurrent: maxConcurrent,
		tracked:       make(map[string]*trackedItem),
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire enqueues each of a schedule's templates as a spawn-queue item of
// priority normal, then advances the schedule's lastRun/nextRun.
func (s *Scheduler) fire(ctx context.Context, sched store.Schedule, now time.Time) {
	for _, templateID := range sched.TaskTemplateIDs {
		if s.atConcurrencyCap() {
			s.logger.Info("scheduler: concurrency cap reached, enqueue deferred", "schedule_id", sched.ID)
			continue
		}
		tmpl, err := s.store.GetTemplate(ctx, templateID)
		if err != nil {
			s.logger.Error("scheduler: unknown template", "schedule_id", sched.ID, "template_id", templateID, "error", err)
			continue
		}
		item, err := s.enqueueFromTemplate(ctx, sched, tmpl)
		if err != nil {
			s.notifier.Notify(ctx, "taskFailed", "schedule enqueue failed",
				err.Error(), notify.SeverityError, map[string]string{
					"schedule_id": sched.ID, "template_id": templateID,
				})
			continue
		}
		s.notifier.Notify(ctx, "taskStarted", "scheduled task enqueued",
			fmt.Sprintf("template %q spawned as %s", tmpl.Name, item.ID),
			notify.SeverityInfo, map[string]string{"schedule_id": sched.ID, "spawn_id": item.ID})
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("scheduler: failed to compute next run", "schedule_id", sched.ID, "error", err)
		return
	}
	if err := s.store.RecordScheduleFire(ctx, sched.ID, &nextRun); err != nil {
		s.logger.Error("scheduler: failed to record schedule fire", "schedule_id", sched.ID, "error", err)
	}
}

// enqueueFromTemplate substitutes placeholders into promptTemplate and
// enqueues a spawn-queue item. A missing required placeholder fails the
// enqueue, mirroring the HTTP layer's 400-style validation (spec §4.F).
func (s *Scheduler) enqueueFromTemplate(ctx context.Context, sched store.Schedule, tmpl store.Template) (store.SpawnQueueItem, error) {
	var required []string
	_ = json.Unmarshal(tmpl.RequiredContext, &required)

	values := map[string]string{"repository": sched.Repository}
	for _, name := range required {
		if values[name] == "" {
			return store.SpawnQueueItem{}, fmt.Errorf("template %q missing required context %q", tmpl.Name, name)
		}
	}
	prompt := substitutePlaceholders(tmpl.PromptTemplate, values)

	payload, _ := json.Marshal(map[string]string{"prompt": prompt, "scheduleId": sched.ID})
	item := store.SpawnQueueItem{
		ID:              uuid.NewString(),
		RequesterHandle: "scheduler",
		TargetAgentType: tmpl.Role,
		Priority:        priorityRankOf(store.PriorityNormal),
		PayloadJSON:     payload,
	}
	created, err := s.store.EnqueueSpawn(ctx, item)
	if err != nil {
		return store.SpawnQueueItem{}, err
	}

	s.mu.Lock()
	s.tracked[created.ID] = &trackedItem{
		retriesLeft: 3, retryDelayMs: 5000, scheduleID: sched.ID, templateID: tmpl.ID,
	}
	s.mu.Unlock()
	return created, nil
}

// ObserveWorkerError is called by the Worker Supervisor when a worker
// emits worker:error. If the worker's currentTaskId correlates to a
// scheduler-originated spawn item, it is retried per its remaining budget.
func (s *Scheduler) ObserveWorkerError(ctx context.Context, spawnItemID string) {
	s.mu.Lock()
	tracked, ok := s.tracked[spawnItemID]
	if ok {
		// The failed item is done either way; a retry gets a fresh queue row
		// tracked under its own id with the remaining budget.
		delete(s.tracked, spawnItemID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	remaining := tracked.retriesLeft - 1
	if remaining <= 0 {
		s.notifier.Notify(ctx, "taskFailed", "scheduled task exhausted retries",
			spawnItemID, notify.SeverityCritical, map[string]string{
				"schedule_id": tracked.scheduleID, "template_id": tracked.templateID,
			})
		return
	}
	time.AfterFunc(time.Duration(tracked.retryDelayMs)*time.Millisecond, func() {
		tmpl, err := s.store.GetTemplate(ctx, tracked.templateID)
		if err != nil {
			return
		}
		sched, err := s.store.GetSchedule(ctx, tracked.scheduleID)
		if err != nil {
			return
		}
		created, err := s.enqueueFromTemplate(ctx, sched, tmpl)
		if err != nil {
			s.logger.Error("scheduler: retry enqueue failed", "spawn_id", spawnItemID, "error", err)
			return
		}
		s.mu.Lock()
		if t, ok := s.tracked[created.ID]; ok {
			t.retriesLeft = remaining
		}
		s.mu.Unlock()
	})
}

// ObserveWorkerResult is the success-path counterpart: the tracked entry is
// released so the concurrency cap reflects only items still in flight.
func (s *Scheduler) ObserveWorkerResult(ctx context.Context, spawnItemID string, elapsed time.Duration) {
	s.mu.Lock()
	tracked, ok := s.tracked[spawnItemID]
	if ok {
		delete(s.tracked, spawnItemID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.notifier.Notify(ctx, "taskCompleted", "scheduled task completed",
		fmt.Sprintf("%s after %s", spawnItemID, elapsed.Round(time.Second)),
		notify.SeverityInfo, map[string]string{
			"schedule_id": tracked.scheduleID, "template_id": tracked.templateID,
		})
}

func (s *Scheduler) atConcurrencyCap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked) >= s.maxConcurrent
}

func substitutePlaceholders(tmpl string, values map[string]string) string {
	out := tmpl
	for _, name := range templatePlaceholders {
		out = strings.ReplaceAll(out, "{"+name+"}", values[name])
	}
	return out
}

func priorityRankOf(p store.Priority) int {
	switch p {
	case store.PriorityCritical:
		return 4
	case store.PriorityHigh:
		return 3
	case store.PriorityLow:
		return 1
	default:
		return 2
	}
}

// NextRunTime parses a cron expression and returns the next run time after `after`.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
