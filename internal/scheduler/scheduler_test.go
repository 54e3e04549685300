package scheduler_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/fleetcore/internal/scheduler"
	"github.com/basket/fleetcore/internal/store"
)

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

func mustTemplate(t *testing.T, s *store.Store, role string) store.Template {
	t.Helper()
	tmpl, err := s.CreateTemplate(context.Background(), store.Template{
		ID:             "tmpl-" + t.Name(),
		Name:           "nightly-" + t.Name(),
		Role:           role,
		PromptTemplate: "run the nightly job for {repository}",
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	return tmpl
}

func TestSchedulerFiresDueSchedule(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tmpl := mustTemplate(t, s, "worker")

	past := time.Now().Add(-5 * time.Minute)
	_, err := s.CreateSchedule(ctx, store.Schedule{
		ID:              "sched-" + t.Name(),
		Name:            "nightly",
		CronExpr:        "*/5 * * * *",
		TaskTemplateIDs: []string{tmpl.ID},
		Repository:      "example/repo",
		Enabled:         true,
		NextRun:         &past,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	sched := scheduler.NewScheduler(scheduler.Config{
		Store:    s,
		Logger:   slog.Default(),
		Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool {
		items, err := s.GetReadyItems(ctx, 10)
		return err == nil && len(items) > 0
	})

	items, err := s.GetReadyItems(ctx, 10)
	if err != nil {
		t.Fatalf("get ready items: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(items[0].PayloadJSON, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["prompt"] != "run the nightly job for example/repo" {
		t.Fatalf("unexpected prompt: %s", payload["prompt"])
	}
	if items[0].TargetAgentType != "worker" {
		t.Fatalf("expected targetAgentType=worker, got %s", items[0].TargetAgentType)
	}
}

func TestSchedulerSubstitutesEveryPlaceholder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tmpl, err := s.CreateTemplate(ctx, store.Template{
		ID:             "tmpl-" + t.Name(),
		Name:           "review-" + t.Name(),
		Role:           "worker",
		PromptTemplate: "review {prNumber} in {repository} touching {files} labeled {labels} on {branch}",
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	_, err = s.CreateSchedule(ctx, store.Schedule{
		ID:              "sched-" + t.Name(),
		Name:            "review",
		CronExpr:        "* * * * *",
		TaskTemplateIDs: []string{tmpl.ID},
		Repository:      "example/repo",
		Enabled:         true,
		NextRun:         &past,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	sched := scheduler.NewScheduler(scheduler.Config{
		Store:    s,
		Logger:   slog.Default(),
		Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 3*time.Second, func() bool {
		items, err := s.GetReadyItems(ctx, 10)
		return err == nil && len(items) > 0
	})

	items, err := s.GetReadyItems(ctx, 10)
	if err != nil {
		t.Fatalf("get ready items: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(items[0].PayloadJSON, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	// Placeholders without a value substitute empty; none may leak literally.
	if strings.ContainsAny(payload["prompt"], "{}") {
		t.Fatalf("placeholder leaked into prompt: %s", payload["prompt"])
	}
	if !strings.Contains(payload["prompt"], "example/repo") {
		t.Fatalf("repository not substituted: %s", payload["prompt"])
	}
}

func TestSchedulerRejectsMissingRequiredContext(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tmpl, err := s.CreateTemplate(ctx, store.Template{
		ID:              "tmpl-" + t.Name(),
		Name:            "pr-review-" + t.Name(),
		Role:            "worker",
		PromptTemplate:  "review {prNumber}",
		RequiredContext: json.RawMessage(`["prNumber"]`),
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	past := time.Now().Add(-time.Minute)
	_, err = s.CreateSchedule(ctx, store.Schedule{
		ID:              "sched-" + t.Name(),
		Name:            "pr-review",
		CronExpr:        "* * * * *",
		TaskTemplateIDs: []string{tmpl.ID},
		Repository:      "example/repo",
		Enabled:         true,
		NextRun:         &past,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	sched := scheduler.NewScheduler(scheduler.Config{
		Store:    s,
		Logger:   slog.Default(),
		Interval: 50 * time.Millisecond,
	})
	sched.Start(ctx)
	defer sched.Stop()

	// The schedule fires but the enqueue must fail validation: prNumber is
	// required context no schedule can supply.
	waitFor(t, 3*time.Second, func() bool {
		got, err := s.GetSchedule(ctx, "sched-"+t.Name())
		return err == nil && got.LastRun != nil
	})
	items, err := s.GetReadyItems(ctx, 10)
	if err != nil {
		t.Fatalf("get ready items: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no enqueued items for missing required context, got %d", len(items))
	}
}

func TestSchedulerDisabledSkipped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tmpl := mustTemplate(t, s, "worker")

	past := time.Now().Add(-5 * time.Minute)
	_, err := s.CreateSchedule(ctx, store.Schedule{
		ID:              "sched-" + t.Name(),
		Name:            "disabled",
		CronExpr:        "*/5 * * * *",
		TaskTemplateIDs: []string{tmpl.ID},
		Repository:      "example/repo",
		Enabled:         false,
		NextRun:         &past,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	sched := scheduler.NewScheduler(scheduler.Config{Store: s, Logger: slog.Default(), Interval: 50 * time.Millisecond})
	sched.Start(ctx)
	time.Sleep(200 * time.Millisecond)
	sched.Stop()

	items, err := s.GetReadyItems(ctx, 10)
	if err != nil {
		t.Fatalf("get ready items: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected 0 spawn items for disabled schedule, got %d", len(items))
	}
}

func TestSchedulerAdvancesNextRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tmpl := mustTemplate(t, s, "worker")

	past := time.Now().Add(-1 * time.Minute)
	created, err := s.CreateSchedule(ctx, store.Schedule{
		ID:              "sched-" + t.Name(),
		Name:            "tick",
		CronExpr:        "*/10 * * * *",
		TaskTemplateIDs: []string{tmpl.ID},
		Repository:      "example/repo",
		Enabled:         true,
		NextRun:         &past,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	sched := scheduler.NewScheduler(scheduler.Config{Store: s, Logger: slog.Default(), Interval: 50 * time.Millisecond})
	sched.Start(ctx)
	defer sched.Stop()

	var found store.Schedule
	waitFor(t, 3*time.Second, func() bool {
		got, err := s.GetSchedule(ctx, created.ID)
		if err != nil || got.LastRun == nil {
			return false
		}
		found = got
		return true
	})

	if found.NextRun == nil || !found.NextRun.After(past) {
		t.Fatalf("expected nextRun after %v, got %v", past, found.NextRun)
	}
}
