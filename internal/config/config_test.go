package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/fleetcore/internal/config"
	"github.com/basket/fleetcore/internal/store"
)

func TestReloadAppliesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := config.Reload(t.TempDir())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:8787" {
		t.Fatalf("expected default bind addr, got %q", cfg.BindAddr)
	}
	if cfg.MaxSpawnDepth != 3 {
		t.Fatalf("expected default max spawn depth 3, got %d", cfg.MaxSpawnDepth)
	}
	if len(cfg.SpawnCommand) != 1 || cfg.SpawnCommand[0] != "fleetd-agent" {
		t.Fatalf("expected default spawn command, got %v", cfg.SpawnCommand)
	}
}

func TestReloadParsesYAMLFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
bind_addr: "127.0.0.1:9000"
max_spawn_depth: 7
templates:
  - name: pr-review
    role: critic
    prompt_template: "review {prNumber}"
`
	if err := os.WriteFile(config.ConfigPath(dir), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write fleet.yaml: %v", err)
	}

	cfg, err := config.Reload(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:9000" {
		t.Fatalf("expected configured bind addr, got %q", cfg.BindAddr)
	}
	if cfg.MaxSpawnDepth != 7 {
		t.Fatalf("expected configured max spawn depth, got %d", cfg.MaxSpawnDepth)
	}
	if len(cfg.Templates) != 1 || cfg.Templates[0].Name != "pr-review" {
		t.Fatalf("expected one parsed template, got %+v", cfg.Templates)
	}
}

func TestEnvOverridesTakePrecedenceOverFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `bind_addr: "127.0.0.1:9000"`
	if err := os.WriteFile(config.ConfigPath(dir), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write fleet.yaml: %v", err)
	}
	t.Setenv("FLEETD_BIND_ADDR", "0.0.0.0:1234")

	cfg, err := config.Reload(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:1234" {
		t.Fatalf("expected env override to win, got %q", cfg.BindAddr)
	}
}

func TestFingerprintChangesWithConfig(t *testing.T) {
	a := config.Config{BindAddr: "a", LogLevel: "info", MaxSpawnDepth: 3}
	b := config.Config{BindAddr: "b", LogLevel: "info", MaxSpawnDepth: 3}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected different configs to fingerprint differently")
	}
	if a.Fingerprint() != a.Fingerprint() {
		t.Fatal("expected fingerprint to be deterministic for the same config")
	}
}

func TestSyncSeedsTemplatesAndSchedulesWithoutOverwritingExisting(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer db.Close()
	ctx := context.Background()

	cfg := config.Config{
		Templates: []config.TemplateConfig{
			{Name: "pr-review", Role: "critic", PromptTemplate: "review {prNumber}"},
		},
		Schedules: []config.ScheduleConfig{
			{Name: "nightly", CronExpr: "0 0 * * *", Templates: []string{"pr-review"}, Enabled: true},
		},
	}
	if err := cfg.Sync(ctx, db); err != nil {
		t.Fatalf("sync: %v", err)
	}

	templates, err := db.ListTemplates(ctx)
	if err != nil {
		t.Fatalf("list templates: %v", err)
	}
	if len(templates) != 1 {
		t.Fatalf("expected 1 synced template, got %d", len(templates))
	}

	schedules, err := db.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(schedules) != 1 || len(schedules[0].TaskTemplateIDs) != 1 {
		t.Fatalf("expected 1 synced schedule wired to the template, got %+v", schedules)
	}

	// Re-syncing must not duplicate or overwrite existing rows.
	if err := cfg.Sync(ctx, db); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	templates2, err := db.ListTemplates(ctx)
	if err != nil {
		t.Fatalf("list templates after resync: %v", err)
	}
	if len(templates2) != 1 {
		t.Fatalf("expected resync to stay idempotent, got %d templates", len(templates2))
	}
}
