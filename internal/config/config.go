// Package config loads fleet.yaml, the fleetd daemon's YAML configuration,
// and syncs its declared templates and schedules into the durable store.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/basket/fleetcore/internal/store"
)

// TemplateConfig declares a reusable task template (spec §3 Template).
type TemplateConfig struct {
	Name             string   `yaml:"name"`
	Description      string   `yaml:"description"`
	Category         string   `yaml:"category"`
	Role             string   `yaml:"role"`
	PromptTemplate   string   `yaml:"prompt_template"`
	EstimatedMinutes *int     `yaml:"estimated_minutes,omitempty"`
	RequiredContext  []string `yaml:"required_context,omitempty"`
}

// ScheduleConfig binds a cron expression to a set of named templates
// (spec §3 Schedule / §4.F).
type ScheduleConfig struct {
	Name       string   `yaml:"name"`
	CronExpr   string   `yaml:"cron_expr"`
	Templates  []string `yaml:"templates"`
	Repository string   `yaml:"repository"`
	Enabled    bool     `yaml:"enabled"`
}

// RoleOverride lets an operator tighten (never loosen past compile-time
// maxima) a role's spawn privileges without a binary rebuild. The
// role/permission table itself stays fixed in internal/rolematrix; this
// only disables CanSpawn for a role fleet.yaml wants locked down.
type RoleOverride struct {
	Role     string `yaml:"role"`
	CanSpawn *bool  `yaml:"can_spawn,omitempty"`
}

// AuthConfig controls how agents obtain bearer tokens from POST /auth.
type AuthConfig struct {
	// SharedSecret, if set, must be presented as X-Bootstrap-Secret on
	// POST /auth. Empty means auth is open to any caller (dev mode).
	SharedSecret string `yaml:"shared_secret"`
	// TokenTTLMinutes bounds how long an issued token stays valid. 0 means
	// tokens never expire.
	TokenTTLMinutes int `yaml:"token_ttl_minutes"`
}

// RateLimitConfig configures the HTTP front's token-bucket limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// TelemetryConfig controls the OpenTelemetry tracer wired into Store
// transactions and HTTP handlers (SPEC_FULL.md ambient stack).
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "none"
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the parsed shape of fleet.yaml plus environment overrides.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr     string   `yaml:"bind_addr"`
	LogLevel     string   `yaml:"log_level"`
	AllowOrigins []string `yaml:"allow_origins"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	MaxSpawnDepth      int `yaml:"max_spawn_depth"`
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks"`
	PlannerTickMS      int `yaml:"planner_tick_ms"`
	PlannerBatchSize   int `yaml:"planner_batch_size"`

	RestartCap           int `yaml:"restart_cap"`
	DismissGraceSeconds  int `yaml:"dismiss_grace_seconds"`
	HeartbeatPollSeconds int `yaml:"heartbeat_poll_seconds"`
	RingBufferSize       int `yaml:"ring_buffer_size"`
	TaskTimeoutSeconds   int `yaml:"task_timeout_seconds"`

	ReputationDecayHours int `yaml:"reputation_decay_hours"`

	SpawnCommand []string `yaml:"spawn_command"`

	Telegram struct {
		Token      string  `yaml:"token"`
		AllowedIDs []int64 `yaml:"allowed_ids"`
		Enabled    bool    `yaml:"enabled"`
	} `yaml:"telegram"`

	Templates    []TemplateConfig `yaml:"templates"`
	Schedules    []ScheduleConfig `yaml:"schedules"`
	RoleOverride []RoleOverride   `yaml:"role_overrides"`
}

// ConfigPath returns the path to fleet.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "fleet.yaml")
}

func defaultConfig() Config {
	return Config{
		BindAddr:             "0.0.0.0:8787",
		LogLevel:             "info",
		MaxSpawnDepth:        3,
		MaxConcurrentTasks:   50,
		PlannerTickMS:        1000,
		PlannerBatchSize:     16,
		RestartCap:           5,
		DismissGraceSeconds:  10,
		HeartbeatPollSeconds: 15,
		RingBufferSize:       4096,
		TaskTimeoutSeconds:   600,
		ReputationDecayHours: 24,
		RateLimit:            RateLimitConfig{RequestsPerSecond: 20, Burst: 40},
		SpawnCommand:         []string{"fleetd-agent"},
		Telemetry:            TelemetryConfig{Enabled: false, Exporter: "stdout", ServiceName: "fleetd", SampleRate: 1.0},
	}
}

// HomeDir resolves the fleetd home directory, FLEETD_HOME overriding the default.
func HomeDir() string {
	if override := os.Getenv("FLEETD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".fleetd")
}

// Load reads fleet.yaml (creating the home dir if missing), applies
// environment overrides, and normalizes defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create fleetd home: %w", err)
	}

	if err := loadFile(ConfigPath(cfg.HomeDir), &cfg); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Reload re-reads fleet.yaml in place, preserving HomeDir, for use by a
// fsnotify-triggered hot reload (spec ambient stack: config hot-reload).
func Reload(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	if err := loadFile(ConfigPath(homeDir), &cfg); err != nil {
		return cfg, err
	}
	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read fleet.yaml: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse fleet.yaml: %w", err)
	}
	return nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "0.0.0.0:8787"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxSpawnDepth <= 0 {
		cfg.MaxSpawnDepth = 3
	}
	if cfg.PlannerTickMS <= 0 {
		cfg.PlannerTickMS = 1000
	}
	if cfg.PlannerBatchSize <= 0 {
		cfg.PlannerBatchSize = 16
	}
	if cfg.RestartCap <= 0 {
		cfg.RestartCap = 5
	}
	if cfg.HeartbeatPollSeconds <= 0 {
		cfg.HeartbeatPollSeconds = 15
	}
	if cfg.RingBufferSize <= 0 {
		cfg.RingBufferSize = 4096
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = 600
	}
	if len(cfg.SpawnCommand) == 0 {
		cfg.SpawnCommand = []string{"fleetd-agent"}
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 40
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FLEETD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("FLEETD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FLEETD_MAX_SPAWN_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxSpawnDepth = v
		}
	}
	if raw := os.Getenv("FLEETD_AUTH_SHARED_SECRET"); raw != "" {
		cfg.Auth.SharedSecret = raw
	}
	if raw := os.Getenv("FLEETD_ALLOW_ORIGINS"); raw != "" {
		cfg.AllowOrigins = strings.Split(raw, ",")
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
		cfg.Telegram.Enabled = true
	}
}

// Fingerprint returns a stable hash of the active config, surfaced on
// GET /health so operators can tell whether a reload actually landed.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|depth=%d|origins=%v|templates=%d|schedules=%d",
		c.BindAddr, c.LogLevel, c.MaxSpawnDepth, c.AllowOrigins, len(c.Templates), len(c.Schedules))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Sync upserts every templates/schedules entry declared in fleet.yaml into
// the store, by name, so config-driven definitions and API-created ones
// share the same tables. It is safe to call on every load and reload: an
// existing template with a matching name is left untouched (config
// declares the seed, not a continuous override of runtime edits).
func (c Config) Sync(ctx context.Context, st *store.Store) error {
	existingTemplates, err := st.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("sync templates: %w", err)
	}
	byName := make(map[string]store.Template, len(existingTemplates))
	for _, t := range existingTemplates {
		byName[t.Name] = t
	}

	idsByName := make(map[string]string, len(c.Templates))
	for _, tc := range c.Templates {
		if existing, ok := byName[tc.Name]; ok {
			idsByName[tc.Name] = existing.ID
			continue
		}
		required, _ := json.Marshal(tc.RequiredContext)
		created, err := st.CreateTemplate(ctx, store.Template{
			ID:               uuid.NewString(),
			Name:             tc.Name,
			Description:      tc.Description,
			Category:         tc.Category,
			Role:             tc.Role,
			PromptTemplate:   tc.PromptTemplate,
			EstimatedMinutes: tc.EstimatedMinutes,
			RequiredContext:  required,
		})
		if err != nil {
			return fmt.Errorf("sync template %q: %w", tc.Name, err)
		}
		idsByName[tc.Name] = created.ID
	}

	existingSchedules, err := st.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("sync schedules: %w", err)
	}
	scheduledNames := make(map[string]bool, len(existingSchedules))
	for _, sc := range existingSchedules {
		scheduledNames[sc.Name] = true
	}

	for _, sc := range c.Schedules {
		if scheduledNames[sc.Name] {
			continue
		}
		ids := make([]string, 0, len(sc.Templates))
		for _, name := range sc.Templates {
			if id, ok := idsByName[name]; ok {
				ids = append(ids, id)
			}
		}
		if _, err := st.CreateSchedule(ctx, store.Schedule{
			ID:              uuid.NewString(),
			Name:            sc.Name,
			CronExpr:        sc.CronExpr,
			TaskTemplateIDs: ids,
			Repository:      sc.Repository,
			Enabled:         sc.Enabled,
		}); err != nil && !isConflict(err) {
			return fmt.Errorf("sync schedule %q: %w", sc.Name, err)
		}
	}
	return nil
}

func isConflict(err error) bool {
	var se *store.StoreError
	if errors.As(err, &se) {
		return se.Kind == store.KindConflict
	}
	return false
}
