// Command fleetd is the Fleet Orchestration Core daemon: the composition
// root that wires the Store, Worker Supervisor, Spawn Queue Planner,
// Blackboard Bus, Auto-Scheduler, and HTTP/WS Front into one running
// process (spec.md §2, SPEC_FULL.md §0 "MODULE LAYOUT").
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/fleetcore/internal/audit"
	"github.com/basket/fleetcore/internal/blackboard"
	"github.com/basket/fleetcore/internal/config"
	"github.com/basket/fleetcore/internal/fleetapi"
	"github.com/basket/fleetcore/internal/notify"
	"github.com/basket/fleetcore/internal/otelsupport"
	"github.com/basket/fleetcore/internal/planner"
	"github.com/basket/fleetcore/internal/safety"
	"github.com/basket/fleetcore/internal/scheduler"
	"github.com/basket/fleetcore/internal/store"
	"github.com/basket/fleetcore/internal/supervisor"
	"github.com/basket/fleetcore/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=...".
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                 Run the fleet daemon in the foreground, logging to
                      stdout and logs/fleet.jsonl under FLEETD_HOME.

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FLEETD_HOME              Data directory (default: ~/.fleetd)
  FLEETD_BIND_ADDR         HTTP/WS listen address (default: 0.0.0.0:8787)
  FLEETD_LOG_LEVEL         debug|info|warn|error (default: info)
  FLEETD_MAX_SPAWN_DEPTH   Override spawn depth cap
  FLEETD_AUTH_SHARED_SECRET  Require this on POST /auth
  FLEETD_ALLOW_ORIGINS     Comma-separated CORS origin allowlist
  TELEGRAM_TOKEN           Enables the Telegram notification backend
`)
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("fatal startup failure", "code", code, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "%s: %v\n", code, err)
	}
	os.Exit(1)
}

func main() {
	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "bind_addr", cfg.BindAddr)

	otelProvider, err := otelsupport.Init(ctx, otelsupport.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()

	dbPath := filepath.Join(cfg.HomeDir, "fleet.db")
	st, err := store.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "store_opened", "path", dbPath)

	if err := audit.SetDB(st.DB()); err != nil {
		fatalStartup(logger, "E_AUDIT_DB", err)
	}

	if err := cfg.Sync(ctx, st); err != nil {
		fatalStartup(logger, "E_CONFIG_SYNC", err)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config hot-reload disabled, watcher failed to start", "error", err)
	} else {
		go watchConfigReloads(ctx, watcher, cfg.HomeDir, st, logger)
	}

	bus, err := blackboard.Start(blackboard.Config{Store: st, Logger: logger})
	if err != nil {
		fatalStartup(logger, "E_BLACKBOARD_START", err)
	}
	defer bus.Close()
	logger.Info("startup phase", "phase", "blackboard_started")

	notifier := buildNotifier(cfg, logger)

	var allowedRoots []string
	if wd, err := os.Getwd(); err == nil {
		allowedRoots = []string{wd}
	}

	var (
		apiServer *fleetapi.Server
		sched     *scheduler.Scheduler
	)

	sup := supervisor.New(supervisor.Config{
		Store:          st,
		Logger:         logger,
		AllowedRoots:   allowedRoots,
		SpawnCommand:   firstOrDefault(cfg.SpawnCommand, "fleetd-agent"),
		RestartCap:     cfg.RestartCap,
		DismissGrace:   time.Duration(cfg.DismissGraceSeconds) * time.Second,
		HeartbeatPoll:  time.Duration(cfg.HeartbeatPollSeconds) * time.Second,
		RingBufferSize: cfg.RingBufferSize,
		TaskTimeout:    time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		LeakDetector:   safety.NewLeakDetector(),
		Broadcast: func(b supervisor.Broadcast) {
			if apiServer != nil {
				apiServer.BroadcastWorkerEvent(ctx, b.Kind, b.Handle, b.Team, b.Payload)
			}
			if sched != nil && (b.Kind == supervisor.EvtWorkerError || b.Kind == supervisor.EvtWorkerResult) {
				go relaySchedulerOutcome(ctx, st, sched, b)
			}
		},
	})
	go sup.Run(ctx)
	logger.Info("startup phase", "phase", "supervisor_started")

	spawnPlanner := planner.New(planner.Config{
		Store:            st,
		Spawner:          sup,
		Logger:           logger,
		Tick:             time.Duration(cfg.PlannerTickMS) * time.Millisecond,
		BatchSize:        cfg.PlannerBatchSize,
		GlobalMaxWorkers: 0,
	})
	go spawnPlanner.Run(ctx)
	logger.Info("startup phase", "phase", "planner_started")

	// The scheduler itself is started/stopped through POST /scheduler/start
	// and /stop rather than unconditionally here: the Server tracks
	// schedulerRunning for GET /scheduler/status, and starting it out from
	// under that bookkeeping would desync the two.
	sched = scheduler.NewScheduler(scheduler.Config{
		Store:              st,
		Notifier:           notifier,
		Logger:             logger,
		Interval:           time.Minute,
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
	})
	logger.Info("startup phase", "phase", "scheduler_constructed")

	apiServer = fleetapi.NewServer(fleetapi.Config{
		Store:           st,
		Supervisor:      sup,
		Scheduler:       sched,
		Blackboard:      bus,
		Notifier:        notifier,
		App:             cfg,
		Logger:          logger,
		Version:         Version,
		SpawnQueueWaker: spawnPlanner,
	})

	logger.Info("fleetd ready", "bind_addr", cfg.BindAddr, "version", Version)
	runErr := apiServer.Run(ctx)

	spawnPlanner.Stop()
	sup.Shutdown(context.Background())
	logger.Info("fleetd shutdown complete")

	if runErr != nil {
		fatalStartup(logger, "E_SERVER_RUN", runErr)
	}
}

func buildNotifier(cfg config.Config, logger *slog.Logger) notify.Notifier {
	backends := []notify.Notifier{notify.NewLogNotifier(logger)}
	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.AllowedIDs, logger)
		if err != nil {
			logger.Warn("telegram notifier init failed, continuing with log-only notifications", "error", err)
		} else {
			backends = append(backends, tg)
		}
	}
	if len(backends) == 1 {
		return backends[0]
	}
	return notify.NewMulti(backends...)
}

// watchConfigReloads re-syncs templates and schedules from fleet.yaml each
// time it changes on disk. Bind address, auth, and rate-limit settings are
// fixed at process start; picking those up live would mean tearing down and
// rebuilding the HTTP server's middleware chain, which fleet.yaml hot-reload
// does not attempt (operators restart fleetd for those).
func watchConfigReloads(ctx context.Context, watcher *config.Watcher, homeDir string, st *store.Store, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			reloaded, err := config.Reload(homeDir)
			if err != nil {
				logger.Error("config reload failed", "path", ev.Path, "error", err)
				continue
			}
			if err := reloaded.Sync(ctx, st); err != nil {
				logger.Error("config resync failed", "path", ev.Path, "error", err)
				continue
			}
			logger.Info("config reloaded", "fingerprint", reloaded.Fingerprint())
		}
	}
}

// relaySchedulerOutcome maps a worker result/error event back to the spawn
// queue item that produced the worker, so the scheduler can retry or
// release its concurrency slot. Workers not admitted from the queue (direct
// /orchestrate spawns) simply don't resolve and are ignored.
func relaySchedulerOutcome(ctx context.Context, st *store.Store, sched *scheduler.Scheduler, b supervisor.Broadcast) {
	w, err := st.GetWorkerByHandle(ctx, b.Team, b.Handle)
	if err != nil {
		return
	}
	item, err := st.GetSpawnItemByWorker(ctx, w.ID)
	if err != nil {
		return
	}
	if b.Kind == supervisor.EvtWorkerError {
		sched.ObserveWorkerError(ctx, item.ID)
		return
	}
	sched.ObserveWorkerResult(ctx, item.ID, time.Since(w.SpawnedAt))
}

func firstOrDefault(cmd []string, fallback string) string {
	if len(cmd) == 0 {
		return fallback
	}
	return cmd[0]
}
