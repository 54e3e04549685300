// Package fleetapi is the HTTP/WebSocket front door for fleetd: bearer-token
// auth, REST endpoints over the durable store, and a typed-frame WebSocket
// feed for live updates (spec §6).
package fleetapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/basket/fleetcore/internal/blackboard"
	"github.com/basket/fleetcore/internal/config"
	"github.com/basket/fleetcore/internal/notify"
	"github.com/basket/fleetcore/internal/otelsupport"
	"github.com/basket/fleetcore/internal/safety"
	"github.com/basket/fleetcore/internal/scheduler"
	"github.com/basket/fleetcore/internal/shared"
	"github.com/basket/fleetcore/internal/store"
	"github.com/basket/fleetcore/internal/supervisor"
)

// Config wires the pieces a Server needs: the durable store, the process
// supervisor, the auto-scheduler, the blackboard bus, and the subset of
// config.Config that shapes HTTP behavior (origins, auth, rate limit).
type Config struct {
	Store      *store.Store
	Supervisor *supervisor.Supervisor
	Scheduler  *scheduler.Scheduler
	Blackboard *blackboard.Bus
	Notifier   notify.Notifier
	App        config.Config
	Logger     *slog.Logger
	Version    string
	// SpawnQueueWaker nudges the planner to tick immediately after an
	// enqueue instead of waiting for its periodic timer (spec §4.C).
	SpawnQueueWaker SpawnQueueWaker
}

// Server holds everything a request handler needs and is the receiver for
// every route method in this package.
type Server struct {
	store      *store.Store
	supervisor *supervisor.Supervisor
	scheduler  *scheduler.Scheduler
	blackboard *blackboard.Bus
	notifier   notify.Notifier
	app        config.Config
	logger     *slog.Logger
	tokens     *TokenStore
	limiter    *rateLimiter
	hub        *wsHub
	validators *validatorSet
	screener   *safety.Screener
	version    string
	startedAt  time.Time

	spawnQueueWaker SpawnQueueWaker

	schedulerMu      sync.Mutex
	schedulerRunning bool
	baseCtx          context.Context
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	ttl := time.Duration(cfg.App.Auth.TokenTTLMinutes) * time.Minute
	s := &Server{
		store:      cfg.Store,
		supervisor: cfg.Supervisor,
		scheduler:  cfg.Scheduler,
		blackboard: cfg.Blackboard,
		notifier:   notifier,
		spawnQueueWaker: cfg.SpawnQueueWaker,
		app:        cfg.App,
		logger:     logger,
		tokens:     NewTokenStore(ttl),
		limiter:    newRateLimiter(cfg.App.RateLimit.RequestsPerSecond, cfg.App.RateLimit.Burst),
		hub:        newWSHub(),
		validators: newValidatorSet(),
		screener:   safety.NewScreener(),
		version:    cfg.Version,
		startedAt:  time.Now(),
	}
	return s
}

// Handler builds the full mux with the middleware chain applied: CORS ->
// size limit -> rate limit -> routes. Auth is enforced per-route since
// routes differ in whether they require a team-scoped or admin-tier token.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHealthRoutes(mux)
	s.registerAuthRoutes(mux)
	s.registerIdentityRoutes(mux)
	s.registerChatRoutes(mux)
	s.registerTaskRoutes(mux)
	s.registerOrchestrationRoutes(mux)
	s.registerBlackboardRoutes(mux)
	s.registerSpawnQueueRoutes(mux)
	s.registerCheckpointRoutes(mux)
	s.registerSwarmRoutes(mux)
	s.registerSchedulerRoutes(mux)
	s.registerTLDRRoutes(mux)
	s.registerWSRoutes(mux)

	var handler http.Handler = mux
	handler = s.limiter.wrap(handler, s.rateLimitKey)
	handler = requestSizeLimitMiddleware(10 * 1024 * 1024)(handler)
	handler = newCORSMiddleware(s.app.AllowOrigins)(handler)
	handler = traceMiddleware(handler)
	handler = otelsupport.Middleware(handler)
	return handler
}

// rateLimitKey buckets by the caller's authenticated identity; anything the
// TokenStore doesn't recognize shares one bucket per client address.
func (s *Server) rateLimitKey(r *http.Request) string {
	if token := ExtractBearerToken(r); token != "" {
		if ac, ok := s.tokens.Lookup(token); ok {
			return "uid:" + ac.UID
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// traceMiddleware stamps every request with a trace_id so audit rows and
// log lines produced while handling it can be correlated.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Run starts the limiter's stale-bucket eviction loop and blocks serving
// HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.baseCtx = ctx
	s.limiter.startEviction(ctx, time.Minute, 10*time.Minute)
	s.hub.startKeepalive(ctx)

	srv := &http.Server{
		Addr:              s.app.BindAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// decodeJSON reads and validates a JSON request body against the named
// schema (see validate.go), returning an *apiError ready to write on
// failure.
func (s *Server) decodeJSON(r *http.Request, schemaName string, out any) *apiError {
	return s.validators.decode(r, schemaName, out)
}

// decodeLoose unmarshals a request body without schema validation, for the
// small handful of request shapes (team broadcast, mark-read, worker
// message) that carry no field needing the stricter bounds enforced
// elsewhere by validate.go.
func decodeLoose(r *http.Request, out any) error {
	return json.NewDecoder(r.Body).Decode(out)
}

// screenForWorker rejects text that must not reach a worker's stdin and
// logs the suspect-but-forwardable cases.
func (s *Server) screenForWorker(ctx context.Context, text, surface string) *apiError {
	result := s.screener.Screen(text)
	switch result.Verdict {
	case safety.VerdictReject:
		s.logger.Warn("blocked suspected prompt injection", "surface", surface, "reason", result.Reason)
		return errBadRequest("rejected: " + result.Reason)
	case safety.VerdictSuspect:
		s.logger.Warn("suspect text forwarded to worker", "surface", surface, "reason", result.Reason)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
