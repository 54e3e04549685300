package fleetapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/basket/fleetcore/internal/audit"
)

// AuthContext is what a bearer token resolves to: the identity and
// permission tier a request is acting as (spec §6 Auth).
type AuthContext struct {
	UID       string
	Handle    string
	TeamName  string
	AgentType string
}

// adminTiers may spawn/dismiss workers, manage swarms, and control the
// scheduler; the rest may only touch chats, tasks, blackboard, and
// checkpoints within their own team. The spec's permission matrix is fixed
// "(glossary)" but the glossary only states the spawn-depth role matrix
// (internal/rolematrix); agentType is a separate, coarser identity axis
// (spec §3), so this tiering is this package's own reading of "insufficient
// permission" for agentType, recorded in DESIGN.md.
var adminAgentTypes = map[string]bool{
	"team-lead":   true,
	"coordinator": true,
}

func isAdminAgentType(agentType string) bool {
	return adminAgentTypes[agentType]
}

type authContextKey struct{}

// tokenRecord pairs an AuthContext with its optional expiry.
type tokenRecord struct {
	ctx       AuthContext
	expiresAt time.Time // zero means no expiry
}

// TokenStore issues and validates the opaque bearer tokens returned by
// POST /auth. It is in-memory only: a restart requires every agent to
// re-authenticate, which is acceptable since agents re-run /auth on
// reconnect the same way the supervisor re-spawns them with a fresh prompt.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]tokenRecord
	ttl    time.Duration
}

func NewTokenStore(ttl time.Duration) *TokenStore {
	return &TokenStore{tokens: make(map[string]tokenRecord), ttl: ttl}
}

// Issue mints a new opaque token bound to ctx.
func (t *TokenStore) Issue(ctx AuthContext) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)
	rec := tokenRecord{ctx: ctx}
	if t.ttl > 0 {
		rec.expiresAt = time.Now().Add(t.ttl)
	}
	t.mu.Lock()
	t.tokens[token] = rec
	t.mu.Unlock()
	return token, nil
}

// Lookup resolves a token to its AuthContext, evicting it first if expired.
func (t *TokenStore) Lookup(token string) (AuthContext, bool) {
	t.mu.RLock()
	rec, ok := t.tokens[token]
	t.mu.RUnlock()
	if !ok {
		return AuthContext{}, false
	}
	if !rec.expiresAt.IsZero() && time.Now().After(rec.expiresAt) {
		t.mu.Lock()
		delete(t.tokens, token)
		t.mu.Unlock()
		return AuthContext{}, false
	}
	return rec.ctx, true
}

// ExtractBearerToken pulls the caller's token from the Authorization header
// (the WebSocket upgrade request can't easily carry custom headers; it
// falls back to a ?token= query param the same way the teacher's
// ExtractAPIKey fell back to ?api_key= for SSE clients).
func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// constantTimeLookup guards against timing attacks on top of the map
// lookup, mirroring the teacher's subtle.ConstantTimeCompare discipline.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// authContextFromRequest resolves and validates the bearer token. teamName,
// when non-empty, is the route's team path param; a token minted for a
// different team is rejected (spec §6: "rejects tokens whose team differs
// from the route's team").
func (s *Server) authContextFromRequest(r *http.Request, teamName string) (AuthContext, *apiError) {
	token := ExtractBearerToken(r)
	if token == "" {
		return AuthContext{}, errUnauthorized("missing bearer token")
	}
	ac, ok := s.tokens.Lookup(token)
	if !ok {
		return AuthContext{}, errUnauthorized("invalid or expired token")
	}
	if teamName != "" && ac.TeamName != teamName {
		audit.Record(r.Context(), "deny", "auth.team", "token team does not match route team", policyVersion,
			"team:"+ac.TeamName+" handle:"+ac.Handle)
		return AuthContext{}, errForbidden("token team does not match route team")
	}
	return ac, nil
}

// policyVersion tags audit rows with the revision of the compiled-in
// permission tiering, so a replayed audit log can be judged against the
// matrix that produced it.
const policyVersion = "matrix-v1"

// requireAdmin checks the resolved AuthContext carries an admin-tier
// agentType (spec §6: "rejects operations for which the token's agentType
// lacks permission").
func requireAdmin(ctx context.Context, ac AuthContext) *apiError {
	if !isAdminAgentType(ac.AgentType) {
		audit.Record(ctx, "deny", "auth.admin", "agentType "+ac.AgentType+" lacks permission", policyVersion,
			"team:"+ac.TeamName+" handle:"+ac.Handle)
		return errForbidden("agentType lacks permission for this operation")
	}
	return nil
}

func withAuthContext(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

func authContextFrom(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(AuthContext)
	return ac, ok
}
