package fleetapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/fleetcore/internal/audit"
	"github.com/basket/fleetcore/internal/store"
)

// wsFrame is the one typed envelope every message going over a socket uses,
// in either direction (spec §4.G): inbound subscribe/unsubscribe requests
// and outbound broadcast/event pushes all share this shape, the same
// flat-envelope-plus-payload idiom the teacher's gateway uses for its
// JSON-RPC frames, simplified since this surface has no request/response
// correlation, only fire-and-forget fan-out.
type wsFrame struct {
	Type    string `json:"type"`
	Topic   string `json:"topic,omitempty"`
	ChatID  string `json:"chatId,omitempty"`
	UID     string `json:"uid,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// wsClient wraps one accepted connection with its own write mutex, mirroring
// the teacher's gateway client: coder/websocket connections are safe for one
// concurrent reader and one concurrent writer, not many writers.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex

	subMu  sync.Mutex
	topics map[string]struct{}
}

func (c *wsClient) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

func (c *wsClient) subscribe(topic string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.topics[topic] = struct{}{}
}

func (c *wsClient) unsubscribe(topic string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.topics, topic)
}

func (c *wsClient) subscribed(topic string) bool {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	_, ok := c.topics[topic]
	return ok
}

// wsHub is the registry of live WebSocket clients and the single broadcast
// point the rest of fleetapi (and the supervisor/scheduler/blackboard
// callbacks wired in cmd/fleetd) push typed frames through. Grounded on the
// teacher's gateway.Server client registry (internal/gateway/gateway.go),
// adapted from a session-keyed subscription model to a flat topic-keyed one
// since Fleet Orchestration's live feeds are per-chat and per-swarm topics
// rather than per-agent-session transcripts.
type wsHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	logger  *slog.Logger
}

func newWSHub() *wsHub {
	return &wsHub{
		clients: make(map[*wsClient]struct{}),
		logger:  slog.Default(),
	}
}

func (h *wsHub) addClient(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *wsHub) removeClient(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// broadcast pushes a frame to every client subscribed to topic. An empty
// topic pushes to every connected client (used for fleet-wide events like
// worker:ready that have no natural chat/swarm scope).
func (h *wsHub) broadcast(ctx context.Context, topic string, frame wsFrame) {
	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		if topic == "" || c.subscribed(topic) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(ctx, frame); err != nil {
			h.logger.Debug("fleetapi: ws broadcast write failed", "error", err)
		}
	}
}

// startKeepalive pings every connected client every 30s (spec §4.G) so
// intermediaries don't reap idle connections and disconnects are noticed
// promptly.
func (h *wsHub) startKeepalive(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.broadcast(ctx, "", wsFrame{Type: "ping"})
			}
		}
	}()
}

// registerWSRoutes mounts the single WebSocket upgrade endpoint. Auth is
// bearer-token same as REST (spec §6): the token is read via
// ExtractBearerToken's query-param fallback since browsers can't set custom
// headers on the upgrade request.
func (s *Server) registerWSRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.app.AllowOrigins,
	})
	if err != nil {
		return
	}
	client := &wsClient{conn: conn, topics: make(map[string]struct{})}
	s.hub.addClient(client)
	defer func() {
		s.hub.removeClient(client)
		conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	_ = client.write(ctx, wsFrame{Type: "hello", UID: ac.UID})

	for {
		var req wsFrame
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		switch req.Type {
		case "subscribe":
			topic := wsTopic(req)
			if topic == "" {
				continue
			}
			if !s.authorizeTopic(ctx, ac, topic) {
				audit.Record(ctx, "deny", "ws.subscribe", "topic outside caller's team or chats", policyVersion,
					"team:"+ac.TeamName+" handle:"+ac.Handle+" topic:"+topic)
				_ = client.write(ctx, wsFrame{Type: "error", Topic: topic, Payload: "not authorized for topic"})
				continue
			}
			client.subscribe(topic)
			_ = client.write(ctx, wsFrame{Type: "subscribed", Topic: topic})
		case "unsubscribe":
			topic := wsTopic(req)
			if topic == "" {
				continue
			}
			client.unsubscribe(topic)
			_ = client.write(ctx, wsFrame{Type: "unsubscribed", Topic: topic})
		case "pong":
			// client keepalive ack, nothing to do
		default:
			_ = client.write(ctx, wsFrame{Type: "error", Payload: "unknown frame type: " + req.Type})
		}
	}
}

// authorizeTopic enforces the same team boundary on subscriptions the REST
// routes enforce on requests: team topics require the caller's own team,
// chat topics require being a participant. Swarm topics stay open to every
// authenticated agent since swarms deliberately span teams (spec glossary).
func (s *Server) authorizeTopic(ctx context.Context, ac AuthContext, topic string) bool {
	switch {
	case strings.HasPrefix(topic, "team."):
		return strings.TrimPrefix(topic, "team.") == ac.TeamName
	case strings.HasPrefix(topic, "chat."):
		chat, err := s.store.GetChat(ctx, strings.TrimPrefix(topic, "chat."))
		if err != nil {
			return false
		}
		for _, uid := range chat.Participants {
			if uid == ac.UID {
				return true
			}
		}
		return false
	default:
		return true
	}
}

func wsTopic(f wsFrame) string {
	switch {
	case f.ChatID != "":
		return "chat." + f.ChatID
	case f.Topic != "":
		return f.Topic
	default:
		return ""
	}
}

// broadcastChat and the other typed helpers below are what route handlers
// and the composition root call instead of reaching into hub internals.

func (s *Server) broadcastChatMessage(ctx context.Context, chatID string, msg store.Message) {
	s.hub.broadcast(ctx, "chat."+chatID, wsFrame{Type: "new_message", ChatID: chatID, Payload: msg})
}

func (s *Server) broadcastTeam(ctx context.Context, teamName string, payload any) {
	s.hub.broadcast(ctx, "team."+teamName, wsFrame{Type: "broadcast", Topic: teamName, Payload: payload})
}

func (s *Server) broadcastSwarm(ctx context.Context, swarmID string, frameType string, payload any) {
	s.hub.broadcast(ctx, "swarm."+swarmID, wsFrame{Type: frameType, Topic: swarmID, Payload: payload})
}

func (s *Server) broadcastWorkerEvent(ctx context.Context, frameType, handle, team, payload string) {
	s.hub.broadcast(ctx, "team."+team, wsFrame{
		Type:    frameType,
		Topic:   team,
		Payload: map[string]string{"handle": handle, "team": team, "data": payload},
	})
}

// BroadcastWorkerEvent is the exported entry point the composition root
// hands to supervisor.Config.Broadcast, since the supervisor is constructed
// before the Server and cannot reach its unexported hub directly.
func (s *Server) BroadcastWorkerEvent(ctx context.Context, frameType, handle, team, payload string) {
	s.broadcastWorkerEvent(ctx, frameType, handle, team, payload)
}
