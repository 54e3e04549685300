package fleetapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
)

func (s *Server) registerChatRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /users/{uid}/chats", s.handleGetUserChats)
	mux.HandleFunc("POST /chats", s.handleCreateChat)
	mux.HandleFunc("GET /chats/{id}/messages", s.handleListMessages)
	mux.HandleFunc("POST /chats/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("POST /chats/{id}/read", s.handleMarkChatRead)
	mux.HandleFunc("POST /teams/{team}/broadcast", s.handleTeamBroadcast)
}

func (s *Server) handleGetUserChats(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	uid := r.PathValue("uid")
	chats, err := s.store.GetChatsByUser(r.Context(), uid)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

type createChatRequest struct {
	Participants []string `json:"participants"`
	UID1         string   `json:"uid1"`
	UID2         string   `json:"uid2"`
}

// handleCreateChat accepts either the schema's {participants:[...]} form or
// the spec-literal {uid1,uid2} shorthand from §6, normalizing to one list.
func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	var req createChatRequest
	if apiErr := s.decodeJSON(r, "chatCreate", &req); apiErr != nil {
		apiErr.write(w)
		return
	}
	participants := req.Participants
	if len(participants) == 0 && req.UID1 != "" && req.UID2 != "" {
		participants = []string{req.UID1, req.UID2}
	}
	if len(participants) < 2 {
		errBadRequest("chat requires at least two participants").write(w)
		return
	}
	chat, err := s.store.InsertChat(r.Context(), "chat-"+shortID(), participants)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chatId": chat.ID})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	chatID := r.PathValue("id")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	msgs, err := s.store.ListMessages(r.Context(), chatID, limit)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	if after := r.URL.Query().Get("after"); after != "" {
		if afterID, err := strconv.ParseInt(after, 10, 64); err == nil {
			filtered := msgs[:0]
			for _, m := range msgs {
				if m.ID > afterID {
					filtered = append(filtered, m)
				}
			}
			msgs = filtered
		}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type postMessageRequest struct {
	From     string          `json:"from"`
	Text     string          `json:"text"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	chatID := r.PathValue("id")
	var req postMessageRequest
	if apiErr := s.decodeJSON(r, "messageCreate", &req); apiErr != nil {
		apiErr.write(w)
		return
	}
	from := req.From
	if from == "" {
		from = ac.UID
	}
	msg, err := s.store.AppendMessage(r.Context(), chatID, from, req.Text, req.Metadata)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	s.broadcastChatMessage(r.Context(), chatID, msg)
	writeJSON(w, http.StatusOK, msg)
}

type markReadRequest struct {
	UID string `json:"uid"`
}

func (s *Server) handleMarkChatRead(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	chatID := r.PathValue("id")
	var req markReadRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	uid := req.UID
	if uid == "" {
		uid = ac.UID
	}
	if err := s.store.ClearUnread(r.Context(), chatID, uid); err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type broadcastRequest struct {
	From     string          `json:"from"`
	Text     string          `json:"text"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// handleTeamBroadcast pushes a WS "broadcast" frame to every socket
// subscribed to the team's topic (spec §6 "POST /teams/:team/broadcast").
// It is not persisted as a chat message: team broadcasts have no chatId.
func (s *Server) handleTeamBroadcast(w http.ResponseWriter, r *http.Request) {
	team := r.PathValue("team")
	ac, apiErr := s.authContextFromRequest(r, team)
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	var req broadcastRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	from := req.From
	if from == "" {
		from = ac.Handle
	}
	s.broadcastTeam(r.Context(), team, map[string]any{
		"from": from, "text": req.Text, "metadata": req.Metadata,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func shortID() string {
	return uuid.New().String()[:8]
}
