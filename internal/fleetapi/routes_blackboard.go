package fleetapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/basket/fleetcore/internal/store"
)

func (s *Server) registerBlackboardRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /blackboard", s.handlePostBlackboard)
	mux.HandleFunc("GET /blackboard", s.handleReadBlackboard)
	mux.HandleFunc("POST /blackboard/mark-read", s.handleMarkBlackboardRead)
	mux.HandleFunc("POST /blackboard/archive", s.handleArchiveBlackboard)
	mux.HandleFunc("POST /blackboard/archive-old", s.handleArchiveOldBlackboard)
}

type postBlackboardRequest struct {
	SwarmID       string          `json:"swarmId"`
	MessageType   string          `json:"messageType"`
	Priority      string          `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
	TargetHandle  string          `json:"targetHandle"`
}

func (s *Server) handlePostBlackboard(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	var req postBlackboardRequest
	if apiErr := s.decodeJSON(r, "blackboardPost", &req); apiErr != nil {
		apiErr.write(w)
		return
	}
	priority := store.Priority(req.Priority)
	if priority == "" {
		priority = store.PriorityNormal
	}
	msg, err := s.blackboard.Post(r.Context(), store.BlackboardMessage{
		ID:            "bb-" + shortID(),
		SwarmID:       req.SwarmID,
		SenderHandle:  ac.Handle,
		MessageType:   store.MessageType(req.MessageType),
		Priority:      priority,
		PayloadJSON:   string(req.Payload),
		TargetHandle:  req.TargetHandle,
	})
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	s.broadcastSwarm(r.Context(), req.SwarmID, "blackboard_message", msg)
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleReadBlackboard(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	q := r.URL.Query()
	f := store.BlackboardFilter{
		SwarmID:      q.Get("swarmId"),
		MessageType:  store.MessageType(q.Get("messageType")),
		MinPriority:  store.Priority(q.Get("priority")),
		UnreadOnly:   q.Get("unreadOnly") == "true",
		ReaderHandle: q.Get("readerHandle"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	msgs, err := s.blackboard.Read(r.Context(), f)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type blackboardIDsRequest struct {
	IDs          []string `json:"ids"`
	ReaderHandle string   `json:"readerHandle"`
}

func (s *Server) handleMarkBlackboardRead(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	var req blackboardIDsRequest
	if err := decodeLoose(r, &req); err != nil {
		errBadRequest("invalid JSON body").write(w)
		return
	}
	reader := req.ReaderHandle
	if reader == "" {
		reader = ac.Handle
	}
	if err := s.blackboard.MarkRead(r.Context(), req.IDs, reader); err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleArchiveBlackboard(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	var req blackboardIDsRequest
	if err := decodeLoose(r, &req); err != nil {
		errBadRequest("invalid JSON body").write(w)
		return
	}
	if err := s.blackboard.Archive(r.Context(), req.IDs); err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type archiveOldRequest struct {
	OlderThanMs int64 `json:"olderThanMs"`
}

func (s *Server) handleArchiveOldBlackboard(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	if apiErr := requireAdmin(r.Context(), ac); apiErr != nil {
		apiErr.write(w)
		return
	}
	var req archiveOldRequest
	if err := decodeLoose(r, &req); err != nil {
		errBadRequest("invalid JSON body").write(w)
		return
	}
	count, err := s.blackboard.ArchiveOlderThan(r.Context(), req.OlderThanMs)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"archived": count})
}
