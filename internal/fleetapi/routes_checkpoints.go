package fleetapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/basket/fleetcore/internal/store"
)

func (s *Server) registerCheckpointRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /checkpoints", s.handleCreateCheckpoint)
	mux.HandleFunc("GET /checkpoints/{handle}/latest", s.handleLatestCheckpoint)
	mux.HandleFunc("GET /checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("POST /checkpoints/{id}/accept", s.handleAcceptCheckpoint)
	mux.HandleFunc("POST /checkpoints/{id}/reject", s.handleRejectCheckpoint)
}

type createCheckpointRequest struct {
	WorkerHandle    string          `json:"workerHandle"`
	FromHandle      string          `json:"fromHandle"`
	ToHandle        string          `json:"toHandle"`
	Goal            string          `json:"goal"`
	Now             string          `json:"now"`
	Test            string          `json:"test"`
	DoneThisSession json.RawMessage `json:"doneThisSession"`
	Blockers        json.RawMessage `json:"blockers"`
	Questions       json.RawMessage `json:"questions"`
	Next            json.RawMessage `json:"next"`
}

func (s *Server) handleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	var req createCheckpointRequest
	if apiErr := s.decodeJSON(r, "checkpointCreate", &req); apiErr != nil {
		apiErr.write(w)
		return
	}
	cp, err := s.store.CreateCheckpoint(r.Context(), store.Checkpoint{
		ID:              "ckpt-" + shortID(),
		WorkerHandle:    req.WorkerHandle,
		FromHandle:      req.FromHandle,
		ToHandle:        req.ToHandle,
		Goal:            req.Goal,
		Now:             req.Now,
		Test:            req.Test,
		DoneThisSession: req.DoneThisSession,
		Blockers:        req.Blockers,
		Questions:       req.Questions,
		Next:            req.Next,
	})
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	cp, err := s.store.LatestCheckpoint(r.Context(), r.PathValue("handle"))
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	handle := r.URL.Query().Get("workerHandle")
	if handle == "" {
		errBadRequest("workerHandle query param is required").write(w)
		return
	}
	cps, err := s.store.ListCheckpoints(r.Context(), handle)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	status := store.CheckpointStatus(r.URL.Query().Get("status"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	if status != "" {
		filtered := cps[:0]
		for _, cp := range cps {
			if cp.Status == status {
				filtered = append(filtered, cp)
			}
		}
		cps = filtered
	}
	if limit > 0 && len(cps) > limit {
		cps = cps[:limit]
	}
	writeJSON(w, http.StatusOK, cps)
}

func (s *Server) handleAcceptCheckpoint(w http.ResponseWriter, r *http.Request) {
	s.setCheckpointStatus(w, r, store.CheckpointAccepted)
}

func (s *Server) handleRejectCheckpoint(w http.ResponseWriter, r *http.Request) {
	s.setCheckpointStatus(w, r, store.CheckpointRejected)
}

func (s *Server) setCheckpointStatus(w http.ResponseWriter, r *http.Request, status store.CheckpointStatus) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	id := r.PathValue("id")
	if err := s.store.SetCheckpointStatus(r.Context(), id, status); err != nil {
		fromStoreError(err).write(w)
		return
	}
	cp, err := s.store.GetCheckpoint(r.Context(), id)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}
