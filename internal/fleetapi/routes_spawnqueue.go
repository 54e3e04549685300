package fleetapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/basket/fleetcore/internal/store"
)

// SpawnQueue is the narrowed *planner.Planner surface the server wakes after
// an enqueue; declared here rather than importing internal/planner directly
// to keep fleetapi's dependency graph one-directional (planner depends on
// store/rolematrix only, fleetapi depends on planner's Wake signal alone).
type SpawnQueueWaker interface {
	Wake()
}

func (s *Server) registerSpawnQueueRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /spawn-queue", s.handleEnqueueSpawn)
	mux.HandleFunc("GET /spawn-queue", s.handleListSpawnQueue)
	mux.HandleFunc("GET /spawn-queue/{id}", s.handleGetSpawnItem)
	mux.HandleFunc("DELETE /spawn-queue/{id}", s.handleCancelSpawn)
}

type enqueueSpawnRequest struct {
	TargetAgentType string          `json:"targetAgentType"`
	DepthLevel      int             `json:"depthLevel"`
	SwarmID         string          `json:"swarmId"`
	Priority        int             `json:"priority"`
	DependsOn       []string        `json:"dependsOn"`
	WorkingDir      string          `json:"workingDir"`
	InitialPrompt   string          `json:"initialPrompt"`
	Model           string          `json:"model"`
}

func (s *Server) handleEnqueueSpawn(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	var req enqueueSpawnRequest
	if apiErr := s.decodeJSON(r, "spawnRequest", &req); apiErr != nil {
		apiErr.write(w)
		return
	}
	priority := req.Priority
	if priority == 0 {
		priority = 3
	}
	payload, _ := json.Marshal(map[string]string{
		"workingDir":    req.WorkingDir,
		"initialPrompt": req.InitialPrompt,
		"model":         req.Model,
	})
	item, err := s.store.EnqueueSpawn(r.Context(), store.SpawnQueueItem{
		ID:              "spawn-" + shortID(),
		RequesterHandle: ac.Handle,
		TargetAgentType: req.TargetAgentType,
		DepthLevel:      req.DepthLevel,
		SwarmID:         req.SwarmID,
		Priority:        priority,
		DependsOn:       req.DependsOn,
		PayloadJSON:     payload,
	})
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	if s.spawnQueueWaker != nil {
		s.spawnQueueWaker.Wake()
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleListSpawnQueue(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	items, err := s.store.GetReadyItems(r.Context(), limit)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetSpawnItem(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	item, err := s.store.GetSpawnItem(r.Context(), r.PathValue("id"))
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleCancelSpawn(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	if err := s.store.CancelSpawn(r.Context(), r.PathValue("id")); err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
