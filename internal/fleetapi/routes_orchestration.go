package fleetapi

import (
	"net/http"
	"strconv"

	"github.com/basket/fleetcore/internal/rolematrix"
)

func (s *Server) registerOrchestrationRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /orchestrate/workers", s.handleSpawnWorker)
	mux.HandleFunc("DELETE /orchestrate/workers/{handle}", s.handleDismissWorker)
	mux.HandleFunc("POST /orchestrate/workers/{handle}/message", s.handleMessageWorker)
	mux.HandleFunc("GET /orchestrate/workers/{handle}/output", s.handleWorkerOutput)
	mux.HandleFunc("GET /orchestrate/workers", s.handleListWorkers)
}

type spawnWorkerRequest struct {
	Role          string `json:"role"`
	TargetAgentType string `json:"targetAgentType"`
	Handle        string `json:"handle"`
	WorkingDir    string `json:"workingDir"`
	SwarmID       string `json:"swarmId"`
	DepthLevel    int    `json:"depthLevel"`
	InitialPrompt string `json:"initialPrompt"`
	Model         string `json:"model"`
}

// handleSpawnWorker spawns a worker directly through the supervisor (the
// synchronous sibling of the asynchronous POST /spawn-queue route): an admin
// caller that already knows it may spawn at this depth bypasses queueing.
func (s *Server) handleSpawnWorker(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	if apiErr := requireAdmin(r.Context(), ac); apiErr != nil {
		apiErr.write(w)
		return
	}
	var req spawnWorkerRequest
	if apiErr := s.decodeJSON(r, "spawnRequest", &req); apiErr != nil {
		apiErr.write(w)
		return
	}
	role := req.Role
	if role == "" {
		role = req.TargetAgentType
	}
	if !rolematrix.CanSpawnAt(ac.AgentType, 0, req.DepthLevel) && ac.AgentType != "team-lead" {
		errForbidden("role lacks spawn permission at this depth").write(w)
		return
	}
	handle := req.Handle
	if handle == "" {
		handle = ac.Handle + "-" + role
	}
	workingDir := req.WorkingDir
	if workingDir == "" {
		workingDir = "."
	}
	worker, err := s.supervisor.Spawn(r.Context(), ac.TeamName, handle, role, workingDir,
		req.SwarmID, req.DepthLevel, req.InitialPrompt, req.Model)
	if err != nil {
		errInternal("spawn failed: " + err.Error()).write(w)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleDismissWorker(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	if apiErr := requireAdmin(r.Context(), ac); apiErr != nil {
		apiErr.write(w)
		return
	}
	handle := r.PathValue("handle")
	worker, err := s.store.GetWorkerByHandle(r.Context(), ac.TeamName, handle)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	if err := s.supervisor.DismissWorker(r.Context(), worker.ID); err != nil {
		errInternal("dismiss failed: " + err.Error()).write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type messageWorkerRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleMessageWorker(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	handle := r.PathValue("handle")
	worker, err := s.store.GetWorkerByHandle(r.Context(), ac.TeamName, handle)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	var req messageWorkerRequest
	if err := decodeLoose(r, &req); err != nil {
		errBadRequest("invalid JSON body").write(w)
		return
	}
	if apiErr := s.screenForWorker(r.Context(), req.Message, "worker-message"); apiErr != nil {
		apiErr.write(w)
		return
	}
	if err := s.supervisor.SendToWorker(r.Context(), worker.ID, req.Message); err != nil {
		errInternal("message delivery failed: " + err.Error()).write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleWorkerOutput(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	handle := r.PathValue("handle")
	worker, err := s.store.GetWorkerByHandle(r.Context(), ac.TeamName, handle)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			n = parsed
		}
	}
	lines, err := s.supervisor.CaptureOutput(worker.ID, n)
	if err != nil {
		errInternal("output capture failed: " + err.Error()).write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	workers, err := s.store.ListWorkersByTeam(r.Context(), ac.TeamName)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}
