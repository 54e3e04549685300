package fleetapi

import "net/http"

func (s *Server) registerSwarmRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /swarms", s.handleCreateSwarm)
	mux.HandleFunc("GET /swarms", s.handleListSwarms)
	mux.HandleFunc("DELETE /swarms/{id}", s.handleDismissSwarm)
}

type createSwarmRequest struct {
	Name      string `json:"name"`
	MaxAgents int    `json:"maxAgents"`
}

func (s *Server) handleCreateSwarm(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	if apiErr := requireAdmin(r.Context(), ac); apiErr != nil {
		apiErr.write(w)
		return
	}
	var req createSwarmRequest
	if apiErr := s.decodeJSON(r, "swarmCreate", &req); apiErr != nil {
		apiErr.write(w)
		return
	}
	swarm, err := s.store.CreateSwarm(r.Context(), "swarm-"+shortID(), req.Name, req.MaxAgents)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, swarm)
}

func (s *Server) handleListSwarms(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	swarms, err := s.store.ListSwarms(r.Context())
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, swarms)
}

func (s *Server) handleDismissSwarm(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	if apiErr := requireAdmin(r.Context(), ac); apiErr != nil {
		apiErr.write(w)
		return
	}
	if err := s.store.DismissSwarm(r.Context(), r.PathValue("id")); err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
