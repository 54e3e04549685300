package fleetapi

import "net/http"

func (s *Server) registerIdentityRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /users/{uid}", s.handleGetUser)
	mux.HandleFunc("GET /teams/{teamName}/agents", s.handleGetTeamAgents)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	uid := r.PathValue("uid")
	user, err := s.store.GetUser(r.Context(), uid)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleGetTeamAgents(w http.ResponseWriter, r *http.Request) {
	teamName := r.PathValue("teamName")
	if _, apiErr := s.authContextFromRequest(r, teamName); apiErr != nil {
		apiErr.write(w)
		return
	}
	users, err := s.store.GetUsersByTeam(r.Context(), teamName)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, users)
}
