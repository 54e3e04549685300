package fleetapi

import (
	"net/http"
)

type authRequest struct {
	Handle    string `json:"handle"`
	TeamName  string `json:"teamName"`
	AgentType string `json:"agentType"`
}

func (s *Server) registerAuthRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth", s.handleAuth)
}

// handleAuth issues a bearer token bound to (uid, teamName, agentType)
// (spec §6/§4.G Auth). If the configured shared secret is non-empty, the
// caller must present it in X-Bootstrap-Secret before a token is minted.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	if secret := s.app.Auth.SharedSecret; secret != "" {
		if !constantTimeEqual(r.Header.Get("X-Bootstrap-Secret"), secret) {
			errUnauthorized("invalid bootstrap secret").write(w)
			return
		}
	}

	var req authRequest
	if apiErr := s.decodeJSON(r, "auth", &req); apiErr != nil {
		apiErr.write(w)
		return
	}

	user, err := s.store.UpsertUser(r.Context(), req.TeamName, req.Handle, req.AgentType)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}

	token, err := s.tokens.Issue(AuthContext{
		UID:       user.UID,
		Handle:    user.Handle,
		TeamName:  user.TeamName,
		AgentType: user.AgentType,
	})
	if err != nil {
		errInternal("token issuance failed").write(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uid":       user.UID,
		"handle":    user.Handle,
		"teamName":  user.TeamName,
		"agentType": user.AgentType,
		"token":     token,
	})
}
