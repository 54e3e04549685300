package fleetapi

import (
	"net/http"

	"github.com/basket/fleetcore/internal/store"
)

// The TLDR cache lets agents publish short summaries of long artifacts
// (chat transcripts, output windows) so other agents and the dashboard can
// skip re-reading or re-summarizing them. The server stores summaries
// verbatim; it never generates them.
func (s *Server) registerTLDRRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /tldr", s.handleUpsertTLDR)
	mux.HandleFunc("GET /tldr/{scope}/{refId}", s.handleGetTLDR)
}

type tldrUpsertRequest struct {
	Scope       string `json:"scope"`
	RefID       string `json:"refId"`
	ContentHash string `json:"contentHash"`
	Summary     string `json:"summary"`
}

func (s *Server) handleUpsertTLDR(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	var req tldrUpsertRequest
	if apiErr := s.decodeJSON(r, "tldrUpsert", &req); apiErr != nil {
		apiErr.write(w)
		return
	}
	t, err := s.store.UpsertTLDR(r.Context(), store.TLDRSummary{
		Scope:        req.Scope,
		RefID:        req.RefID,
		ContentHash:  req.ContentHash,
		Summary:      req.Summary,
		AuthorHandle: ac.Handle,
	})
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleGetTLDR(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	t, err := s.store.GetTLDR(r.Context(), r.PathValue("scope"), r.PathValue("refId"), r.URL.Query().Get("hash"))
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
