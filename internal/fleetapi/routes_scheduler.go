package fleetapi

import (
	"encoding/json"
	"net/http"

	"github.com/basket/fleetcore/internal/store"
)

func (s *Server) registerSchedulerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /scheduler/status", s.handleSchedulerStatus)
	mux.HandleFunc("POST /scheduler/start", s.handleSchedulerStart)
	mux.HandleFunc("POST /scheduler/stop", s.handleSchedulerStop)
	mux.HandleFunc("POST /scheduler/schedules", s.handleCreateSchedule)
	mux.HandleFunc("GET /scheduler/schedules", s.handleListSchedules)
	mux.HandleFunc("GET /scheduler/schedules/{id}", s.handleGetSchedule)
	mux.HandleFunc("PATCH /scheduler/schedules/{id}", s.handlePatchSchedule)
	mux.HandleFunc("POST /scheduler/templates", s.handleCreateTemplate)
	mux.HandleFunc("GET /scheduler/templates", s.handleListTemplates)
	mux.HandleFunc("GET /scheduler/templates/{id}", s.handleGetTemplate)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	s.schedulerMu.Lock()
	running := s.schedulerRunning
	s.schedulerMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{"running": running})
}

func (s *Server) handleSchedulerStart(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	if apiErr := requireAdmin(r.Context(), ac); apiErr != nil {
		apiErr.write(w)
		return
	}
	s.schedulerMu.Lock()
	defer s.schedulerMu.Unlock()
	if !s.schedulerRunning {
		ctx := s.baseCtx
		if ctx == nil {
			ctx = r.Context()
		}
		s.scheduler.Start(ctx)
		s.schedulerRunning = true
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSchedulerStop(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	if apiErr := requireAdmin(r.Context(), ac); apiErr != nil {
		apiErr.write(w)
		return
	}
	s.schedulerMu.Lock()
	defer s.schedulerMu.Unlock()
	if s.schedulerRunning {
		s.scheduler.Stop()
		s.schedulerRunning = false
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type createScheduleRequest struct {
	Name            string   `json:"name"`
	CronExpr        string   `json:"cronExpr"`
	TaskTemplateIDs []string `json:"taskTemplateIds"`
	Repository      string   `json:"repository"`
	Enabled         bool     `json:"enabled"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	if apiErr := requireAdmin(r.Context(), ac); apiErr != nil {
		apiErr.write(w)
		return
	}
	var req createScheduleRequest
	if apiErr := s.decodeJSON(r, "scheduleCreate", &req); apiErr != nil {
		apiErr.write(w)
		return
	}
	sched, err := s.store.CreateSchedule(r.Context(), store.Schedule{
		ID:              "sched-" + shortID(),
		Name:            req.Name,
		CronExpr:        req.CronExpr,
		TaskTemplateIDs: req.TaskTemplateIDs,
		Repository:      req.Repository,
		Enabled:         req.Enabled,
	})
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	scheds, err := s.store.ListSchedules(r.Context())
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, scheds)
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	sched, err := s.store.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

type patchScheduleRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) handlePatchSchedule(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	if apiErr := requireAdmin(r.Context(), ac); apiErr != nil {
		apiErr.write(w)
		return
	}
	var req patchScheduleRequest
	if err := decodeLoose(r, &req); err != nil {
		errBadRequest("invalid JSON body").write(w)
		return
	}
	id := r.PathValue("id")
	if req.Enabled != nil {
		if err := s.store.SetScheduleEnabled(r.Context(), id, *req.Enabled); err != nil {
			fromStoreError(err).write(w)
			return
		}
	}
	sched, err := s.store.GetSchedule(r.Context(), id)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

type createTemplateRequest struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Category         string   `json:"category"`
	Role             string   `json:"role"`
	PromptTemplate   string   `json:"promptTemplate"`
	EstimatedMinutes *int     `json:"estimatedMinutes"`
	RequiredContext  []string `json:"requiredContext"`
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	if apiErr := requireAdmin(r.Context(), ac); apiErr != nil {
		apiErr.write(w)
		return
	}
	var req createTemplateRequest
	if apiErr := s.decodeJSON(r, "templateCreate", &req); apiErr != nil {
		apiErr.write(w)
		return
	}
	requiredContext, _ := json.Marshal(req.RequiredContext)
	tmpl, err := s.store.CreateTemplate(r.Context(), store.Template{
		ID:               "tmpl-" + shortID(),
		Name:             req.Name,
		Description:      req.Description,
		Category:         req.Category,
		Role:             req.Role,
		PromptTemplate:   req.PromptTemplate,
		EstimatedMinutes: req.EstimatedMinutes,
		RequiredContext:  requiredContext,
	})
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	tmpls, err := s.store.ListTemplates(r.Context())
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, tmpls)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	tmpl, err := s.store.GetTemplate(r.Context(), r.PathValue("id"))
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, tmpl)
}
