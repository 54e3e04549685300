package fleetapi

import (
	"encoding/json"
	"net/http"

	"github.com/basket/fleetcore/internal/store"
)

func (s *Server) registerTaskRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("GET /teams/{team}/tasks", s.handleListTeamTasks)
	mux.HandleFunc("PATCH /tasks/{id}", s.handlePatchTask)
}

type createTaskRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Priority    int             `json:"priority"`
	AssignedTo  string          `json:"assignedTo"`
	BatchID     string          `json:"batchId"`
	BlockedBy   []string        `json:"blockedBy"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	ac, apiErr := s.authContextFromRequest(r, "")
	if apiErr != nil {
		apiErr.write(w)
		return
	}
	var req createTaskRequest
	if apiErr := s.decodeJSON(r, "taskCreate", &req); apiErr != nil {
		apiErr.write(w)
		return
	}
	if apiErr := s.screenForWorker(r.Context(), req.Title+"\n"+req.Description, "task"); apiErr != nil {
		apiErr.write(w)
		return
	}
	priority := req.Priority
	if priority == 0 {
		priority = 3
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = json.RawMessage("{}")
	}
	item, err := s.store.CreateWorkItem(r.Context(), store.WorkItem{
		ID:              "task-" + shortID(),
		Title:           req.Title,
		Description:     req.Description,
		AssignedTo:      req.AssignedTo,
		CreatedByHandle: ac.Handle,
		Priority:        priority,
		BatchID:         req.BatchID,
		Metadata:        metadata,
		BlockedBy:       req.BlockedBy,
	})
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleListTeamTasks(w http.ResponseWriter, r *http.Request) {
	team := r.PathValue("team")
	if _, apiErr := s.authContextFromRequest(r, team); apiErr != nil {
		apiErr.write(w)
		return
	}
	items, err := s.store.ListWorkItemsByTeam(r.Context(), team)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type patchTaskRequest struct {
	Status     string `json:"status"`
	AssignedTo string `json:"assignedTo"`
}

// statusAliases normalizes the spec's "open"/"resolved" shorthand from §4.A's
// PATCH /tasks/:id note onto the WorkItemStatus closed set (§3).
var statusAliases = map[string]store.WorkItemStatus{
	"open":     store.WorkItemPending,
	"resolved": store.WorkItemCompleted,
}

func (s *Server) handlePatchTask(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authContextFromRequest(r, ""); apiErr != nil {
		apiErr.write(w)
		return
	}
	id := r.PathValue("id")
	var req patchTaskRequest
	if apiErr := s.decodeJSON(r, "taskPatch", &req); apiErr != nil {
		apiErr.write(w)
		return
	}

	if req.AssignedTo != "" {
		ok, err := s.store.AssignWorkItem(r.Context(), id, req.AssignedTo)
		if err != nil {
			fromStoreError(err).write(w)
			return
		}
		if !ok {
			errConflict("task already assigned").write(w)
			return
		}
		if assigned, err := s.store.GetWorkItem(r.Context(), id); err == nil {
			s.broadcastSwarm(r.Context(), assigned.CreatedByHandle, "task_assigned", assigned)
		}
	}

	if req.Status != "" {
		target, ok := statusAliases[req.Status]
		if !ok {
			target = store.WorkItemStatus(req.Status)
		}
		if err := s.store.UpdateWorkItemStatus(r.Context(), id, target, true); err != nil {
			fromStoreError(err).write(w)
			return
		}
		if target == store.WorkItemCompleted {
			item, err := s.store.GetWorkItem(r.Context(), id)
			if err == nil {
				swarmID, handle := taskOutcomeSubject(item)
				if handle != "" {
					_, _ = s.store.RecordOutcome(r.Context(), swarmID, handle, true)
				}
			}
		}
	}

	item, err := s.store.GetWorkItem(r.Context(), id)
	if err != nil {
		fromStoreError(err).write(w)
		return
	}
	s.broadcastTeam(r.Context(), item.CreatedByHandle, map[string]any{"task": item})
	writeJSON(w, http.StatusOK, item)
}

// taskOutcomeSubject maps a completed task to the ledger account it credits:
// the assignee, scoped to the default swarm when the item carries none. The
// WorkItem has no swarmId field in spec §3 (tasks are a plain per-team
// primitive, unlike spawn-queue items), so ledger crediting here always uses
// the "default" swarm scope.
func taskOutcomeSubject(item store.WorkItem) (swarmID, handle string) {
	if item.AssignedTo == "" {
		return "", ""
	}
	return "default", item.AssignedTo
}
