package api

import (
	"net/http"
	"slices"

	"github.com/rendis/conductor/pkg/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Pool != nil {
		body["pool"] = s.deps.Pool()
	}
	writeJSON(w, http.StatusOK, body)
}

// handleListWorkflows lists every workflow when callerType is omitted.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	callerType := r.URL.Query().Get("callerType")
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.deps.Executor.ListWorkflows(callerType)})
}

type executeBody struct {
	CallerID   string                   `json:"callerId"`
	CallerType string                   `json:"callerType"`
	Parameters map[string]any           `json:"parameters"`
	Options    *schema.ExecutionOptions `json:"options"`
}

// handleExecute answers 202 for an accepted execution. Rejections carry the
// status of their error code, which is 422 for invalid requests.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	resp := s.deps.Executor.Execute(r.Context(), schema.ExecutionRequest{
		WorkflowID: r.PathValue("id"),
		CallerID:   body.CallerID,
		CallerType: body.CallerType,
		Parameters: body.Parameters,
		Options:    body.Options,
	})
	status := http.StatusAccepted
	if resp.Status == schema.StatusRejected {
		status = http.StatusUnprocessableEntity
		if resp.Error != nil && resp.Error.Code != schema.ErrCodeValidation {
			status = httpStatus(resp.Error.Code)
		}
	}
	writeJSON(w, status, resp)
}

// handleStatus returns the status view, or the full snapshot with ?view=full.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if r.URL.Query().Get("view") == "full" {
		snap, err := s.deps.Executor.Snapshot(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	resp, err := s.deps.Executor.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type controlAction string

const (
	actionCancel controlAction = "cancel"
	actionPause  controlAction = "pause"
	actionResume controlAction = "resume"
)

func (s *Server) handleControl(action controlAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var err error
		switch action {
		case actionCancel:
			err = s.deps.Executor.Cancel(r.Context(), id)
		case actionPause:
			err = s.deps.Executor.Pause(r.Context(), id)
		case actionResume:
			err = s.deps.Executor.Resume(r.Context(), id)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"executionId": id, "action": string(action)})
	}
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	service := schema.ServiceID(r.PathValue("service"))
	if s.deps.Breakers == nil || !slices.Contains(s.deps.Breakers.Services(), service) {
		writeError(w, schema.NewErrorf(schema.ErrCodeNotFound, "unknown service %q", service))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Breakers.Breakers().GetStats(service))
}

func (s *Server) handleSchedules(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Schedules == nil {
		writeJSON(w, http.StatusOK, map[string]any{"schedules": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": s.deps.Schedules()})
}
