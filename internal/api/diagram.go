package api

import (
	"net/http"

	"github.com/rendis/conductor/internal/diagram"
	"github.com/rendis/conductor/pkg/schema"
)

func (s *Server) handleWorkflowDiagram(w http.ResponseWriter, r *http.Request) {
	def, err := s.definition(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeDiagram(w, r, diagram.Build(def, nil))
}

// handleExecutionDiagram overlays the recorded step outcomes on the
// execution's workflow.
func (s *Server) handleExecutionDiagram(w http.ResponseWriter, r *http.Request) {
	snap, err := s.deps.Executor.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	def, err := s.definition(snap.WorkflowID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.writeDiagram(w, r, diagram.Build(def, snap))
}

func (s *Server) definition(id string) (*schema.WorkflowDefinition, error) {
	if s.deps.Definitions == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "diagrams are not enabled")
	}
	return s.deps.Definitions(id)
}

func (s *Server) writeDiagram(w http.ResponseWriter, r *http.Request, model *diagram.DiagramModel) {
	out, contentType, err := diagram.Render(r.Context(), model, r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}
