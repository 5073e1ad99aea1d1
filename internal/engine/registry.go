package engine

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/rendis/conductor/pkg/schema"
)

// WorkflowRegistry is the in-memory catalog of workflow definitions.
type WorkflowRegistry struct {
	mu     sync.RWMutex
	defs   map[string]*schema.WorkflowDefinition
	logger *slog.Logger
}

// NewWorkflowRegistry creates an empty registry.
func NewWorkflowRegistry(logger *slog.Logger) *WorkflowRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowRegistry{
		defs:   make(map[string]*schema.WorkflowDefinition),
		logger: logger,
	}
}

// Register validates and stores a copy of def. An existing definition with
// the same id is replaced and a warning is logged.
func (r *WorkflowRegistry) Register(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if err := def.Validate(); err != nil {
		return err
	}

	c := def.Clone()
	r.mu.Lock()
	_, existed := r.defs[c.ID]
	r.defs[c.ID] = c
	r.mu.Unlock()

	if existed {
		r.logger.Warn("workflow definition overwritten", slog.String("workflow_id", c.ID))
	} else {
		r.logger.Debug("workflow definition registered",
			slog.String("workflow_id", c.ID),
			slog.Int("steps", len(c.Steps)))
	}
	return nil
}

// Get returns the definition registered under id.
func (r *WorkflowRegistry) Get(id string) (*schema.WorkflowDefinition, error) {
	r.mu.RLock()
	def, ok := r.defs[id]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	return def, nil
}

// List returns the summaries of definitions supporting callerType, or of all
// definitions when callerType is empty, ordered by id.
func (r *WorkflowRegistry) List(callerType string) []schema.WorkflowSummary {
	r.mu.RLock()
	out := make([]schema.WorkflowSummary, 0, len(r.defs))
	for _, def := range r.defs {
		if callerType == "" || def.Supports(callerType) {
			out = append(out, def.Summary())
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b schema.WorkflowSummary) int {
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of registered definitions.
func (r *WorkflowRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
