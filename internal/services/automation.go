package services

// OpCreateTask opens a task in the automation service.
const OpCreateTask = "create_task"

// TaskSpec describes a task to create.
type TaskSpec struct {
	Title       string
	Description string
	SandboxID   string
	Priority    string
	Labels      []string
}

func (s TaskSpec) Params() map[string]any {
	p := map[string]any{"title": s.Title}
	if s.Description != "" {
		p["description"] = s.Description
	}
	if s.SandboxID != "" {
		p["sandbox_id"] = s.SandboxID
	}
	if s.Priority != "" {
		p["priority"] = s.Priority
	}
	if len(s.Labels) > 0 {
		labels := make([]any, len(s.Labels))
		for i, l := range s.Labels {
			labels[i] = l
		}
		p["labels"] = labels
	}
	return p
}
