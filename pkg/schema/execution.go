package schema

import "time"

// ExecutionRequest asks for one run of a registered workflow.
type ExecutionRequest struct {
	WorkflowID string            `json:"workflowId"`
	CallerID   string            `json:"callerId"`
	CallerType string            `json:"callerType"`
	Parameters map[string]any    `json:"parameters,omitempty"`
	Options    *ExecutionOptions `json:"options,omitempty"`
}

// ExecutionOptions are optional per-run settings.
type ExecutionOptions struct {
	// Priority is recorded with the execution; scheduling ignores it.
	Priority string `json:"priority,omitempty"`
	// TimeoutMs bounds the whole run when positive.
	TimeoutMs  int64  `json:"timeoutMs,omitempty"`
	WebhookURL string `json:"webhookUrl,omitempty"`
}

// ExecutionResponse is returned by Execute and GetStatus.
type ExecutionResponse struct {
	ExecutionID string          `json:"executionId,omitempty"`
	WorkflowID  string          `json:"workflowId"`
	Status      ResponseStatus  `json:"status"`
	StartTime   time.Time       `json:"startTime"`
	EndTime     *time.Time      `json:"endTime,omitempty"`
	Results     map[string]any  `json:"results,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
}

// ExecutionError is the error payload of rejected and failed responses.
type ExecutionError struct {
	Code    string                     `json:"code"`
	Message string                     `json:"message"`
	StepID  string                     `json:"stepId,omitempty"`
	Errors  map[string]*ConductorError `json:"errors,omitempty"`
}

// HistoryEntry is one record of the ordered step history.
type HistoryEntry struct {
	StepID    string          `json:"stepId"`
	Status    StepStatus      `json:"status"`
	StartTime time.Time       `json:"startTime"`
	EndTime   time.Time       `json:"endTime"`
	Result    any             `json:"result,omitempty"`
	Error     *ConductorError `json:"error,omitempty"`
}

// ExecutionSnapshot is a consistent copy of an execution context.
type ExecutionSnapshot struct {
	ExecutionID string                     `json:"executionId"`
	WorkflowID  string                     `json:"workflowId"`
	CallerID    string                     `json:"callerId"`
	CallerType  string                     `json:"callerType"`
	Inputs      map[string]any             `json:"inputs,omitempty"`
	Options     ExecutionOptions           `json:"options"`
	State       ExecutionState             `json:"state"`
	StartTime   time.Time                  `json:"startTime"`
	EndTime     *time.Time                 `json:"endTime,omitempty"`
	Results     map[string]any             `json:"results,omitempty"`
	Errors      map[string]*ConductorError `json:"errors,omitempty"`
	History     []HistoryEntry             `json:"history"`
}

// Response maps the snapshot onto the caller-facing status shape.
func (s *ExecutionSnapshot) Response() *ExecutionResponse {
	resp := &ExecutionResponse{
		ExecutionID: s.ExecutionID,
		WorkflowID:  s.WorkflowID,
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
	}
	switch s.State {
	case StateCompleted:
		resp.Status = StatusCompleted
		resp.Results = s.Results
	case StateFailed:
		resp.Status = StatusFailed
		resp.Results = s.Results
		resp.Error = s.errorPayload()
	default:
		resp.Status = StatusAccepted
	}
	return resp
}

// errorPayload summarises the stored errors, leading with the one that
// terminated the run.
func (s *ExecutionSnapshot) errorPayload() *ExecutionError {
	payload := &ExecutionError{
		Code:    ErrCodeExecution,
		Message: "workflow execution failed",
		Errors:  s.Errors,
	}
	for _, key := range []string{ErrorKeyUnhandled, ErrorKeyCancelled, ErrorKeyTimeout} {
		if e, ok := s.Errors[key]; ok {
			payload.Code, payload.Message, payload.StepID = e.Code, e.Message, e.StepID
			return payload
		}
	}
	for i := len(s.History) - 1; i >= 0; i-- {
		h := s.History[i]
		if h.Status == StepError && h.Error != nil {
			payload.Code, payload.Message, payload.StepID = h.Error.Code, h.Error.Message, h.StepID
			break
		}
	}
	return payload
}

// Reserved keys of the errors mapping that are not step ids.
const (
	ErrorKeyUnhandled = "unhandled"
	ErrorKeyCancelled = "cancelled"
	ErrorKeyTimeout   = "timeout"
)
