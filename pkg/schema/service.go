package schema

// ServiceRequest is one call routed through the gateway.
type ServiceRequest struct {
	Service    ServiceID      `json:"service"`
	Operation  string         `json:"operation"`
	Parameters map[string]any `json:"parameters"`
}

// ServiceResponse is the uniform envelope returned by downstream services.
type ServiceResponse struct {
	Success bool              `json:"success"`
	Data    any               `json:"data,omitempty"`
	Error   *ServiceErrorBody `json:"error,omitempty"`
	Meta    ResponseMeta      `json:"meta"`
}

// ServiceErrorBody is the error reported by a downstream service.
type ServiceErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ResponseMeta describes where and how fast a response was produced.
type ResponseMeta struct {
	ProcessingTimeMs int64     `json:"processingTimeMs"`
	Source           ServiceID `json:"source"`
	Operation        string    `json:"operation"`
}
