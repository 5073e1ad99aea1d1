package validation

import "github.com/rendis/conductor/pkg/schema"

// Validator checks workflow documents before they are compiled and registered.
// Uses JSON Schema Draft 2020-12 for structure and request inputs.
type Validator interface {
	Validate(doc *schema.WorkflowDocument) *schema.ValidationResult
	ValidateInput(input map[string]any, inputSchema map[string]any) error
}

// ServiceLookup reports whether a downstream service is configured.
type ServiceLookup interface {
	Has(service schema.ServiceID) bool
}

// ServiceSet is a ServiceLookup over a fixed list.
type ServiceSet []schema.ServiceID

func (s ServiceSet) Has(service schema.ServiceID) bool {
	for _, id := range s {
		if id == service {
			return true
		}
	}
	return false
}

// Compilers checks the expressions embedded in a document without running
// them. Any field may be nil to skip that language.
type Compilers struct {
	Condition func(expression string) error
	JQ        func(expression string) error
	Rule      func(expression string) error
}
