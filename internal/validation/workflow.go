package validation

import "github.com/rendis/conductor/pkg/schema"

// DocumentValidator runs the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, services, durations, expressions)
type DocumentValidator struct {
	jsonSchema *JSONSchemaValidator
	services   ServiceLookup
	compilers  Compilers
}

// NewDocumentValidator creates a DocumentValidator. services may be nil to
// skip the configured-service check.
func NewDocumentValidator(services ServiceLookup, compilers Compilers) (*DocumentValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DocumentValidator{jsonSchema: jsv, services: services, compilers: compilers}, nil
}

var _ Validator = (*DocumentValidator)(nil)

// Validate returns every issue found in doc. Structural errors skip the
// semantic stage.
func (dv *DocumentValidator) Validate(doc *schema.WorkflowDocument) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if doc == nil {
		result.AddError("/", schema.ErrCodeValidation, "workflow document is nil")
		return result
	}

	if err := dv.jsonSchema.ValidateDocument(doc); err != nil {
		ce := schema.AsConductorError(err)
		if violations, ok := ce.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
		} else {
			result.AddError("/", schema.ErrCodeValidation, ce.Message)
		}
		return result
	}

	result.Merge(validateSemantic(doc, dv.services, dv.compilers))
	if len(doc.InputSchema) > 0 {
		if _, err := dv.jsonSchema.CompileInputSchema(doc.InputSchema); err != nil {
			result.AddError("input_schema", schema.ErrCodeValidation, schema.AsConductorError(err).Message)
		}
	}
	return result
}

// ValidateInput delegates to the JSON Schema validator.
func (dv *DocumentValidator) ValidateInput(input map[string]any, inputSchema map[string]any) error {
	return dv.jsonSchema.ValidateInput(input, inputSchema)
}
