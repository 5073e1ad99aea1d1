package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/conductor/pkg/schema"
)

const workflowSchemaURL = "https://conductor.local/schemas/workflow.json"

// workflowSchemaJSON describes a WorkflowDocument.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://conductor.local/schemas/workflow.json",
  "type": "object",
  "required": ["id", "caller_types", "steps"],
  "properties": {
    "id": { "$ref": "#/$defs/identifier" },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "caller_types": {
      "type": "array",
      "minItems": 1,
      "items": { "type": "string", "minLength": 1 }
    },
    "error_handling": {
      "type": "object",
      "properties": {
        "max_retries": { "type": "integer", "minimum": 0 },
        "retry_delay": { "$ref": "#/$defs/duration" },
        "fallback": { "type": "string", "enum": ["skip", "substitute", "terminate"] }
      },
      "additionalProperties": false
    },
    "input_schema": { "type": "object" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "identifier": {
      "type": "string",
      "pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]*$"
    },
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "step": {
      "type": "object",
      "required": ["id", "service", "operation"],
      "properties": {
        "id": { "$ref": "#/$defs/identifier" },
        "service": { "type": "string", "minLength": 1 },
        "operation": { "type": "string", "minLength": 1 },
        "params": { "type": "object" },
        "params_jq": { "type": "string", "minLength": 1 },
        "condition": { "type": "string", "minLength": 1 },
        "export": {
          "type": "object",
          "additionalProperties": { "type": "string", "minLength": 1 }
        },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": { "$ref": "#/$defs/duration" },
        "on_error": { "type": "string", "minLength": 1 }
      },
      "not": { "required": ["params", "params_jq"] },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_retries"],
      "properties": {
        "max_retries": { "type": "integer", "minimum": 0 },
        "initial_delay": { "$ref": "#/$defs/duration" },
        "backoff_multiplier": { "type": "number", "minimum": 1 },
        "max_delay": { "$ref": "#/$defs/duration" },
        "jitter": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates documents against the workflow schema and
// request inputs against per-workflow schemas. Safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDocument checks the shape of doc.
func (v *JSONSchemaValidator) ValidateDocument(doc *schema.WorkflowDocument) error {
	if doc == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow document is nil")
	}
	value, err := toJSONValue(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow document").WithCause(err)
	}
	if err := v.workflowSchema.Validate(value); err != nil {
		return toConductorError(err)
	}
	return nil
}

// ValidateInput checks input against inputSchema. A nil schema accepts anything.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema map[string]any) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.CompileInputSchema(inputSchema)
	if err != nil {
		return err
	}
	value, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(value); err != nil {
		return toConductorError(err)
	}
	return nil
}

// CompileInputSchema compiles and caches an input schema.
func (v *JSONSchemaValidator) CompileInputSchema(inputSchema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "input schema is not JSON").WithCause(err)
	}
	key := string(raw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	url := fmt.Sprintf("conductor://input-schema/%d", len(v.cache))

	// A fresh compiler per schema keeps resource URLs from colliding.
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid input schema: %s", err.Error()).WithCause(err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toConductorError(err error) *schema.ConductorError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

// collectViolations flattens a ValidationError tree into leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
