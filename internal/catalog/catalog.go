// Package catalog loads declarative workflow documents and compiles them
// into executable definitions.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/internal/validation"
	"github.com/rendis/conductor/pkg/schema"
)

// Extensions lists the file extensions LoadFS picks up. JSON parses as YAML.
var Extensions = []string{".yaml", ".yml", ".json"}

// Registerer receives compiled definitions.
type Registerer interface {
	Register(def *schema.WorkflowDefinition) error
}

// Compiler turns workflow documents into WorkflowDefinitions.
type Compiler struct {
	exprs     *expressions.Set
	validator *validation.DocumentValidator
	logger    *slog.Logger
}

// NewCompiler creates a Compiler. services restricts the services a
// document may reference; nil accepts any.
func NewCompiler(services validation.ServiceLookup, logger *slog.Logger) (*Compiler, error) {
	exprs, err := expressions.NewSet()
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewDocumentValidator(services, validation.Compilers{
		Condition: exprs.CEL.Compile,
		JQ:        exprs.JQ.Compile,
		Rule:      exprs.Expr.Compile,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compiler{exprs: exprs, validator: validator, logger: logger}, nil
}

// Parse decodes one document. Unknown fields are rejected.
func Parse(data []byte) (*schema.WorkflowDocument, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc schema.WorkflowDocument
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, schema.NewError(schema.ErrCodeValidation, "empty workflow document")
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse workflow document: %s", err.Error()).WithCause(err)
	}
	return &doc, nil
}

// Validate runs structural and semantic validation on doc.
func (c *Compiler) Validate(doc *schema.WorkflowDocument) *schema.ValidationResult {
	return c.validator.Validate(doc)
}

// Compile validates doc and builds its definition.
func (c *Compiler) Compile(doc *schema.WorkflowDocument) (*schema.WorkflowDefinition, error) {
	result := c.validator.Validate(doc)
	if err := result.ToError(); err != nil {
		return nil, err
	}
	for _, w := range result.Warnings {
		c.logger.Warn("workflow document warning",
			slog.String("workflow_id", doc.ID),
			slog.String("path", w.Path),
			slog.String("message", w.Message))
	}

	def := &schema.WorkflowDefinition{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		CallerTypes: slices.Clone(doc.CallerTypes),
		ErrorHandling: schema.ErrorHandlingPolicy{
			Fallback: schema.FallbackTerminate,
		},
	}
	if eh := doc.ErrorHandling; eh != nil {
		def.ErrorHandling.MaxRetries = eh.MaxRetries
		def.ErrorHandling.RetryDelay = parseDuration(eh.RetryDelay)
		if eh.Fallback != "" {
			def.ErrorHandling.Fallback = schema.FallbackStrategy(eh.Fallback)
		}
	}
	if len(doc.InputSchema) > 0 {
		inputSchema := doc.InputSchema
		def.InputCheck = func(inputs map[string]any) error {
			return c.validator.ValidateInput(inputs, inputSchema)
		}
	}

	def.Steps = make([]schema.Step, len(doc.Steps))
	for i := range doc.Steps {
		def.Steps[i] = c.compileStep(doc.ID, &doc.Steps[i])
	}
	return def, nil
}

func (c *Compiler) compileStep(workflowID string, sd *schema.StepDocument) schema.Step {
	step := schema.Step{
		ID:        sd.ID,
		Service:   schema.ServiceID(sd.Service),
		Operation: sd.Operation,
		Timeout:   parseDuration(sd.Timeout),
	}

	switch {
	case sd.ParamsJQ != "":
		step.Params = c.derivedParams(sd.ParamsJQ)
	case len(sd.Params) > 0:
		step.Params = schema.StaticParams(sd.Params)
	}

	if sd.Condition != "" {
		condition := sd.Condition
		step.Condition = func(sc schema.StepContext) (bool, error) {
			return c.exprs.CEL.EvaluateBool(context.Background(), condition, expressions.Scope(sc))
		}
	}

	if len(sd.Export) > 0 {
		step.OnSuccess = c.exportHook(sd.Export)
	}

	if sd.OnError != "" {
		rule := sd.OnError
		logger := c.logger.With(slog.String("workflow_id", workflowID), slog.String("step_id", sd.ID))
		step.OnError = func(stepErr *schema.ConductorError, sc schema.StepContext) schema.ErrorDecision {
			skip, err := c.exprs.Expr.EvaluateBool(context.Background(), rule, expressions.ErrorScope(stepErr, sc))
			if err != nil {
				logger.Warn("on_error rule failed, aborting", slog.String("error", err.Error()))
				return schema.ErrorAbort
			}
			if skip {
				return schema.ErrorSkip
			}
			return schema.ErrorAbort
		}
	}

	if r := sd.Retry; r != nil {
		step.Retry = &schema.RetryPolicy{
			MaxRetries:        r.MaxRetries,
			InitialDelay:      parseDuration(r.InitialDelay),
			BackoffMultiplier: r.BackoffMultiplier,
			MaxDelay:          parseDuration(r.MaxDelay),
			Jitter:            r.Jitter,
		}
	}
	return step
}

func (c *Compiler) derivedParams(program string) schema.DerivedParams {
	return func(sc schema.StepContext) (map[string]any, error) {
		params, err := c.exprs.JQ.EvaluateObject(context.Background(), program, expressions.Scope(sc))
		if err != nil {
			return nil, err
		}
		if params == nil {
			params = map[string]any{}
		}
		return params, nil
	}
}

// exportHook stores one extra result per export key, in key order.
func (c *Compiler) exportHook(exports map[string]string) schema.SuccessHook {
	keys := make([]string, 0, len(exports))
	for k := range exports {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return func(result any, sc schema.MutableStepContext) error {
		data := expressions.ResultScope(result, sc)
		for _, key := range keys {
			value, err := c.exprs.JQ.Evaluate(context.Background(), exports[key], data)
			if err != nil {
				return fmt.Errorf("export %q: %w", key, err)
			}
			if err := sc.SetResult(key, value); err != nil {
				return fmt.Errorf("export %q: %w", key, err)
			}
		}
		return nil
	}
}

// CompileBytes parses and compiles a single document.
func (c *Compiler) CompileBytes(data []byte) (*schema.WorkflowDefinition, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return c.Compile(doc)
}

// LoadFS compiles every definition file under dir, in lexical order. Errors
// name the offending file; the first failure stops the load.
func (c *Compiler) LoadFS(fsys fs.FS, dir string) ([]*schema.WorkflowDefinition, error) {
	var defs []*schema.WorkflowDefinition
	err := fs.WalkDir(fsys, dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !slices.Contains(Extensions, strings.ToLower(path.Ext(p))) {
			return nil
		}
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		def, err := c.CompileBytes(data)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}

// LoadDir is LoadFS over an OS directory.
func (c *Compiler) LoadDir(dir string) ([]*schema.WorkflowDefinition, error) {
	return c.LoadFS(os.DirFS(dir), ".")
}

// RegisterAll compiles every definition under dir and registers it.
func (c *Compiler) RegisterAll(reg Registerer, fsys fs.FS, dir string) (int, error) {
	defs, err := c.LoadFS(fsys, dir)
	if err != nil {
		return 0, err
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return 0, fmt.Errorf("register %s: %w", def.ID, err)
		}
		c.logger.Info("workflow registered", slog.String("workflow_id", def.ID), slog.Int("steps", len(def.Steps)))
	}
	return len(defs), nil
}

// parseDuration parses a duration already checked by validation; empty is zero.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
