package schema

import (
	"fmt"
	"strings"
)

// ValidationIssue is a single validation problem with location context.
type ValidationIssue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult aggregates the issues found in a definition.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid returns true if no error was recorded. Warnings do not count.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// AddError appends an issue.
func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message})
}

// AddErrorf appends an issue with a formatted message.
func (r *ValidationResult) AddErrorf(path, code, format string, args ...any) {
	r.AddError(path, code, fmt.Sprintf(format, args...))
}

// AddWarning appends a non-fatal issue.
func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message})
}

// Merge combines another ValidationResult into this one.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError converts the result to a VALIDATION_ERROR, or nil if valid.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].String()
	if len(r.Errors) > 1 {
		parts := make([]string, len(r.Errors))
		for i, issue := range r.Errors {
			parts[i] = issue.String()
		}
		msg = fmt.Sprintf("%d validation errors: %s", len(r.Errors), strings.Join(parts, "; "))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{"errors": r.Errors})
}

// StepPath renders the document path of the i-th step.
func StepPath(i int) string {
	return fmt.Sprintf("steps[%d]", i)
}
