package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a single invalid or missing configuration
// field. Fields are collected rather than returned fail-fast-on-first
// so an operator sees every problem with their environment in one pass.
type ValidationError struct {
	Field      string // environment variable name
	Value      string // the value that was rejected, empty if missing
	Message    string // human-readable reason
	Suggestion string // what to set instead, if known
}

// Error implements the error interface.
func (ve ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ve.Field, ve.Message)
}

// DetailedError returns a multi-line description including the
// rejected value and suggestion, used in startup failure output.
func (ve ValidationError) DetailedError() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("%s: %s", ve.Field, ve.Message))
	if ve.Value != "" {
		parts = append(parts, fmt.Sprintf("  got: %q", ve.Value))
	}
	if ve.Suggestion != "" {
		parts = append(parts, fmt.Sprintf("  suggestion: %s", ve.Suggestion))
	}
	return strings.Join(parts, "\n")
}

// ValidationErrors collects every ValidationError found while loading
// configuration, so all of them can be reported together (§6).
type ValidationErrors struct {
	Errors []ValidationError
}

// Error implements the error interface for the collection.
func (ves ValidationErrors) Error() string {
	switch len(ves.Errors) {
	case 0:
		return "no configuration errors"
	case 1:
		return ves.Errors[0].Error()
	default:
		return fmt.Sprintf("%d configuration errors: %s (and %d more)",
			len(ves.Errors), ves.Errors[0].Error(), len(ves.Errors)-1)
	}
}

// HasErrors reports whether any errors were collected.
func (ves *ValidationErrors) HasErrors() bool {
	return len(ves.Errors) > 0
}

// Add appends a ValidationError to the collection.
func (ves *ValidationErrors) Add(field, value, message, suggestion string) {
	ves.Errors = append(ves.Errors, ValidationError{
		Field:      field,
		Value:      value,
		Message:    message,
		Suggestion: suggestion,
	})
}

// Report renders every collected error as a multi-line string suitable
// for a fatal startup log line.
func (ves *ValidationErrors) Report() string {
	if len(ves.Errors) == 0 {
		return "no configuration errors"
	}
	var parts []string
	parts = append(parts, fmt.Sprintf("%d configuration error(s):", len(ves.Errors)))
	for _, e := range ves.Errors {
		parts = append(parts, e.DetailedError())
	}
	return strings.Join(parts, "\n")
}
