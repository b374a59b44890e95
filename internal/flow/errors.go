package flow

import (
	"errors"
	"strings"
)

// SchemaError reports a document that does not match the flow schema.
type SchemaError struct {
	Causes []string
	Err    error
}

func (e *SchemaError) Error() string {
	if len(e.Causes) == 0 {
		return "flow schema validation failed: " + e.Err.Error()
	}
	return "flow schema validation failed: " + strings.Join(e.Causes, "; ")
}

func (e *SchemaError) Unwrap() error { return e.Err }

// ParseError reports a structurally valid document with inconsistent content.
type ParseError struct {
	NodeID  string
	Message string
}

func (e *ParseError) Error() string { return e.Message }

// ReferenceError reports a transition that points at no declared node.
type ReferenceError struct {
	NodeID   string
	TargetID string
	Message  string
}

func (e *ReferenceError) Error() string { return e.Message }

// ExecutionError reports a runtime failure stepping a call through a plan.
type ExecutionError struct {
	NodeID  string
	History []string
	Message string
}

func (e *ExecutionError) Error() string { return e.Message }

func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// IsLoadError reports whether err came from parsing or planning a flow
// rather than from I/O.
func IsLoadError(err error) bool {
	var (
		se *SchemaError
		pe *ParseError
		re *ReferenceError
	)
	return errors.As(err, &se) || errors.As(err, &pe) || errors.As(err, &re)
}
