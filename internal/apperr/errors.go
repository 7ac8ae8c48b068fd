// Package apperr holds the error taxonomy shared by the agent, the tools and
// the HTTP layer.
package apperr

import "fmt"

// ValidationError reports a malformed or missing caller-supplied argument.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation error: %s", e.Message)
	}
	return fmt.Sprintf("validation error [%s]: %s", e.Field, e.Message)
}

// Validationf builds a ValidationError for field.
func Validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// DataNotFoundError reports a query that matched no records.
type DataNotFoundError struct {
	Resource string
	Detail   string
}

func (e *DataNotFoundError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("no %s found", e.Resource)
	}
	return fmt.Sprintf("no %s found: %s", e.Resource, e.Detail)
}

// ConfigurationError reports a missing or invalid setting at start-up.
type ConfigurationError struct {
	Setting string
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error [%s]: %v", e.Setting, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// AnalysisError is the catch-all for unexpected failures while answering a
// query. The original cause stays reachable through Unwrap.
type AnalysisError struct {
	Op  string
	Err error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("analysis failed during %s: %v", e.Op, e.Err)
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}
