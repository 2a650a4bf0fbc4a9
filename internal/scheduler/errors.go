package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCancelled reports an execution stopped by Cancel or context
// cancellation before all tasks finished.
var ErrCancelled = errors.New("execution cancelled")

// ErrNotRunning rejects Pause/Resume/Cancel when no plan is executing.
var ErrNotRunning = errors.New("no plan executing")

// CycleError is fatal plan validation: the dependency graph contains a
// cycle, reported as the full path. Nothing is dispatched.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// ValidationError is one field-level plan defect.
type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

// ValidationErrors accumulates all plan defects so a caller sees every
// problem in one pass.
type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "\n")
}
