package engine

import "fmt"

// TransitionError reports an operation attempted from a state that does
// not permit it. Current always carries the state the entity was actually
// in.
type TransitionError struct {
	Entity    string
	ID        string
	Current   string
	Requested string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition %s -> %s", e.Entity, e.ID, e.Current, e.Requested)
}

// ValidationError reports malformed or missing input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError reports that a concurrent writer won a race this call
// lost; the caller should re-fetch and re-issue.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }
