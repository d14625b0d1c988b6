package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is matched by every *NotFoundError.
var ErrNotFound = errors.New("store: task not found")

// NotFoundError reports an unknown task id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("store: task %q not found", e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError rejects a request before anything is written.
type ValidationError struct {
	// Fields lists missing required fields by their JSON name.
	Fields []string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := e.Reason
	if len(e.Fields) > 0 {
		msg = "missing required fields: " + strings.Join(e.Fields, ", ")
	}
	return "store: invalid task: " + msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IOError wraps failures to read, decode, lock or write the backing file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
