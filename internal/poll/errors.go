package poll

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateTask = errors.New("task already registered")
	ErrInvalidTask   = errors.New("invalid task")
	ErrNotFound      = errors.New("task not found")
	ErrStopped       = errors.New("poll manager stopped")
	ErrInvalidPolicy = errors.New("invalid policy")
)

// RegistrationError is returned synchronously by Register.
type RegistrationError struct {
	Name string
	Err  error // ErrDuplicateTask or ErrInvalidTask, possibly wrapped
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register %q: %v", e.Name, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// NotFoundError is returned by lookups of unknown task names.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("task %q not found", e.Name) }

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ExecutionError records a failed invocation: a returned error, a panic, or a
// deadline overrun. It never leaves the coordinator except as status data.
type ExecutionError struct {
	Task    string
	RunID   string
	Timeout bool
	Panic   any
	Err     error
}

func (e *ExecutionError) Error() string {
	switch {
	case e.Panic != nil:
		return fmt.Sprintf("task %q panicked (run %s): %v", e.Task, e.RunID, e.Panic)
	case e.Timeout:
		return fmt.Sprintf("task %q exceeded its deadline: %v", e.Task, e.Err)
	default:
		return fmt.Sprintf("task %q failed: %v", e.Task, e.Err)
	}
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ShutdownTimeoutError reports a task still running when the shutdown grace
// period ran out; its invocation was cancelled.
type ShutdownTimeoutError struct {
	Task  string
	Grace time.Duration
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("task %q did not finish within shutdown grace %s; cancelled", e.Task, e.Grace)
}
