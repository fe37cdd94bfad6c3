package litebind

import (
	"errors"
	"fmt"

	"github.com/SimonWaldherr/litebind/internal/engine"
)

// Error is the engine failure type, re-exported so callers can inspect
// primary and extended result codes without importing internal packages.
type Error = engine.Error

// Usage errors. These indicate the caller misused the API; the cursor and
// connection are left in a clean state when they are returned.
var (
	// ErrConnectionClosed is returned by any operation on a closed connection.
	ErrConnectionClosed = errors.New("litebind: connection is closed")

	// ErrCursorClosed is returned by any operation on a closed cursor.
	ErrCursorClosed = errors.New("litebind: cursor is closed")

	// ErrThreadingViolation is returned when a cursor with pending work is
	// touched from a goroutine other than the one that started the work.
	ErrThreadingViolation = errors.New("litebind: cursor is busy in another goroutine")

	// ErrIncompleteExecution is returned by Execute when the previous
	// execution still has pending statements or buffered rows.
	ErrIncompleteExecution = errors.New("litebind: previous execution is not complete")

	// ErrIncompleteExecuteMany is returned by ExecuteMany under the same
	// condition, so callers can tell the two apart.
	ErrIncompleteExecuteMany = errors.New("litebind: previous executemany is not complete")

	// ErrExecutionComplete is returned by the description accessors when no
	// statement has ever produced result metadata on the cursor.
	ErrExecutionComplete = errors.New("litebind: cursor has no result description")

	// ErrExecTraceAbort is returned when an exec tracer vetoes a statement.
	ErrExecTraceAbort = errors.New("litebind: execution aborted by exec tracer")

	// ErrInterrupted is returned when the progress handler requests an abort.
	ErrInterrupted = errors.New("litebind: interrupted by progress handler")

	// ErrNotAuthorized is returned when the authorizer denies a statement.
	ErrNotAuthorized = errors.New("litebind: statement denied by authorizer")

	// ErrCommitBlocked is returned, alongside a rolled-back transaction,
	// when a commit hook vetoes the commit.
	ErrCommitBlocked = errors.New("litebind: commit blocked by commit hook")
)

// BindingsCountError reports a mismatch between the parameters a statement
// script uses and the positional values supplied for it.
type BindingsCountError struct {
	Used     int
	Supplied int
}

func (e *BindingsCountError) Error() string {
	return fmt.Sprintf("litebind: statement uses %d bindings but %d were supplied", e.Used, e.Supplied)
}

// MissingBindingError reports a named parameter with no entry in the
// supplied mapping while the allow-missing fallback is off.
type MissingBindingError struct {
	Name string
}

func (e *MissingBindingError) Error() string {
	return fmt.Sprintf("litebind: no value supplied for binding %q", e.Name)
}

// BindingTypeError reports a value no codec rule accepts.
type BindingTypeError struct {
	Index int
	Value any
}

func (e *BindingTypeError) Error() string {
	return fmt.Sprintf("litebind: cannot bind %T at parameter %d", e.Value, e.Index)
}

// BindingOverflowError reports an unsigned value outside the engine's
// signed 64-bit integer range.
type BindingOverflowError struct {
	Index int
	Value uint64
}

func (e *BindingOverflowError) Error() string {
	return fmt.Sprintf("litebind: value %d at parameter %d overflows the engine integer range", e.Value, e.Index)
}

func sqlError(format string, args ...any) error {
	return engine.NewError(engine.ErrSQL, fmt.Sprintf(format, args...))
}
