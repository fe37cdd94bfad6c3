package engine

import (
	"errors"
	"fmt"

	sqlite3 "modernc.org/sqlite/lib"
)

// Result codes the pipeline branches on, re-exported so callers do not
// import the translated lib directly.
const (
	OK        = sqlite3.SQLITE_OK
	Row       = sqlite3.SQLITE_ROW
	Done      = sqlite3.SQLITE_DONE
	ErrSQL    = sqlite3.SQLITE_ERROR
	Busy      = sqlite3.SQLITE_BUSY
	Locked    = sqlite3.SQLITE_LOCKED
	Constrnt  = sqlite3.SQLITE_CONSTRAINT
	Interrupt = sqlite3.SQLITE_INTERRUPT
	Auth      = sqlite3.SQLITE_AUTH
	Warning   = sqlite3.SQLITE_WARNING
)

// Column storage classes.
const (
	TypeInteger = sqlite3.SQLITE_INTEGER
	TypeFloat   = sqlite3.SQLITE_FLOAT
	TypeText    = sqlite3.SQLITE_TEXT
	TypeBlob    = sqlite3.SQLITE_BLOB
	TypeNull    = sqlite3.SQLITE_NULL
)

// Authorizer actions and verdicts used by the pre-prepare pass.
const (
	AuthOK     = sqlite3.SQLITE_OK
	AuthDeny   = sqlite3.SQLITE_DENY
	AuthIgnore = sqlite3.SQLITE_IGNORE

	OpCreateTable = sqlite3.SQLITE_CREATE_TABLE
	OpDelete      = sqlite3.SQLITE_DELETE
	OpInsert      = sqlite3.SQLITE_INSERT
	OpRead        = sqlite3.SQLITE_READ
	OpSelect      = sqlite3.SQLITE_SELECT
	OpUpdate      = sqlite3.SQLITE_UPDATE
)

var codeNames = map[int32]string{
	sqlite3.SQLITE_OK:         "SQLITE_OK",
	sqlite3.SQLITE_ERROR:      "SQLITE_ERROR",
	sqlite3.SQLITE_INTERNAL:   "SQLITE_INTERNAL",
	sqlite3.SQLITE_PERM:       "SQLITE_PERM",
	sqlite3.SQLITE_ABORT:      "SQLITE_ABORT",
	sqlite3.SQLITE_BUSY:       "SQLITE_BUSY",
	sqlite3.SQLITE_LOCKED:     "SQLITE_LOCKED",
	sqlite3.SQLITE_NOMEM:      "SQLITE_NOMEM",
	sqlite3.SQLITE_READONLY:   "SQLITE_READONLY",
	sqlite3.SQLITE_INTERRUPT:  "SQLITE_INTERRUPT",
	sqlite3.SQLITE_IOERR:      "SQLITE_IOERR",
	sqlite3.SQLITE_CORRUPT:    "SQLITE_CORRUPT",
	sqlite3.SQLITE_NOTFOUND:   "SQLITE_NOTFOUND",
	sqlite3.SQLITE_FULL:       "SQLITE_FULL",
	sqlite3.SQLITE_CANTOPEN:   "SQLITE_CANTOPEN",
	sqlite3.SQLITE_PROTOCOL:   "SQLITE_PROTOCOL",
	sqlite3.SQLITE_SCHEMA:     "SQLITE_SCHEMA",
	sqlite3.SQLITE_TOOBIG:     "SQLITE_TOOBIG",
	sqlite3.SQLITE_CONSTRAINT: "SQLITE_CONSTRAINT",
	sqlite3.SQLITE_MISMATCH:   "SQLITE_MISMATCH",
	sqlite3.SQLITE_MISUSE:     "SQLITE_MISUSE",
	sqlite3.SQLITE_AUTH:       "SQLITE_AUTH",
	sqlite3.SQLITE_RANGE:      "SQLITE_RANGE",
	sqlite3.SQLITE_NOTADB:     "SQLITE_NOTADB",
	sqlite3.SQLITE_WARNING:    "SQLITE_WARNING",
}

// CodeName returns the symbolic name of a primary result code.
func CodeName(code int32) string {
	if name, ok := codeNames[code&0xff]; ok {
		return name
	}
	return fmt.Sprintf("SQLITE_UNKNOWN(%d)", code)
}

// Error is a failed engine call: the primary result code, the extended
// result code, and the engine's message at the time of failure.
type Error struct {
	Code     int32
	Extended int32
	Message  string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", CodeName(e.Code), e.Message)
	}
	return CodeName(e.Code)
}

// NewError builds an Error with matching primary and extended codes, for
// failures detected above the engine (rewriter, policy checks).
func NewError(code int32, message string) *Error {
	return &Error{Code: code & 0xff, Extended: code, Message: message}
}

// ErrCode extracts the primary result code from err, or -1 when err does
// not wrap an engine Error.
func ErrCode(err error) int32 {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return -1
}

// IsBusy reports whether err is a busy or locked condition eligible for
// the busy-handler protocol.
func IsBusy(err error) bool {
	code := ErrCode(err)
	return code == Busy || code == Locked
}
