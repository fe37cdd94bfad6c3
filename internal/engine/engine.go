// Package engine wraps the translated SQLite C API from modernc.org/sqlite
// behind a small, explicit Go surface: connections, prepared statements,
// typed binds and column reads, and structured errors.
//
// Everything above prepare/bind/step/column (statement scripting, hooks,
// rewriting, value conversion) lives in the root package; this package only
// manages C-side memory and result codes.
package engine

import (
	"fmt"
	"strings"
	"unsafe"

	"modernc.org/libc"
	"modernc.org/libc/sys/types"
	sqlite3 "modernc.org/sqlite/lib"
)

const ptrSize = int(unsafe.Sizeof(uintptr(0)))

// Conn is a single SQLite database handle bound to its own libc thread
// state. It is not safe for concurrent use.
type Conn struct {
	tls *libc.TLS
	db  uintptr
}

// Open opens (creating if necessary) the database at the given path.
// Paths are passed through unmodified, so ":memory:" and "file:" URIs work.
func Open(path string) (*Conn, error) {
	c := &Conn{tls: libc.NewTLS()}
	flags := int32(sqlite3.SQLITE_OPEN_READWRITE | sqlite3.SQLITE_OPEN_CREATE |
		sqlite3.SQLITE_OPEN_URI | sqlite3.SQLITE_OPEN_FULLMUTEX)
	if err := c.openV2(path, flags); err != nil {
		c.tls.Close()
		return nil, err
	}
	sqlite3.Xsqlite3_extended_result_codes(c.tls, c.db, 1)
	return c, nil
}

func (c *Conn) openV2(path string, flags int32) error {
	zPath, err := libc.CString(path)
	if err != nil {
		return err
	}
	defer libc.Xfree(c.tls, zPath)

	ppDB, err := c.malloc(ptrSize)
	if err != nil {
		return err
	}
	defer libc.Xfree(c.tls, ppDB)

	rc := sqlite3.Xsqlite3_open_v2(c.tls, zPath, ppDB, flags, 0)
	c.db = *(*uintptr)(unsafe.Pointer(ppDB))
	if rc != sqlite3.SQLITE_OK {
		err := c.errorFor(rc)
		if c.db != 0 {
			sqlite3.Xsqlite3_close_v2(c.tls, c.db)
			c.db = 0
		}
		return err
	}
	return nil
}

// Close releases the database handle and the libc thread state.
func (c *Conn) Close() error {
	if c.db != 0 {
		if rc := sqlite3.Xsqlite3_close_v2(c.tls, c.db); rc != sqlite3.SQLITE_OK {
			return c.errorFor(rc)
		}
		c.db = 0
	}
	if c.tls != nil {
		c.tls.Close()
		c.tls = nil
	}
	return nil
}

// Prepare compiles the first statement in sql and returns it together with
// the unconsumed tail. Whitespace-only or comment-only input yields a nil
// statement and no error.
func (c *Conn) Prepare(sql string, flags uint32) (*Stmt, string, error) {
	zSQL, err := libc.CString(sql)
	if err != nil {
		return nil, "", err
	}
	defer libc.Xfree(c.tls, zSQL)

	ppStmt, err := c.malloc(ptrSize)
	if err != nil {
		return nil, "", err
	}
	defer libc.Xfree(c.tls, ppStmt)
	pzTail, err := c.malloc(ptrSize)
	if err != nil {
		return nil, "", err
	}
	defer libc.Xfree(c.tls, pzTail)

	rc := sqlite3.Xsqlite3_prepare_v3(c.tls, c.db, zSQL, -1, flags, ppStmt, pzTail)
	if rc != sqlite3.SQLITE_OK {
		return nil, "", c.errorFor(rc)
	}

	tail := ""
	if tailPtr := *(*uintptr)(unsafe.Pointer(pzTail)); tailPtr != 0 {
		if off := int(tailPtr - zSQL); off >= 0 && off <= len(sql) {
			tail = sql[off:]
		}
	}
	stmtPtr := *(*uintptr)(unsafe.Pointer(ppStmt))
	if stmtPtr == 0 {
		return nil, tail, nil
	}
	return &Stmt{c: c, stmt: stmtPtr, sql: strings.TrimSpace(sql[:len(sql)-len(tail)])}, tail, nil
}

// Exec runs every statement in sql to completion, discarding rows.
func (c *Conn) Exec(sql string) error {
	rest := sql
	for strings.TrimSpace(rest) != "" {
		stmt, tail, err := c.Prepare(rest, 0)
		if err != nil {
			return err
		}
		rest = tail
		if stmt == nil {
			continue
		}
		rc := stmt.Step()
		for rc == sqlite3.SQLITE_ROW {
			rc = stmt.Step()
		}
		stepErr := error(nil)
		if rc != sqlite3.SQLITE_DONE {
			stepErr = c.errorFor(rc)
		}
		if err := stmt.Finalize(); stepErr == nil && err != nil {
			return err
		}
		if stepErr != nil {
			return stepErr
		}
	}
	return nil
}

// Interrupt asks the engine to abort the currently running statement.
func (c *Conn) Interrupt() {
	sqlite3.Xsqlite3_interrupt(c.tls, c.db)
}

// Changes reports the rows modified by the most recent INSERT/UPDATE/DELETE.
func (c *Conn) Changes() int {
	return int(sqlite3.Xsqlite3_changes(c.tls, c.db))
}

// TotalChanges reports the rows modified since the connection opened.
func (c *Conn) TotalChanges() int {
	return int(sqlite3.Xsqlite3_total_changes(c.tls, c.db))
}

// LastInsertRowID reports the rowid of the most recent successful INSERT.
func (c *Conn) LastInsertRowID() int64 {
	return sqlite3.Xsqlite3_last_insert_rowid(c.tls, c.db)
}

// Autocommit reports whether the connection is outside an explicit
// transaction.
func (c *Conn) Autocommit() bool {
	return sqlite3.Xsqlite3_get_autocommit(c.tls, c.db) != 0
}

// ErrMsg returns the engine's current error message text.
func (c *Conn) ErrMsg() string {
	p := sqlite3.Xsqlite3_errmsg(c.tls, c.db)
	if p == 0 {
		return ""
	}
	return libc.GoString(p)
}

func (c *Conn) malloc(n int) (uintptr, error) {
	p := libc.Xmalloc(c.tls, types.Size_t(n))
	if p == 0 {
		return 0, fmt.Errorf("engine: cannot allocate %d bytes", n)
	}
	return p, nil
}

func (c *Conn) errorFor(rc int32) error {
	ext := sqlite3.Xsqlite3_extended_errcode(c.tls, c.db)
	if ext == 0 {
		ext = rc
	}
	return &Error{Code: rc & 0xff, Extended: ext, Message: c.ErrMsg()}
}

func (c *Conn) result(rc int32) error {
	if rc != sqlite3.SQLITE_OK {
		return c.errorFor(rc)
	}
	return nil
}

// Stmt is a compiled statement. Bound text and blob buffers are C
// allocations owned by the statement and released on Finalize.
type Stmt struct {
	c      *Conn
	stmt   uintptr
	sql    string
	allocs []uintptr
}

// SQL returns the trimmed source text this statement was compiled from.
func (s *Stmt) SQL() string { return s.sql }

// Step advances the statement and returns the raw result code
// (Row, Done, or an error code).
func (s *Stmt) Step() int32 {
	return sqlite3.Xsqlite3_step(s.c.tls, s.stmt)
}

// Reset rewinds the statement so it can be stepped again.
func (s *Stmt) Reset() {
	sqlite3.Xsqlite3_reset(s.c.tls, s.stmt)
}

// Finalize destroys the statement and frees its bound buffers.
func (s *Stmt) Finalize() error {
	if s.stmt == 0 {
		return nil
	}
	rc := sqlite3.Xsqlite3_finalize(s.c.tls, s.stmt)
	s.stmt = 0
	for _, p := range s.allocs {
		libc.Xfree(s.c.tls, p)
	}
	s.allocs = nil
	if rc != sqlite3.SQLITE_OK {
		return s.c.errorFor(rc)
	}
	return nil
}

// ==================== Binding ====================

// BindNull binds NULL at the 1-based parameter index.
func (s *Stmt) BindNull(index int) error {
	return s.c.result(sqlite3.Xsqlite3_bind_null(s.c.tls, s.stmt, int32(index)))
}

// BindInt64 binds a 64-bit integer.
func (s *Stmt) BindInt64(index int, v int64) error {
	return s.c.result(sqlite3.Xsqlite3_bind_int64(s.c.tls, s.stmt, int32(index), v))
}

// BindDouble binds a 64-bit float.
func (s *Stmt) BindDouble(index int, v float64) error {
	return s.c.result(sqlite3.Xsqlite3_bind_double(s.c.tls, s.stmt, int32(index), v))
}

// BindText binds a string as UTF-8 text.
func (s *Stmt) BindText(index int, v string) error {
	p, err := libc.CString(v)
	if err != nil {
		return err
	}
	s.allocs = append(s.allocs, p)
	return s.c.result(sqlite3.Xsqlite3_bind_text(s.c.tls, s.stmt, int32(index), p, int32(len(v)), 0))
}

// BindBlob binds a byte slice. Empty and nil slices bind as a zero-length
// blob rather than NULL.
func (s *Stmt) BindBlob(index int, v []byte) error {
	if len(v) == 0 {
		return s.c.result(sqlite3.Xsqlite3_bind_zeroblob(s.c.tls, s.stmt, int32(index), 0))
	}
	p, err := s.c.malloc(len(v))
	if err != nil {
		return err
	}
	copy((*libc.RawMem)(unsafe.Pointer(p))[:len(v):len(v)], v)
	s.allocs = append(s.allocs, p)
	return s.c.result(sqlite3.Xsqlite3_bind_blob(s.c.tls, s.stmt, int32(index), p, int32(len(v)), 0))
}

// BindZeroBlob binds an n-byte blob of zeroes.
func (s *Stmt) BindZeroBlob(index, n int) error {
	return s.c.result(sqlite3.Xsqlite3_bind_zeroblob(s.c.tls, s.stmt, int32(index), int32(n)))
}

// BindParameterCount reports the number of parameters in the statement.
func (s *Stmt) BindParameterCount() int {
	return int(sqlite3.Xsqlite3_bind_parameter_count(s.c.tls, s.stmt))
}

// BindParameterName reports the name of the 1-based parameter, sigil
// included, or "" for nameless (?) parameters.
func (s *Stmt) BindParameterName(index int) string {
	p := sqlite3.Xsqlite3_bind_parameter_name(s.c.tls, s.stmt, int32(index))
	if p == 0 {
		return ""
	}
	return libc.GoString(p)
}

// ==================== Columns ====================

// ColumnCount reports the number of result columns.
func (s *Stmt) ColumnCount() int {
	return int(sqlite3.Xsqlite3_column_count(s.c.tls, s.stmt))
}

// ColumnType reports the storage class of the 0-based column in the
// current row.
func (s *Stmt) ColumnType(index int) int32 {
	return sqlite3.Xsqlite3_column_type(s.c.tls, s.stmt, int32(index))
}

// ColumnInt64 reads the column as a 64-bit integer.
func (s *Stmt) ColumnInt64(index int) int64 {
	return sqlite3.Xsqlite3_column_int64(s.c.tls, s.stmt, int32(index))
}

// ColumnDouble reads the column as a 64-bit float.
func (s *Stmt) ColumnDouble(index int) float64 {
	return sqlite3.Xsqlite3_column_double(s.c.tls, s.stmt, int32(index))
}

// ColumnText reads the column as a string.
func (s *Stmt) ColumnText(index int) string {
	p := sqlite3.Xsqlite3_column_text(s.c.tls, s.stmt, int32(index))
	n := int(sqlite3.Xsqlite3_column_bytes(s.c.tls, s.stmt, int32(index)))
	if p == 0 || n == 0 {
		return ""
	}
	return string(libc.GoBytes(p, n))
}

// ColumnBlob reads the column as a fresh byte slice.
func (s *Stmt) ColumnBlob(index int) []byte {
	p := sqlite3.Xsqlite3_column_blob(s.c.tls, s.stmt, int32(index))
	n := int(sqlite3.Xsqlite3_column_bytes(s.c.tls, s.stmt, int32(index)))
	if p == 0 || n == 0 {
		return []byte{}
	}
	out := make([]byte, n)
	copy(out, libc.GoBytes(p, n))
	return out
}

// ColumnName reports the result column name.
func (s *Stmt) ColumnName(index int) string {
	p := sqlite3.Xsqlite3_column_name(s.c.tls, s.stmt, int32(index))
	if p == 0 {
		return ""
	}
	return libc.GoString(p)
}

// ColumnDeclType reports the declared type of the column, or "" when the
// column is an expression.
func (s *Stmt) ColumnDeclType(index int) string {
	p := sqlite3.Xsqlite3_column_decltype(s.c.tls, s.stmt, int32(index))
	if p == 0 {
		return ""
	}
	return libc.GoString(p)
}
