// Package litebind provides a thin binding layer over an embedded SQLite
// engine: a statement pipeline with hook dispatch, SQL-text rewriting for
// virtual table modules, and a cursor facade over prepare/bind/step.
//
// # Basic Usage
//
// Open a connection, execute SQL, and fetch results:
//
//	conn, _ := litebind.Open("app.db?busy_timeout=5s")
//	defer conn.Close()
//
//	cur := conn.Cursor()
//	cur.Execute("CREATE TABLE users(id INTEGER, name TEXT)", nil)
//	cur.Execute("INSERT INTO users VALUES(?, ?)", []any{1, "Alice"})
//
//	cur.Execute("SELECT name FROM users WHERE id = :id", map[string]any{"id": 1})
//	for {
//	    row, _ := cur.FetchOne()
//	    if row == nil {
//	        break
//	    }
//	    fmt.Println(row)
//	}
//
// # Hooks
//
// The pipeline dispatches connection-level hooks itself rather than
// registering callbacks with the engine, so tracers, the authorizer,
// commit and rollback hooks, the progress handler, and the busy protocol
// all run as plain Go functions:
//
//	conn.SetExecTrace(func(cur *litebind.Cursor, sql string, bindings any) bool {
//	    log.Printf("sql: %s %v", sql, bindings)
//	    return true
//	})
//
// # Virtual table modules
//
// Modules registered with RegisterVirtualModule are resolved by rewriting
// the statement text before preparation; generate_series, range, and
// carray style table-valued calls are rewritten to plain SQL as well:
//
//	conn.RegisterVirtualModule("sensors", &litebind.VirtualModuleSource{
//	    Columns:    []string{"name", "value"},
//	    Access:     litebind.AccessByIndex,
//	    Call:       readSensors,
//	})
//	conn.Execute(`SELECT value FROM sensors`, nil)
package litebind

import (
	"sync"

	"github.com/go-pkgz/lgr"
)

// Version is the library version.
const Version = "0.3.1"

var (
	globalMu sync.Mutex

	// log carries pipeline diagnostics, e.g. the double-quoted string
	// literal warning. Defaults to lgr's standard logger.
	log lgr.L = lgr.Default()

	// allowMissingNamed relaxes named binding lookup: parameters absent
	// from the mapping bind NULL instead of failing.
	allowMissingNamed bool
)

// SetLogger replaces the package logger. Passing nil restores the default.
func SetLogger(l lgr.L) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if l == nil {
		l = lgr.Default()
	}
	log = l
}

// Logger returns the current package logger.
func Logger() lgr.L {
	globalMu.Lock()
	defer globalMu.Unlock()
	return log
}

func logf(format string, args ...any) {
	Logger().Logf(format, args...)
}

// SetAllowMissingNamedBindings controls whether named parameters missing
// from the supplied mapping bind NULL instead of raising a
// MissingBindingError. It returns the previous setting.
func SetAllowMissingNamedBindings(allow bool) bool {
	globalMu.Lock()
	defer globalMu.Unlock()
	prev := allowMissingNamed
	allowMissingNamed = allow
	return prev
}

func allowMissingNamedBindings() bool {
	globalMu.Lock()
	defer globalMu.Unlock()
	return allowMissingNamed
}
