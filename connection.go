package litebind

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/SimonWaldherr/litebind/internal/engine"
)

// ==================== Hook types ====================

// ExecTracer observes each statement before it runs. Returning false vetoes
// the statement and aborts the remainder of the script.
type ExecTracer func(cur *Cursor, sql string, bindings any) bool

// RowTracer observes each fetched row and may replace it. Returning a nil
// Row suppresses the row entirely.
type RowTracer func(cur *Cursor, row Row) Row

// Authorizer vets a statement before it is prepared. It receives the
// engine action code and the object the statement touches, and returns
// one of the Auth verdicts from the engine.
type Authorizer func(action int32, name, database, trigger string) int32

// UpdateHook observes completed data-modifying statements.
type UpdateHook func(action int32, database, table string, rowid int64)

// CommitHook runs when a transaction is about to commit. Returning true
// blocks the commit and rolls the transaction back.
type CommitHook func() bool

// RollbackHook runs after a transaction rolls back.
type RollbackHook func()

// WALHook observes commits in WAL mode.
type WALHook func(conn *Connection, database string, pages int) int

// CollationNeededHook runs once per statement when preparation fails with
// an unknown collation, before the prepare is retried.
type CollationNeededHook func(conn *Connection, name string)

// AutovacuumPagesHook observes completed DELETE statements with the
// current page accounting of the main database.
type AutovacuumPagesHook func(database string, pages, freePages, bytesPerPage int64)

// BusyHandler decides whether to retry a busy statement. It receives the
// retry attempt number and returns false to give up.
type BusyHandler func(attempt int) bool

// BindingConverter pre-processes each value before the codec binds it.
type BindingConverter func(index int, value any) (any, error)

// Authorizer verdicts and the action codes the pipeline reports.
const (
	AuthOK     = engine.AuthOK
	AuthDeny   = engine.AuthDeny
	AuthIgnore = engine.AuthIgnore

	OpCreateTable = engine.OpCreateTable
	OpDelete      = engine.OpDelete
	OpInsert      = engine.OpInsert
	OpRead        = engine.OpRead
	OpSelect      = engine.OpSelect
	OpUpdate      = engine.OpUpdate
)

type namedHook[T any] struct {
	id string
	fn T
}

// ==================== Limits and db-config ====================

// Limit identifiers accepted by SetLimit.
const (
	LimitLength = 0
)

// Database configuration flags accepted by SetDBConfig. The double-quoted
// string flags and the comment flag steer the pipeline's text policy.
const (
	DBConfigDQSDML         = 1013
	DBConfigDQSDDL         = 1014
	DBConfigEnableComments = 1022
)

// ==================== Connection ====================

// Connection owns an engine handle plus everything the statement pipeline
// consults while running scripts: hooks, registered virtual modules,
// limits, and configuration flags. A Connection and its cursors must not
// be used concurrently.
type Connection struct {
	mu     sync.Mutex
	eng    *engine.Conn
	closed bool

	cursors []*Cursor

	busyTimeout time.Duration
	busyHandler BusyHandler

	execTrace       ExecTracer
	rowTrace        RowTracer
	convertBinding  BindingConverter
	authorizer      Authorizer
	progressHandler func() bool
	progressSteps   int
	progressCounter uint64
	updateHook      UpdateHook
	commitHook      CommitHook
	commitHooks     []namedHook[CommitHook]
	rollbackHook    RollbackHook
	rollbackHooks   []namedHook[RollbackHook]
	walHook         WALHook
	collationNeeded CollationNeededHook
	autovacuumPages AutovacuumPagesHook
	inTransaction   bool
	limits          map[int]int
	dbConfig        map[int]int
	virtualModules  map[string]*VirtualModuleSource
	pendingPragmas  []string
}

// Open opens a connection to the database named by dsn. Accepted forms are
// "", ":memory:", a plain path, or a path with query options:
//
//	app.db?busy_timeout=5s&journal_mode=WAL&foreign_keys=on
//
// busy_timeout takes a millisecond count or a time.ParseDuration string.
func Open(dsn string) (*Connection, error) {
	path, opts, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	eng, err := engine.Open(path)
	if err != nil {
		return nil, err
	}
	conn := &Connection{
		eng:            eng,
		limits:         map[int]int{},
		dbConfig:       map[int]int{DBConfigDQSDML: 1, DBConfigDQSDDL: 1, DBConfigEnableComments: 1},
		virtualModules: map[string]*VirtualModuleSource{},
	}
	for _, opt := range opts {
		if err := conn.applyDSNOption(opt.key, opt.value); err != nil {
			eng.Close()
			return nil, err
		}
	}
	for _, pragma := range conn.pendingPragmas {
		if err := eng.Exec(pragma); err != nil {
			eng.Close()
			return nil, err
		}
	}
	conn.pendingPragmas = nil
	return conn, nil
}

type dsnOption struct {
	key, value string
}

func parseDSN(dsn string) (string, []dsnOption, error) {
	path := strings.TrimSpace(dsn)
	if path == "" {
		path = ":memory:"
	}
	var opts []dsnOption
	if i := strings.IndexByte(path, '?'); i >= 0 && !strings.HasPrefix(path, "file:") {
		query := path[i+1:]
		path = path[:i]
		for _, pair := range strings.Split(query, "&") {
			if pair == "" {
				continue
			}
			k, v, _ := strings.Cut(pair, "=")
			opts = append(opts, dsnOption{key: strings.ToLower(strings.TrimSpace(k)), value: strings.TrimSpace(v)})
		}
	}
	if path == "" {
		path = ":memory:"
	}
	return path, opts, nil
}

func (c *Connection) applyDSNOption(key, value string) error {
	switch key {
	case "busy_timeout":
		d, err := parseBusyTimeout(value)
		if err != nil {
			return err
		}
		c.busyTimeout = d
		return nil
	case "journal_mode":
		switch strings.ToUpper(value) {
		case "DELETE", "TRUNCATE", "PERSIST", "MEMORY", "WAL", "OFF":
			c.pendingPragmas = append(c.pendingPragmas, "PRAGMA journal_mode="+strings.ToUpper(value))
			return nil
		}
		return fmt.Errorf("litebind: invalid journal_mode %q", value)
	case "foreign_keys":
		switch strings.ToLower(value) {
		case "on", "true", "1":
			c.pendingPragmas = append(c.pendingPragmas, "PRAGMA foreign_keys=ON")
		case "off", "false", "0":
			c.pendingPragmas = append(c.pendingPragmas, "PRAGMA foreign_keys=OFF")
		default:
			return fmt.Errorf("litebind: invalid foreign_keys %q", value)
		}
		return nil
	case "cache_size":
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("litebind: invalid cache_size %q", value)
		}
		c.pendingPragmas = append(c.pendingPragmas, "PRAGMA cache_size="+value)
		return nil
	}
	return fmt.Errorf("litebind: unknown connection option %q", key)
}

// parseBusyTimeout accepts a bare millisecond count or a duration string.
func parseBusyTimeout(value string) (time.Duration, error) {
	if ms, err := strconv.Atoi(value); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("litebind: negative busy_timeout %d", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("litebind: invalid busy_timeout %q", value)
	}
	return d, nil
}

// Cursor creates a new cursor on the connection.
func (c *Connection) Cursor() *Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := &Cursor{conn: c, executeExplain: -1}
	c.cursors = append(c.cursors, cur)
	return cur
}

// Execute is shorthand for creating a cursor and executing on it.
func (c *Connection) Execute(sql string, bindings any, opts ...ExecOption) (*Cursor, error) {
	return c.Cursor().Execute(sql, bindings, opts...)
}

// Close finalizes every open cursor and releases the engine handle.
// Cursor teardown failures do not stop the close; all errors are
// aggregated.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cursors := c.cursors
	c.cursors = nil
	c.mu.Unlock()

	var result *multierror.Error
	for _, cur := range cursors {
		if err := cur.Close(true); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := c.eng.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Interrupt asks the engine to abort the statement currently running on
// this connection.
func (c *Connection) Interrupt() {
	c.eng.Interrupt()
}

// Changes reports the rows modified by the most recent write statement.
func (c *Connection) Changes() int { return c.eng.Changes() }

// TotalChanges reports the rows modified over the connection's lifetime.
func (c *Connection) TotalChanges() int { return c.eng.TotalChanges() }

// LastInsertRowID reports the rowid of the most recent successful INSERT.
func (c *Connection) LastInsertRowID() int64 { return c.eng.LastInsertRowID() }

// InTransaction reports whether an explicit transaction is open.
func (c *Connection) InTransaction() bool { return !c.eng.Autocommit() }

// ==================== Hook registration ====================

// SetExecTrace installs the connection-wide exec tracer. Cursors may
// override it. A nil tracer removes it.
func (c *Connection) SetExecTrace(fn ExecTracer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execTrace = fn
}

// SetRowTrace installs the connection-wide row tracer.
func (c *Connection) SetRowTrace(fn RowTracer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rowTrace = fn
}

// SetConvertBinding installs the connection-wide binding converter.
func (c *Connection) SetConvertBinding(fn BindingConverter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convertBinding = fn
}

// SetAuthorizer installs the statement authorizer. A nil authorizer
// removes it.
func (c *Connection) SetAuthorizer(fn Authorizer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authorizer = fn
}

// SetProgressHandler installs fn to run before every nsteps-th pipeline
// step. Installing a handler resets the step counter. A handler returning
// true interrupts the running script. nsteps values below 1 are treated
// as 1.
func (c *Connection) SetProgressHandler(fn func() bool, nsteps int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if nsteps < 1 {
		nsteps = 1
	}
	c.progressHandler = fn
	c.progressSteps = nsteps
	c.progressCounter = 0
}

// SetUpdateHook installs the update hook. A nil hook removes it.
func (c *Connection) SetUpdateHook(fn UpdateHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateHook = fn
}

// SetCommitHook installs the primary commit hook. A nil hook removes it.
func (c *Connection) SetCommitHook(fn CommitHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commitHook = fn
}

// AddCommitHook registers an additional commit hook under id, replacing
// any hook previously registered under the same id. Hooks run in
// registration order after the primary hook.
func (c *Connection) AddCommitHook(id string, fn CommitHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.commitHooks {
		if c.commitHooks[i].id == id {
			c.commitHooks[i].fn = fn
			return
		}
	}
	c.commitHooks = append(c.commitHooks, namedHook[CommitHook]{id: id, fn: fn})
}

// RemoveCommitHook removes the commit hook registered under id.
func (c *Connection) RemoveCommitHook(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.commitHooks {
		if c.commitHooks[i].id == id {
			c.commitHooks = append(c.commitHooks[:i], c.commitHooks[i+1:]...)
			return
		}
	}
}

// SetRollbackHook installs the primary rollback hook.
func (c *Connection) SetRollbackHook(fn RollbackHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rollbackHook = fn
}

// AddRollbackHook registers an additional rollback hook under id.
func (c *Connection) AddRollbackHook(id string, fn RollbackHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.rollbackHooks {
		if c.rollbackHooks[i].id == id {
			c.rollbackHooks[i].fn = fn
			return
		}
	}
	c.rollbackHooks = append(c.rollbackHooks, namedHook[RollbackHook]{id: id, fn: fn})
}

// RemoveRollbackHook removes the rollback hook registered under id.
func (c *Connection) RemoveRollbackHook(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.rollbackHooks {
		if c.rollbackHooks[i].id == id {
			c.rollbackHooks = append(c.rollbackHooks[:i], c.rollbackHooks[i+1:]...)
			return
		}
	}
}

// SetWALHook installs the WAL commit hook.
func (c *Connection) SetWALHook(fn WALHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.walHook = fn
}

// SetCollationNeeded installs the unknown-collation hook.
func (c *Connection) SetCollationNeeded(fn CollationNeededHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collationNeeded = fn
}

// SetAutovacuumPages installs the page-accounting hook.
func (c *Connection) SetAutovacuumPages(fn AutovacuumPagesHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autovacuumPages = fn
}

// SetBusyHandler installs fn as the busy handler and clears any busy
// timeout. The handler is retried at most 1024 times per statement.
func (c *Connection) SetBusyHandler(fn BusyHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busyHandler = fn
	c.busyTimeout = 0
}

// SetBusyTimeout installs a busy timeout and clears any busy handler.
func (c *Connection) SetBusyTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.busyTimeout = d
	c.busyHandler = nil
}

// BusyTimeout reports the configured busy timeout.
func (c *Connection) BusyTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busyTimeout
}

// SetLimit sets a pipeline limit and returns the previous value.
// A value of 0 means unlimited.
func (c *Connection) SetLimit(id, value int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.limits[id]
	c.limits[id] = value
	return prev
}

// Limit reports the configured value of a pipeline limit.
func (c *Connection) Limit(id int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits[id]
}

// SetDBConfig sets a configuration flag and returns the previous value.
func (c *Connection) SetDBConfig(op, value int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.dbConfig[op]
	if !ok {
		prev = 1
	}
	c.dbConfig[op] = value
	return prev
}

// DBConfig reports the value of a configuration flag. Unset flags
// report 1.
func (c *Connection) DBConfig(op int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.dbConfig[op]; ok {
		return v
	}
	return 1
}

// RegisterVirtualModule makes a module available to CREATE VIRTUAL TABLE
// and FROM-clause references under name (case-insensitive). A nil source
// registers the name without data, so table creation succeeds but
// querying it reports no query solution. Passing an empty name is an
// error.
func (c *Connection) RegisterVirtualModule(name string, source *VirtualModuleSource) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("litebind: virtual module name must not be empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.virtualModules[strings.ToLower(name)] = source
	return nil
}

// UnregisterVirtualModule removes a registered module.
func (c *Connection) UnregisterVirtualModule(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.virtualModules, strings.ToLower(name))
}

func (c *Connection) lookupVirtualModule(name string) (*VirtualModuleSource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.virtualModules[strings.ToLower(name)]
	return src, ok
}

func (c *Connection) engineConn() (*engine.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	return c.eng, nil
}

func (c *Connection) forgetCursor(cur *Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.cursors {
		if c.cursors[i] == cur {
			c.cursors = append(c.cursors[:i], c.cursors[i+1:]...)
			return
		}
	}
}
