package litebind

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/SimonWaldherr/litebind/internal/engine"
)

// Row is one fetched result row, decoded with the codec's column rules.
type Row []any

// ColumnDescription is the short per-column result metadata.
type ColumnDescription struct {
	Name     string
	DeclType string
}

// ColumnDescriptionFull adds the origin metadata. The database defaults to
// "main" and the table is derived from the statement text.
type ColumnDescriptionFull struct {
	Name     string
	DeclType string
	Database string
	Table    string
	Origin   string
}

// ExecOption adjusts a single Execute or ExecuteMany call.
type ExecOption func(*execOptions)

type execOptions struct {
	prepareFlags uint32
	explain      int
}

// WithPrepareFlags passes engine prepare flags through to compilation.
func WithPrepareFlags(flags uint32) ExecOption {
	return func(o *execOptions) { o.prepareFlags = flags }
}

// WithExplain overrides the statement's EXPLAIN mode: 0 strips any
// EXPLAIN prefix, 1 forces EXPLAIN, 2 forces EXPLAIN QUERY PLAN.
func WithExplain(mode int) ExecOption {
	return func(o *execOptions) { o.explain = mode }
}

// Cursor drives statements through the prepare/bind/step/finalize
// pipeline, dispatching the connection's hooks along the way. A cursor
// runs one script at a time; starting a new one while the previous still
// has pending statements or buffered rows is an error.
type Cursor struct {
	conn    *Connection
	stmt    *engine.Stmt
	haveRow bool
	closed  bool

	// 0 when no script is active, otherwise the owning goroutine.
	owner uint64

	// Cursor-level overrides. The set flags distinguish "inherit from the
	// connection" from "explicitly disabled".
	execTrace         ExecTracer
	execTraceSet      bool
	rowTrace          RowTracer
	rowTraceSet       bool
	convertBinding    BindingConverter
	convertBindingSet bool

	pendingSQL   string
	prepareFlags uint32
	bindings     *bindingSource

	bindingsCount int
	bindingsNames []string

	executeManyPending    bool
	collectingExecuteMany bool
	executeManyResults    []Row
	executeManyIndex      int

	lastShortDescription []ColumnDescription
	lastFullDescription  []ColumnDescriptionFull

	traceIsExplain    int
	traceIsReadonly   bool
	traceExpandedSQL  string
	skipExecTraceOnce bool
	executeExplain    int

	vmCounter int
}

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// ==================== Lifecycle ====================

func (c *Cursor) finalizeStatement() {
	if c.stmt != nil {
		c.stmt.Finalize()
		c.stmt = nil
	}
	c.haveRow = false
	c.owner = 0
	c.bindingsCount = 0
	c.bindingsNames = nil
}

func (c *Cursor) resetExecutionState() {
	c.finalizeStatement()
	c.pendingSQL = ""
	c.prepareFlags = 0
	c.bindings = nil
	c.executeManyPending = false
	if !c.collectingExecuteMany {
		c.executeManyResults = nil
		c.executeManyIndex = 0
	}
	c.lastShortDescription = nil
	c.lastFullDescription = nil
	c.executeExplain = -1
}

func (c *Cursor) hasPendingWork() bool {
	return strings.TrimSpace(c.pendingSQL) != "" ||
		c.bindings.remaining() > 0 ||
		c.executeManyPending
}

func (c *Cursor) hasActiveStatement() bool {
	return c.stmt != nil || strings.TrimSpace(c.pendingSQL) != ""
}

func (c *Cursor) updateOwner() {
	if c.hasActiveStatement() {
		c.owner = goroutineID()
	} else {
		c.owner = 0
	}
}

func (c *Cursor) engineConn() (*engine.Conn, error) {
	if c.closed {
		return nil, ErrCursorClosed
	}
	return c.conn.engineConn()
}

// Close ends the cursor. With pending work it fails unless force is set,
// in which case the work is discarded. Closing twice is harmless.
func (c *Cursor) Close(force bool) error {
	if c.closed {
		return nil
	}
	if c.hasPendingWork() && !force {
		return ErrIncompleteExecution
	}
	c.resetExecutionState()
	c.closed = true
	c.conn.forgetCursor(c)
	return nil
}

// Connection returns the owning connection.
func (c *Cursor) Connection() *Connection { return c.conn }

// ==================== Cursor-level hook overrides ====================

// SetExecTrace overrides the connection's exec tracer for this cursor.
// Passing nil disables tracing for the cursor even when the connection
// has a tracer.
func (c *Cursor) SetExecTrace(fn ExecTracer) {
	c.execTrace = fn
	c.execTraceSet = true
}

// SetRowTrace overrides the connection's row tracer for this cursor.
func (c *Cursor) SetRowTrace(fn RowTracer) {
	c.rowTrace = fn
	c.rowTraceSet = true
}

// SetConvertBinding overrides the connection's binding converter.
func (c *Cursor) SetConvertBinding(fn BindingConverter) {
	c.convertBinding = fn
	c.convertBindingSet = true
}

func (c *Cursor) effectiveExecTrace() ExecTracer {
	if c.execTraceSet {
		return c.execTrace
	}
	return c.conn.execTrace
}

func (c *Cursor) effectiveRowTrace() RowTracer {
	if c.rowTraceSet {
		return c.rowTrace
	}
	return c.conn.rowTrace
}

func (c *Cursor) effectiveConvertBinding() BindingConverter {
	if c.convertBindingSet {
		return c.convertBinding
	}
	return c.conn.convertBinding
}

// ==================== Introspection ====================

// BindingsCount reports the parameter count of the current statement.
func (c *Cursor) BindingsCount() (int, error) {
	if _, err := c.engineConn(); err != nil {
		return 0, err
	}
	return c.bindingsCount, nil
}

// BindingsNames reports the parameter names of the current statement with
// their sigils trimmed. Nameless parameters report "".
func (c *Cursor) BindingsNames() ([]string, error) {
	if _, err := c.engineConn(); err != nil {
		return nil, err
	}
	return append([]string(nil), c.bindingsNames...), nil
}

// HasStatement reports whether a compiled statement is currently active.
func (c *Cursor) HasStatement() (bool, error) {
	if _, err := c.engineConn(); err != nil {
		return false, err
	}
	return c.stmt != nil, nil
}

// IsExplain reports the traced statement's EXPLAIN mode. Populated by the
// exec-trace machinery.
func (c *Cursor) IsExplain() (int, error) {
	if _, err := c.engineConn(); err != nil {
		return 0, err
	}
	return c.traceIsExplain, nil
}

// IsReadOnly reports whether the traced statement was classified
// read-only.
func (c *Cursor) IsReadOnly() (bool, error) {
	if _, err := c.engineConn(); err != nil {
		return false, err
	}
	return c.traceIsReadonly, nil
}

// ExpandedSQL reports the traced statement text with positional bindings
// substituted as literals. It fails when the expansion exceeds the
// connection's length limit.
func (c *Cursor) ExpandedSQL() (string, error) {
	if _, err := c.engineConn(); err != nil {
		return "", err
	}
	limit := c.conn.Limit(LimitLength)
	if limit > 0 && len(c.traceExpandedSQL) > limit {
		return "", fmt.Errorf("litebind: expanded SQL exceeds length limit %d", limit)
	}
	return c.traceExpandedSQL, nil
}

// Description reports the short per-column metadata of the current result.
// After a statement finalizes, the last cached metadata is returned;
// ErrExecutionComplete means the cursor never produced any.
func (c *Cursor) Description() ([]ColumnDescription, error) {
	if _, err := c.engineConn(); err != nil {
		return nil, err
	}
	if c.stmt == nil {
		if c.lastShortDescription != nil {
			return c.lastShortDescription, nil
		}
		return nil, ErrExecutionComplete
	}
	return c.shortDescription(), nil
}

// DescriptionFull reports per-column metadata with origin information.
func (c *Cursor) DescriptionFull() ([]ColumnDescriptionFull, error) {
	if _, err := c.engineConn(); err != nil {
		return nil, err
	}
	if c.stmt == nil {
		if c.lastFullDescription != nil {
			return c.lastFullDescription, nil
		}
		return nil, ErrExecutionComplete
	}
	return c.fullDescription(), nil
}

func (c *Cursor) shortDescription() []ColumnDescription {
	return shortDescriptionFromStmt(c.stmt)
}

func (c *Cursor) fullDescription() []ColumnDescriptionFull {
	return fullDescriptionFromStmt(c.stmt)
}

func shortDescriptionFromStmt(stmt *engine.Stmt) []ColumnDescription {
	count := stmt.ColumnCount()
	desc := make([]ColumnDescription, count)
	for i := 0; i < count; i++ {
		desc[i] = ColumnDescription{Name: stmt.ColumnName(i), DeclType: stmt.ColumnDeclType(i)}
	}
	return desc
}

func fullDescriptionFromStmt(stmt *engine.Stmt) []ColumnDescriptionFull {
	count := stmt.ColumnCount()
	table := ""
	if tables := selectSourceTables(stmt.SQL()); len(tables) > 0 {
		table = tables[0]
	}
	desc := make([]ColumnDescriptionFull, count)
	for i := 0; i < count; i++ {
		name := stmt.ColumnName(i)
		desc[i] = ColumnDescriptionFull{
			Name:     name,
			DeclType: stmt.ColumnDeclType(i),
			Database: "main",
			Table:    table,
			Origin:   name,
		}
	}
	return desc
}

// ==================== Hook dispatch ====================

func (c *Cursor) runProgressHandler() error {
	c.conn.mu.Lock()
	handler := c.conn.progressHandler
	if handler == nil {
		c.conn.mu.Unlock()
		return nil
	}
	c.conn.progressCounter++
	fire := c.conn.progressSteps > 0 && c.conn.progressCounter%uint64(c.conn.progressSteps) == 0
	c.conn.mu.Unlock()
	if fire && handler() {
		return ErrInterrupted
	}
	return nil
}

func (c *Cursor) runAuthorizer(sql string) error {
	c.conn.mu.Lock()
	authorizer := c.conn.authorizer
	c.conn.mu.Unlock()
	if authorizer == nil {
		return nil
	}
	invoke := func(action int32, name string) error {
		rc := authorizer(action, name, "main", "")
		if rc != engine.AuthOK && rc != engine.AuthIgnore {
			return ErrNotAuthorized
		}
		return nil
	}
	action, name := authorizerAction(sql)
	if err := invoke(action, name); err != nil {
		return err
	}
	if action == engine.OpSelect {
		for _, table := range selectSourceTables(sql) {
			if err := invoke(engine.OpRead, table); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Cursor) invokeCollationNeeded(name string) bool {
	c.conn.mu.Lock()
	hook := c.conn.collationNeeded
	c.conn.mu.Unlock()
	if hook == nil {
		return false
	}
	hook(c.conn, name)
	return true
}

// runUpdateHookForSQL fires the update hook for completed write
// statements, and the autovacuum accounting hook for deletes.
func (c *Cursor) runUpdateHookForSQL(sql string) {
	var action int32
	switch leadingKeyword(sql) {
	case "INSERT", "REPLACE":
		action = engine.OpInsert
	case "UPDATE":
		action = engine.OpUpdate
	case "DELETE":
		action = engine.OpDelete
	default:
		return
	}

	c.conn.mu.Lock()
	updateHook := c.conn.updateHook
	autovacuum := c.conn.autovacuumPages
	eng := c.conn.eng
	c.conn.mu.Unlock()

	if updateHook != nil {
		table := ""
		rowid := int64(0)
		switch action {
		case engine.OpInsert:
			table = identifierAfter(sql, "into")
			rowid = eng.LastInsertRowID()
		case engine.OpUpdate:
			table = identifierAfter(sql, "update")
		case engine.OpDelete:
			table = identifierAfter(sql, "from")
		}
		updateHook(action, "main", table, rowid)
	}

	if action == engine.OpDelete && autovacuum != nil {
		pages := c.pragmaInt("page_count")
		freePages := c.pragmaInt("freelist_count")
		bytesPerPage := c.pragmaInt("page_size")
		if freePages < 2 {
			freePages = 2
		}
		if pages <= freePages {
			pages = freePages + 1
		}
		autovacuum("main", pages, freePages, bytesPerPage)
	}
}

func (c *Cursor) pragmaInt(name string) int64 {
	eng, err := c.engineConn()
	if err != nil {
		return 0
	}
	stmt, _, err := eng.Prepare("PRAGMA "+name, 0)
	if err != nil || stmt == nil {
		return 0
	}
	value := int64(0)
	if stmt.Step() == engine.Row {
		value = stmt.ColumnInt64(0)
	}
	stmt.Finalize()
	return value
}

type commitHookSet struct {
	commit    CommitHook
	commitIDs []CommitHook
	rollback  RollbackHook
	rollIDs   []RollbackHook
	wal       WALHook
}

func (c *Connection) snapshotCommitHooks() commitHookSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := commitHookSet{commit: c.commitHook, rollback: c.rollbackHook, wal: c.walHook}
	for _, h := range c.commitHooks {
		set.commitIDs = append(set.commitIDs, h.fn)
	}
	for _, h := range c.rollbackHooks {
		set.rollIDs = append(set.rollIDs, h.fn)
	}
	return set
}

func (s commitHookSet) fireRollbacks() {
	if s.rollback != nil {
		s.rollback()
	}
	for _, fn := range s.rollIDs {
		fn()
	}
}

// fireCommits runs every commit hook in order. The first hook asking for
// a rollback triggers the rollback hooks and fails the commit.
func (s commitHookSet) fireCommits(conn *Connection) error {
	if s.commit != nil && s.commit() {
		s.fireRollbacks()
		return ErrCommitBlocked
	}
	for _, fn := range s.commitIDs {
		if fn() {
			s.fireRollbacks()
			return ErrCommitBlocked
		}
	}
	if s.wal != nil {
		s.wal(conn, "main", 0)
	}
	return nil
}

// runTransactionHooksForSQL maintains the transaction flag and fires
// commit, rollback, and WAL hooks for explicit transaction statements.
func (c *Cursor) runTransactionHooksForSQL(sql string) error {
	kw := leadingKeyword(sql)
	c.conn.mu.Lock()
	switch kw {
	case "BEGIN":
		c.conn.inTransaction = true
	case "COMMIT", "END", "ROLLBACK":
		c.conn.inTransaction = false
	}
	c.conn.mu.Unlock()

	set := c.conn.snapshotCommitHooks()
	switch kw {
	case "COMMIT", "END":
		return set.fireCommits(c.conn)
	case "ROLLBACK":
		set.fireRollbacks()
	}
	return nil
}

// runImplicitCommitHooksForSQL fires the commit hooks for autocommit
// writes, which commit implicitly when they complete.
func (c *Cursor) runImplicitCommitHooksForSQL(sql string) error {
	switch leadingKeyword(sql) {
	case "INSERT", "UPDATE", "DELETE", "REPLACE", "CREATE", "DROP", "ALTER", "REINDEX", "VACUUM":
	default:
		return nil
	}
	c.conn.mu.Lock()
	inTransaction := c.conn.inTransaction
	c.conn.mu.Unlock()
	if inTransaction {
		return nil
	}
	return c.conn.snapshotCommitHooks().fireCommits(c.conn)
}

// handleBusyCondition runs the busy protocol and then surfaces the
// original error: the busy handler is polled until it gives up (or 1024
// attempts pass), otherwise the busy timeout is slept once.
func (c *Cursor) handleBusyCondition(busyErr error) error {
	c.conn.mu.Lock()
	handler := c.conn.busyHandler
	timeout := c.conn.busyTimeout
	c.conn.mu.Unlock()

	if handler != nil {
		for attempt := 0; attempt < 1024; attempt++ {
			if !handler(attempt) {
				break
			}
		}
	} else if timeout > 0 {
		time.Sleep(timeout)
	}
	return busyErr
}

// ==================== Exec trace ====================

func (c *Cursor) currentBindingsValue() any {
	if c.bindings == nil {
		return nil
	}
	switch c.bindings.kind {
	case bindNamed:
		return c.bindings.named
	case bindPositional:
		start := c.bindings.consumed - c.bindingsCount
		if start < 0 {
			start = 0
		}
		stop := c.bindings.consumed
		if stop > len(c.bindings.positional) {
			stop = len(c.bindings.positional)
		}
		return append([]any(nil), c.bindings.positional[start:stop]...)
	}
	return nil
}

func classifyTraceReadonly(sql string) bool {
	lower := strings.ToLower(strings.TrimSpace(sql))
	return strings.HasPrefix(lower, "select") ||
		strings.HasPrefix(lower, "with") ||
		strings.HasPrefix(lower, "explain") ||
		(strings.HasPrefix(lower, "pragma") && !strings.Contains(lower, "="))
}

// runExecTrace fires the effective tracer for the statement just
// prepared, after its bindings were applied.
func (c *Cursor) runExecTrace() error {
	if c.skipExecTraceOnce {
		c.skipExecTraceOnce = false
		return nil
	}
	trace := c.effectiveExecTrace()
	if trace == nil {
		return nil
	}
	sql := c.stmt.SQL()
	bindings := c.currentBindingsValue()
	window, _ := bindings.([]any)
	c.captureTraceMetadata(sql, -1, window)
	if !trace(c, sql, bindings) {
		return ErrExecTraceAbort
	}
	return nil
}

func (c *Cursor) captureTraceMetadata(sql string, explain int, values []any) {
	if explain >= 0 {
		c.traceIsExplain = explain
	} else {
		c.traceIsExplain = explainLevel(sql)
	}
	c.traceIsReadonly = classifyTraceReadonly(sql)

	expanded := sql
	if out, err := expandSQLText(sql, values); err == nil {
		expanded = out
	}
	c.traceExpandedSQL = expanded
}

// runExecTracePreview compiles the first statement ahead of execution so
// the tracer (and the cursor's metadata accessors) see it before any row
// work happens. With no tracer installed it clears the stale metadata
// instead.
func (c *Cursor) runExecTracePreview(statements string, bindings *bindingSource, prepareFlags uint32, explain int) error {
	trace := c.effectiveExecTrace()
	if trace == nil {
		c.bindingsCount = 0
		c.bindingsNames = nil
		c.lastShortDescription = nil
		c.lastFullDescription = nil
		c.traceIsExplain = 0
		c.traceIsReadonly = false
		c.traceExpandedSQL = ""
		return nil
	}
	eng, err := c.engineConn()
	if err != nil {
		return err
	}
	preview, _, err := c.maybeRewriteVirtualModuleSQL(statements)
	if err != nil {
		return err
	}
	stmt, _, err := eng.Prepare(preview, prepareFlags)
	if err != nil {
		return err
	}
	sql := preview
	if stmt != nil {
		sql = stmt.SQL()
		c.bindingsCount = stmt.BindParameterCount()
		c.bindingsNames = parameterNames(stmt)
		c.lastShortDescription = shortDescriptionFromStmt(stmt)
		c.lastFullDescription = fullDescriptionFromStmt(stmt)
		stmt.Finalize()
	} else {
		c.bindingsCount = 0
		c.bindingsNames = nil
		c.lastShortDescription = nil
		c.lastFullDescription = nil
	}

	var traceBindings any
	var values []any
	if bindings != nil {
		switch bindings.kind {
		case bindNamed:
			traceBindings = bindings.named
		case bindPositional:
			traceBindings = bindings.positional
			values = bindings.positional
		}
	}
	c.captureTraceMetadata(sql, explain, values)
	if !trace(c, sql, traceBindings) {
		if err := c.runAuthorizer(sql); err != nil {
			return err
		}
		return ErrExecTraceAbort
	}
	c.skipExecTraceOnce = true
	return nil
}

func parameterNames(stmt *engine.Stmt) []string {
	count := stmt.BindParameterCount()
	names := make([]string, count)
	for i := 1; i <= count; i++ {
		names[i-1] = strings.TrimLeft(stmt.BindParameterName(i), "?:@$")
	}
	return names
}

// ==================== Execute ====================

// Execute runs a script of one or more statements with the given
// bindings. Bindings may be nil, NullBindings, a slice (positional,
// shared across the whole script), or a string-keyed map (named). The
// cursor itself is returned for chaining.
func (c *Cursor) Execute(sql string, bindings any, opts ...ExecOption) (*Cursor, error) {
	options := execOptions{explain: -1}
	for _, opt := range opts {
		opt(&options)
	}
	source, err := newBindingSource(bindings)
	if err != nil {
		return nil, err
	}
	if err := c.runExecTracePreview(sql, source, options.prepareFlags, options.explain); err != nil {
		return nil, err
	}
	source.consumed = 0
	if err := c.executeImpl(sql, source, options.prepareFlags, options.explain); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cursor) executeImpl(sql string, source *bindingSource, prepareFlags uint32, explain int) error {
	if _, err := c.engineConn(); err != nil {
		return err
	}
	if c.executeManyPending {
		c.resetExecutionState()
		c.updateOwner()
		return ErrIncompleteExecuteMany
	}
	if c.hasActiveStatement() && c.owner != 0 && c.owner != goroutineID() {
		return ErrThreadingViolation
	}
	if c.hasPendingWork() {
		c.resetExecutionState()
		c.updateOwner()
		return ErrIncompleteExecution
	}

	c.resetExecutionState()
	c.pendingSQL = sql
	c.prepareFlags = prepareFlags
	c.executeExplain = explain
	c.bindings = source

	err := c.advanceToNextRow()
	c.updateOwner()
	return err
}

// ExecuteMany runs the script once per bindings entry, buffering every
// produced row. No rows become visible unless every run succeeds.
func (c *Cursor) ExecuteMany(sql string, bindingsSeq []any, opts ...ExecOption) (*Cursor, error) {
	options := execOptions{explain: -1}
	for _, opt := range opts {
		opt(&options)
	}
	if c.executeManyPending {
		c.resetExecutionState()
		return nil, ErrIncompleteExecuteMany
	}
	if c.hasPendingWork() {
		c.resetExecutionState()
		return nil, ErrIncompleteExecution
	}

	c.collectingExecuteMany = true
	c.executeManyResults = nil
	c.executeManyIndex = 0

	runs := func() error {
		for _, bindings := range bindingsSeq {
			source, err := newBindingSource(bindings)
			if err != nil {
				return err
			}
			if err := c.runExecTracePreview(sql, source, options.prepareFlags, options.explain); err != nil {
				return err
			}
			source.consumed = 0
			if err := c.executeImpl(sql, source, options.prepareFlags, options.explain); err != nil {
				return err
			}
			for {
				row, err := c.FetchOne()
				if err != nil {
					return err
				}
				if row == nil {
					break
				}
				c.executeManyResults = append(c.executeManyResults, row)
			}
		}
		return nil
	}()

	c.collectingExecuteMany = false
	if runs != nil {
		c.executeManyPending = false
		c.executeManyResults = nil
		c.executeManyIndex = 0
		return nil, runs
	}
	if len(c.executeManyResults) > 0 {
		c.executeManyPending = true
		c.executeManyIndex = 0
	}
	return c, nil
}

// ==================== Pipeline ====================

func (c *Cursor) advanceToNextRow() error {
	eng, err := c.engineConn()
	if err != nil {
		return err
	}

	for {
		if c.stmt == nil {
			ok, err := c.prepareNextStatement(eng)
			if err != nil {
				return err
			}
			if !ok {
				c.haveRow = false
				err := c.ensureAllBindingsConsumed()
				c.bindings = nil
				c.updateOwner()
				return err
			}
		}

		if err := c.runImplicitCommitHooksForSQL(c.stmt.SQL()); err != nil {
			c.resetExecutionState()
			c.updateOwner()
			return err
		}
		if err := c.runProgressHandler(); err != nil {
			c.resetExecutionState()
			c.updateOwner()
			return err
		}

		switch rc := c.stmt.Step(); rc {
		case engine.Row:
			c.haveRow = true
			c.updateOwner()
			return nil
		case engine.Done:
			sql := c.stmt.SQL()
			if err := c.runTransactionHooksForSQL(sql); err != nil {
				c.resetExecutionState()
				c.updateOwner()
				return err
			}
			c.runUpdateHookForSQL(sql)
			c.finalizeStatement()
			c.updateOwner()
		default:
			stepErr := engine.NewError(rc, eng.ErrMsg())
			c.resetExecutionState()
			c.updateOwner()
			if engine.IsBusy(stepErr) {
				return c.handleBusyCondition(stepErr)
			}
			return stepErr
		}
	}
}

func (c *Cursor) prepareNextStatement(eng *engine.Conn) (bool, error) {
	for {
		sql := c.pendingSQL
		c.pendingSQL = ""
		if strings.TrimSpace(sql) == "" {
			return false, nil
		}

		if err := c.checkDoubleQuotedSelect(sql); err != nil {
			return false, err
		}
		if c.conn.DBConfig(DBConfigEnableComments) == 0 && startsWithComment(sql) {
			return false, sqlError("comments are disabled")
		}

		if err := c.runAuthorizer(sql); err != nil {
			return false, err
		}

		rewritten, changed, err := c.maybeRewriteVirtualModuleSQL(sql)
		if err != nil {
			c.resetExecutionState()
			return false, err
		}
		if !changed {
			if rewritten, changed = rewriteGenerateSeries(sql); !changed {
				if rewritten, changed = rewriteRangeModule(sql); !changed {
					if rewritten, changed = rewriteFTS5Tokenizer(sql); !changed {
						rewritten, _ = rewriteCArrayQueries(sql)
					}
				}
			}
		}
		sql = rewritten
		sql, err = rewriteSQLForExplain(sql, c.executeExplain)
		if err != nil {
			c.resetExecutionState()
			return false, err
		}

		stmt, tail, err := c.prepareWithCollationRetry(eng, sql)
		if err != nil {
			c.resetExecutionState()
			return false, err
		}
		if strings.TrimSpace(tail) != "" {
			c.pendingSQL = tail
		}
		if stmt == nil {
			continue
		}

		c.stmt = stmt
		c.bindingsCount = stmt.BindParameterCount()
		c.bindingsNames = parameterNames(stmt)
		if err := c.bindCurrentStatement(); err != nil {
			c.resetExecutionState()
			return false, err
		}
		if err := c.runExecTrace(); err != nil {
			c.resetExecutionState()
			return false, err
		}
		return true, nil
	}
}

func (c *Cursor) checkDoubleQuotedSelect(sql string) error {
	if !isSimpleDoubleQuotedSelect(sql) {
		return nil
	}
	if c.conn.DBConfig(DBConfigDQSDML) == 0 || c.conn.DBConfig(DBConfigDQSDDL) == 0 {
		return sqlError("double-quoted string literal")
	}
	logf("WARN [%s] double-quoted string literal", engine.CodeName(engine.Warning))
	return nil
}

func (c *Cursor) prepareWithCollationRetry(eng *engine.Conn, sql string) (*engine.Stmt, string, error) {
	attempted := false
	for {
		stmt, tail, err := eng.Prepare(sql, c.prepareFlags)
		if err == nil {
			return stmt, tail, nil
		}
		if !attempted {
			if name, ok := missingCollationName(err.Error()); ok {
				if c.invokeCollationNeeded(name) {
					attempted = true
					continue
				}
			}
		}
		return nil, "", err
	}
}

func (c *Cursor) bindCurrentStatement() error {
	count := c.bindingsCount
	source := c.bindings
	if source == nil {
		source = &bindingSource{kind: bindNone}
	}
	switch source.kind {
	case bindNone:
		if count > 0 {
			return &BindingsCountError{Used: count, Supplied: 0}
		}
	case bindNull:
		for i := 1; i <= count; i++ {
			if err := bindValue(c.stmt, i, nil); err != nil {
				return err
			}
		}
	case bindPositional:
		remaining := source.remaining()
		if count > remaining {
			return &BindingsCountError{Used: count, Supplied: remaining}
		}
		if strings.TrimSpace(c.pendingSQL) == "" && count != remaining {
			return &BindingsCountError{Used: count, Supplied: remaining}
		}
		values := source.take(count)
		for i, value := range values {
			converted, err := c.applyConvertBinding(i+1, value)
			if err != nil {
				return err
			}
			if err := bindValue(c.stmt, i+1, converted); err != nil {
				return err
			}
		}
	case bindNamed:
		for i := 1; i <= count; i++ {
			raw := c.stmt.BindParameterName(i)
			if raw == "" {
				return fmt.Errorf("litebind: bindings are named but parameter %d is positional", i)
			}
			value, ok := source.lookup(raw)
			if !ok {
				if !allowMissingNamedBindings() {
					return &MissingBindingError{Name: strings.TrimLeft(raw, "?:@$")}
				}
				value = nil
			}
			converted, err := c.applyConvertBinding(i, value)
			if err != nil {
				return err
			}
			if err := bindValue(c.stmt, i, converted); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Cursor) applyConvertBinding(index int, value any) (any, error) {
	convert := c.effectiveConvertBinding()
	if convert == nil {
		return value, nil
	}
	return convert(index, value)
}

func (c *Cursor) ensureAllBindingsConsumed() error {
	if c.bindings != nil && c.bindings.kind == bindPositional {
		supplied := len(c.bindings.positional)
		consumed := c.bindings.consumed
		if supplied != consumed {
			return &BindingsCountError{Used: consumed, Supplied: supplied}
		}
	}
	return nil
}

func (c *Cursor) readCurrentRow() Row {
	count := c.stmt.ColumnCount()
	row := make(Row, count)
	for i := 0; i < count; i++ {
		row[i] = columnValue(c.stmt, i)
	}
	return row
}

func (c *Cursor) stepAfterRow() error {
	if c.stmt == nil {
		c.haveRow = false
		return nil
	}
	eng, err := c.engineConn()
	if err != nil {
		return err
	}
	if err := c.runProgressHandler(); err != nil {
		c.resetExecutionState()
		return err
	}
	switch rc := c.stmt.Step(); rc {
	case engine.Row:
		c.haveRow = true
		return nil
	case engine.Done:
		sql := c.stmt.SQL()
		if err := c.runTransactionHooksForSQL(sql); err != nil {
			c.resetExecutionState()
			return err
		}
		c.runUpdateHookForSQL(sql)
		c.finalizeStatement()
		if strings.TrimSpace(c.pendingSQL) == "" {
			err := c.ensureAllBindingsConsumed()
			c.bindings = nil
			if err != nil {
				return err
			}
		}
		c.haveRow = false
		return nil
	default:
		stepErr := engine.NewError(rc, eng.ErrMsg())
		c.resetExecutionState()
		if engine.IsBusy(stepErr) {
			return c.handleBusyCondition(stepErr)
		}
		return stepErr
	}
}

// ==================== Fetching ====================

// FetchOne returns the next row, or (nil, nil) once the script is
// exhausted. Remaining statements of a multi-statement script run as
// needed to produce the row.
func (c *Cursor) FetchOne() (Row, error) {
	if _, err := c.engineConn(); err != nil {
		return nil, err
	}
	if c.executeManyPending {
		if c.executeManyIndex < len(c.executeManyResults) {
			row := c.executeManyResults[c.executeManyIndex]
			c.executeManyIndex++
			if c.executeManyIndex >= len(c.executeManyResults) {
				c.executeManyPending = false
				c.executeManyResults = nil
				c.executeManyIndex = 0
			}
			return row, nil
		}
		c.executeManyPending = false
		c.executeManyResults = nil
		c.executeManyIndex = 0
	}
	for {
		if !c.haveRow || c.stmt == nil {
			if c.stmt == nil && strings.TrimSpace(c.pendingSQL) != "" {
				if err := c.advanceToNextRow(); err != nil {
					return nil, err
				}
				continue
			}
			if c.stmt == nil {
				c.executeManyPending = false
			}
			c.lastShortDescription = nil
			c.lastFullDescription = nil
			return nil, nil
		}

		row := c.readCurrentRow()
		shortDesc := c.shortDescription()
		fullDesc := c.fullDescription()
		c.lastShortDescription = shortDesc
		c.lastFullDescription = fullDesc
		if err := c.stepAfterRow(); err != nil {
			return nil, err
		}

		trace := c.effectiveRowTrace()
		if trace == nil {
			return row, nil
		}
		traced := trace(c, row)
		if traced == nil {
			continue
		}
		return traced, nil
	}
}

// FetchAll drains the cursor into a slice.
func (c *Cursor) FetchAll() ([]Row, error) {
	if _, err := c.engineConn(); err != nil {
		return nil, err
	}
	var rows []Row
	for {
		row, err := c.FetchOne()
		if err != nil {
			return nil, err
		}
		if row == nil {
			return rows, nil
		}
		rows = append(rows, row)
	}
}

// Get flattens the remaining results: single-column rows collapse to
// their value, a single row collapses to itself, no rows yield nil.
func (c *Cursor) Get() (any, error) {
	rows, err := c.FetchAll()
	if err != nil {
		return nil, err
	}
	values := make([]any, 0, len(rows))
	for _, row := range rows {
		if len(row) == 1 {
			values = append(values, row[0])
		} else {
			values = append(values, row)
		}
	}
	switch len(values) {
	case 0:
		return nil, nil
	case 1:
		return values[0], nil
	}
	return values, nil
}
