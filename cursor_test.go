package litebind

import (
	"errors"
	"strings"
	"testing"
)

func TestExecuteFetchAll(t *testing.T) {
	conn := openTestConn(t)
	cur := conn.Cursor()
	_, err := cur.Execute("CREATE TABLE t(a); INSERT INTO t VALUES(1); INSERT INTO t VALUES(2); SELECT a FROM t ORDER BY a", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	rows, err := cur.FetchAll()
	if err != nil {
		t.Fatalf("fetchall: %v", err)
	}
	if len(rows) != 2 || rows[0][0] != int64(1) || rows[1][0] != int64(2) {
		t.Errorf("rows = %v", rows)
	}
}

func TestFetchOneExhausted(t *testing.T) {
	conn := openTestConn(t)
	cur, err := conn.Execute("SELECT 1", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if row, err := cur.FetchOne(); err != nil || row == nil {
		t.Fatalf("first fetch: row=%v err=%v", row, err)
	}
	if row, err := cur.FetchOne(); err != nil || row != nil {
		t.Fatalf("exhausted fetch: row=%v err=%v", row, err)
	}
	if row, err := cur.FetchOne(); err != nil || row != nil {
		t.Fatalf("repeat exhausted fetch: row=%v err=%v", row, err)
	}
}

func TestPositionalBindingsAcrossStatements(t *testing.T) {
	conn := openTestConn(t)
	_, err := conn.Execute("CREATE TABLE t(a)", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cur := conn.Cursor()
	if _, err := cur.Execute("INSERT INTO t VALUES(?); INSERT INTO t VALUES(?)", []any{10, 20}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := cur.FetchOne(); err != nil {
		t.Fatalf("drain: %v", err)
	}
	got := fetchColumn(t, conn, "SELECT a FROM t ORDER BY a", nil)
	if len(got) != 2 || got[0] != int64(10) || got[1] != int64(20) {
		t.Errorf("rows = %v", got)
	}
}

func TestBindingsCountDeficit(t *testing.T) {
	conn := openTestConn(t)
	_, err := conn.Execute("SELECT ?, ?", []any{1})
	var count *BindingsCountError
	if !errors.As(err, &count) {
		t.Fatalf("err = %v, want BindingsCountError", err)
	}
	if count.Used != 2 || count.Supplied != 1 {
		t.Errorf("count error = %+v", count)
	}
}

func TestBindingsCountSurplus(t *testing.T) {
	conn := openTestConn(t)
	_, err := conn.Execute("SELECT ?", []any{1, 2})
	var count *BindingsCountError
	if !errors.As(err, &count) {
		t.Fatalf("err = %v, want BindingsCountError", err)
	}
}

func TestNamedBindings(t *testing.T) {
	conn := openTestConn(t)
	got := fetchScalar(t, conn, "SELECT :a + @b", map[string]any{"a": 2, "b": 3})
	if got != int64(5) {
		t.Errorf("named result = %v, want 5", got)
	}
}

func TestNamedBindingMissing(t *testing.T) {
	conn := openTestConn(t)
	_, err := conn.Execute("SELECT :a, :b", map[string]any{"a": 1})
	var missing *MissingBindingError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingBindingError", err)
	}
	if missing.Name != "b" {
		t.Errorf("missing name = %q", missing.Name)
	}
}

func TestNamedBindingAllowMissing(t *testing.T) {
	prev := SetAllowMissingNamedBindings(true)
	defer SetAllowMissingNamedBindings(prev)

	conn := openTestConn(t)
	cur, err := conn.Execute("SELECT :a, :b", map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	row, err := cur.FetchOne()
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if row[0] != int64(1) || row[1] != nil {
		t.Errorf("row = %v", row)
	}
}

func TestNamedBindingsWithPositionalParameter(t *testing.T) {
	conn := openTestConn(t)
	_, err := conn.Execute("SELECT ?", map[string]any{"a": 1})
	if err == nil || !strings.Contains(err.Error(), "positional") {
		t.Fatalf("err = %v", err)
	}
}

func TestNullBindings(t *testing.T) {
	conn := openTestConn(t)
	cur, err := conn.Execute("SELECT ?, :name", NullBindings)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	row, err := cur.FetchOne()
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if row[0] != nil || row[1] != nil {
		t.Errorf("row = %v", row)
	}
}

func TestGetFlattening(t *testing.T) {
	conn := openTestConn(t)
	if got := fetchScalar(t, conn, "SELECT 7 WHERE 0", nil); got != nil {
		t.Errorf("empty get = %v", got)
	}
	if got := fetchScalar(t, conn, "SELECT 7", nil); got != int64(7) {
		t.Errorf("scalar get = %v", got)
	}
	got := fetchScalar(t, conn, "SELECT 1 UNION ALL SELECT 2", nil)
	list, ok := got.([]any)
	if !ok || len(list) != 2 || list[0] != int64(1) {
		t.Errorf("list get = %v", got)
	}
	got = fetchScalar(t, conn, "SELECT 1, 2", nil)
	row, ok := got.(Row)
	if !ok || len(row) != 2 {
		t.Errorf("row get = %v", got)
	}
}

func TestDescriptionLifecycle(t *testing.T) {
	conn := openTestConn(t)
	cur, err := conn.Execute("SELECT 1 AS a, 'x' AS b UNION ALL SELECT 2, 'y'", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	desc, err := cur.Description()
	if err != nil {
		t.Fatalf("live description: %v", err)
	}
	if len(desc) != 2 || desc[0].Name != "a" || desc[1].Name != "b" {
		t.Errorf("description = %v", desc)
	}
	for {
		row, err := cur.FetchOne()
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if row == nil {
			break
		}
	}
	if _, err := cur.Description(); !errors.Is(err, ErrExecutionComplete) {
		t.Errorf("exhausted description err = %v", err)
	}
}

func TestDescriptionCachedBetweenStatements(t *testing.T) {
	conn := openTestConn(t)
	cur, err := conn.Execute("SELECT 1 AS only", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := cur.FetchOne(); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	// Statement finalized after its single row; the cached description
	// must survive until exhaustion is observed.
	desc, err := cur.Description()
	if err != nil {
		t.Fatalf("cached description: %v", err)
	}
	if len(desc) != 1 || desc[0].Name != "only" {
		t.Errorf("description = %v", desc)
	}
}

func TestDescriptionFull(t *testing.T) {
	conn := openTestConn(t)
	if _, err := conn.Execute("CREATE TABLE people(name TEXT)", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	cur, err := conn.Execute("SELECT name FROM people", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	desc, err := cur.DescriptionFull()
	if err != nil {
		t.Fatalf("description: %v", err)
	}
	if len(desc) != 1 {
		t.Fatalf("description = %v", desc)
	}
	if desc[0].Database != "main" || desc[0].Table != "people" || desc[0].DeclType != "TEXT" {
		t.Errorf("full description = %+v", desc[0])
	}
}

func TestExecTraceObservesStatement(t *testing.T) {
	conn := openTestConn(t)
	var sqls []string
	var bindings []any
	conn.SetExecTrace(func(cur *Cursor, sql string, b any) bool {
		sqls = append(sqls, sql)
		bindings = append(bindings, b)
		return true
	})
	cur, err := conn.Execute("SELECT ?", []any{42})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(sqls) != 1 || !strings.Contains(sqls[0], "SELECT ?") {
		t.Fatalf("traced sqls = %v", sqls)
	}
	if vals, ok := bindings[0].([]any); !ok || len(vals) != 1 || vals[0] != 42 {
		t.Errorf("traced bindings = %v", bindings[0])
	}
	expanded, err := cur.ExpandedSQL()
	if err != nil {
		t.Fatalf("expanded: %v", err)
	}
	if expanded != "SELECT 42" {
		t.Errorf("expanded = %q", expanded)
	}
	readonly, err := cur.IsReadOnly()
	if err != nil || !readonly {
		t.Errorf("readonly = %v, %v", readonly, err)
	}
}

func TestExecTraceAbort(t *testing.T) {
	conn := openTestConn(t)
	conn.SetExecTrace(func(cur *Cursor, sql string, b any) bool { return false })
	_, err := conn.Execute("SELECT 1", nil)
	if !errors.Is(err, ErrExecTraceAbort) {
		t.Fatalf("err = %v, want ErrExecTraceAbort", err)
	}
}

func TestCursorExecTraceOverridesConnection(t *testing.T) {
	conn := openTestConn(t)
	conn.SetExecTrace(func(cur *Cursor, sql string, b any) bool { return false })
	cur := conn.Cursor()
	cur.SetExecTrace(nil)
	if _, err := cur.Execute("SELECT 1", nil); err != nil {
		t.Fatalf("override should disable tracing: %v", err)
	}
}

func TestRowTraceSkipAndReplace(t *testing.T) {
	conn := openTestConn(t)
	conn.SetRowTrace(func(cur *Cursor, row Row) Row {
		if row[0] == int64(2) {
			return nil
		}
		return Row{row[0].(int64) * 10}
	})
	got := fetchColumn(t, conn, "SELECT 1 UNION ALL SELECT 2 UNION ALL SELECT 3", nil)
	if len(got) != 2 || got[0] != int64(10) || got[1] != int64(30) {
		t.Errorf("rows = %v", got)
	}
}

func TestProgressHandlerInterrupt(t *testing.T) {
	conn := openTestConn(t)
	conn.SetProgressHandler(func() bool { return true }, 1)
	_, err := conn.Execute("SELECT 1", nil)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("err = %v, want ErrInterrupted", err)
	}
}

func TestProgressHandlerCounts(t *testing.T) {
	conn := openTestConn(t)
	calls := 0
	conn.SetProgressHandler(func() bool { calls++; return false }, 1)
	cur, err := conn.Execute("SELECT 1 UNION ALL SELECT 2", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := cur.FetchAll(); err != nil {
		t.Fatalf("fetchall: %v", err)
	}
	if calls < 2 {
		t.Errorf("handler ran %d times, want at least one call per step", calls)
	}
}

func TestAuthorizerDeny(t *testing.T) {
	conn := openTestConn(t)
	if _, err := conn.Execute("CREATE TABLE t(a)", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	conn.SetAuthorizer(func(action int32, name, database, trigger string) int32 {
		if action == OpInsert {
			return AuthDeny
		}
		return AuthOK
	})
	_, err := conn.Execute("INSERT INTO t VALUES(1)", nil)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("err = %v, want ErrNotAuthorized", err)
	}
	if _, err := conn.Execute("SELECT * FROM t", nil); err != nil {
		t.Errorf("select should pass: %v", err)
	}
}

func TestAuthorizerReadsSelectTables(t *testing.T) {
	conn := openTestConn(t)
	if _, err := conn.Execute("CREATE TABLE a(x); CREATE TABLE b(y)", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	var reads []string
	conn.SetAuthorizer(func(action int32, name, database, trigger string) int32 {
		if action == OpRead {
			reads = append(reads, name)
		}
		return AuthOK
	})
	if _, err := conn.Execute("SELECT * FROM a JOIN b ON 1", nil); err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(reads) != 2 || reads[0] != "a" || reads[1] != "b" {
		t.Errorf("reads = %v", reads)
	}
}

func TestUpdateHook(t *testing.T) {
	conn := openTestConn(t)
	if _, err := conn.Execute("CREATE TABLE t(a)", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	var gotAction int32
	var gotTable string
	var gotRowid int64
	conn.SetUpdateHook(func(action int32, database, table string, rowid int64) {
		gotAction, gotTable, gotRowid = action, table, rowid
	})
	if _, err := conn.Execute("INSERT INTO t VALUES(1)", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if gotAction != OpInsert || gotTable != "t" || gotRowid != 1 {
		t.Errorf("update hook saw (%d, %q, %d)", gotAction, gotTable, gotRowid)
	}
}

func TestAutovacuumPagesHook(t *testing.T) {
	conn := openTestConn(t)
	if _, err := conn.Execute("CREATE TABLE t(a); INSERT INTO t VALUES(1)", nil); err != nil {
		t.Fatalf("setup: %v", err)
	}
	var pages, freePages, bytesPerPage int64
	conn.SetAutovacuumPages(func(database string, p, f, b int64) {
		pages, freePages, bytesPerPage = p, f, b
	})
	if _, err := conn.Execute("DELETE FROM t", nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if freePages < 2 || pages <= freePages || bytesPerPage <= 0 {
		t.Errorf("accounting = (%d, %d, %d)", pages, freePages, bytesPerPage)
	}
}

func TestCommitHookBlocksCommit(t *testing.T) {
	conn := openTestConn(t)
	rollbackRan := false
	conn.SetCommitHook(func() bool { return true })
	conn.SetRollbackHook(func() { rollbackRan = true })

	cur := conn.Cursor()
	if _, err := cur.Execute("BEGIN", nil); err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err := cur.Execute("COMMIT", nil)
	if !errors.Is(err, ErrCommitBlocked) {
		t.Fatalf("err = %v, want ErrCommitBlocked", err)
	}
	if !rollbackRan {
		t.Error("rollback hook should run when the commit is blocked")
	}
}

func TestAddRemoveCommitHooks(t *testing.T) {
	conn := openTestConn(t)
	calls := 0
	conn.AddCommitHook("count", func() bool { calls++; return false })

	cur := conn.Cursor()
	if _, err := cur.Execute("BEGIN; COMMIT", nil); err != nil {
		t.Fatalf("txn: %v", err)
	}
	if calls != 1 {
		t.Fatalf("hook ran %d times, want 1", calls)
	}
	conn.RemoveCommitHook("count")
	if _, err := cur.Execute("BEGIN; COMMIT", nil); err != nil {
		t.Fatalf("second txn: %v", err)
	}
	if calls != 1 {
		t.Errorf("removed hook still ran, calls = %d", calls)
	}
}

func TestImplicitCommitHook(t *testing.T) {
	conn := openTestConn(t)
	if _, err := conn.Execute("CREATE TABLE t(a)", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	calls := 0
	conn.SetCommitHook(func() bool { calls++; return false })
	if _, err := conn.Execute("INSERT INTO t VALUES(1)", nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if calls != 1 {
		t.Errorf("autocommit write fired the commit hook %d times, want 1", calls)
	}

	// Inside an explicit transaction the write must not fire the hook.
	cur := conn.Cursor()
	if _, err := cur.Execute("BEGIN; INSERT INTO t VALUES(2)", nil); err != nil {
		t.Fatalf("txn insert: %v", err)
	}
	if calls != 1 {
		t.Errorf("write inside txn fired the hook, calls = %d", calls)
	}
	conn.SetCommitHook(nil)
	if _, err := cur.Execute("COMMIT", nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestRollbackHookOnRollback(t *testing.T) {
	conn := openTestConn(t)
	calls := 0
	conn.AddRollbackHook("count", func() { calls++ })
	cur := conn.Cursor()
	if _, err := cur.Execute("BEGIN; ROLLBACK", nil); err != nil {
		t.Fatalf("txn: %v", err)
	}
	if calls != 1 {
		t.Errorf("rollback hook ran %d times, want 1", calls)
	}
}

func TestExecuteManyBuffersRows(t *testing.T) {
	conn := openTestConn(t)
	cur := conn.Cursor()
	_, err := cur.ExecuteMany("SELECT ? + 100", []any{[]any{1}, []any{2}, []any{3}})
	if err != nil {
		t.Fatalf("executemany: %v", err)
	}
	rows, err := cur.FetchAll()
	if err != nil {
		t.Fatalf("fetchall: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != int64(101) || rows[2][0] != int64(103) {
		t.Errorf("rows = %v", rows)
	}
}

func TestExecuteManyInserts(t *testing.T) {
	conn := openTestConn(t)
	if _, err := conn.Execute("CREATE TABLE t(a)", nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	cur := conn.Cursor()
	if _, err := cur.ExecuteMany("INSERT INTO t VALUES(?)", []any{[]any{1}, []any{2}}); err != nil {
		t.Fatalf("executemany: %v", err)
	}
	got := fetchColumn(t, conn, "SELECT count(*) FROM t", nil)
	if got[0] != int64(2) {
		t.Errorf("count = %v", got[0])
	}
}

func TestExecuteManyFailureDiscardsRows(t *testing.T) {
	conn := openTestConn(t)
	cur := conn.Cursor()
	_, err := cur.ExecuteMany("SELECT ?", []any{[]any{1}, []any{make(chan int)}})
	if err == nil {
		t.Fatal("expected binding failure")
	}
	row, err := cur.FetchOne()
	if err != nil || row != nil {
		t.Errorf("buffered rows must be discarded, got row=%v err=%v", row, err)
	}
}

func TestExecuteWhilePendingExecuteMany(t *testing.T) {
	conn := openTestConn(t)
	cur := conn.Cursor()
	if _, err := cur.ExecuteMany("SELECT ?", []any{[]any{1}}); err != nil {
		t.Fatalf("executemany: %v", err)
	}
	_, err := cur.Execute("SELECT 2", nil)
	if !errors.Is(err, ErrIncompleteExecuteMany) {
		t.Fatalf("err = %v, want ErrIncompleteExecuteMany", err)
	}
	// The failed call resets the cursor, so a fresh execute works.
	if _, err := cur.Execute("SELECT 2", nil); err != nil {
		t.Fatalf("execute after reset: %v", err)
	}
}

func TestExecuteWhilePendingStatements(t *testing.T) {
	conn := openTestConn(t)
	cur := conn.Cursor()
	if _, err := cur.Execute("SELECT 1; SELECT 2", nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	_, err := cur.Execute("SELECT 3", nil)
	if !errors.Is(err, ErrIncompleteExecution) {
		t.Fatalf("err = %v, want ErrIncompleteExecution", err)
	}
}

func TestCloseWithPendingWork(t *testing.T) {
	conn := openTestConn(t)
	cur := conn.Cursor()
	if _, err := cur.Execute("SELECT 1; SELECT 2", nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := cur.Close(false); !errors.Is(err, ErrIncompleteExecution) {
		t.Fatalf("close err = %v, want ErrIncompleteExecution", err)
	}
	if err := cur.Close(true); err != nil {
		t.Fatalf("forced close: %v", err)
	}
	if err := cur.Close(true); err != nil {
		t.Fatalf("double close: %v", err)
	}
	if _, err := cur.Execute("SELECT 1", nil); !errors.Is(err, ErrCursorClosed) {
		t.Fatalf("closed cursor err = %v", err)
	}
}

func TestThreadingViolation(t *testing.T) {
	conn := openTestConn(t)
	cur := conn.Cursor()
	if _, err := cur.Execute("SELECT 1; SELECT 2", nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	errs := make(chan error, 1)
	go func() {
		_, err := cur.Execute("SELECT 3", nil)
		errs <- err
	}()
	if err := <-errs; !errors.Is(err, ErrThreadingViolation) {
		t.Fatalf("err = %v, want ErrThreadingViolation", err)
	}
}

func TestCommentsDisabled(t *testing.T) {
	conn := openTestConn(t)
	conn.SetDBConfig(DBConfigEnableComments, 0)
	_, err := conn.Execute("-- hi\nSELECT 1", nil)
	if err == nil || !strings.Contains(err.Error(), "comments are disabled") {
		t.Fatalf("err = %v", err)
	}
	conn.SetDBConfig(DBConfigEnableComments, 1)
	if _, err := conn.Execute("-- hi\nSELECT 1", nil); err != nil {
		t.Fatalf("comments enabled: %v", err)
	}
}

func TestDoubleQuotedStringPolicy(t *testing.T) {
	conn := openTestConn(t)
	conn.SetDBConfig(DBConfigDQSDML, 0)
	_, err := conn.Execute(`select "hello"`, nil)
	if err == nil || !strings.Contains(err.Error(), "double-quoted string literal") {
		t.Fatalf("err = %v", err)
	}
	// Identifier quoting with a FROM clause stays legal.
	if _, err := conn.Execute("CREATE TABLE q(v); INSERT INTO q VALUES(1)", nil); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if _, err := conn.Execute(`select "v" from q`, nil); err != nil {
		t.Fatalf("identifier select: %v", err)
	}
}

func TestCollationNeededRetry(t *testing.T) {
	conn := openTestConn(t)
	calls := 0
	conn.SetCollationNeeded(func(c *Connection, name string) {
		calls++
		if name != "mycoll" {
			t.Errorf("collation name = %q", name)
		}
	})
	_, err := conn.Execute("SELECT 'a' = 'b' COLLATE mycoll", nil)
	if err == nil {
		t.Fatal("prepare should still fail when the hook registers nothing")
	}
	if calls != 1 {
		t.Errorf("hook ran %d times, want exactly one retry", calls)
	}
}

func TestWithExplainOption(t *testing.T) {
	conn := openTestConn(t)
	cur, err := conn.Execute("SELECT 1", nil, WithExplain(2))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	rows, err := cur.FetchAll()
	if err != nil {
		t.Fatalf("fetchall: %v", err)
	}
	if len(rows) == 0 {
		t.Fatal("query plan should produce rows")
	}
	if len(rows[0]) < 4 {
		t.Errorf("plan row = %v", rows[0])
	}
}

func TestBindingsIntrospection(t *testing.T) {
	conn := openTestConn(t)
	var count int
	var names []string
	conn.SetExecTrace(func(cur *Cursor, sql string, b any) bool {
		count, _ = cur.BindingsCount()
		names, _ = cur.BindingsNames()
		return true
	})
	if _, err := conn.Execute("SELECT :a, ?", map[string]any{"a": 1}); err == nil {
		// The mixed parameter statement fails at bind time; the trace still
		// observed the compiled shape first.
		t.Log("mixed statement unexpectedly bound")
	}
	if count != 2 {
		t.Errorf("BindingsCount = %d, want 2", count)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "" {
		t.Errorf("BindingsNames = %v", names)
	}
}

func TestConvertBindingHook(t *testing.T) {
	conn := openTestConn(t)
	conn.SetConvertBinding(func(index int, value any) (any, error) {
		if s, ok := value.(string); ok {
			return strings.ToUpper(s), nil
		}
		return value, nil
	})
	got := fetchScalar(t, conn, "SELECT ?", []any{"abc"})
	if got != "ABC" {
		t.Errorf("converted = %v", got)
	}
}
