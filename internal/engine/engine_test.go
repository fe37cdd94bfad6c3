package engine

import (
	"bytes"
	"testing"
)

func openTestConn(t *testing.T) *Conn {
	t.Helper()
	c, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestOpenAndExec(t *testing.T) {
	c := openTestConn(t)
	if err := c.Exec("CREATE TABLE t(a, b); INSERT INTO t VALUES(1, 'x'); INSERT INTO t VALUES(2, 'y')"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if got := c.Changes(); got != 1 {
		t.Errorf("Changes() = %d, want 1", got)
	}
	if got := c.TotalChanges(); got != 2 {
		t.Errorf("TotalChanges() = %d, want 2", got)
	}
	if got := c.LastInsertRowID(); got != 2 {
		t.Errorf("LastInsertRowID() = %d, want 2", got)
	}
}

func TestPrepareTail(t *testing.T) {
	c := openTestConn(t)
	stmt, tail, err := c.Prepare("SELECT 1; SELECT 2", 0)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer stmt.Finalize()
	if stmt.SQL() != "SELECT 1" {
		t.Errorf("SQL() = %q, want %q", stmt.SQL(), "SELECT 1")
	}
	if got := tail; got != " SELECT 2" && got != "SELECT 2" {
		t.Errorf("tail = %q, want the second statement", got)
	}
}

func TestPrepareCommentOnly(t *testing.T) {
	c := openTestConn(t)
	stmt, _, err := c.Prepare("-- nothing here", 0)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if stmt != nil {
		stmt.Finalize()
		t.Fatal("expected nil statement for comment-only input")
	}
}

func TestPrepareError(t *testing.T) {
	c := openTestConn(t)
	_, _, err := c.Prepare("SELEC 1", 0)
	if err == nil {
		t.Fatal("expected prepare error")
	}
	if ErrCode(err) != ErrSQL {
		t.Errorf("ErrCode = %d, want %d", ErrCode(err), ErrSQL)
	}
}

func TestBindAndColumnRoundTrip(t *testing.T) {
	c := openTestConn(t)
	if err := c.Exec("CREATE TABLE t(i, f, s, b)"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	stmt, _, err := c.Prepare("INSERT INTO t VALUES(?, ?, ?, ?)", 0)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := stmt.BindInt64(1, 42); err != nil {
		t.Fatalf("bind int: %v", err)
	}
	if err := stmt.BindDouble(2, 1.5); err != nil {
		t.Fatalf("bind double: %v", err)
	}
	if err := stmt.BindText(3, "héllo"); err != nil {
		t.Fatalf("bind text: %v", err)
	}
	if err := stmt.BindBlob(4, []byte{0, 1, 2}); err != nil {
		t.Fatalf("bind blob: %v", err)
	}
	if rc := stmt.Step(); rc != Done {
		t.Fatalf("step = %d, want Done", rc)
	}
	stmt.Finalize()

	stmt, _, err = c.Prepare("SELECT i, f, s, b FROM t", 0)
	if err != nil {
		t.Fatalf("prepare select: %v", err)
	}
	defer stmt.Finalize()
	if rc := stmt.Step(); rc != Row {
		t.Fatalf("step = %d, want Row", rc)
	}
	if got := stmt.ColumnInt64(0); got != 42 {
		t.Errorf("int column = %d, want 42", got)
	}
	if got := stmt.ColumnDouble(1); got != 1.5 {
		t.Errorf("float column = %v, want 1.5", got)
	}
	if got := stmt.ColumnText(2); got != "héllo" {
		t.Errorf("text column = %q", got)
	}
	if got := stmt.ColumnBlob(3); !bytes.Equal(got, []byte{0, 1, 2}) {
		t.Errorf("blob column = %v", got)
	}
	if got := stmt.ColumnType(0); got != TypeInteger {
		t.Errorf("column type = %d, want TypeInteger", got)
	}
}

func TestBindEmptyBlob(t *testing.T) {
	c := openTestConn(t)
	stmt, _, err := c.Prepare("SELECT length(?)", 0)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer stmt.Finalize()
	if err := stmt.BindBlob(1, nil); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if rc := stmt.Step(); rc != Row {
		t.Fatalf("step = %d, want Row", rc)
	}
	if got := stmt.ColumnInt64(0); got != 0 {
		t.Errorf("length = %d, want 0", got)
	}
}

func TestBindZeroBlob(t *testing.T) {
	c := openTestConn(t)
	stmt, _, err := c.Prepare("SELECT length(?)", 0)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer stmt.Finalize()
	if err := stmt.BindZeroBlob(1, 16); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if rc := stmt.Step(); rc != Row {
		t.Fatalf("step = %d, want Row", rc)
	}
	if got := stmt.ColumnInt64(0); got != 16 {
		t.Errorf("length = %d, want 16", got)
	}
}

func TestBindParameterNames(t *testing.T) {
	c := openTestConn(t)
	stmt, _, err := c.Prepare("SELECT :alpha, @beta, ?", 0)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer stmt.Finalize()
	if got := stmt.BindParameterCount(); got != 3 {
		t.Fatalf("count = %d, want 3", got)
	}
	if got := stmt.BindParameterName(1); got != ":alpha" {
		t.Errorf("name 1 = %q", got)
	}
	if got := stmt.BindParameterName(2); got != "@beta" {
		t.Errorf("name 2 = %q", got)
	}
	if got := stmt.BindParameterName(3); got != "" {
		t.Errorf("name 3 = %q, want empty", got)
	}
}

func TestColumnMetadata(t *testing.T) {
	c := openTestConn(t)
	if err := c.Exec("CREATE TABLE t(id INTEGER, name TEXT)"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	stmt, _, err := c.Prepare("SELECT id, name FROM t", 0)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	defer stmt.Finalize()
	if got := stmt.ColumnCount(); got != 2 {
		t.Fatalf("column count = %d, want 2", got)
	}
	if got := stmt.ColumnName(0); got != "id" {
		t.Errorf("name 0 = %q", got)
	}
	if got := stmt.ColumnDeclType(1); got != "TEXT" {
		t.Errorf("decltype 1 = %q, want TEXT", got)
	}
}

func TestAutocommit(t *testing.T) {
	c := openTestConn(t)
	if !c.Autocommit() {
		t.Fatal("fresh connection should be in autocommit")
	}
	if err := c.Exec("BEGIN"); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if c.Autocommit() {
		t.Fatal("open transaction should clear autocommit")
	}
	if err := c.Exec("ROLLBACK"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
}

func TestErrorCarriesCode(t *testing.T) {
	c := openTestConn(t)
	if err := c.Exec("CREATE TABLE t(a UNIQUE); INSERT INTO t VALUES(1)"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	err := c.Exec("INSERT INTO t VALUES(1)")
	if err == nil {
		t.Fatal("expected constraint error")
	}
	if ErrCode(err) != Constrnt {
		t.Errorf("ErrCode = %d, want %d", ErrCode(err), Constrnt)
	}
}

func TestCodeName(t *testing.T) {
	if got := CodeName(Busy); got != "SQLITE_BUSY" {
		t.Errorf("CodeName(Busy) = %q", got)
	}
	if got := CodeName(9999); got == "" {
		t.Error("unknown code should still render")
	}
}
