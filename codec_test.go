package litebind

import (
	"bytes"
	"errors"
	"math"
	"net"
	"reflect"
	"testing"
)

func openTestConn(t *testing.T) *Connection {
	t.Helper()
	conn, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func fetchScalar(t *testing.T, conn *Connection, sql string, bindings any) any {
	t.Helper()
	cur, err := conn.Execute(sql, bindings)
	if err != nil {
		t.Fatalf("execute %q: %v", sql, err)
	}
	v, err := cur.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return v
}

func TestBindRoundTrip(t *testing.T) {
	conn := openTestConn(t)
	cases := []struct {
		in   any
		want any
	}{
		{nil, nil},
		{true, int64(1)},
		{false, int64(0)},
		{int(7), int64(7)},
		{int8(-3), int64(-3)},
		{uint16(9), int64(9)},
		{int64(1 << 40), int64(1 << 40)},
		{uint64(12), int64(12)},
		{3.25, 3.25},
		{float32(0.5), 0.5},
		{"text", "text"},
	}
	for _, tc := range cases {
		got := fetchScalar(t, conn, "SELECT ?", []any{tc.in})
		if got != tc.want {
			t.Errorf("round trip %T(%v) = %T(%v), want %T(%v)", tc.in, tc.in, got, got, tc.want, tc.want)
		}
	}
}

func TestBindBlobRoundTrip(t *testing.T) {
	conn := openTestConn(t)
	got := fetchScalar(t, conn, "SELECT ?", []any{[]byte{1, 2, 3}})
	if b, ok := got.([]byte); !ok || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Errorf("blob = %v", got)
	}
}

func TestBindUnsignedOverflow(t *testing.T) {
	conn := openTestConn(t)
	_, err := conn.Execute("SELECT ?", []any{uint64(math.MaxUint64)})
	var overflow *BindingOverflowError
	if !errors.As(err, &overflow) {
		t.Fatalf("err = %v, want BindingOverflowError", err)
	}
}

func TestBindZeroBlobValue(t *testing.T) {
	conn := openTestConn(t)
	got := fetchScalar(t, conn, "SELECT length(?)", []any{ZeroBlob{Length: 8}})
	if got != int64(8) {
		t.Errorf("zeroblob length = %v, want 8", got)
	}
}

type coordinate struct{ x, y int64 }

func (c coordinate) ToSQLiteValue() any { return c.x*1000 + c.y }

type badValuer struct{}

func (badValuer) ToSQLiteValue() any { return badValuer{} }

func TestBindSQLValuer(t *testing.T) {
	conn := openTestConn(t)
	got := fetchScalar(t, conn, "SELECT ?", []any{coordinate{x: 2, y: 5}})
	if got != int64(2005) {
		t.Errorf("valuer = %v, want 2005", got)
	}
}

func TestBindSQLValuerNoRecursion(t *testing.T) {
	conn := openTestConn(t)
	_, err := conn.Execute("SELECT ?", []any{badValuer{}})
	var typeErr *BindingTypeError
	if !errors.As(err, &typeErr) {
		t.Fatalf("err = %v, want BindingTypeError", err)
	}
}

func TestBindStringer(t *testing.T) {
	conn := openTestConn(t)
	got := fetchScalar(t, conn, "SELECT ?", []any{net.IPv4(10, 0, 0, 1)})
	if got != "10.0.0.1" {
		t.Errorf("stringer = %v, want 10.0.0.1", got)
	}
}

func TestBindUnsupportedType(t *testing.T) {
	conn := openTestConn(t)
	_, err := conn.Execute("SELECT ?", []any{make(chan int)})
	var typeErr *BindingTypeError
	if !errors.As(err, &typeErr) {
		t.Fatalf("err = %v, want BindingTypeError", err)
	}
}

func TestFormatSQLValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, "NULL"},
		{true, "1"},
		{int64(-5), "-5"},
		{2.5, "2.5"},
		{"it's", "'it''s'"},
		{[]byte{0xde, 0xad}, "x'dead'"},
		{ZeroBlob{Length: 4}, "zeroblob(4)"},
	}
	for _, tc := range cases {
		got, err := formatSQLValue(tc.in)
		if err != nil {
			t.Fatalf("formatSQLValue(%v): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("formatSQLValue(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if _, err := formatSQLValue(struct{}{}); err == nil {
		t.Error("struct literal should fail")
	}
}

func TestParseSimpleSQLValue(t *testing.T) {
	cases := []struct {
		in   string
		want any
	}{
		{"NULL", nil},
		{"'it''s'", "it's"},
		{"x'dead'", []byte{0xde, 0xad}},
		{"42", int64(42)},
		{"2.5", 2.5},
		{"current_timestamp", "current_timestamp"},
	}
	for _, tc := range cases {
		got := parseSimpleSQLValue(tc.in)
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("parseSimpleSQLValue(%q) = %#v, want %#v", tc.in, got, tc.want)
		}
	}
}
