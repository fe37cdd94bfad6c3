package litebind

import (
	"reflect"
	"testing"
)

func TestNewBindingSourceKinds(t *testing.T) {
	src, err := newBindingSource(nil)
	if err != nil || src.kind != bindNone {
		t.Fatalf("nil: kind=%v err=%v", src.kind, err)
	}
	src, err = newBindingSource(NullBindings)
	if err != nil || src.kind != bindNull {
		t.Fatalf("null marker: kind=%v err=%v", src.kind, err)
	}
	src, err = newBindingSource([]any{1, "a"})
	if err != nil || src.kind != bindPositional || len(src.positional) != 2 {
		t.Fatalf("slice: %+v err=%v", src, err)
	}
	src, err = newBindingSource(map[string]any{"k": 1})
	if err != nil || src.kind != bindNamed {
		t.Fatalf("map: %+v err=%v", src, err)
	}
}

func TestNewBindingSourceReflected(t *testing.T) {
	src, err := newBindingSource([]int{1, 2, 3})
	if err != nil {
		t.Fatalf("int slice: %v", err)
	}
	if !reflect.DeepEqual(src.positional, []any{1, 2, 3}) {
		t.Errorf("positional = %v", src.positional)
	}
	src, err = newBindingSource(map[string]int{"n": 7})
	if err != nil || src.kind != bindNamed {
		t.Fatalf("typed map: %+v err=%v", src, err)
	}
	if src.named["n"] != 7 {
		t.Errorf("named = %v", src.named)
	}
}

func TestNewBindingSourceRejectsStrings(t *testing.T) {
	if _, err := newBindingSource("abc"); err == nil {
		t.Error("string must be rejected")
	}
	if _, err := newBindingSource([]byte("abc")); err == nil {
		t.Error("byte slice must be rejected")
	}
	if _, err := newBindingSource(42); err == nil {
		t.Error("scalar must be rejected")
	}
}

func TestBindingSourceTake(t *testing.T) {
	src, _ := newBindingSource([]any{1, 2, 3, 4, 5})
	if got := src.remaining(); got != 5 {
		t.Fatalf("remaining = %d", got)
	}
	if got := src.take(2); !reflect.DeepEqual(got, []any{1, 2}) {
		t.Fatalf("take = %v", got)
	}
	if got := src.take(3); !reflect.DeepEqual(got, []any{3, 4, 5}) {
		t.Fatalf("second take = %v", got)
	}
	if got := src.remaining(); got != 0 {
		t.Errorf("remaining after takes = %d", got)
	}
}

func TestBindingSourceLookupSigils(t *testing.T) {
	src, _ := newBindingSource(map[string]any{"name": "x"})
	for _, key := range []string{":name", "@name", "$name", "name"} {
		v, ok := src.lookup(key)
		if !ok || v != "x" {
			t.Errorf("lookup(%q) = (%v, %v)", key, v, ok)
		}
	}
	if _, ok := src.lookup(":missing"); ok {
		t.Error("missing name must not resolve")
	}
}
