package litebind

import (
	"fmt"
	"reflect"
)

// NullBindings is the explicit "bind everything to NULL" marker. Passing it
// instead of nil tells the cursor that every parameter in the script should
// be bound as NULL regardless of name or position.
var NullBindings = nullBindings{}

type nullBindings struct{}

type bindingKind int

const (
	bindNone bindingKind = iota
	bindNull
	bindPositional
	bindNamed
)

// bindingSource is the resolved form of the bindings argument to Execute.
// A positional source keeps a consumption cursor that is shared by every
// statement in a multi-statement script.
type bindingSource struct {
	kind       bindingKind
	positional []any
	named      map[string]any
	consumed   int
}

func newBindingSource(bindings any) (*bindingSource, error) {
	switch v := bindings.(type) {
	case nil:
		return &bindingSource{kind: bindNone}, nil
	case nullBindings:
		return &bindingSource{kind: bindNull}, nil
	case map[string]any:
		return &bindingSource{kind: bindNamed, named: v}, nil
	case []any:
		return &bindingSource{kind: bindPositional, positional: v}, nil
	case string, []byte:
		return nil, fmt.Errorf("litebind: bindings must be a slice or a map, not %T", bindings)
	}
	rv := reflect.ValueOf(bindings)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return &bindingSource{kind: bindPositional, positional: out}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = iter.Value().Interface()
			}
			return &bindingSource{kind: bindNamed, named: out}, nil
		}
	}
	return nil, fmt.Errorf("litebind: bindings must be a slice or a map, not %T", bindings)
}

// remaining reports how many positional values have not been consumed yet.
func (b *bindingSource) remaining() int {
	if b == nil || b.kind != bindPositional {
		return 0
	}
	return len(b.positional) - b.consumed
}

// take hands out the next n positional values and advances the cursor.
func (b *bindingSource) take(n int) []any {
	out := b.positional[b.consumed : b.consumed+n]
	b.consumed += n
	return out
}

// lookup resolves a named parameter with its sigil trimmed. The second
// return reports whether the mapping contained the name.
func (b *bindingSource) lookup(name string) (any, bool) {
	trimmed := name
	if len(trimmed) > 0 {
		switch trimmed[0] {
		case '?', ':', '@', '$':
			trimmed = trimmed[1:]
		}
	}
	v, ok := b.named[trimmed]
	return v, ok
}
