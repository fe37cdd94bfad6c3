package litebind

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/SimonWaldherr/litebind/internal/engine"
)

// ==================== Host → engine ====================

// ZeroBlob binds an n-byte blob of zeroes without materializing it.
type ZeroBlob struct {
	Length int
}

// SQLValuer lets application types supply their own engine representation.
// The returned value is converted with the normal rules; it may not itself
// be a SQLValuer.
type SQLValuer interface {
	ToSQLiteValue() any
}

// bindValue binds value at the 1-based parameter index, applying the codec
// rules in order. Conversion hooks recurse exactly one level.
func bindValue(stmt *engine.Stmt, index int, value any) error {
	return bindValueDepth(stmt, index, value, 0)
}

func bindValueDepth(stmt *engine.Stmt, index int, value any, depth int) error {
	switch v := value.(type) {
	case nil:
		return stmt.BindNull(index)
	case bool:
		if v {
			return stmt.BindInt64(index, 1)
		}
		return stmt.BindInt64(index, 0)
	case int:
		return stmt.BindInt64(index, int64(v))
	case int8:
		return stmt.BindInt64(index, int64(v))
	case int16:
		return stmt.BindInt64(index, int64(v))
	case int32:
		return stmt.BindInt64(index, int64(v))
	case int64:
		return stmt.BindInt64(index, v)
	case uint8:
		return stmt.BindInt64(index, int64(v))
	case uint16:
		return stmt.BindInt64(index, int64(v))
	case uint32:
		return stmt.BindInt64(index, int64(v))
	case uint:
		if uint64(v) > math.MaxInt64 {
			return &BindingOverflowError{Index: index, Value: uint64(v)}
		}
		return stmt.BindInt64(index, int64(v))
	case uint64:
		if v > math.MaxInt64 {
			return &BindingOverflowError{Index: index, Value: v}
		}
		return stmt.BindInt64(index, int64(v))
	case float32:
		return stmt.BindDouble(index, float64(v))
	case float64:
		return stmt.BindDouble(index, v)
	case ZeroBlob:
		return stmt.BindZeroBlob(index, v.Length)
	case string:
		return stmt.BindText(index, v)
	case []byte:
		return stmt.BindBlob(index, v)
	}
	if b, ok := value.(interface{ Bytes() []byte }); ok {
		return stmt.BindBlob(index, b.Bytes())
	}
	if depth == 0 {
		if sv, ok := value.(SQLValuer); ok {
			return bindValueDepth(stmt, index, sv.ToSQLiteValue(), 1)
		}
		if str, ok := value.(fmt.Stringer); ok {
			return stmt.BindText(index, str.String())
		}
	}
	return &BindingTypeError{Index: index, Value: value}
}

// ==================== Engine → host ====================

// columnValue reads the 0-based column of the current row as the Go value
// matching its storage class: int64, float64, string, []byte, or nil.
func columnValue(stmt *engine.Stmt, index int) any {
	switch stmt.ColumnType(index) {
	case engine.TypeInteger:
		return stmt.ColumnInt64(index)
	case engine.TypeFloat:
		return stmt.ColumnDouble(index)
	case engine.TypeText:
		return stmt.ColumnText(index)
	case engine.TypeBlob:
		return stmt.ColumnBlob(index)
	default:
		return nil
	}
}

// ==================== Literal rendering / parsing ====================

// formatSQLValue renders a codec value as a SQL literal, for expanded SQL
// and hidden-parameter substitution.
func formatSQLValue(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "NULL", nil
	case bool:
		if v {
			return "1", nil
		}
		return "0", nil
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 64), nil
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), nil
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'", nil
	case []byte:
		return "x'" + hex.EncodeToString(v) + "'", nil
	case ZeroBlob:
		return fmt.Sprintf("zeroblob(%d)", v.Length), nil
	default:
		return "", fmt.Errorf("litebind: cannot render %T as a SQL literal", value)
	}
}

// parseSimpleSQLValue parses a literal token from a call site: NULL, a
// quoted string, a hex blob, an integer, or a float. Anything else is kept
// as raw text.
func parseSimpleSQLValue(token string) any {
	t := strings.TrimSpace(token)
	if strings.EqualFold(t, "null") {
		return nil
	}
	if len(t) >= 2 && t[0] == '\'' && t[len(t)-1] == '\'' {
		return strings.ReplaceAll(t[1:len(t)-1], "''", "'")
	}
	if len(t) >= 3 && (t[0] == 'x' || t[0] == 'X') && t[1] == '\'' && t[len(t)-1] == '\'' {
		if b, err := hex.DecodeString(t[2 : len(t)-1]); err == nil {
			return b
		}
	}
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return f
	}
	return t
}
