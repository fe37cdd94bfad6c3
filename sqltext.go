package litebind

import (
	"strings"

	"github.com/SimonWaldherr/litebind/internal/engine"
)

// Byte-level scanning over SQL text. These helpers deliberately understand
// just enough SQL (quotes, parens, identifiers) for classification and
// rewriting; full parsing belongs to the engine.

func isIdentByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// leadingKeyword returns the first word of sql, upper-cased, with leading
// whitespace and comments skipped.
func leadingKeyword(sql string) string {
	s := skipLeadingNoise(sql)
	end := 0
	for end < len(s) && isIdentByte(s[end]) {
		end++
	}
	return strings.ToUpper(s[:end])
}

func skipLeadingNoise(sql string) string {
	s := sql
	for {
		s = strings.TrimLeft(s, " \t\r\n;")
		if strings.HasPrefix(s, "--") {
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = s[i+1:]
				continue
			}
			return ""
		}
		if strings.HasPrefix(s, "/*") {
			if i := strings.Index(s, "*/"); i >= 0 {
				s = s[i+2:]
				continue
			}
			return ""
		}
		return s
	}
}

// startsWithComment reports whether the next token in sql is a SQL comment.
func startsWithComment(sql string) bool {
	s := strings.TrimLeft(sql, " \t\r\n;")
	return strings.HasPrefix(s, "--") || strings.HasPrefix(s, "/*")
}

// findMatchingParen returns the index of the ')' closing the '(' at open,
// or -1. Quoted strings are opaque.
func findMatchingParen(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '\'', '"':
			q := s[i]
			for i++; i < len(s); i++ {
				if s[i] == q {
					if i+1 < len(s) && s[i+1] == q {
						i++
						continue
					}
					break
				}
			}
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// splitSQLArgs splits a call-site argument list on top-level commas.
// Empty input yields no arguments.
func splitSQLArgs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var args []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'', '"':
			q := s[i]
			for i++; i < len(s); i++ {
				if s[i] == q {
					if i+1 < len(s) && s[i+1] == q {
						i++
						continue
					}
					break
				}
			}
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	args = append(args, strings.TrimSpace(s[start:]))
	return args
}

// quoteIdentifier wraps name in double quotes with internal quotes doubled.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// unquoteIdentifier strips one level of "", [] or `` quoting.
func unquoteIdentifier(name string) string {
	if len(name) >= 2 {
		switch {
		case name[0] == '"' && name[len(name)-1] == '"':
			return strings.ReplaceAll(name[1:len(name)-1], `""`, `"`)
		case name[0] == '[' && name[len(name)-1] == ']':
			return name[1 : len(name)-1]
		case name[0] == '`' && name[len(name)-1] == '`':
			return strings.ReplaceAll(name[1:len(name)-1], "``", "`")
		}
	}
	return name
}

// replaceIdentifierOccurrences replaces whole-word, case-insensitive
// occurrences of name in sql.
func replaceIdentifierOccurrences(sql, name, replacement string) string {
	lower := strings.ToLower(sql)
	needle := strings.ToLower(name)
	var out strings.Builder
	pos := 0
	for {
		i := strings.Index(lower[pos:], needle)
		if i < 0 {
			out.WriteString(sql[pos:])
			return out.String()
		}
		i += pos
		end := i + len(needle)
		beforeOK := i == 0 || !isIdentByte(sql[i-1])
		afterOK := end == len(sql) || !isIdentByte(sql[end])
		if beforeOK && afterOK {
			out.WriteString(sql[pos:i])
			out.WriteString(replacement)
			pos = end
		} else {
			out.WriteString(sql[pos:end])
			pos = end
		}
	}
}

// identifierAfter returns the identifier following the given keyword in sql,
// or "". Matching is case-insensitive and whole-word.
func identifierAfter(sql string, keywords ...string) string {
	lower := strings.ToLower(sql)
	pos := 0
	for _, kw := range keywords {
		i := indexWord(lower, strings.ToLower(kw), pos)
		if i < 0 {
			return ""
		}
		pos = i + len(kw)
	}
	return readIdentifierAt(sql, pos)
}

func indexWord(lower, word string, from int) int {
	for {
		i := strings.Index(lower[from:], word)
		if i < 0 {
			return -1
		}
		i += from
		end := i + len(word)
		if (i == 0 || !isIdentByte(lower[i-1])) && (end == len(lower) || !isIdentByte(lower[end])) {
			return i
		}
		from = end
	}
}

func readIdentifierAt(sql string, pos int) string {
	for pos < len(sql) && (sql[pos] == ' ' || sql[pos] == '\t' || sql[pos] == '\r' || sql[pos] == '\n') {
		pos++
	}
	if pos >= len(sql) {
		return ""
	}
	switch sql[pos] {
	case '"', '`':
		q := sql[pos]
		end := pos + 1
		for end < len(sql) && sql[end] != q {
			end++
		}
		if end < len(sql) {
			return unquoteIdentifier(sql[pos : end+1])
		}
		return ""
	case '[':
		end := strings.IndexByte(sql[pos:], ']')
		if end < 0 {
			return ""
		}
		return sql[pos+1 : pos+end]
	}
	end := pos
	for end < len(sql) && isIdentByte(sql[end]) {
		end++
	}
	return sql[pos:end]
}

// ==================== Authorizer classification ====================

// authorizerAction classifies a statement by its leading keyword into the
// action and object name the authorizer should see. Statements outside the
// classified set report action 0 and are not checked.
func authorizerAction(sql string) (action int32, name string) {
	switch leadingKeyword(sql) {
	case "CREATE":
		if identifierAfter(sql, "create", "table") != "" {
			return engine.OpCreateTable, identifierAfter(sql, "create", "table")
		}
		if t := identifierAfter(sql, "create", "temp", "table"); t != "" {
			return engine.OpCreateTable, t
		}
		return 0, ""
	case "INSERT", "REPLACE":
		return engine.OpInsert, identifierAfter(sql, "into")
	case "UPDATE":
		return engine.OpUpdate, identifierAfter(sql, "update")
	case "DELETE":
		return engine.OpDelete, identifierAfter(sql, "from")
	case "SELECT":
		return engine.OpSelect, ""
	}
	return 0, ""
}

// selectSourceTables lists the table identifiers named after FROM and JOIN
// keywords, for the per-table read pass of SELECT authorization.
// Subqueries and call-style sources are skipped.
func selectSourceTables(sql string) []string {
	lower := strings.ToLower(sql)
	var tables []string
	seen := map[string]bool{}
	for _, kw := range []string{"from", "join"} {
		pos := 0
		for {
			i := indexWord(lower, kw, pos)
			if i < 0 {
				break
			}
			pos = i + len(kw)
			name := readIdentifierAt(sql, pos)
			if name == "" || strings.EqualFold(name, "select") {
				continue
			}
			rest := strings.TrimLeft(sql[pos:], " \t\r\n")
			rest = rest[min(len(rest), len(name)):]
			if strings.HasPrefix(strings.TrimLeft(rest, " \t"), "(") {
				continue
			}
			key := strings.ToLower(name)
			if !seen[key] {
				seen[key] = true
				tables = append(tables, name)
			}
		}
	}
	return tables
}

// ==================== Statement classification ====================

// explainLevel reports the EXPLAIN prefix of sql: 0 none, 1 EXPLAIN,
// 2 EXPLAIN QUERY PLAN.
func explainLevel(sql string) int {
	s := skipLeadingNoise(sql)
	if leadingKeyword(s) != "EXPLAIN" {
		return 0
	}
	rest := skipLeadingNoise(s[len("EXPLAIN"):])
	if leadingKeyword(rest) == "QUERY" {
		after := skipLeadingNoise(rest[len("QUERY"):])
		if leadingKeyword(after) == "PLAN" {
			return 2
		}
	}
	return 1
}

// stripExplainPrefix removes a leading EXPLAIN or EXPLAIN QUERY PLAN.
func stripExplainPrefix(sql string) string {
	s := skipLeadingNoise(sql)
	switch explainLevel(s) {
	case 1:
		return skipLeadingNoise(s[len("EXPLAIN"):])
	case 2:
		rest := skipLeadingNoise(s[len("EXPLAIN"):])
		rest = skipLeadingNoise(rest[len("QUERY"):])
		return skipLeadingNoise(rest[len("PLAN"):])
	}
	return s
}

// rewriteSQLForExplain applies the requested explain mode to sql.
// Mode -1 leaves the text untouched; 0 strips any EXPLAIN prefix; 1 and 2
// replace it with EXPLAIN and EXPLAIN QUERY PLAN.
func rewriteSQLForExplain(sql string, mode int) (string, error) {
	switch mode {
	case -1:
		return sql, nil
	case 0:
		return stripExplainPrefix(sql), nil
	case 1:
		return "EXPLAIN " + stripExplainPrefix(sql), nil
	case 2:
		return "EXPLAIN QUERY PLAN " + stripExplainPrefix(sql), nil
	}
	return "", sqlError("invalid explain value %d, expected -1, 0, 1 or 2", mode)
}

// statementIsReadonly classifies a statement as read-only from its text.
// WITH counts as read-only unless a write keyword appears in the body.
func statementIsReadonly(sql string) bool {
	switch leadingKeyword(sql) {
	case "SELECT", "VALUES", "EXPLAIN", "PRAGMA", "ANALYZE":
		return true
	case "WITH":
		lower := strings.ToLower(sql)
		for _, kw := range []string{"insert", "update", "delete", "replace"} {
			if indexWord(lower, kw, 0) >= 0 {
				return false
			}
		}
		return true
	}
	return false
}

// isSimpleDoubleQuotedSelect detects the `select "..."` shape the
// double-quoted string policy applies to. Statements with a FROM clause
// are legitimate identifier quoting and stay out of the policy.
func isSimpleDoubleQuotedSelect(sql string) bool {
	compact := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(sql), ";"))
	if leadingKeyword(compact) != "SELECT" {
		return false
	}
	rest := strings.TrimLeft(compact[len("select"):], " \t\r\n")
	if !strings.HasPrefix(rest, `"`) {
		return false
	}
	lower := strings.ToLower(compact)
	if strings.Contains(lower, " from ") {
		return false
	}
	return strings.HasSuffix(compact, `"`)
}

// missingCollationName extracts the collation name from a "no such
// collation sequence" engine message.
func missingCollationName(msg string) (string, bool) {
	const marker = "no such collation sequence: "
	i := strings.Index(msg, marker)
	if i < 0 {
		return "", false
	}
	name := strings.TrimSpace(msg[i+len(marker):])
	if name == "" {
		return "", false
	}
	return name, true
}

// expandSQLText substitutes the statement's nameless parameters with
// rendered literals, in order. Named parameters and markers inside quotes
// are left alone.
func expandSQLText(sql string, values []any) (string, error) {
	var out strings.Builder
	next := 0
	for i := 0; i < len(sql); i++ {
		switch sql[i] {
		case '\'', '"':
			q := sql[i]
			start := i
			for i++; i < len(sql); i++ {
				if sql[i] == q {
					if i+1 < len(sql) && sql[i+1] == q {
						i++
						continue
					}
					break
				}
			}
			if i >= len(sql) {
				i = len(sql) - 1
			}
			out.WriteString(sql[start : i+1])
		case '?':
			if i+1 < len(sql) && sql[i+1] >= '0' && sql[i+1] <= '9' {
				out.WriteByte('?')
				continue
			}
			if next < len(values) {
				lit, err := formatSQLValue(values[next])
				if err != nil {
					return "", err
				}
				out.WriteString(lit)
				next++
			} else {
				out.WriteByte('?')
			}
		default:
			out.WriteByte(sql[i])
		}
	}
	return out.String(), nil
}
