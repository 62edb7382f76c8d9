package exec

import "strings"

// SplitStatements splits a SQL script on semicolons that sit outside quoted
// context. Single-quoted strings, double-quoted identifiers and line comments
// are respected; doubled quotes inside a quoted run are treated as escapes.
// Empty fragments are dropped.
func SplitStatements(script string) []string {
	var (
		out     []string
		buf     strings.Builder
		inStr   bool // inside '...'
		inIdent bool // inside "..."
		inCmt   bool // inside -- comment
	)

	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]

		if inCmt {
			buf.WriteRune(ch)
			if ch == '\n' {
				inCmt = false
			}
			continue
		}

		switch {
		case inStr:
			buf.WriteRune(ch)
			if ch == '\'' {
				if i+1 < len(runes) && runes[i+1] == '\'' {
					buf.WriteRune(runes[i+1])
					i++
					continue
				}
				inStr = false
			}
		case inIdent:
			buf.WriteRune(ch)
			if ch == '"' {
				if i+1 < len(runes) && runes[i+1] == '"' {
					buf.WriteRune(runes[i+1])
					i++
					continue
				}
				inIdent = false
			}
		case ch == '\'':
			inStr = true
			buf.WriteRune(ch)
		case ch == '"':
			inIdent = true
			buf.WriteRune(ch)
		case ch == '-' && i+1 < len(runes) && runes[i+1] == '-':
			inCmt = true
			buf.WriteRune(ch)
		case ch == ';':
			if stmt := strings.TrimSpace(buf.String()); stmt != "" {
				out = append(out, stmt)
			}
			buf.Reset()
		default:
			buf.WriteRune(ch)
		}
	}
	if stmt := strings.TrimSpace(buf.String()); stmt != "" {
		out = append(out, stmt)
	}
	return out
}

// returnsRows reports whether the statement is expected to produce a result
// set and should run through Query rather than Exec.
func returnsRows(stmt string) bool {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH", "SHOW", "VALUES", "TABLE", "EXPLAIN":
		return true
	}
	return false
}
