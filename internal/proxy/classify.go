package proxy

import "strings"

// writeKeywords is the exact keyword set from spec §4.9 classifying a
// statement as a write once leading comments are stripped.
var writeKeywords = map[string]bool{
	"CREATE": true, "ALTER": true, "DROP": true, "RENAME": true,
	"TRUNCATE": true, "INSERT": true, "UPDATE": true, "DELETE": true,
	"REPLACE": true, "LOAD": true, "CALL": true, "GRANT": true,
	"REVOKE": true, "LOCK": true, "UNLOCK": true, "SET": true,
	"USE": true, "START": true, "BEGIN": true, "COMMIT": true,
	"ROLLBACK": true, "SAVEPOINT": true, "ANALYZE": true,
	"OPTIMIZE": true, "REPAIR": true, "FLUSH": true,
}

// stripLeadingComments removes any run of leading `/* ... */`, `-- ...`,
// and `# ...` comments (and surrounding whitespace) from a query string,
// matching spec §4.9's comment-stripping rule exactly.
func stripLeadingComments(sql string) string {
	for {
		sql = strings.TrimLeft(sql, " \t\r\n")
		switch {
		case strings.HasPrefix(sql, "/*"):
			end := strings.Index(sql, "*/")
			if end == -1 {
				return ""
			}
			sql = sql[end+2:]
		case strings.HasPrefix(sql, "--"):
			sql = consumeLine(sql)
		case strings.HasPrefix(sql, "#"):
			sql = consumeLine(sql)
		default:
			return sql
		}
	}
}

func consumeLine(sql string) string {
	nl := strings.IndexByte(sql, '\n')
	if nl == -1 {
		return ""
	}
	return sql[nl+1:]
}

// firstKeyword returns the uppercased first whitespace-delimited token
// of sql.
func firstKeyword(sql string) string {
	sql = strings.TrimSpace(sql)
	end := strings.IndexFunc(sql, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '(' || r == ';'
	})
	if end == -1 {
		end = len(sql)
	}
	return strings.ToUpper(sql[:end])
}

// isWrite classifies a query per spec §4.9.
func isWrite(sql string) bool {
	keyword := firstKeyword(stripLeadingComments(sql))
	return writeKeywords[keyword]
}

// extractUseDatabase returns the database name from a `USE <db>`
// statement (stripping backticks), or "" if sql isn't a USE statement.
func extractUseDatabase(sql string) string {
	stripped := stripLeadingComments(sql)
	if firstKeyword(stripped) != "USE" {
		return ""
	}
	rest := strings.TrimSpace(stripped[len("USE"):])
	rest = strings.TrimSuffix(rest, ";")
	rest = strings.Trim(rest, "`")
	return strings.TrimSpace(rest)
}

// affectedTable makes a best-effort guess at the table name a write
// touches, for the RawSql entry's advisory affects_table field (spec
// §3 "RawSql{sql, affects_table?, database?}"). It is never relied on
// for correctness, only for operator-facing watermark reporting.
func affectedTable(sql string) string {
	stripped := stripLeadingComments(sql)
	fields := strings.Fields(stripped)
	for i, f := range fields {
		switch strings.ToUpper(f) {
		case "INTO", "TABLE", "UPDATE":
			if i+1 < len(fields) {
				return strings.Trim(fields[i+1], "`(;")
			}
		case "FROM":
			if i+1 < len(fields) && strings.EqualFold(fields[0], "DELETE") {
				return strings.Trim(fields[i+1], "`(;")
			}
		}
	}
	return ""
}

// isDatabaseLevelOperation reports whether sql itself targets database
// selection/creation rather than table data, so the `USE` context
// prefix should not be doubled onto it (spec §4.9 "if... the statement
// is not itself a database-level operation").
func isDatabaseLevelOperation(sql string) bool {
	switch firstKeyword(stripLeadingComments(sql)) {
	case "USE":
		return true
	default:
		return false
	}
}
