// Package sqlds implements the "sql" server type: a data source that
// compiles requests into parameterised SQL against a pooled database
// connection. It registers itself with the broker on import, the way
// database/sql drivers register themselves.
package sqlds

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect abstracts the syntax differences between the supported
// databases. Everything else in this package emits ?-placeholder SQL
// and lets the dialect rebind it just before execution.
type Dialect interface {
	Name() string

	// Rebind rewrites ?-placeholders into the driver's form.
	Rebind(query string) string

	// Concat is the string concatenation expression over exprs.
	Concat(exprs ...string) string

	// LimitClause returns the row-window clause for limit rows starting
	// at offset, with its leading space.
	LimitClause(limit, offset int64) string

	// InsertSuffix returns the clause appended to an INSERT so the
	// generated key for col comes back as a result row, or "" when the
	// driver reports it through LastInsertId instead.
	InsertSuffix(col string) string

	// OutputClause returns the clause emitted between the column list
	// and VALUES; only SQL Server uses it.
	OutputClause(col string) string
}

// DialectFor maps a configured db type to its dialect. Unknown types
// fall back to the ANSI-ish postgresql dialect.
func DialectFor(dbType string) Dialect {
	switch dbType {
	case "mysql":
		return mysqlDialect{}
	case "sqlserver", "mssql":
		return sqlserverDialect{}
	default:
		return postgresDialect{}
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgresql" }

func (postgresDialect) Rebind(query string) string {
	return rebindNumbered(query, "$")
}

func (postgresDialect) Concat(exprs ...string) string {
	return strings.Join(exprs, " || ")
}

func (postgresDialect) LimitClause(limit, offset int64) string {
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

func (postgresDialect) InsertSuffix(col string) string {
	return " RETURNING " + col
}

func (postgresDialect) OutputClause(string) string { return "" }

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return "mysql" }

func (mysqlDialect) Rebind(query string) string { return query }

func (mysqlDialect) Concat(exprs ...string) string {
	return "concat(" + strings.Join(exprs, ", ") + ")"
}

func (mysqlDialect) LimitClause(limit, offset int64) string {
	return fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
}

// The mysql driver reports generated keys through LastInsertId.
func (mysqlDialect) InsertSuffix(string) string { return "" }

func (mysqlDialect) OutputClause(string) string { return "" }

type sqlserverDialect struct{}

func (sqlserverDialect) Name() string { return "sqlserver" }

func (sqlserverDialect) Rebind(query string) string {
	return rebindNumbered(query, "@p")
}

func (sqlserverDialect) Concat(exprs ...string) string {
	return strings.Join(exprs, " + ")
}

func (sqlserverDialect) LimitClause(limit, offset int64) string {
	return fmt.Sprintf(" OFFSET %d ROWS FETCH NEXT %d ROWS ONLY", offset, limit)
}

func (sqlserverDialect) InsertSuffix(string) string { return "" }

func (sqlserverDialect) OutputClause(col string) string {
	return " OUTPUT INSERTED." + col
}

// rebindNumbered replaces each ? outside a quoted string with
// prefix1, prefix2, ...
func rebindNumbered(query, prefix string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inString := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inString = !inString
			b.WriteByte(c)
		case c == '?' && !inString:
			n++
			b.WriteString(prefix)
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
