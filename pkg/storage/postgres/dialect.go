package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect names the SQL flavour behind a *sql.DB. PostgreSQL is the
// production target; SQLite backs tests and single-node embedded use.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// ParseDialect maps a database/sql driver name to a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

// ddl expands the column type macros used by the migrations.
func (d Dialect) ddl(stmt string) string {
	var r *strings.Replacer
	switch d {
	case DialectSQLite:
		r = strings.NewReplacer(
			"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{timestamp}}", "TIMESTAMP",
			"{{json}}", "TEXT",
		)
	default:
		r = strings.NewReplacer(
			"{{serial}}", "BIGSERIAL PRIMARY KEY",
			"{{timestamp}}", "TIMESTAMPTZ",
			"{{json}}", "JSONB",
		)
	}
	return r.Replace(stmt)
}

// snapshotTxOptions returns the options for principal snapshot reads.
// go-sqlite3 serialises transactions and ignores isolation levels.
func (d Dialect) snapshotTxOptions() *sql.TxOptions {
	if d == DialectSQLite {
		return &sql.TxOptions{ReadOnly: true}
	}
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
}

// forUpdate returns the row locking clause, empty where the engine locks
// the whole database for writes anyway.
func (d Dialect) forUpdate() string {
	if d == DialectSQLite {
		return ""
	}
	return " FOR UPDATE"
}

// isUniqueViolation reports whether err is a unique or primary key
// constraint failure in either dialect.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// placeholders renders n positional parameters starting at $start.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(parts, ", ")
}

// conditions accumulates WHERE clauses with numbered parameters.
type conditions struct {
	clauses []string
	args    []interface{}
}

// add appends a clause in which each '?' is replaced by the next parameter.
func (c *conditions) add(clause string, args ...interface{}) {
	var b strings.Builder
	for _, ch := range clause {
		if ch == '?' {
			c.args = append(c.args, nil)
			fmt.Fprintf(&b, "$%d", len(c.args))
			continue
		}
		b.WriteRune(ch)
	}
	copy(c.args[len(c.args)-len(args):], args)
	c.clauses = append(c.clauses, b.String())
}

// in appends "column IN (...)" for the given ids.
func (c *conditions) in(column string, ids []int64) {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	start := len(c.args) + 1
	c.args = append(c.args, args...)
	c.clauses = append(c.clauses, fmt.Sprintf("%s IN (%s)", column, placeholders(start, len(ids))))
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}
