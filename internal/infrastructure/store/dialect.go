package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect captures the differences between the supported SQL backends.
// Queries are written with ? placeholders and rebound per dialect.
type Dialect struct {
	name            string
	numbered        bool
	appendLockSQL   string
	uniqueViolation func(error) (table string, ok bool)
}

var (
	Postgres = Dialect{
		name:     "postgres",
		numbered: true,
		// Serializes appenders so positions become visible in commit order.
		appendLockSQL:   "SELECT pg_advisory_xact_lock(7210431)",
		uniqueViolation: pgUniqueViolation,
	}
	SQLite = Dialect{
		name:            "sqlite",
		uniqueViolation: sqliteUniqueViolation,
	}
)

// DialectFor returns the dialect registered for a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "postgres", "pgx":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	}
	return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

func (d Dialect) Name() string { return d.name }

// Rebind rewrites ? placeholders into the dialect's bind syntax.
func (d Dialect) Rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Placeholders returns "?, ?, ..." with n entries.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// UniqueViolation reports whether err is a unique or primary key violation
// and, when the driver exposes it, the table it happened on.
func (d Dialect) UniqueViolation(err error) (string, bool) {
	if err == nil || d.uniqueViolation == nil {
		return "", false
	}
	return d.uniqueViolation(err)
}
