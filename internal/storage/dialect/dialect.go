// Package dialect provides database dialect abstractions for multi-database support.
package dialect

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name (e.g., "sqlite", "postgres", "mysql")
	Name() string

	// DriverName returns the database/sql driver name to use
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	Rebind(query string) string

	// KeyType returns a column type usable as a primary key for string ids.
	KeyType() string

	// TextType returns the SQL type for unbounded text fields
	TextType() string

	// RealType returns the SQL type for floating point values
	RealType() string

	// TimestampType returns the SQL type for timestamps
	TimestampType() string

	// UpsertClause returns the ON CONFLICT/ON DUPLICATE KEY clause for upserts
	UpsertClause(conflictColumn string, updateColumns []string) string

	// PragmaStatements returns statements run once after opening (e.g., PRAGMA for SQLite)
	PragmaStatements() []string
}

// DialectType represents supported database types
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
	MySQL    DialectType = "mysql"
)

// New creates a new Dialect based on the dialect type
func New(dialectType DialectType) (Dialect, error) {
	switch dialectType {
	case SQLite:
		return sqliteDialect{}, nil
	case Postgres:
		return postgresDialect{}, nil
	case MySQL:
		return mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialectType)
	}
}

// FromDriverName returns the dialect for a configured driver name
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect{}, nil
	case "mysql", "mariadb":
		return mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string               { return string(SQLite) }
func (sqliteDialect) DriverName() string         { return "sqlite" }
func (sqliteDialect) Rebind(query string) string { return query }
func (sqliteDialect) KeyType() string            { return "TEXT" }
func (sqliteDialect) TextType() string           { return "TEXT" }
func (sqliteDialect) RealType() string           { return "REAL" }
func (sqliteDialect) TimestampType() string      { return "TIMESTAMP" }

func (sqliteDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	return onConflict(conflictColumn, updateColumns, "excluded")
}

func (sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string          { return string(Postgres) }
func (postgresDialect) DriverName() string    { return "pgx" }
func (postgresDialect) KeyType() string       { return "VARCHAR(191)" }
func (postgresDialect) TextType() string      { return "TEXT" }
func (postgresDialect) RealType() string      { return "DOUBLE PRECISION" }
func (postgresDialect) TimestampType() string { return "TIMESTAMP WITH TIME ZONE" }
func (postgresDialect) PragmaStatements() []string {
	return nil
}

// Rebind numbers ? placeholders as $1, $2, ...
func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

func (postgresDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	return onConflict(conflictColumn, updateColumns, "EXCLUDED")
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string               { return string(MySQL) }
func (mysqlDialect) DriverName() string         { return "mysql" }
func (mysqlDialect) Rebind(query string) string { return query }
func (mysqlDialect) KeyType() string            { return "VARCHAR(191)" }
func (mysqlDialect) TextType() string           { return "LONGTEXT" }
func (mysqlDialect) RealType() string           { return "DOUBLE" }
func (mysqlDialect) TimestampType() string      { return "DATETIME(6)" }
func (mysqlDialect) PragmaStatements() []string {
	return nil
}

func (mysqlDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s = %s", conflictColumn, conflictColumn)
	}
	sets := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		sets[i] = fmt.Sprintf("%s = VALUES(%s)", col, col)
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
}

func onConflict(conflictColumn string, updateColumns []string, excluded string) string {
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", conflictColumn)
	}
	sets := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		sets[i] = fmt.Sprintf("%s = %s.%s", col, excluded, col)
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s", conflictColumn, strings.Join(sets, ", "))
}
