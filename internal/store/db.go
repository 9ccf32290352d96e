package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectPostgres Dialect = "pgx"
	DialectSQLite   Dialect = "sqlite"
)

func ParseDialect(driver string) (Dialect, error) {
	switch Dialect(driver) {
	case DialectPostgres, "":
		return DialectPostgres, nil
	case DialectSQLite:
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

var placeholder = regexp.MustCompile(`\$(\d+)`)

// Rebind rewrites $N placeholders for drivers that spell them differently.
func (d Dialect) Rebind(query string) string {
	if d == DialectSQLite {
		return placeholder.ReplaceAllString(query, "?$1")
	}
	return query
}

func Open(ctx context.Context, dialect Dialect, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open(string(dialect), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	switch dialect {
	case DialectSQLite:
		db.SetMaxOpenConns(1)
	default:
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxIdleConns(10)
		db.SetMaxOpenConns(20)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
