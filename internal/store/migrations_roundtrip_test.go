package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestMigrationsRoundTripSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, DialectSQLite, filepath.Join(t.TempDir(), "roundtrip.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	roundTrip(ctx, t, db, DialectSQLite)
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("COLLAB_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("COLLAB_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, DialectPostgres, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	roundTrip(ctx, t, db, DialectPostgres)
}

func roundTrip(ctx context.Context, t *testing.T, db *sql.DB, dialect Dialect) {
	t.Helper()
	if err := ApplyMigrations(ctx, db, dialect); err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}
	if err := applyDownMigrations(ctx, db); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, dialect); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM notifications`).Scan(&count); err != nil {
		t.Fatalf("query notifications after round trip: %v", err)
	}
}

func applyDownMigrations(ctx context.Context, db *sql.DB) error {
	downs, err := migrationNames(".down.sql")
	if err != nil {
		return err
	}
	for i := len(downs) - 1; i >= 0; i-- {
		sqlBytes, err := migrationFiles.ReadFile(downs[i])
		if err != nil {
			return err
		}
		sqlText := strings.TrimSpace(string(sqlBytes))
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			return err
		}
	}
	return nil
}
