// Package migrate bootstraps the service schema from the embedded goose files.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Dir is the migrations directory inside FS.
const Dir = "migrations"

//go:embed migrations/*.sql
var FS embed.FS

// OpenDB exposes a pgx pool through database/sql for goose.
func OpenDB(pool *pgxpool.Pool) *sql.DB {
	return stdlib.OpenDBFromPool(pool)
}

// Up validates the embedded files and applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("db is required")
	}
	if err := Validate(FS, Dir); err != nil {
		return err
	}

	goose.SetBaseFS(FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, Dir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}
