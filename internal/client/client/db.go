package client

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/famsync/internal/client/migrations"
	"github.com/dmitrijs2005/famsync/internal/dbx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// RunMigrations applies the embedded migrations to db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// InitDatabase opens the local store at path and brings its schema up to
// date.
func InitDatabase(ctx context.Context, path string) (*sql.DB, error) {
	db, err := dbx.OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
