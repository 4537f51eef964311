package repository

import (
	"context"
	"embed"
	"errors"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

//go:embed migrations
var migrationsFS embed.FS

const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// MigrationsFS returns the migration tree, one directory per dialect.
func MigrationsFS() fs.FS {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// Migrate applies the embedded migrations for the dialect of db. It is a
// no-op when the schema is already current.
func Migrate(ctx context.Context, db *bun.DB) error {
	return Run(ctx, db, DirectionUp)
}

// Run moves the schema up to the latest version or down to empty with
// golang-migrate. Nothing to do is not an error.
func Run(ctx context.Context, db *bun.DB, direction string) error {
	if direction != DirectionUp && direction != DirectionDown {
		return goerrors.New("migration direction must be up or down", goerrors.CategoryBadInput).
			WithMetadata(map[string]any{"direction": direction})
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	var (
		dir        string
		driverName string
		driver     database.Driver
		err        error
	)

	switch db.Dialect().Name() {
	case dialect.PG:
		dir, driverName = "migrations/postgres", "pgx5"
		driver, err = migratepgx.WithInstance(db.DB, &migratepgx.Config{})
	case dialect.SQLite:
		dir, driverName = "migrations/sqlite", "sqlite"
		driver, err = migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	default:
		return goerrors.New("unsupported dialect for migrations", goerrors.CategoryBadInput).
			WithMetadata(map[string]any{"dialect": db.Dialect().Name().String()})
	}
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "migrate driver")
	}

	source, err := iofs.New(migrationsFS, dir)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "migrate source")
	}
	defer source.Close()

	m, err := migrate.NewWithInstance("iofs", source, driverName, driver)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "migrate")
	}
	// The sqlite driver closes the shared *sql.DB on Close, so only the
	// postgres driver, which holds a dedicated connection, is released.
	if driverName == "pgx5" {
		defer driver.Close()
	}

	step := m.Up
	if direction == DirectionDown {
		step = m.Down
	}
	if err := step(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "migrate "+direction)
	}
	return nil
}
