package repository

import (
	"database/sql"
	"errors"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-linking"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/schema"
)

// pgUniqueViolation is the Postgres SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// IsPostgresDSN reports whether dsn points at Postgres rather than SQLite.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// Open returns a Bun DB for dsn. Postgres DSNs use pgx, anything else is
// handed to SQLite.
func Open(dsn string) (*bun.DB, error) {
	sqldb, dia, err := openSQL(dsn)
	if err != nil {
		return nil, err
	}
	db := bun.NewDB(sqldb, dia)
	if err := enableForeignKeys(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func openSQL(dsn string) (*sql.DB, schema.Dialect, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, nil, goerrors.New("database dsn is required", goerrors.CategoryBadInput).
			WithTextCode("DSN_REQUIRED")
	}

	if IsPostgresDSN(dsn) {
		sqldb, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, nil, goerrors.Wrap(err, goerrors.CategoryInternal, "open postgres")
		}
		return sqldb, pgdialect.New(), nil
	}

	sqldb, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, nil, goerrors.Wrap(err, goerrors.CategoryInternal, "open sqlite")
	}
	// SQLite serializes writers, a single connection also keeps in memory
	// databases alive across queries.
	sqldb.SetMaxOpenConns(1)
	return sqldb, sqlitedialect.New(), nil
}

func enableForeignKeys(db *bun.DB) error {
	if db.Dialect().Name() != dialect.SQLite {
		return nil
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "enable sqlite foreign keys")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") ||
		strings.Contains(msg, "constraint failed: unique")
}

// mapError converts driver errors into the linking sentinels callers branch on.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case IsNotFound(err):
		return linking.ErrIdentityNotFound
	case isUniqueViolation(err):
		return linking.ErrAccountAlreadyLinked
	default:
		return err
	}
}
