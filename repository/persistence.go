package repository

import (
	"context"
	"io/fs"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	persistence "github.com/goliatone/go-persistence-bun"
)

const migrationsLabel = "repository/migrations"

// ClientConfig is what the go-persistence-bun client reads.
type ClientConfig struct {
	DSN            string
	Debug          bool
	PingTimeout    time.Duration
	OtelIdentifier string
	// Fixtures, when set, is seeded after migrations. Tables named by a
	// fixture file are truncated first.
	Fixtures fs.FS
}

func (c ClientConfig) GetDebug() bool {
	return c.Debug
}

// GetDriver reports the database/sql driver the DSN resolves to.
func (c ClientConfig) GetDriver() string {
	if IsPostgresDSN(c.DSN) {
		return "pgx"
	}
	return "sqlite"
}

func (c ClientConfig) GetServer() string {
	return c.DSN
}

func (c ClientConfig) GetDSN() string {
	return c.DSN
}

func (c ClientConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout <= 0 {
		return 5 * time.Second
	}
	return c.PingTimeout
}

func (c ClientConfig) GetOtelIdentifier() string {
	if c.OtelIdentifier == "" {
		return "linking"
	}
	return c.OtelIdentifier
}

var registerModels sync.Once

// Connect opens cfg.DSN behind a persistence client. The embedded migrations
// are registered for postgres and sqlite, fixtures when configured. Nothing
// runs until Prepare.
func Connect(cfg ClientConfig) (*persistence.Client, error) {
	sqldb, dia, err := openSQL(cfg.DSN)
	if err != nil {
		return nil, err
	}

	registerModels.Do(func() {
		persistence.RegisterModel((*IdentityModel)(nil))
		persistence.RegisterModel((*BindingModel)(nil))
		persistence.RegisterModel((*LinkingEventModel)(nil))
		persistence.RegisterModel((*CodeModel)(nil))
	})

	client, err := persistence.New(cfg, sqldb, dia)
	if err != nil {
		_ = sqldb.Close()
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "persistence client")
	}
	if err := enableForeignKeys(client.DB()); err != nil {
		_ = sqldb.Close()
		return nil, err
	}

	client.RegisterDialectMigrations(
		MigrationsFS(),
		persistence.WithDialectSourceLabel(migrationsLabel),
		persistence.WithValidationTargets("postgres", "sqlite"),
	)
	if cfg.Fixtures != nil {
		client.RegisterFixtures(cfg.Fixtures).AddOptions(persistence.WithTrucateTables())
	}
	return client, nil
}

// Prepare checks that every migration exists for both dialects, migrates the
// schema and, when seed is set, loads the registered fixtures.
func Prepare(ctx context.Context, client *persistence.Client, seed bool) error {
	if err := client.ValidateDialects(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "migrations differ between dialects")
	}
	if err := client.Migrate(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "migrate")
	}
	if !seed {
		return nil
	}
	if err := client.Seed(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "seed fixtures")
	}
	return nil
}
