// Package store opens the configured registry and delivery log backend.
package store

import (
	"context"
	"fmt"

	"github.com/austindbirch/guildhook/internal/config"
	"github.com/austindbirch/guildhook/internal/db"
	"github.com/austindbirch/guildhook/internal/deliverylog"
	"github.com/austindbirch/guildhook/internal/registry"
	"github.com/austindbirch/guildhook/internal/store/postgres"
	"github.com/austindbirch/guildhook/internal/store/sqlite"
)

// Store is implemented by both backends.
type Store interface {
	registry.Store
	deliverylog.Store
	Ping(ctx context.Context) error
}

// Open connects to the backend named by c.DB.Driver, applying migrations
// when c.DB.Migrate is set. The returned func releases the connection.
func Open(ctx context.Context, c config.Config) (Store, func(), error) {
	switch c.DB.Driver {
	case "postgres":
		if c.DB.Migrate {
			if err := db.MigratePostgres(c.DSN()); err != nil {
				return nil, nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		pool, err := db.Connect(ctx, c.DSN(), c.DB.MaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.New(pool), pool.Close, nil
	case "sqlite":
		sqlDB, err := db.OpenSQLite(c.DB.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		if c.DB.Migrate {
			if err := db.MigrateSQLite(sqlDB); err != nil {
				sqlDB.Close()
				return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
			}
		}
		return sqlite.New(sqlDB), func() { sqlDB.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown db driver %q", c.DB.Driver)
	}
}
