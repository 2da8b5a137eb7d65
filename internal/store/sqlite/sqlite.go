// Package sqlite registers the "sqlite" store driver, a single-file
// database for small deployments and local development.
package sqlite

import (
	"context"
	"fmt"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	_ "modernc.org/sqlite" // sqlite driver

	"github.com/jensholdgaard/starfall-bot/internal/clock"
	"github.com/jensholdgaard/starfall-bot/internal/config"
	"github.com/jensholdgaard/starfall-bot/internal/store"
	"github.com/jensholdgaard/starfall-bot/internal/store/sqlstore"
)

// Memory is the path of a private in-memory database.
const Memory = ":memory:"

func init() {
	store.Register("sqlite", Open)
}

// Open is the store.Driver for SQLite.
func Open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db, err := Connect(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}
	repos, err := sqlstore.New(ctx, db, clk)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing sqlite store: %w", err)
	}
	return repos, nil
}

// Connect opens the database at path with foreign keys enforced.
// SQLite allows a single writer, so the pool holds one connection; this
// also keeps an in-memory database alive for the lifetime of the handle.
func Connect(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != Memory {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	sqlDB, err := otelsql.Open("sqlite", dsn,
		otelsql.WithAttributes(semconv.DBSystemSqlite),
	)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(0)

	db := sqlx.NewDb(sqlDB, "sqlite3")
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite database: %w", err)
	}
	return db, nil
}
