// Package postgres registers the "postgres" store driver.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jensholdgaard/starfall-bot/internal/clock"
	"github.com/jensholdgaard/starfall-bot/internal/config"
	"github.com/jensholdgaard/starfall-bot/internal/store"
	"github.com/jensholdgaard/starfall-bot/internal/store/sqlstore"
)

func init() {
	store.Register("postgres", Open)
}

// Open is the store.Driver for Postgres.
func Open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock) (*store.Repositories, error) {
	db, err := Connect(ctx, cfg.DSN())
	if err != nil {
		return nil, err
	}
	repos, err := sqlstore.New(ctx, db, clk)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing postgres store: %w", err)
	}
	return repos, nil
}

// Connect opens and verifies a Postgres connection with OTEL instrumentation.
func Connect(ctx context.Context, dsn string) (*sqlx.DB, error) {
	sqlDB, err := otelsql.Open("postgres", dsn,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	db := sqlx.NewDb(sqlDB, "postgres")
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return db, nil
}
