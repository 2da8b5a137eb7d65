// Package sqlstore implements the store repositories with sqlx. Queries are
// written with "?" placeholders and rebound for the connection's driver, and
// every timestamp is stored as UTC unix milliseconds, so the same code runs
// on Postgres and SQLite.
package sqlstore

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/starfall-bot/internal/clock"
	"github.com/jensholdgaard/starfall-bot/internal/store"
)

// New migrates db and returns the repositories backed by it. db must carry a
// driver name sqlx can derive a bind type from ("postgres" or "sqlite3").
func New(ctx context.Context, db *sqlx.DB, clk clock.Clock) (*store.Repositories, error) {
	if err := Migrate(ctx, db, clk.Now()); err != nil {
		return nil, err
	}
	return &store.Repositories{
		Players:    NewPlayerRepo(db, clk),
		Events:     NewEventLog(db, clk),
		Analytics:  NewAnalyticsRepo(db),
		Watermarks: NewWatermarkRepo(db),
		Promos:     NewPromoRepo(db, clk),
		Closer:     db,
		Ping:       db.PingContext,
	}, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
