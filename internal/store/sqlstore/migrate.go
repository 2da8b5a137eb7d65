package sqlstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationTable = "schema_migrations"

// Migrate applies every embedded migration that has not been recorded yet.
func Migrate(ctx context.Context, db *sqlx.DB, now time.Time) error {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("listing migrations: %w", err)
	}
	sort.Strings(names)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
		name       TEXT PRIMARY KEY,
		applied_at BIGINT NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensuring migration table: %w", err)
	}

	for _, name := range names {
		var applied int
		if err := db.GetContext(ctx, &applied,
			db.Rebind(`SELECT COUNT(*) FROM `+migrationTable+` WHERE name = ?`), name); err != nil {
			return fmt.Errorf("checking migration %s: %w", name, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := applyMigration(ctx, db, name, upSection(string(content)), now); err != nil {
			return err
		}
	}
	return nil
}

func applyMigration(ctx context.Context, db *sqlx.DB, name, body string, now time.Time) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range statements(body) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		tx.Rebind(`INSERT INTO `+migrationTable+` (name, applied_at) VALUES (?, ?)`),
		name, now.UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("recording migration %s: %w", name, err)
	}
	return tx.Commit()
}

// upSection returns the SQL after the "-- +migrate Up" marker, up to an
// optional "-- +migrate Down" marker.
func upSection(content string) string {
	if i := strings.Index(content, "-- +migrate Up"); i >= 0 {
		content = content[i+len("-- +migrate Up"):]
	}
	if i := strings.Index(content, "-- +migrate Down"); i >= 0 {
		content = content[:i]
	}
	return content
}

// statements splits a migration body on semicolons, dropping comment lines.
func statements(body string) []string {
	var out []string
	for _, part := range strings.Split(body, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
