// Package db applies embedded SQL migrations with checksum tracking.
package db

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/Syt100/bastion-sub005/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies all pending migrations. A migration already applied with a
// different checksum is a hard error.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  filename   text PRIMARY KEY,
  checksum   text NOT NULL,
  applied_at timestamptz NOT NULL DEFAULT now()
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, "migrations/"+e.Name())
		}
	}
	sort.Strings(files)

	applied := map[string]string{}
	rows, err := db.QueryContext(ctx, `SELECT filename, checksum FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("select schema_migrations: %w", err)
	}
	for rows.Next() {
		var fn, sum string
		if err := rows.Scan(&fn, &sum); err != nil {
			rows.Close()
			return fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[fn] = sum
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	log := logging.With("migrate")
	for _, f := range files {
		sqlBytes, err := migrationsFS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
		sum := sha256.Sum256(sqlBytes)
		sumHex := hex.EncodeToString(sum[:])

		if prev, ok := applied[f]; ok {
			if prev != sumHex {
				return fmt.Errorf("migration %s already applied with different checksum (got %s, have %s)", f, sumHex, prev)
			}
			continue
		}

		log.Info().Str("file", f).Msg("applying migration")
		if _, err := db.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("exec %s: %w", f, err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO schema_migrations (filename, checksum) VALUES ($1,$2)`, f, sumHex); err != nil {
			return fmt.Errorf("record %s: %w", f, err)
		}
	}
	return nil
}
