package storage

import (
	"context"
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"ambulance/internal/logger"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ApplySchema runs every embedded migration once, keyed by file name and content hash.
func ApplySchema(ctx context.Context, pool *pgxpool.Pool, log *logger.Logger) error {
	if err := ensureMigrationTable(ctx, pool); err != nil {
		return err
	}
	dir, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	entries, err := fs.ReadDir(dir, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		body, err := fs.ReadFile(dir, name)
		if err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		hash := fmt.Sprintf("%x", sha256.Sum256(body))
		applied, err := isHashApplied(ctx, pool, name, hash)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("exec %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO migrations (name, hash) VALUES ($1,$2)`, name, hash); err != nil {
			return fmt.Errorf("record %s: %w", name, err)
		}
		log.Info(logger.Entry{Action: "migrate", Message: "applied " + name})
	}
	return nil
}

func ensureMigrationTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS migrations (
	id SERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	hash TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS migrations_name_hash_idx ON migrations(name, hash);
`)
	return err
}

func isHashApplied(ctx context.Context, pool *pgxpool.Pool, name, hash string) (bool, error) {
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM migrations WHERE name=$1 AND hash=$2)`, name, hash).Scan(&exists)
	return exists, err
}
