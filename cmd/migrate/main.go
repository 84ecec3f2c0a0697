// Command migrate applies migrations/*.up.sql to the chainchat database.
// Versions are tracked in a golang-migrate compatible schema_migrations
// table (bigint version + dirty flag).
//
// Usage:
//
//	go run ./cmd/migrate
//	DATABASE_URL=postgres://... go run ./cmd/migrate -dir migrations
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/chainchat/internal/config"
	"go.uber.org/zap"
)

func main() {
	dir := flag.String("dir", "migrations", "directory containing NNN_name.up.sql files")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(context.Background(), *dir, logger); err != nil {
		logger.Fatal("migrate failed", zap.Error(err))
	}
}

func run(ctx context.Context, dir string, logger *zap.Logger) error {
	cfg, _, err := config.Load(config.New(""))
	if err != nil {
		return err
	}

	db, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version bigint NOT NULL,
			dirty   boolean NOT NULL,
			PRIMARY KEY (version)
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := upMigrations(dir)
	if err != nil {
		return err
	}

	applied := 0
	for _, f := range files {
		ver, err := versionFromFile(f)
		if err != nil {
			return fmt.Errorf("parse version from %s: %w", f, err)
		}

		var exists bool
		if err := db.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1 AND dirty = false)`,
			ver,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check %s: %w", f, err)
		}
		if exists {
			logger.Debug("migration already applied", zap.String("file", f))
			continue
		}

		sql, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}

		// The version row and the schema change commit together, so a
		// failed migration leaves no dirty marker behind.
		if err := pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(sql)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, dirty) VALUES ($1, false)
				 ON CONFLICT (version) DO UPDATE SET dirty = false`, ver,
			)
			return err
		}); err != nil {
			return fmt.Errorf("apply %s: %w", f, err)
		}

		logger.Info("migration applied", zap.String("file", f), zap.Int64("version", ver))
		applied++
	}

	logger.Info("migrations complete", zap.Int("applied", applied), zap.Int("available", len(files)))
	return nil
}

// upMigrations lists *.up.sql files in dir, ordered by name.
func upMigrations(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// versionFromFile extracts the leading integer from a migration filename.
// "001_init.up.sql" → 1
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("unexpected filename format")
	}
	return strconv.ParseInt(prefix, 10, 64)
}
