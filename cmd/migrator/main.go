// Command migrator applies the SQL files under MIGRATIONS_DIR in name
// order and can seed the documents table from a directory of JSON files.
package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/VaultSovereign/vmq-oracle/pkg/config"
	"github.com/VaultSovereign/vmq-oracle/pkg/docstore"
	"github.com/VaultSovereign/vmq-oracle/pkg/logging"
	"github.com/VaultSovereign/vmq-oracle/pkg/store"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = func(format string, args ...any) { log.Fatal().Msgf(format, args...) }
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	if err := run(os.Args[1:], openDBFn); err != nil {
		logFatalf("migrator: %v", err)
	}
}

func run(args []string, openDB func(context.Context) (migratorDBCloser, error)) error {
	flags := pflag.NewFlagSet("migrator", pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	dir := flags.String("dir", config.Env("MIGRATIONS_DIR", "migrations"), "directory of *.sql migrations")
	seed := flags.String("seed", config.Env("SEED_DOCUMENTS_ROOT", ""), "document root to upsert into the documents table")
	bucket := flags.String("bucket", config.Env("DOCSTORE_BUCKET", docstore.DefaultBucket), "document namespace for seeded documents")
	timeout := flags.Duration("timeout", 20*time.Second, "overall deadline")
	if err := flags.Parse(args); err != nil {
		return err
	}
	logger := logging.New(config.Env("LOG_LEVEL", "info"), "migrator")
	logf := func(format string, args ...any) { logger.Info().Msgf(format, args...) }

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, *dir, nil, nil, logf); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	if strings.TrimSpace(*seed) == "" {
		return nil
	}
	n, err := seedDocuments(ctx, docstore.PostgresStore{DB: pool, Bucket: *bucket}, *seed)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	logf("seeded %d documents into bucket %s", n, *bucket)
	return nil
}

func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	prefix := cleanDir + string(os.PathSeparator)
	if !strings.HasPrefix(cleanFile, prefix) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

func runMigrations(
	ctx context.Context,
	db migrationDB,
	migrationsDir string,
	readFile func(name string) ([]byte, error),
	glob func(pattern string) ([]string, error),
	logf func(format string, args ...any),
) error {
	if db == nil {
		return fmt.Errorf("db required")
	}
	if readFile == nil {
		// #nosec G304 -- migration file path is validated by validateMigrationPath before read.
		readFile = os.ReadFile
	}
	if glob == nil {
		glob = filepath.Glob
	}
	if logf == nil {
		logf = func(string, ...any) {}
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	migrationsDir = filepath.Clean(migrationsDir)
	files, err := glob(filepath.Join(migrationsDir, "*.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, file := range files {
		cleanFile, err := validateMigrationPath(migrationsDir, file)
		if err != nil {
			return fmt.Errorf("invalid migration path: %s", file)
		}
		name := filepath.Base(cleanFile)
		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists); err != nil {
			return fmt.Errorf("migration lookup: %w", err)
		}
		if exists {
			continue
		}
		sqlBytes, err := readFile(cleanFile)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", cleanFile, err)
		}
		tx, err := db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("mark migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
		applied++
		logf("applied migration %s", name)
	}

	logf("migrations done: %d applied, %d total", applied, len(files))
	return nil
}

type documentWriter interface {
	Put(ctx context.Context, key string, doc []byte) error
}

// seedDocuments upserts every *.json file under root, keyed by its
// slash-separated path relative to root. Comments and trailing commas are
// stripped on the way in.
func seedDocuments(ctx context.Context, w documentWriter, root string) (int, error) {
	src := docstore.FileStore{Root: root}
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Strings(keys)
	for _, key := range keys {
		raw, err := src.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		if err := w.Put(ctx, key, raw); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
