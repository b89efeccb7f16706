//go:build integration

package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/VaultSovereign/vmq-oracle/pkg/audit"
	"github.com/VaultSovereign/vmq-oracle/pkg/docstore"
)

// Run with: go test -tags=integration -timeout 120s ./cmd/migrator/...
func TestMigrationsAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("vmq"),
		postgres.WithUsername("vmq"),
		postgres.WithPassword("vmq"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()

	dir := filepath.Join("..", "..", "migrations")
	for i := 0; i < 2; i++ {
		if err := runMigrations(ctx, pool, dir, nil, nil, nil); err != nil {
			t.Fatalf("runMigrations pass %d: %v", i+1, err)
		}
	}

	n, err := seedDocuments(ctx, docstore.PostgresStore{DB: pool, Bucket: "kb"}, filepath.Join("..", "..", "config", "documents"))
	if err != nil || n == 0 {
		t.Fatalf("seed: n=%d err=%v", n, err)
	}
	raw, err := docstore.PostgresStore{DB: pool, Bucket: "kb"}.Get(ctx, docstore.CatalogKey)
	if err != nil || !json.Valid(raw) {
		t.Fatalf("catalog read back: %v %s", err, raw)
	}

	w := &audit.Writer{DB: pool, Logger: zerolog.Nop()}
	rec := audit.Record{
		RequestID: "rq-int", ActionID: "summarize-docs", UserID: "ana", UserGroup: "VaultMesh-Engineering",
		Persona: "engineer", Decision: "ALLOW", StatusCode: 200, LatencyMS: 3.5, CreatedAt: time.Now().UTC(),
	}
	if err := w.Append(ctx, rec); err != nil {
		t.Fatalf("audit append: %v", err)
	}
	got, err := w.Get(ctx, "rq-int")
	if err != nil || got.ActionID != "summarize-docs" || string(got.Params) != "{}" {
		t.Fatalf("audit read back: %+v %v", got, err)
	}
}
