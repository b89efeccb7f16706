package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type documentDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore reads the documents table created by the migrator.
type PostgresStore struct {
	DB     documentDB
	Bucket string
}

func (s PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	var body []byte
	err := s.DB.QueryRow(ctx,
		`SELECT body FROM documents WHERE bucket = $1 AND key = $2`,
		s.Bucket, key,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", key, err)
	}
	return body, nil
}

func (s PostgresStore) Put(ctx context.Context, key string, doc []byte) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	_, err := s.DB.Exec(ctx, `
INSERT INTO documents (bucket, key, body, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (bucket, key) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`,
		s.Bucket, key, doc,
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}
