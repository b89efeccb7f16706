// Package docstore fetches JSON documents (personas, the action catalog)
// by key from the configured backing store.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	CatalogKey    = "actions/catalog.json"
	DefaultBucket = "vaultmesh-knowledge-base"
)

var ErrNotFound = errors.New("document not found")

// Store is a key-based JSON document source.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

func PersonaKey(id string) string {
	return "personas/" + strings.TrimSpace(id) + ".json"
}

// ValidKey rejects empty keys and keys that could escape a bucket.
func ValidKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("empty document key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("invalid document key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." || part == "" {
			return fmt.Errorf("invalid document key %q", key)
		}
	}
	return nil
}
