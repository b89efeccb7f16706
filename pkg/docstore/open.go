package docstore

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/VaultSovereign/vmq-oracle/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BackendFile     = "file"
	BackendHTTP     = "http"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Config struct {
	Backend     string
	Bucket      string
	Root        string
	URL         string
	Headers     map[string]string
	Retries     int
	SharedCache bool
	TTL         time.Duration
}

// Deps carries the connections a backend may need. Unused fields may be nil.
type Deps struct {
	HTTPClient *http.Client
	Redis      *redis.Client
	DB         documentDB
	Cache      store.Cache
	Logger     zerolog.Logger
}

// Open builds the Store selected by cfg.Backend.
func Open(cfg Config, deps Deps) (Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = DefaultBucket
	}
	var s Store
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendFile:
		root := strings.TrimSpace(cfg.Root)
		if root == "" {
			return nil, fmt.Errorf("docstore: DOCSTORE_ROOT is required for the file backend")
		}
		s = FileStore{Root: root}
	case BackendHTTP:
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, fmt.Errorf("docstore: DOCSTORE_URL is required for the http backend")
		}
		s = HTTPStore{Client: deps.HTTPClient, BaseURL: cfg.URL, Bucket: bucket, Headers: cfg.Headers, Retries: cfg.Retries, RetryDelay: 50 * time.Millisecond}
	case BackendRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("docstore: redis backend selected but redis is unavailable")
		}
		s = RedisStore{Client: deps.Redis, Prefix: "doc:", Bucket: bucket}
	case BackendPostgres:
		if deps.DB == nil {
			return nil, fmt.Errorf("docstore: postgres backend selected but no database is configured")
		}
		s = PostgresStore{DB: deps.DB, Bucket: bucket}
	default:
		return nil, fmt.Errorf("docstore: unknown backend %q", cfg.Backend)
	}
	if cfg.SharedCache && deps.Cache != nil {
		s = SharedCache{Inner: s, Cache: deps.Cache, TTL: cfg.TTL, Logger: deps.Logger}
	}
	return s, nil
}
