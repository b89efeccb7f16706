package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/VaultSovereign/vmq-oracle/pkg/store"
	"github.com/rs/zerolog"
)

// SharedCache fronts a Store with a cross-replica cache so a fleet of
// gateways does not stampede the backing store after a TTL expiry.
// Cache failures are logged and bypassed.
type SharedCache struct {
	Inner  Store
	Cache  store.Cache
	TTL    time.Duration
	Logger zerolog.Logger
}

func (s SharedCache) Get(ctx context.Context, key string) ([]byte, error) {
	cached, err := s.Cache.Get(ctx, key)
	if err == nil {
		return []byte(cached), nil
	}
	if !errors.Is(err, store.ErrCacheMiss) {
		s.Logger.Warn().Err(err).Str("key", key).Msg("shared document cache read failed")
	}
	doc, err := s.Inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.Cache.Set(ctx, key, string(doc), s.TTL); err != nil {
		s.Logger.Warn().Err(err).Str("key", key).Msg("shared document cache write failed")
	}
	return doc, nil
}
