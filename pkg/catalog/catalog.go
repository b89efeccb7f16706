// Package catalog loads the versioned action catalog through a TTL cache
// and answers lookups against the current snapshot.
package catalog

import (
	"context"

	"github.com/VaultSovereign/vmq-oracle/pkg/cache"
	"github.com/VaultSovereign/vmq-oracle/pkg/docstore"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
	"github.com/rs/zerolog"
)

const cacheKey = "catalog"

type Store struct {
	docs   docstore.Store
	cache  *cache.TTL[models.Catalog]
	logger zerolog.Logger
}

func NewStore(docs docstore.Store, c *cache.TTL[models.Catalog], logger zerolog.Logger) *Store {
	if c == nil {
		c = cache.New[models.Catalog](cache.DefaultTTL, nil)
	}
	return &Store{docs: docs, cache: c, logger: logger}
}

// LoadCatalog never fails: a fetch error yields the last snapshot, or an
// empty catalog when none was ever loaded.
func (s *Store) LoadCatalog(ctx context.Context) models.Catalog {
	c, ok, err := s.cache.Load(ctx, cacheKey, func(ctx context.Context) (models.Catalog, error) {
		raw, err := s.docs.Get(ctx, docstore.CatalogKey)
		if err != nil {
			return models.Catalog{}, err
		}
		return Parse(raw)
	})
	if err != nil {
		s.logger.Warn().Err(err).Bool("stale", ok).Msg("catalog fetch failed")
	}
	if !ok {
		return models.Catalog{Actions: []models.Action{}}
	}
	return c
}

// FindAction scans the current snapshot. The bool is false when the id is
// not in the catalog.
func (s *Store) FindAction(ctx context.Context, id string) (models.Action, bool) {
	for _, a := range s.LoadCatalog(ctx).Actions {
		if a.ID == id {
			return a, true
		}
	}
	return models.Action{}, false
}

// Enabled returns the snapshot with disabled actions removed.
func (s *Store) Enabled(ctx context.Context) models.Catalog {
	c := s.LoadCatalog(ctx)
	out := models.Catalog{Version: c.Version, Actions: make([]models.Action, 0, len(c.Actions))}
	for _, a := range c.Actions {
		if a.Enabled {
			out.Actions = append(out.Actions, a)
		}
	}
	return out
}

type Handoff struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	HandoffText string            `json:"handoffText"`
	Description string            `json:"description"`
	TargetRef   string            `json:"targetRef"`
	SafetyTier  models.SafetyTier `json:"safetyTier"`
}

// Handoffs lists the enabled actions as choices a chat surface can offer.
func (s *Store) Handoffs(ctx context.Context) []Handoff {
	actions := s.Enabled(ctx).Actions
	out := make([]Handoff, 0, len(actions))
	for _, a := range actions {
		out = append(out, Handoff{
			ID:          a.ID,
			Name:        a.Name,
			HandoffText: a.HandoffText,
			Description: a.Description,
			TargetRef:   a.TargetRef,
			SafetyTier:  a.SafetyTier,
		})
	}
	return out
}
