// Package persona maps caller groups to personas and loads persona
// documents through a TTL cache that degrades to defaults.
package persona

import (
	"context"
	"strings"

	"github.com/VaultSovereign/vmq-oracle/pkg/cache"
	"github.com/VaultSovereign/vmq-oracle/pkg/config"
	"github.com/VaultSovereign/vmq-oracle/pkg/docstore"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
	"github.com/rs/zerolog"
)

const (
	DefaultTone     = "professional"
	DefaultGuidance = "Provide clear, technical answers"
)

// GroupMap is the ordered group to persona table.
type GroupMap struct {
	index     map[string]string
	defaultID string
}

func NewGroupMap(entries []config.GroupPersona, defaultID string) GroupMap {
	m := GroupMap{index: make(map[string]string, len(entries)), defaultID: defaultID}
	if strings.TrimSpace(m.defaultID) == "" {
		m.defaultID = config.DefaultPersonaID
	}
	for _, e := range entries {
		if _, dup := m.index[e.Group]; !dup {
			m.index[e.Group] = e.Persona
		}
	}
	return m
}

// Resolve returns the persona of the first mapped group, in caller order.
func (m GroupMap) Resolve(groups []string) string {
	for _, g := range groups {
		if id, ok := m.index[strings.TrimSpace(g)]; ok {
			return id
		}
	}
	return m.defaultID
}

func (m GroupMap) DefaultID() string { return m.defaultID }

// Default is substituted when a persona cannot be fetched and was never cached.
func Default(id string) models.Persona {
	return models.Persona{
		ID:               id,
		Tone:             DefaultTone,
		PreferredSources: []string{},
		AnswerGuidance:   DefaultGuidance,
		GlossaryAliases:  map[string][]string{},
	}
}

type Store struct {
	docs   docstore.Store
	groups GroupMap
	cache  *cache.TTL[models.Persona]
	logger zerolog.Logger
}

func NewStore(docs docstore.Store, groups GroupMap, c *cache.TTL[models.Persona], logger zerolog.Logger) *Store {
	if c == nil {
		c = cache.New[models.Persona](cache.DefaultTTL, nil)
	}
	return &Store{docs: docs, groups: groups, cache: c, logger: logger}
}

func (s *Store) ResolvePersonaID(groups []string) string {
	return s.groups.Resolve(groups)
}

// LoadPersona never fails: a fetch error yields the last cached persona,
// or Default(id) when nothing was ever cached.
func (s *Store) LoadPersona(ctx context.Context, id string) models.Persona {
	key := docstore.PersonaKey(id)
	p, ok, err := s.cache.Load(ctx, key, func(ctx context.Context) (models.Persona, error) {
		raw, err := s.docs.Get(ctx, key)
		if err != nil {
			return models.Persona{}, err
		}
		return Parse(id, raw)
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("persona", id).Bool("stale", ok).Msg("persona fetch failed")
	}
	if !ok {
		return Default(id)
	}
	return p
}

// Resolve maps groups to a persona id and loads that persona.
func (s *Store) Resolve(ctx context.Context, groups []string) models.Persona {
	return s.LoadPersona(ctx, s.ResolvePersonaID(groups))
}
