package catalog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/VaultSovereign/vmq-oracle/pkg/models"
)

type entry struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Lambda         string     `json:"lambda"`
	Target         string     `json:"target"`
	SafetyTier     string     `json:"safetyTier"`
	Enabled        *bool      `json:"enabled"`
	RequiredParams []string   `json:"requiredParams"`
	Invocation     invocation `json:"invocation"`
}

type invocation struct {
	HandoffText    string   `json:"handoffText"`
	RequiredParams []string `json:"requiredParams"`
}

type document struct {
	Version string  `json:"version"`
	Catalog []entry `json:"catalog"`
}

// Parse decodes a catalog document. Entries without an id are rejected;
// enabled defaults to true and handoffText to the action name.
func Parse(raw []byte) (models.Catalog, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.Catalog{}, fmt.Errorf("decode catalog: %w", err)
	}
	out := models.Catalog{Version: doc.Version, Actions: make([]models.Action, 0, len(doc.Catalog))}
	seen := make(map[string]struct{}, len(doc.Catalog))
	for i, e := range doc.Catalog {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return models.Catalog{}, fmt.Errorf("decode catalog: entry %d has no id", i)
		}
		if _, dup := seen[id]; dup {
			return models.Catalog{}, fmt.Errorf("decode catalog: duplicate action id %q", id)
		}
		seen[id] = struct{}{}
		a := models.Action{
			ID:             id,
			Name:           e.Name,
			Description:    e.Description,
			HandoffText:    e.Invocation.HandoffText,
			TargetRef:      strings.TrimSpace(e.Target),
			SafetyTier:     models.ParseSafetyTier(e.SafetyTier),
			RequiredParams: e.RequiredParams,
			Enabled:        e.Enabled == nil || *e.Enabled,
		}
		if a.TargetRef == "" {
			a.TargetRef = strings.TrimSpace(e.Lambda)
		}
		if a.HandoffText == "" {
			a.HandoffText = a.Name
		}
		if len(a.RequiredParams) == 0 {
			a.RequiredParams = e.Invocation.RequiredParams
		}
		out.Actions = append(out.Actions, a)
	}
	return out, nil
}
