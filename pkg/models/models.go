package models

import (
	"encoding/json"
	"strings"
	"time"
)

// SafetyTier classifies an action for audit and operator display.
// It is never enforced as a hard gate by the dispatcher.
type SafetyTier string

const (
	TierGreen   SafetyTier = "GREEN"
	TierYellow  SafetyTier = "YELLOW"
	TierRed     SafetyTier = "RED"
	TierUnknown SafetyTier = "UNKNOWN"
)

func ParseSafetyTier(raw string) SafetyTier {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "GREEN":
		return TierGreen
	case "YELLOW":
		return TierYellow
	case "RED":
		return TierRed
	default:
		return TierUnknown
	}
}

// Action is a catalog-registered operation. Values are immutable once loaded.
type Action struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	HandoffText    string     `json:"handoffText"`
	TargetRef      string     `json:"targetRef"`
	SafetyTier     SafetyTier `json:"safetyTier"`
	RequiredParams []string   `json:"requiredParams,omitempty"`
	Enabled        bool       `json:"enabled"`
}

// Catalog is the versioned, ordered registry of actions.
type Catalog struct {
	Version string   `json:"version"`
	Actions []Action `json:"catalog"`
}

// Persona is a caller-facing presentation profile.
type Persona struct {
	ID               string              `json:"id"`
	Name             string              `json:"name,omitempty"`
	Groups           []string            `json:"iamGroups,omitempty"`
	Tone             string              `json:"tone"`
	PreferredSources []string            `json:"preferredSources"`
	AnswerGuidance   string              `json:"answerGuidance"`
	GlossaryAliases  map[string][]string `json:"glossaryAliases"`
}

// SystemContext is the persona slice forwarded to handlers.
type SystemContext struct {
	Tone             string              `json:"tone"`
	PreferredSources []string            `json:"preferred_sources"`
	AnswerGuidance   string              `json:"answer_guidance"`
	GlossaryAliases  map[string][]string `json:"glossary_aliases"`
}

func (p Persona) SystemContext() SystemContext {
	sources := p.PreferredSources
	if sources == nil {
		sources = []string{}
	}
	aliases := p.GlossaryAliases
	if aliases == nil {
		aliases = map[string][]string{}
	}
	return SystemContext{
		Tone:             p.Tone,
		PreferredSources: sources,
		AnswerGuidance:   p.AnswerGuidance,
		GlossaryAliases:  aliases,
	}
}

type User struct {
	ID    string `json:"id"`
	Group string `json:"group"`
}

type RequestContext struct {
	RequestID string         `json:"request_id"`
	Persona   string         `json:"persona"`
	System    *SystemContext `json:"system,omitempty"`
}

// Invocation is the standardized payload sent to backend handlers.
type Invocation struct {
	Action  string                 `json:"action"`
	User    User                   `json:"user"`
	Context RequestContext         `json:"context"`
	Params  map[string]interface{} `json:"params"`
}

// AuthorizationRequest is the input handed to the policy gate.
type AuthorizationRequest struct {
	Action  string                 `json:"action"`
	User    User                   `json:"user"`
	Context RequestContext         `json:"context"`
	Params  map[string]interface{} `json:"params"`
}

func (inv Invocation) AuthorizationRequest() AuthorizationRequest {
	return AuthorizationRequest{
		Action:  inv.Action,
		User:    inv.User,
		Context: RequestContext{RequestID: inv.Context.RequestID, Persona: inv.Context.Persona},
		Params:  inv.Params,
	}
}

// Outcome summarizes one dispatch for audit, metrics and event sinks.
type Outcome struct {
	RequestID  string          `json:"request_id"`
	ActionID   string          `json:"action"`
	User       User            `json:"user"`
	Persona    string          `json:"persona"`
	Decision   string          `json:"decision"`
	Reason     string          `json:"reason,omitempty"`
	StatusCode int             `json:"status_code"`
	Params     json.RawMessage `json:"-"`
	Latency    time.Duration   `json:"-"`
	LatencyMS  float64         `json:"latency_ms"`
	At         time.Time       `json:"at"`
}

// MissingParams returns the keys, in the given order, that are absent from
// Params or hold nil or the empty string.
func (inv Invocation) MissingParams(keys ...string) []string {
	var missing []string
	for _, k := range keys {
		v, ok := inv.Params[k]
		if !ok || v == nil {
			missing = append(missing, k)
			continue
		}
		if s, isString := v.(string); isString && s == "" {
			missing = append(missing, k)
		}
	}
	return missing
}
