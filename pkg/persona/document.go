package persona

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/VaultSovereign/vmq-oracle/pkg/models"
)

// document is the stored persona shape. Stored documents use snake_case
// keys; camelCase is accepted for documents written by newer tooling.
type document struct {
	ID                    string          `json:"id"`
	Name                  string          `json:"name"`
	IAMGroups             []string        `json:"iam_groups"`
	IAMGroupsCamel        []string        `json:"iamGroups"`
	Tone                  string          `json:"tone"`
	PreferredSources      []string        `json:"preferred_sources"`
	PreferredSourcesCamel []string        `json:"preferredSources"`
	AnswerGuidance        json.RawMessage `json:"answer_guidance"`
	AnswerGuidanceCamel   json.RawMessage `json:"answerGuidance"`
	GlossaryAliases       json.RawMessage `json:"glossary_aliases"`
	GlossaryAliasesCamel  json.RawMessage `json:"glossaryAliases"`
}

// Parse decodes a persona document. Guidance may be a string or a list of
// lines; each alias value may be a string or a list. A blank tone or
// guidance takes the built-in default.
func Parse(id string, raw []byte) (models.Persona, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.Persona{}, fmt.Errorf("decode persona %s: %w", id, err)
	}
	p := models.Persona{
		ID:               firstNonEmpty(doc.ID, id),
		Name:             doc.Name,
		Groups:           pick(doc.IAMGroups, doc.IAMGroupsCamel),
		Tone:             firstNonEmpty(doc.Tone, DefaultTone),
		PreferredSources: pick(doc.PreferredSources, doc.PreferredSourcesCamel),
	}
	guidance, err := decodeGuidance(pickRaw(doc.AnswerGuidance, doc.AnswerGuidanceCamel))
	if err != nil {
		return models.Persona{}, fmt.Errorf("decode persona %s: answer guidance: %w", id, err)
	}
	p.AnswerGuidance = firstNonEmpty(guidance, DefaultGuidance)
	aliases, err := decodeAliases(pickRaw(doc.GlossaryAliases, doc.GlossaryAliasesCamel))
	if err != nil {
		return models.Persona{}, fmt.Errorf("decode persona %s: glossary aliases: %w", id, err)
	}
	p.GlossaryAliases = aliases
	if p.PreferredSources == nil {
		p.PreferredSources = []string{}
	}
	return p, nil
}

func decodeGuidance(raw json.RawMessage) (string, error) {
	if isNull(raw) {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

func decodeAliases(raw json.RawMessage) (map[string][]string, error) {
	out := map[string][]string{}
	if isNull(raw) {
		return out, nil
	}
	var loose map[string]json.RawMessage
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, err
	}
	for term, v := range loose {
		var one string
		if err := json.Unmarshal(v, &one); err == nil {
			out[term] = []string{one}
			continue
		}
		var many []string
		if err := json.Unmarshal(v, &many); err != nil {
			return nil, fmt.Errorf("term %q: %w", term, err)
		}
		out[term] = many
	}
	return out, nil
}

func isNull(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null"
}

func pick(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}

func pickRaw(a, b json.RawMessage) json.RawMessage {
	if !isNull(a) {
		return a
	}
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
