package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultPersonaID = "engineer"
	groupPrefix      = "VaultMesh-"
)

type GroupPersona struct {
	Group   string `yaml:"group"`
	Persona string `yaml:"persona"`
}

// Tables holds the deployment-specific lookup data: the ordered
// group-to-persona map, short group aliases, and the static green list.
type Tables struct {
	DefaultPersona string              `yaml:"defaultPersona"`
	GroupAliases   map[string]string   `yaml:"groupAliases"`
	GroupPersonas  []GroupPersona      `yaml:"groupPersonas"`
	GreenList      map[string][]string `yaml:"greenList"`
}

func DefaultTables() Tables {
	return Tables{
		DefaultPersona: DefaultPersonaID,
		GroupAliases: map[string]string{
			"engineering": groupPrefix + "Engineering",
			"delivery":    groupPrefix + "Delivery",
			"compliance":  groupPrefix + "Compliance",
			"management":  groupPrefix + "Management",
		},
		GroupPersonas: []GroupPersona{
			{Group: groupPrefix + "Engineering", Persona: "engineer"},
			{Group: groupPrefix + "Delivery", Persona: "delivery-manager"},
			{Group: groupPrefix + "Compliance", Persona: "compliance"},
			{Group: groupPrefix + "Management", Persona: "delivery-manager"},
		},
		GreenList: map[string][]string{
			"summarize-docs":    {groupPrefix + "Engineering", groupPrefix + "Delivery", groupPrefix + "Compliance"},
			"generate-faq":      {groupPrefix + "Engineering", groupPrefix + "Delivery"},
			"draft-change-note": {groupPrefix + "Engineering", groupPrefix + "Delivery", groupPrefix + "Management"},
			"validate-schema":   {groupPrefix + "Engineering"},
			"create-jira-draft": {groupPrefix + "Delivery", groupPrefix + "Engineering"},
			"compliance-pack":   {groupPrefix + "Compliance", groupPrefix + "Management"},
		},
	}
}

// LoadTables reads a YAML tables document. An empty path yields the
// built-in defaults.
func LoadTables(path string) (Tables, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultTables(), nil
	}
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Tables{}, fmt.Errorf("read tables %s: %w", path, err)
	}
	return ParseTables(raw)
}

func ParseTables(raw []byte) (Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Tables{}, fmt.Errorf("parse tables: %w", err)
	}
	if strings.TrimSpace(t.DefaultPersona) == "" {
		t.DefaultPersona = DefaultPersonaID
	}
	for i, gp := range t.GroupPersonas {
		if strings.TrimSpace(gp.Group) == "" || strings.TrimSpace(gp.Persona) == "" {
			return Tables{}, fmt.Errorf("groupPersonas[%d]: group and persona are required", i)
		}
	}
	for action, groups := range t.GreenList {
		if strings.TrimSpace(action) == "" {
			return Tables{}, fmt.Errorf("greenList: empty action id")
		}
		for _, g := range groups {
			if strings.TrimSpace(g) == "" {
				return Tables{}, fmt.Errorf("greenList[%s]: empty group", action)
			}
		}
	}
	return t, nil
}

// NormalizeGroup maps a short alias such as "engineering" onto its
// canonical group name. Unknown names pass through trimmed.
func (t Tables) NormalizeGroup(group string) string {
	group = strings.TrimSpace(group)
	if canonical, ok := t.GroupAliases[strings.ToLower(group)]; ok {
		return canonical
	}
	return group
}

func (t Tables) NormalizeGroups(groups []string) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if g = t.NormalizeGroup(g); g != "" {
			out = append(out, g)
		}
	}
	return out
}
