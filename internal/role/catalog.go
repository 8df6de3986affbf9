package role

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/veloxhq/conductor/internal/model"
)

// catalogFile is the on-disk shape of a role catalog override.
type catalogFile struct {
	Roles []roleEntry `yaml:"roles"`
}

type roleEntry struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Tags         []string `yaml:"tags"`
	Instructions string   `yaml:"instructions"`
	Outputs      []string `yaml:"outputs"`
}

// NewRegistryFromFile loads a YAML role catalog and lays it over the
// built-in roles: entries with a known id replace the built-in definition,
// new ids extend the catalog.
func NewRegistryFromFile(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read role catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse role catalog %s: %w", path, err)
	}

	defs := make(map[string]Definition, len(catalog)+len(f.Roles))
	for id, d := range catalog {
		defs[id] = d
	}
	for _, e := range f.Roles {
		if e.ID == "" || e.Name == "" {
			return nil, fmt.Errorf("role catalog %s: every role needs an id and a name", path)
		}
		defs[e.ID] = Definition{
			Role: model.Role{
				ID:          e.ID,
				Name:        e.Name,
				Description: e.Description,
				Tags:        e.Tags,
			},
			Instructions: e.Instructions,
			Outputs:      e.Outputs,
		}
	}
	return &Registry{defs: defs}, nil
}
