package metadata

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// groupsFile is the on-disk group registry format.
type groupsFile struct {
	Groups []struct {
		ID     string `yaml:"id"`
		Name   string `yaml:"name"`
		Prefix string `yaml:"prefix"` // optional; derived from ID when empty
	} `yaml:"groups"`
}

// LoadGroups reads a YAML group registry into Group values. Groups
// without an explicit prefix get one derived from their ID by the
// caller.
func LoadGroups(path string) ([]Group, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read groups file: %w", err)
	}

	var gf groupsFile
	if err := yaml.Unmarshal(data, &gf); err != nil {
		return nil, fmt.Errorf("parse groups file: %w", err)
	}

	out := make([]Group, 0, len(gf.Groups))
	for _, g := range gf.Groups {
		if g.ID == "" {
			return nil, fmt.Errorf("groups file entry missing id")
		}
		out = append(out, Group{ID: g.ID, Name: g.Name, StoragePrefix: g.Prefix})
	}
	return out, nil
}
