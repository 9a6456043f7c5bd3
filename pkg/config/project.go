package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/samternent/concord/pkg/permissions"
)

// DefaultProjectFiles are tried in order when no project path is given.
var DefaultProjectFiles = []string{"concord.config.json", "concord.config.yaml", "concord.config.yml"}

// Project is the per-ledger concord.config file. JSON files parse as YAML.
type Project struct {
	RootAdmins []string `yaml:"rootAdmins" json:"rootAdmins"`
	Ledger     string   `yaml:"ledger,omitempty" json:"ledger,omitempty"`
	KeyDir     string   `yaml:"keyDir,omitempty" json:"keyDir,omitempty"`
}

// Permissions returns the replay seed for the permission engine.
func (p *Project) Permissions() permissions.ReplayConfig {
	return permissions.ReplayConfig{RootAdmins: append([]string(nil), p.RootAdmins...)}
}

// LoadProject reads the project file at path. An empty path searches
// DefaultProjectFiles in the working directory; finding none yields an
// empty Project.
func LoadProject(path string) (*Project, error) {
	if path == "" {
		for _, candidate := range DefaultProjectFiles {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return &Project{}, nil
		}
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Project{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read project config %s: %w", path, err)
	}

	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse project config %s: %w", path, err)
	}
	return &p, nil
}
