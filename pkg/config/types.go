package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/strophon/actionserver/pkg/action"
)

// TypesFile is the on-disk shape of ACTION_TYPES_FILE.
//
//	types:
//	  - name: ROLL
//	    max: 6
//	    constants:
//	      maxDice: 12
//	  - name: GRANT
//	    enabled: false
type TypesFile struct {
	Types []TypeConfig `yaml:"types"`
}

// TypeConfig adjusts one catalog entry.
type TypeConfig struct {
	Name      string         `yaml:"name"`
	Enabled   *bool          `yaml:"enabled,omitempty"`
	Max       *int64         `yaml:"max,omitempty"`
	Constants map[string]any `yaml:"constants,omitempty"`
}

// LoadTypesFile parses a types file.
func LoadTypesFile(path string) (*TypesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load action types %q: %w", path, err)
	}
	var f TypesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse action types %q: %w", path, err)
	}
	return &f, nil
}

// BuildRegistry applies f to catalog and returns the lookup table and the
// registry of enabled types. A nil f enables the whole catalog unchanged.
// When f lists types, only those not explicitly disabled are enabled.
// Every catalog entry's constants are sealed afterwards.
func BuildRegistry(f *TypesFile, catalog []*action.Type) (*action.Table, *action.Registry, error) {
	table, err := action.NewTable(catalog...)
	if err != nil {
		return nil, nil, err
	}

	enabled := catalog
	if f != nil && len(f.Types) > 0 {
		enabled = make([]*action.Type, 0, len(f.Types))
		for _, tc := range f.Types {
			typ, err := table.Lookup(tc.Name)
			if err != nil {
				return nil, nil, fmt.Errorf("action types: %w", err)
			}
			if typ.Constants == nil {
				typ.Constants = action.NewConstants(0)
			}
			if tc.Max != nil {
				typ.Constants.SetMax(*tc.Max)
			}
			for name, v := range tc.Constants {
				typ.Constants.Set(name, v)
			}
			if tc.Enabled == nil || *tc.Enabled {
				enabled = append(enabled, typ)
			}
		}
	}

	for _, typ := range catalog {
		if typ.Constants == nil {
			typ.Constants = action.NewConstants(0)
		}
		typ.Constants.SetImmutable()
	}
	return table, action.NewRegistry(enabled, table.Lookup), nil
}
