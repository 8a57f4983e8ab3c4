package market

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Universe is a named set of symbols a screening run scans.
type Universe struct {
	Name    string   `yaml:"name"`
	Symbols []string `yaml:"symbols"`
}

type universeFile struct {
	Universes []Universe `yaml:"universes"`
}

// LoadUniverses reads screener universes from a YAML file, keyed by name.
func LoadUniverses(path string) (map[string]Universe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read universe file: %w", err)
	}
	return ParseUniverses(data)
}

// ParseUniverses parses universe definitions from YAML bytes.
func ParseUniverses(data []byte) (map[string]Universe, error) {
	var f universeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse universe file: %w", err)
	}

	universes := make(map[string]Universe, len(f.Universes))
	for _, u := range f.Universes {
		if u.Name == "" {
			return nil, fmt.Errorf("universe without a name")
		}
		if len(u.Symbols) == 0 {
			return nil, fmt.Errorf("universe %q has no symbols", u.Name)
		}
		if _, dup := universes[u.Name]; dup {
			return nil, fmt.Errorf("duplicate universe %q", u.Name)
		}
		universes[u.Name] = u
	}
	return universes, nil
}
