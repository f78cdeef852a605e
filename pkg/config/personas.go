package config

import (
	"fmt"
	"os"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/mortality-lab/mortality/pkg/agent"
)

// Persona is one roster entry from the personas YAML file. Omitted fields
// fall back to the defaults below, so a roster can override just a display
// name or just the trait list.
type Persona struct {
	DisplayName string   `yaml:"display_name"`
	Archetype   string   `yaml:"archetype"`
	Summary     string   `yaml:"summary"`
	Goals       []string `yaml:"goals"`
	Traits      []string `yaml:"traits"`
}

// personasYAMLConfig represents the complete personas file structure.
type personasYAMLConfig struct {
	Personas []Persona `yaml:"personas"`
}

// defaultPersona carries the council-wide defaults a roster entry is merged
// over. Identity fields stay empty so the generated name scheme fills them.
func defaultPersona() Persona {
	return Persona{
		Summary: "Keeps a diary while making observations of context messages",
		Goals: []string{
			"Coordinate without directives",
			"Quote at least one peer excerpt (via message) to justify an action",
		},
		Traits: []string{"observant", "collaborative"},
	}
}

// LoadPersonas reads a YAML roster and merges each entry over the council
// defaults. Entries are applied to agents by council index.
func LoadPersonas(path string) ([]agent.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, ErrPersonasNotFound)
		}
		return nil, NewLoadError(path, err)
	}

	var parsed personasYAMLConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	profiles := make([]agent.Profile, 0, len(parsed.Personas))
	for idx, entry := range parsed.Personas {
		merged := defaultPersona()
		if err := mergo.Merge(&merged, entry, mergo.WithOverride); err != nil {
			return nil, NewValidationError("personas", path, fmt.Sprintf("personas[%d]", idx), err)
		}
		profiles = append(profiles, agent.Profile{
			DisplayName: merged.DisplayName,
			Archetype:   merged.Archetype,
			Summary:     merged.Summary,
			Goals:       merged.Goals,
			Traits:      merged.Traits,
		})
	}
	return profiles, nil
}
