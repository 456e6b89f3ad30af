package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Persona is a named system prompt with optional model defaults.
type Persona struct {
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"systemPrompt"`
	Model        string `yaml:"model,omitempty"`
	Provider     string `yaml:"provider,omitempty"`
}

// PersonaCatalog holds the persona definitions loaded at startup.
type PersonaCatalog struct {
	personas map[string]Persona
}

type personaFile struct {
	Personas []Persona `yaml:"personas"`
}

// LoadPersonas reads the persona catalog from a YAML file. An empty path
// yields an empty catalog.
func LoadPersonas(path string) (*PersonaCatalog, error) {
	catalog := &PersonaCatalog{personas: make(map[string]Persona)}
	if path == "" {
		return catalog, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read persona file: %w", err)
	}

	var parsed personaFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse persona file: %w", err)
	}

	for _, p := range parsed.Personas {
		if p.Name == "" {
			return nil, fmt.Errorf("persona file %s: persona with empty name", path)
		}
		catalog.personas[p.Name] = p
	}
	return catalog, nil
}

// Get returns the named persona.
func (c *PersonaCatalog) Get(name string) (Persona, bool) {
	p, ok := c.personas[name]
	return p, ok
}

// Len returns the number of loaded personas.
func (c *PersonaCatalog) Len() int {
	return len(c.personas)
}
