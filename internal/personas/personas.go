// Package personas loads the seed critic personas.
package personas

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"claporcrap/api/internal/critique"
)

//go:embed personas.yaml
var defaultPersonasYAML []byte

// FallbackCount is how many leading personas form the fallback panel.
const FallbackCount = 5

var validStyles = map[string]bool{
	"Savage":   true,
	"Precise":  true,
	"Witty":    true,
	"Fair":     true,
	"Clinical": true,
	"Balanced": true,
}

// Styles lists the judging styles a critic may carry.
var Styles = []string{"Savage", "Precise", "Witty", "Fair", "Clinical"}

func ValidStyle(style string) bool {
	return validStyles[style]
}

type file struct {
	Personas []critique.Persona `yaml:"personas"`
}

// Default returns the embedded persona set.
func Default() []critique.Persona {
	personas, err := Parse(defaultPersonasYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded personas.yaml is invalid: %v", err))
	}
	return personas
}

// Load reads personas from path, or the embedded set when path is empty.
func Load(path string) ([]critique.Persona, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) ([]critique.Persona, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal personas: %w", err)
	}
	if len(f.Personas) == 0 {
		return nil, fmt.Errorf("personas: no entries")
	}
	for i, p := range f.Personas {
		if p.Name == "" {
			return nil, fmt.Errorf("personas: entry %d has empty name", i)
		}
		if !ValidStyle(p.Style) {
			return nil, fmt.Errorf("personas: %s has unknown style %q", p.Name, p.Style)
		}
	}
	return f.Personas, nil
}

// Fallback returns the first FallbackCount personas of set.
func Fallback(set []critique.Persona) []critique.Persona {
	if len(set) <= FallbackCount {
		return set
	}
	return set[:FallbackCount]
}
