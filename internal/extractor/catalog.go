package extractor

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

// DefaultCatalog returns the built-in anchor table for the entrepreneurship
// proposal template.
func DefaultCatalog() Catalog {
	c, err := ParseCatalog(defaultCatalog)
	if err != nil {
		panic(fmt.Sprintf("extractor: embedded catalog: %v", err))
	}
	return c
}

// LoadCatalog reads a YAML anchor table from disk.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML anchor table.
func ParseCatalog(data []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Fields) == 0 {
		return Catalog{}, fmt.Errorf("parse catalog: no fields")
	}
	seen := make(map[string]bool, len(c.Fields))
	for i, f := range c.Fields {
		if f.Name == "" {
			return Catalog{}, fmt.Errorf("parse catalog: field %d has no name", i)
		}
		if seen[f.Name] {
			return Catalog{}, fmt.Errorf("parse catalog: duplicate field %q", f.Name)
		}
		seen[f.Name] = true
	}
	return c, nil
}
