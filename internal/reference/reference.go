// Package reference loads the immutable reference materials once at
// startup: template text, spreadsheet schema, rules prompt, title denylist
// and the extractor's anchor catalog.
package reference

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MikeSquared-Agency/emprende/internal/authenticity"
	"github.com/MikeSquared-Agency/emprende/internal/document"
	"github.com/MikeSquared-Agency/emprende/internal/extractor"
)

const ManifestFile = "manifest.yaml"

// Manifest names the reference files, relative to the manifest's directory.
type Manifest struct {
	Template   string   `yaml:"template"`
	Schema     []string `yaml:"schema,omitempty"`
	SchemaFile string   `yaml:"schema_file,omitempty"`
	Rules      string   `yaml:"rules"`
	Denylist   string   `yaml:"denylist,omitempty"`
	Catalog    string   `yaml:"catalog,omitempty"`
}

// Materials is the loaded, read-only reference set.
type Materials struct {
	TemplateText string
	Schema       []string
	Rules        string
	Denylist     *authenticity.Denylist
	Catalog      extractor.Catalog
}

// Load reads dir/manifest.yaml and everything it names.
func Load(dir string) (*Materials, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Template == "" {
		return nil, fmt.Errorf("manifest: template is required")
	}
	if m.Rules == "" {
		return nil, fmt.Errorf("manifest: rules is required")
	}

	mat := &Materials{Schema: m.Schema}

	tmpl, err := readDocument(dir, m.Template)
	if err != nil {
		return nil, fmt.Errorf("load template: %w", err)
	}
	mat.TemplateText = tmpl.Text

	if len(mat.Schema) == 0 && m.SchemaFile != "" {
		sheet, err := readDocument(dir, m.SchemaFile)
		if err != nil {
			return nil, fmt.Errorf("load schema: %w", err)
		}
		if !sheet.Tabular() {
			return nil, fmt.Errorf("load schema: %s is not a spreadsheet", m.SchemaFile)
		}
		mat.Schema = sheet.Columns
	}

	rules, err := os.ReadFile(filepath.Join(dir, m.Rules))
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	mat.Rules = strings.TrimSpace(string(rules))

	var terms []string
	if m.Denylist != "" {
		raw, err := os.ReadFile(filepath.Join(dir, m.Denylist))
		if err != nil {
			return nil, fmt.Errorf("load denylist: %w", err)
		}
		terms = parseList(raw)
	}
	mat.Denylist = authenticity.NewDenylist(terms)

	if m.Catalog != "" {
		mat.Catalog, err = extractor.LoadCatalog(filepath.Join(dir, m.Catalog))
		if err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
	} else {
		mat.Catalog = extractor.DefaultCatalog()
	}

	return mat, nil
}

func readDocument(dir, name string) (*document.Document, error) {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}
	return document.Read(name, data)
}

// parseList returns non-blank lines, skipping # comments.
func parseList(raw []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(raw))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}
