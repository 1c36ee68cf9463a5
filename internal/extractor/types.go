package extractor

// Field is one anchor in the catalog. Name is both the canonical label and
// the key in the resulting FieldSet.
type Field struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases,omitempty"`

	// HighValue fields get a keyword-based recovery pass when anchor capture
	// leaves them empty.
	HighValue bool     `yaml:"high_value,omitempty"`
	Keywords  []string `yaml:"keywords,omitempty"`

	// Identity marks fields that identify the proposal holder; a document
	// missing all of them is rejected.
	Identity bool `yaml:"identity,omitempty"`

	// Title marks the project-title field checked against the denylist.
	Title bool `yaml:"title,omitempty"`
}

// Labels returns the canonical name followed by its aliases.
func (f Field) Labels() []string {
	return append([]string{f.Name}, f.Aliases...)
}

// Catalog is the ordered anchor table. Order matters: each field's value is
// bounded by the next anchor found after it.
type Catalog struct {
	Fields []Field `yaml:"fields"`

	// StopWords bound the fallback recovery of high-value fields.
	StopWords []string `yaml:"stop_words,omitempty"`
}

// FromLabels builds a catalog of plain anchors with no fallback rules.
func FromLabels(labels ...string) Catalog {
	c := Catalog{Fields: make([]Field, len(labels))}
	for i, l := range labels {
		c.Fields[i] = Field{Name: l}
	}
	return c
}

// Names returns field names in catalog order.
func (c Catalog) Names() []string {
	names := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		names[i] = f.Name
	}
	return names
}

// TitleField returns the name of the field flagged as the project title.
func (c Catalog) TitleField() (string, bool) {
	for _, f := range c.Fields {
		if f.Title {
			return f.Name, true
		}
	}
	return "", false
}

// FieldSet maps every catalog field name to its value. Absent values are
// stored as nil, never omitted.
type FieldSet map[string]*string

// Value returns the field's value and whether it was resolved.
func (fs FieldSet) Value(name string) (string, bool) {
	v, ok := fs[name]
	if !ok || v == nil {
		return "", false
	}
	return *v, true
}

// Missing lists names from the given order whose value is absent.
func (fs FieldSet) Missing(order []string) []string {
	var out []string
	for _, name := range order {
		if _, ok := fs.Value(name); !ok {
			out = append(out, name)
		}
	}
	return out
}

// Result is the outcome of one extraction.
type Result struct {
	Fields FieldSet

	// Incomplete lists high-value fields that stayed empty.
	Incomplete []string

	// IdentityMissing is true when the catalog has identity fields and none
	// resolved.
	IdentityMissing bool

	// Recovered lists high-value fields filled by the keyword fallback.
	Recovered []string
}
