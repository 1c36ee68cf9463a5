package authenticity

import (
	"fmt"
	"strings"
	"testing"

	"github.com/MikeSquared-Agency/emprende/internal/document"
)

func referenceText() string {
	var sb strings.Builder
	for i := 0; i < 10; i++ {
		fmt.Fprintf(&sb, "Seccion %d de la plantilla oficial describe el requisito numero %d del emprendimiento. ", i, i)
	}
	return sb.String()
}

// partialCandidate keeps the first half of the reference sentences and
// replaces the rest with filler that shares no words with the reference.
func partialCandidate() string {
	var sb strings.Builder
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&sb, "Seccion %d de la plantilla oficial describe el requisito numero %d del emprendimiento. ", i, i)
	}
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&sb, "Nuestro equipo vende cafe organico cultivado por familias campesinas locales xq%d zr%d. ", i, i)
	}
	return sb.String()
}

func TestSimilarity_Bounds(t *testing.T) {
	ref := referenceText()
	if s := Similarity(ref, ref); s != 100 {
		t.Errorf("identical texts should score 100, got %f", s)
	}
	if s := Similarity(ref, ""); s != 0 {
		t.Errorf("empty candidate should score 0, got %f", s)
	}
	if s := Similarity(ref, strings.ToUpper(ref)+"!!!"); s != 100 {
		t.Errorf("case and punctuation should not affect similarity, got %f", s)
	}
}

func TestIsAuthentic(t *testing.T) {
	ref := referenceText()

	if IsAuthentic(ref, "") {
		t.Error("empty candidate must be rejected")
	}
	if IsAuthentic(ref, ref) {
		t.Error("candidate identical to the reference must be rejected")
	}
	if IsAuthentic(ref, "informe trimestral de ventas xq zr") {
		t.Error("unrelated candidate must be rejected")
	}

	cand := partialCandidate()
	s := Similarity(ref, cand)
	if s < 40 || s > 60 {
		t.Fatalf("expected synthetic candidate in the 40-60%% band, got %f", s)
	}
	if !IsAuthentic(ref, cand) {
		t.Errorf("partially overlapping candidate should be accepted (similarity %f)", s)
	}
}

func TestValidator_CustomBand(t *testing.T) {
	ref := referenceText()
	cand := partialCandidate()

	strict := New(70, 95)
	if strict.IsAuthentic(ref, cand) {
		t.Error("candidate should fall below a 70% lower bound")
	}

	fallback := New(50, 10)
	if fallback.Min != DefaultMinSimilarity || fallback.Max != DefaultMaxSimilarity {
		t.Errorf("inverted band should fall back to defaults, got %v-%v", fallback.Min, fallback.Max)
	}
}

func TestSchemaMatches(t *testing.T) {
	ref := []string{"Nombres", "Apellidos", "Facultad"}

	tests := []struct {
		name string
		doc  *document.Document
		want bool
	}{
		{
			name: "exact columns with data",
			doc:  &document.Document{Kind: document.KindCSV, Columns: []string{"Nombres", "Apellidos", "Facultad"}, Rows: [][]string{{"Ana", "Gomez", "Ciencias"}}},
			want: true,
		},
		{
			name: "unnamed index column dropped",
			doc:  &document.Document{Kind: document.KindXLSX, Columns: []string{"Unnamed: 0", "Nombres", "Apellidos", "Facultad"}, Rows: [][]string{{"0", "Ana", "Gomez", "Ciencias"}}},
			want: true,
		},
		{
			name: "fully null leading column dropped",
			doc:  &document.Document{Kind: document.KindXLSX, Columns: []string{"Notas", "Nombres", "Apellidos", "Facultad"}, Rows: [][]string{{"", "Ana", "Gomez", ""}}},
			want: true,
		},
		{
			name: "no data rows",
			doc:  &document.Document{Kind: document.KindCSV, Columns: []string{"Nombres", "Apellidos", "Facultad"}},
			want: false,
		},
		{
			name: "only empty rows",
			doc:  &document.Document{Kind: document.KindCSV, Columns: []string{"Nombres", "Apellidos", "Facultad"}, Rows: [][]string{{"", " ", ""}}},
			want: false,
		},
		{
			name: "reordered columns",
			doc:  &document.Document{Kind: document.KindCSV, Columns: []string{"Apellidos", "Nombres", "Facultad"}, Rows: [][]string{{"Gomez", "Ana", "Ciencias"}}},
			want: false,
		},
		{
			name: "not tabular",
			doc:  &document.Document{Kind: document.KindPDF, Text: "Nombres Apellidos Facultad"},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SchemaMatches(ref, tt.doc); got != tt.want {
				t.Errorf("SchemaMatches = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDenylist_Match(t *testing.T) {
	d := NewDenylist([]string{"Casino", "venta de armas", "  "})
	if d.Len() != 2 {
		t.Fatalf("expected 2 usable terms, got %d", d.Len())
	}

	if term, ok := d.Match("Plataforma de CASINÓ en línea"); !ok || term != "Casino" {
		t.Errorf("expected casino match, got %q %v", term, ok)
	}
	if _, ok := d.Match("Casinos comunitarios"); ok {
		t.Error("partial word must not match")
	}
	if _, ok := d.Match("Red de venta de armas"); !ok {
		t.Error("expected phrase match")
	}
	if _, ok := d.Match("Huerto urbano"); ok {
		t.Error("unexpected match")
	}

	var nilList *Denylist
	if _, ok := nilList.Match("Casino"); ok {
		t.Error("nil denylist must never match")
	}
}
