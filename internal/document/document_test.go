package document

import (
	"errors"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func TestRead_CSV(t *testing.T) {
	data := []byte("Nombres,Apellidos,Facultad\nAna,Gomez,Ciencias\n")
	doc, err := Read("propuesta.csv", data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Kind != KindCSV || !doc.Tabular() {
		t.Errorf("expected csv tabular document, got %q", doc.Kind)
	}
	if len(doc.Columns) != 3 || doc.Columns[2] != "Facultad" {
		t.Errorf("unexpected columns: %v", doc.Columns)
	}
	if len(doc.Rows) != 1 || doc.Rows[0][0] != "Ana" {
		t.Errorf("unexpected rows: %v", doc.Rows)
	}
	if !strings.Contains(doc.Text, "Apellidos: Gomez") {
		t.Errorf("expected rendered text to contain field line, got %q", doc.Text)
	}
}

func TestRead_CSVSemicolonAndShortRows(t *testing.T) {
	data := []byte("Nombres;Apellidos;Facultad\nAna;Gomez\n")
	doc, err := Read("p.CSV", data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(doc.Columns) != 3 {
		t.Fatalf("expected 3 columns, got %v", doc.Columns)
	}
	if len(doc.Rows[0]) != 3 || doc.Rows[0][2] != "" {
		t.Errorf("expected short row padded with empty cell, got %v", doc.Rows[0])
	}
}

func TestRead_XLSX(t *testing.T) {
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	_ = f.SetSheetRow(sheet, "A1", &[]any{"Nombres", "Apellidos"})
	_ = f.SetSheetRow(sheet, "A2", &[]any{"Luis", "Mora"})
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("build workbook: %v", err)
	}

	doc, err := Read("plantilla.xlsx", buf.Bytes())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Kind != KindXLSX {
		t.Errorf("expected xlsx, got %q", doc.Kind)
	}
	if len(doc.Columns) != 2 || doc.Columns[1] != "Apellidos" {
		t.Errorf("unexpected columns: %v", doc.Columns)
	}
	if len(doc.Rows) != 1 || doc.Rows[0][1] != "Mora" {
		t.Errorf("unexpected rows: %v", doc.Rows)
	}
}

func TestRead_Text(t *testing.T) {
	doc, err := Read("notes.txt", []byte("Nombres: Ana"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Text != "Nombres: Ana" {
		t.Errorf("unexpected text %q", doc.Text)
	}
}

func TestRead_Unreadable(t *testing.T) {
	tests := []struct {
		name string
		file string
		data []byte
	}{
		{"unsupported extension", "photo.png", []byte{0x89, 0x50}},
		{"empty file", "a.pdf", nil},
		{"garbage pdf", "a.pdf", []byte("this is not a pdf at all")},
		{"garbage xlsx", "a.xlsx", []byte("not a zip archive")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(tt.file, tt.data)
			if !errors.Is(err, ErrUnreadable) {
				t.Errorf("expected ErrUnreadable, got %v", err)
			}
		})
	}
}

func TestKindFromName(t *testing.T) {
	if k, ok := KindFromName("Plan.PDF"); !ok || k != KindPDF {
		t.Errorf("expected pdf, got %q %v", k, ok)
	}
	if _, ok := KindFromName("plan.docx"); ok {
		t.Error("docx should not be supported")
	}
}
