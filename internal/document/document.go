package document

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnreadable marks input that cannot be decoded as its container format.
var ErrUnreadable = errors.New("document unreadable")

// Kind is the container format of an uploaded document.
type Kind string

const (
	KindPDF  Kind = "pdf"
	KindCSV  Kind = "csv"
	KindXLSX Kind = "xlsx"
	KindText Kind = "txt"
)

// Document is the decoded content of one upload.
// Tabular kinds carry Columns and Rows; Text is always populated.
type Document struct {
	Name    string
	Kind    Kind
	Text    string
	Columns []string
	Rows    [][]string
}

// Tabular reports whether the document came from a spreadsheet container.
func (d *Document) Tabular() bool {
	return d.Kind == KindCSV || d.Kind == KindXLSX
}

// KindFromName maps a file name to its container kind by extension.
func KindFromName(name string) (Kind, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return KindPDF, true
	case ".csv":
		return KindCSV, true
	case ".xlsx":
		return KindXLSX, true
	case ".txt":
		return KindText, true
	default:
		return "", false
	}
}

// Read decodes raw upload bytes according to the file name's extension.
// Any decoding failure is reported wrapped in ErrUnreadable.
func Read(name string, data []byte) (*Document, error) {
	kind, ok := KindFromName(name)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported extension %q", ErrUnreadable, filepath.Ext(name))
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", ErrUnreadable)
	}

	doc := &Document{Name: name, Kind: kind}
	var err error
	switch kind {
	case KindPDF:
		doc.Text, err = readPDF(data)
	case KindCSV:
		doc.Columns, doc.Rows, err = readCSV(data)
	case KindXLSX:
		doc.Columns, doc.Rows, err = readXLSX(data)
	case KindText:
		doc.Text = string(data)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, name, err)
	}
	if doc.Tabular() {
		doc.Text = renderRows(doc.Columns, doc.Rows)
	}
	return doc, nil
}

// renderRows flattens tabular content to "Column: value" lines so the
// field extractor can treat spreadsheets and PDFs the same way.
func renderRows(columns []string, rows [][]string) string {
	var sb strings.Builder
	for _, row := range rows {
		for j, col := range columns {
			if j >= len(row) || strings.TrimSpace(col) == "" {
				continue
			}
			val := strings.TrimSpace(row[j])
			if val == "" {
				continue
			}
			fmt.Fprintf(&sb, "%s: %s\n", strings.TrimSpace(col), val)
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
