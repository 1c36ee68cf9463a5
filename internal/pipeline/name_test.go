package pipeline

import "testing"

func TestParseDisplayName(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"Ana", "Ana", true},
		{"me llamo ana gómez", "Ana Gómez", true},
		{"Mi nombre es JOSÉ LUIS", "José Luis", true},
		{"Soy María.", "María", true},
		{"  luis  ", "Luis", true},
		{"Ana María Pérez O'Neil", "Ana María Pérez O'neil", true},
		{"", "", false},
		{"hola", "", false},
		{"Buenos días", "", false},
		{"Ana 2", "", false},
		{"uno dos tres cuatro cinco", "", false},
		{"¿qué es un MVP?", "", false},
		{"Tengo una duda", "", false},
		{"necesito ayuda", "", false},
		{"Cuál es el plazo", "", false},
		{"envío mi propuesta", "", false},
		{"María de la Cruz", "María De La Cruz", true},
	}
	for _, tt := range tests {
		got, ok := ParseDisplayName(tt.input)
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseDisplayName(%q) = %q, %v; want %q, %v", tt.input, got, ok, tt.want, tt.ok)
		}
	}
}
