package pipeline

import (
	"strings"
	"unicode"

	"github.com/MikeSquared-Agency/emprende/internal/normalize"
)

var namePrefixes = []string{"mi nombre es", "me llamo", "soy"}

// Words that show up in greetings, questions and requests but never in a
// name. Keys are normalized.
var notNames = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`
		hola buenas buenos dias tardes noches saludos hello hi hey chao adios
		gracias si no ok vale listo claro perfecto bien mal
		ayuda ayudame quiero quisiera necesito tengo puedo puede podria deseo
		busco envio mando adjunto analiza revisa evalua subir enviar
		es son esta estoy estan hay fue tiene
		como que cual cuales quien quienes donde cuando cuanto cuantos por para porque
		un una unos unas el los las lo mi mis tu tus su sus me te se le
		con sin sobre mas muy otra otro
		duda dudas pregunta preguntas consulta problema informacion info
		proyecto propuesta emprendimiento formulario documento archivo pdf
		test prueba nada algo todo
	`) {
		notNames[w] = true
	}
}

// ParseDisplayName accepts one to four alphabetic words, optionally after
// "me llamo", "soy" or "mi nombre es", and returns them title-cased.
func ParseDisplayName(msg string) (string, bool) {
	s := strings.TrimSpace(msg)
	s = strings.TrimRight(s, ".!¡ ")
	lower := strings.ToLower(s)
	for _, p := range namePrefixes {
		if strings.HasPrefix(lower, p+" ") {
			s = strings.TrimSpace(s[len(p):])
			break
		}
	}

	words := strings.Fields(s)
	if len(words) == 0 || len(words) > 4 {
		return "", false
	}
	for i, w := range words {
		if !isNameWord(w) || notNames[normalize.Text(w)] {
			return "", false
		}
		words[i] = titleCase(w)
	}
	return strings.Join(words, " "), true
}

func isNameWord(w string) bool {
	letters := 0
	for _, r := range w {
		switch {
		case unicode.IsLetter(r):
			letters++
		case r == '\'' || r == '-':
		default:
			return false
		}
	}
	return letters > 0
}

func titleCase(w string) string {
	runes := []rune(strings.ToLower(w))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
