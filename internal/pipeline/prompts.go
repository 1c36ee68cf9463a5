package pipeline

import (
	"fmt"
	"strings"

	"github.com/MikeSquared-Agency/emprende/internal/conversation"
	"github.com/MikeSquared-Agency/emprende/internal/extractor"
	"github.com/MikeSquared-Agency/emprende/internal/store"
)

// ExcerptLimit bounds the document text carried in a conversation turn.
const ExcerptLimit = 2000

const namePendingPrompt = `Todavía no conoces el nombre del estudiante. Antes de cualquier otra cosa,
pídele amablemente que te diga su nombre. No evalúes documentos hasta tenerlo.`

const activePrompt = `El estudiante se llama %s. Dirígete a él o ella por su nombre.`

const evaluationInstruction = `Evalúa la propuesta del documento anterior siguiendo las reglas del programa.
Responde únicamente con un objeto JSON, sin texto adicional, con esta forma:
{"score": <entero de 0 a 10>, "status": "approved" | "pending" | "rejected", "detail": "<retroalimentación para el estudiante en español>"}`

// User-visible replies. Internal error text never reaches the user.
const (
	msgAskName         = "¡Hola! Soy el asistente del programa de emprendimiento. Para comenzar, ¿me indicas tu nombre?"
	msgNameRetry       = "No logré identificar tu nombre. Escríbelo, por ejemplo: \"Me llamo Ana Gómez\"."
	msgNameFirst       = "Antes de recibir tu propuesta necesito tu nombre. ¿Cómo te llamas?"
	msgWelcomeFormat   = "¡Mucho gusto, %s! Ya puedes subir tu propuesta en PDF, CSV o XLSX usando el formulario oficial, o hacerme cualquier pregunta sobre el programa."
	msgGreetingFormat  = "¡Hola de nuevo, %s! Puedes subir tu propuesta o escribirme tus dudas."
	msgUnreadable      = "No pude leer tu archivo. Verifica que sea un PDF, CSV o XLSX válido e inténtalo de nuevo."
	msgNotAuthentic    = "El documento no corresponde al formulario oficial o no fue completado. Descarga la plantilla, llénala con tu propuesta y vuelve a subirla."
	msgIdentityMissing = "No encontré tus nombres ni apellidos en el formulario. Complétalos y vuelve a subir el documento."
	msgDenylistFormat  = "El nombre del proyecto contiene un término no permitido por las bases del programa (%s). Revisa tu propuesta y vuelve a subirla."
	msgNoUpload        = "No encuentro ninguna propuesta tuya. Sube tu archivo primero."
	msgDuplicatePrefix = "Ya había evaluado este mismo documento. Esta fue mi evaluación:\n\n"
	msgRateLimited     = "El servicio de IA está recibiendo demasiadas solicitudes. Intenta de nuevo en unos minutos."
	msgUpstreamFailed  = "Hubo un error al consultar la IA."
)

// reanalyzeCommand asks for a fresh look at the latest upload.
const reanalyzeCommand = "analiza mi propuesta"

func (p *Pipeline) systemPrompt(phase conversation.Phase, name string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(p.ref.Rules))
	sb.WriteString("\n\n")
	if phase == conversation.PhaseActive {
		fmt.Fprintf(&sb, activePrompt, name)
	} else {
		sb.WriteString(namePendingPrompt)
	}
	return sb.String()
}

// documentTurn carries the extracted fields and a bounded excerpt.
func documentTurn(fileName, text string, catalog extractor.Catalog, fields extractor.FieldSet) conversation.Turn {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Adjunto mi propuesta (%s).\n\nCampos del formulario:\n", fileName)
	for _, name := range catalog.Names() {
		v, ok := fields.Value(name)
		if !ok {
			v = "(vacío)"
		}
		fmt.Fprintf(&sb, "- %s: %s\n", name, v)
	}
	sb.WriteString("\nContenido:\n")
	sb.WriteString(excerpt(text, ExcerptLimit))
	return conversation.NewTurn(conversation.RoleUser, sb.String())
}

// noticeTurn records an upload that never reached evaluation.
func noticeTurn(fileName string) conversation.Turn {
	return conversation.NewTurn(conversation.RoleUser, fmt.Sprintf("Adjunto mi propuesta (%s).", fileName))
}

func priorSummaryTurn(rec *store.EvaluationRecord) conversation.Turn {
	title := rec.Title
	if title == "" {
		title = "sin título"
	}
	content := fmt.Sprintf("Resumen de tu propuesta anterior (%q): puntaje %d/10, estado %s.\n%s",
		title, rec.Score, rec.Status, excerpt(rec.Detail, 500))
	return conversation.NewTurn(conversation.RoleAssistant, content)
}

func excerpt(s string, limit int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
