package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/MikeSquared-Agency/emprende/internal/contextstore"
	"github.com/MikeSquared-Agency/emprende/internal/conversation"
	"github.com/MikeSquared-Agency/emprende/internal/evalcache"
	"github.com/MikeSquared-Agency/emprende/internal/llm"
	"github.com/MikeSquared-Agency/emprende/internal/store"
)

func TestHandle_MissingIdentity(t *testing.T) {
	h := newHarness(t)
	_, err := h.p.Handle(context.Background(), Request{Identity: "  ", Message: "hola"})
	if !errors.Is(err, ErrMissingIdentity) {
		t.Fatalf("expected ErrMissingIdentity, got %v", err)
	}
}

func TestHandle_NameCapture(t *testing.T) {
	h := newHarness(t)
	id := "0912345678"

	resp := h.handle(t, id, "", nil)
	if resp.Reply != msgAskName || resp.Phase != conversation.PhaseNamePending {
		t.Fatalf("unexpected greeting %+v", resp)
	}
	profile, err := h.repo.GetProfile(context.Background(), id)
	if err != nil || profile == nil {
		t.Fatalf("expected profile created on first contact, got %v, %v", profile, err)
	}

	resp = h.handle(t, id, "hola", nil)
	if resp.Reply != msgNameRetry {
		t.Errorf("expected retry prompt, got %q", resp.Reply)
	}

	resp = h.handle(t, id, "me llamo ana gómez", nil)
	if resp.Phase != conversation.PhaseActive || !strings.Contains(resp.Reply, "Ana Gómez") {
		t.Fatalf("unexpected welcome %+v", resp)
	}
	profile, _ = h.repo.GetProfile(context.Background(), id)
	if profile == nil || profile.DisplayName != "Ana Gómez" {
		t.Fatalf("expected stored display name, got %+v", profile)
	}

	resp = h.handle(t, id, "", nil)
	if !strings.Contains(resp.Reply, "Ana Gómez") || resp.Phase != conversation.PhaseActive {
		t.Errorf("expected greeting by name, got %+v", resp)
	}
	if n := h.completer.callCount(); n != 0 {
		t.Errorf("name flow must not call the completion service, got %d calls", n)
	}
}

func TestHandle_UploadRefusedBeforeName(t *testing.T) {
	h := newHarness(t)
	resp := h.handle(t, "u1", "", upload("propuesta.txt", filledForm))
	if resp.Reply != msgNameFirst {
		t.Errorf("expected name request, got %q", resp.Reply)
	}
	if resp.Document == nil || resp.Document.Accepted {
		t.Errorf("expected refused document, got %+v", resp.Document)
	}
	if n := h.completer.callCount(); n != 0 {
		t.Errorf("expected no completion calls, got %d", n)
	}
}

func TestHandle_DocumentEvaluatedOnce(t *testing.T) {
	h := newHarness(t)
	id := "u1"
	h.activate(t, id)

	first := h.handle(t, id, "", upload("propuesta.txt", filledForm))
	if first.Document == nil || !first.Document.Accepted || first.Document.Cached {
		t.Fatalf("expected fresh acceptance, got %+v", first.Document)
	}
	if first.Document.Score != 8 || first.Document.Status != store.StatusApproved {
		t.Errorf("unexpected verdict %+v", first.Document)
	}
	if first.Reply != "Buena propuesta, detalla mejor el mercado." {
		t.Errorf("unexpected reply %q", first.Reply)
	}

	msgs := h.completer.lastCall()
	if len(msgs) == 0 || msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "Ana") {
		t.Fatalf("expected system prompt naming the user first, got %+v", msgs)
	}
	if last := msgs[len(msgs)-1]; last.Role != "user" || last.Content != evaluationInstruction {
		t.Errorf("expected evaluation instruction last, got %+v", last)
	}
	if !containsMessage(msgs, "user", "- Nombre del proyecto: AgroSense") {
		t.Error("expected extracted fields in the document turn")
	}

	second := h.handle(t, id, "", upload("propuesta-copia.txt", filledForm))
	if second.Document == nil || !second.Document.Cached || second.Document.Kind != KindDuplicateEvaluation {
		t.Fatalf("expected cached result, got %+v", second.Document)
	}
	if !strings.Contains(second.Reply, first.Reply) {
		t.Errorf("expected first detail repeated, got %q", second.Reply)
	}
	if n := h.completer.callCount(); n != 1 {
		t.Errorf("expected exactly one completion call, got %d", n)
	}

	rec, err := h.repo.GetEvaluation(context.Background(), id, evalcache.Hash(filledForm))
	if err != nil || rec == nil {
		t.Fatalf("expected stored evaluation, got %v, %v", rec, err)
	}
	if rec.Title != "AgroSense" {
		t.Errorf("expected title AgroSense, got %q", rec.Title)
	}
	fields, err := h.repo.GetDocumentFields(context.Background(), id)
	if err != nil || fields["Problema"] == nil || *fields["Problema"] != "Riego ineficiente en fincas pequeñas" {
		t.Errorf("expected stored document fields, got %v, %v", fields, err)
	}

	if got := testutil.ToFloat64(h.metrics.EvaluationCache.WithLabelValues("hit")); got != 1 {
		t.Errorf("expected one cache hit, got %v", got)
	}

	h.p.Wait()
	h.reviewer.mu.Lock()
	defer h.reviewer.mu.Unlock()
	if len(h.reviewer.reviews) != 1 || h.reviewer.reviews[0].Title != "AgroSense" {
		t.Errorf("expected one staff review, got %+v", h.reviewer.reviews)
	}
}

func TestHandle_DocumentRejections(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		kind    Kind
		reply   string
	}{
		{"unreadable container", "propuesta.docx", filledForm, KindDocumentUnreadable, msgUnreadable},
		{"blank template", "propuesta.txt", templateText, KindAuthenticityRejected, msgNotAuthentic},
		{"unrelated file", "propuesta.txt", "lorem ipsum dolor sit amet consectetur", KindAuthenticityRejected, msgNotAuthentic},
		{
			"no identity fields", "propuesta.txt",
			strings.Replace(strings.Replace(filledForm, "Nombres: Ana María\n", "", 1), "Apellidos: Gómez\n", "", 1),
			KindExtractionIncomplete, msgIdentityMissing,
		},
		{
			"denylisted title", "propuesta.txt",
			strings.Replace(filledForm, "AgroSense", "Casino universitario", 1),
			KindAuthenticityRejected, "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.activate(t, "u1")

			resp := h.handle(t, "u1", "", upload(tt.file, tt.content))
			if resp.Document == nil || resp.Document.Accepted || resp.Document.Kind != tt.kind {
				t.Fatalf("expected rejection %s, got %+v", tt.kind, resp.Document)
			}
			if tt.reply != "" && resp.Reply != tt.reply {
				t.Errorf("unexpected reply %q", resp.Reply)
			}
			if n := h.completer.callCount(); n != 0 {
				t.Errorf("rejected documents must not reach the completion service, got %d calls", n)
			}
			turns := h.turns(t, "u1")
			if last := turns[len(turns)-1]; last.Role != conversation.RoleAssistant || last.Content != resp.Reply {
				t.Errorf("expected rejection reply persisted, got %+v", last)
			}
		})
	}
}

func TestHandle_DenylistReplyNamesTerm(t *testing.T) {
	h := newHarness(t)
	h.activate(t, "u1")
	resp := h.handle(t, "u1", "", upload("p.txt", strings.Replace(filledForm, "AgroSense", "Casino universitario", 1)))
	if !strings.Contains(resp.Reply, "casino") {
		t.Errorf("expected the denylisted term in the reply, got %q", resp.Reply)
	}
}

func TestHandle_IdentityRejectionIsNotCached(t *testing.T) {
	h := newHarness(t)
	h.activate(t, "u1")
	doc := strings.Replace(strings.Replace(filledForm, "Nombres: Ana María\n", "", 1), "Apellidos: Gómez\n", "", 1)

	for i := 0; i < 2; i++ {
		resp := h.handle(t, "u1", "", upload("p.txt", doc))
		if resp.Document.Kind != KindExtractionIncomplete {
			t.Fatalf("attempt %d: expected extraction rejection, got %+v", i, resp.Document)
		}
	}
	rec, err := h.repo.GetEvaluation(context.Background(), "u1", evalcache.Hash(doc))
	if err != nil || rec != nil {
		t.Errorf("rejections must not be stored, got %+v, %v", rec, err)
	}
}

func TestHandle_UpstreamFailures(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		reply string
		label string
	}{
		{"rate limited", &llm.HTTPError{StatusCode: 429, Message: "slow down"}, msgRateLimited, "rate_limited"},
		{"generic", errors.New("connection reset"), msgUpstreamFailed, "failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.activate(t, "u1")
			h.completer.set("", tt.err)

			resp := h.handle(t, "u1", "", upload("p.txt", filledForm))
			if resp.Reply != tt.reply {
				t.Errorf("expected %q, got %q", tt.reply, resp.Reply)
			}
			if resp.Document == nil || resp.Document.Kind != KindUpstreamCompletionFailure {
				t.Errorf("unexpected outcome %+v", resp.Document)
			}
			if got := testutil.ToFloat64(h.metrics.CompletionErrors.WithLabelValues(tt.label)); got != 1 {
				t.Errorf("expected completion error counted as %s, got %v", tt.label, got)
			}
			turns := h.turns(t, "u1")
			if last := turns[len(turns)-1]; last.Role != conversation.RoleAssistant || last.Content != tt.reply {
				t.Errorf("expected apologetic turn persisted, got %+v", last)
			}

			// Failures are not cached: a retry reaches the service again.
			h.completer.set(verdictJSON, nil)
			resp = h.handle(t, "u1", "", upload("p.txt", filledForm))
			if resp.Document == nil || !resp.Document.Accepted || resp.Document.Cached {
				t.Errorf("expected fresh evaluation on retry, got %+v", resp.Document)
			}
			if n := h.completer.callCount(); n != 2 {
				t.Errorf("expected 2 completion calls, got %d", n)
			}
		})
	}
}

func TestHandle_UnstructuredVerdict(t *testing.T) {
	h := newHarness(t)
	h.activate(t, "u1")
	h.completer.set("Me parece una idea interesante.", nil)

	resp := h.handle(t, "u1", "", upload("p.txt", filledForm))
	if resp.Document == nil || !resp.Document.Accepted {
		t.Fatalf("expected acceptance, got %+v", resp.Document)
	}
	if resp.Document.Status != store.StatusPending || resp.Document.Score != 0 {
		t.Errorf("expected pending fallback, got %+v", resp.Document)
	}
	if resp.Reply != "Me parece una idea interesante." {
		t.Errorf("expected raw text as detail, got %q", resp.Reply)
	}
}

func TestHandle_HistoryLoadFailureCounted(t *testing.T) {
	h := newHarnessWithTurns(t, func(r *store.SQLiteStore) contextstore.TurnRepository {
		return unreadableTurns{r}
	})
	h.activate(t, "u1")
	before := testutil.ToFloat64(h.metrics.PersistenceFailures)

	h.completer.set("Claro, te ayudo.", nil)
	resp := h.handle(t, "u1", "tengo una pregunta", nil)
	if resp.Reply != "Claro, te ayudo." {
		t.Errorf("expected reply despite history failure, got %q", resp.Reply)
	}
	if got := testutil.ToFloat64(h.metrics.PersistenceFailures); got <= before {
		t.Errorf("expected persistence failure counted, before %v after %v", before, got)
	}
}

func TestHandle_Chat(t *testing.T) {
	h := newHarness(t)
	h.activate(t, "u1")
	h.completer.set("Un MVP es un producto mínimo viable.", nil)

	resp := h.handle(t, "u1", "¿Qué es un MVP?", nil)
	if resp.Reply != "Un MVP es un producto mínimo viable." {
		t.Fatalf("unexpected reply %q", resp.Reply)
	}

	msgs := h.completer.lastCall()
	if msgs[0].Role != "system" {
		t.Errorf("expected system turn first, got %+v", msgs[0])
	}
	systems := 0
	for _, m := range msgs {
		if m.Role == "system" {
			systems++
		}
	}
	if systems != 1 {
		t.Errorf("expected exactly one system turn, got %d", systems)
	}
	if last := msgs[len(msgs)-1]; last.Content != "¿Qué es un MVP?" {
		t.Errorf("expected user question last, got %+v", last)
	}

	turns := h.turns(t, "u1")
	n := len(turns)
	if n < 2 || turns[n-2].Content != "¿Qué es un MVP?" || turns[n-1].Content != resp.Reply {
		t.Errorf("expected question and answer persisted in order, got %+v", turns)
	}
	for _, turn := range turns {
		if turn.Role == conversation.RoleSystem {
			t.Error("system prompt must not be persisted")
		}
	}
}

func TestHandle_CanceledCompletionWritesNoReply(t *testing.T) {
	h := newHarness(t)
	h.activate(t, "u1")
	h.completer.started = make(chan struct{}, 1)
	h.completer.block = make(chan struct{})
	defer close(h.completer.block)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan *Response, 1)
	go func() {
		resp, _ := h.p.Handle(ctx, Request{Identity: "u1", Message: "¿Sigues ahí?"})
		done <- resp
	}()

	select {
	case <-h.completer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("completion was never called")
	}
	cancel()

	select {
	case resp := <-done:
		if resp.Reply != msgUpstreamFailed {
			t.Errorf("unexpected reply %q", resp.Reply)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Handle did not return after cancel")
	}

	turns := h.turns(t, "u1")
	if last := turns[len(turns)-1]; last.Role != conversation.RoleUser || last.Content != "¿Sigues ahí?" {
		t.Errorf("expected no reply turn after cancel, got %+v", last)
	}
}

func TestHandle_OtherIdentityNotBlockedDuringCompletion(t *testing.T) {
	h := newHarness(t)
	h.activate(t, "u1")
	h.activate(t, "u2")
	h.completer.started = make(chan struct{}, 1)
	h.completer.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.p.Handle(context.Background(), Request{Identity: "u1", Message: "pregunta larga"})
	}()
	<-h.completer.started

	// u1 holds no lock while its completion is in flight.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := h.p.contexts.Load(ctx, "u1"); err != nil {
		t.Errorf("u1 context should be loadable during completion: %v", err)
	}
	if _, err := h.p.contexts.Load(ctx, "u2"); err != nil {
		t.Errorf("u2 context should be loadable: %v", err)
	}
	close(h.completer.block)
	<-done
}

func TestHandle_Reanalyze(t *testing.T) {
	h := newHarness(t)
	h.activate(t, "u1")

	resp := h.handle(t, "u1", "Analiza mi propuesta", nil)
	if resp.Reply != msgNoUpload {
		t.Errorf("expected no-upload reply, got %q", resp.Reply)
	}

	h.handle(t, "u1", "", upload("propuesta.txt", filledForm))
	resp = h.handle(t, "u1", "por favor, analiza mi propuesta", nil)
	if resp.Document == nil || !resp.Document.Cached {
		t.Fatalf("expected cached re-evaluation of the latest upload, got %+v", resp.Document)
	}
	if n := h.completer.callCount(); n != 1 {
		t.Errorf("expected one completion call, got %d", n)
	}
}

func TestHandle_PriorSummaryOnNewProposal(t *testing.T) {
	h := newHarness(t)
	h.activate(t, "u1")
	h.handle(t, "u1", "", upload("v1.txt", filledForm))

	second := strings.Replace(filledForm, "AgroSense", "EcoBus", 1)
	second = strings.Replace(second, "Riego ineficiente en fincas pequeñas", "Transporte escaso en zonas rurales", 1)
	resp := h.handle(t, "u1", "", upload("v2.txt", second))
	if resp.Document == nil || resp.Document.Cached {
		t.Fatalf("expected a fresh evaluation, got %+v", resp.Document)
	}

	msgs := h.completer.lastCall()
	if !containsMessage(msgs, "assistant", `Resumen de tu propuesta anterior ("AgroSense")`) {
		t.Error("expected prior evaluation summary in the completion input")
	}
}

func TestHandle_DocumentExcerptBounded(t *testing.T) {
	h := newHarness(t)
	h.activate(t, "u1")
	long := filledForm + "Equipo: " + strings.Repeat("integrante ", 250) + "\n"
	h.handle(t, "u1", "", upload("largo.txt", long))

	for _, m := range h.completer.lastCall() {
		if strings.HasPrefix(m.Content, "Adjunto mi propuesta") {
			_, body, _ := strings.Cut(m.Content, "\nContenido:\n")
			if n := len([]rune(body)); n > ExcerptLimit {
				t.Errorf("excerpt has %d runes, limit %d", n, ExcerptLimit)
			}
			return
		}
	}
	t.Error("document turn not found")
}
