package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/emprende/internal/authenticity"
	"github.com/MikeSquared-Agency/emprende/internal/contextstore"
	"github.com/MikeSquared-Agency/emprende/internal/conversation"
	"github.com/MikeSquared-Agency/emprende/internal/evalcache"
	"github.com/MikeSquared-Agency/emprende/internal/extractor"
	"github.com/MikeSquared-Agency/emprende/internal/llm"
	"github.com/MikeSquared-Agency/emprende/internal/observability"
	"github.com/MikeSquared-Agency/emprende/internal/reference"
	"github.com/MikeSquared-Agency/emprende/internal/slack"
	"github.com/MikeSquared-Agency/emprende/internal/store"
)

const templateText = `Formulario de postulación
Nombres:
Apellidos:
Facultad:
Nombre del proyecto:
Problema:
Solución:
Mercado objetivo:
`

const filledForm = `Formulario de postulación
Nombres: Ana María
Apellidos: Gómez
Facultad: Ciencias
Nombre del proyecto: AgroSense
Problema: Riego ineficiente en fincas pequeñas
Solución: Sensores de humedad baratos
Mercado objetivo: Agricultores de la sierra
`

const verdictJSON = `{"score": 8, "status": "approved", "detail": "Buena propuesta, detalla mejor el mercado."}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCompleter struct {
	mu    sync.Mutex
	calls [][]llm.Message
	reply string
	err   error

	started chan struct{}
	block   chan struct{}
}

func (f *fakeCompleter) Complete(ctx context.Context, msgs []llm.Message) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msgs)
	reply, err := f.reply, f.err
	f.mu.Unlock()

	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return reply, err
}

func (f *fakeCompleter) set(reply string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply, f.err = reply, err
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeCompleter) lastCall() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type fakeReviewer struct {
	mu      sync.Mutex
	reviews []slack.Review
}

func (f *fakeReviewer) PostEvaluation(_ context.Context, r slack.Review) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reviews = append(f.reviews, r)
	return "1700000000.000100", nil
}

type harness struct {
	p         *Pipeline
	repo      *store.SQLiteStore
	completer *fakeCompleter
	reviewer  *fakeReviewer
	metrics   *observability.Metrics
}

// unreadableTurns accepts writes but fails every history load.
type unreadableTurns struct {
	*store.SQLiteStore
}

func (unreadableTurns) ListTurns(context.Context, string) ([]conversation.Turn, error) {
	return nil, errors.New("turn history unavailable")
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithTurns(t, nil)
}

// newHarnessWithTurns builds a harness whose context store reads turns
// through wrap(repo) when wrap is set.
func newHarnessWithTurns(t *testing.T, wrap func(*store.SQLiteStore) contextstore.TurnRepository) *harness {
	t.Helper()
	ctx := context.Background()
	logger := discardLogger()

	repo, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "emprende.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(repo.Close)

	uploads, err := NewArchive(filepath.Join(t.TempDir(), "uploads"))
	if err != nil {
		t.Fatalf("NewArchive: %v", err)
	}

	var turnRepo contextstore.TurnRepository = repo
	if wrap != nil {
		turnRepo = wrap(repo)
	}

	h := &harness{
		repo:      repo,
		completer: &fakeCompleter{reply: verdictJSON},
		reviewer:  &fakeReviewer{},
		metrics:   observability.NewMetrics("test"),
	}
	h.p = New(Deps{
		Repo:      repo,
		Contexts:  contextstore.New(turnRepo, 20, time.Hour, logger),
		Evals:     evalcache.New(repo, time.Hour, logger),
		Completer: h.completer,
		Reference: &reference.Materials{
			TemplateText: templateText,
			Rules:        "Eres el asistente del programa de emprendimiento.",
			Denylist:     authenticity.NewDenylist([]string{"casino"}),
			Catalog:      extractor.DefaultCatalog(),
		},
		Uploads:  uploads,
		Reviewer: h.reviewer,
		Metrics:  h.metrics,
		Window:   20,
		Logger:   logger,
	})
	return h
}

func (h *harness) handle(t *testing.T, identity, message string, att *Attachment) *Response {
	t.Helper()
	resp, err := h.p.Handle(context.Background(), Request{Identity: identity, Message: message, Attachment: att})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	return resp
}

// activate registers a display name so identity reaches the active phase.
func (h *harness) activate(t *testing.T, identity string) {
	t.Helper()
	resp := h.handle(t, identity, "Me llamo Ana", nil)
	if resp.Phase != conversation.PhaseActive {
		t.Fatalf("expected active phase after name, got %s", resp.Phase)
	}
}

func (h *harness) turns(t *testing.T, identity string) []conversation.Turn {
	t.Helper()
	turns, err := h.repo.ListTurns(context.Background(), identity)
	if err != nil {
		t.Fatalf("ListTurns: %v", err)
	}
	return turns
}

func upload(name, content string) *Attachment {
	return &Attachment{Name: name, Data: []byte(content)}
}

func containsMessage(msgs []llm.Message, role, substr string) bool {
	for _, m := range msgs {
		if m.Role == role && strings.Contains(m.Content, substr) {
			return true
		}
	}
	return false
}
