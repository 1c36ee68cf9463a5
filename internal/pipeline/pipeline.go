package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/emprende/internal/authenticity"
	"github.com/MikeSquared-Agency/emprende/internal/contextstore"
	"github.com/MikeSquared-Agency/emprende/internal/conversation"
	"github.com/MikeSquared-Agency/emprende/internal/document"
	"github.com/MikeSquared-Agency/emprende/internal/evalcache"
	"github.com/MikeSquared-Agency/emprende/internal/extractor"
	"github.com/MikeSquared-Agency/emprende/internal/hermes"
	"github.com/MikeSquared-Agency/emprende/internal/llm"
	"github.com/MikeSquared-Agency/emprende/internal/normalize"
	"github.com/MikeSquared-Agency/emprende/internal/observability"
	"github.com/MikeSquared-Agency/emprende/internal/reference"
	"github.com/MikeSquared-Agency/emprende/internal/slack"
	"github.com/MikeSquared-Agency/emprende/internal/store"
)

const (
	commitTimeout = 10 * time.Second
	reviewTimeout = 15 * time.Second
)

// Repository is the slice of the durable store the pipeline uses directly.
// Turns and evaluations go through contextstore and evalcache.
type Repository interface {
	GetProfile(ctx context.Context, identity string) (*store.Profile, error)
	UpsertProfile(ctx context.Context, p store.Profile) error
	UpsertDocumentFields(ctx context.Context, identity string, fields map[string]*string) error
	LatestEvaluation(ctx context.Context, identity string) (*store.EvaluationRecord, error)
}

// Reviewer receives fresh evaluations for staff review.
type Reviewer interface {
	PostEvaluation(ctx context.Context, r slack.Review) (string, error)
}

// Deps wires the pipeline. Events, Reviewer, Metrics and Uploads are
// optional.
type Deps struct {
	Repo      Repository
	Contexts  *contextstore.Store
	Evals     *evalcache.Cache
	Completer llm.Completer
	Extractor *extractor.Extractor
	Validator *authenticity.Validator
	Reference *reference.Materials
	Uploads   *Archive
	Events    *hermes.Client
	Reviewer  Reviewer
	Metrics   *observability.Metrics
	Window    int
	Logger    *slog.Logger
}

// Attachment is an uploaded file.
type Attachment struct {
	Name string
	Data []byte
}

// Request is one inbound message. Message and Attachment are both optional.
type Request struct {
	Identity   string
	Message    string
	Attachment *Attachment
}

// DocumentOutcome is the structured result of a document submission.
type DocumentOutcome struct {
	Accepted   bool
	Cached     bool
	Kind       Kind
	Status     store.Status
	Score      int
	Incomplete []string
}

// Response is what the caller shows the user. Reply is always plain text.
type Response struct {
	Reply    string
	Phase    conversation.Phase
	Document *DocumentOutcome
}

// Pipeline runs the validation, extraction, caching and completion flow
// for one request at a time per identity.
type Pipeline struct {
	repo      Repository
	contexts  *contextstore.Store
	evals     *evalcache.Cache
	completer llm.Completer
	extractor *extractor.Extractor
	validator *authenticity.Validator
	ref       *reference.Materials
	uploads   *Archive
	events    *hermes.Client
	reviewer  Reviewer
	metrics   *observability.Metrics
	window    int
	logger    *slog.Logger

	background sync.WaitGroup
}

func New(d Deps) *Pipeline {
	p := &Pipeline{
		repo:      d.Repo,
		contexts:  d.Contexts,
		evals:     d.Evals,
		completer: d.Completer,
		extractor: d.Extractor,
		validator: d.Validator,
		ref:       d.Reference,
		uploads:   d.Uploads,
		events:    d.Events,
		reviewer:  d.Reviewer,
		metrics:   d.Metrics,
		window:    d.Window,
		logger:    d.Logger,
	}
	if p.window <= 0 {
		p.window = conversation.DefaultWindow
	}
	if p.validator == nil {
		p.validator = authenticity.New(authenticity.DefaultMinSimilarity, authenticity.DefaultMaxSimilarity)
	}
	if p.extractor == nil {
		p.extractor = extractor.New(p.ref.Catalog, p.logger)
	}
	return p
}

// Wait blocks until background review notifications finish.
func (p *Pipeline) Wait() {
	p.background.Wait()
}

// Handle processes one request. The only error returned is
// ErrMissingIdentity; every other failure becomes the Reply.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*Response, error) {
	identity := strings.TrimSpace(req.Identity)
	if identity == "" {
		return nil, ErrMissingIdentity
	}
	message := strings.TrimSpace(req.Message)

	profile, err := p.repo.GetProfile(ctx, identity)
	if err != nil {
		p.persistenceFailed(identity, "profile_lookup", err)
	}
	var name string
	if profile != nil {
		name = profile.DisplayName
	}
	phase := conversation.DerivePhase(profile != nil, name)
	if phase == conversation.PhaseUnseen && err == nil {
		if err := p.repo.UpsertProfile(ctx, store.Profile{Identity: identity}); err != nil {
			p.persistenceFailed(identity, "profile_create", err)
		}
	}

	switch {
	case phase != conversation.PhaseActive:
		return p.handleNamePending(ctx, identity, message, req.Attachment), nil
	case req.Attachment != nil:
		return p.handleDocument(ctx, identity, name, message, req.Attachment, true), nil
	case message == "":
		return &Response{Reply: fmt.Sprintf(msgGreetingFormat, name), Phase: phase}, nil
	case isReanalyze(message):
		return p.handleReanalyze(ctx, identity, name, message), nil
	default:
		return p.handleChat(ctx, identity, name, message), nil
	}
}

func (p *Pipeline) handleNamePending(ctx context.Context, identity, message string, att *Attachment) *Response {
	pending := conversation.PhaseNamePending
	if att != nil {
		p.metrics.Document("name_pending")
		p.commit(ctx, identity, noticeTurn(att.Name), assistantTurn(msgNameFirst))
		return &Response{Reply: msgNameFirst, Phase: pending, Document: &DocumentOutcome{}}
	}
	if message == "" {
		return &Response{Reply: msgAskName, Phase: pending}
	}

	name, ok := ParseDisplayName(message)
	if !ok {
		p.commit(ctx, identity, userTurn(message), assistantTurn(msgNameRetry))
		return &Response{Reply: msgNameRetry, Phase: pending}
	}
	if err := p.repo.UpsertProfile(ctx, store.Profile{Identity: identity, DisplayName: name}); err != nil {
		p.persistenceFailed(identity, "profile_name", err)
	}
	p.logger.Info("display name recorded", "identity", identity)

	reply := fmt.Sprintf(msgWelcomeFormat, name)
	p.commit(ctx, identity, userTurn(message), assistantTurn(reply))
	return &Response{Reply: reply, Phase: conversation.PhaseActive}
}

func (p *Pipeline) handleChat(ctx context.Context, identity, name, message string) *Response {
	resp := &Response{Phase: conversation.PhaseActive}
	msgs, err := p.stage(ctx, identity, p.systemPrompt(conversation.PhaseActive, name), []conversation.Turn{userTurn(message)})
	if err != nil {
		resp.Reply = p.abandoned(identity, err)
		return resp
	}

	reply, err := p.complete(ctx, msgs)
	if err != nil {
		if ctx.Err() != nil {
			resp.Reply = p.abandoned(identity, err)
			return resp
		}
		pe := asError(err)
		p.logFailure(identity, pe)
		p.commit(ctx, identity, assistantTurn(pe.Message))
		resp.Reply = pe.Message
		return resp
	}

	p.commit(ctx, identity, assistantTurn(reply))
	resp.Reply = reply
	return resp
}

func (p *Pipeline) handleReanalyze(ctx context.Context, identity, name, message string) *Response {
	if p.uploads == nil {
		p.commit(ctx, identity, userTurn(message), assistantTurn(msgNoUpload))
		return &Response{Reply: msgNoUpload, Phase: conversation.PhaseActive}
	}
	fileName, data, err := p.uploads.Latest(identity)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Error("read latest upload", "identity", identity, "error", err)
		}
		p.commit(ctx, identity, userTurn(message), assistantTurn(msgNoUpload))
		return &Response{Reply: msgNoUpload, Phase: conversation.PhaseActive}
	}
	return p.handleDocument(ctx, identity, name, message, &Attachment{Name: fileName, Data: data}, false)
}

// handleDocument runs read, authenticity, cache lookup and, on a miss,
// extraction and evaluation. archive is false when re-running a stored upload.
func (p *Pipeline) handleDocument(ctx context.Context, identity, name, message string, att *Attachment, archive bool) *Response {
	doc, err := document.Read(att.Name, att.Data)
	if err != nil {
		return p.rejectDocument(ctx, identity, att.Name, newError(KindDocumentUnreadable, msgUnreadable, err))
	}
	if !p.authentic(doc) {
		return p.rejectDocument(ctx, identity, att.Name,
			newError(KindAuthenticityRejected, msgNotAuthentic, fmt.Errorf("document %q outside template band", att.Name)))
	}
	if archive && p.uploads != nil {
		if _, err := p.uploads.Save(identity, att.Name, att.Data, time.Now()); err != nil {
			p.persistenceFailed(identity, "upload", err)
		}
	}

	hash := evalcache.Hash(doc.Text)
	var (
		ext    extractor.Result
		staged bool
	)
	res, err := p.evals.Evaluate(ctx, identity, hash, func(ctx context.Context) (store.EvaluationRecord, error) {
		ext = p.extractor.Extract(doc.Text)
		if ext.IdentityMissing {
			return store.EvaluationRecord{}, newError(KindExtractionIncomplete, msgIdentityMissing, errors.New("no identity field resolved"))
		}
		title := p.title(ext.Fields)
		if term, ok := p.ref.Denylist.Match(title); ok {
			return store.EvaluationRecord{}, newError(KindAuthenticityRejected, fmt.Sprintf(msgDenylistFormat, term),
				fmt.Errorf("title matches denylisted term %q", term))
		}
		if len(ext.Incomplete) > 0 {
			p.logger.Info("evaluating with incomplete fields", "identity", identity,
				"kind", KindExtractionIncomplete, "fields", ext.Incomplete)
		}
		if err := p.repo.UpsertDocumentFields(ctx, identity, ext.Fields); err != nil {
			p.persistenceFailed(identity, "document_fields", err)
		}

		turns := make([]conversation.Turn, 0, 3)
		prior, err := p.repo.LatestEvaluation(ctx, identity)
		if err != nil {
			p.logger.Warn("prior evaluation lookup failed", "identity", identity, "error", err)
		} else if prior != nil {
			turns = append(turns, priorSummaryTurn(prior))
		}
		turns = append(turns, documentTurn(att.Name, doc.Text, p.extractor.Catalog(), ext.Fields))
		if message != "" && !isReanalyze(message) {
			turns = append(turns, userTurn(message))
		}

		msgs, err := p.stage(ctx, identity, p.systemPrompt(conversation.PhaseActive, name), turns, userTurn(evaluationInstruction))
		if err != nil {
			return store.EvaluationRecord{}, err
		}
		staged = true

		raw, err := p.complete(ctx, msgs)
		if err != nil {
			return store.EvaluationRecord{}, err
		}
		verdict, err := DecodeVerdict(raw)
		if err != nil {
			p.logger.Warn("unstructured evaluation, keeping raw text", "identity", identity, "error", err)
			verdict = FallbackVerdict(raw)
		}
		return store.EvaluationRecord{
			ID:     uuid.New(),
			Title:  title,
			Detail: verdict.Detail,
			Score:  verdict.Score,
			Status: verdict.Status,
		}, nil
	})
	p.metrics.CacheResult(err == nil && res.Hit)

	if err != nil {
		pe := asError(err)
		if ctx.Err() != nil {
			return &Response{Reply: p.abandoned(identity, err), Phase: conversation.PhaseActive, Document: &DocumentOutcome{Kind: pe.Kind}}
		}
		if pe.Kind != KindUpstreamCompletionFailure {
			return p.rejectDocument(ctx, identity, att.Name, pe)
		}
		p.logFailure(identity, pe)
		p.metrics.Document(string(pe.Kind))
		turns := []conversation.Turn{assistantTurn(pe.Message)}
		if !staged {
			turns = append([]conversation.Turn{noticeTurn(att.Name)}, turns...)
		}
		p.commit(ctx, identity, turns...)
		return &Response{Reply: pe.Message, Phase: conversation.PhaseActive, Document: &DocumentOutcome{Kind: pe.Kind}}
	}

	rec := res.Record
	if res.Hit {
		p.metrics.Document(string(KindDuplicateEvaluation))
		p.logger.Info("evaluation served from cache", "identity", identity, "kind", KindDuplicateEvaluation, "hash", hash)
		reply := msgDuplicatePrefix + rec.Detail
		p.commit(ctx, identity, noticeTurn(att.Name), assistantTurn(reply))
		return &Response{
			Reply: reply,
			Phase: conversation.PhaseActive,
			Document: &DocumentOutcome{
				Accepted: true,
				Cached:   true,
				Kind:     KindDuplicateEvaluation,
				Status:   rec.Status,
				Score:    rec.Score,
			},
		}
	}

	if res.PersistErr != nil {
		p.persistenceFailed(identity, "evaluation", res.PersistErr)
	}
	p.metrics.Document("accepted")
	turns := []conversation.Turn{assistantTurn(rec.Detail)}
	if !staged {
		// Shared result of a concurrent identical submission.
		turns = append([]conversation.Turn{noticeTurn(att.Name)}, turns...)
	}
	p.commit(ctx, identity, turns...)

	if staged {
		p.logger.Info("document evaluated", "identity", identity, "hash", hash, "score", rec.Score, "status", rec.Status)
		p.events.PublishEvaluation(hermes.EvaluationCompleted{
			Identity:    identity,
			ContentHash: hash,
			Title:       rec.Title,
			Score:       rec.Score,
			Status:      string(rec.Status),
			Timestamp:   rec.CreatedAt,
		})
		p.review(identity, name, rec, ext)
	}

	return &Response{
		Reply: rec.Detail,
		Phase: conversation.PhaseActive,
		Document: &DocumentOutcome{
			Accepted:   true,
			Status:     rec.Status,
			Score:      rec.Score,
			Incomplete: ext.Incomplete,
		},
	}
}

func (p *Pipeline) rejectDocument(ctx context.Context, identity, fileName string, pe *Error) *Response {
	p.logFailure(identity, pe)
	p.metrics.Document(string(pe.Kind))
	p.commit(ctx, identity, noticeTurn(fileName), assistantTurn(pe.Message))
	return &Response{
		Reply:    pe.Message,
		Phase:    conversation.PhaseActive,
		Document: &DocumentOutcome{Kind: pe.Kind, Status: store.StatusRejected},
	}
}

func (p *Pipeline) authentic(doc *document.Document) bool {
	if doc.Tabular() && len(p.ref.Schema) > 0 {
		return authenticity.SchemaMatches(p.ref.Schema, doc)
	}
	return p.validator.IsAuthentic(p.ref.TemplateText, doc.Text)
}

func (p *Pipeline) title(fields extractor.FieldSet) string {
	name, ok := p.extractor.Catalog().TitleField()
	if !ok {
		return ""
	}
	v, _ := fields.Value(name)
	return v
}

// stage appends turns under the identity lock and returns the assembled
// completion input. trailing turns are sent but never stored.
func (p *Pipeline) stage(ctx context.Context, identity, systemPrompt string, turns []conversation.Turn, trailing ...conversation.Turn) ([]llm.Message, error) {
	var assembled []conversation.Turn
	err := p.contexts.Do(ctx, identity, func(tx *contextstore.Txn) error {
		history, err := tx.Context()
		if err != nil {
			p.persistenceFailed(identity, "history", err)
		}
		newTurns := append(append([]conversation.Turn(nil), turns...), trailing...)
		assembled = conversation.Assemble(history, systemPrompt, newTurns, p.window)
		if err := tx.Append(turns...); err != nil {
			p.persistenceFailed(identity, "turn", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stage turns: %w", err)
	}
	return llm.FromTurns(assembled), nil
}

// commit appends the response turns. It runs even if the caller has gone
// away so a finished reply is never half written.
func (p *Pipeline) commit(ctx context.Context, identity string, turns ...conversation.Turn) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	err := p.contexts.Do(ctx, identity, func(tx *contextstore.Txn) error {
		return tx.Append(turns...)
	})
	if err != nil {
		p.persistenceFailed(identity, "turn", err)
	}
}

func (p *Pipeline) complete(ctx context.Context, msgs []llm.Message) (string, error) {
	start := time.Now()
	reply, err := p.completer.Complete(ctx, msgs)
	p.metrics.ObserveCompletionLatency(time.Since(start))
	if err == nil {
		return reply, nil
	}
	if ctx.Err() != nil {
		return "", err
	}
	if errors.Is(err, llm.ErrRateLimited) {
		p.metrics.CompletionError("rate_limited")
		return "", newError(KindUpstreamCompletionFailure, msgRateLimited, err)
	}
	p.metrics.CompletionError("failed")
	return "", newError(KindUpstreamCompletionFailure, msgUpstreamFailed, err)
}

// abandoned handles a request whose context ended before a reply existed.
// Nothing is written for it.
func (p *Pipeline) abandoned(identity string, err error) string {
	p.logger.Info("request abandoned", "identity", identity, "error", err)
	return msgUpstreamFailed
}

func (p *Pipeline) review(identity, name string, rec store.EvaluationRecord, ext extractor.Result) {
	if p.reviewer == nil {
		return
	}
	r := slack.Review{
		Identity:    identity,
		DisplayName: name,
		Title:       rec.Title,
		Score:       rec.Score,
		Status:      string(rec.Status),
		Detail:      rec.Detail,
		Fields:      ext.Fields,
		Missing:     ext.Fields.Missing(p.extractor.Catalog().Names()),
	}
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		ctx, cancel := context.WithTimeout(context.Background(), reviewTimeout)
		defer cancel()
		if _, err := p.reviewer.PostEvaluation(ctx, r); err != nil {
			p.logger.Warn("review notification failed", "identity", identity, "error", err)
		}
	}()
}

func (p *Pipeline) persistenceFailed(identity, op string, err error) {
	p.logger.Error("persistence failed, continuing", "identity", identity,
		"kind", KindPersistenceFailure, "op", op, "error", err)
	p.metrics.PersistenceFailure()
	p.events.PublishPersistenceFailure(hermes.PersistenceFailed{
		Identity:  identity,
		Kind:      op,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (p *Pipeline) logFailure(identity string, pe *Error) {
	p.logger.Warn("request failed", "identity", identity, "kind", pe.Kind, "error", pe.Err)
}

// asError classifies err, treating anything unclassified as an upstream
// failure so the user still gets a plain message.
func asError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return newError(KindUpstreamCompletionFailure, msgUpstreamFailed, err)
}

func isReanalyze(message string) bool {
	return strings.Contains(normalize.Text(message), reanalyzeCommand)
}

func userTurn(content string) conversation.Turn {
	return conversation.NewTurn(conversation.RoleUser, content)
}

func assistantTurn(content string) conversation.Turn {
	return conversation.NewTurn(conversation.RoleAssistant, content)
}
