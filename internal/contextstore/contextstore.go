// Package contextstore owns the process-wide map from identity to recent
// conversation turns. The durable repository is the source of truth; the
// in-memory entries are a bounded cache reconciled with it on every load.
package contextstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/MikeSquared-Agency/emprende/internal/conversation"
)

// ErrNotPersisted marks a turn that was kept in memory but could not be
// written durably. The conversation can continue in degraded mode.
var ErrNotPersisted = errors.New("turn not persisted")

// TurnRepository is the durable side of the store.
type TurnRepository interface {
	AppendTurn(ctx context.Context, identity string, turn conversation.Turn) error
	ListTurns(ctx context.Context, identity string) ([]conversation.Turn, error)
}

// DefaultIdleTTL is how long an identity's cached turns survive without use.
const DefaultIdleTTL = 2 * time.Hour

type entry struct {
	turns []conversation.Turn
	// synced is false until the entry has been merged with durable storage
	// at least once.
	synced bool
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// Store serializes all work on one identity behind a per-identity lock while
// leaving different identities independent.
type Store struct {
	repo   TurnRepository
	limit  int
	logger *slog.Logger

	cache *gocache.Cache

	mu    sync.Mutex
	locks map[string]*keyLock
}

// New returns a store that caches up to twice the context window per
// identity, so assembly always has a full window available.
func New(repo TurnRepository, window int, idleTTL time.Duration, logger *slog.Logger) *Store {
	if window <= 0 {
		window = conversation.DefaultWindow
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Store{
		repo:   repo,
		limit:  2 * window,
		logger: logger,
		cache:  gocache.New(idleTTL, idleTTL/2),
		locks:  make(map[string]*keyLock),
	}
}

// Load returns the merged context for identity. When durable storage fails
// the cached turns are returned together with the error.
func (s *Store) Load(ctx context.Context, identity string) (conversation.Context, error) {
	var c conversation.Context
	err := s.Do(ctx, identity, func(tx *Txn) error {
		var err error
		c, err = tx.Context()
		return err
	})
	return c, err
}

// Append writes turn through to durable storage, then to memory. A durable
// failure still keeps the turn in memory and returns an error wrapping
// ErrNotPersisted.
func (s *Store) Append(ctx context.Context, identity string, turn conversation.Turn) error {
	return s.Do(ctx, identity, func(tx *Txn) error {
		return tx.Append(turn)
	})
}

// Do runs fn while holding identity's lock, so a load-mutate-append sequence
// is atomic with respect to other requests for the same identity. Waiting
// for the lock honours ctx.
func (s *Store) Do(ctx context.Context, identity string, fn func(tx *Txn) error) error {
	unlock, err := s.acquire(ctx, identity)
	if err != nil {
		return fmt.Errorf("lock identity: %w", err)
	}
	defer unlock()

	tx := &Txn{ctx: ctx, store: s, identity: identity}
	defer func() { tx.done = true }()
	return fn(tx)
}

func (s *Store) acquire(ctx context.Context, identity string) (func(), error) {
	s.mu.Lock()
	l, ok := s.locks[identity]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		s.locks[identity] = l
	}
	l.refs++
	s.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			s.release(identity, l)
		}, nil
	case <-ctx.Done():
		s.release(identity, l)
		return nil, ctx.Err()
	}
}

func (s *Store) release(identity string, l *keyLock) {
	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, identity)
	}
	s.mu.Unlock()
}

// entry returns identity's cache entry merged with durable storage. Callers
// must hold the identity lock.
func (s *Store) entry(ctx context.Context, identity string) (*entry, error) {
	e := &entry{}
	if v, ok := s.cache.Get(identity); ok {
		e = v.(*entry)
	}
	defer s.cache.SetDefault(identity, e)

	durable, err := s.repo.ListTurns(ctx, identity)
	if err != nil {
		return e, fmt.Errorf("list turns: %w", err)
	}
	e.turns = s.trim(merge(e.turns, durable, e.synced))
	e.synced = true
	return e, nil
}

func (s *Store) trim(turns []conversation.Turn) []conversation.Turn {
	if len(turns) <= s.limit {
		return turns
	}
	return append([]conversation.Turn(nil), turns[len(turns)-s.limit:]...)
}

// merge reconciles cached turns with the durable sequence. Once synced, the
// cache is a suffix of history, so durable turns older than its first turn
// were trimmed on purpose and are not re-added. Durable turns not yet cached
// are appended in timestamp order; structural duplicates are skipped.
func merge(cached, durable []conversation.Turn, synced bool) []conversation.Turn {
	if len(cached) == 0 && synced {
		return append([]conversation.Turn(nil), durable...)
	}
	if !synced {
		all := append(append([]conversation.Turn(nil), durable...), missing(durable, cached)...)
		sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
		return all
	}

	floor := cached[0].Timestamp
	var fresh []conversation.Turn
	for _, t := range missing(cached, durable) {
		if t.Timestamp.Before(floor) {
			continue
		}
		fresh = append(fresh, t)
	}
	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].Timestamp.Before(fresh[j].Timestamp) })
	return append(append([]conversation.Turn(nil), cached...), fresh...)
}

// missing returns the turns of candidates that have no structural equal in
// have.
func missing(have, candidates []conversation.Turn) []conversation.Turn {
	seen := make(map[turnKey]int, len(have))
	for _, t := range have {
		seen[keyOf(t)]++
	}
	var out []conversation.Turn
	for _, t := range candidates {
		k := keyOf(t)
		if seen[k] > 0 {
			seen[k]--
			continue
		}
		out = append(out, t)
	}
	return out
}

type turnKey struct {
	role    conversation.Role
	content string
	micros  int64
}

func keyOf(t conversation.Turn) turnKey {
	return turnKey{role: t.Role, content: t.Content, micros: conversation.Stamp(t.Timestamp).UnixMicro()}
}

// Txn is the view of one identity handed to Do. It must not be used after
// Do returns.
type Txn struct {
	ctx      context.Context
	store    *Store
	identity string
	done     bool

	e       *entry
	loadErr error
}

func (tx *Txn) load() (*entry, error) {
	if tx.e == nil {
		tx.e, tx.loadErr = tx.store.entry(tx.ctx, tx.identity)
	}
	return tx.e, tx.loadErr
}

// Identity returns the identity this transaction is bound to.
func (tx *Txn) Identity() string {
	return tx.identity
}

// Context returns a copy of the merged turn history.
func (tx *Txn) Context() (conversation.Context, error) {
	if tx.done {
		return conversation.Context{}, errors.New("contextstore: transaction used after Do returned")
	}
	e, err := tx.load()
	c := conversation.Context{
		Identity: tx.identity,
		Turns:    append([]conversation.Turn(nil), e.turns...),
	}
	if err != nil {
		tx.store.logger.Warn("serving cached context", "identity", tx.identity, "error", err)
	}
	return c, err
}

// Append persists turns in order. Every turn reaches memory even when the
// durable write fails; the first failure is returned wrapped with
// ErrNotPersisted.
func (tx *Txn) Append(turns ...conversation.Turn) error {
	if tx.done {
		return errors.New("contextstore: transaction used after Do returned")
	}
	s := tx.store
	e, loadErr := tx.load()
	if loadErr != nil {
		s.logger.Warn("appending without durable history", "identity", tx.identity, "error", loadErr)
	}

	var firstErr error
	for _, t := range turns {
		if t.Timestamp.IsZero() {
			t.Timestamp = conversation.Stamp(time.Now())
		}
		if err := s.repo.AppendTurn(tx.ctx, tx.identity, t); err != nil && firstErr == nil {
			firstErr = err
		}
		e.turns = append(e.turns, t)
	}
	e.turns = s.trim(e.turns)
	s.cache.SetDefault(tx.identity, e)

	if firstErr != nil {
		return fmt.Errorf("append turn: %w", errors.Join(ErrNotPersisted, firstErr))
	}
	return nil
}
