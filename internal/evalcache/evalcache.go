// Package evalcache short-circuits re-evaluation of documents whose
// normalized content was already evaluated for the same identity.
package evalcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/MikeSquared-Agency/emprende/internal/normalize"
	"github.com/MikeSquared-Agency/emprende/internal/store"
)

// Repository is the durable side of the cache.
type Repository interface {
	GetEvaluation(ctx context.Context, identity, contentHash string) (*store.EvaluationRecord, error)
	InsertEvaluation(ctx context.Context, identity string, rec store.EvaluationRecord) error
}

// Hash is the canonical content hash: hex SHA-256 of the normalized text.
// Texts that differ only by accents, case, punctuation or whitespace hash
// identically.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(normalize.Text(text)))
	return hex.EncodeToString(sum[:])
}

// EvaluateFunc produces a fresh evaluation on a cache miss. An error means
// nothing is cached.
type EvaluateFunc func(ctx context.Context) (store.EvaluationRecord, error)

// Result is the outcome of Evaluate.
type Result struct {
	Record store.EvaluationRecord
	// Hit is true when the record came from a previous evaluation.
	Hit bool
	// PersistErr is set when a fresh record could not be stored durably.
	// The record is still indexed in memory for this process.
	PersistErr error
}

// Cache fronts the repository with an in-memory index derived from it.
type Cache struct {
	repo   Repository
	index  *gocache.Cache
	group  singleflight.Group
	logger *slog.Logger
}

func New(repo Repository, ttl time.Duration, logger *slog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{
		repo:   repo,
		index:  gocache.New(ttl, ttl/2),
		logger: logger,
	}
}

func key(identity, contentHash string) string {
	return identity + "\x00" + contentHash
}

// Lookup returns the stored record for (identity, contentHash) or nil.
func (c *Cache) Lookup(ctx context.Context, identity, contentHash string) (*store.EvaluationRecord, error) {
	k := key(identity, contentHash)
	if v, ok := c.index.Get(k); ok {
		rec := v.(store.EvaluationRecord)
		return &rec, nil
	}
	rec, err := c.repo.GetEvaluation(ctx, identity, contentHash)
	if err != nil {
		return nil, fmt.Errorf("lookup evaluation: %w", err)
	}
	if rec != nil {
		c.index.SetDefault(k, *rec)
	}
	return rec, nil
}

// Insert stores rec durably and indexes it. The record is indexed even when
// the durable write fails.
func (c *Cache) Insert(ctx context.Context, identity string, rec store.EvaluationRecord) error {
	rec.Identity = identity
	c.index.SetDefault(key(identity, rec.ContentHash), rec)
	if err := c.repo.InsertEvaluation(ctx, identity, rec); err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

// Evaluate returns the cached record for (identity, contentHash), or runs fn
// once and inserts its result before returning. Concurrent calls for the
// same key share a single fn invocation.
func (c *Cache) Evaluate(ctx context.Context, identity, contentHash string, fn EvaluateFunc) (Result, error) {
	v, err, _ := c.group.Do(key(identity, contentHash), func() (any, error) {
		rec, err := c.Lookup(ctx, identity, contentHash)
		if err != nil {
			c.logger.Warn("evaluation lookup failed, evaluating anyway", "identity", identity, "error", err)
		}
		if rec != nil {
			return Result{Record: *rec, Hit: true}, nil
		}

		fresh, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		fresh.ContentHash = contentHash
		fresh.Identity = identity
		fresh.Score = store.ClampScore(fresh.Score)
		if fresh.CreatedAt.IsZero() {
			fresh.CreatedAt = time.Now().UTC()
		}

		res := Result{Record: fresh}
		if err := c.Insert(ctx, identity, fresh); err != nil {
			c.logger.Error("evaluation not persisted", "identity", identity, "hash", contentHash, "error", err)
			res.PersistErr = err
		}
		return res, nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}
