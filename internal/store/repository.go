package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/emprende/internal/conversation"
)

// Repository is the durable store. Lookups return (nil, nil) when nothing is
// stored; an error always means the store itself failed.
type Repository interface {
	AppendTurn(ctx context.Context, identity string, turn conversation.Turn) error
	ListTurns(ctx context.Context, identity string) ([]conversation.Turn, error)

	GetProfile(ctx context.Context, identity string) (*Profile, error)
	UpsertProfile(ctx context.Context, p Profile) error

	UpsertDocumentFields(ctx context.Context, identity string, fields map[string]*string) error
	GetDocumentFields(ctx context.Context, identity string) (map[string]*string, error)

	GetEvaluation(ctx context.Context, identity, contentHash string) (*EvaluationRecord, error)
	InsertEvaluation(ctx context.Context, identity string, rec EvaluationRecord) error
	LatestEvaluation(ctx context.Context, identity string) (*EvaluationRecord, error)

	Ping(ctx context.Context) error
	Close()
}

// Open returns a Postgres repository when databaseURL is set, otherwise an
// embedded SQLite repository at sqlitePath.
func Open(ctx context.Context, databaseURL, sqlitePath string, logger *slog.Logger) (Repository, error) {
	if strings.TrimSpace(databaseURL) != "" {
		s, err := NewPostgres(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("using postgres store")
		return s, nil
	}
	if sqlitePath == "" {
		return nil, fmt.Errorf("open store: no database url or sqlite path")
	}
	s, err := NewSQLite(ctx, sqlitePath)
	if err != nil {
		return nil, err
	}
	logger.Info("using sqlite store", "path", sqlitePath)
	return s, nil
}

func normalizeStatus(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
