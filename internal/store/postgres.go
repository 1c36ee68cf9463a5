package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MikeSquared-Agency/emprende/internal/conversation"
)

// PostgresStore implements Repository on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id UUID PRIMARY KEY,
			seq BIGSERIAL,
			identity TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_turns_identity ON conversation_turns (identity, created_at, seq);`,
		`CREATE TABLE IF NOT EXISTS profiles (
			identity TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS document_fields (
			identity TEXT PRIMARY KEY,
			fields JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS evaluations (
			id UUID PRIMARY KEY,
			identity TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL,
			score SMALLINT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (identity, content_hash)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_identity_created ON evaluations (identity, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) AppendTurn(ctx context.Context, identity string, turn conversation.Turn) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("insert turn: unknown role %q", turn.Role)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_turns (id, identity, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), identity, string(turn.Role), turn.Content, conversation.Stamp(turn.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTurns(ctx context.Context, identity string) ([]conversation.Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT role, content, created_at
		FROM conversation_turns
		WHERE identity = $1
		ORDER BY created_at, seq`, identity)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []conversation.Turn
	for rows.Next() {
		var (
			role string
			t    conversation.Turn
		)
		if err := rows.Scan(&role, &t.Content, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = conversation.Role(role)
		if !t.Role.Valid() {
			return nil, fmt.Errorf("scan turn: unknown role %q", role)
		}
		t.Timestamp = conversation.Stamp(t.Timestamp)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *PostgresStore) GetProfile(ctx context.Context, identity string) (*Profile, error) {
	var p Profile
	err := s.pool.QueryRow(ctx, `
		SELECT identity, display_name, created_at, updated_at
		FROM profiles WHERE identity = $1`, identity,
	).Scan(&p.Identity, &p.DisplayName, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertProfile(ctx context.Context, p Profile) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO profiles (identity, display_name, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (identity) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			updated_at = now()`,
		p.Identity, p.DisplayName,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertDocumentFields(ctx context.Context, identity string, fields map[string]*string) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO document_fields (identity, fields, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (identity) DO UPDATE SET
			fields = EXCLUDED.fields,
			updated_at = now()`,
		identity, string(data),
	)
	if err != nil {
		return fmt.Errorf("upsert document fields: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocumentFields(ctx context.Context, identity string) (map[string]*string, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT fields FROM document_fields WHERE identity = $1`, identity).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document fields: %w", err)
	}
	fields := make(map[string]*string)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode document fields: %w", err)
	}
	return fields, nil
}

func (s *PostgresStore) GetEvaluation(ctx context.Context, identity, contentHash string) (*EvaluationRecord, error) {
	rec, err := s.scanEvaluation(s.pool.QueryRow(ctx, `
		SELECT id, identity, content_hash, title, detail, score, status, created_at
		FROM evaluations WHERE identity = $1 AND content_hash = $2`, identity, contentHash))
	if err != nil {
		return nil, fmt.Errorf("get evaluation: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) LatestEvaluation(ctx context.Context, identity string) (*EvaluationRecord, error) {
	rec, err := s.scanEvaluation(s.pool.QueryRow(ctx, `
		SELECT id, identity, content_hash, title, detail, score, status, created_at
		FROM evaluations WHERE identity = $1
		ORDER BY created_at DESC
		LIMIT 1`, identity))
	if err != nil {
		return nil, fmt.Errorf("latest evaluation: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) scanEvaluation(row pgx.Row) (*EvaluationRecord, error) {
	var (
		rec    EvaluationRecord
		score  int16
		status string
	)
	err := row.Scan(&rec.ID, &rec.Identity, &rec.ContentHash, &rec.Title, &rec.Detail, &score, &status, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.Score = int(score)
	rec.Status = Status(status)
	return &rec, nil
}

func (s *PostgresStore) InsertEvaluation(ctx context.Context, identity string, rec EvaluationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO evaluations (id, identity, content_hash, title, detail, score, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (identity, content_hash) DO NOTHING`,
		rec.ID, identity, rec.ContentHash, rec.Title, rec.Detail, ClampScore(rec.Score), string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}
