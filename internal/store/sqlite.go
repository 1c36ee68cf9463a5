package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MikeSquared-Agency/emprende/internal/conversation"
)

// SQLiteStore implements Repository on an embedded SQLite file. Timestamps
// are stored as unix microseconds.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS conversation_turns (
		id TEXT PRIMARY KEY,
		identity TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversation_turns_identity ON conversation_turns(identity, created_at);

	CREATE TABLE IF NOT EXISTS profiles (
		identity TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS document_fields (
		identity TEXT PRIMARY KEY,
		fields TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS evaluations (
		id TEXT PRIMARY KEY,
		identity TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL,
		score INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(identity, content_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_evaluations_identity_created ON evaluations(identity, created_at);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, identity string, turn conversation.Turn) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("insert turn: unknown role %q", turn.Role)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_turns (id, identity, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), identity, string(turn.Role), turn.Content, conversation.Stamp(turn.Timestamp).UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTurns(ctx context.Context, identity string) ([]conversation.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at
		FROM conversation_turns
		WHERE identity = ?
		ORDER BY created_at, rowid`, identity)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []conversation.Turn
	for rows.Next() {
		var (
			role    string
			content string
			micros  int64
		)
		if err := rows.Scan(&role, &content, &micros); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if !conversation.Role(role).Valid() {
			return nil, fmt.Errorf("scan turn: unknown role %q", role)
		}
		turns = append(turns, conversation.Turn{
			Role:      conversation.Role(role),
			Content:   content,
			Timestamp: time.UnixMicro(micros).UTC(),
		})
	}
	return turns, rows.Err()
}

func (s *SQLiteStore) GetProfile(ctx context.Context, identity string) (*Profile, error) {
	var (
		p                Profile
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT identity, display_name, created_at, updated_at
		FROM profiles WHERE identity = ?`, identity,
	).Scan(&p.Identity, &p.DisplayName, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p.CreatedAt = time.UnixMicro(created).UTC()
	p.UpdatedAt = time.UnixMicro(updated).UTC()
	return &p, nil
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, p Profile) error {
	now := time.Now().UTC().UnixMicro()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (identity, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			display_name = excluded.display_name,
			updated_at = excluded.updated_at`,
		p.Identity, p.DisplayName, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertDocumentFields(ctx context.Context, identity string, fields map[string]*string) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_fields (identity, fields, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			fields = excluded.fields,
			updated_at = excluded.updated_at`,
		identity, string(data), time.Now().UTC().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("upsert document fields: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDocumentFields(ctx context.Context, identity string) (map[string]*string, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT fields FROM document_fields WHERE identity = ?`, identity).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document fields: %w", err)
	}
	fields := make(map[string]*string)
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("decode document fields: %w", err)
	}
	return fields, nil
}

const evaluationColumns = `id, identity, content_hash, title, detail, score, status, created_at`

func (s *SQLiteStore) GetEvaluation(ctx context.Context, identity, contentHash string) (*EvaluationRecord, error) {
	rec, err := scanSQLiteEvaluation(s.db.QueryRowContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE identity = ? AND content_hash = ?`,
		identity, contentHash))
	if err != nil {
		return nil, fmt.Errorf("get evaluation: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) LatestEvaluation(ctx context.Context, identity string) (*EvaluationRecord, error) {
	rec, err := scanSQLiteEvaluation(s.db.QueryRowContext(ctx,
		`SELECT `+evaluationColumns+` FROM evaluations WHERE identity = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		identity))
	if err != nil {
		return nil, fmt.Errorf("latest evaluation: %w", err)
	}
	return rec, nil
}

func scanSQLiteEvaluation(row *sql.Row) (*EvaluationRecord, error) {
	var (
		rec     EvaluationRecord
		id      string
		status  string
		created int64
	)
	err := row.Scan(&id, &rec.Identity, &rec.ContentHash, &rec.Title, &rec.Detail, &rec.Score, &status, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse evaluation id: %w", err)
	}
	rec.ID = parsed
	rec.Status = Status(status)
	rec.CreatedAt = time.UnixMicro(created).UTC()
	return &rec, nil
}

func (s *SQLiteStore) InsertEvaluation(ctx context.Context, identity string, rec EvaluationRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluations (`+evaluationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity, content_hash) DO NOTHING`,
		rec.ID.String(), identity, rec.ContentHash, rec.Title, rec.Detail, ClampScore(rec.Score), string(rec.Status), rec.CreatedAt.UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}
