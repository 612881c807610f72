package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PGStore keeps the corpus in Postgres. The semantic leg runs on
// pgvector cosine distance with an HNSW index, the lexical leg on
// ts_rank over a GIN-indexed tsvector. Unlike the SQLite backend this
// schema fixes the embedding width at creation time, so switching
// embedding models needs a manual migration.
type PGStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*PGStore)(nil)

// OpenPostgres connects to dsn, registers the pgvector codecs on every
// connection, and creates the schema with dim-wide vectors.
func OpenPostgres(ctx context.Context, dsn string, dim int, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &PGStore{pool: pool, logger: logger}
	if err := s.migrate(ctx, dim); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}
	return s, nil
}

func (s *PGStore) migrate(ctx context.Context, dim int) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			position  BIGSERIAL PRIMARY KEY,
			id        TEXT NOT NULL UNIQUE,
			role      TEXT NOT NULL,
			content   TEXT NOT NULL,
			embedding vector(%d),
			ts        TIMESTAMPTZ NOT NULL
		)`, dim),
		`CREATE INDEX IF NOT EXISTS idx_documents_embedding
			ON documents USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_content
			ON documents USING GIN (to_tsvector('english', content))`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) Insert(ctx context.Context, doc *Document) error {
	var emb any
	if len(doc.Embedding) > 0 {
		emb = pgvector.NewVector(doc.Embedding)
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO documents (id, role, content, embedding, ts)
		 VALUES ($1, $2, $3, $4, $5) RETURNING position`,
		doc.ID, doc.Role, doc.Text, emb, doc.TS.UTC()).Scan(&doc.Position)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PGStore) Similar(ctx context.Context, embedding []float32, k int) ([]ScoredDocument, error) {
	if k <= 0 || len(embedding) == 0 {
		return nil, nil
	}
	vec := pgvector.NewVector(embedding)
	rows, err := s.pool.Query(ctx,
		`SELECT position, id, role, content, ts, 1 - (embedding <=> $1) AS score
		 FROM documents
		 WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1
		 LIMIT $2`, vec, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return collectScored(rows)
}

func (s *PGStore) Lexical(ctx context.Context, query string, k int) ([]ScoredDocument, error) {
	if k <= 0 || query == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT position, id, role, content, ts,
			ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS score
		 FROM documents
		 WHERE to_tsvector('english', content) @@ plainto_tsquery('english', $1)
		 ORDER BY score DESC
		 LIMIT $2`, query, k)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	return collectScored(rows)
}

func (s *PGStore) Recent(ctx context.Context, k int) ([]ScoredDocument, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT position, id, role, content, ts, 0::float8 AS score
		 FROM documents ORDER BY position DESC LIMIT $1`, k)
	if err != nil {
		return nil, fmt.Errorf("load recent: %w", err)
	}
	return collectScored(rows)
}

func (s *PGStore) Neighbors(ctx context.Context, position int64, window int) ([]Document, []Document, error) {
	if window <= 0 {
		return nil, nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT position, id, role, content, embedding, ts FROM documents
		 WHERE position < $1 ORDER BY position DESC LIMIT $2`, position, window)
	if err != nil {
		return nil, nil, fmt.Errorf("load preceding context: %w", err)
	}
	before, err := collectDocuments(rows)
	if err != nil {
		return nil, nil, err
	}
	for i, j := 0, len(before)-1; i < j; i, j = i+1, j-1 {
		before[i], before[j] = before[j], before[i]
	}

	rows, err = s.pool.Query(ctx,
		`SELECT position, id, role, content, embedding, ts FROM documents
		 WHERE position > $1 ORDER BY position ASC LIMIT $2`, position, window)
	if err != nil {
		return nil, nil, fmt.Errorf("load following context: %w", err)
	}
	after, err := collectDocuments(rows)
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

func (s *PGStore) Dimension(ctx context.Context) (int, error) {
	var dim int
	err := s.pool.QueryRow(ctx,
		`SELECT vector_dims(embedding) FROM documents
		 WHERE embedding IS NOT NULL ORDER BY position DESC LIMIT 1`).Scan(&dim)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("probe embedding dimension: %w", err)
	}
	return dim, nil
}

func (s *PGStore) AllDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT position, id, role, content, embedding, ts FROM documents ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	return collectDocuments(rows)
}

func (s *PGStore) UpdateEmbedding(ctx context.Context, id string, embedding []float32) error {
	var emb any
	if len(embedding) > 0 {
		emb = pgvector.NewVector(embedding)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE documents SET embedding = $1 WHERE id = $2`, emb, id); err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	return nil
}

func (s *PGStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

func collectScored(rows pgx.Rows) ([]ScoredDocument, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ScoredDocument, error) {
		var d ScoredDocument
		var ts time.Time
		err := row.Scan(&d.Position, &d.ID, &d.Role, &d.Text, &ts, &d.Score)
		d.TS = ts
		return d, err
	})
}

func collectDocuments(rows pgx.Rows) ([]Document, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Document, error) {
		var d Document
		var ts time.Time
		var vec *pgvector.Vector
		err := row.Scan(&d.Position, &d.ID, &d.Role, &d.Text, &vec, &ts)
		if vec != nil {
			d.Embedding = vec.Slice()
		}
		d.TS = ts
		return d, err
	})
}
