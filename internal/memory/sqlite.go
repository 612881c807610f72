package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/ZinkoSoft/tars-go/internal/embeddings"
)

// SQLiteStore keeps the corpus in a single SQLite file. The lexical leg
// uses an FTS5 index when the build supports it and degrades to LIKE
// scans otherwise. The semantic leg decodes stored vectors and ranks
// them in process, which is fine at conversational corpus sizes.
type SQLiteStore struct {
	db         *sql.DB
	logger     *slog.Logger
	ftsEnabled bool
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore wraps an open database handle, creating the schema if
// needed. The caller owns driver selection; production opens with
// mattn/go-sqlite3 via OpenSQLite.
func NewSQLiteStore(db *sql.DB, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate memory schema: %w", err)
	}
	s.ftsEnabled = s.tryEnableFTS()
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			position  INTEGER PRIMARY KEY AUTOINCREMENT,
			id        TEXT NOT NULL UNIQUE,
			role      TEXT NOT NULL,
			content   TEXT NOT NULL,
			embedding BLOB,
			ts        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_ts ON documents(ts);
	`)
	return err
}

// tryEnableFTS creates the FTS5 shadow table. Not every SQLite build
// ships FTS5, so failure just downgrades keyword search.
func (s *SQLiteStore) tryEnableFTS() bool {
	_, err := s.db.Exec(`CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts
		USING fts5(content, content=documents, content_rowid=position)`)
	if err != nil {
		s.logger.Warn("fts5 unavailable, keyword search degrades to LIKE", "error", err)
		return false
	}
	return true
}

func (s *SQLiteStore) Insert(ctx context.Context, doc *Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	var blob any
	if len(doc.Embedding) > 0 {
		blob = encodeVector(doc.Embedding)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, role, content, embedding, ts) VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.Role, doc.Text, blob, doc.TS.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	pos, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read document position: %w", err)
	}
	doc.Position = pos

	if s.ftsEnabled {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents_fts (rowid, content) VALUES (?, ?)`,
			pos, doc.Text); err != nil {
			return fmt.Errorf("index document: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Similar(ctx context.Context, embedding []float32, k int) ([]ScoredDocument, error) {
	if k <= 0 || len(embedding) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, id, role, content, embedding, ts FROM documents
		 WHERE embedding IS NOT NULL ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	docs, err := scanDocuments(rows, true)
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(docs))
	for i, d := range docs {
		vectors[i] = d.Embedding
	}
	matches := embeddings.TopK(embedding, vectors, k)
	out := make([]ScoredDocument, 0, len(matches))
	for _, m := range matches {
		out = append(out, ScoredDocument{Document: docs[m.Index], Score: float64(m.Score)})
	}
	return out, nil
}

func (s *SQLiteStore) Lexical(ctx context.Context, query string, k int) ([]ScoredDocument, error) {
	if k <= 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if s.ftsEnabled {
		return s.lexicalFTS(ctx, query, k)
	}
	return s.lexicalLike(ctx, query, k)
}

func (s *SQLiteStore) lexicalFTS(ctx context.Context, query string, k int) ([]ScoredDocument, error) {
	match := sanitizeFTS5Query(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.position, d.id, d.role, d.content, d.ts, bm25(documents_fts) AS score
		 FROM documents_fts
		 JOIN documents d ON d.position = documents_fts.rowid
		 WHERE documents_fts MATCH ?
		 ORDER BY rank LIMIT ?`, match, k)
	if err != nil {
		return nil, fmt.Errorf("fts search: %w", err)
	}
	defer rows.Close()

	var out []ScoredDocument
	for rows.Next() {
		var d Document
		var ts string
		var bm25 float64
		if err := rows.Scan(&d.Position, &d.ID, &d.Role, &d.Text, &ts, &bm25); err != nil {
			return nil, fmt.Errorf("scan fts row: %w", err)
		}
		d.TS = parseTimestamp(ts)
		// bm25() returns 0 or negative, more negative meaning a better
		// match. Fold it into (0,1] so the hybrid blend can use it.
		rel := -bm25
		if rel < 0 {
			rel = 0
		}
		out = append(out, ScoredDocument{Document: d, Score: rel / (rel + 1)})
	}
	return out, rows.Err()
}

// lexicalLike is the degraded path for SQLite builds without FTS5.
// Matches score a flat 1 and order newest first.
func (s *SQLiteStore) lexicalLike(ctx context.Context, query string, k int) ([]ScoredDocument, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, id, role, content, ts FROM documents
		 WHERE content LIKE ? ORDER BY position DESC LIMIT ?`,
		"%"+query+"%", k)
	if err != nil {
		return nil, fmt.Errorf("like search: %w", err)
	}
	defer rows.Close()

	var out []ScoredDocument
	for rows.Next() {
		var d Document
		var ts string
		if err := rows.Scan(&d.Position, &d.ID, &d.Role, &d.Text, &ts); err != nil {
			return nil, fmt.Errorf("scan like row: %w", err)
		}
		d.TS = parseTimestamp(ts)
		out = append(out, ScoredDocument{Document: d, Score: 1})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Recent(ctx context.Context, k int) ([]ScoredDocument, error) {
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, id, role, content, embedding, ts FROM documents
		 ORDER BY position DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("load recent: %w", err)
	}
	docs, err := scanDocuments(rows, true)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredDocument, 0, len(docs))
	for _, d := range docs {
		out = append(out, ScoredDocument{Document: d})
	}
	return out, nil
}

func (s *SQLiteStore) Neighbors(ctx context.Context, position int64, window int) ([]Document, []Document, error) {
	if window <= 0 {
		return nil, nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, id, role, content, embedding, ts FROM documents
		 WHERE position < ? ORDER BY position DESC LIMIT ?`, position, window)
	if err != nil {
		return nil, nil, fmt.Errorf("load preceding context: %w", err)
	}
	before, err := scanDocuments(rows, true)
	if err != nil {
		return nil, nil, err
	}
	// Scanned newest-first, flip to chronological.
	for i, j := 0, len(before)-1; i < j; i, j = i+1, j-1 {
		before[i], before[j] = before[j], before[i]
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT position, id, role, content, embedding, ts FROM documents
		 WHERE position > ? ORDER BY position ASC LIMIT ?`, position, window)
	if err != nil {
		return nil, nil, fmt.Errorf("load following context: %w", err)
	}
	after, err := scanDocuments(rows, true)
	if err != nil {
		return nil, nil, err
	}
	return before, after, nil
}

func (s *SQLiteStore) Dimension(ctx context.Context) (int, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT embedding FROM documents WHERE embedding IS NOT NULL
		 ORDER BY position DESC LIMIT 1`).Scan(&blob)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("probe embedding dimension: %w", err)
	}
	return len(decodeVector(blob)), nil
}

func (s *SQLiteStore) AllDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, id, role, content, embedding, ts FROM documents ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load corpus: %w", err)
	}
	return scanDocuments(rows, true)
}

func (s *SQLiteStore) UpdateEmbedding(ctx context.Context, id string, embedding []float32) error {
	var blob any
	if len(embedding) > 0 {
		blob = encodeVector(embedding)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET embedding = ? WHERE id = ?`, blob, id)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// scanDocuments drains rows into documents and closes them, so callers
// can issue follow-up queries immediately. withEmbedding must match the
// column list of the query.
func scanDocuments(rows *sql.Rows, withEmbedding bool) ([]Document, error) {
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var d Document
		var ts string
		var blob []byte
		var err error
		if withEmbedding {
			err = rows.Scan(&d.Position, &d.ID, &d.Role, &d.Text, &blob, &ts)
		} else {
			err = rows.Scan(&d.Position, &d.ID, &d.Role, &d.Text, &ts)
		}
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.Embedding = decodeVector(blob)
		d.TS = parseTimestamp(ts)
		out = append(out, d)
	}
	return out, rows.Err()
}

func parseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// sanitizeFTS5Query turns free text into a safe FTS5 match expression:
// each whitespace token becomes a quoted phrase and tokens are OR'd so
// partial overlap still matches.
func sanitizeFTS5Query(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ReplaceAll(f, `"`, `""`)
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// encodeVector packs a float32 slice as little-endian bytes for the
// embedding BLOB column.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out
}
