// Package memory implements the fleet's conversation memory: every user
// transcript and assistant reply is embedded and appended to a durable
// corpus, and llm workers query it over MQTT for RAG context.
//
// Two storage backends sit behind the Store interface. The default is a
// local SQLite file with an FTS5 index for the lexical leg and in-process
// cosine ranking over stored vectors for the semantic leg. Setting
// MEMORY_DB_URL switches to Postgres with pgvector, where both legs run
// inside the database.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ZinkoSoft/tars-go/internal/config"
)

// Document is one corpus entry, a single conversational turn.
type Document struct {
	// Position is the monotonically increasing corpus index. Context
	// expansion walks it to find the turns around a match.
	Position  int64
	ID        string
	Role      string // "user" or "assistant"
	Text      string
	Embedding []float32
	TS        time.Time
}

// ScoredDocument pairs a document with its retrieval score. Higher is
// better for every search leg; Recent returns zero scores.
type ScoredDocument struct {
	Document
	Score float64
}

// Store is the corpus persistence layer.
type Store interface {
	// Insert appends doc and fills in its Position.
	Insert(ctx context.Context, doc *Document) error
	// Similar returns the k nearest documents to embedding by cosine
	// similarity, best first.
	Similar(ctx context.Context, embedding []float32, k int) ([]ScoredDocument, error)
	// Lexical returns the k best keyword matches for query, best first.
	Lexical(ctx context.Context, query string, k int) ([]ScoredDocument, error)
	// Recent returns the k newest documents, newest first.
	Recent(ctx context.Context, k int) ([]ScoredDocument, error)
	// Neighbors returns up to window documents on each side of position,
	// both slices in chronological order.
	Neighbors(ctx context.Context, position int64, window int) (before, after []Document, err error)
	// Dimension reports the embedding width of the newest stored vector,
	// or 0 when the corpus holds no vectors.
	Dimension(ctx context.Context) (int, error)
	// AllDocuments returns the whole corpus in position order. The
	// re-embedding pass uses it after a model change.
	AllDocuments(ctx context.Context) ([]Document, error)
	// UpdateEmbedding replaces the stored vector for one document.
	UpdateEmbedding(ctx context.Context, id string, embedding []float32) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// Embedder produces embedding vectors for corpus text. Satisfied by
// embeddings.Client; tests substitute deterministic fakes.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
	GenerateBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Open builds the store selected by cfg: Postgres/pgvector when
// MEMORY_DB_URL is set, otherwise SQLite at MEMORY_DB_PATH.
func Open(ctx context.Context, cfg config.Memory, logger *slog.Logger) (Store, error) {
	if cfg.DBURL != "" {
		return OpenPostgres(ctx, cfg.DBURL, cfg.EmbedDim, logger)
	}
	return OpenSQLite(cfg.DBPath, logger)
}

// OpenSQLite opens (creating if necessary) the SQLite corpus at path.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create memory db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	store, err := NewSQLiteStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}
