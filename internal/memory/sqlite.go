package memory

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/finchbot/finch/pkg/models"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore persists entries in a single table with a keyword index on
// content and optional embedding blobs for hybrid recall.
type SQLiteStore struct {
	mu       sync.Mutex
	db       *sql.DB
	weights  Weights
	embedder Embedder
	now      func() time.Time
}

// NewSQLiteStore opens (or creates) the database at path. embedder may be
// nil, in which case recall degrades to keyword-only scoring.
func NewSQLiteStore(path string, weights Weights, embedder Embedder) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory database: %w", err)
	}
	s := &SQLiteStore{db: db, weights: weights, embedder: embedder, now: time.Now}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			key        TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			category   TEXT NOT NULL,
			embedding  BLOB,
			stored_at  INTEGER NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create memories table: %w", err)
	}
	for _, idx := range []string{
		"CREATE INDEX IF NOT EXISTS idx_memories_category ON memories(category)",
		"CREATE INDEX IF NOT EXISTS idx_memories_content ON memories(content)",
	} {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Store(ctx context.Context, key, content string, category models.MemoryCategory, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (key, content, category, embedding, stored_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			content = excluded.content,
			category = excluded.category,
			embedding = excluded.embedding,
			stored_at = excluded.stored_at`,
		key, content, string(category), encodeEmbedding(embedding), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("store memory %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Recall(ctx context.Context, query string, topK int, category models.MemoryCategory) ([]models.ScoredEntry, error) {
	var qvec []float32
	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, query)
		if err == nil {
			qvec = vec
		}
	}
	w, _ := s.weights.Normalize(s.embedder != nil && len(qvec) > 0)

	q := "SELECT key, content, category, embedding, stored_at FROM memories"
	args := []any{}
	if category != "" {
		q += " WHERE category = ?"
		args = append(args, string(category))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("recall query: %w", err)
	}
	defer rows.Close()

	var entries []models.MemoryEntry
	for rows.Next() {
		var e models.MemoryEntry
		var cat string
		var blob []byte
		var storedAt int64
		if err := rows.Scan(&e.Key, &e.Content, &cat, &blob, &storedAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		e.Category = models.MemoryCategory(cat)
		e.Embedding = decodeEmbedding(blob)
		e.StoredAt = time.Unix(0, storedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rank(entries, query, qvec, w, topK), nil
}

func (s *SQLiteStore) Forget(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE key = ?", key)
	return err
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n)
	return n, err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// encodeEmbedding packs a vector as little-endian IEEE 754 bits.
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}
