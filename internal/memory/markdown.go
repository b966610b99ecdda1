package memory

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/finchbot/finch/pkg/models"
)

// MarkdownStore keeps one append-only markdown file per category under a
// directory. Each record is a heading line carrying the key and timestamp
// followed by the content; a "forgotten" heading tombstones a key. The live
// view is rebuilt into memory on open and maintained on write, so recall
// never re-reads the files.
type MarkdownStore struct {
	mu      sync.Mutex
	dir     string
	entries map[string]models.MemoryEntry
	weights Weights
	now     func() time.Time
}

const (
	mdRecordPrefix    = "## mem:"
	mdTombstonePrefix = "## forgotten:"
)

// NewMarkdownStore opens (or creates) the markdown memory directory.
func NewMarkdownStore(dir string, weights Weights) (*MarkdownStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	s := &MarkdownStore{
		dir:     dir,
		entries: make(map[string]models.MemoryEntry),
		weights: weights,
		now:     time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MarkdownStore) load() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.md"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		category := models.ParseMemoryCategory(strings.TrimSuffix(filepath.Base(path), ".md"))
		if err := s.loadFile(path, category); err != nil {
			return err
		}
	}
	return nil
}

func (s *MarkdownStore) loadFile(path string, category models.MemoryCategory) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var key string
	var stored time.Time
	var body []string
	flush := func() {
		if key == "" {
			return
		}
		s.entries[key] = models.MemoryEntry{
			Key:      key,
			Content:  strings.TrimSpace(strings.Join(body, "\n")),
			Category: category,
			StoredAt: stored,
		}
		key = ""
		body = nil
	}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, mdRecordPrefix):
			flush()
			rest := strings.TrimPrefix(line, mdRecordPrefix)
			fields := strings.SplitN(strings.TrimSpace(rest), " @ ", 2)
			key = fields[0]
			if len(fields) == 2 {
				stored, _ = time.Parse(time.RFC3339, fields[1])
			} else {
				stored = time.Time{}
			}
		case strings.HasPrefix(line, mdTombstonePrefix):
			flush()
			gone := strings.TrimSpace(strings.TrimPrefix(line, mdTombstonePrefix))
			delete(s.entries, gone)
		default:
			if key != "" {
				body = append(body, line)
			}
		}
	}
	flush()
	return sc.Err()
}

func (s *MarkdownStore) appendRecord(category models.MemoryCategory, record string) error {
	path := filepath.Join(s.dir, string(category)+".md")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(record)
	return err
}

func (s *MarkdownStore) Store(_ context.Context, key, content string, category models.MemoryCategory, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	record := fmt.Sprintf("%s%s @ %s\n%s\n\n", mdRecordPrefix, key, now.UTC().Format(time.RFC3339), content)
	if err := s.appendRecord(category, record); err != nil {
		return err
	}
	s.entries[key] = models.MemoryEntry{
		Key:       key,
		Content:   content,
		Category:  category,
		Embedding: embedding,
		StoredAt:  now,
	}
	return nil
}

func (s *MarkdownStore) Recall(_ context.Context, query string, topK int, category models.MemoryCategory) ([]models.ScoredEntry, error) {
	s.mu.Lock()
	snapshot := make([]models.MemoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if category != "" && e.Category != category {
			continue
		}
		snapshot = append(snapshot, e)
	}
	weights := s.weights
	s.mu.Unlock()

	// Markdown files never persist embeddings, so recall is keyword-only.
	w, _ := weights.Normalize(false)
	return rank(snapshot, query, nil, w, topK), nil
}

func (s *MarkdownStore) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if err := s.appendRecord(e.Category, fmt.Sprintf("%s%s\n\n", mdTombstonePrefix, key)); err != nil {
		return err
	}
	delete(s.entries, key)
	return nil
}

func (s *MarkdownStore) Count(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (s *MarkdownStore) Close() error { return nil }
