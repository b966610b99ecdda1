package memory

import (
	"context"
	"testing"
	"time"

	"github.com/finchbot/finch/pkg/models"
)

type fixedEmbedder struct {
	vectors map[string][]float32
}

func (f *fixedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 1}, nil
}

func TestWeightsNormalize(t *testing.T) {
	w, degraded := Weights{Vector: 0.6, Keyword: 0.4}.Normalize(false)
	if !degraded {
		t.Error("expected degraded when no embedder")
	}
	if w.Vector != 0 || w.Keyword != 1 {
		t.Errorf("weights = %+v, want keyword-only", w)
	}

	w, degraded = Weights{Vector: 0.6, Keyword: 0.4}.Normalize(true)
	if degraded {
		t.Error("unexpected degradation with embedder")
	}
	if w.Vector+w.Keyword != 1 {
		t.Errorf("weights do not sum to 1: %+v", w)
	}
}

func TestKeywordScoreCaseInsensitive(t *testing.T) {
	a := keywordScore("ROTATION schedule", "the rotation schedule is weekly")
	b := keywordScore("rotation schedule", "the rotation schedule is weekly")
	if a != b {
		t.Errorf("case changed score: %v vs %v", a, b)
	}
	if a == 0 {
		t.Error("matching terms scored zero")
	}
	if keywordScore("rotation", "nothing relevant here") != 0 {
		t.Error("non-matching content scored nonzero")
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", DefaultWeights(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Store(ctx, "pref.editor", "the operator prefers helix", models.MemoryCore, nil); err != nil {
		t.Fatal(err)
	}
	got, err := s.Recall(ctx, "the operator prefers helix", 5, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 || got[0].Entry.Key != "pref.editor" {
		t.Fatalf("recall = %+v, want pref.editor first", got)
	}
	if got[0].Entry.Content != "the operator prefers helix" {
		t.Errorf("content truncated or altered: %q", got[0].Entry.Content)
	}
}

func TestSQLiteStoreOverwriteSameKey(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", DefaultWeights(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Store(ctx, "k", "old fact", models.MemoryDaily, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Store(ctx, "k", "new fact", models.MemoryDaily, nil); err != nil {
		t.Fatal(err)
	}
	n, err := s.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Count = %d, want 1 after overwrite", n)
	}
	got, _ := s.Recall(ctx, "fact", 1, "")
	if len(got) != 1 || got[0].Entry.Content != "new fact" {
		t.Errorf("recall after overwrite = %+v", got)
	}
}

func TestSQLiteStoreForget(t *testing.T) {
	s, err := NewSQLiteStore(":memory:", DefaultWeights(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	_ = s.Store(ctx, "gone", "temporary", models.MemoryDaily, nil)
	if err := s.Forget(ctx, "gone"); err != nil {
		t.Fatal(err)
	}
	n, _ := s.Count(ctx)
	if n != 0 {
		t.Errorf("Count = %d after forget", n)
	}
}

func TestSQLiteStoreCategoryFilter(t *testing.T) {
	s, _ := NewSQLiteStore(":memory:", DefaultWeights(), nil)
	defer s.Close()
	ctx := context.Background()

	_ = s.Store(ctx, "a", "standup notes today", models.MemoryDaily, nil)
	_ = s.Store(ctx, "b", "standup is at nine", models.MemoryCore, nil)

	got, _ := s.Recall(ctx, "standup", 10, models.MemoryCore)
	if len(got) != 1 || got[0].Entry.Key != "b" {
		t.Errorf("category filter returned %+v", got)
	}
}

func TestHybridRecallWithEmbedder(t *testing.T) {
	emb := &fixedEmbedder{vectors: map[string][]float32{
		"deploy window": {1, 0, 0},
	}}
	s, err := NewSQLiteStore(":memory:", Weights{Vector: 0.7, Keyword: 0.3}, emb)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	// Similar vector, no keyword overlap.
	_ = s.Store(ctx, "vec", "release train leaves friday", models.MemoryCore, []float32{0.99, 0.1, 0})
	// No vector, keyword overlap only.
	_ = s.Store(ctx, "kw", "deploy window notes", models.MemoryCore, nil)

	got, err := s.Recall(ctx, "deploy window", 2, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("recall returned %d entries", len(got))
	}
	if got[0].Entry.Key != "vec" {
		t.Errorf("vector-similar entry should outrank keyword-only under 0.7 vector weight, got %q first", got[0].Entry.Key)
	}
}

func TestRecallDeterministic(t *testing.T) {
	s, _ := NewSQLiteStore(":memory:", DefaultWeights(), nil)
	defer s.Close()
	ctx := context.Background()
	_ = s.Store(ctx, "x", "alpha beta", models.MemoryCore, nil)
	_ = s.Store(ctx, "y", "alpha gamma", models.MemoryCore, nil)

	first, _ := s.Recall(ctx, "alpha", 2, "")
	for i := 0; i < 5; i++ {
		again, _ := s.Recall(ctx, "alpha", 2, "")
		if len(again) != len(first) {
			t.Fatal("result count varied")
		}
		for j := range again {
			if again[j].Entry.Key != first[j].Entry.Key {
				t.Fatalf("ordering varied between recalls: %v vs %v", again, first)
			}
		}
	}
}

func TestTiesBrokenByRecency(t *testing.T) {
	entries := []models.MemoryEntry{
		{Key: "old", Content: "alpha", StoredAt: time.Unix(100, 0)},
		{Key: "new", Content: "alpha", StoredAt: time.Unix(200, 0)},
	}
	got := rank(entries, "alpha", nil, Weights{Keyword: 1}, 2)
	if got[0].Entry.Key != "new" {
		t.Errorf("tie should break toward later store, got %q first", got[0].Entry.Key)
	}
}

func TestMarkdownStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewMarkdownStore(dir, DefaultWeights())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_ = s.Store(ctx, "k1", "persistent markdown fact", models.MemoryCore, nil)
	_ = s.Store(ctx, "k2", "another note", models.MemoryDaily, nil)
	_ = s.Forget(ctx, "k2")

	reopened, err := NewMarkdownStore(dir, DefaultWeights())
	if err != nil {
		t.Fatal(err)
	}
	n, _ := reopened.Count(ctx)
	if n != 1 {
		t.Fatalf("Count after reopen = %d, want 1", n)
	}
	got, _ := reopened.Recall(ctx, "persistent markdown fact", 1, "")
	if len(got) != 1 || got[0].Entry.Key != "k1" {
		t.Errorf("recall after reopen = %+v", got)
	}
}

func TestEmbeddingCodecRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.75, 0}
	out := decodeEmbedding(encodeEmbedding(in))
	if len(out) != len(in) {
		t.Fatalf("length %d != %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: %v != %v", i, in[i], out[i])
		}
	}
}
