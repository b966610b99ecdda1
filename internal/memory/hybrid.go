package memory

import (
	"math"
	"sort"
	"strings"

	"github.com/finchbot/finch/pkg/models"
)

// Weights splits the hybrid score between vector similarity and keyword
// match. The two must sum to 1.
type Weights struct {
	Vector  float64
	Keyword float64
}

// DefaultWeights favors vectors slightly when an embedder is available.
func DefaultWeights() Weights {
	return Weights{Vector: 0.6, Keyword: 0.4}
}

// Normalize forces the vector weight to zero when no embedder is configured
// and rescales so the weights sum to 1. It reports whether the configuration
// was degraded.
func (w Weights) Normalize(hasEmbedder bool) (Weights, bool) {
	degraded := false
	if !hasEmbedder && w.Vector != 0 {
		w.Vector = 0
		w.Keyword = 1
		degraded = true
	}
	sum := w.Vector + w.Keyword
	if sum <= 0 {
		return Weights{Keyword: 1}, degraded
	}
	w.Vector /= sum
	w.Keyword /= sum
	return w, degraded
}

// cosine computes cosine similarity of two vectors, 0 for mismatched or
// empty inputs.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

// keywordScore is a BM25-flavored lexical score: term-frequency saturation
// with length normalization, case-insensitive.
func keywordScore(query, content string) float64 {
	qTerms := tokenize(query)
	if len(qTerms) == 0 {
		return 0
	}
	cTerms := tokenize(content)
	if len(cTerms) == 0 {
		return 0
	}
	tf := make(map[string]int, len(cTerms))
	for _, t := range cTerms {
		tf[t]++
	}

	const k1 = 1.2
	const b = 0.75
	const avgLen = 32.0
	lenNorm := k1 * (1 - b + b*float64(len(cTerms))/avgLen)

	var score float64
	for _, q := range qTerms {
		f := float64(tf[q])
		if f == 0 {
			continue
		}
		score += f * (k1 + 1) / (f + lenNorm)
	}
	// Normalize to [0,1] by the best possible score for this query.
	max := float64(len(qTerms)) * (k1 + 1) / (1 + k1*(1-b+b/avgLen))
	if max == 0 {
		return 0
	}
	s := score / max
	if s > 1 {
		s = 1
	}
	return s
}

// rank scores entries against the query and returns the topK, ties broken by
// recency (later store wins).
func rank(entries []models.MemoryEntry, query string, qvec []float32, w Weights, topK int) []models.ScoredEntry {
	scored := make([]models.ScoredEntry, 0, len(entries))
	for _, e := range entries {
		s := w.Keyword * keywordScore(query, e.Content)
		if w.Vector > 0 && len(qvec) > 0 && len(e.Embedding) > 0 {
			s += w.Vector * cosine(qvec, e.Embedding)
		}
		scored = append(scored, models.ScoredEntry{Entry: e, Score: s})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Entry.StoredAt.After(scored[j].Entry.StoredAt)
	})
	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored
}
