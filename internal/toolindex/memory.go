package toolindex

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore is a brute-force cosine similarity store. It is the
// default when no pgvector URL is configured; tool catalogs are small
// enough that linear scan is fine.
type MemoryStore struct {
	mu   sync.RWMutex
	recs map[string]Record
	dims int
}

// NewMemoryStore creates an empty in-memory index store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (s *MemoryStore) Upsert(_ context.Context, recs []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recs {
		if s.dims != 0 && r.Dimensions != s.dims {
			// Mismatched rows are skipped rather than corrupting
			// comparisons; the Index migrates before writing.
			continue
		}
		if s.dims == 0 {
			s.dims = r.Dimensions
		}
		s.recs[r.Key] = r
	}
	return nil
}

func (s *MemoryStore) Search(_ context.Context, vector []float64, limit int, threshold float64) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hits []Hit
	for _, r := range s.recs {
		if len(r.Vector) != len(vector) {
			continue
		}
		score := cosineSimilarity(vector, r.Vector)
		if score >= threshold {
			hits = append(hits, Hit{Record: r, Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *MemoryStore) DeleteByBackend(_ context.Context, backend string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, r := range s.recs {
		if r.Backend == backend {
			delete(s.recs, key)
		}
	}
	return nil
}

func (s *MemoryStore) Dimensions(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dims, nil
}

// Migrate resizes the store, dropping rows of any other width.
func (s *MemoryStore) Migrate(_ context.Context, dims int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, r := range s.recs {
		if r.Dimensions != dims {
			delete(s.recs, key)
		}
	}
	s.dims = dims
	return nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
