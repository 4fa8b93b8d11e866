package port

import (
	"context"

	"hybridrag/internal/domain"
)

// DenseIndex performs nearest-neighbour search over fixed-dimension vectors.
type DenseIndex interface {
	// Upsert adds or replaces the vector of a chunk.
	Upsert(chunkID string, vector []float32) error

	Remove(chunkID string)

	// Search returns up to k hits by descending cosine similarity, ties
	// broken by ascending chunk id.
	Search(ctx context.Context, query []float32, k int) ([]domain.Hit, error)

	Dimension() int

	Len() int

	Contains(chunkID string) bool

	// IDs returns the indexed chunk ids in ascending order.
	IDs() []string
}

// SparseIndex performs BM25 keyword search over term-frequency vectors.
type SparseIndex interface {
	// Upsert adds or replaces the raw term frequencies of a chunk. Terms are
	// normalized with Analyze.
	Upsert(chunkID string, terms map[string]int) error

	Remove(chunkID string)

	// Search returns up to k chunks containing at least one query term by
	// descending BM25 score, ties broken by ascending chunk id.
	Search(ctx context.Context, terms []string, k int) ([]domain.Hit, error)

	// Analyze returns the normalized term frequencies Upsert would index.
	Analyze(terms map[string]int) map[string]int

	// Terms returns the normalized terms indexed for a chunk.
	Terms(chunkID string) (map[string]int, bool)

	Stats() domain.CorpusStats

	Postings(term string) []domain.Posting

	Len() int

	Contains(chunkID string) bool

	IDs() []string
}
