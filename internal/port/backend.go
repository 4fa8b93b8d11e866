package port

import (
	"context"

	"hybridrag/internal/domain"
)

// Entry is a chunk together with its normalized sparse terms, as persisted by
// a Backend. Length is the sum of the normalized term frequencies.
type Entry struct {
	Chunk  domain.Chunk
	Terms  map[string]int
	Length int
}

// Mutation is applied by a Backend in a single transaction: every delete,
// then every put. A replaced chunk appears in both lists.
type Mutation struct {
	Deletes []Entry
	Puts    []Entry
}

func (m Mutation) Empty() bool {
	return len(m.Deletes) == 0 && len(m.Puts) == 0
}

// Backend is the durable source of truth for chunk records, hierarchy links,
// postings and corpus statistics.
type Backend interface {
	// Apply commits the mutation atomically, including the postings and
	// stored corpus statistics derived from it.
	Apply(ctx context.Context, m Mutation) error

	// Get returns a copy of the chunk or an error wrapping domain.ErrNotFound.
	Get(ctx context.Context, id string) (domain.Chunk, error)

	// Children returns the ids of the direct children of parentID.
	Children(ctx context.Context, parentID string) ([]string, error)

	// ForEach visits every stored chunk in id order.
	ForEach(ctx context.Context, fn func(domain.Chunk) error) error

	// ForEachPosting visits every persisted postings list in term order.
	ForEachPosting(ctx context.Context, fn func(term string, postings []domain.Posting) error) error

	Stats(ctx context.Context) (domain.StoredStats, error)

	// RepairPostings replaces the persisted postings of one chunk. A nil
	// terms map removes the chunk from every postings list; stale names the
	// terms the chunk must no longer appear under.
	RepairPostings(ctx context.Context, chunkID string, terms map[string]int, stale []string) error

	// ReplaceIndex discards every persisted posting and rewrites postings and
	// statistics from the given entries.
	ReplaceIndex(ctx context.Context, entries []Entry) error

	PutStats(ctx context.Context, stats domain.StoredStats) error

	// GetMeta returns "" for an unknown key.
	GetMeta(ctx context.Context, key string) (string, error)

	SetMeta(ctx context.Context, key, value string) error

	Close() error
}
