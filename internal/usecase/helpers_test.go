package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"hybridrag/internal/adapter/analyzer"
	"hybridrag/internal/adapter/dense"
	"hybridrag/internal/adapter/memstore"
	"hybridrag/internal/adapter/sparse"
	"hybridrag/internal/domain"
	"hybridrag/internal/logging"
	"hybridrag/internal/port"
)

const testDim = 3

func newIndexes() (port.DenseIndex, port.SparseIndex) {
	tok := analyzer.NewTokenizer(analyzer.DefaultOptions())
	return dense.NewExactIndex(testDim), sparse.NewIndex(tok, sparse.DefaultK1, sparse.DefaultB)
}

func openStore(t *testing.T, backend port.Backend) *ChunkStore {
	t.Helper()
	d, s := newIndexes()
	st, err := NewChunkStore(context.Background(), backend, d, s, ChunkStoreOptions{Logger: logging.Discard()})
	require.NoError(t, err)
	return st
}

func newMemStore(t *testing.T) (*ChunkStore, *memstore.MemoryStore) {
	t.Helper()
	backend := memstore.NewMemoryStore()
	return openStore(t, backend), backend
}

func title(id string, vec ...float32) domain.Chunk {
	return domain.Chunk{ID: id, Level: domain.LevelTitle, Text: "Title " + id, Vector: vec}
}

func section(id, parent string, pos int, vec ...float32) domain.Chunk {
	return domain.Chunk{ID: id, Level: domain.LevelSection, Text: "Section " + id, ParentID: parent, Position: pos, Vector: vec}
}

func paragraph(id, parent string, pos int, text string, vec ...float32) domain.Chunk {
	terms := make(map[string]int)
	for _, w := range analyzer.NewTokenizer(analyzer.DefaultOptions()).Tokenize(text) {
		terms[w]++
	}
	return domain.Chunk{ID: id, Level: domain.LevelParagraph, Text: text, ParentID: parent, Position: pos, Vector: vec, Terms: terms}
}

// guide is a small document: a title, two sections and three paragraphs.
func guide() []domain.Chunk {
	return []domain.Chunk{
		title("doc", 1, 0, 0),
		section("doc/s1", "doc", 0, 0, 1, 0),
		section("doc/s2", "doc", 1, 0, 0, 1),
		paragraph("doc/s1/p1", "doc/s1", 0, "Dense vectors capture meaning.", 0.9, 0.1, 0),
		paragraph("doc/s1/p2", "doc/s1", 1, "BM25 weighs rare terms higher than common terms.", 0.1, 0.9, 0.1),
		paragraph("doc/s2/p1", "doc/s2", 0, "Reciprocal rank fusion merges rankings.", 0, 0.2, 0.9),
	}
}

func ids(chunks []domain.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.ID
	}
	return out
}

func resultIDs(results []domain.FusedResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ChunkID
	}
	return out
}

func persistedPostings(t *testing.T, b port.Backend) map[string]map[string]int {
	t.Helper()
	out := make(map[string]map[string]int)
	require.NoError(t, b.ForEachPosting(context.Background(), func(term string, list []domain.Posting) error {
		for _, p := range list {
			if out[p.ChunkID] == nil {
				out[p.ChunkID] = make(map[string]int)
			}
			out[p.ChunkID][term] = p.TF
		}
		return nil
	}))
	return out
}
