// Package backendtest holds the behaviour every port.Backend must share.
package backendtest

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/domain"
	"hybridrag/internal/port"
)

// Factory opens a fresh backend. Reopen, when set, closes the backend and
// opens it again over the same durable state.
type Factory struct {
	Open   func(t *testing.T) port.Backend
	Reopen func(t *testing.T, b port.Backend) port.Backend
}

func Entry(c domain.Chunk, terms map[string]int) port.Entry {
	length := 0
	for _, tf := range terms {
		length += tf
	}
	return port.Entry{Chunk: c, Terms: terms, Length: length}
}

func Title() domain.Chunk {
	return domain.Chunk{
		ID:       "doc",
		Level:    domain.LevelTitle,
		Text:     "Hybrid retrieval",
		Vector:   []float32{1, 0, 0},
		Terms:    map[string]int{"hybrid": 1, "retrieval": 1},
		Metadata: map[string]string{"source": "guide.pdf"},
	}
}

func Section() domain.Chunk {
	return domain.Chunk{
		ID:       "doc/s1",
		Level:    domain.LevelSection,
		Text:     "Sparse indexes",
		ParentID: "doc",
		Position: 0,
		Vector:   []float32{0, 1, 0},
		Terms:    map[string]int{"sparse": 1, "indexes": 1},
	}
}

func Paragraph() domain.Chunk {
	return domain.Chunk{
		ID:       "doc/s1/p1",
		Level:    domain.LevelParagraph,
		Text:     "BM25 weighs rare terms higher.",
		ParentID: "doc/s1",
		Position: 2,
		Vector:   []float32{0, 0.5, 0.5},
		Terms:    map[string]int{"bm25": 1, "rare": 1, "terms": 2},
	}
}

func seed(t *testing.T, b port.Backend) {
	t.Helper()
	err := b.Apply(context.Background(), port.Mutation{Puts: []port.Entry{
		Entry(Title(), Title().Terms),
		Entry(Section(), Section().Terms),
		Entry(Paragraph(), Paragraph().Terms),
	}})
	require.NoError(t, err)
}

func postings(t *testing.T, b port.Backend) map[string][]domain.Posting {
	t.Helper()
	out := make(map[string][]domain.Posting)
	err := b.ForEachPosting(context.Background(), func(term string, list []domain.Posting) error {
		for i := range list {
			list[i].Term = term
		}
		out[term] = list
		return nil
	})
	require.NoError(t, err)
	return out
}

// Run exercises the backend contract.
func Run(t *testing.T, f Factory) {
	ctx := context.Background()

	t.Run("GetRoundTrip", func(t *testing.T) {
		b := f.Open(t)
		seed(t, b)

		got, err := b.Get(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, Title(), got)

		got, err = b.Get(ctx, "doc/s1/p1")
		require.NoError(t, err)
		assert.Equal(t, Paragraph(), got)
	})

	t.Run("GetReturnsCopy", func(t *testing.T) {
		b := f.Open(t)
		seed(t, b)

		got, err := b.Get(ctx, "doc")
		require.NoError(t, err)
		got.Vector[0] = 42
		got.Metadata["source"] = "changed"

		again, err := b.Get(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, Title(), again)
	})

	t.Run("GetUnknown", func(t *testing.T) {
		b := f.Open(t)
		_, err := b.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ChildrenAndForEach", func(t *testing.T) {
		b := f.Open(t)
		seed(t, b)

		kids, err := b.Children(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, []string{"doc/s1"}, kids)

		kids, err = b.Children(ctx, "doc/s1/p1")
		require.NoError(t, err)
		assert.Empty(t, kids)

		var ids []string
		require.NoError(t, b.ForEach(ctx, func(c domain.Chunk) error {
			ids = append(ids, c.ID)
			return nil
		}))
		assert.Equal(t, []string{"doc", "doc/s1", "doc/s1/p1"}, ids)
	})

	t.Run("ApplyMaintainsPostingsAndStats", func(t *testing.T) {
		b := f.Open(t)
		seed(t, b)

		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.StoredStats{N: 3, TotalLength: 8}, stats)

		p := postings(t, b)
		assert.Equal(t, []domain.Posting{{Term: "terms", ChunkID: "doc/s1/p1", TF: 2}}, p["terms"])
		assert.Len(t, p, 7)
	})

	t.Run("ReplaceAndDelete", func(t *testing.T) {
		b := f.Open(t)
		seed(t, b)

		old := Paragraph()
		updated := Paragraph()
		updated.Text = "BM25 weighs rare words."
		updated.Terms = map[string]int{"bm25": 1, "words": 1}
		require.NoError(t, b.Apply(ctx, port.Mutation{
			Deletes: []port.Entry{Entry(old, old.Terms)},
			Puts:    []port.Entry{Entry(updated, updated.Terms)},
		}))

		got, err := b.Get(ctx, updated.ID)
		require.NoError(t, err)
		assert.Equal(t, updated, got)
		p := postings(t, b)
		assert.NotContains(t, p, "terms")
		assert.Contains(t, p, "words")
		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.StoredStats{N: 3, TotalLength: 6}, stats)

		require.NoError(t, b.Apply(ctx, port.Mutation{
			Deletes: []port.Entry{Entry(updated, updated.Terms), Entry(Section(), Section().Terms)},
		}))
		_, err = b.Get(ctx, updated.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		kids, err := b.Children(ctx, "doc")
		require.NoError(t, err)
		assert.Empty(t, kids)
		p = postings(t, b)
		assert.Equal(t, []string{"hybrid", "retrieval"}, keys(p))
		stats, err = b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.StoredStats{N: 1, TotalLength: 2}, stats)
	})

	t.Run("ApplyIsAllOrNothing", func(t *testing.T) {
		b := f.Open(t)
		seed(t, b)

		ghost := domain.Chunk{ID: "ghost", Level: domain.LevelTitle}
		fresh := domain.Chunk{ID: "fresh", Level: domain.LevelTitle, Vector: []float32{1, 1, 1}}
		err := b.Apply(ctx, port.Mutation{
			Deletes: []port.Entry{Entry(ghost, nil)},
			Puts:    []port.Entry{Entry(fresh, map[string]int{"fresh": 1})},
		})
		require.Error(t, err)

		_, err = b.Get(ctx, "fresh")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		assert.NotContains(t, postings(t, b), "fresh")
		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.N)
	})

	t.Run("RepairAndReplaceIndex", func(t *testing.T) {
		b := f.Open(t)
		seed(t, b)

		require.NoError(t, b.RepairPostings(ctx, "doc/s1/p1", map[string]int{"bm25": 5}, []string{"rare", "terms"}))
		p := postings(t, b)
		assert.Equal(t, []domain.Posting{{Term: "bm25", ChunkID: "doc/s1/p1", TF: 5}}, p["bm25"])
		assert.NotContains(t, p, "rare")

		require.NoError(t, b.RepairPostings(ctx, "doc", nil, []string{"hybrid", "retrieval"}))
		assert.NotContains(t, postings(t, b), "hybrid")

		require.NoError(t, b.ReplaceIndex(ctx, []port.Entry{Entry(Title(), map[string]int{"only": 3})}))
		assert.Equal(t, []string{"only"}, keys(postings(t, b)))
		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.StoredStats{N: 1, TotalLength: 3}, stats)

		require.NoError(t, b.PutStats(ctx, domain.StoredStats{N: 3, TotalLength: 9}))
		stats, err = b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.StoredStats{N: 3, TotalLength: 9}, stats)
	})

	t.Run("Meta", func(t *testing.T) {
		b := f.Open(t)
		v, err := b.GetMeta(ctx, "schema_version")
		require.NoError(t, err)
		assert.Empty(t, v)

		require.NoError(t, b.SetMeta(ctx, "schema_version", "1"))
		v, err = b.GetMeta(ctx, "schema_version")
		require.NoError(t, err)
		assert.Equal(t, "1", v)
	})

	if f.Reopen == nil {
		return
	}

	t.Run("SurvivesReopen", func(t *testing.T) {
		b := f.Open(t)
		seed(t, b)
		require.NoError(t, b.SetMeta(ctx, "dimension", "3"))

		b = f.Reopen(t, b)

		got, err := b.Get(ctx, "doc/s1/p1")
		require.NoError(t, err)
		assert.Equal(t, Paragraph(), got)
		kids, err := b.Children(ctx, "doc/s1")
		require.NoError(t, err)
		assert.Equal(t, []string{"doc/s1/p1"}, kids)
		stats, err := b.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, domain.StoredStats{N: 3, TotalLength: 8}, stats)
		assert.Len(t, postings(t, b), 7)
		v, err := b.GetMeta(ctx, "dimension")
		require.NoError(t, err)
		assert.Equal(t, "3", v)
	})
}

func keys(m map[string][]domain.Posting) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
