package sparse

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/adapter/analyzer"
	"hybridrag/internal/domain"
)

func newTestIndex() *Index {
	return NewIndex(analyzer.NewTokenizer(analyzer.DefaultOptions()), DefaultK1, DefaultB)
}

func seed(t *testing.T, idx *Index) {
	t.Helper()
	require.NoError(t, idx.Upsert("d1", map[string]int{"apple": 2, "banana": 1}))
	require.NoError(t, idx.Upsert("d2", map[string]int{"Apple": 1, "cherry": 3}))
	require.NoError(t, idx.Upsert("d3", map[string]int{"durian": 1}))
}

func TestIndex_SearchScoresWithBM25(t *testing.T) {
	idx := newTestIndex()
	seed(t, idx)

	hits, err := idx.Search(context.Background(), []string{"apple"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	n, avgdl := 3.0, 8.0/3.0
	idf := math.Log((n-2+0.5)/(2+0.5) + 1)
	d1 := idf * 2 * 2.2 / (2 + 1.2*(0.25+0.75*3/avgdl))
	d2 := idf * 1 * 2.2 / (1 + 1.2*(0.25+0.75*4/avgdl))

	assert.Equal(t, "d1", hits[0].ChunkID)
	assert.InDelta(t, d1, hits[0].Score, 1e-12)
	assert.Equal(t, "d2", hits[1].ChunkID)
	assert.InDelta(t, d2, hits[1].Score, 1e-12)
}

func TestIndex_ChunksWithoutQueryTermsAreExcluded(t *testing.T) {
	idx := newTestIndex()
	seed(t, idx)

	hits, err := idx.Search(context.Background(), []string{"banana", "kiwi"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].ChunkID)
	assert.Greater(t, hits[0].Score, 0.0)

	hits, err = idx.Search(context.Background(), []string{"kiwi"}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = idx.Search(context.Background(), []string{"the", "a"}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_DuplicateQueryTermsCountOnce(t *testing.T) {
	idx := newTestIndex()
	seed(t, idx)

	once, err := idx.Search(context.Background(), []string{"cherry"}, 10)
	require.NoError(t, err)
	twice, err := idx.Search(context.Background(), []string{"cherry", "CHERRY"}, 10)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestIndex_TiesBreakByID(t *testing.T) {
	idx := newTestIndex()
	for _, id := range []string{"z", "m", "a"} {
		require.NoError(t, idx.Upsert(id, map[string]int{"shared": 1}))
	}

	hits, err := idx.Search(context.Background(), []string{"shared"}, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ChunkID)
	assert.Equal(t, "m", hits[1].ChunkID)
	assert.Equal(t, hits[0].Score, hits[1].Score)
}

func TestIndex_RemoveClearsPostingsAndStats(t *testing.T) {
	idx := newTestIndex()
	seed(t, idx)

	idx.Remove("d1")

	assert.Empty(t, idx.Postings("banana"))
	assert.Equal(t, []domain.Posting{{Term: "apple", ChunkID: "d2", TF: 1}}, idx.Postings("apple"))
	stats := idx.Stats()
	assert.Equal(t, 2, stats.N)
	assert.Equal(t, 5, stats.TotalLength)
	assert.InDelta(t, 2.5, stats.AvgDL, 1e-12)
	assert.False(t, idx.Contains("d1"))

	hits, err := idx.Search(context.Background(), []string{"banana"}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_UpsertReplacesPreviousTerms(t *testing.T) {
	idx := newTestIndex()
	require.NoError(t, idx.Upsert("d1", map[string]int{"old": 4}))
	require.NoError(t, idx.Upsert("d1", map[string]int{"new": 1}))

	assert.Empty(t, idx.Postings("old"))
	terms, ok := idx.Terms("d1")
	require.True(t, ok)
	assert.Equal(t, map[string]int{"new": 1}, terms)
	assert.Equal(t, 1, idx.Stats().TotalLength)
}

func TestIndex_Validation(t *testing.T) {
	idx := newTestIndex()

	assert.ErrorIs(t, idx.Upsert("d", map[string]int{"x": -1}), domain.ErrValidation)
	assert.ErrorIs(t, idx.Upsert("d", map[string]int{"": 1}), domain.ErrValidation)
	_, err := idx.Search(context.Background(), []string{"x"}, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Zero(t, idx.Len())
}

func TestIndex_ChunkWithNoTermsCountsInN(t *testing.T) {
	idx := newTestIndex()
	require.NoError(t, idx.Upsert("empty", nil))
	require.NoError(t, idx.Upsert("d1", map[string]int{"word": 2}))

	stats := idx.Stats()
	assert.Equal(t, 2, stats.N)
	assert.InDelta(t, 1.0, stats.AvgDL, 1e-12)
}

func TestIndex_ConcurrentUpsertAndSearch(t *testing.T) {
	idx := newTestIndex()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, idx.Upsert(fmt.Sprintf("c%d", i), map[string]int{"term": i + 1}))
		}(i)
		go func() {
			defer wg.Done()
			_, err := idx.Search(context.Background(), []string{"term"}, 5)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, idx.Stats().N)
	assert.Len(t, idx.Postings("term"), 50)
}

func TestIDF_PositiveForCommonTerms(t *testing.T) {
	assert.Greater(t, IDF(10, 10), 0.0)
	assert.Greater(t, IDF(10, 1), IDF(10, 5))
}
