package retriever

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/domain"
)

func fusedIDs(results []domain.FusedResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ChunkID
	}
	return ids
}

func TestFuse_DenseAndSparseRankings(t *testing.T) {
	lists := []domain.RankedList{
		{Name: "dense", IDs: []string{"A", "B", "C"}},
		{Name: "sparse", IDs: []string{"B", "A", "D"}},
	}

	fused, err := Fuse(lists, 60, 10)
	require.NoError(t, err)

	// A and B tie on score and list count, C and D tie on both; ids decide.
	assert.Equal(t, []string{"A", "B", "C", "D"}, fusedIDs(fused))
	top, second := 1.0/61, 1.0/62
	assert.Equal(t, top+second, fused[0].Score)
	assert.Equal(t, fused[0].Score, fused[1].Score)
	assert.InDelta(t, 1.0/63, fused[2].Score, 1e-15)
	assert.InDelta(t, 1.0/63, fused[3].Score, 1e-15)

	for i, r := range fused {
		assert.Equal(t, i+1, r.Rank)
	}
	assert.Equal(t, []string{"dense", "sparse"}, fused[0].SourceLists)
	assert.Equal(t, map[string]int{"dense": 1, "sparse": 2}, fused[0].SourceRanks)
	assert.Equal(t, []string{"sparse"}, fused[3].SourceLists)
	assert.Equal(t, map[string]int{"sparse": 3}, fused[3].SourceRanks)
}

func TestFuse_HigherSingleListRankBeatsLowerRank(t *testing.T) {
	lists := []domain.RankedList{
		{Name: "dense", IDs: []string{"A", "B", "C"}},
		{Name: "sparse", IDs: []string{"D", "B"}},
	}

	fused, err := Fuse(lists, 60, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A", "D", "C"}, fusedIDs(fused))
}

func TestFuse_ListCountBreaksScoreTies(t *testing.T) {
	// with k=1: X gets 1/2 from one list, Y gets 1/4+1/4 from two lists
	lists := []domain.RankedList{
		{Name: "one", IDs: []string{"X", "p", "Y"}},
		{Name: "two", IDs: []string{"q", "r", "Y"}},
	}

	fused, err := Fuse(lists, 1, 2)
	require.NoError(t, err)
	require.Len(t, fused, 2)
	assert.Equal(t, "Y", fused[0].ChunkID)
	assert.Equal(t, "X", fused[1].ChunkID)
	assert.Equal(t, fused[0].Score, fused[1].Score)
}

func TestFuse_TruncatesToTopK(t *testing.T) {
	lists := []domain.RankedList{{Name: "dense", IDs: []string{"a", "b", "c", "d"}}}

	fused, err := Fuse(lists, 60, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, fusedIDs(fused))
}

func TestFuse_DuplicateWithinListCountsFirstRank(t *testing.T) {
	lists := []domain.RankedList{{Name: "dense", IDs: []string{"a", "b", "a"}}}

	fused, err := Fuse(lists, 60, 5)
	require.NoError(t, err)
	require.Len(t, fused, 2)
	assert.Equal(t, 1.0/61, fused[0].Score)
	assert.Equal(t, 1, fused[0].SourceRanks["dense"])
}

func TestFuse_DisjointAndEmptyLists(t *testing.T) {
	fused, err := Fuse([]domain.RankedList{
		{Name: "dense", IDs: []string{"a"}},
		{Name: "sparse"},
	}, 60, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, fusedIDs(fused))

	fused, err = Fuse(nil, 60, 5)
	require.NoError(t, err)
	assert.Empty(t, fused)
}

func TestFuse_Validation(t *testing.T) {
	lists := []domain.RankedList{{Name: "dense", IDs: []string{"a"}}}

	_, err := Fuse(lists, 60, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidTopK)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = Fuse(lists, 0, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidRRFK)

	_, err = Fuse(lists, -5, 1)
	assert.ErrorIs(t, err, domain.ErrInvalidRRFK)
}

func TestWithout(t *testing.T) {
	lists := []domain.RankedList{
		{Name: "dense", IDs: []string{"a", "b"}},
		{Name: "sparse", IDs: []string{"b", "c"}},
	}

	out := Without(lists, map[string]struct{}{"b": {}})
	assert.Equal(t, []string{"a"}, out[0].IDs)
	assert.Equal(t, []string{"c"}, out[1].IDs)
	assert.Equal(t, []string{"a", "b"}, lists[0].IDs)
}
