package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/domain"
)

func TestKey_GenerationAndRequestMatter(t *testing.T) {
	req := domain.QueryRequest{Vector: []float32{1, 0}, Terms: []string{"fox", "den"}, TopK: 3}

	base := Key(1, req, 60)
	assert.Equal(t, base, Key(1, req, 60))
	assert.NotEqual(t, base, Key(2, req, 60))
	assert.NotEqual(t, base, Key(1, req, 10))

	other := req
	other.TopK = 4
	assert.NotEqual(t, base, Key(1, other, 60))

	other = req
	other.Vector = []float32{0, 1}
	assert.NotEqual(t, base, Key(1, other, 60))
}

func TestKey_TermsAreASet(t *testing.T) {
	a := domain.QueryRequest{Terms: []string{"fox", "den"}, TopK: 3}
	b := domain.QueryRequest{Terms: []string{"den", "fox", "fox"}, TopK: 3}
	assert.Equal(t, Key(1, a, 60), Key(1, b, 60))
}

func TestQueryCache_PutGet(t *testing.T) {
	c := NewQueryCache(4, time.Minute)
	res := &domain.QueryResult{RequestID: "r1", Results: []domain.FusedResult{{ChunkID: "a", Rank: 1}}}

	c.Put("k", res)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "a", got.Results[0].ChunkID)

	got.RequestID = "r2"
	again, _ := c.Get("k")
	assert.Equal(t, "r1", again.RequestID)
}

func TestQueryCache_SkipsDegraded(t *testing.T) {
	c := NewQueryCache(4, time.Minute)
	c.Put("k", &domain.QueryResult{Degraded: true})

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Size())
}

func TestQueryCache_EvictsAndInvalidates(t *testing.T) {
	c := NewQueryCache(2, time.Minute)
	c.Put("a", &domain.QueryResult{})
	c.Put("b", &domain.QueryResult{})
	c.Put("c", &domain.QueryResult{})

	assert.Equal(t, 2, c.Size())
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Invalidate()
	assert.Equal(t, 0, c.Size())
}

func TestQueryCache_Expires(t *testing.T) {
	c := NewQueryCache(2, 20*time.Millisecond)
	c.Put("a", &domain.QueryResult{})

	assert.Eventually(t, func() bool {
		_, ok := c.Get("a")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
