package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/adapter/analyzer"
)

func TestHashEmbedder_DeterministicAndNormalized(t *testing.T) {
	e := NewHashEmbedder(64, analyzer.NewTokenizer(analyzer.DefaultOptions()))

	vecs, err := e.Embed(context.Background(), []string{"retrieval fusion ranks", "retrieval fusion ranks", ""})
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	assert.Equal(t, vecs[0], vecs[1])
	assert.Len(t, vecs[0], 64)

	var sq float64
	for _, v := range vecs[0] {
		sq += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sq), 1e-5)

	for _, v := range vecs[2] {
		assert.Zero(t, v)
	}
	assert.Equal(t, "hash", e.ModelName())
	assert.Equal(t, 64, e.Dimension())
}

func TestHashEmbedder_HonoursContext(t *testing.T) {
	e := NewHashEmbedder(8, analyzer.NewTokenizer(analyzer.DefaultOptions()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Embed(ctx, []string{"text"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embeddingRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}

		// Answer out of order to exercise index placement.
		resp := embeddingResponse{}
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, embeddingData{Index: i, Embedding: []float32{float32(i), 1, 0}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	t.Setenv("TEST_EMBED_KEY", "test-key")
	e, err := NewOpenAICompatibleEmbedder("TEST_EMBED_KEY", "custom", srv.URL, 3)
	require.NoError(t, err)
	e.WithBatchSize(2)

	vecs, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []float32{0, 1, 0}, vecs[0])
	assert.Equal(t, []float32{1, 1, 0}, vecs[1])
	assert.Equal(t, []float32{0, 1, 0}, vecs[2])
}

func TestOpenAIEmbedder_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	t.Setenv("TEST_EMBED_KEY", "k")
	e, err := NewOpenAICompatibleEmbedder("TEST_EMBED_KEY", "custom", srv.URL, 3)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), []string{"a"})
	assert.ErrorContains(t, err, "status 500")

	_, err = NewOpenAIEmbedder("HYBRIDRAG_UNSET_KEY", "text-embedding-3-small", 0)
	assert.Error(t, err)
}

func TestModelDimension(t *testing.T) {
	assert.Equal(t, 768, modelDimension("nomic-embed-text", 0))
	assert.Equal(t, 3072, modelDimension("text-embedding-3-large", 0))
	assert.Equal(t, 512, modelDimension("nomic-embed-text", 512))
}
