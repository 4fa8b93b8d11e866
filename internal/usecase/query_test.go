package usecase

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"hybridrag/internal/adapter/analyzer"
	"hybridrag/internal/adapter/cache"
	"hybridrag/internal/adapter/retriever"
	"hybridrag/internal/domain"
	"hybridrag/internal/logging"
	"hybridrag/internal/port"
)

func newQuery(st *ChunkStore, qc *cache.QueryCache) *QueryUseCase {
	tok := analyzer.NewTokenizer(analyzer.DefaultOptions())
	assembler := NewAssembler(st, tok, AssembleOptions{MaxSize: 4000, Unit: UnitChars}, logging.Discard())
	return NewQueryUseCase(st, assembler, qc, QueryOptions{
		RRFK:              60,
		DenseDepthFactor:  2,
		SparseDepthFactor: 4,
		MinCandidates:     20,
		PathTimeout:       time.Second,
	}, logging.Discard())
}

func seededStore(t *testing.T) *ChunkStore {
	t.Helper()
	st, _ := newMemStore(t)
	_, err := st.BatchPut(context.Background(), guide())
	require.NoError(t, err)
	return st
}

func TestQuery_EndToEnd(t *testing.T) {
	st := seededStore(t)
	q := newQuery(st, nil)

	res, err := q.Query(context.Background(), domain.QueryRequest{
		Vector: []float32{0.1, 0.9, 0.1},
		Terms:  []string{"BM25", "rare"},
		TopK:   3,
	})
	require.NoError(t, err)

	require.Len(t, res.Results, 3)
	top := res.Results[0]
	assert.Equal(t, "doc/s1/p2", top.ChunkID)
	assert.Equal(t, 1, top.Rank)
	assert.Equal(t, []string{retriever.PathDense, retriever.PathSparse}, top.SourceLists)
	assert.Equal(t, map[string]int{retriever.PathDense: 1, retriever.PathSparse: 1}, top.SourceRanks)
	assert.InDelta(t, 2.0/61, top.Score, 1e-12)
	assert.False(t, res.Degraded)
	assert.NotEmpty(t, res.RequestID)

	require.NotEmpty(t, res.Context.Blocks)
	block := res.Context.Blocks[0]
	assert.Equal(t, "doc", block.RootID)
	assert.Equal(t, "doc", block.Entries[0].ChunkID)
	assert.Contains(t, res.Context.Render(), "[doc/s1/p2] level=paragraph rank=1")
	assert.Len(t, res.Context.Citations, 3)
}

func TestQuery_SparseOnlyAndDenseOnly(t *testing.T) {
	st := seededStore(t)
	q := newQuery(st, nil)
	ctx := context.Background()

	res, err := q.Query(ctx, domain.QueryRequest{Terms: []string{"fusion"}, TopK: 5})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc/s2/p1"}, resultIDs(res.Results))

	res, err = q.Query(ctx, domain.QueryRequest{Vector: []float32{0, 0, 1}, TopK: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc/s2"}, resultIDs(res.Results))
}

func TestQuery_Validation(t *testing.T) {
	st := seededStore(t)
	q := newQuery(st, nil)
	ctx := context.Background()

	_, err := q.Query(ctx, domain.QueryRequest{Terms: []string{"x"}, TopK: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidTopK)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = q.Query(ctx, domain.QueryRequest{Terms: []string{"x"}, TopK: 1, KRRF: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidRRFK)

	_, err = q.Query(ctx, domain.QueryRequest{Vector: []float32{1, 0}, TopK: 1})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)

	_, err = q.Query(ctx, domain.QueryRequest{TopK: 1})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestQuery_EmptyIndex(t *testing.T) {
	st, _ := newMemStore(t)
	q := newQuery(st, nil)

	_, err := q.Query(context.Background(), domain.QueryRequest{Terms: []string{"x"}, TopK: 1})
	assert.ErrorIs(t, err, domain.ErrEmptyIndex)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestQuery_EmptiedIndexReturnsNoResults(t *testing.T) {
	ctx := context.Background()
	st, backend := newMemStore(t)
	_, err := st.BatchPut(ctx, guide())
	require.NoError(t, err)
	_, err = st.Delete(ctx, "doc")
	require.NoError(t, err)
	require.Zero(t, st.Dense().Len())

	req := domain.QueryRequest{Vector: []float32{1, 0, 0}, Terms: []string{"fusion"}, TopK: 3}
	res, err := newQuery(st, nil).Query(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.False(t, res.Degraded)

	reopened := openStore(t, backend)
	assert.True(t, reopened.Populated())
	res, err = newQuery(reopened, nil).Query(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, res.Results)
}

func TestQuery_CustomKRRF(t *testing.T) {
	st := seededStore(t)
	q := newQuery(st, nil)

	res, err := q.Query(context.Background(), domain.QueryRequest{Terms: []string{"fusion"}, TopK: 1, KRRF: 10})
	require.NoError(t, err)
	assert.InDelta(t, 1.0/11, res.Results[0].Score, 1e-12)
}

type blockingDense struct {
	port.DenseIndex
}

func (blockingDense) Search(ctx context.Context, _ []float32, _ int) ([]domain.Hit, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type failingSparse struct {
	port.SparseIndex
}

func (failingSparse) Search(context.Context, []string, int) ([]domain.Hit, error) {
	return nil, errors.New("postings unavailable")
}

func TestQuery_DegradedOnPathTimeout(t *testing.T) {
	st := seededStore(t)
	qc := cache.NewQueryCache(8, time.Minute)
	q := newQuery(st, qc)
	q.retriever = retriever.NewHybridRetriever(blockingDense{st.Dense()}, st.Sparse(), 20*time.Millisecond, logging.Discard())

	res, err := q.Query(context.Background(), domain.QueryRequest{
		Vector: []float32{1, 0, 0},
		Terms:  []string{"fusion"},
		TopK:   3,
	})
	require.NoError(t, err)
	assert.True(t, res.Degraded)
	require.Len(t, res.FailedPaths, 1)
	assert.Equal(t, retriever.PathDense, res.FailedPaths[0].Path)
	assert.Contains(t, res.FailedPaths[0].Error, domain.ErrTimeout.Error())
	assert.Equal(t, []string{"doc/s2/p1"}, resultIDs(res.Results))
	assert.Zero(t, qc.Size())
}

func TestQuery_BothPathsFail(t *testing.T) {
	st := seededStore(t)
	q := newQuery(st, nil)
	q.retriever = retriever.NewHybridRetriever(blockingDense{st.Dense()}, failingSparse{st.Sparse()}, 20*time.Millisecond, logging.Discard())

	_, err := q.Query(context.Background(), domain.QueryRequest{
		Vector: []float32{1, 0, 0},
		Terms:  []string{"fusion"},
		TopK:   3,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrQueryFailed)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Contains(t, err.Error(), "postings unavailable")
}

func TestQuery_CacheFollowsGeneration(t *testing.T) {
	st := seededStore(t)
	qc := cache.NewQueryCache(8, time.Minute)
	q := newQuery(st, qc)
	ctx := context.Background()
	req := domain.QueryRequest{Terms: []string{"fusion"}, TopK: 5}

	first, err := q.Query(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, qc.Size())

	second, err := q.Query(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Results, second.Results)
	assert.NotEqual(t, first.RequestID, second.RequestID)
	assert.Equal(t, 1, qc.Size())

	require.NoError(t, st.Put(ctx, paragraph("doc/s2/p2", "doc/s2", 1, "Fusion again.", 0, 0, 1)))
	third, err := q.Query(ctx, req)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"doc/s2/p1", "doc/s2/p2"}, resultIDs(third.Results))
}

func TestQuery_DeletedChunkNeverSurfaces(t *testing.T) {
	st := seededStore(t)
	q := newQuery(st, cache.NewQueryCache(8, time.Minute))
	ctx := context.Background()
	req := domain.QueryRequest{Vector: []float32{0, 0.2, 0.9}, Terms: []string{"fusion"}, TopK: 8}

	before, err := q.Query(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, resultIDs(before.Results), "doc/s2/p1")

	_, err = st.Delete(ctx, "doc/s2")
	require.NoError(t, err)

	after, err := q.Query(ctx, req)
	require.NoError(t, err)
	assert.NotContains(t, resultIDs(after.Results), "doc/s2/p1")
	assert.NotContains(t, resultIDs(after.Results), "doc/s2")
}

func TestQuery_DropsOrphanHitsAndRepairs(t *testing.T) {
	st, backend := newMemStore(t)
	ctx := context.Background()
	_, err := st.BatchPut(ctx, guide())
	require.NoError(t, err)

	leaf, err := backend.Get(ctx, "doc/s2/p1")
	require.NoError(t, err)
	require.NoError(t, backend.Apply(ctx, port.Mutation{Deletes: []port.Entry{st.entry(leaf)}}))

	q := newQuery(st, nil)
	res, err := q.Query(ctx, domain.QueryRequest{Vector: []float32{0, 0.2, 0.9}, Terms: []string{"fusion"}, TopK: 3})
	require.NoError(t, err)

	assert.NotContains(t, resultIDs(res.Results), "doc/s2/p1")
	for i, r := range res.Results {
		assert.Equal(t, i+1, r.Rank)
	}
	assert.False(t, st.Dense().Contains("doc/s2/p1"))
	assert.False(t, st.Sparse().Contains("doc/s2/p1"))
}

func TestQuery_ConcurrentInsertsThenQueries(t *testing.T) {
	st, _ := newMemStore(t)
	q := newQuery(st, cache.NewQueryCache(64, time.Minute))
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(i)))
			c := title(fmt.Sprintf("doc-%03d", i), rng.Float32(), rng.Float32(), rng.Float32())
			c.Text = fmt.Sprintf("document number %d about topic%d", i, i%7)
			c.Terms = map[string]int{"document": 1, fmt.Sprintf("topic%d", i%7): 1}
			return st.Put(ctx, c)
		})
	}
	require.NoError(t, g.Wait())

	var (
		mu      sync.Mutex
		queries []*domain.QueryResult
	)
	for i := 0; i < 50; i++ {
		g.Go(func() error {
			rng := rand.New(rand.NewSource(int64(1000 + i)))
			res, err := q.Query(ctx, domain.QueryRequest{
				Vector: []float32{rng.Float32(), rng.Float32(), rng.Float32()},
				Terms:  []string{fmt.Sprintf("topic%d", i%7)},
				TopK:   5,
			})
			if err != nil {
				return err
			}
			mu.Lock()
			queries = append(queries, res)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Len(t, queries, 50)
	for _, res := range queries {
		assert.False(t, res.Degraded)
		assert.Len(t, res.Results, 5)
		for _, r := range res.Results {
			_, err := st.Get(ctx, r.ChunkID)
			assert.NoError(t, err)
		}
	}

	report, err := st.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "%+v", report)
	assert.Equal(t, 100, report.Chunks)
}

func TestQuery_ConcurrentWritesAndReads(t *testing.T) {
	st := seededStore(t)
	q := newQuery(st, nil)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			id := fmt.Sprintf("doc/s1/x%d", i)
			if err := st.Put(ctx, paragraph(id, "doc/s1", 10+i, "volatile fusion text", 0, 0.5, 0.5)); err != nil {
				return err
			}
			_, err := st.Delete(ctx, id)
			return err
		})
		g.Go(func() error {
			res, err := q.Query(ctx, domain.QueryRequest{Vector: []float32{0, 0.5, 0.5}, Terms: []string{"fusion"}, TopK: 4})
			if err != nil {
				return err
			}
			for _, r := range res.Results {
				if r.Rank < 1 {
					return fmt.Errorf("bad rank %d", r.Rank)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	report, err := st.Check(ctx)
	require.NoError(t, err)
	assert.True(t, report.Clean(), "%+v", report)
}

type staticSynthesizer struct {
	err error
}

func (s staticSynthesizer) Synthesize(_ context.Context, _ string, res *domain.QueryResult) (domain.Answer, error) {
	if s.err != nil {
		return domain.Answer{}, s.err
	}
	return domain.Answer{Text: "generated", Citations: []string{res.Results[0].ChunkID}, Grounded: true}, nil
}

func TestQuery_Answer(t *testing.T) {
	st := seededStore(t)
	ctx := context.Background()
	req := domain.QueryRequest{Terms: []string{"fusion"}, TopK: 2}

	_, ans, err := newQuery(st, nil).Answer(ctx, "what merges rankings?", req)
	require.NoError(t, err)
	assert.True(t, ans.Grounded)
	assert.Contains(t, ans.Text, "[doc/s2/p1]")

	_, ans, err = newQuery(st, nil).WithSynthesizer(staticSynthesizer{}).Answer(ctx, "q", req)
	require.NoError(t, err)
	assert.Equal(t, "generated", ans.Text)

	_, ans, err = newQuery(st, nil).WithSynthesizer(staticSynthesizer{err: errors.New("llm down")}).Answer(ctx, "q", req)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc/s2/p1"}, ans.Citations)
}
