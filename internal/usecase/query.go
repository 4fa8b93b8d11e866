package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"hybridrag/internal/adapter/answer"
	"hybridrag/internal/adapter/cache"
	"hybridrag/internal/adapter/retriever"
	"hybridrag/internal/domain"
	"hybridrag/internal/port"
)

// QueryOptions holds the retrieval settings a query falls back on.
type QueryOptions struct {
	RRFK              float64
	DenseDepthFactor  int
	SparseDepthFactor int
	MinCandidates     int
	PathTimeout       time.Duration
}

// QueryUseCase handles hybrid search, fusion and context assembly.
type QueryUseCase struct {
	store       *ChunkStore
	retriever   *retriever.HybridRetriever
	assembler   *Assembler
	cache       *cache.QueryCache
	synthesizer port.Synthesizer
	opts        QueryOptions
	logger      *slog.Logger
}

// NewQueryUseCase creates a new query use case. cache may be nil.
func NewQueryUseCase(store *ChunkStore, assembler *Assembler, qc *cache.QueryCache, opts QueryOptions, logger *slog.Logger) *QueryUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RRFK <= 0 {
		opts.RRFK = retriever.DefaultRRFK
	}
	if opts.DenseDepthFactor <= 0 {
		opts.DenseDepthFactor = 2
	}
	if opts.SparseDepthFactor <= 0 {
		opts.SparseDepthFactor = 4
	}
	return &QueryUseCase{
		store:     store,
		retriever: retriever.NewHybridRetriever(store.Dense(), store.Sparse(), opts.PathTimeout, logger),
		assembler: assembler,
		cache:     qc,
		opts:      opts,
		logger:    logger,
	}
}

// WithSynthesizer sets the collaborator Answer hands results to.
func (u *QueryUseCase) WithSynthesizer(s port.Synthesizer) *QueryUseCase {
	u.synthesizer = s
	return u
}

func (u *QueryUseCase) validate(req domain.QueryRequest) (float64, error) {
	if req.TopK < 1 {
		return 0, fmt.Errorf("%w: got %d", domain.ErrInvalidTopK, req.TopK)
	}
	kRRF := u.opts.RRFK
	if req.KRRF != 0 {
		if req.KRRF < 0 || math.IsNaN(req.KRRF) || math.IsInf(req.KRRF, 0) {
			return 0, fmt.Errorf("%w: got %v", domain.ErrInvalidRRFK, req.KRRF)
		}
		kRRF = req.KRRF
	}
	if len(req.Vector) == 0 && len(req.Terms) == 0 {
		return 0, fmt.Errorf("%w: query has neither vector nor terms", domain.ErrValidation)
	}
	if dim := u.store.Dense().Dimension(); len(req.Vector) > 0 && len(req.Vector) != dim {
		return 0, fmt.Errorf("%w: query has %d dimensions, index has %d",
			domain.ErrDimensionMismatch, len(req.Vector), dim)
	}
	return kRRF, nil
}

func (u *QueryUseCase) depth(topK, factor int) int {
	return max(topK*factor, u.opts.MinCandidates)
}

// Query retrieves from both indexes in parallel, fuses the rankings and
// assembles context around the top results. When one path fails the result
// is marked degraded; when both fail the error wraps domain.ErrQueryFailed.
func (u *QueryUseCase) Query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResult, error) {
	start := time.Now()
	requestID := uuid.NewString()
	logger := u.logger.With(slog.String("request_id", requestID))

	kRRF, err := u.validate(req)
	if err != nil {
		return nil, err
	}

	var (
		result  *domain.QueryResult
		orphans []string
		key     string
		cached  bool
	)
	err = u.store.Read(func() error {
		if !u.store.Populated() {
			return domain.ErrEmptyIndex
		}

		if u.cache != nil {
			key = cache.Key(u.store.Generation(), req, kRRF)
			if hit, ok := u.cache.Get(key); ok {
				result, cached = hit, true
				return nil
			}
		}

		retrieval, err := u.retriever.Retrieve(ctx, req.Vector, req.Terms,
			u.depth(req.TopK, u.opts.DenseDepthFactor),
			u.depth(req.TopK, u.opts.SparseDepthFactor))
		if err != nil {
			return err
		}

		fused, chunks, missing, err := u.fuseAndHydrate(ctx, retrieval.Lists, kRRF, req.TopK)
		if err != nil {
			return err
		}
		orphans = missing

		assembled, err := u.assembler.Assemble(ctx, fused, chunks)
		if err != nil {
			return err
		}

		result = &domain.QueryResult{
			Results:     fused,
			Context:     assembled,
			Degraded:    retrieval.Degraded(),
			FailedPaths: retrieval.Failures,
		}
		return nil
	})
	if err != nil {
		logger.Debug("query failed", slog.String("error", err.Error()))
		return nil, err
	}

	if len(orphans) > 0 {
		u.store.RepairOrphans(ctx, orphans)
	}
	if u.cache != nil && !cached && !result.Degraded && len(orphans) == 0 {
		u.cache.Put(key, result)
	}

	result.RequestID = requestID
	result.Elapsed = time.Since(start)

	logger.Info("query answered",
		slog.Int("results", len(result.Results)),
		slog.Bool("degraded", result.Degraded),
		slog.Bool("cached", cached),
		slog.Duration("elapsed", result.Elapsed))
	return result, nil
}

// fuseAndHydrate fuses the lists and loads each result's chunk. A result
// whose chunk record is gone is dropped from the lists and fusion is redone,
// so ranks stay dense. The dropped ids are returned for repair.
func (u *QueryUseCase) fuseAndHydrate(ctx context.Context, lists []domain.RankedList, kRRF float64, topK int) ([]domain.FusedResult, map[string]domain.Chunk, []string, error) {
	chunks := make(map[string]domain.Chunk)
	drop := make(map[string]struct{})
	var missing []string

	for {
		fused, err := retriever.Fuse(lists, kRRF, topK)
		if err != nil {
			return nil, nil, nil, err
		}

		found := false
		for _, r := range fused {
			if _, ok := chunks[r.ChunkID]; ok {
				continue
			}
			c, err := u.store.Get(ctx, r.ChunkID)
			if errors.Is(err, domain.ErrNotFound) {
				drop[r.ChunkID] = struct{}{}
				missing = append(missing, r.ChunkID)
				found = true
				continue
			}
			if err != nil {
				return nil, nil, nil, err
			}
			chunks[r.ChunkID] = c
		}
		if !found {
			return fused, chunks, missing, nil
		}
		lists = retriever.Without(lists, drop)
	}
}

// Answer runs Query, then hands the result to the synthesizer. Without a
// synthesizer, or when it fails, the answer is extracted from the best hit.
func (u *QueryUseCase) Answer(ctx context.Context, question string, req domain.QueryRequest) (*domain.QueryResult, domain.Answer, error) {
	result, err := u.Query(ctx, req)
	if err != nil {
		return nil, domain.Answer{}, err
	}

	fallback := answer.NewExtractive()
	if u.synthesizer == nil {
		ans, err := fallback.Synthesize(ctx, question, result)
		return result, ans, err
	}

	ans, err := u.synthesizer.Synthesize(ctx, question, result)
	if err != nil {
		u.logger.Warn("answer synthesis failed, using extractive answer",
			slog.String("request_id", result.RequestID),
			slog.String("error", err.Error()))
		ans, err = fallback.Synthesize(ctx, question, result)
	}
	return result, ans, err
}
