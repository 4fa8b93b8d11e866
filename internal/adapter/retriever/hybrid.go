package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"hybridrag/internal/domain"
	"hybridrag/internal/port"
)

const (
	PathDense  = "dense"
	PathSparse = "sparse"
)

// Retrieval holds the ranked lists of the paths that succeeded and the
// errors of those that did not.
type Retrieval struct {
	Lists    []domain.RankedList
	Failures []domain.PathFailure
}

func (r *Retrieval) Degraded() bool {
	return len(r.Failures) > 0
}

// HybridRetriever queries the dense and sparse indexes in parallel, each
// under its own deadline.
type HybridRetriever struct {
	dense   port.DenseIndex
	sparse  port.SparseIndex
	timeout time.Duration
	logger  *slog.Logger
}

func NewHybridRetriever(dense port.DenseIndex, sparse port.SparseIndex, pathTimeout time.Duration, logger *slog.Logger) *HybridRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &HybridRetriever{
		dense:   dense,
		sparse:  sparse,
		timeout: pathTimeout,
		logger:  logger,
	}
}

// Retrieve runs both searches and waits for both. A single failed path
// yields a degraded retrieval; if both fail the error wraps
// domain.ErrQueryFailed and both causes.
func (r *HybridRetriever) Retrieve(ctx context.Context, vector []float32, terms []string, denseK, sparseK int) (*Retrieval, error) {
	if len(vector) == 0 && len(terms) == 0 {
		return nil, fmt.Errorf("%w: query has neither vector nor terms", domain.ErrValidation)
	}

	var (
		g                     errgroup.Group
		denseHits, sparseHits []domain.Hit
		denseErr, sparseErr   error
	)

	if len(vector) > 0 {
		g.Go(func() error {
			denseHits, denseErr = r.runPath(ctx, PathDense, func(pctx context.Context) ([]domain.Hit, error) {
				return r.dense.Search(pctx, vector, denseK)
			})
			return nil
		})
	}
	if len(terms) > 0 {
		g.Go(func() error {
			sparseHits, sparseErr = r.runPath(ctx, PathSparse, func(pctx context.Context) ([]domain.Hit, error) {
				return r.sparse.Search(pctx, terms, sparseK)
			})
			return nil
		})
	}
	_ = g.Wait()

	result := &Retrieval{}
	if len(vector) > 0 {
		if denseErr != nil {
			result.Failures = append(result.Failures, domain.PathFailure{Path: PathDense, Error: denseErr.Error()})
		} else {
			result.Lists = append(result.Lists, toRankedList(PathDense, denseHits))
		}
	}
	if len(terms) > 0 {
		if sparseErr != nil {
			result.Failures = append(result.Failures, domain.PathFailure{Path: PathSparse, Error: sparseErr.Error()})
		} else {
			result.Lists = append(result.Lists, toRankedList(PathSparse, sparseHits))
		}
	}

	if len(result.Lists) == 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrQueryFailed, errors.Join(denseErr, sparseErr))
	}
	for _, f := range result.Failures {
		r.logger.Warn("retrieval path failed, answering from the remaining path",
			slog.String("path", f.Path),
			slog.String("error", f.Error))
	}
	return result, nil
}

type pathResult struct {
	hits []domain.Hit
	err  error
}

func (r *HybridRetriever) runPath(ctx context.Context, name string, search func(context.Context) ([]domain.Hit, error)) ([]domain.Hit, error) {
	pctx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	// An index that ignores ctx is abandoned at the deadline; its goroutine
	// exits into the buffered channel whenever the search returns.
	done := make(chan pathResult, 1)
	start := time.Now()
	go func() {
		hits, err := search(pctx)
		done <- pathResult{hits: hits, err: err}
	}()

	var (
		hits []domain.Hit
		err  error
	)
	select {
	case res := <-done:
		hits, err = res.hits, res.err
		if err == nil {
			err = pctx.Err()
		}
	case <-pctx.Done():
		err = pctx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%s search: %w after %s", name, domain.ErrTimeout, r.timeout)
		}
		return nil, fmt.Errorf("%s search: %w", name, err)
	}

	r.logger.Debug("retrieval path finished",
		slog.String("path", name),
		slog.Int("hits", len(hits)),
		slog.Duration("elapsed", time.Since(start)))
	return hits, nil
}

func toRankedList(name string, hits []domain.Hit) domain.RankedList {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	return domain.RankedList{Name: name, IDs: ids}
}
