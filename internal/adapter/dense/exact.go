package dense

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"hybridrag/internal/domain"
)

// ExactIndex scores every stored vector against the query.
type ExactIndex struct {
	dimension int

	mu      sync.RWMutex
	vectors map[string]vectorEntry
}

func NewExactIndex(dimension int) *ExactIndex {
	return &ExactIndex{
		dimension: dimension,
		vectors:   make(map[string]vectorEntry),
	}
}

func (x *ExactIndex) Dimension() int {
	return x.dimension
}

func (x *ExactIndex) Upsert(chunkID string, vector []float32) error {
	if err := checkDimension(x.dimension, vector); err != nil {
		return err
	}
	entry := newEntry(vector)

	x.mu.Lock()
	x.vectors[chunkID] = entry
	x.mu.Unlock()
	return nil
}

func (x *ExactIndex) Remove(chunkID string) {
	x.mu.Lock()
	delete(x.vectors, chunkID)
	x.mu.Unlock()
}

func (x *ExactIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.vectors)
}

func (x *ExactIndex) Contains(chunkID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.vectors[chunkID]
	return ok
}

func (x *ExactIndex) IDs() []string {
	x.mu.RLock()
	ids := make([]string, 0, len(x.vectors))
	for id := range x.vectors {
		ids = append(ids, id)
	}
	x.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Search finds the k nearest vectors to the query by brute force.
func (x *ExactIndex) Search(ctx context.Context, query []float32, k int) ([]domain.Hit, error) {
	if err := checkQuery(x.dimension, query, k); err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	hits, err := scoreAll(ctx, query, func(yield func(string, vectorEntry) bool) {
		for id, e := range x.vectors {
			if !yield(id, e) {
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return rankHits(hits, k), nil
}

// searchAmong scores only the given candidate ids.
func (x *ExactIndex) searchAmong(ctx context.Context, query []float32, ids []string, k int) ([]domain.Hit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	hits, err := scoreAll(ctx, query, func(yield func(string, vectorEntry) bool) {
		for _, id := range ids {
			e, ok := x.vectors[id]
			if !ok {
				continue
			}
			if !yield(id, e) {
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return rankHits(hits, k), nil
}

func checkDimension(dimension int, vector []float32) error {
	if len(vector) != dimension {
		return fmt.Errorf("%w: expected %d, got %d", domain.ErrDimensionMismatch, dimension, len(vector))
	}
	return nil
}

func checkQuery(dimension int, query []float32, k int) error {
	if k <= 0 {
		return fmt.Errorf("%w: k=%d", domain.ErrValidation, k)
	}
	return checkDimension(dimension, query)
}
