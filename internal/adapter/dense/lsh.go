package dense

import (
	"context"
	"math/rand"
	"sort"
	"sync"

	"hybridrag/internal/domain"
)

type LSHOptions struct {
	Tables int
	Bits   int
	Seed   int64
}

func DefaultLSHOptions() LSHOptions {
	return LSHOptions{Tables: 8, Bits: 12, Seed: 1}
}

// LSHIndex narrows the candidate set with random-hyperplane hashing and
// re-scores candidates exactly. When the buckets hold fewer than k
// candidates the search falls back to a full scan, so only recall can
// differ from ExactIndex.
type LSHIndex struct {
	exact  *ExactIndex
	planes [][][]float32 // table -> bit -> hyperplane

	mu      sync.RWMutex
	buckets []map[uint64]map[string]struct{}
	keys    map[string][]uint64
}

func NewLSHIndex(dimension int, opts LSHOptions) *LSHIndex {
	if opts.Tables <= 0 {
		opts.Tables = DefaultLSHOptions().Tables
	}
	if opts.Bits <= 0 || opts.Bits > 64 {
		opts.Bits = DefaultLSHOptions().Bits
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	planes := make([][][]float32, opts.Tables)
	for t := range planes {
		planes[t] = make([][]float32, opts.Bits)
		for b := range planes[t] {
			plane := make([]float32, dimension)
			for i := range plane {
				plane[i] = float32(rng.NormFloat64())
			}
			planes[t][b] = plane
		}
	}

	buckets := make([]map[uint64]map[string]struct{}, opts.Tables)
	for t := range buckets {
		buckets[t] = make(map[uint64]map[string]struct{})
	}

	return &LSHIndex{
		exact:   NewExactIndex(dimension),
		planes:  planes,
		buckets: buckets,
		keys:    make(map[string][]uint64),
	}
}

func (l *LSHIndex) Dimension() int {
	return l.exact.Dimension()
}

func (l *LSHIndex) signature(v []float32) []uint64 {
	keys := make([]uint64, len(l.planes))
	for t, table := range l.planes {
		var key uint64
		for b, plane := range table {
			var dot float64
			for i := range v {
				dot += float64(v[i]) * float64(plane[i])
			}
			if dot >= 0 {
				key |= 1 << uint(b)
			}
		}
		keys[t] = key
	}
	return keys
}

func (l *LSHIndex) Upsert(chunkID string, vector []float32) error {
	if err := l.exact.Upsert(chunkID, vector); err != nil {
		return err
	}
	keys := l.signature(vector)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.unlink(chunkID)
	for t, key := range keys {
		bucket, ok := l.buckets[t][key]
		if !ok {
			bucket = make(map[string]struct{})
			l.buckets[t][key] = bucket
		}
		bucket[chunkID] = struct{}{}
	}
	l.keys[chunkID] = keys
	return nil
}

func (l *LSHIndex) Remove(chunkID string) {
	l.exact.Remove(chunkID)

	l.mu.Lock()
	l.unlink(chunkID)
	l.mu.Unlock()
}

// unlink removes chunkID from its buckets. Callers hold l.mu.
func (l *LSHIndex) unlink(chunkID string) {
	keys, ok := l.keys[chunkID]
	if !ok {
		return
	}
	for t, key := range keys {
		bucket := l.buckets[t][key]
		delete(bucket, chunkID)
		if len(bucket) == 0 {
			delete(l.buckets[t], key)
		}
	}
	delete(l.keys, chunkID)
}

func (l *LSHIndex) Len() int {
	return l.exact.Len()
}

func (l *LSHIndex) Contains(chunkID string) bool {
	return l.exact.Contains(chunkID)
}

func (l *LSHIndex) IDs() []string {
	return l.exact.IDs()
}

func (l *LSHIndex) Search(ctx context.Context, query []float32, k int) ([]domain.Hit, error) {
	if err := checkQuery(l.Dimension(), query, k); err != nil {
		return nil, err
	}

	candidates := l.candidates(query)
	if len(candidates) < k {
		return l.exact.Search(ctx, query, k)
	}
	return l.exact.searchAmong(ctx, query, candidates, k)
}

func (l *LSHIndex) candidates(query []float32) []string {
	keys := l.signature(query)

	l.mu.RLock()
	seen := make(map[string]struct{})
	for t, key := range keys {
		for id := range l.buckets[t][key] {
			seen[id] = struct{}{}
		}
	}
	l.mu.RUnlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
