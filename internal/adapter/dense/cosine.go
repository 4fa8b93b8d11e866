package dense

import (
	"context"
	"math"
	"sort"

	"hybridrag/internal/domain"
)

// ctxCheckInterval is how many vectors a scan scores between context checks.
const ctxCheckInterval = 256

type vectorEntry struct {
	vector []float32
	norm   float64
}

func newEntry(v []float32) vectorEntry {
	return vectorEntry{vector: append([]float32(nil), v...), norm: norm(v)}
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// cosine returns the cosine similarity of q and e. Zero-norm vectors score 0
// against everything.
func cosine(q []float32, qNorm float64, e vectorEntry) float64 {
	if qNorm == 0 || e.norm == 0 || len(q) != len(e.vector) {
		return 0
	}
	var dot float64
	for i := range q {
		dot += float64(q[i]) * float64(e.vector[i])
	}
	return dot / (qNorm * e.norm)
}

// rankHits orders hits by descending score then ascending id and keeps k.
func rankHits(hits []domain.Hit, k int) []domain.Hit {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}

// scoreAll scores the entries for ids visited by each, polling ctx.
func scoreAll(ctx context.Context, q []float32, each func(yield func(id string, e vectorEntry) bool)) ([]domain.Hit, error) {
	qNorm := norm(q)
	var hits []domain.Hit
	var err error
	n := 0
	each(func(id string, e vectorEntry) bool {
		n++
		if n%ctxCheckInterval == 0 {
			if err = ctx.Err(); err != nil {
				return false
			}
		}
		hits = append(hits, domain.Hit{ChunkID: id, Score: cosine(q, qNorm, e)})
		return true
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}
