package retriever

import (
	"fmt"
	"sort"

	"hybridrag/internal/domain"
)

// DefaultRRFK is the standard Reciprocal Rank Fusion constant.
const DefaultRRFK = 60.0

// Fuse combines ranked lists with Reciprocal Rank Fusion:
//
//	score(d) = Σ 1/(k + rank(d)), rank 1-based, over the lists containing d.
//
// Results are ordered by score, then by the number of contributing lists,
// then by ascending chunk id, and truncated to topK. A chunk repeated within
// one list counts only at its first rank.
func Fuse(lists []domain.RankedList, k float64, topK int) ([]domain.FusedResult, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: got %v", domain.ErrInvalidRRFK, k)
	}
	if topK <= 0 {
		return nil, fmt.Errorf("%w: got %d", domain.ErrInvalidTopK, topK)
	}

	byID := make(map[string]*domain.FusedResult)
	for _, list := range lists {
		seen := make(map[string]struct{}, len(list.IDs))
		for i, id := range list.IDs {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}

			rank := i + 1
			r, ok := byID[id]
			if !ok {
				r = &domain.FusedResult{ChunkID: id, SourceRanks: make(map[string]int)}
				byID[id] = r
			}
			r.Score += 1 / (k + float64(rank))
			r.SourceLists = append(r.SourceLists, list.Name)
			r.SourceRanks[list.Name] = rank
		}
	}

	fused := make([]domain.FusedResult, 0, len(byID))
	for _, r := range byID {
		fused = append(fused, *r)
	}
	sort.Slice(fused, func(i, j int) bool {
		a, b := fused[i], fused[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if len(a.SourceLists) != len(b.SourceLists) {
			return len(a.SourceLists) > len(b.SourceLists)
		}
		return a.ChunkID < b.ChunkID
	})

	if len(fused) > topK {
		fused = fused[:topK]
	}
	for i := range fused {
		fused[i].Rank = i + 1
	}
	return fused, nil
}

// Without returns copies of lists with the given chunk ids removed.
func Without(lists []domain.RankedList, drop map[string]struct{}) []domain.RankedList {
	out := make([]domain.RankedList, len(lists))
	for i, list := range lists {
		ids := make([]string, 0, len(list.IDs))
		for _, id := range list.IDs {
			if _, ok := drop[id]; !ok {
				ids = append(ids, id)
			}
		}
		out[i] = domain.RankedList{Name: list.Name, IDs: ids}
	}
	return out
}
