// Package sparse implements an in-memory inverted index scored with BM25.
package sparse

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"hybridrag/internal/domain"
	"hybridrag/internal/port"
)

const (
	DefaultK1 = 1.2
	DefaultB  = 0.75
)

// ctxCheckInterval is how many postings a search scores between context checks.
const ctxCheckInterval = 1024

// Normalizer maps raw term frequencies to the indexed vocabulary.
type Normalizer interface {
	port.Tokenizer
	Normalize(terms map[string]int) map[string]int
}

// Index keeps postings and corpus statistics under one lock so a search
// always reads N, avgdl and df from the same snapshot.
type Index struct {
	analyzer Normalizer
	k1       float64
	b        float64

	mu       sync.RWMutex
	postings map[string]map[string]int // term -> chunk -> tf
	docs     map[string]map[string]int // chunk -> term -> tf
	docLen   map[string]int
	totalLen int
}

func NewIndex(analyzer Normalizer, k1, b float64) *Index {
	return &Index{
		analyzer: analyzer,
		k1:       k1,
		b:        b,
		postings: make(map[string]map[string]int),
		docs:     make(map[string]map[string]int),
		docLen:   make(map[string]int),
	}
}

func (x *Index) Analyze(terms map[string]int) map[string]int {
	return x.analyzer.Normalize(terms)
}

func (x *Index) Upsert(chunkID string, terms map[string]int) error {
	for term, tf := range terms {
		if term == "" {
			return fmt.Errorf("%w: empty term in chunk %s", domain.ErrValidation, chunkID)
		}
		if tf < 0 {
			return fmt.Errorf("%w: negative frequency for term %q in chunk %s", domain.ErrValidation, term, chunkID)
		}
	}
	normalized := x.Analyze(terms)

	x.mu.Lock()
	defer x.mu.Unlock()

	x.removeLocked(chunkID)
	length := 0
	for term, tf := range normalized {
		plist, ok := x.postings[term]
		if !ok {
			plist = make(map[string]int)
			x.postings[term] = plist
		}
		plist[chunkID] = tf
		length += tf
	}
	x.docs[chunkID] = normalized
	x.docLen[chunkID] = length
	x.totalLen += length
	return nil
}

func (x *Index) Remove(chunkID string) {
	x.mu.Lock()
	x.removeLocked(chunkID)
	x.mu.Unlock()
}

func (x *Index) removeLocked(chunkID string) {
	terms, ok := x.docs[chunkID]
	if !ok {
		return
	}
	for term := range terms {
		plist := x.postings[term]
		delete(plist, chunkID)
		if len(plist) == 0 {
			delete(x.postings, term)
		}
	}
	x.totalLen -= x.docLen[chunkID]
	delete(x.docs, chunkID)
	delete(x.docLen, chunkID)
}

// Search scores every chunk containing at least one query term. Query terms
// are normalized like indexed terms and duplicates count once.
func (x *Index) Search(ctx context.Context, terms []string, k int) ([]domain.Hit, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k=%d", domain.ErrValidation, k)
	}

	querySet := make(map[string]struct{})
	for _, raw := range terms {
		for _, term := range x.analyzer.Tokenize(raw) {
			querySet[term] = struct{}{}
		}
	}
	if len(querySet) == 0 {
		return nil, nil
	}
	queryTerms := make([]string, 0, len(querySet))
	for term := range querySet {
		queryTerms = append(queryTerms, term)
	}
	sort.Strings(queryTerms)

	x.mu.RLock()
	defer x.mu.RUnlock()

	n := float64(len(x.docs))
	if n == 0 {
		return nil, nil
	}
	avgDL := float64(x.totalLen) / n

	scores := make(map[string]float64)
	scanned := 0
	for _, term := range queryTerms {
		plist := x.postings[term]
		if len(plist) == 0 {
			continue
		}
		idf := IDF(n, float64(len(plist)))
		for chunkID, tf := range plist {
			scanned++
			if scanned%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			scores[chunkID] += idf * termWeight(float64(tf), float64(x.docLen[chunkID]), avgDL, x.k1, x.b)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hits := make([]domain.Hit, 0, len(scores))
	for chunkID, score := range scores {
		hits = append(hits, domain.Hit{ChunkID: chunkID, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// IDF is the BM25 inverse document frequency with the +1 smoothing that
// keeps it positive for terms present in most chunks.
func IDF(n, df float64) float64 {
	return math.Log((n-df+0.5)/(df+0.5) + 1)
}

func termWeight(tf, dl, avgDL, k1, b float64) float64 {
	norm := 1 - b
	if avgDL > 0 {
		norm += b * dl / avgDL
	}
	return tf * (k1 + 1) / (tf + k1*norm)
}

func (x *Index) Terms(chunkID string) (map[string]int, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	terms, ok := x.docs[chunkID]
	if !ok {
		return nil, false
	}
	out := make(map[string]int, len(terms))
	for term, tf := range terms {
		out[term] = tf
	}
	return out, true
}

func (x *Index) Stats() domain.CorpusStats {
	x.mu.RLock()
	defer x.mu.RUnlock()
	stats := domain.CorpusStats{
		N:           len(x.docs),
		TotalLength: x.totalLen,
		Terms:       len(x.postings),
	}
	if stats.N > 0 {
		stats.AvgDL = float64(stats.TotalLength) / float64(stats.N)
	}
	return stats
}

// Postings returns the postings of a normalized term ordered by chunk id.
func (x *Index) Postings(term string) []domain.Posting {
	x.mu.RLock()
	plist := x.postings[term]
	out := make([]domain.Posting, 0, len(plist))
	for chunkID, tf := range plist {
		out = append(out, domain.Posting{Term: term, ChunkID: chunkID, TF: tf})
	}
	x.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

func (x *Index) Contains(chunkID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.docs[chunkID]
	return ok
}

func (x *Index) IDs() []string {
	x.mu.RLock()
	ids := make([]string, 0, len(x.docs))
	for id := range x.docs {
		ids = append(ids, id)
	}
	x.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
