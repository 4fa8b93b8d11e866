package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"hybridrag/internal/domain"
)

const (
	defaultSize = 256
	defaultTTL  = 5 * time.Minute
)

// QueryCache memoizes query results. Every key embeds the chunk store
// generation, so a commit makes all earlier entries unreachable and they age
// out through the LRU.
type QueryCache struct {
	lru *expirable.LRU[string, *domain.QueryResult]
}

func NewQueryCache(maxSize int, ttl time.Duration) *QueryCache {
	if maxSize <= 0 {
		maxSize = defaultSize
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &QueryCache{
		lru: expirable.NewLRU[string, *domain.QueryResult](maxSize, nil, ttl),
	}
}

// Key identifies a query at one store generation. Terms are treated as a
// set, matching how the sparse index scores them.
func Key(generation uint64, req domain.QueryRequest, kRRF float64) string {
	h := sha256.New()
	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], generation)
	h.Write(buf[:])

	binary.LittleEndian.PutUint64(buf[:], uint64(len(req.Vector)))
	h.Write(buf[:])
	for _, v := range req.Vector {
		binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
		h.Write(buf[:4])
	}

	terms := append([]string(nil), req.Terms...)
	sort.Strings(terms)
	for i, term := range terms {
		if i > 0 && term == terms[i-1] {
			continue
		}
		h.Write([]byte(term))
		h.Write([]byte{0})
	}

	binary.LittleEndian.PutUint64(buf[:], uint64(req.TopK))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(kRRF))
	h.Write(buf[:])

	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Get returns a copy of the cached result so callers may stamp it with their
// own request id.
func (c *QueryCache) Get(key string) (*domain.QueryResult, bool) {
	res, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	cp := *res
	return &cp, true
}

// Put stores a result. Degraded results are not cached; the failed path may
// recover on the next attempt.
func (c *QueryCache) Put(key string, res *domain.QueryResult) {
	if res == nil || res.Degraded {
		return
	}
	cp := *res
	c.lru.Add(key, &cp)
}

func (c *QueryCache) Invalidate() {
	c.lru.Purge()
}

func (c *QueryCache) Size() int {
	return c.lru.Len()
}
