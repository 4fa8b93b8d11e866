// Package memstore is a non-durable Backend for tests and ephemeral runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"hybridrag/internal/domain"
	"hybridrag/internal/port"
)

type MemoryStore struct {
	mu       sync.RWMutex
	chunks   map[string]domain.Chunk
	children map[string]map[string]struct{}
	postings map[string]map[string]int
	stats    domain.StoredStats
	meta     map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:   make(map[string]domain.Chunk),
		children: make(map[string]map[string]struct{}),
		postings: make(map[string]map[string]int),
		meta:     make(map[string]string),
	}
}

// Apply checks the mutation before touching any state, so a rejected
// mutation leaves nothing behind.
func (s *MemoryStore) Apply(ctx context.Context, m port.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range m.Deletes {
		if _, ok := s.chunks[e.Chunk.ID]; !ok {
			return fmt.Errorf("delete chunk %s: %w", e.Chunk.ID, domain.ErrNotFound)
		}
	}

	for _, e := range m.Deletes {
		delete(s.chunks, e.Chunk.ID)
		if e.Chunk.ParentID != "" {
			s.unlinkChild(e.Chunk.ParentID, e.Chunk.ID)
		}
		s.removePostings(e.Chunk.ID, e.Terms)
		s.stats.N--
		s.stats.TotalLength -= e.Length
	}
	for _, e := range m.Puts {
		s.chunks[e.Chunk.ID] = e.Chunk.Clone()
		if e.Chunk.ParentID != "" {
			kids, ok := s.children[e.Chunk.ParentID]
			if !ok {
				kids = make(map[string]struct{})
				s.children[e.Chunk.ParentID] = kids
			}
			kids[e.Chunk.ID] = struct{}{}
		}
		s.addPostings(e.Chunk.ID, e.Terms)
		s.stats.N++
		s.stats.TotalLength += e.Length
	}
	return nil
}

func (s *MemoryStore) unlinkChild(parentID, childID string) {
	kids := s.children[parentID]
	delete(kids, childID)
	if len(kids) == 0 {
		delete(s.children, parentID)
	}
}

func (s *MemoryStore) addPostings(chunkID string, terms map[string]int) {
	for term, tf := range terms {
		plist, ok := s.postings[term]
		if !ok {
			plist = make(map[string]int)
			s.postings[term] = plist
		}
		plist[chunkID] = tf
	}
}

func (s *MemoryStore) removePostings(chunkID string, terms map[string]int) {
	for term := range terms {
		s.removePosting(term, chunkID)
	}
}

func (s *MemoryStore) removePosting(term, chunkID string) {
	plist := s.postings[term]
	delete(plist, chunkID)
	if len(plist) == 0 {
		delete(s.postings, term)
	}
}

func (s *MemoryStore) Get(_ context.Context, id string) (domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunk, ok := s.chunks[id]
	if !ok {
		return domain.Chunk{}, fmt.Errorf("chunk %s: %w", id, domain.ErrNotFound)
	}
	return chunk.Clone(), nil
}

func (s *MemoryStore) Children(_ context.Context, parentID string) ([]string, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.children[parentID]))
	for id := range s.children[parentID] {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ForEach(ctx context.Context, fn func(domain.Chunk) error) error {
	s.mu.RLock()
	ids := make([]string, 0, len(s.chunks))
	for id := range s.chunks {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) ForEachPosting(ctx context.Context, fn func(string, []domain.Posting) error) error {
	s.mu.RLock()
	snapshot := make(map[string][]domain.Posting, len(s.postings))
	for term, plist := range s.postings {
		list := make([]domain.Posting, 0, len(plist))
		for chunkID, tf := range plist {
			list = append(list, domain.Posting{Term: term, ChunkID: chunkID, TF: tf})
		}
		sort.Slice(list, func(i, j int) bool { return list[i].ChunkID < list[j].ChunkID })
		snapshot[term] = list
	}
	s.mu.RUnlock()

	terms := make([]string, 0, len(snapshot))
	for term := range snapshot {
		terms = append(terms, term)
	}
	sort.Strings(terms)
	for _, term := range terms {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(term, snapshot[term]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Stats(context.Context) (domain.StoredStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats, nil
}

func (s *MemoryStore) RepairPostings(_ context.Context, chunkID string, terms map[string]int, stale []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, term := range stale {
		s.removePosting(term, chunkID)
	}
	s.addPostings(chunkID, terms)
	return nil
}

func (s *MemoryStore) ReplaceIndex(_ context.Context, entries []port.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postings = make(map[string]map[string]int)
	s.stats = domain.StoredStats{}
	for _, e := range entries {
		s.addPostings(e.Chunk.ID, e.Terms)
		s.stats.N++
		s.stats.TotalLength += e.Length
	}
	return nil
}

func (s *MemoryStore) PutStats(_ context.Context, stats domain.StoredStats) error {
	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetMeta(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta[key], nil
}

func (s *MemoryStore) SetMeta(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.meta[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
