package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"hybridrag/internal/domain"
	"hybridrag/internal/port"
)

// MetaPopulated is the backend meta key recording that the store has held
// at least one chunk.
const MetaPopulated = "populated"

// ChunkStoreOptions configures NewChunkStore.
type ChunkStoreOptions struct {
	// RebuildPostings discards the persisted postings and statistics on open
	// and rewrites them from the chunk records.
	RebuildPostings bool
	// Workers bounds parallel validation. Zero means GOMAXPROCS.
	Workers int
	Logger  *slog.Logger
}

// ChunkStore keeps the backend and both indexes in step. Writers hold the
// write lock across the backend transaction and the index updates; queries
// hold the read lock through Read, so a chunk is either in all three places
// or in none of them.
type ChunkStore struct {
	mu      sync.RWMutex
	backend port.Backend
	dense   port.DenseIndex
	sparse  port.SparseIndex
	workers int
	logger  *slog.Logger

	generation atomic.Uint64
	populated  atomic.Bool
}

// NewChunkStore rebuilds both indexes from the backend's chunk records and
// repairs any persisted postings or statistics that disagree with them.
func NewChunkStore(ctx context.Context, backend port.Backend, dense port.DenseIndex, sparse port.SparseIndex, opts ChunkStoreOptions) (*ChunkStore, error) {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &ChunkStore{
		backend: backend,
		dense:   dense,
		sparse:  sparse,
		workers: workers,
		logger:  logger,
	}
	if err := s.open(ctx, opts.RebuildPostings); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ChunkStore) open(ctx context.Context, rebuild bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadEntries(ctx)
	if err != nil {
		return err
	}
	flag, err := s.backend.GetMeta(ctx, MetaPopulated)
	if err != nil {
		return fmt.Errorf("read %s flag: %w", MetaPopulated, err)
	}
	switch {
	case flag != "":
		s.populated.Store(true)
	case len(entries) > 0:
		s.markPopulated(ctx)
	}

	for _, e := range entries {
		if err := s.dense.Upsert(e.Chunk.ID, e.Chunk.Vector); err != nil {
			return fmt.Errorf("index chunk %s: %w", e.Chunk.ID, err)
		}
		if err := s.sparse.Upsert(e.Chunk.ID, e.Chunk.Terms); err != nil {
			return fmt.Errorf("index chunk %s: %w", e.Chunk.ID, err)
		}
	}

	if rebuild {
		if err := s.backend.ReplaceIndex(ctx, entries); err != nil {
			return fmt.Errorf("rebuild postings: %w", err)
		}
		s.logger.Info("rebuilt persisted postings", slog.Int("chunks", len(entries)))
		return nil
	}

	report := &domain.CheckReport{Chunks: len(entries)}
	if err := s.reconcilePersisted(ctx, entries, report); err != nil {
		return err
	}
	if !report.Clean() {
		s.logger.Warn("repaired persisted index state on open",
			slog.Int("postings", len(report.RepairedPostings)),
			slog.Int("orphan_postings", len(report.OrphanPostings)),
			slog.Bool("stats", report.StatsRepaired))
	}
	s.logger.Debug("chunk store opened", slog.Int("chunks", len(entries)))
	return nil
}

// loadEntries reads every chunk record. Bolt runs the callback inside a read
// transaction, so nothing here may write to the backend.
func (s *ChunkStore) loadEntries(ctx context.Context) ([]port.Entry, error) {
	var entries []port.Entry
	err := s.backend.ForEach(ctx, func(c domain.Chunk) error {
		entries = append(entries, s.entry(c))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	return entries, nil
}

func (s *ChunkStore) entry(c domain.Chunk) port.Entry {
	terms := s.sparse.Analyze(c.Terms)
	length := 0
	for _, tf := range terms {
		length += tf
	}
	return port.Entry{Chunk: c, Terms: terms, Length: length}
}

// reconcilePersisted compares the persisted postings and statistics with the
// ones derived from entries and rewrites whatever differs.
func (s *ChunkStore) reconcilePersisted(ctx context.Context, entries []port.Entry, report *domain.CheckReport) error {
	persisted := make(map[string]map[string]int)
	err := s.backend.ForEachPosting(ctx, func(term string, list []domain.Posting) error {
		for _, p := range list {
			terms, ok := persisted[p.ChunkID]
			if !ok {
				terms = make(map[string]int)
				persisted[p.ChunkID] = terms
			}
			terms[term] = p.TF
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("read postings: %w", err)
	}

	var want domain.StoredStats
	for _, e := range entries {
		want.N++
		want.TotalLength += e.Length

		have := persisted[e.Chunk.ID]
		delete(persisted, e.Chunk.ID)
		stale, equal := diffTerms(have, e.Terms)
		if equal {
			continue
		}
		if err := s.backend.RepairPostings(ctx, e.Chunk.ID, e.Terms, stale); err != nil {
			s.logger.Error("failed to repair postings",
				slog.String("chunk_id", e.Chunk.ID),
				slog.String("error", err.Error()))
			report.Failed = append(report.Failed, e.Chunk.ID)
			continue
		}
		report.RepairedPostings = append(report.RepairedPostings, e.Chunk.ID)
	}

	for _, id := range sortedKeys(persisted) {
		if err := s.backend.RepairPostings(ctx, id, nil, termNames(persisted[id])); err != nil {
			s.logger.Error("failed to drop orphan postings",
				slog.String("chunk_id", id),
				slog.String("error", err.Error()))
			report.Failed = append(report.Failed, id)
			continue
		}
		report.OrphanPostings = append(report.OrphanPostings, id)
	}

	have, err := s.backend.Stats(ctx)
	if err != nil {
		return fmt.Errorf("read corpus stats: %w", err)
	}
	if have != want {
		if err := s.backend.PutStats(ctx, want); err != nil {
			return fmt.Errorf("repair corpus stats: %w", err)
		}
		report.StatsRepaired = true
	}
	return nil
}

// diffTerms reports the terms in have that are absent from want, and whether
// the two maps are equal.
func diffTerms(have, want map[string]int) ([]string, bool) {
	var stale []string
	equal := len(have) == len(want)
	for term, tf := range have {
		wtf, ok := want[term]
		if !ok {
			stale = append(stale, term)
			equal = false
		} else if wtf != tf {
			equal = false
		}
	}
	sort.Strings(stale)
	return stale, equal
}

// Put upserts one chunk. Re-putting identical content changes nothing.
func (s *ChunkStore) Put(ctx context.Context, chunk domain.Chunk) error {
	_, err := s.BatchPut(ctx, []domain.Chunk{chunk})
	return err
}

// BatchPut validates every chunk, then commits all of them in one backend
// transaction. It returns the number of chunks whose content changed; a
// batch in which nothing changed does not advance the generation.
func (s *ChunkStore) BatchPut(ctx context.Context, chunks []domain.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	entries, err := s.prepare(ctx, chunks)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var mut port.Mutation
	batch := make(map[string]domain.Chunk, len(entries))
	stored := make(map[string]domain.Chunk)
	for _, e := range entries {
		batch[e.Chunk.ID] = e.Chunk
	}

	for _, e := range entries {
		old, err := s.backend.Get(ctx, e.Chunk.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			mut.Puts = append(mut.Puts, e)
		case err != nil:
			return 0, err
		case old.Equal(e.Chunk):
			continue
		default:
			stored[old.ID] = old
			mut.Deletes = append(mut.Deletes, s.entry(old))
			mut.Puts = append(mut.Puts, e)
		}
	}
	if mut.Empty() {
		return 0, nil
	}

	for _, e := range mut.Puts {
		if err := s.checkParent(ctx, e.Chunk, batch); err != nil {
			return 0, err
		}
	}
	for _, old := range stored {
		if err := s.checkChildren(ctx, batch[old.ID], batch); err != nil {
			return 0, err
		}
	}

	if err := s.backend.Apply(ctx, mut); err != nil {
		return 0, err
	}
	for _, e := range mut.Puts {
		s.indexChunk(e.Chunk)
	}
	gen := s.generation.Add(1)
	s.markPopulated(ctx)

	s.logger.Debug("committed chunks",
		slog.Int("written", len(mut.Puts)),
		slog.Int("replaced", len(mut.Deletes)),
		slog.Uint64("generation", gen))
	return len(mut.Puts), nil
}

// prepare validates and normalizes chunks in parallel and collapses
// identical duplicates. Conflicting duplicates are rejected.
func (s *ChunkStore) prepare(ctx context.Context, chunks []domain.Chunk) ([]port.Entry, error) {
	entries := make([]port.Entry, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			c := chunks[i].Clone()
			if err := s.validate(c); err != nil {
				return err
			}
			entries[i] = s.entry(c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]int, len(entries))
	out := entries[:0]
	for _, e := range entries {
		if j, ok := seen[e.Chunk.ID]; ok {
			if !out[j].Chunk.Equal(e.Chunk) {
				return nil, fmt.Errorf("%w: chunk %s appears twice in the batch with different content",
					domain.ErrValidation, e.Chunk.ID)
			}
			continue
		}
		seen[e.Chunk.ID] = len(out)
		out = append(out, e)
	}
	return out, nil
}

func (s *ChunkStore) validate(c domain.Chunk) error {
	if c.ID == "" {
		return fmt.Errorf("%w: chunk id is empty", domain.ErrValidation)
	}
	if !c.Level.Valid() {
		return fmt.Errorf("%w: chunk %s has unknown level %d", domain.ErrValidation, c.ID, int(c.Level))
	}
	if c.ParentID == c.ID {
		return fmt.Errorf("%w: chunk %s is its own parent", domain.ErrValidation, c.ID)
	}
	if c.Position < 0 {
		return fmt.Errorf("%w: chunk %s has negative position", domain.ErrValidation, c.ID)
	}
	if len(c.Vector) != s.dense.Dimension() {
		return fmt.Errorf("%w: chunk %s has %d dimensions, index has %d",
			domain.ErrDimensionMismatch, c.ID, len(c.Vector), s.dense.Dimension())
	}
	for term, tf := range c.Terms {
		if term == "" {
			return fmt.Errorf("%w: chunk %s has an empty term", domain.ErrValidation, c.ID)
		}
		if tf < 0 {
			return fmt.Errorf("%w: chunk %s has negative frequency for %q", domain.ErrValidation, c.ID, term)
		}
	}
	return nil
}

// lookup resolves id against the pending batch first, then the backend.
func (s *ChunkStore) lookup(ctx context.Context, id string, batch map[string]domain.Chunk) (domain.Chunk, error) {
	if c, ok := batch[id]; ok {
		return c, nil
	}
	return s.backend.Get(ctx, id)
}

func (s *ChunkStore) checkParent(ctx context.Context, c domain.Chunk, batch map[string]domain.Chunk) error {
	if c.ParentID == "" {
		return nil
	}
	parent, err := s.lookup(ctx, c.ParentID, batch)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: parent %s of chunk %s does not exist", domain.ErrValidation, c.ParentID, c.ID)
	}
	if err != nil {
		return err
	}
	if parent.Level.Rank() <= c.Level.Rank() {
		return fmt.Errorf("%w: parent %s (%s) of chunk %s (%s) must be of a higher level",
			domain.ErrValidation, parent.ID, parent.Level, c.ID, c.Level)
	}
	return nil
}

// checkChildren rejects a replacement that would leave a stored child no
// lower than its parent.
func (s *ChunkStore) checkChildren(ctx context.Context, c domain.Chunk, batch map[string]domain.Chunk) error {
	kids, err := s.backend.Children(ctx, c.ID)
	if err != nil {
		return err
	}
	for _, id := range kids {
		kid, err := s.lookup(ctx, id, batch)
		if err != nil {
			return err
		}
		if kid.ParentID == c.ID && kid.Level.Rank() >= c.Level.Rank() {
			return fmt.Errorf("%w: replacing %s as %s would orphan child %s (%s)",
				domain.ErrValidation, c.ID, c.Level, kid.ID, kid.Level)
		}
	}
	return nil
}

// indexChunk updates both indexes after a commit. Input was validated
// against the same rules, so a failure here means the index diverged; it is
// logged and left for Check.
func (s *ChunkStore) indexChunk(c domain.Chunk) {
	if err := s.dense.Upsert(c.ID, c.Vector); err != nil {
		s.dense.Remove(c.ID)
		s.logger.Error("dense index rejected committed chunk",
			slog.String("chunk_id", c.ID),
			slog.String("error", err.Error()))
	}
	if err := s.sparse.Upsert(c.ID, c.Terms); err != nil {
		s.sparse.Remove(c.ID)
		s.logger.Error("sparse index rejected committed chunk",
			slog.String("chunk_id", c.ID),
			slog.String("error", err.Error()))
	}
}

// Get returns a copy of the stored chunk.
func (s *ChunkStore) Get(ctx context.Context, id string) (domain.Chunk, error) {
	return s.backend.Get(ctx, id)
}

// GetChildren returns the direct children of id ordered by position, then id.
func (s *ChunkStore) GetChildren(ctx context.Context, id string) ([]domain.Chunk, error) {
	if _, err := s.backend.Get(ctx, id); err != nil {
		return nil, err
	}
	ids, err := s.backend.Children(ctx, id)
	if err != nil {
		return nil, err
	}

	kids := make([]domain.Chunk, 0, len(ids))
	for _, kid := range ids {
		c, err := s.backend.Get(ctx, kid)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		kids = append(kids, c)
	}
	sortByPosition(kids)
	return kids, nil
}

func sortByPosition(chunks []domain.Chunk) {
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].Position != chunks[j].Position {
			return chunks[i].Position < chunks[j].Position
		}
		return chunks[i].ID < chunks[j].ID
	})
}

// Delete removes the chunk and all of its descendants in one commit and
// returns the removed ids, the requested chunk first.
func (s *ChunkStore) Delete(ctx context.Context, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, err := s.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var (
		mut   port.Mutation
		ids   []string
		queue = []domain.Chunk{root}
	)
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		mut.Deletes = append(mut.Deletes, s.entry(c))
		ids = append(ids, c.ID)

		kids, err := s.backend.Children(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		for _, kid := range kids {
			k, err := s.backend.Get(ctx, kid)
			if err != nil {
				return nil, err
			}
			queue = append(queue, k)
		}
	}

	if err := s.backend.Apply(ctx, mut); err != nil {
		return nil, err
	}
	for _, removed := range ids {
		s.dense.Remove(removed)
		s.sparse.Remove(removed)
	}
	gen := s.generation.Add(1)

	s.logger.Debug("deleted chunks",
		slog.String("chunk_id", id),
		slog.Int("removed", len(ids)),
		slog.Uint64("generation", gen))
	return ids, nil
}

// markPopulated records the first commit in the backend meta.
func (s *ChunkStore) markPopulated(ctx context.Context) {
	if s.populated.Swap(true) {
		return
	}
	if err := s.backend.SetMeta(ctx, MetaPopulated, "1"); err != nil {
		s.logger.Warn("failed to record populated flag", slog.String("error", err.Error()))
	}
}

// Populated reports whether the store has ever committed a chunk. Deleting
// every chunk leaves it populated.
func (s *ChunkStore) Populated() bool {
	return s.populated.Load()
}

// Generation counts effective commits since open.
func (s *ChunkStore) Generation() uint64 {
	return s.generation.Load()
}

// Read runs fn while holding the read lock, so fn observes no partially
// applied commit. fn must not call Stats or any mutating method.
func (s *ChunkStore) Read(fn func() error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn()
}

func (s *ChunkStore) Dense() port.DenseIndex {
	return s.dense
}

func (s *ChunkStore) Sparse() port.SparseIndex {
	return s.sparse
}

func (s *ChunkStore) Stats(ctx context.Context) (domain.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, err := s.backend.Stats(ctx)
	if err != nil {
		return domain.StoreStats{}, err
	}
	return domain.StoreStats{
		Chunks:     stored.N,
		Dense:      s.dense.Len(),
		Sparse:     s.sparse.Stats(),
		Generation: s.generation.Load(),
	}, nil
}

// Check compares both indexes and the persisted postings against the chunk
// records and repairs every divergence it finds.
func (s *ChunkStore) Check(ctx context.Context) (*domain.CheckReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.loadEntries(ctx)
	if err != nil {
		return nil, err
	}
	report := &domain.CheckReport{Chunks: len(entries)}

	known := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		id := e.Chunk.ID
		known[id] = struct{}{}

		if !s.dense.Contains(id) {
			report.MissingDense = append(report.MissingDense, id)
			if err := s.dense.Upsert(id, e.Chunk.Vector); err != nil {
				report.Failed = append(report.Failed, id)
			}
		}
		if terms, ok := s.sparse.Terms(id); !ok || !sameTerms(terms, e.Terms) {
			report.MissingSparse = append(report.MissingSparse, id)
			if err := s.sparse.Upsert(id, e.Chunk.Terms); err != nil {
				report.Failed = append(report.Failed, id)
			}
		}
	}
	for _, id := range s.dense.IDs() {
		if _, ok := known[id]; !ok {
			s.dense.Remove(id)
			report.OrphanDense = append(report.OrphanDense, id)
		}
	}
	for _, id := range s.sparse.IDs() {
		if _, ok := known[id]; !ok {
			s.sparse.Remove(id)
			report.OrphanSparse = append(report.OrphanSparse, id)
		}
	}

	if err := s.reconcilePersisted(ctx, entries, report); err != nil {
		return nil, err
	}
	if !report.Clean() {
		s.logger.Warn("consistency check repaired divergences",
			slog.String("error", domain.ErrConsistency.Error()),
			slog.Int("missing_dense", len(report.MissingDense)),
			slog.Int("missing_sparse", len(report.MissingSparse)),
			slog.Int("orphan_dense", len(report.OrphanDense)),
			slog.Int("orphan_sparse", len(report.OrphanSparse)),
			slog.Int("postings", len(report.RepairedPostings)+len(report.OrphanPostings)),
			slog.Int("failed", len(report.Failed)))
	}
	return report, nil
}

// RepairOrphans drops index entries whose chunk record is gone. Queries
// call it after releasing the read lock. It returns the ids it dropped.
func (s *ChunkStore) RepairOrphans(ctx context.Context, ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []string
	for _, id := range ids {
		_, err := s.backend.Get(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Error("failed to repair orphan index entry",
				slog.String("chunk_id", id),
				slog.String("error", err.Error()))
			continue
		}

		terms, _ := s.sparse.Terms(id)
		s.dense.Remove(id)
		s.sparse.Remove(id)
		if err := s.backend.RepairPostings(ctx, id, nil, termNames(terms)); err != nil {
			s.logger.Error("failed to drop orphan postings",
				slog.String("chunk_id", id),
				slog.String("error", err.Error()))
		}
		s.logger.Warn("dropped orphan index entry",
			slog.String("chunk_id", id),
			slog.String("error", fmt.Errorf("%w: chunk record missing", domain.ErrConsistency).Error()))
		dropped = append(dropped, id)
	}
	if len(dropped) > 0 {
		s.generation.Add(1)
	}
	return dropped
}

func sameTerms(a, b map[string]int) bool {
	_, equal := diffTerms(a, b)
	return equal
}

func termNames(terms map[string]int) []string {
	names := make([]string, 0, len(terms))
	for term := range terms {
		names = append(names, term)
	}
	sort.Strings(names)
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
