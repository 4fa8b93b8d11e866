package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"hybridrag/internal/domain"
	"hybridrag/internal/port"
)

// IngestUseCase handles chunk ingestion.
type IngestUseCase struct {
	store     *ChunkStore
	embedder  port.Embedder
	tokenizer port.Tokenizer
	logger    *slog.Logger
}

// NewIngestUseCase creates a new ingest use case. embedder and tokenizer are
// only used by Prepare and may be nil.
func NewIngestUseCase(store *ChunkStore, embedder port.Embedder, tokenizer port.Tokenizer, logger *slog.Logger) *IngestUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestUseCase{
		store:     store,
		embedder:  embedder,
		tokenizer: tokenizer,
		logger:    logger,
	}
}

// Ingest commits the chunks atomically. Every chunk must carry a vector of
// the index dimension.
func (u *IngestUseCase) Ingest(ctx context.Context, chunks []domain.Chunk) (*domain.IngestResult, error) {
	start := time.Now()

	written, err := u.store.BatchPut(ctx, chunks)
	if err != nil {
		return nil, err
	}

	result := &domain.IngestResult{}
	seen := make(map[string]struct{}, len(chunks))
	for _, c := range chunks {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		result.ChunksIndexed++
		if c.Level == domain.LevelTable {
			result.TablesIndexed++
		}
	}
	result.Unchanged = result.ChunksIndexed - written
	result.Elapsed = time.Since(start)

	u.logger.Info("ingested chunks",
		slog.Int("chunks", result.ChunksIndexed),
		slog.Int("tables", result.TablesIndexed),
		slog.Int("unchanged", result.Unchanged),
		slog.Duration("elapsed", result.Elapsed))
	return result, nil
}

// Prepare fills in what a chunk file may leave out: vectors are embedded
// from the chunk text and sparse terms are counted from it. Chunks that
// already carry either keep it.
func (u *IngestUseCase) Prepare(ctx context.Context, chunks []domain.Chunk) ([]domain.Chunk, error) {
	out := make([]domain.Chunk, len(chunks))
	var (
		texts []string
		slots []int
	)
	for i, c := range chunks {
		out[i] = c.Clone()
		if len(c.Vector) == 0 {
			texts = append(texts, c.Text)
			slots = append(slots, i)
		}
		if c.Terms == nil && u.tokenizer != nil {
			out[i].Terms = countTerms(u.tokenizer.Tokenize(c.Text))
		}
	}

	if len(texts) == 0 {
		return out, nil
	}
	if u.embedder == nil {
		return nil, fmt.Errorf("%w: %d chunks have no vector and no embedder is configured",
			domain.ErrValidation, len(texts))
	}

	vectors, err := u.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed chunks with %s: %w", u.embedder.ModelName(), err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	for j, i := range slots {
		out[i].Vector = vectors[j]
	}
	return out, nil
}

func countTerms(tokens []string) map[string]int {
	terms := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		terms[tok]++
	}
	return terms
}
