package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"hybridrag/config"
	"hybridrag/internal/adapter/analyzer"
	"hybridrag/internal/adapter/answer"
	"hybridrag/internal/adapter/cache"
	"hybridrag/internal/adapter/dense"
	"hybridrag/internal/adapter/embedding"
	"hybridrag/internal/adapter/memstore"
	"hybridrag/internal/adapter/sparse"
	"hybridrag/internal/adapter/sqlstore"
	"hybridrag/internal/adapter/store"
	"hybridrag/internal/port"
	"hybridrag/internal/usecase"
)

// engine bundles everything one CLI invocation needs.
type engine struct {
	backend   port.Backend
	store     *usecase.ChunkStore
	tokenizer *analyzer.Tokenizer
	embedder  port.Embedder
	ingest    *usecase.IngestUseCase
	query     *usecase.QueryUseCase
}

func (e *engine) Close() error {
	return e.backend.Close()
}

func openBackend(cfg *config.Config, dir string, create bool) (port.Backend, error) {
	if cfg.Store.Backend == "memory" {
		return memstore.NewMemoryStore(), nil
	}

	path := cfg.StorePath(dir)
	if create {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	} else if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no index found at %s. Run 'hybridrag ingest' first", path)
	}

	switch cfg.Store.Backend {
	case "sqlite":
		return sqlstore.NewStore(path)
	default:
		return store.NewBoltStore(path)
	}
}

func newEmbedder(cfg *config.Config, tok *analyzer.Tokenizer) (port.Embedder, error) {
	ec := cfg.Embedding
	switch ec.Provider {
	case "openai":
		var (
			e   *embedding.OpenAIEmbedder
			err error
		)
		if ec.BaseURL != "" {
			e, err = embedding.NewOpenAICompatibleEmbedder(ec.APIKeyEnv, ec.Model, ec.BaseURL, cfg.Dense.Dimension)
		} else {
			e, err = embedding.NewOpenAIEmbedder(ec.APIKeyEnv, ec.Model, cfg.Dense.Dimension)
		}
		if err != nil {
			return nil, err
		}
		return e.WithBatchSize(ec.BatchSize), nil
	case "ollama":
		e, err := embedding.NewOllamaEmbedder(ec.Model, ec.BaseURL, cfg.Dense.Dimension)
		if err != nil {
			return nil, err
		}
		return e.WithBatchSize(ec.BatchSize), nil
	default:
		return embedding.NewHashEmbedder(cfg.Dense.Dimension, tok), nil
	}
}

// openEngine opens the configured backend, rebuilds the in-memory indexes
// from it and wires the use cases. create controls whether a missing index
// file may be created.
func openEngine(ctx context.Context, cfg *config.Config, dir string, create bool, logger *slog.Logger) (*engine, error) {
	backend, err := openBackend(cfg, dir, create)
	if err != nil {
		return nil, err
	}

	e, err := wireEngine(ctx, cfg, backend, logger)
	if err != nil {
		backend.Close()
		return nil, err
	}
	return e, nil
}

func wireEngine(ctx context.Context, cfg *config.Config, backend port.Backend, logger *slog.Logger) (*engine, error) {
	migration, err := store.CheckMigration(ctx, backend, cfg)
	if err != nil {
		return nil, err
	}
	if migration.NeedsRebuild {
		logger.Info("rebuilding persisted postings", "reason", migration.Reason)
	}

	tok := analyzer.NewTokenizer(analyzer.Options{
		Stemming:  cfg.Sparse.Stemming,
		Stopwords: cfg.Sparse.Stopwords,
		MinLength: cfg.Sparse.MinTermLength,
	})
	denseIdx, err := dense.New(cfg.Dense.Strategy, cfg.Dense.Dimension, dense.LSHOptions{
		Tables: cfg.Dense.LSHTables,
		Bits:   cfg.Dense.LSHBits,
		Seed:   cfg.Dense.LSHSeed,
	})
	if err != nil {
		return nil, err
	}
	sparseIdx := sparse.NewIndex(tok, cfg.Sparse.K1, cfg.Sparse.B)

	cs, err := usecase.NewChunkStore(ctx, backend, denseIdx, sparseIdx, usecase.ChunkStoreOptions{
		RebuildPostings: migration.NeedsRebuild,
		Workers:         cfg.Ingest.Workers,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx, backend, cfg); err != nil {
		return nil, fmt.Errorf("failed to record schema info: %w", err)
	}

	embedder, err := newEmbedder(cfg, tok)
	if err != nil {
		return nil, err
	}

	var qc *cache.QueryCache
	if cfg.Cache.Enabled {
		qc = cache.NewQueryCache(cfg.Cache.Size, cfg.Cache.TTL)
	}

	assembler := usecase.NewAssembler(cs, tok, usecase.AssembleOptions{
		MaxSize:       cfg.Assemble.MaxSize,
		Unit:          cfg.Assemble.Unit,
		SiblingWindow: cfg.Assemble.SiblingWindow,
	}, logger)

	query := usecase.NewQueryUseCase(cs, assembler, qc, usecase.QueryOptions{
		RRFK:              cfg.Retrieve.RRFK,
		DenseDepthFactor:  cfg.Retrieve.DenseDepthFactor,
		SparseDepthFactor: cfg.Retrieve.SparseDepthFactor,
		MinCandidates:     cfg.Retrieve.MinCandidates,
		PathTimeout:       cfg.Retrieve.PathTimeout,
	}, logger)
	if cfg.Answer.Provider != "extractive" {
		chat, err := answer.NewChat(cfg.Answer.Provider, cfg.Answer.Model, cfg.Answer.BaseURL, cfg.Answer.APIKeyEnv)
		if err != nil {
			return nil, err
		}
		query.WithSynthesizer(chat)
	}

	return &engine{
		backend:   backend,
		store:     cs,
		tokenizer: tok,
		embedder:  embedder,
		ingest:    usecase.NewIngestUseCase(cs, embedder, tok, logger),
		query:     query,
	}, nil
}
