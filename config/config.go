package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DataDirName is the per-project directory holding the index and config.
const DataDirName = ".hybridrag"

// Config holds all configuration for the retrieval engine.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Dense     DenseConfig     `yaml:"dense"`
	Sparse    SparseConfig    `yaml:"sparse"`
	Retrieve  RetrieveConfig  `yaml:"retrieve"`
	Assemble  AssembleConfig  `yaml:"assemble"`
	Cache     CacheConfig     `yaml:"cache"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Answer    AnswerConfig    `yaml:"answer"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StoreConfig selects the durable backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // "bolt", "sqlite", "memory"
	Path    string `yaml:"path"`    // empty means <dir>/.hybridrag/index.db
}

// DenseConfig holds vector index configuration.
type DenseConfig struct {
	Dimension int    `yaml:"dimension"`
	Strategy  string `yaml:"strategy"` // "exact", "lsh"
	LSHTables int    `yaml:"lsh_tables"`
	LSHBits   int    `yaml:"lsh_bits"`
	LSHSeed   int64  `yaml:"lsh_seed"`
}

// SparseConfig holds BM25 and term normalization configuration.
type SparseConfig struct {
	K1            float64 `yaml:"k1"`
	B             float64 `yaml:"b"`
	Stemming      bool    `yaml:"stemming"`
	Stopwords     bool    `yaml:"stopwords"`
	MinTermLength int     `yaml:"min_term_length"`
}

// RetrieveConfig holds query configuration.
type RetrieveConfig struct {
	TopK              int           `yaml:"top_k"`
	RRFK              float64       `yaml:"rrf_k"`
	DenseDepthFactor  int           `yaml:"dense_depth_factor"`  // dense candidates = top_k * factor
	SparseDepthFactor int           `yaml:"sparse_depth_factor"` // sparse candidates = top_k * factor
	MinCandidates     int           `yaml:"min_candidates"`
	PathTimeout       time.Duration `yaml:"path_timeout"`
}

// AssembleConfig holds context assembly configuration.
type AssembleConfig struct {
	MaxSize       int    `yaml:"max_size"`
	Unit          string `yaml:"unit"` // "chars", "tokens"
	SiblingWindow int    `yaml:"sibling_window"`
}

// CacheConfig holds query cache configuration.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Size    int           `yaml:"size"`
	TTL     time.Duration `yaml:"ttl"`
}

// IngestConfig holds ingestion configuration.
type IngestConfig struct {
	Workers     int      `yaml:"workers"` // 0 means GOMAXPROCS
	Includes    []string `yaml:"includes"`
	Excludes    []string `yaml:"excludes"`
	ChunkTokens int      `yaml:"chunk_tokens"` // paragraph budget for markdown files
}

// EmbeddingConfig holds embedding configuration for the CLI.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider"`    // "hash", "openai", "ollama"
	Model     string `yaml:"model"`       // e.g., "nomic-embed-text"
	APIKeyEnv string `yaml:"api_key_env"` // Environment variable for API key
	BaseURL   string `yaml:"base_url"`
	BatchSize int    `yaml:"batch_size"`
}

// AnswerConfig selects the answer synthesizer. The extractive provider
// needs no model.
type AnswerConfig struct {
	Provider  string `yaml:"provider"` // "extractive", "openai", "deepseek", "ollama"
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"` // empty means the provider's default
	BaseURL   string `yaml:"base_url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text", "json"
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "bolt",
		},
		Dense: DenseConfig{
			Dimension: 768,
			Strategy:  "exact",
			LSHTables: 8,
			LSHBits:   12,
			LSHSeed:   1,
		},
		Sparse: SparseConfig{
			K1:            1.2,
			B:             0.75,
			Stemming:      false,
			Stopwords:     true,
			MinTermLength: 2,
		},
		Retrieve: RetrieveConfig{
			TopK:              8,
			RRFK:              60,
			DenseDepthFactor:  2,
			SparseDepthFactor: 4,
			MinCandidates:     20,
			PathTimeout:       2 * time.Second,
		},
		Assemble: AssembleConfig{
			MaxSize:       4000,
			Unit:          "chars",
			SiblingWindow: 0,
		},
		Cache: CacheConfig{
			Enabled: true,
			Size:    256,
			TTL:     5 * time.Minute,
		},
		Ingest: IngestConfig{
			Includes:    []string{"**/*.jsonl", "**/*.md"},
			Excludes:    []string{"**/.git/**", "**/" + DataDirName + "/**"},
			ChunkTokens: 256,
		},
		Embedding: EmbeddingConfig{
			Provider:  "hash",
			Model:     "nomic-embed-text",
			APIKeyEnv: "OPENAI_API_KEY",
			BatchSize: 64,
		},
		Answer: AnswerConfig{
			Provider: "extractive",
			Model:    "gpt-4o-mini",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromDir loads hybridrag.yaml, then .hybridrag/config.yaml, from dir.
func LoadFromDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "hybridrag.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(dir, DataDirName, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	return DefaultConfig(), nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(oneOf(c.Store.Backend, "bolt", "sqlite", "memory"), "store.backend: unknown backend %q", c.Store.Backend)
	check(c.Dense.Dimension > 0, "dense.dimension must be positive, got %d", c.Dense.Dimension)
	check(oneOf(c.Dense.Strategy, "exact", "lsh"), "dense.strategy: unknown strategy %q", c.Dense.Strategy)
	check(c.Dense.LSHBits >= 0 && c.Dense.LSHBits <= 64, "dense.lsh_bits must be within [0, 64], got %d", c.Dense.LSHBits)
	check(c.Sparse.K1 >= 0, "sparse.k1 must not be negative, got %v", c.Sparse.K1)
	check(c.Sparse.B >= 0 && c.Sparse.B <= 1, "sparse.b must be within [0, 1], got %v", c.Sparse.B)
	check(c.Retrieve.TopK >= 1, "retrieve.top_k must be at least 1, got %d", c.Retrieve.TopK)
	check(c.Retrieve.RRFK > 0, "retrieve.rrf_k must be positive, got %v", c.Retrieve.RRFK)
	check(c.Retrieve.DenseDepthFactor >= 1, "retrieve.dense_depth_factor must be at least 1")
	check(c.Retrieve.SparseDepthFactor >= 1, "retrieve.sparse_depth_factor must be at least 1")
	check(c.Retrieve.PathTimeout >= 0, "retrieve.path_timeout must not be negative")
	check(c.Assemble.MaxSize > 0, "assemble.max_size must be positive, got %d", c.Assemble.MaxSize)
	check(oneOf(c.Assemble.Unit, "chars", "tokens"), "assemble.unit: unknown unit %q", c.Assemble.Unit)
	check(c.Assemble.SiblingWindow >= 0, "assemble.sibling_window must not be negative")
	check(!c.Cache.Enabled || c.Cache.Size > 0, "cache.size must be positive when the cache is enabled")
	check(c.Ingest.Workers >= 0, "ingest.workers must not be negative")
	check(c.Ingest.ChunkTokens >= 1, "ingest.chunk_tokens must be at least 1, got %d", c.Ingest.ChunkTokens)
	check(oneOf(c.Embedding.Provider, "hash", "openai", "ollama"), "embedding.provider: unknown provider %q", c.Embedding.Provider)
	check(oneOf(c.Answer.Provider, "extractive", "openai", "deepseek", "ollama") || c.Answer.BaseURL != "",
		"answer.provider: unknown provider %q", c.Answer.Provider)
	check(oneOf(c.Logging.Format, "text", "json"), "logging.format: unknown format %q", c.Logging.Format)

	return errors.Join(errs...)
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// IndexDBPath returns the path to the index database.
func IndexDBPath(dir string) string {
	return filepath.Join(dir, DataDirName, "index.db")
}

// StorePath resolves the backend path for dir.
func (c *Config) StorePath(dir string) string {
	if c.Store.Path == "" {
		return IndexDBPath(dir)
	}
	if filepath.IsAbs(c.Store.Path) {
		return c.Store.Path
	}
	return filepath.Join(dir, c.Store.Path)
}

// EnsureDataDir ensures the .hybridrag directory exists.
func EnsureDataDir(dir string) error {
	return os.MkdirAll(filepath.Join(dir, DataDirName), 0755)
}
