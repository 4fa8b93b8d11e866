package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"time"

	"hybridrag/config"
	"hybridrag/internal/adapter/analyzer"
	"hybridrag/internal/adapter/dense"
	"hybridrag/internal/adapter/embedding"
	"hybridrag/internal/adapter/sqlstore"
	"hybridrag/internal/adapter/store"
	"hybridrag/internal/domain"
	"hybridrag/internal/port"
)

func main() {
	indexPath := flag.String("index", ".", "Path to indexed directory")
	query := flag.String("q", "", "Query text; when empty, stored vectors are sampled as queries")
	topK := flag.Int("k", 10, "Number of results")
	samples := flag.Int("n", 50, "Number of sampled queries")
	flag.Parse()

	cfg, err := config.LoadFromDir(*indexPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	vectors, err := loadVectors(ctx, cfg, *indexPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening index: %v\n", err)
		os.Exit(1)
	}
	if len(vectors) == 0 {
		fmt.Fprintln(os.Stderr, "Index is empty - run 'hybridrag ingest' first")
		os.Exit(1)
	}

	exact := dense.NewExactIndex(cfg.Dense.Dimension)
	lsh := dense.NewLSHIndex(cfg.Dense.Dimension, dense.LSHOptions{
		Tables: cfg.Dense.LSHTables,
		Bits:   cfg.Dense.LSHBits,
		Seed:   cfg.Dense.LSHSeed,
	})
	for id, v := range vectors {
		if err := exact.Upsert(id, v); err != nil {
			fmt.Fprintf(os.Stderr, "Error indexing %s: %v\n", id, err)
			os.Exit(1)
		}
		if err := lsh.Upsert(id, v); err != nil {
			fmt.Fprintf(os.Stderr, "Error indexing %s: %v\n", id, err)
			os.Exit(1)
		}
	}

	queries, err := buildQueries(ctx, cfg, vectors, *query, *samples)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Embedding error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("DENSE INDEX BENCHMARK")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Printf("Vectors indexed: %d\n", exact.Len())
	fmt.Printf("Dimension:       %d\n", cfg.Dense.Dimension)
	fmt.Printf("LSH:             %d tables x %d bits\n", cfg.Dense.LSHTables, cfg.Dense.LSHBits)
	fmt.Printf("Queries:         %d, top-%d\n", len(queries), *topK)
	fmt.Println(strings.Repeat("-", 70))

	var exactTime, lshTime time.Duration
	recall := 0.0
	for _, q := range queries {
		start := time.Now()
		want, err := exact.Search(ctx, q, *topK)
		exactTime += time.Since(start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Search error: %v\n", err)
			os.Exit(1)
		}

		start = time.Now()
		got, err := lsh.Search(ctx, q, *topK)
		lshTime += time.Since(start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Search error: %v\n", err)
			os.Exit(1)
		}
		recall += overlap(want, got)
	}

	n := time.Duration(len(queries))
	avgRecall := recall / float64(len(queries))
	fmt.Printf("QUALITY METRICS:\n")
	fmt.Printf("  Exact avg latency: %s\n", exactTime/n)
	fmt.Printf("  LSH avg latency:   %s\n", lshTime/n)
	fmt.Printf("  LSH recall@%d:     %.3f\n", *topK, avgRecall)

	if avgRecall > 0.9 {
		fmt.Println("  Status: GOOD - LSH matches exact search closely")
	} else if avgRecall > 0.7 {
		fmt.Println("  Status: OK - consider more tables or fewer bits")
	} else {
		fmt.Println("  Status: POOR - keep dense.strategy=exact for this corpus")
	}
}

func openBackend(cfg *config.Config, dir string) (port.Backend, error) {
	path := cfg.StorePath(dir)
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if cfg.Store.Backend == "sqlite" {
		return sqlstore.NewStore(path)
	}
	return store.NewBoltStore(path)
}

func loadVectors(ctx context.Context, cfg *config.Config, dir string) (map[string][]float32, error) {
	backend, err := openBackend(cfg, dir)
	if err != nil {
		return nil, err
	}
	defer backend.Close()

	vectors := make(map[string][]float32)
	err = backend.ForEach(ctx, func(c domain.Chunk) error {
		if len(c.Vector) > 0 {
			vectors[c.ID] = c.Vector
		}
		return nil
	})
	return vectors, err
}

func buildQueries(ctx context.Context, cfg *config.Config, vectors map[string][]float32, text string, samples int) ([][]float32, error) {
	if text != "" {
		tok := analyzer.NewTokenizer(analyzer.Options{
			Stemming:  cfg.Sparse.Stemming,
			Stopwords: cfg.Sparse.Stopwords,
			MinLength: cfg.Sparse.MinTermLength,
		})
		out, err := embedding.NewHashEmbedder(cfg.Dense.Dimension, tok).Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	ids := make([]string, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	all := make([][]float32, len(ids))
	for i, id := range ids {
		all[i] = vectors[id]
	}
	rng := rand.New(rand.NewSource(cfg.Dense.LSHSeed))
	rng.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if samples > 0 && samples < len(all) {
		all = all[:samples]
	}
	return all, nil
}

func overlap(want, got []domain.Hit) float64 {
	if len(want) == 0 {
		return 1
	}
	seen := make(map[string]struct{}, len(got))
	for _, h := range got {
		seen[h.ChunkID] = struct{}{}
	}
	hit := 0
	for _, h := range want {
		if _, ok := seen[h.ChunkID]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(want))
}
