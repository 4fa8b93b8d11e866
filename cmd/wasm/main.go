//go:build js && wasm

package main

import (
	"context"
	"encoding/json"
	"strings"
	"syscall/js"

	"hybridrag/config"
	"hybridrag/internal/adapter/analyzer"
	"hybridrag/internal/adapter/cache"
	"hybridrag/internal/adapter/dense"
	"hybridrag/internal/adapter/embedding"
	"hybridrag/internal/adapter/fs"
	"hybridrag/internal/adapter/memstore"
	"hybridrag/internal/adapter/sparse"
	"hybridrag/internal/domain"
	"hybridrag/internal/logging"
	"hybridrag/internal/usecase"
)

// The browser build keeps everything in memory and embeds with the hashing
// embedder, so it needs no network access.
const dimension = 256

var (
	tokenizer *analyzer.Tokenizer
	embedder  *embedding.HashEmbedder
	chunks    *usecase.ChunkStore
	ingest    *usecase.IngestUseCase
	query     *usecase.QueryUseCase
)

func init() {
	tokenizer = analyzer.NewTokenizer(analyzer.DefaultOptions())
	embedder = embedding.NewHashEmbedder(dimension, tokenizer)
	if err := reset(); err != nil {
		panic(err)
	}
}

func reset() error {
	cfg := config.DefaultConfig()
	logger := logging.Discard()

	cs, err := usecase.NewChunkStore(context.Background(), memstore.NewMemoryStore(),
		dense.NewExactIndex(dimension),
		sparse.NewIndex(tokenizer, cfg.Sparse.K1, cfg.Sparse.B),
		usecase.ChunkStoreOptions{Workers: 1, Logger: logger})
	if err != nil {
		return err
	}
	assembler := usecase.NewAssembler(cs, tokenizer, usecase.AssembleOptions{
		MaxSize: cfg.Assemble.MaxSize,
		Unit:    cfg.Assemble.Unit,
	}, logger)

	chunks = cs
	ingest = usecase.NewIngestUseCase(cs, embedder, tokenizer, logger)
	query = usecase.NewQueryUseCase(cs, assembler, cache.NewQueryCache(cfg.Cache.Size, cfg.Cache.TTL), usecase.QueryOptions{
		RRFK:              cfg.Retrieve.RRFK,
		DenseDepthFactor:  cfg.Retrieve.DenseDepthFactor,
		SparseDepthFactor: cfg.Retrieve.SparseDepthFactor,
		MinCandidates:     cfg.Retrieve.MinCandidates,
	}, logger)
	return nil
}

func main() {
	c := make(chan struct{})

	js.Global().Set("ragIngest", js.FuncOf(ingestContent))
	js.Global().Set("ragQuery", js.FuncOf(queryContent))
	js.Global().Set("ragDelete", js.FuncOf(deleteChunk))
	js.Global().Set("ragClear", js.FuncOf(clearIndex))
	js.Global().Set("ragStats", js.FuncOf(getStats))

	<-c
}

func ingestContent(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return makeError("usage: ragIngest(jsonl)")
	}
	ctx := context.Background()

	raw, err := fs.ReadChunks(strings.NewReader(args[0].String()))
	if err != nil {
		return makeError("parse failed: " + err.Error())
	}
	prepared, err := ingest.Prepare(ctx, raw)
	if err != nil {
		return makeError("prepare failed: " + err.Error())
	}
	res, err := ingest.Ingest(ctx, prepared)
	if err != nil {
		return makeError("ingest failed: " + err.Error())
	}

	return makeResult(map[string]interface{}{
		"success":   true,
		"chunks":    res.ChunksIndexed,
		"tables":    res.TablesIndexed,
		"unchanged": res.Unchanged,
	})
}

func queryContent(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return makeError("usage: ragQuery(query, [topK])")
	}
	ctx := context.Background()

	text := args[0].String()
	topK := 5
	if len(args) > 1 {
		topK = args[1].Int()
	}

	vectors, err := embedder.Embed(ctx, []string{text})
	if err != nil {
		return makeError("embedding failed: " + err.Error())
	}
	result, ans, err := query.Answer(ctx, text, domain.QueryRequest{
		Vector: vectors[0],
		Terms:  tokenizer.Tokenize(text),
		TopK:   topK,
	})
	if err != nil {
		return makeError("search failed: " + err.Error())
	}

	output := make([]map[string]interface{}, 0, len(result.Results))
	for _, r := range result.Results {
		output = append(output, map[string]interface{}{
			"id":    r.ChunkID,
			"rank":  r.Rank,
			"score": r.Score,
			"lists": r.SourceLists,
		})
	}

	return makeResult(map[string]interface{}{
		"results":   output,
		"context":   result.Context.Render(),
		"answer":    ans.Text,
		"citations": ans.Citations,
		"query":     text,
	})
}

func deleteChunk(this js.Value, args []js.Value) interface{} {
	if len(args) < 1 {
		return makeError("usage: ragDelete(id)")
	}
	removed, err := chunks.Delete(context.Background(), args[0].String())
	if err != nil {
		return makeError("delete failed: " + err.Error())
	}
	return makeResult(map[string]interface{}{
		"success": true,
		"removed": removed,
	})
}

func clearIndex(this js.Value, args []js.Value) interface{} {
	if err := reset(); err != nil {
		return makeError("clear failed: " + err.Error())
	}
	return makeResult(map[string]interface{}{
		"success": true,
	})
}

func getStats(this js.Value, args []js.Value) interface{} {
	stats, err := chunks.Stats(context.Background())
	if err != nil {
		return makeError("stats failed: " + err.Error())
	}
	return makeResult(map[string]interface{}{
		"totalChunks": stats.Chunks,
		"vocabulary":  stats.Sparse.Terms,
		"avgChunkLen": stats.Sparse.AvgDL,
		"generation":  stats.Generation,
	})
}

func makeError(msg string) interface{} {
	result, _ := json.Marshal(map[string]interface{}{
		"error": msg,
	})
	return string(result)
}

func makeResult(data map[string]interface{}) interface{} {
	result, _ := json.Marshal(data)
	return string(result)
}
