package embedding

import (
	"context"
	"hash/fnv"
	"math"

	"hybridrag/internal/port"
)

// HashEmbedder projects token counts into a fixed number of signed buckets
// and L2-normalizes the result. It needs no model and is deterministic, so
// texts sharing words land near each other. Useful offline and in tests.
type HashEmbedder struct {
	dimension int
	tokenizer port.Tokenizer
}

func NewHashEmbedder(dimension int, tokenizer port.Tokenizer) *HashEmbedder {
	return &HashEmbedder{dimension: dimension, tokenizer: tokenizer}
}

func (e *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embed(text)
	}
	return out, nil
}

func (e *HashEmbedder) embed(text string) []float32 {
	vec := make([]float32, e.dimension)
	for _, tok := range e.tokenizer.Tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dimension))
		if sum&(1<<63) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var sq float64
	for _, v := range vec {
		sq += float64(v) * float64(v)
	}
	if sq == 0 {
		return vec
	}
	n := float32(math.Sqrt(sq))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

func (e *HashEmbedder) Dimension() int {
	return e.dimension
}

func (e *HashEmbedder) ModelName() string {
	return "hash"
}
