// Package answer holds the answer synthesizers: an OpenAI-compatible chat
// client and an extractive fallback that needs no model.
package answer

import (
	"context"
	"fmt"
	"strings"

	"hybridrag/internal/domain"
)

const NoAnswer = "No relevant answer found."

// Extractive answers with the best hit's text verbatim and cites every
// fused result.
type Extractive struct{}

func NewExtractive() *Extractive {
	return &Extractive{}
}

func (Extractive) Synthesize(ctx context.Context, question string, result *domain.QueryResult) (domain.Answer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Answer{}, err
	}
	if result == nil || len(result.Results) == 0 {
		return domain.Answer{Text: NoAnswer}, nil
	}

	citations := make([]string, len(result.Results))
	for i, r := range result.Results {
		citations[i] = r.ChunkID
	}

	best, ok := bestHit(result.Context)
	if !ok {
		return domain.Answer{Text: NoAnswer, Citations: citations, Grounded: true}, nil
	}

	var sb strings.Builder
	sb.WriteString("Answer synthesized without a language model.\n")
	if question != "" {
		fmt.Fprintf(&sb, "Question: %s\n", question)
	}
	fmt.Fprintf(&sb, "Best match [%s]: %s", best.ChunkID, best.Text)

	return domain.Answer{
		Text:      sb.String(),
		Citations: citations,
		Grounded:  true,
	}, nil
}

// bestHit returns the hit with the smallest rank that fit in the context.
func bestHit(c domain.AssembledContext) (domain.ContextEntry, bool) {
	var (
		best  domain.ContextEntry
		found bool
	)
	for _, block := range c.Blocks {
		for _, e := range block.Entries {
			if e.Role != domain.RoleHit {
				continue
			}
			if !found || e.Rank < best.Rank {
				best, found = e, true
			}
		}
	}
	return best, found
}
