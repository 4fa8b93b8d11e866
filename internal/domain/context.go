package domain

import (
	"fmt"
	"strings"
)

type Role string

const (
	RoleHit      Role = "hit"
	RoleAncestor Role = "ancestor"
	RoleSibling  Role = "sibling"
)

// ContextEntry is one chunk placed in the assembled context. Rank and Score
// are set only for hits.
type ContextEntry struct {
	ChunkID string  `json:"chunk_id"`
	Level   Level   `json:"level"`
	Role    Role    `json:"role"`
	Text    string  `json:"text"`
	Rank    int     `json:"rank,omitempty"`
	Score   float64 `json:"fused_score,omitempty"`
}

// ContextBlock groups the entries that share a root ancestor, in document order.
type ContextBlock struct {
	RootID  string         `json:"root_id"`
	Entries []ContextEntry `json:"entries"`
}

type Citation struct {
	ChunkID string  `json:"chunk_id"`
	Score   float64 `json:"fused_score"`
	Rank    int     `json:"rank"`
}

type AssembledContext struct {
	Blocks    []ContextBlock `json:"blocks"`
	Citations []Citation     `json:"citations"`
	Unit      string         `json:"unit"`
	Budget    int            `json:"budget"`
	Used      int            `json:"used"`
	Truncated bool           `json:"truncated"`
}

// Render formats the context for an answer generator. Every entry is
// prefixed with its chunk id so generated text can cite it.
func (c AssembledContext) Render() string {
	var sb strings.Builder
	for i, block := range c.Blocks {
		if i > 0 {
			sb.WriteString("\n---\n\n")
		}
		for _, e := range block.Entries {
			if e.Role == RoleHit {
				fmt.Fprintf(&sb, "[%s] level=%s rank=%d score=%.4f\n", e.ChunkID, e.Level, e.Rank, e.Score)
			} else {
				fmt.Fprintf(&sb, "[%s] level=%s role=%s\n", e.ChunkID, e.Level, e.Role)
			}
			sb.WriteString(e.Text)
			sb.WriteString("\n\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}
