package usecase

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/internal/adapter/analyzer"
	"hybridrag/internal/domain"
	"hybridrag/internal/logging"
)

type mapReader map[string]domain.Chunk

func (m mapReader) Get(_ context.Context, id string) (domain.Chunk, error) {
	c, ok := m[id]
	if !ok {
		return domain.Chunk{}, fmt.Errorf("chunk %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

func (m mapReader) GetChildren(_ context.Context, id string) ([]domain.Chunk, error) {
	if _, ok := m[id]; !ok {
		return nil, fmt.Errorf("chunk %s: %w", id, domain.ErrNotFound)
	}
	var kids []domain.Chunk
	for _, c := range m {
		if c.ParentID == id {
			kids = append(kids, c)
		}
	}
	sortByPosition(kids)
	return kids, nil
}

func readerOf(chunks ...domain.Chunk) mapReader {
	m := make(mapReader, len(chunks))
	for _, c := range chunks {
		m[c.ID] = c
	}
	return m
}

func fusedOf(ids ...string) []domain.FusedResult {
	out := make([]domain.FusedResult, len(ids))
	for i, id := range ids {
		out[i] = domain.FusedResult{ChunkID: id, Rank: i + 1, Score: 1 / float64(61+i)}
	}
	return out
}

func hitsOf(r mapReader, fused []domain.FusedResult) map[string]domain.Chunk {
	out := make(map[string]domain.Chunk, len(fused))
	for _, f := range fused {
		out[f.ChunkID] = r[f.ChunkID]
	}
	return out
}

func entryIDs(block domain.ContextBlock) []string {
	out := make([]string, len(block.Entries))
	for i, e := range block.Entries {
		out[i] = e.ChunkID
	}
	return out
}

func TestAssembler_DocumentOrderWithinBlock(t *testing.T) {
	r := readerOf(guide()...)
	a := NewAssembler(r, nil, AssembleOptions{MaxSize: 10000}, logging.Discard())

	fused := fusedOf("doc/s2/p1", "doc/s1/p2")
	out, err := a.Assemble(context.Background(), fused, hitsOf(r, fused))
	require.NoError(t, err)

	require.Len(t, out.Blocks, 1)
	block := out.Blocks[0]
	assert.Equal(t, "doc", block.RootID)
	assert.Equal(t, []string{"doc", "doc/s1", "doc/s1/p2", "doc/s2", "doc/s2/p1"}, entryIDs(block))

	roles := map[string]domain.Role{}
	for _, e := range block.Entries {
		roles[e.ChunkID] = e.Role
	}
	assert.Equal(t, domain.RoleHit, roles["doc/s2/p1"])
	assert.Equal(t, domain.RoleAncestor, roles["doc/s1"])
	assert.Equal(t, 1, block.Entries[4].Rank)
	assert.Equal(t, 2, block.Entries[2].Rank)
	assert.False(t, out.Truncated)
	assert.Len(t, out.Citations, 2)
}

func TestAssembler_BudgetKeepsHitsFirst(t *testing.T) {
	r := readerOf(guide()...)
	hit := r["doc/s1/p2"]
	a := NewAssembler(r, nil, AssembleOptions{MaxSize: len([]rune(hit.Text)) + 3}, logging.Discard())

	fused := fusedOf("doc/s1/p2")
	out, err := a.Assemble(context.Background(), fused, hitsOf(r, fused))
	require.NoError(t, err)

	assert.True(t, out.Truncated)
	require.Len(t, out.Blocks, 1)
	assert.Equal(t, []string{"doc/s1/p2"}, entryIDs(out.Blocks[0]))
	assert.Equal(t, len([]rune(hit.Text)), out.Used)
	assert.Equal(t, "chars", out.Unit)
}

func TestAssembler_CitationsSurviveTruncation(t *testing.T) {
	r := readerOf(guide()...)
	a := NewAssembler(r, nil, AssembleOptions{MaxSize: 1}, logging.Discard())

	fused := fusedOf("doc/s1/p1", "doc/s2/p1")
	out, err := a.Assemble(context.Background(), fused, hitsOf(r, fused))
	require.NoError(t, err)

	assert.Empty(t, out.Blocks)
	assert.True(t, out.Truncated)
	assert.Equal(t, []domain.Citation{
		{ChunkID: "doc/s1/p1", Score: fused[0].Score, Rank: 1},
		{ChunkID: "doc/s2/p1", Score: fused[1].Score, Rank: 2},
	}, out.Citations)
}

func TestAssembler_SiblingWindow(t *testing.T) {
	chunks := append(guide(), paragraph("doc/s1/p3", "doc/s1", 2, "Third paragraph.", 0, 0, 1))
	r := readerOf(chunks...)
	a := NewAssembler(r, nil, AssembleOptions{MaxSize: 10000, SiblingWindow: 1}, logging.Discard())

	fused := fusedOf("doc/s1/p2")
	out, err := a.Assemble(context.Background(), fused, hitsOf(r, fused))
	require.NoError(t, err)

	require.Len(t, out.Blocks, 1)
	assert.Equal(t, []string{"doc", "doc/s1", "doc/s1/p1", "doc/s1/p2", "doc/s1/p3"}, entryIDs(out.Blocks[0]))
	assert.Equal(t, domain.RoleSibling, out.Blocks[0].Entries[2].Role)
}

func TestAssembler_BlocksOrderedByBestRank(t *testing.T) {
	chunks := append(guide(),
		title("alpha", 1, 1, 0),
		paragraph("alpha/p1", "alpha", 0, "Alpha text.", 1, 1, 1),
	)
	r := readerOf(chunks...)
	a := NewAssembler(r, nil, AssembleOptions{MaxSize: 10000}, logging.Discard())

	fused := fusedOf("doc/s1/p1", "alpha/p1", "doc/s2/p1")
	out, err := a.Assemble(context.Background(), fused, hitsOf(r, fused))
	require.NoError(t, err)

	require.Len(t, out.Blocks, 2)
	assert.Equal(t, "doc", out.Blocks[0].RootID)
	assert.Equal(t, "alpha", out.Blocks[1].RootID)
	assert.Equal(t, []string{"alpha", "alpha/p1"}, entryIDs(out.Blocks[1]))
}

func TestAssembler_MissingAncestorCutsChain(t *testing.T) {
	chunks := guide()
	r := readerOf(chunks...)
	delete(r, "doc/s2")
	a := NewAssembler(r, nil, AssembleOptions{MaxSize: 10000}, logging.Discard())

	fused := fusedOf("doc/s2/p1")
	out, err := a.Assemble(context.Background(), fused, hitsOf(r, fused))
	require.NoError(t, err)

	require.Len(t, out.Blocks, 1)
	assert.Equal(t, "doc/s2/p1", out.Blocks[0].RootID)
	assert.Equal(t, []string{"doc/s2/p1"}, entryIDs(out.Blocks[0]))
}

func TestAssembler_TokenUnit(t *testing.T) {
	r := readerOf(guide()...)
	tok := analyzer.NewTokenizer(analyzer.DefaultOptions())
	a := NewAssembler(r, tok, AssembleOptions{MaxSize: 10000, Unit: UnitTokens}, logging.Discard())

	fused := fusedOf("doc/s1/p1")
	out, err := a.Assemble(context.Background(), fused, hitsOf(r, fused))
	require.NoError(t, err)

	want := 0
	for _, id := range []string{"doc", "doc/s1", "doc/s1/p1"} {
		want += tok.CountTokens(r[id].Text)
	}
	assert.Equal(t, want, out.Used)
	assert.Equal(t, "tokens", out.Unit)
}

func TestAssembledContext_Render(t *testing.T) {
	r := readerOf(guide()...)
	a := NewAssembler(r, nil, AssembleOptions{MaxSize: 10000}, logging.Discard())

	fused := fusedOf("doc/s1/p1")
	out, err := a.Assemble(context.Background(), fused, hitsOf(r, fused))
	require.NoError(t, err)

	want := "[doc] level=title role=ancestor\nTitle doc\n\n" +
		"[doc/s1] level=section role=ancestor\nSection doc/s1\n\n" +
		"[doc/s1/p1] level=paragraph rank=1 score=0.0164\nDense vectors capture meaning.\n"
	assert.Equal(t, want, out.Render())
}
