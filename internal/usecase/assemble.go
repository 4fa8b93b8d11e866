package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"unicode/utf8"

	"hybridrag/internal/domain"
	"hybridrag/internal/port"
)

const (
	UnitChars  = "chars"
	UnitTokens = "tokens"
)

// AssembleOptions bounds the assembled context.
type AssembleOptions struct {
	MaxSize       int
	Unit          string
	SiblingWindow int
}

// chunkReader is the part of ChunkStore the assembler reads through.
type chunkReader interface {
	Get(ctx context.Context, id string) (domain.Chunk, error)
	GetChildren(ctx context.Context, id string) ([]domain.Chunk, error)
}

// Assembler expands fused results into document-ordered context blocks
// under a size budget.
type Assembler struct {
	chunks    chunkReader
	tokenizer port.Tokenizer
	opts      AssembleOptions
	logger    *slog.Logger
}

func NewAssembler(chunks chunkReader, tokenizer port.Tokenizer, opts AssembleOptions, logger *slog.Logger) *Assembler {
	if opts.Unit == "" {
		opts.Unit = UnitChars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		chunks:    chunks,
		tokenizer: tokenizer,
		opts:      opts,
		logger:    logger,
	}
}

func (a *Assembler) measure(text string) int {
	if a.opts.Unit == UnitTokens && a.tokenizer != nil {
		return a.tokenizer.CountTokens(text)
	}
	return utf8.RuneCountInString(text)
}

// pathStep is one hop of a root-to-chunk path; comparing paths step by step
// yields pre-order over positions with ties broken by id.
type pathStep struct {
	position int
	id       string
}

type candidate struct {
	chunk  domain.Chunk
	role   domain.Role
	result *domain.FusedResult
	anchor int // rank of the hit that brought the chunk in
	root   string
	path   []pathStep
}

// lineage is a hit's chain from itself up to the topmost reachable ancestor.
type lineage struct {
	hit   *domain.FusedResult
	chain []domain.Chunk // chain[0] is the hit
}

func (l lineage) root() string {
	return l.chain[len(l.chain)-1].ID
}

// pathTo returns the root-to-chain[i] path.
func (l lineage) pathTo(i int) []pathStep {
	path := make([]pathStep, 0, len(l.chain)-i)
	for j := len(l.chain) - 1; j >= i; j-- {
		path = append(path, pathStep{position: l.chain[j].Position, id: l.chain[j].ID})
	}
	return path
}

// Assemble places each fused hit, then its ancestors nearest-first, then its
// siblings, skipping any item that would overflow the budget. hits must hold
// the chunk of every fused result.
func (a *Assembler) Assemble(ctx context.Context, fused []domain.FusedResult, hits map[string]domain.Chunk) (domain.AssembledContext, error) {
	out := domain.AssembledContext{
		Unit:      a.opts.Unit,
		Budget:    a.opts.MaxSize,
		Citations: make([]domain.Citation, len(fused)),
	}
	for i, r := range fused {
		out.Citations[i] = domain.Citation{ChunkID: r.ChunkID, Score: r.Score, Rank: r.Rank}
	}

	lineages := make([]lineage, 0, len(fused))
	for i := range fused {
		hit, ok := hits[fused[i].ChunkID]
		if !ok {
			return out, fmt.Errorf("assemble: no chunk for result %s", fused[i].ChunkID)
		}
		chain, err := a.ancestors(ctx, hit)
		if err != nil {
			return out, err
		}
		lineages = append(lineages, lineage{hit: &fused[i], chain: chain})
	}

	var ordered []candidate
	for _, l := range lineages {
		ordered = append(ordered, candidate{
			chunk: l.chain[0], role: domain.RoleHit, result: l.hit,
			anchor: l.hit.Rank, root: l.root(), path: l.pathTo(0),
		})
	}
	for _, l := range lineages {
		for i := 1; i < len(l.chain); i++ {
			ordered = append(ordered, candidate{
				chunk: l.chain[i], role: domain.RoleAncestor,
				anchor: l.hit.Rank, root: l.root(), path: l.pathTo(i),
			})
		}
	}
	if a.opts.SiblingWindow > 0 {
		for _, l := range lineages {
			sibs, err := a.siblings(ctx, l)
			if err != nil {
				return out, err
			}
			ordered = append(ordered, sibs...)
		}
	}

	placed := make(map[string]struct{})
	var kept []candidate
	for _, c := range ordered {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if _, dup := placed[c.chunk.ID]; dup {
			continue
		}
		cost := a.measure(c.chunk.Text)
		if out.Used+cost > a.opts.MaxSize {
			out.Truncated = true
			continue
		}
		out.Used += cost
		placed[c.chunk.ID] = struct{}{}
		kept = append(kept, c)
	}

	out.Blocks = buildBlocks(kept)
	return out, nil
}

// ancestors walks parent links from hit upward. A missing parent ends the
// chain; the hit is still placed.
func (a *Assembler) ancestors(ctx context.Context, hit domain.Chunk) ([]domain.Chunk, error) {
	chain := []domain.Chunk{hit}
	for cur := hit; cur.ParentID != ""; {
		parent, err := a.chunks.Get(ctx, cur.ParentID)
		if errors.Is(err, domain.ErrNotFound) {
			a.logger.Warn("ancestor missing, context chain cut short",
				slog.String("chunk_id", cur.ID),
				slog.String("parent_id", cur.ParentID))
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, parent)
		cur = parent
	}
	return chain, nil
}

// siblings returns up to SiblingWindow neighbours on each side of the hit,
// nearest first, before preceding after at equal distance.
func (a *Assembler) siblings(ctx context.Context, l lineage) ([]candidate, error) {
	hit := l.chain[0]
	if hit.ParentID == "" || len(l.chain) < 2 {
		return nil, nil
	}
	kids, err := a.chunks.GetChildren(ctx, hit.ParentID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	at := -1
	for i, k := range kids {
		if k.ID == hit.ID {
			at = i
			break
		}
	}
	if at < 0 {
		return nil, nil
	}

	parentPath := l.pathTo(1)
	var out []candidate
	for d := 1; d <= a.opts.SiblingWindow; d++ {
		for _, i := range []int{at - d, at + d} {
			if i < 0 || i >= len(kids) {
				continue
			}
			path := append(append([]pathStep(nil), parentPath...), pathStep{position: kids[i].Position, id: kids[i].ID})
			out = append(out, candidate{
				chunk: kids[i], role: domain.RoleSibling,
				anchor: l.hit.Rank, root: l.root(), path: path,
			})
		}
	}
	return out, nil
}

func buildBlocks(kept []candidate) []domain.ContextBlock {
	groups := make(map[string][]candidate)
	best := make(map[string]int)
	var roots []string
	for _, c := range kept {
		if _, ok := groups[c.root]; !ok {
			roots = append(roots, c.root)
			best[c.root] = c.anchor
		}
		groups[c.root] = append(groups[c.root], c)
		if c.anchor < best[c.root] {
			best[c.root] = c.anchor
		}
	}
	sort.SliceStable(roots, func(i, j int) bool {
		if best[roots[i]] != best[roots[j]] {
			return best[roots[i]] < best[roots[j]]
		}
		return roots[i] < roots[j]
	})

	blocks := make([]domain.ContextBlock, 0, len(roots))
	for _, root := range roots {
		members := groups[root]
		sort.Slice(members, func(i, j int) bool {
			return pathLess(members[i].path, members[j].path)
		})

		block := domain.ContextBlock{RootID: root, Entries: make([]domain.ContextEntry, 0, len(members))}
		for _, c := range members {
			entry := domain.ContextEntry{
				ChunkID: c.chunk.ID,
				Level:   c.chunk.Level,
				Role:    c.role,
				Text:    c.chunk.Text,
			}
			if c.result != nil {
				entry.Rank = c.result.Rank
				entry.Score = c.result.Score
			}
			block.Entries = append(block.Entries, entry)
		}
		blocks = append(blocks, block)
	}
	return blocks
}

func pathLess(a, b []pathStep) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].position != b[i].position {
			return a[i].position < b[i].position
		}
		if a[i].id != b[i].id {
			return a[i].id < b[i].id
		}
	}
	return len(a) < len(b)
}
