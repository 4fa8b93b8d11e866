// Package chunker turns markdown documents into the chunk hierarchy the
// store indexes.
package chunker

import (
	"fmt"
	"strings"

	"hybridrag/internal/domain"
	"hybridrag/internal/port"
)

// MarkdownChunker maps a markdown document onto title, section, paragraph
// and table chunks. The document becomes the root title chunk, every
// heading below it a section, and blank-line separated blocks the leaves.
// Paragraphs longer than maxTokens are split on line boundaries.
type MarkdownChunker struct {
	maxTokens int
	tokenizer port.Tokenizer
}

func NewMarkdownChunker(maxTokens int, tokenizer port.Tokenizer) *MarkdownChunker {
	return &MarkdownChunker{
		maxTokens: maxTokens,
		tokenizer: tokenizer,
	}
}

type builder struct {
	chunks   []domain.Chunk
	root     int
	parent   int
	children map[string]int
}

func (b *builder) add(level domain.Level, parent int, kind, text string) int {
	p := b.chunks[parent]
	pos := b.children[p.ID]
	b.children[p.ID]++
	b.chunks = append(b.chunks, domain.Chunk{
		ID:       fmt.Sprintf("%s/%s%d", p.ID, kind, pos),
		Level:    level,
		Text:     text,
		ParentID: p.ID,
		Position: pos,
	})
	return len(b.chunks) - 1
}

// Chunk splits content into chunks whose ids are rooted at docID. Vectors
// and terms are left empty.
func (c *MarkdownChunker) Chunk(docID, content string) []domain.Chunk {
	b := &builder{
		chunks:   []domain.Chunk{{ID: docID, Level: domain.LevelTitle, Text: docID}},
		children: make(map[string]int),
	}

	var (
		block   []string
		inFence bool
		titled  bool
	)
	flush := func() {
		if len(block) > 0 {
			c.addBlock(b, block)
			block = nil
		}
	}

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
			block = append(block, line)
			continue
		}
		if inFence {
			block = append(block, line)
			continue
		}

		if depth, heading := parseHeading(trimmed); depth > 0 {
			flush()
			if depth == 1 && !titled && len(b.chunks) == 1 {
				b.chunks[0].Text = heading
				titled = true
				continue
			}
			b.parent = b.add(domain.LevelSection, b.root, "s", heading)
			continue
		}

		if trimmed == "" {
			flush()
			continue
		}
		block = append(block, line)
	}
	flush()

	return b.chunks
}

func (c *MarkdownChunker) addBlock(b *builder, lines []string) {
	if isTable(lines) {
		b.add(domain.LevelTable, b.parent, "t", strings.Join(lines, "\n"))
		return
	}

	start := 0
	for start < len(lines) {
		end := start
		tokens := 0
		for end < len(lines) {
			n := c.tokenizer.CountTokens(lines[end])
			if tokens > 0 && tokens+n > c.maxTokens {
				break
			}
			tokens += n
			end++
		}
		b.add(domain.LevelParagraph, b.parent, "p", strings.Join(lines[start:end], "\n"))
		start = end
	}
}

func parseHeading(line string) (int, string) {
	depth := 0
	for depth < len(line) && line[depth] == '#' {
		depth++
	}
	if depth == 0 || depth > 6 || depth == len(line) || line[depth] != ' ' {
		return 0, ""
	}
	text := strings.TrimSpace(line[depth:])
	if text == "" {
		return 0, ""
	}
	return depth, text
}

func isTable(lines []string) bool {
	for _, l := range lines {
		if !strings.HasPrefix(strings.TrimSpace(l), "|") {
			return false
		}
	}
	return true
}
