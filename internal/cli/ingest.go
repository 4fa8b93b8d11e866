package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"hybridrag/internal/adapter/chunker"
	"hybridrag/internal/adapter/fs"
	"hybridrag/internal/domain"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path]",
	Short: "Index chunk and markdown files",
	Long: `Index JSON Lines chunk files and markdown documents into the dense and
sparse indexes.

Each JSONL line holds one chunk: id, level, text, parent_id, position and
optionally vector and terms. Markdown files are split into title, section,
paragraph and table chunks rooted at the file's path. Missing vectors are
computed with the configured embedder and missing terms with the analyzer.
All files found under the path are committed as one batch, so a parent may
live in a different file than its children.

Examples:
  hybridrag ingest                     # Index *.jsonl and *.md under the current directory
  hybridrag ingest ./chunks/guide.jsonl
  hybridrag ingest ./docs`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := GetRootDir()
	if len(args) > 0 {
		path = args[0]
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("path does not exist: %w", err)
	}

	cfg := GetConfig()
	ctx := cmd.Context()

	eng, err := openEngine(ctx, cfg, GetRootDir(), true, GetLogger())
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	defer eng.Close()

	walker := fs.NewWalker(cfg.Ingest.Includes, cfg.Ingest.Excludes)
	md := chunker.NewMarkdownChunker(cfg.Ingest.ChunkTokens, eng.tokenizer)

	fmt.Printf("Scanning %s...\n", path)
	files, err := walker.Walk(path)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", path, err)
	}
	if len(files) == 0 {
		fmt.Println("No chunk files found.")
		return nil
	}

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowBytes(false),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("[cyan]Preparing[reset]"),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Println()
		}),
	)

	start := time.Now()
	var chunks []domain.Chunk
	for i, f := range files {
		raw, err := readFile(md, path, f.Path)
		if err != nil {
			return err
		}
		prepared, err := eng.ingest.Prepare(ctx, raw)
		if err != nil {
			return fmt.Errorf("%s: %w", f.Path, err)
		}
		chunks = append(chunks, prepared...)

		bar.Set(i + 1)
		if elapsed := time.Since(start); i+1 < len(files) {
			eta := time.Duration(float64(elapsed) / float64(i+1) * float64(len(files)-i-1))
			bar.Describe(fmt.Sprintf("[cyan]Preparing[reset] ETA: %s", formatDuration(eta)))
		}
	}

	result, err := eng.ingest.Ingest(ctx, chunks)
	if err != nil {
		return fmt.Errorf("ingest failed: %w", err)
	}

	fmt.Printf("\nIngest complete:\n")
	fmt.Printf("  Files read:     %d\n", len(files))
	fmt.Printf("  Chunks indexed: %d\n", result.ChunksIndexed)
	fmt.Printf("  Tables indexed: %d\n", result.TablesIndexed)
	fmt.Printf("  Unchanged:      %d\n", result.Unchanged)
	fmt.Printf("  Embedder:       %s\n", eng.embedder.ModelName())
	fmt.Printf("  Time:           %s\n", formatDuration(time.Since(start)))
	if cfg.Store.Backend != "memory" {
		fmt.Printf("\nIndex stored at: %s\n", cfg.StorePath(GetRootDir()))
	}
	return nil
}

// readFile loads the chunks of one file. Markdown documents are chunked
// with ids derived from their path relative to root.
func readFile(md *chunker.MarkdownChunker, root, path string) ([]domain.Chunk, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return md.Chunk(documentID(root, path), string(data)), nil
	default:
		return fs.ReadChunkFile(path)
	}
}

func documentID(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)
	return strings.TrimSuffix(rel, filepath.Ext(rel))
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
