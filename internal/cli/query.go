package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"hybridrag/internal/domain"
)

var (
	queryText    string
	queryTerms   []string
	queryTopK    int
	queryKRRF    float64
	queryJSON    bool
	queryAnswer  bool
	queryNoDense bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search the hybrid index",
	Long: `Search both indexes and fuse the rankings with reciprocal rank fusion.

The --text value is embedded with the configured embedder for the dense
path and, unless --terms is given, tokenized for the BM25 path.

Examples:
  hybridrag query --text "how are rankings merged"
  hybridrag query --terms bm25,idf --top-k 3 --json
  hybridrag query --text "rare terms" --answer`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryText, "text", "q", "", "query text")
	queryCmd.Flags().StringSliceVar(&queryTerms, "terms", nil, "comma-separated query terms for the BM25 path")
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of results (default from config)")
	queryCmd.Flags().Float64Var(&queryKRRF, "k-rrf", 0, "fusion constant (default from config)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output as JSON")
	queryCmd.Flags().BoolVar(&queryAnswer, "answer", false, "print a cited answer")
	queryCmd.Flags().BoolVar(&queryNoDense, "no-dense", false, "skip the dense path")
	queryCmd.MarkFlagsOneRequired("text", "terms")
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	ctx := cmd.Context()

	eng, err := openEngine(ctx, cfg, GetRootDir(), false, GetLogger())
	if err != nil {
		return err
	}
	defer eng.Close()

	req := domain.QueryRequest{
		Terms: queryTerms,
		TopK:  cfg.Retrieve.TopK,
		KRRF:  queryKRRF,
	}
	if queryTopK > 0 {
		req.TopK = queryTopK
	}
	if queryText != "" {
		if len(req.Terms) == 0 {
			req.Terms = eng.tokenizer.Tokenize(queryText)
		}
		if !queryNoDense {
			vectors, err := eng.embedder.Embed(ctx, []string{queryText})
			if err != nil {
				return fmt.Errorf("failed to embed query: %w", err)
			}
			req.Vector = vectors[0]
		}
	}

	var (
		result *domain.QueryResult
		ans    domain.Answer
	)
	if queryAnswer {
		question := queryText
		if question == "" {
			question = strings.Join(queryTerms, " ")
		}
		result, ans, err = eng.query.Answer(ctx, question, req)
	} else {
		result, err = eng.query.Query(ctx, req)
	}
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if queryJSON {
		out := struct {
			*domain.QueryResult
			Answer *domain.Answer `json:"answer,omitempty"`
		}{QueryResult: result}
		if queryAnswer {
			out.Answer = &ans
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	printResult(result)
	if queryAnswer {
		fmt.Println("--- answer ---")
		fmt.Println(ans.Text)
		if len(ans.Citations) > 0 {
			fmt.Printf("Citations: %s\n", strings.Join(ans.Citations, ", "))
		}
	}
	return nil
}

func printResult(result *domain.QueryResult) {
	if result.Degraded {
		for _, f := range result.FailedPaths {
			fmt.Printf("Warning: %s path failed: %s\n", f.Path, f.Error)
		}
	}
	if len(result.Results) == 0 {
		fmt.Println("No results found.")
		return
	}

	fmt.Printf("Found %d results (%s):\n\n", len(result.Results), formatDuration(result.Elapsed))
	for _, r := range result.Results {
		fmt.Printf("  %2d. %-40s score=%.4f  lists=%s\n", r.Rank, r.ChunkID, r.Score, strings.Join(r.SourceLists, ","))
	}

	fmt.Printf("\n--- context (%d/%s used", result.Context.Used, result.Context.Unit)
	if result.Context.Truncated {
		fmt.Print(", truncated")
	}
	fmt.Println(") ---")
	fmt.Print(result.Context.Render())
	fmt.Println()
}
