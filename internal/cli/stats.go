package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var statsJSON bool

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index statistics",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "output as JSON")
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg := GetConfig()
	ctx := cmd.Context()

	eng, err := openEngine(ctx, cfg, GetRootDir(), false, GetLogger())
	if err != nil {
		return err
	}
	defer eng.Close()

	stats, err := eng.store.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}

	if statsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Printf("Backend:          %s\n", cfg.Store.Backend)
	fmt.Printf("Chunks:           %d\n", stats.Chunks)
	fmt.Printf("Dense vectors:    %d (%s, %d dims)\n", stats.Dense, cfg.Dense.Strategy, cfg.Dense.Dimension)
	fmt.Printf("Sparse chunks:    %d\n", stats.Sparse.N)
	fmt.Printf("Vocabulary:       %d terms\n", stats.Sparse.Terms)
	fmt.Printf("Avg doc length:   %.1f\n", stats.Sparse.AvgDL)
	return nil
}
