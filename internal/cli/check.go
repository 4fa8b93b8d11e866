package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var checkJSON bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify and repair index consistency",
	Long: `Compare the chunk records with both indexes and the persisted postings,
repairing any divergence found. Exits non-zero when repairs failed.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "output as JSON")
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx, GetConfig(), GetRootDir(), false, GetLogger())
	if err != nil {
		return err
	}
	defer eng.Close()

	report, err := eng.store.Check(ctx)
	if err != nil {
		return fmt.Errorf("check failed: %w", err)
	}

	if checkJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		fmt.Printf("Checked %d chunks.\n", report.Chunks)
		if report.Clean() {
			fmt.Println("No divergence found.")
		}
		printIDs("Repaired postings", report.RepairedPostings)
		printIDs("Orphan postings", report.OrphanPostings)
		printIDs("Missing from dense index", report.MissingDense)
		printIDs("Orphans in dense index", report.OrphanDense)
		printIDs("Missing from sparse index", report.MissingSparse)
		printIDs("Orphans in sparse index", report.OrphanSparse)
		if report.StatsRepaired {
			fmt.Println("Corpus statistics repaired.")
		}
		printIDs("Failed repairs", report.Failed)
	}

	if len(report.Failed) > 0 {
		return fmt.Errorf("%d repairs failed", len(report.Failed))
	}
	return nil
}

func printIDs(label string, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Printf("%s (%d): %s\n", label, len(ids), strings.Join(ids, ", "))
}
