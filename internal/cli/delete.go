package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <chunk-id>...",
	Short: "Delete chunks and their descendants",
	Long: `Delete chunks from the store and both indexes. Descendants of a deleted
chunk are removed with it.

Examples:
  hybridrag delete doc/s1
  hybridrag delete doc-a doc-b`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	eng, err := openEngine(ctx, GetConfig(), GetRootDir(), false, GetLogger())
	if err != nil {
		return err
	}
	defer eng.Close()

	total := 0
	for _, id := range args {
		removed, err := eng.store.Delete(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to delete %s: %w", id, err)
		}
		total += len(removed)
		fmt.Printf("Deleted %s (%d chunks)\n", id, len(removed))
	}
	fmt.Printf("\n%d chunks removed.\n", total)
	return nil
}
