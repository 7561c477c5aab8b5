package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// purgeCmd deletes results/<hsh>/ for every descriptor matching a
// description/hash glob. --all additionally removes any leftover
// exp/<hsh>/ scratch dir; --dry-run only reports what would be removed.
var purgeCmd = &cobra.Command{
	Use:   "purge <descr>",
	Short: "Remove persisted results matching a description/hash glob, forcing a rerun",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}

		descriptors, err := matchingDescriptors(st, args[0])
		if err != nil {
			return err
		}

		all, _ := cmd.Flags().GetBool("all")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		for _, d := range descriptors {
			if dryRun {
				fmt.Fprintf(cmd.OutOrStdout(), "would purge %s (%s)\n", d.Hash, d.Description)
				continue
			}
			if err := st.Purge(d.Hash); err != nil {
				return err
			}
			if all {
				if err := st.CleanupScratch(d.Hash); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %s (%s)\n", d.Hash, d.Description)
		}
		return nil
	},
}

func init() {
	purgeCmd.Flags().Bool("all", false, "also remove any leftover exp/<hash>/ scratch directory")
	purgeCmd.Flags().Bool("dry-run", false, "only list what would be removed")
}
