package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dagucloud/exprunner/internal/store"
)

// hashCmd prints the hashes of every persisted descriptor matching a
// description/hash glob; --latest restricts the result to the most
// recent date per matching description.
var hashCmd = &cobra.Command{
	Use:   "hash <descr>",
	Short: "Print hashes matching a description/hash glob",
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

		latestOnly, _ := cmd.Flags().GetBool("latest")
		if latestOnly {
			descriptors = latestPerDescription(descriptors)
		}

		sort.Slice(descriptors, func(i, j int) bool {
			if descriptors[i].Description != descriptors[j].Description {
				return descriptors[i].Description < descriptors[j].Description
			}
			return descriptors[i].Date.Before(descriptors[j].Date)
		})
		for _, d := range descriptors {
			fmt.Fprintln(cmd.OutOrStdout(), d.Hash)
		}
		return nil
	},
}

// latestPerDescription keeps only the most recent descriptor (by Date)
// for each distinct description.
func latestPerDescription(descriptors []*store.Descriptor) []*store.Descriptor {
	best := map[string]*store.Descriptor{}
	for _, d := range descriptors {
		cur, ok := best[d.Description]
		if !ok || d.Date.After(cur.Date) {
			best[d.Description] = d
		}
	}
	out := make([]*store.Descriptor, 0, len(best))
	for _, d := range best {
		out = append(out, d)
	}
	return out
}

func init() {
	hashCmd.Flags().Bool("latest", false, "restrict to the most recent date per matching description")
}
