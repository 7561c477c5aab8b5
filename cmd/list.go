package cmd

import (
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dagucloud/exprunner/internal/store"
)

// listCmd groups every persisted descriptor by description and prints a
// count plus the latest run_state per group.
var listCmd = &cobra.Command{
	Use:   "list [description-glob]",
	Short: "Summarize persisted nodes, grouped by description",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}

		pattern := "*"
		if len(args) == 1 {
			pattern = args[0]
		}

		descriptors, err := matchingDescriptors(st, pattern)
		if err != nil {
			return err
		}

		type group struct {
			count   int
			latest  store.RunState
			latestT time.Time
		}
		groups := map[string]*group{}
		for _, d := range descriptors {
			g, ok := groups[d.Description]
			if !ok {
				g = &group{}
				groups[d.Description] = g
			}
			g.count++
			if d.Date.After(g.latestT) {
				g.latestT = d.Date
				g.latest = d.RunState
			}
		}

		names := make([]string, 0, len(groups))
		for name := range groups {
			names = append(names, name)
		}
		sort.Strings(names)

		t := table.NewWriter()
		t.SetOutputMirror(cmd.OutOrStdout())
		t.AppendHeader(table.Row{"description", "count", "latest_state", "latest_date"})
		for _, name := range names {
			g := groups[name]
			t.AppendRow(table.Row{name, g.count, g.latest, g.latestT.Format(time.RFC3339)})
		}
		t.Render()
		return nil
	},
}
