package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dagucloud/exprunner/internal/task"
	"github.com/dagucloud/exprunner/internal/taskfile"
)

var runtaskCmd = &cobra.Command{
	Use:   "runtask <id>",
	Short: "Replay a previously archived task, pinning HEAD-relative nodes to its original commit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid task id %q: %w", args[0], err)
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		root, err := repoRoot()
		if err != nil {
			return err
		}

		ts := task.New(root)
		path, rec, err := ts.Load(id)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path) //nolint:gosec
		if err != nil {
			return fmt.Errorf("read archived task: %w", err)
		}
		f, err := taskfile.Parse(data)
		if err != nil {
			return err
		}
		for i := range f.Nodes {
			f.Nodes[i].Commit = task.ReplayCommit(rec, f.Nodes[i].Commit)
		}

		sinks, err := taskfile.Build(f, st, root, newLogger(cfg))
		if err != nil {
			return err
		}
		return runDAGAndReport(cmd, sinks, cfg)
	},
}
