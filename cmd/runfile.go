package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dagucloud/exprunner/internal/reposcm"
	"github.com/dagucloud/exprunner/internal/task"
	"github.com/dagucloud/exprunner/internal/taskfile"
)

var runfileCmd = &cobra.Command{
	Use:   "runfile <task-file>",
	Short: "Run every node defined in a YAML task file",
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
		root, err := repoRoot()
		if err != nil {
			return err
		}

		data, err := os.ReadFile(args[0]) //nolint:gosec
		if err != nil {
			return fmt.Errorf("read task file: %w", err)
		}
		f, err := taskfile.Parse(data)
		if err != nil {
			return err
		}
		sinks, err := taskfile.Build(f, st, root, newLogger(cfg))
		if err != nil {
			return err
		}

		commit, err := reposcm.ResolveCommit(root, "HEAD")
		if err != nil {
			return fmt.Errorf("resolve HEAD: %w", err)
		}
		ts := task.New(root)
		if _, err := ts.Archive(args[0], filepath.Base(args[0]), commit); err != nil {
			return fmt.Errorf("archive task: %w", err)
		}

		return runDAGAndReport(cmd, sinks, cfg)
	},
}
