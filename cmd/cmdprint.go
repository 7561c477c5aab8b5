package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"mvdan.cc/sh/v3/syntax"

	"github.com/dagucloud/exprunner/internal/node"
)

// cmdPrintCmd shows the final command a node would resolve to, after
// template expansion but before checkout or launch. The command string
// is parsed and re-printed with mvdan.cc/sh/v3 so the displayed form is
// normalized shell syntax rather than an opaque echo of raw text; nothing
// is ever executed.
var cmdPrintCmd = &cobra.Command{
	Use:     "cmd",
	Aliases: []string{"print"},
	Short:   "Print the final command a node would run, without running it",
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

		spec, err := specFromFlags(cmd)
		if err != nil {
			return err
		}
		n := node.New(spec, st, root, newLogger(cfg))
		if err := n.JobInit(cmd.Context()); err != nil {
			return err
		}

		d := n.Descriptor()
		raw := d.FinalCommand
		if raw == "" {
			raw = d.FinalCode
		}

		printed, err := prettyPrintShell(raw)
		if err != nil {
			// A node's command need not be valid POSIX shell (e.g. a macro
			// call string); fall back to the raw expansion rather than fail.
			printed = raw
		}
		fmt.Fprintln(cmd.OutOrStdout(), printed)
		return nil
	},
}

func prettyPrintShell(src string) (string, error) {
	f, err := syntax.NewParser().Parse(strings.NewReader(src), "")
	if err != nil {
		return "", fmt.Errorf("parse shell command: %w", err)
	}
	var sb strings.Builder
	printer := syntax.NewPrinter(syntax.Indent(2))
	if err := printer.Print(&sb, f); err != nil {
		return "", fmt.Errorf("print shell command: %w", err)
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

func init() {
	addNodeFlags(cmdPrintCmd)
}
