package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dagucloud/exprunner/internal/node"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a single ad-hoc node",
	Long:  `exprunner run --description=<d> --command="<cmd>" [--param k=v ...]`,
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
		return runDAGAndReport(cmd, []*node.Node{n}, cfg)
	},
}

func init() {
	addNodeFlags(runCmd)
}

// addNodeFlags registers the ad-hoc node definition flags shared by the
// run and cmd/print commands.
func addNodeFlags(cmd *cobra.Command) {
	cmd.Flags().String("description", "", "node description (required)")
	cmd.Flags().String("commit", "HEAD", "commit expression to resolve")
	cmd.Flags().String("command", "", "shell command to run (mutually exclusive with --code)")
	cmd.Flags().String("code", "", "macro call to run instead of a command")
	cmd.Flags().StringArray("param", nil, "node parameter as key=value, may be repeated")
	cmd.Flags().String("dir", "", "directory the node is defined in (default: repo root)")
	cmd.Flags().Bool("subdir-only", false, "check out only --dir instead of the whole tree")
	cmd.Flags().String("image", "", "container image for backends that support one")
	cmd.Flags().Bool("rerun", false, "purge any existing result and force re-execution")
	cmd.Flags().String("import", "", "import results from this prior hash instead of executing")
	cobra.CheckErr(cmd.MarkFlagRequired("description"))
}

// specFromFlags reads the flags addNodeFlags registered into a node.Spec.
func specFromFlags(cmd *cobra.Command) (node.Spec, error) {
	description, _ := cmd.Flags().GetString("description")
	commit, _ := cmd.Flags().GetString("commit")
	command, _ := cmd.Flags().GetString("command")
	code, _ := cmd.Flags().GetString("code")
	rawParams, _ := cmd.Flags().GetStringArray("param")
	dir, _ := cmd.Flags().GetString("dir")
	subdirOnly, _ := cmd.Flags().GetBool("subdir-only")
	image, _ := cmd.Flags().GetString("image")
	rerun, _ := cmd.Flags().GetBool("rerun")
	importHash, _ := cmd.Flags().GetString("import")

	if command == "" && code == "" {
		return node.Spec{}, fmt.Errorf("one of --command or --code is required")
	}
	params, err := parseParams(rawParams)
	if err != nil {
		return node.Spec{}, err
	}
	if dir != "" && !filepath.IsAbs(dir) {
		// node.Spec.Dir is documented as absolute; a relative --dir is
		// resolved against the invoking shell's own working directory,
		// matching how a user would type a path on the command line.
		abs, err := filepath.Abs(dir)
		if err != nil {
			return node.Spec{}, fmt.Errorf("--dir %q: %w", dir, err)
		}
		dir = abs
	}

	return node.Spec{
		Description: description,
		CommitExpr:  commit,
		Command:     command,
		Code:        code,
		Params:      params,
		Dir:         dir,
		SubdirOnly:  subdirOnly,
		Image:       image,
		Rerun:       rerun,
		Import:      importHash,
	}, nil
}
