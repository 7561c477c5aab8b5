package cmd

import (
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dagucloud/exprunner/internal/store"
)

// showCmd prints full descriptor fields for every hash whose description
// or hash matches descr, a doublestar glob. A bare hash or exact
// description still works since both are valid (if trivial) glob
// patterns.
var showCmd = &cobra.Command{
	Use:   "show <descr>",
	Short: "Print every persisted node's descriptor matching a description/hash glob",
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
		if len(descriptors) == 0 {
			return fmt.Errorf("show: no descriptor matches %q", args[0])
		}

		tmplSrc, _ := cmd.Flags().GetString("format")
		var tmpl *template.Template
		if tmplSrc != "" {
			tmpl, err = template.New("show").Funcs(sprig.FuncMap()).Parse(tmplSrc)
			if err != nil {
				return err
			}
		}

		for _, d := range descriptors {
			if tmpl != nil {
				if err := tmpl.Execute(cmd.OutOrStdout(), d); err != nil {
					return err
				}
				continue
			}
			renderDescriptorTable(cmd, d)
		}
		return nil
	},
}

func renderDescriptorTable(cmd *cobra.Command, d *store.Descriptor) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendRow(table.Row{"hash", d.Hash})
	t.AppendRow(table.Row{"description", d.Description})
	t.AppendRow(table.Row{"run_state", d.RunState})
	t.AppendRow(table.Row{"return_code", d.ReturnCode})
	t.AppendRow(table.Row{"commit", d.Commit})
	t.AppendRow(table.Row{"working_dir", d.WorkingDir})
	t.AppendRow(table.Row{"deps", strings.Join(d.Deps, ", ")})
	t.AppendRow(table.Row{"date", d.Date})
	if d.DateEnd != nil {
		t.AppendRow(table.Row{"date_end", *d.DateEnd})
	}
	if d.Command != "" {
		t.AppendRow(table.Row{"final_command", d.FinalCommand})
	}
	if d.Code != "" {
		t.AppendRow(table.Row{"final_code", d.FinalCode})
	}
	t.Render()
}

func init() {
	showCmd.Flags().String("format", "", "render each matched descriptor with a Go text/template (sprig functions available) instead of a table")
}
