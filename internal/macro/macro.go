// Package macro implements the fixed registry of named in-process
// aggregation routines a node invokes when it carries "code" instead of
// a "command". Call-string parsing is deliberately a literal-argument
// grammar, not a general expression evaluator.
package macro

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Parent is the view of a parent node a macro can see.
type Parent struct {
	ResultsDir  string
	Description string
	Params      map[string]string
}

// Context is what the implicit "self" argument of a macro call carries.
type Context struct {
	SelfDir string
	Parents []Parent
}

// Run parses call (of the form "name(arg1, arg2, …)") and dispatches to
// the matching built-in, synthesizing ctx as the implicit first argument.
// Unknown names fail the node.
func Run(call string, ctx Context) error {
	name, args, err := parseCall(call)
	if err != nil {
		return err
	}
	fn, ok := registry[name]
	if !ok {
		return fmt.Errorf("macro: unknown macro %q", name)
	}
	return fn(ctx, args)
}

type macroFunc func(ctx Context, args []string) error

var registry = map[string]macroFunc{
	"output_list":    outputList,
	"annotated_list": annotatedList,
	"parameter_map":  parameterMap,
	"all_map":        allMap,
	"percentiles":    percentiles,
}

func parseCall(call string) (string, []string, error) {
	call = strings.TrimSpace(call)
	open := strings.IndexByte(call, '(')
	if open < 0 || !strings.HasSuffix(call, ")") {
		return "", nil, fmt.Errorf("macro: malformed call %q", call)
	}
	name := strings.TrimSpace(call[:open])
	inner := call[open+1 : len(call)-1]
	if strings.TrimSpace(inner) == "" {
		return name, nil, nil
	}
	rawArgs := strings.Split(inner, ",")
	args := make([]string, len(rawArgs))
	for i, a := range rawArgs {
		a = strings.TrimSpace(a)
		a = strings.Trim(a, `"'`)
		args[i] = a
	}
	return name, args, nil
}

func outputList(ctx Context, _ []string) error {
	var b strings.Builder
	for _, p := range ctx.Parents {
		fmt.Fprintln(&b, p.ResultsDir)
	}
	return os.WriteFile(filepath.Join(ctx.SelfDir, "out"), []byte(b.String()), 0o644) //nolint:gosec
}

func annotatedList(ctx Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("macro: annotated_list expects 1 argument, got %d", len(args))
	}
	param := args[0]
	var b strings.Builder
	for _, p := range ctx.Parents {
		fmt.Fprintf(&b, "%s %s\n", p.Params[param], p.ResultsDir)
	}
	return os.WriteFile(filepath.Join(ctx.SelfDir, "out"), []byte(b.String()), 0o644) //nolint:gosec
}

func parameterMap(ctx Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("macro: parameter_map expects 1 argument, got %d", len(args))
	}
	param := args[0]
	var b strings.Builder
	for _, p := range ctx.Parents {
		value, err := firstLine(filepath.Join(p.ResultsDir, "out"))
		if err != nil {
			return fmt.Errorf("macro: parameter_map: %w", err)
		}
		fmt.Fprintf(&b, "%s %s\n", p.Params[param], value)
	}
	return os.WriteFile(filepath.Join(ctx.SelfDir, "param_out"), []byte(b.String()), 0o644) //nolint:gosec
}

func allMap(ctx Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("macro: all_map expects 2 arguments, got %d", len(args))
	}
	infile, outfile := args[0], args[1]

	var paramNames []string
	seen := map[string]bool{}
	for _, p := range ctx.Parents {
		for k := range p.Params {
			if !seen[k] {
				seen[k] = true
				paramNames = append(paramNames, k)
			}
		}
	}
	sort.Strings(paramNames)

	t := table.NewWriter()
	header := table.Row{}
	for _, name := range paramNames {
		header = append(header, name)
	}
	header = append(header, "value")
	t.AppendHeader(header)

	for _, p := range ctx.Parents {
		value, err := firstLine(filepath.Join(p.ResultsDir, infile))
		if err != nil {
			return fmt.Errorf("macro: all_map: %w", err)
		}
		row := table.Row{}
		for _, name := range paramNames {
			row = append(row, p.Params[name])
		}
		row = append(row, value)
		t.AppendRow(row)
	}

	t.SetStyle(table.StyleDefault)
	out := t.RenderTSV() + "\n"
	return os.WriteFile(filepath.Join(ctx.SelfDir, outfile), []byte(out), 0o644) //nolint:gosec
}

func percentiles(ctx Context, args []string) error {
	if len(args) != 6 {
		return fmt.Errorf("macro: percentiles expects 6 arguments, got %d", len(args))
	}
	infile, outfile := args[0], args[1]
	xcols := strings.Fields(strings.ReplaceAll(args[2], ",", " "))
	ycol, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("macro: percentiles: bad ycol %q: %w", args[3], err)
	}
	lo, err := strconv.ParseFloat(args[4], 64)
	if err != nil {
		return fmt.Errorf("macro: percentiles: bad lo %q: %w", args[4], err)
	}
	hi, err := strconv.ParseFloat(args[5], 64)
	if err != nil {
		return fmt.Errorf("macro: percentiles: bad hi %q: %w", args[5], err)
	}
	xcolIdx := make([]int, len(xcols))
	for i, c := range xcols {
		n, err := strconv.Atoi(c)
		if err != nil {
			return fmt.Errorf("macro: percentiles: bad xcol %q: %w", c, err)
		}
		xcolIdx[i] = n
	}

	path := filepath.Join(ctx.SelfDir, "..", infile)
	if len(ctx.Parents) == 1 {
		path = filepath.Join(ctx.Parents[0].ResultsDir, infile)
	}
	groups, order, err := readGroups(path, xcolIdx, ycol)
	if err != nil {
		return fmt.Errorf("macro: percentiles: %w", err)
	}

	var b strings.Builder
	for _, key := range order {
		values := groups[key]
		sort.Float64s(values)
		fmt.Fprintf(&b, "%s %g %g %g\n", key,
			percentile(values, lo), percentile(values, 50), percentile(values, hi))
	}
	return os.WriteFile(filepath.Join(ctx.SelfDir, outfile), []byte(b.String()), 0o644) //nolint:gosec
}

func readGroups(path string, xcolIdx []int, ycol int) (map[string][]float64, []string, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	groups := map[string][]float64{}
	var order []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		var keyParts []string
		for _, idx := range xcolIdx {
			if idx >= len(fields) {
				return nil, nil, fmt.Errorf("row %q missing column %d", scanner.Text(), idx)
			}
			keyParts = append(keyParts, fields[idx])
		}
		if ycol >= len(fields) {
			return nil, nil, fmt.Errorf("row %q missing column %d", scanner.Text(), ycol)
		}
		y, err := strconv.ParseFloat(fields[ycol], 64)
		if err != nil {
			return nil, nil, fmt.Errorf("parse y value %q: %w", fields[ycol], err)
		}
		key := strings.Join(keyParts, "")
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], y)
	}
	return groups, order, scanner.Err()
}

// percentile uses linear interpolation between closest ranks.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func firstLine(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return "", err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if scanner.Scan() {
		return scanner.Text(), nil
	}
	return "", scanner.Err()
}
