// Package taskfile parses the minimal YAML task-file format used by
// `runfile`/`runtask` into wired node.Node graphs. The format is
// intentionally small, giving the CLI verbs a real but modest concrete
// parser.
package taskfile

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"dario.cat/mergo"
	"github.com/goccy/go-yaml"

	"github.com/dagucloud/exprunner/internal/node"
	"github.com/dagucloud/exprunner/internal/store"
)

// RawNode is one YAML node entry. A param whose value is a sequence fans
// out into one node per element, all sharing Description, and Parents
// referencing that Description resolve to every node in the fanned-out
// group. Only one sequence-valued param fans out per entry; when several
// are present, which one is not defined and the others stay sequences.
type RawNode struct {
	Description string         `yaml:"description"`
	Commit      string         `yaml:"commit,omitempty"`
	Command     string         `yaml:"command,omitempty"`
	Code        string         `yaml:"code,omitempty"`
	Params      map[string]any `yaml:"params,omitempty"`
	Parents     []string       `yaml:"parents,omitempty"`
	Dir         string         `yaml:"dir,omitempty"`
	SubdirOnly  bool           `yaml:"subdir_only,omitempty"`
	Import      string         `yaml:"import,omitempty"`
	Image       string         `yaml:"image,omitempty"`
}

// File is the root of a task file: a flat list of node entries plus
// params shared across all of them. A node's own params always win;
// Defaults only fills keys a node doesn't already set.
type File struct {
	Defaults map[string]any `yaml:"defaults,omitempty"`
	Nodes    []RawNode      `yaml:"nodes"`
}

// Parse decodes raw task-file bytes.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("taskfile: parse: %w", err)
	}
	if len(f.Nodes) == 0 {
		return nil, fmt.Errorf("taskfile: no nodes defined")
	}
	for i, n := range f.Nodes {
		if n.Description == "" {
			return nil, fmt.Errorf("taskfile: node %d: description is required", i)
		}
	}
	return &f, nil
}

// Build materializes a File into a wired graph of node.Node values and
// returns its sink (childless) nodes, ready for rundag.Build.
func Build(f *File, st *store.Store, repoRoot string, lg *slog.Logger) ([]*node.Node, error) {
	groups := map[string][]*node.Node{}
	var order []*node.Node

	for _, raw := range f.Nodes {
		merged, err := withDefaults(raw.Params, f.Defaults)
		if err != nil {
			return nil, fmt.Errorf("taskfile: node %q: merge defaults: %w", raw.Description, err)
		}

		fanKey, fanValues := fanOutParam(merged)
		if fanKey == "" {
			n := node.New(specFromRaw(raw, merged, repoRoot), st, repoRoot, lg)
			groups[raw.Description] = append(groups[raw.Description], n)
			order = append(order, n)
			continue
		}
		for _, v := range fanValues {
			params := cloneParams(merged)
			params[fanKey] = v
			n := node.New(specFromRaw(raw, params, repoRoot), st, repoRoot, lg)
			groups[raw.Description] = append(groups[raw.Description], n)
			order = append(order, n)
		}
	}

	referenced := map[*node.Node]bool{}
	for i, raw := range f.Nodes {
		children := groupFor(groups, raw, i)
		for _, parentDesc := range raw.Parents {
			parents, ok := groups[parentDesc]
			if !ok {
				return nil, fmt.Errorf("taskfile: node %q references unknown parent %q", raw.Description, parentDesc)
			}
			for _, c := range children {
				for _, p := range parents {
					c.AddParent(p)
					referenced[p] = true
				}
			}
		}
	}

	var sinks []*node.Node
	for _, n := range order {
		if !referenced[n] {
			sinks = append(sinks, n)
		}
	}
	return sinks, nil
}

// groupFor returns the node instances produced for f.Nodes[i] (handling
// the fan-out case, where one raw entry yields several nodes sharing a
// description — safe to key purely by description since task files don't
// currently support two distinct raw entries sharing one description).
func groupFor(groups map[string][]*node.Node, raw RawNode, _ int) []*node.Node {
	return groups[raw.Description]
}

// specFromRaw builds a node.Spec from a task-file entry. raw.Dir is
// authored relative to the task file's repo (the common case, e.g.
// "services/api"); node.Spec.Dir is documented as absolute, so a
// relative Dir is resolved against repoRoot here.
func specFromRaw(raw RawNode, params map[string]any, repoRoot string) node.Spec {
	dir := raw.Dir
	if dir != "" && !filepath.IsAbs(dir) {
		dir = filepath.Join(repoRoot, dir)
	}
	return node.Spec{
		Description: raw.Description,
		CommitExpr:  raw.Commit,
		Command:     raw.Command,
		Code:        raw.Code,
		Params:      params,
		Dir:         dir,
		SubdirOnly:  raw.SubdirOnly,
		Import:      raw.Import,
		Image:       raw.Image,
	}
}

// fanOutParam returns a sequence-valued parameter, which triggers
// fan-out, or ("", nil) if none of params is a sequence. With several
// sequence-valued parameters, map iteration order decides which is
// returned.
func fanOutParam(params map[string]any) (string, []any) {
	for k, v := range params {
		if seq, ok := v.([]any); ok {
			return k, seq
		}
	}
	return "", nil
}

// withDefaults layers a node's own params over the file-level defaults,
// without disturbing either input map.
func withDefaults(params, defaults map[string]any) (map[string]any, error) {
	if len(defaults) == 0 {
		return cloneParams(params), nil
	}
	out := cloneParams(params)
	if err := mergo.Merge(&out, defaults); err != nil {
		return nil, err
	}
	return out, nil
}

func cloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
