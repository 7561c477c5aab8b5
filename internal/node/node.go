// Package node implements one DAG vertex: its content-addressed identity,
// its persisted descriptor, and its lifecycle.
package node

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/errdefs"

	"github.com/dagucloud/exprunner/internal/backend"
	"github.com/dagucloud/exprunner/internal/macro"
	"github.com/dagucloud/exprunner/internal/reposcm"
	"github.com/dagucloud/exprunner/internal/store"
	"github.com/dagucloud/exprunner/internal/tmpl"
)

// Spec is the caller-supplied definition of a node: everything needed to
// create one before job_init computes its identity.
type Spec struct {
	Description string
	CommitExpr  string // resolved via git rev-parse; "HEAD" is the common case
	Command     string // mutually exclusive with Code
	Code        string
	Params      map[string]any
	Dir         string // directory (absolute) the node is defined in; "" means repo root
	SubdirOnly  bool
	Rerun       bool
	Import      string // source hash to import results from, if any
	Image       string // optional container image, consulted by backends that support it
}

// Node is one DAG vertex.
type Node struct {
	spec Spec

	store    *store.Store
	repoRoot string
	logger   *slog.Logger

	parents  []*Node
	children []*Node

	hash       string
	descriptor *store.Descriptor
	handle     backend.Handle
}

// New constructs a node to be created fresh (as opposed to rebound from
// an existing hash). job_init must still be called, in topological
// order, before the node's identity or descriptor are valid.
func New(spec Spec, st *store.Store, repoRoot string, lg *slog.Logger) *Node {
	if lg == nil {
		lg = slog.Default()
	}
	return &Node{spec: spec, store: st, repoRoot: repoRoot, logger: lg}
}

// Rebind loads an already-persisted node by its hash, rather than
// constructing one from a Spec.
func Rebind(hsh string, st *store.Store, repoRoot string, lg *slog.Logger) (*Node, error) {
	if lg == nil {
		lg = slog.Default()
	}
	d, err := st.Load(hsh)
	if err != nil {
		return nil, err
	}
	return &Node{
		spec: Spec{
			Description: d.Description,
			CommitExpr:  d.Commit,
			Command:     d.Command,
			Code:        d.Code,
			Params:      d.Params,
			SubdirOnly:  d.SubdirOnly,
			Image:       d.Image,
		},
		store:      st,
		repoRoot:   repoRoot,
		logger:     lg,
		hash:       hsh,
		descriptor: d,
	}, nil
}

// AddParent wires a symmetric edge: p becomes a parent of n, and n
// becomes a child of p.
func (n *Node) AddParent(p *Node) {
	n.parents = append(n.parents, p)
	p.children = append(p.children, n)
}

func (n *Node) Parents() []*Node  { return n.parents }
func (n *Node) Children() []*Node { return n.children }
func (n *Node) Description() string { return n.spec.Description }

// Params returns the node's own parameter set, before propagation from
// parents.
func (n *Node) Params() map[string]any { return n.spec.Params }

// MergeParams folds extra into the node's own parameter set, overwriting
// any existing key. Used by the DAG container to apply propagated
// ancestry parameters before job_init runs.
func (n *Node) MergeParams(extra map[string]any) {
	if len(extra) == 0 {
		return
	}
	if n.spec.Params == nil {
		n.spec.Params = map[string]any{}
	}
	for k, v := range extra {
		n.spec.Params[k] = v
	}
}
func (n *Node) Hash() string        { return n.hash }
func (n *Node) Descriptor() *store.Descriptor { return n.descriptor }
func (n *Node) IsCode() bool         { return n.spec.Code != "" }

// RunState reports VIRGIN until job_init has run.
func (n *Node) RunState() store.RunState {
	if n.descriptor == nil {
		return store.Virgin
	}
	return n.descriptor.RunState
}

// ResultsDir is valid only after job_init.
func (n *Node) ResultsDir() string { return n.store.ResultsDir(n.hash) }

// JobInit resolves the commit, computes working_dir, runs the template
// engine, composes the content hash, and either adopts a prior
// descriptor or initializes a fresh VIRGIN one. Must run in topological
// order (parents before children) because identity depends on parents'
// hashes via expanded command text.
func (n *Node) JobInit(ctx context.Context) error {
	if n.spec.Command != "" && n.spec.Code != "" {
		return fmt.Errorf("node %q: command and code are mutually exclusive", n.spec.Description)
	}
	if n.spec.Command == "" && n.spec.Code == "" {
		return fmt.Errorf("node %q: one of command or code is required", n.spec.Description)
	}

	commit, err := reposcm.ResolveCommit(n.repoRoot, orDefault(n.spec.CommitExpr, "HEAD"))
	if err != nil {
		return fmt.Errorf("node %q: %w", n.spec.Description, err)
	}

	dir := n.spec.Dir
	if dir == "" {
		dir = n.repoRoot
	}
	workingDir, err := reposcm.Relative(n.repoRoot, dir)
	if err != nil {
		return fmt.Errorf("node %q: working dir: %w", n.spec.Description, err)
	}

	tmplParents := n.tmplParents()
	sourceText := n.spec.Command
	if n.IsCode() {
		sourceText = n.spec.Code
	}

	hashResult, err := tmpl.ExpandForHash(sourceText, n.spec.Params, tmplParents)
	if err != nil {
		return fmt.Errorf("node %q: %w", n.spec.Description, err)
	}
	logWarnUnused(n.logger, n.spec.Description, hashResult.Unused)

	hsh := computeHash(commit, workingDir, sourceText, hashResult.Expanded, n.IsCode(), n.parentHashes())
	n.hash = hsh

	if !n.spec.Rerun {
		if d, err := n.store.Load(hsh); err == nil {
			n.descriptor = d
			return nil
		} else if !errdefs.IsNotFound(err) {
			return fmt.Errorf("node %q: %w", n.spec.Description, err)
		}
	} else {
		if err := n.store.Purge(hsh); err != nil {
			return fmt.Errorf("node %q: rerun purge: %w", n.spec.Description, err)
		}
	}

	finalResult, err := tmpl.Expand(sourceText, n.spec.Params, tmplParents, n.store.ResultsDir(hsh))
	if err != nil {
		return fmt.Errorf("node %q: %w", n.spec.Description, err)
	}

	d := &store.Descriptor{
		Hash:        hsh,
		Description: n.spec.Description,
		WorkingDir:  workingDir,
		Deps:        finalResult.Deps,
		Commit:      commit,
		Date:        time.Now().UTC(),
		Params:      n.spec.Params,
		RunState:    store.Virgin,
		Import:      n.spec.Import,
		SubdirOnly:  n.spec.SubdirOnly,
		Image:       n.spec.Image,
	}
	if n.IsCode() {
		d.Code = n.spec.Code
		d.FinalCode = finalResult.Expanded
	} else {
		d.Command = n.spec.Command
		d.FinalCommand = appendLogTee(finalResult.Expanded, n.store.ResultsDir(hsh))
	}

	if n.spec.Import != "" {
		if err := n.importResults(d); err != nil {
			return fmt.Errorf("node %q: import %s: %w", n.spec.Description, n.spec.Import, err)
		}
	}

	n.descriptor = d
	return n.store.Save(d)
}

// importResults implements `--import`: copy a prior node's results tree
// into this node's own results directory and mark it SUCCESS directly,
// skipping execution. Only the return code carries over from the source
// node; commit/params/date stay the importing node's own.
func (n *Node) importResults(d *store.Descriptor) error {
	src, err := n.store.Load(n.spec.Import)
	if err != nil {
		return fmt.Errorf("load source descriptor: %w", err)
	}
	if err := copyTree(n.store.ResultsDir(n.spec.Import), n.store.ResultsDir(d.Hash)); err != nil {
		return fmt.Errorf("copy results tree: %w", err)
	}
	d.RunState = store.Success
	d.ReturnCode = src.ReturnCode
	now := time.Now().UTC()
	d.DateEnd = &now
	return nil
}

// copyTree recursively copies src's contents into dst, creating dst if
// needed. Symlinks are not expected in results/ (only a descr file and
// plain job output) so they are followed rather than preserved.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path) //nolint:gosec
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644) //nolint:gosec
	})
}

// IsRunnable reports VIRGIN state with every parent SUCCESS.
func (n *Node) IsRunnable() bool {
	if n.RunState() != store.Virgin {
		return false
	}
	for _, p := range n.parents {
		if p.RunState() != store.Success {
			return false
		}
	}
	return true
}

// SetupEnv prepares the scratch workspace immediately before a launch:
// creates directories, recreates exp/<hsh>/ fresh, checks out the node's
// commit into it, and verifies the command's binary exists.
func (n *Node) SetupEnv() error {
	if err := n.store.EnsureDirs(); err != nil {
		return err
	}
	if err := n.store.Save(n.descriptor); err != nil {
		return err
	}
	if err := n.store.FreshScratch(n.hash); err != nil {
		return fmt.Errorf("node %s: scratch setup: %w", n.hash, err)
	}

	path := "."
	if n.descriptor.SubdirOnly {
		path = n.descriptor.WorkingDir
	}
	if err := reposcm.Archive(n.repoRoot, n.descriptor.Commit, path, n.store.ScratchDir(n.hash)); err != nil {
		return fmt.Errorf("node %s: checkout failed: %w", n.hash, err)
	}

	if n.IsCode() {
		return nil
	}
	if err := n.verifyBinaryExists(); err != nil {
		return err
	}
	return nil
}

func (n *Node) verifyBinaryExists() error {
	fields := strings.Fields(n.descriptor.FinalCommand)
	if len(fields) == 0 {
		return fmt.Errorf("node %s: empty command", n.hash)
	}
	token := fields[0]
	workDir := n.workDir()
	candidate := token
	if !filepath.IsAbs(token) {
		candidate = filepath.Join(workDir, token)
	}
	if _, err := os.Stat(candidate); err == nil {
		return nil
	}
	// Fall back to PATH resolution: many commands (echo, cat, ...) are
	// not checked-out files but binaries on $PATH.
	if _, err := exec.LookPath(token); err == nil {
		return nil
	}
	return fmt.Errorf("node %s: command binary %q not found", n.hash, token)
}

func (n *Node) workDir() string {
	return filepath.Join(n.store.ScratchDir(n.hash), n.descriptor.WorkingDir)
}

// Run dispatches execution: code runs synchronously via the macro
// evaluator; a command is handed to the backend asynchronously.
func (n *Node) Run(ctx context.Context, b backend.Backend) error {
	if n.IsCode() {
		return n.runMacro()
	}

	job := backend.Job{
		Hash:         n.hash,
		FinalCommand: n.descriptor.FinalCommand,
		ScratchDir:   n.store.ScratchDir(n.hash),
		WorkDir:      n.workDir(),
		ResultsDir:   n.store.ResultsDir(n.hash),
		LogPath:      filepath.Join(n.store.ResultsDir(n.hash), "log"),
		Image:        n.descriptor.Image,
	}
	if len(n.parents) == 1 {
		job.ParentResultsDir = n.parents[0].ResultsDir()
	}

	h, err := b.Run(ctx, job)
	if err != nil {
		n.descriptor.RunState = store.Fail
		n.descriptor.ReturnCode = -1
		return n.CleanUpRun()
	}
	n.handle = h
	n.descriptor.RunState = store.Running
	return n.store.Save(n.descriptor)
}

func (n *Node) runMacro() error {
	ctx := macro.Context{SelfDir: n.store.ResultsDir(n.hash), Parents: n.macroParents()}
	err := macro.Run(n.descriptor.FinalCode, ctx)
	if err != nil {
		n.descriptor.RunState = store.Fail
		n.descriptor.ReturnCode = 1
	} else {
		n.descriptor.RunState = store.Success
		n.descriptor.ReturnCode = 0
	}
	if cleanupErr := n.CleanUpRun(); cleanupErr != nil {
		return cleanupErr
	}
	if err != nil {
		// A macro failure fails this node only; it is recorded as FAIL above.
		n.logger.Warn("macro failed", "node", n.spec.Description, "error", err)
	}
	return nil
}

// Poll asks the backend for this node's state, updating the descriptor
// and, on any terminal transition, invoking CleanUpRun.
func (n *Node) Poll(ctx context.Context, b backend.Backend) error {
	if n.descriptor.RunState != store.Running {
		return nil
	}
	job := backend.Job{
		Hash:         n.hash,
		FinalCommand: n.descriptor.FinalCommand,
		ScratchDir:   n.store.ScratchDir(n.hash),
		WorkDir:      n.workDir(),
		ResultsDir:   n.store.ResultsDir(n.hash),
		LogPath:      filepath.Join(n.store.ResultsDir(n.hash), "log"),
		Image:        n.descriptor.Image,
	}
	state, code, err := b.GetState(ctx, job, n.handle)
	if err != nil {
		return fmt.Errorf("node %s: poll: %w", n.hash, err)
	}
	if state == store.Running {
		return nil
	}
	n.descriptor.RunState = state
	n.descriptor.ReturnCode = code
	return n.CleanUpRun()
}

// CleanUpRun is invoked when a RUNNING node transitions to a terminal
// state: it removes the scratch workspace and persists the descriptor.
// The driver's process working directory is never touched; SetupEnv and
// the backends are always given explicit directories instead.
func (n *Node) CleanUpRun() error {
	now := time.Now().UTC()
	n.descriptor.DateEnd = &now
	if err := n.store.CleanupScratch(n.hash); err != nil {
		return err
	}
	return n.store.Save(n.descriptor)
}

func (n *Node) tmplParents() []tmpl.Parent {
	out := make([]tmpl.Parent, 0, len(n.parents))
	for _, p := range n.parents {
		out = append(out, tmpl.Parent{
			Hash:        p.hash,
			ResultsDir:  p.ResultsDir(),
			Description: p.spec.Description,
			Date:        parentDate(p),
			Params:      stringParams(p.spec.Params),
		})
	}
	return out
}

func (n *Node) macroParents() []macro.Parent {
	out := make([]macro.Parent, 0, len(n.parents))
	for _, p := range n.parents {
		out = append(out, macro.Parent{
			ResultsDir:  p.ResultsDir(),
			Description: p.spec.Description,
			Params:      stringParams(p.spec.Params),
		})
	}
	return out
}

func (n *Node) parentHashes() []string {
	out := make([]string, 0, len(n.parents))
	for _, p := range n.parents {
		out = append(out, p.hash)
	}
	return out
}

func parentDate(p *Node) int64 {
	if p.descriptor == nil {
		return 0
	}
	return p.descriptor.Date.Unix()
}

func stringParams(params map[string]any) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = tmpl.Stringify(v)
	}
	return out
}

// computeHash derives a node's content-addressed identity:
//
//	SHA1(commit || len(working_dir) || working_dir || len(source_text) || expanded_text)
//
// mixing in parent dependency hashes, sorted, when the node carries code.
func computeHash(commit, workingDir, sourceText, expandedText string, isCode bool, parentHashes []string) string {
	var buf bytes.Buffer
	buf.WriteString(commit)
	buf.WriteString(strconv.Itoa(len(workingDir)))
	buf.WriteString(workingDir)
	buf.WriteString(strconv.Itoa(len(sourceText)))
	buf.WriteString(expandedText)
	if isCode {
		sorted := append([]string(nil), parentHashes...)
		sort.Strings(sorted)
		for _, h := range sorted {
			buf.WriteString(h)
		}
	}
	return reposcm.HashString(buf.String())
}

// appendLogTee appends a "| tee <log> 2>&1" suffix to the expanded command,
// after the output slot has already been substituted.
func appendLogTee(expanded, resultsDir string) string {
	return fmt.Sprintf("%s | tee %s 2>&1", expanded, filepath.Join(resultsDir, "log"))
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func logWarnUnused(lg *slog.Logger, description string, unused []string) {
	if len(unused) == 0 {
		return
	}
	lg.Warn("unused declared parameters", "node", description, "params", unused)
}
