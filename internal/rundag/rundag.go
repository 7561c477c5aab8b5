// Package rundag assembles nodes into a DAG container and drives the
// single-threaded scheduling loop that launches runnable nodes, polls
// running ones, and repeats until the DAG reaches a terminal state.
package rundag

import (
	"context"
	"fmt"
	"time"

	"github.com/dagucloud/exprunner/internal/backend"
	"github.com/dagucloud/exprunner/internal/node"
	"github.com/dagucloud/exprunner/internal/store"
)

// Options configures a DAG's scheduling loop.
type Options struct {
	MaxProcesses int
	PollInterval time.Duration
	Backend      backend.Backend
}

// DAG is a set of nodes in topological order plus the bounded-concurrency
// scheduler that drives them to completion.
type DAG struct {
	order []*node.Node
	opts  Options
}

// Build takes the sink (terminal) nodes of a graph with edges already
// wired via node.AddParent, computes a topological order, propagates
// ancestry parameters, and runs job_init on every node in that order —
// job_init must run in topological order because a node's identity
// depends on its parents' hashes via expanded command text.
func Build(ctx context.Context, sinks []*node.Node, opts Options) (*DAG, error) {
	order, err := topoOrder(sinks)
	if err != nil {
		return nil, err
	}
	for _, n := range order {
		propagateParams(n)
		if err := n.JobInit(ctx); err != nil {
			return nil, err
		}
	}
	return &DAG{order: order, opts: opts}, nil
}

// Nodes returns the DAG's nodes in topological order.
func (d *DAG) Nodes() []*node.Node { return d.order }

// Run drives the main loop to completion: schedule runnable nodes, sleep,
// poll running ones, repeat. It returns SUCCESS once every node is
// SUCCESS, or FAIL the first time a node fails with nothing left RUNNING.
func (d *DAG) Run(ctx context.Context) (store.RunState, error) {
	if len(d.order) == 0 {
		return store.Success, nil
	}
	for {
		if err := d.scheduleRunnable(ctx); err != nil {
			return store.Fail, err
		}
		select {
		case <-ctx.Done():
			return store.Running, ctx.Err()
		case <-time.After(d.opts.PollInterval):
		}
		if err := d.pollRunning(ctx); err != nil {
			return store.Fail, err
		}
		if state, done := d.terminalState(); done {
			return state, nil
		}
	}
}

// scheduleRunnable greedily fills the concurrency cap: count currently
// RUNNING nodes, walk the topological order, and start any runnable node
// while under the cap. No priority beyond topological order.
func (d *DAG) scheduleRunnable(ctx context.Context) error {
	running := 0
	for _, n := range d.order {
		if n.RunState() == store.Running {
			running++
		}
	}
	for _, n := range d.order {
		if running >= d.opts.MaxProcesses {
			return nil
		}
		if !n.IsRunnable() {
			continue
		}
		if err := n.SetupEnv(); err != nil {
			return fmt.Errorf("node %s: setup_env: %w", n.Hash(), err)
		}
		if err := n.Run(ctx, d.opts.Backend); err != nil {
			return fmt.Errorf("node %s: run: %w", n.Hash(), err)
		}
		running++
	}
	return nil
}

// pollRunning asks the backend for every RUNNING node's state;
// node.Poll persists the descriptor and invokes clean_up_run on any
// terminal transition.
func (d *DAG) pollRunning(ctx context.Context) error {
	for _, n := range d.order {
		if n.RunState() != store.Running {
			continue
		}
		if err := n.Poll(ctx, d.opts.Backend); err != nil {
			return fmt.Errorf("node %s: poll: %w", n.Hash(), err)
		}
	}
	return nil
}

// terminalState reports the overall run state once every node is
// SUCCESS, or the first moment a node is FAIL with nothing still
// RUNNING (any remaining VIRGIN nodes are permanently blocked by the
// failed ancestor and will never become runnable).
func (d *DAG) terminalState() (store.RunState, bool) {
	success, fail, running := 0, 0, 0
	for _, n := range d.order {
		switch n.RunState() {
		case store.Success:
			success++
		case store.Fail:
			fail++
		case store.Running:
			running++
		}
	}
	if success == len(d.order) {
		return store.Success, true
	}
	if fail > 0 && running == 0 {
		return store.Fail, true
	}
	return store.Running, false
}

// propagateParams implements ancestry parameter propagation: for
// each parent p and each (k, v) in p's own parameters, the child
// receives key "<p.description>:<k>" bound to v. A second parent
// contributing the same key converts the value into an ordered
// two-element sequence, first parent's value first.
func propagateParams(n *node.Node) {
	merged := map[string]any{}
	for _, p := range n.Parents() {
		for k, v := range p.Params() {
			key := p.Description() + ":" + k
			if existing, ok := merged[key]; ok {
				if seq, ok := existing.([]any); ok {
					merged[key] = append(seq, v)
				} else {
					merged[key] = []any{existing, v}
				}
				continue
			}
			merged[key] = v
		}
	}
	n.MergeParams(merged)
}

// topoOrder walks from the supplied sink nodes upward through parent
// edges, appending each node only after all of its parents have been
// appended (post-order DFS), so the result is parents-before-children.
// A node reached twice via its recursion stack means the caller wired a
// cycle, which is rejected outright.
func topoOrder(sinks []*node.Node) ([]*node.Node, error) {
	visited := map[*node.Node]bool{}
	onStack := map[*node.Node]bool{}
	var order []*node.Node

	var visit func(n *node.Node) error
	visit = func(n *node.Node) error {
		if visited[n] {
			return nil
		}
		if onStack[n] {
			return fmt.Errorf("rundag: cycle detected at node %q", n.Description())
		}
		onStack[n] = true
		for _, p := range n.Parents() {
			if err := visit(p); err != nil {
				return err
			}
		}
		onStack[n] = false
		visited[n] = true
		order = append(order, n)
		return nil
	}

	for _, s := range sinks {
		if err := visit(s); err != nil {
			return nil, err
		}
	}
	return order, nil
}
