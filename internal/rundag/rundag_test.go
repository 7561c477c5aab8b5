package rundag_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/dagucloud/exprunner/internal/backend"
	"github.com/dagucloud/exprunner/internal/node"
	"github.com/dagucloud/exprunner/internal/rundag"
	"github.com/dagucloud/exprunner/internal/store"
	"github.com/stretchr/testify/require"
)

func skipIfNoGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not available")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		require.NoError(t, cmd.Run())
	}
	run("init", "-q")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".keep"), []byte(""), 0o644))
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

func newOpts(b backend.Backend) rundag.Options {
	return rundag.Options{MaxProcesses: 4, PollInterval: 20 * time.Millisecond, Backend: b}
}

func runToCompletion(t *testing.T, d *rundag.DAG) store.RunState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state, err := d.Run(ctx)
	require.NoError(t, err)
	return state
}

// Scenario 1: single node, command.
func TestSingleNodeCommand(t *testing.T) {
	skipIfNoGit(t)
	repo := initRepo(t)
	st := store.New(t.TempDir())
	require.NoError(t, st.EnsureDirs())

	n := node.New(node.Spec{Description: "hello", Command: "echo hi > {}/out"}, st, repo, nil)
	d, err := rundag.Build(context.Background(), []*node.Node{n}, newOpts(backend.NewLocal()))
	require.NoError(t, err)

	require.Equal(t, store.Success, runToCompletion(t, d))

	out, err := os.ReadFile(filepath.Join(st.ResultsDir(n.Hash()), "out"))
	require.NoError(t, err)
	require.Contains(t, string(out), "hi")

	logData, err := os.ReadFile(filepath.Join(st.ResultsDir(n.Hash()), "log"))
	require.NoError(t, err)
	require.Contains(t, string(logData), "hi")

	_, err = os.Stat(st.ScratchDir(n.Hash()))
	require.True(t, os.IsNotExist(err))
}

// Scenario 2: two-node chain.
func TestTwoNodeChain(t *testing.T) {
	skipIfNoGit(t)
	repo := initRepo(t)
	st := store.New(t.TempDir())
	require.NoError(t, st.EnsureDirs())

	a := node.New(node.Spec{Description: "A", Command: "echo 42 > {}/out"}, st, repo, nil)
	b := node.New(node.Spec{Description: "B", Command: "cat {A}/out > {}/out"}, st, repo, nil)
	b.AddParent(a)

	d, err := rundag.Build(context.Background(), []*node.Node{b}, newOpts(backend.NewLocal()))
	require.NoError(t, err)
	require.Equal(t, []*node.Node{a, b}, d.Nodes())

	require.Equal(t, store.Success, runToCompletion(t, d))

	out, err := os.ReadFile(filepath.Join(st.ResultsDir(b.Hash()), "out"))
	require.NoError(t, err)
	require.Contains(t, string(out), "42")
}

// Scenario 3: cached re-run — deleting exp/ and re-running the same task
// resolves immediately from the persisted descriptors, launching nothing.
func TestCachedRerunLaunchesNothing(t *testing.T) {
	skipIfNoGit(t)
	repo := initRepo(t)
	storeRoot := t.TempDir()
	st := store.New(storeRoot)
	require.NoError(t, st.EnsureDirs())

	spec := func() []*node.Node {
		a := node.New(node.Spec{Description: "A", Command: "echo 42 > {}/out"}, st, repo, nil)
		b := node.New(node.Spec{Description: "B", Command: "cat {A}/out > {}/out"}, st, repo, nil)
		b.AddParent(a)
		return []*node.Node{a, b}
	}

	first := spec()
	d1, err := rundag.Build(context.Background(), []*node.Node{first[1]}, newOpts(backend.NewLocal()))
	require.NoError(t, err)
	require.Equal(t, store.Success, runToCompletion(t, d1))

	require.NoError(t, os.RemoveAll(filepath.Join(storeRoot, "exp")))
	require.NoError(t, st.EnsureDirs())

	second := spec()
	d2, err := rundag.Build(context.Background(), []*node.Node{second[1]}, newOpts(backend.NewLocal()))
	require.NoError(t, err)
	for _, n := range d2.Nodes() {
		require.Equal(t, store.Success, n.RunState(), "node %s should already be SUCCESS from the prior run", n.Description())
	}
	require.Equal(t, store.Success, runToCompletion(t, d2))
}

// Scenario 4: failure propagation.
func TestFailurePropagation(t *testing.T) {
	skipIfNoGit(t)
	repo := initRepo(t)
	st := store.New(t.TempDir())
	require.NoError(t, st.EnsureDirs())

	a := node.New(node.Spec{Description: "A", Command: "false"}, st, repo, nil)
	b := node.New(node.Spec{Description: "B", Command: "echo ok > {}/out"}, st, repo, nil)
	b.AddParent(a)

	d, err := rundag.Build(context.Background(), []*node.Node{b}, newOpts(backend.NewLocal()))
	require.NoError(t, err)

	require.Equal(t, store.Fail, runToCompletion(t, d))
	require.Equal(t, store.Fail, a.RunState())
	require.Equal(t, store.Virgin, b.RunState())

	_, err = os.Stat(st.ResultsDir(b.Hash()))
	require.True(t, os.IsNotExist(err))
}

// Scenario 5: parameter fan-out — three parents sharing description "X"
// each contribute X:seed to a downstream node, colliding into a
// three-element sequence in parent order.
func TestParameterFanOut(t *testing.T) {
	skipIfNoGit(t)
	repo := initRepo(t)
	st := store.New(t.TempDir())
	require.NoError(t, st.EnsureDirs())

	var xs []*node.Node
	for _, seed := range []int{1, 2, 3} {
		xs = append(xs, node.New(node.Spec{
			Description: "X",
			Command:     "echo {:seed} > {}/out",
			Params:      map[string]any{"seed": seed},
		}, st, repo, nil))
	}

	y := node.New(node.Spec{Description: "Y", Code: "output_list()"}, st, repo, nil)
	for _, x := range xs {
		y.AddParent(x)
	}

	d, err := rundag.Build(context.Background(), []*node.Node{y}, newOpts(backend.NewLocal()))
	require.NoError(t, err)
	require.Len(t, y.Parents(), 3)

	hashes := map[string]bool{}
	for _, x := range xs {
		hashes[x.Hash()] = true
	}
	require.Len(t, hashes, 3)

	require.Equal(t, store.Success, runToCompletion(t, d))

	seq, ok := y.Params()["X:seed"].([]any)
	require.True(t, ok)
	require.Equal(t, []any{1, 2, 3}, seq)
}

// Scenario 6: rerun flag — a prior SUCCESS results tree is purged and the
// node re-executed, landing a fresh date.
func TestRerunFlagPurgesAndRelaunches(t *testing.T) {
	skipIfNoGit(t)
	repo := initRepo(t)
	st := store.New(t.TempDir())
	require.NoError(t, st.EnsureDirs())

	first := node.New(node.Spec{Description: "hello", Command: "echo hi > {}/out"}, st, repo, nil)
	d1, err := rundag.Build(context.Background(), []*node.Node{first}, newOpts(backend.NewLocal()))
	require.NoError(t, err)
	require.Equal(t, store.Success, runToCompletion(t, d1))
	firstDate := first.Descriptor().Date

	time.Sleep(1100 * time.Millisecond)

	second := node.New(node.Spec{Description: "hello", Command: "echo hi > {}/out", Rerun: true}, st, repo, nil)
	d2, err := rundag.Build(context.Background(), []*node.Node{second}, newOpts(backend.NewLocal()))
	require.NoError(t, err)
	require.Equal(t, first.Hash(), second.Hash())
	require.Equal(t, store.Virgin, second.RunState())

	require.Equal(t, store.Success, runToCompletion(t, d2))
	require.True(t, second.Descriptor().Date.After(firstDate))
}

func TestTopoOrderRejectsCycle(t *testing.T) {
	skipIfNoGit(t)
	repo := initRepo(t)
	st := store.New(t.TempDir())
	require.NoError(t, st.EnsureDirs())

	a := node.New(node.Spec{Description: "A", Command: "echo a"}, st, repo, nil)
	b := node.New(node.Spec{Description: "B", Command: "echo b"}, st, repo, nil)
	b.AddParent(a)
	a.AddParent(b)

	_, err := rundag.Build(context.Background(), []*node.Node{b}, newOpts(backend.NewLocal()))
	require.Error(t, err)
}
