package node_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/dagucloud/exprunner/internal/backend"
	"github.com/dagucloud/exprunner/internal/node"
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

func initRepoWithScript(t *testing.T) string {
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
	script := filepath.Join(dir, "run.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho hi\n"), 0o755))
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(t.TempDir())
	require.NoError(t, st.EnsureDirs())
	return st
}

func TestJobInitComputesHashAndCaches(t *testing.T) {
	skipIfNoGit(t)
	repo := initRepoWithScript(t)
	st := newStore(t)

	spec := node.Spec{Description: "greet", Command: "./run.sh"}

	n1 := node.New(spec, st, repo, nil)
	require.NoError(t, n1.JobInit(context.Background()))
	require.NotEmpty(t, n1.Hash())
	require.Equal(t, store.Virgin, n1.RunState())

	n2 := node.New(spec, st, repo, nil)
	require.NoError(t, n2.JobInit(context.Background()))
	require.Equal(t, n1.Hash(), n2.Hash())
}

func TestJobInitDifferentCommandsDifferentHashes(t *testing.T) {
	skipIfNoGit(t)
	repo := initRepoWithScript(t)
	st := newStore(t)

	a := node.New(node.Spec{Description: "a", Command: "./run.sh"}, st, repo, nil)
	b := node.New(node.Spec{Description: "b", Command: "./run.sh extra"}, st, repo, nil)
	require.NoError(t, a.JobInit(context.Background()))
	require.NoError(t, b.JobInit(context.Background()))
	require.NotEqual(t, a.Hash(), b.Hash())
}

func TestIsRunnableGatesOnParentState(t *testing.T) {
	skipIfNoGit(t)
	repo := initRepoWithScript(t)
	st := newStore(t)

	parent := node.New(node.Spec{Description: "parent", Command: "./run.sh"}, st, repo, nil)
	child := node.New(node.Spec{Description: "child", Command: "./run.sh"}, st, repo, nil)
	child.AddParent(parent)

	require.NoError(t, parent.JobInit(context.Background()))
	require.NoError(t, child.JobInit(context.Background()))

	require.True(t, parent.IsRunnable())
	require.False(t, child.IsRunnable())

	parent.Descriptor().RunState = store.Success
	require.True(t, child.IsRunnable())
}

func TestSetupEnvChecksOutAndVerifiesBinary(t *testing.T) {
	skipIfNoGit(t)
	repo := initRepoWithScript(t)
	st := newStore(t)

	n := node.New(node.Spec{Description: "greet", Command: "./run.sh"}, st, repo, nil)
	require.NoError(t, n.JobInit(context.Background()))
	require.NoError(t, n.SetupEnv())

	checkedOut := filepath.Join(st.ScratchDir(n.Hash()), "run.sh")
	_, err := os.Stat(checkedOut)
	require.NoError(t, err)
}

func TestSetupEnvMissingBinaryFails(t *testing.T) {
	skipIfNoGit(t)
	repo := initRepoWithScript(t)
	st := newStore(t)

	n := node.New(node.Spec{Description: "missing", Command: "./does-not-exist.sh"}, st, repo, nil)
	require.NoError(t, n.JobInit(context.Background()))
	require.Error(t, n.SetupEnv())
}

func TestRunCommandNodeThroughLocalBackend(t *testing.T) {
	skipIfNoGit(t)
	repo := initRepoWithScript(t)
	st := newStore(t)

	n := node.New(node.Spec{Description: "greet", Command: "./run.sh"}, st, repo, nil)
	require.NoError(t, n.JobInit(context.Background()))
	require.NoError(t, n.SetupEnv())

	b := backend.NewLocal()
	ctx := context.Background()
	require.NoError(t, n.Run(ctx, b))
	require.Equal(t, store.Running, n.RunState())

	deadline := time.Now().Add(5 * time.Second)
	for n.RunState() == store.Running && time.Now().Before(deadline) {
		require.NoError(t, n.Poll(ctx, b))
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, store.Success, n.RunState())

	_, err := os.Stat(st.ScratchDir(n.Hash()))
	require.True(t, os.IsNotExist(err))
}

func TestRunCodeNodeDispatchesToMacro(t *testing.T) {
	skipIfNoGit(t)
	repo := initRepoWithScript(t)
	st := newStore(t)

	parent := node.New(node.Spec{Description: "parent", Command: "./run.sh"}, st, repo, nil)
	require.NoError(t, parent.JobInit(context.Background()))
	require.NoError(t, parent.SetupEnv())
	parent.Descriptor().RunState = store.Success
	require.NoError(t, st.Save(parent.Descriptor()))

	collector := node.New(node.Spec{Description: "collect", Code: "output_list()"}, st, repo, nil)
	collector.AddParent(parent)
	require.NoError(t, collector.JobInit(context.Background()))
	require.True(t, collector.IsCode())

	require.NoError(t, collector.Run(context.Background(), backend.NewLocal()))
	require.Equal(t, store.Success, collector.RunState())

	data, err := os.ReadFile(filepath.Join(st.ResultsDir(collector.Hash()), "out"))
	require.NoError(t, err)
	require.Contains(t, string(data), parent.ResultsDir())
}

func TestJobInitImportCopiesResultsAndSkipsExecution(t *testing.T) {
	skipIfNoGit(t)
	repo := initRepoWithScript(t)
	st := newStore(t)

	source := node.New(node.Spec{Description: "source", Command: "./run.sh"}, st, repo, nil)
	require.NoError(t, source.JobInit(context.Background()))
	require.NoError(t, source.SetupEnv())
	require.NoError(t, os.WriteFile(filepath.Join(source.ResultsDir(), "log"), []byte("hi\n"), 0o644))
	source.Descriptor().RunState = store.Success
	source.Descriptor().ReturnCode = 0
	require.NoError(t, st.Save(source.Descriptor()))

	importer := node.New(node.Spec{
		Description: "imported",
		Command:     "./run.sh --different-flag",
		Import:      source.Hash(),
	}, st, repo, nil)
	require.NoError(t, importer.JobInit(context.Background()))

	require.Equal(t, store.Success, importer.RunState())
	require.Equal(t, 0, importer.Descriptor().ReturnCode)

	data, err := os.ReadFile(filepath.Join(importer.ResultsDir(), "log"))
	require.NoError(t, err)
	require.Equal(t, "hi\n", string(data))
}
