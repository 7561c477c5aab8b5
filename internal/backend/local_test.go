package backend_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dagucloud/exprunner/internal/backend"
	"github.com/dagucloud/exprunner/internal/store"
	"github.com/stretchr/testify/require"
)

func waitTerminal(t *testing.T, b *backend.Local, job backend.Job, h backend.Handle) (store.RunState, int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, code, err := b.GetState(context.Background(), job, h)
		require.NoError(t, err)
		if state != store.Running {
			return state, code
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state in time")
	return "", 0
}

func TestLocalBackendSuccess(t *testing.T) {
	dir := t.TempDir()
	workDir := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	resultsDir := filepath.Join(dir, "results")
	require.NoError(t, os.MkdirAll(resultsDir, 0o755))
	logPath := filepath.Join(resultsDir, "log")

	job := backend.Job{
		Hash:         "h1",
		FinalCommand: "echo hi | tee " + logPath + " 2>&1",
		ScratchDir:   dir,
		WorkDir:      workDir,
		ResultsDir:   resultsDir,
		LogPath:      logPath,
	}

	b := backend.NewLocal()
	h, err := b.Run(context.Background(), job)
	require.NoError(t, err)

	state, code := waitTerminal(t, b, job, h)
	require.Equal(t, store.Success, state)
	require.Equal(t, 0, code)

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "hi"))
}

func TestLocalBackendFailure(t *testing.T) {
	dir := t.TempDir()
	workDir := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	resultsDir := filepath.Join(dir, "results")
	require.NoError(t, os.MkdirAll(resultsDir, 0o755))
	logPath := filepath.Join(resultsDir, "log")

	job := backend.Job{
		Hash:         "h2",
		FinalCommand: "false",
		ScratchDir:   dir,
		WorkDir:      workDir,
		ResultsDir:   resultsDir,
		LogPath:      logPath,
	}

	b := backend.NewLocal()
	h, err := b.Run(context.Background(), job)
	require.NoError(t, err)

	state, code := waitTerminal(t, b, job, h)
	require.Equal(t, store.Fail, state)
	require.NotEqual(t, 0, code)
}
