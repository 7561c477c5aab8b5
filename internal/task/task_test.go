package task_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dagucloud/exprunner/internal/task"
	"github.com/stretchr/testify/require"
)

func TestArchiveAllocatesSmallestUnusedID(t *testing.T) {
	repo := t.TempDir()
	src := filepath.Join(repo, "job.yaml")
	require.NoError(t, os.WriteFile(src, []byte("nodes: []\n"), 0o644))

	st := task.New(repo)

	id1, err := st.Archive(src, "job.yaml", "deadbeef")
	require.NoError(t, err)
	require.Equal(t, 1, id1)

	id2, err := st.Archive(src, "job.yaml", "deadbeef")
	require.NoError(t, err)
	require.Equal(t, 2, id2)

	require.NoError(t, os.RemoveAll(filepath.Join(repo, ".exp", "tasks", "1")))

	id3, err := st.Archive(src, "job.yaml", "cafef00d")
	require.NoError(t, err)
	require.Equal(t, 1, id3)
}

func TestLoadRoundTrip(t *testing.T) {
	repo := t.TempDir()
	src := filepath.Join(repo, "job.yaml")
	require.NoError(t, os.WriteFile(src, []byte("nodes: []\n"), 0o644))

	st := task.New(repo)
	id, err := st.Archive(src, "job.yaml", "deadbeef")
	require.NoError(t, err)

	path, rec, err := st.Load(id)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", rec.Commit)
	require.Equal(t, "job.yaml", rec.Filename)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "nodes: []\n", string(data))
}

func TestReplayCommitPinsHEADOnly(t *testing.T) {
	rec := task.Record{Commit: "deadbeef"}
	require.Equal(t, "deadbeef", task.ReplayCommit(rec, "HEAD"))
	require.Equal(t, "deadbeef", task.ReplayCommit(rec, ""))
	require.Equal(t, "v1.2.3", task.ReplayCommit(rec, "v1.2.3"))
}
