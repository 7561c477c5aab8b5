package runnerconfig_test

import (
	"testing"
	"time"

	"github.com/dagucloud/exprunner/internal/runnerconfig"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	v, err := runnerconfig.New()
	require.NoError(t, err)

	cfg, err := runnerconfig.Load(v)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.MaxProcesses)
	require.Equal(t, time.Second, cfg.PollInterval)
	require.NotEmpty(t, cfg.StoreRoot)
	require.Equal(t, "alpine:3.20", cfg.DockerImage)
}

func TestLoadRejectsNonPositiveMaxProcesses(t *testing.T) {
	v, err := runnerconfig.New()
	require.NoError(t, err)
	v.Set("max_processes", 0)

	_, err = runnerconfig.Load(v)
	require.Error(t, err)
}

func TestLoadRejectsEmptyStoreRoot(t *testing.T) {
	v, err := runnerconfig.New()
	require.NoError(t, err)
	v.Set("store_root", "")

	_, err = runnerconfig.Load(v)
	require.Error(t, err)
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("EXPRUNNER_MAX_PROCESSES", "9")
	v, err := runnerconfig.New()
	require.NoError(t, err)

	cfg, err := runnerconfig.Load(v)
	require.NoError(t, err)
	require.Equal(t, 9, cfg.MaxProcesses)
}
