package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/dagucloud/exprunner/internal/applog"
	"github.com/dagucloud/exprunner/internal/backend"
	"github.com/dagucloud/exprunner/internal/backend/dockerbackend"
	"github.com/dagucloud/exprunner/internal/node"
	"github.com/dagucloud/exprunner/internal/reposcm"
	"github.com/dagucloud/exprunner/internal/rundag"
	"github.com/dagucloud/exprunner/internal/runnerconfig"
	"github.com/dagucloud/exprunner/internal/store"
)

// loadConfig binds cmd's own flags on top of the persistent ones already
// bound in root.go, then resolves the layered configuration.
func loadConfig(cmd *cobra.Command) (*runnerconfig.Config, error) {
	if err := viperInstance.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	return runnerconfig.Load(viperInstance)
}

// newLogger builds the run's logger, tagging every line with a
// correlation id for this invocation. Diagnostic log lines are teed into
// <store>/exprunner.log alongside stderr (applog.TeeWriter), distinct
// from each job's own results/<hsh>/log that the backend tees.
func newLogger(cfg *runnerconfig.Config) *slog.Logger {
	opts := applog.Options{Level: slog.LevelInfo, JSON: viperInstance.GetBool("json_log")}
	if cfg != nil && cfg.StoreRoot != "" {
		if w, _, err := applog.TeeWriter(os.Stderr, filepath.Join(cfg.StoreRoot, "exprunner.log")); err == nil {
			opts.Writer = w
		}
	}
	lg := applog.New(opts)
	return lg.With("run_id", uuid.NewString())
}

func openStore(cfg *runnerconfig.Config) (*store.Store, error) {
	st := store.New(cfg.StoreRoot)
	if err := st.EnsureDirs(); err != nil {
		return nil, err
	}
	if err := st.RecoverCrashed(); err != nil {
		return nil, fmt.Errorf("recover crashed runs: %w", err)
	}
	return st, nil
}

func openBackend(cfg *runnerconfig.Config) (backend.Backend, error) {
	if cfg.UseDocker {
		return dockerbackend.New()
	}
	return backend.NewLocal(), nil
}

func repoRoot() (string, error) {
	return reposcm.Root(".")
}

// runDAGAndReport builds, schedules, and runs sinks to completion,
// printing the terminal state and returning a non-nil error if the run
// ended FAIL or the backend, DAG build or main loop failed.
func runDAGAndReport(cmd *cobra.Command, sinks []*node.Node, cfg *runnerconfig.Config) error {
	b, err := openBackend(cfg)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	d, err := rundag.Build(cmd.Context(), sinks, rundag.Options{
		MaxProcesses: cfg.MaxProcesses,
		PollInterval: cfg.PollInterval,
		Backend:      b,
	})
	if err != nil {
		return fmt.Errorf("build dag: %w", err)
	}
	state, err := d.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("run dag: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), state)
	if state == store.Fail {
		return fmt.Errorf("run ended in FAIL")
	}
	return nil
}

// matchingDescriptors loads every descriptor whose description or hash
// matches pattern (a doublestar glob), skipping rather than erroring on
// hashes whose descriptor fails to parse, so a corrupt descriptor is not
// reported by list, show, hash or purge.
func matchingDescriptors(st *store.Store, pattern string) ([]*store.Descriptor, error) {
	hashes, err := st.AllHashes()
	if err != nil {
		return nil, err
	}
	var out []*store.Descriptor
	for _, h := range hashes {
		d, err := st.Load(h)
		if err != nil {
			continue
		}
		byDescr, err := doublestar.Match(pattern, d.Description)
		if err != nil {
			return nil, fmt.Errorf("bad glob %q: %w", pattern, err)
		}
		byHash, err := doublestar.Match(pattern, h)
		if err != nil {
			return nil, fmt.Errorf("bad glob %q: %w", pattern, err)
		}
		if !byDescr && !byHash {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// parseParams turns a set of "key=value" strings (as read from a
// repeated --param flag) into a params map. Values that parse as
// integers are stored as such so template/macro stringification renders
// them without a trailing ".0".
func parseParams(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(raw))
	for _, kv := range raw {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			return nil, fmt.Errorf("--param %q: expected key=value", kv)
		}
		value := kv[idx+1:]
		if n, err := strconv.Atoi(value); err == nil {
			params[kv[:idx]] = n
			continue
		}
		params[kv[:idx]] = value
	}
	return params, nil
}
