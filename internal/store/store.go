// Package store implements the on-disk layout for results and scratch
// workspaces: results/<hsh>/descr (permanent, content-addressed) and
// exp/<hsh>/ (ephemeral scratch checkouts).
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
)

// RunState is a node's lifecycle state.
type RunState string

const (
	Virgin  RunState = "VIRGIN"
	Running RunState = "RUNNING"
	Success RunState = "SUCCESS"
	Fail    RunState = "FAIL"
)

// Descriptor is the single source of truth for a node across runner
// invocations, persisted at results/<hsh>/descr.
type Descriptor struct {
	Hash         string            `json:"hash"`
	Description  string            `json:"description"`
	WorkingDir   string            `json:"working_dir"`
	Deps         []string          `json:"deps"`
	Command      string            `json:"command,omitempty"`
	Code         string            `json:"code,omitempty"`
	FinalCommand string            `json:"final_command,omitempty"`
	FinalCode    string            `json:"final_code,omitempty"`
	Commit       string            `json:"commit"`
	Date         time.Time         `json:"date"`
	DateEnd      *time.Time        `json:"date_end,omitempty"`
	Params       map[string]any    `json:"params"`
	RunState     RunState          `json:"run_state"`
	ReturnCode   int               `json:"return_code"`
	Import       string            `json:"import,omitempty"`
	SubdirOnly   bool              `json:"subdir_only,omitempty"`
	Image        string            `json:"image,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// Store is the on-disk root for a single run's results and scratch trees.
type Store struct {
	Root string
}

// New returns a Store rooted at repoRoot; callers must call EnsureDirs
// before any Save/Load so results/ and exp/ exist.
func New(repoRoot string) *Store {
	return &Store{Root: repoRoot}
}

func (s *Store) resultsRoot() string { return filepath.Join(s.Root, "results") }
func (s *Store) scratchRoot() string { return filepath.Join(s.Root, "exp") }

// ResultsDir returns results/<hsh>.
func (s *Store) ResultsDir(hsh string) string { return filepath.Join(s.resultsRoot(), hsh) }

// ScratchDir returns exp/<hsh>.
func (s *Store) ScratchDir(hsh string) string { return filepath.Join(s.scratchRoot(), hsh) }

func (s *Store) descrPath(hsh string) string { return filepath.Join(s.ResultsDir(hsh), "descr") }

// EnsureDirs creates results/ and exp/ if absent.
func (s *Store) EnsureDirs() error {
	if err := os.MkdirAll(s.resultsRoot(), 0o755); err != nil {
		return fmt.Errorf("create results dir: %w", err)
	}
	if err := os.MkdirAll(s.scratchRoot(), 0o755); err != nil {
		return fmt.Errorf("create exp dir: %w", err)
	}
	return nil
}

// Load returns the descriptor for hsh, or a not-found error wrapping
// errdefs.ErrNotFound if no descriptor is persisted. A descriptor that
// exists but fails to parse is surfaced as a distinct corruption error,
// never silently treated as absent.
func (s *Store) Load(hsh string) (*Descriptor, error) {
	path := s.descrPath(hsh)
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.ErrNotFound(fmt.Errorf("descriptor %s", hsh))
		}
		return nil, fmt.Errorf("read descriptor %s: %w", hsh, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var d Descriptor
	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("corrupt descriptor %s: %w", hsh, err)
	}
	return &d, nil
}

// Save overwrites results/<hsh>/descr atomically: serialize into a temp
// file in the same directory, then rename.
func (s *Store) Save(d *Descriptor) error {
	dir := s.ResultsDir(d.Hash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create results dir for %s: %w", d.Hash, err)
	}

	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal descriptor %s: %w", d.Hash, err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, "descr-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp descriptor for %s: %w", d.Hash, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp descriptor for %s: %w", d.Hash, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp descriptor for %s: %w", d.Hash, err)
	}
	if err := os.Rename(tmpName, s.descrPath(d.Hash)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename descriptor for %s: %w", d.Hash, err)
	}
	return nil
}

// HandleExisting reports whether results/<hsh>/descr can be loaded. It
// does not by itself imply the node is SUCCESS — callers still consult
// the loaded RunState.
func (s *Store) HandleExisting(hsh string) bool {
	_, err := s.Load(hsh)
	return err == nil
}

// Purge removes results/<hsh>/.
func (s *Store) Purge(hsh string) error {
	if err := os.RemoveAll(s.ResultsDir(hsh)); err != nil {
		return fmt.Errorf("purge results %s: %w", hsh, err)
	}
	return nil
}

// CleanupScratch removes exp/<hsh>/. Idempotent.
func (s *Store) CleanupScratch(hsh string) error {
	if err := os.RemoveAll(s.ScratchDir(hsh)); err != nil {
		return fmt.Errorf("cleanup scratch %s: %w", hsh, err)
	}
	return nil
}

// FreshScratch removes any existing exp/<hsh>/ and creates a new empty one.
func (s *Store) FreshScratch(hsh string) error {
	if err := s.CleanupScratch(hsh); err != nil {
		return err
	}
	if err := os.MkdirAll(s.ScratchDir(hsh), 0o755); err != nil {
		return fmt.Errorf("create scratch %s: %w", hsh, err)
	}
	return nil
}

// AllHashes lists every hash with a results/<hsh>/ directory, regardless
// of whether its descriptor parses.
func (s *Store) AllHashes() ([]string, error) {
	entries, err := os.ReadDir(s.resultsRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list results: %w", err)
	}
	hashes := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			hashes = append(hashes, e.Name())
		}
	}
	return hashes, nil
}

// RecoverCrashed scans every persisted descriptor and demotes any RUNNING
// state to VIRGIN, removing its scratch workspace, so no RUNNING state
// from a dead process survives into a new run.
func (s *Store) RecoverCrashed() error {
	hashes, err := s.AllHashes()
	if err != nil {
		return err
	}
	for _, hsh := range hashes {
		d, err := s.Load(hsh)
		if err != nil {
			// A corrupt descriptor is a store-corruption error (§7.2) but
			// recovery of other nodes should still proceed; the caller's
			// next Load of this hash will surface the same error.
			continue
		}
		if d.RunState != Running {
			continue
		}
		d.RunState = Virgin
		if err := s.CleanupScratch(hsh); err != nil {
			return err
		}
		if err := s.Save(d); err != nil {
			return err
		}
	}
	return nil
}
