// Package backend defines the pluggable execution-backend contract:
// launch a node's final command and poll it to completion. Job is a
// backend-agnostic view of what a node needs run, so backends never
// import the node package, keeping execution backends swappable without
// pulling in node's own dependency graph.
package backend

import (
	"context"

	"github.com/dagucloud/exprunner/internal/store"
)

// Job is everything a backend needs to launch and identify a command.
type Job struct {
	Hash             string
	FinalCommand     string
	ScratchDir       string // exp/<hsh>, the node's whole checked-out scratch tree
	WorkDir          string // exp/<hsh>/<working_dir>, already checked out
	ResultsDir       string // results/<hsh>
	LogPath          string // results/<hsh>/log
	ParentResultsDir string // set iff the node has exactly one parent
	Image            string // optional: container image for backends that support it
}

// Handle is an opaque reference a backend returns from Run and expects
// back on GetState. Its concrete type is backend-specific.
type Handle any

// Backend is the contract every execution backend implements.
type Backend interface {
	// Run asynchronously starts job's final command. It must not block
	// waiting for completion.
	Run(ctx context.Context, job Job) (Handle, error)
	// GetState is non-blocking: RUNNING while still live, otherwise the
	// terminal state and exit code.
	GetState(ctx context.Context, job Job, h Handle) (store.RunState, int, error)
}
