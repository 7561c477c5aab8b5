// Package dockerbackend is a second implementation of backend.Backend:
// it runs a node's final command inside a single local container
// instead of a bare OS process.
package dockerbackend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	containertypes "github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dagucloud/exprunner/internal/backend"
	"github.com/dagucloud/exprunner/internal/store"
)

// DefaultImage is used when a node's descriptor does not set Image.
const DefaultImage = "alpine:3.20"

// Docker runs jobs in containers via the Docker Engine API.
type Docker struct {
	cli *client.Client
}

// New connects to the local Docker daemon using the standard
// DOCKER_HOST/DOCKER_CERT_PATH environment, matching the teacher's own
// convention of deriving connection options from the environment rather
// than hardcoding a socket path.
func New() (*Docker, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect to docker: %w", err)
	}
	return &Docker{cli: cli}, nil
}

type dockerHandle struct {
	containerID string
}

// Run creates and starts a container running job's final command under
// /bin/sh, bind-mounting job.WorkDir so the node's checked-out scratch
// tree is visible to the container the same way it is to the local
// backend's child process.
func (d *Docker) Run(ctx context.Context, job Job) (backend.Handle, error) {
	image := job.Image
	if image == "" {
		image = DefaultImage
	}

	cfg := &containertypes.Config{
		Image:      image,
		Cmd:        []string{"/bin/sh", "-c", job.FinalCommand},
		WorkingDir: "/workspace",
		Env: []string{
			"EXP_RESULTS_DIR=/results",
			parentEnv(job),
		},
	}
	binds := []string{
		job.WorkDir + ":/workspace",
		job.ResultsDir + ":/results",
	}
	if job.ParentResultsDir != "" {
		binds = append(binds, job.ParentResultsDir+":/parent")
	}
	hostCfg := &containertypes.HostConfig{Binds: binds}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, &ocispec.Platform{}, "exprunner-"+job.Hash)
	if err != nil {
		return nil, fmt.Errorf("create container for %s: %w", job.Hash, err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, containertypes.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container for %s: %w", job.Hash, err)
	}
	return &dockerHandle{containerID: created.ID}, nil
}

// GetState polls the container's wait channel non-blockingly and, on
// completion, appends its combined logs to job.LogPath the same way the
// local backend's driver script tees output, so both backends leave the
// same on-disk artifact behind.
func (d *Docker) GetState(ctx context.Context, job Job, h backend.Handle) (store.RunState, int, error) {
	handle, ok := h.(*dockerHandle)
	if !ok {
		return store.Fail, -1, fmt.Errorf("dockerbackend: unexpected handle type %T", h)
	}

	statusCh, errCh := d.cli.ContainerWait(ctx, handle.containerID, containertypes.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return store.Fail, -1, fmt.Errorf("wait container %s: %w", handle.containerID, err)
		}
		return store.Running, 0, nil
	case status := <-statusCh:
		if err := d.appendLogs(ctx, handle.containerID, job.LogPath); err != nil {
			return store.Fail, int(status.StatusCode), err
		}
		if status.StatusCode == 0 {
			return store.Success, 0, nil
		}
		return store.Fail, int(status.StatusCode), nil
	default:
		return store.Running, 0, nil
	}
}

func (d *Docker) appendLogs(ctx context.Context, containerID, logPath string) error {
	rc, err := d.cli.ContainerLogs(ctx, containerID, containertypes.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return fmt.Errorf("read logs for %s: %w", containerID, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return fmt.Errorf("copy logs for %s: %w", containerID, err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec
	if err != nil {
		return fmt.Errorf("open log %s: %w", logPath, err)
	}
	defer f.Close()
	_, err = f.Write(buf.Bytes())
	return err
}

func parentEnv(job Job) string {
	if job.ParentResultsDir == "" {
		return "EXP_PARENT_RESULTS_DIR="
	}
	return "EXP_PARENT_RESULTS_DIR=/parent"
}

// Job mirrors backend.Job; re-declared as a type alias so this file reads
// standalone against the Backend interface without import confusion.
type Job = backend.Job
