package backend

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	gopsprocess "github.com/shirou/gopsutil/v4/process"

	"github.com/dagucloud/exprunner/internal/store"
)

// Local is the reference execution backend: it runs a job's final
// command as a detached OS process via a small generated shell driver,
// tees stdout+stderr to the results log, and polls the process
// non-blockingly.
type Local struct{}

// NewLocal constructs a Local backend.
func NewLocal() *Local {
	return &Local{}
}

type localHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// Run writes the driver script to exp/<hsh>/<hsh>.sh, starts it detached,
// and returns a handle on the driver process; GetState polls that handle.
func (l *Local) Run(_ context.Context, job Job) (Handle, error) {
	script := driverScript(job)
	scriptPath := filepath.Join(job.ScratchDir, job.Hash+".sh")
	if err := os.WriteFile(scriptPath, []byte(script), 0o755); err != nil { //nolint:gosec
		return nil, fmt.Errorf("write driver script: %w", err)
	}

	cmd := exec.Command("/bin/sh", scriptPath) //nolint:gosec
	cmd.Dir = job.WorkDir
	cmd.Env = jobEnv(job)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start driver: %w", err)
	}

	h := &localHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		h.done <- struct{}{}
	}()

	return h, nil
}

// GetState is non-blocking: it checks whether the wait goroutine has
// reported completion yet, cross-checking against the last line of the
// log file the driver itself appended.
func (l *Local) GetState(_ context.Context, job Job, handle Handle) (store.RunState, int, error) {
	h, ok := handle.(*localHandle)
	if !ok {
		return store.Fail, -1, fmt.Errorf("backend: unexpected handle type %T", handle)
	}

	select {
	case <-h.done:
		// fallthrough to terminal-state handling below
	default:
		if alive, err := processAlive(h.cmd.Process.Pid); err == nil && alive {
			return store.Running, 0, nil
		}
		// Process table says it's gone but our Wait goroutine hasn't
		// reported yet; treat as still running for this poll and let
		// the next poll catch the done channel.
		return store.Running, 0, nil
	}

	code, logErr := readExitStatusFromLog(job.LogPath)
	if h.err == nil {
		if logErr == nil && code != 0 {
			// Cross-check failed: the driver itself recorded non-zero
			// despite a clean process exit. Trust the log.
			return store.Fail, code, nil
		}
		return store.Success, 0, nil
	}

	var exitErr *exec.ExitError
	if as, ok := h.err.(*exec.ExitError); ok { //nolint:errorlint
		exitErr = as
	}
	if exitErr != nil {
		return store.Fail, exitErr.ExitCode(), nil
	}
	return store.Fail, -1, h.err
}

func processAlive(pid int) (bool, error) {
	return gopsprocess.PidExists(int32(pid))
}

func readExitStatusFromLog(logPath string) (int, error) {
	f, err := os.Open(logPath) //nolint:gosec
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			last = line
		}
	}
	code, err := strconv.Atoi(last)
	if err != nil {
		return 0, fmt.Errorf("parse exit status from log tail %q: %w", last, err)
	}
	return code, nil
}

// driverScript runs job's final command (which already carries its own
// "| tee <log> 2>&1" suffix from Node.JobInit) and then appends the raw
// exit status as the log file's own last line — the pipe to tee loses
// the real $? of the user command, so the driver records it separately
// for GetState to cross-check against the child's reported status.
func driverScript(job Job) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	teeSuffix := " | tee " + job.LogPath + " 2>&1"
	if userCmd, ok := strings.CutSuffix(job.FinalCommand, teeSuffix); ok {
		statusPath := shellQuote(filepath.Join(job.ScratchDir, job.Hash+".status"))
		fmt.Fprintf(&b, "{ %s\necho \"$?\" > %s; }%s\n", userCmd, statusPath, teeSuffix)
		fmt.Fprintf(&b, "st=$(cat %s)\n", statusPath)
	} else {
		fmt.Fprintf(&b, "%s\n", job.FinalCommand)
		fmt.Fprintf(&b, "st=$?\n")
	}
	fmt.Fprintf(&b, "echo \"$st\" >> %s\n", shellQuote(job.LogPath))
	fmt.Fprintf(&b, "exit \"$st\"\n")
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func jobEnv(job Job) []string {
	env := os.Environ()
	env = append(env, "PATH="+job.WorkDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	env = append(env, "EXP_RESULTS_DIR="+job.ResultsDir)
	if job.ParentResultsDir != "" {
		env = append(env, "EXP_PARENT_RESULTS_DIR="+job.ParentResultsDir)
	}
	return env
}
