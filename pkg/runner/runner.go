// Package runner is the Process Runner: the only component permitted to
// invoke external binaries directly. Every other component that needs to
// shell out (qemu-img, sops, age, ssh-keygen, a host health-check command)
// goes through here so that timeout, output-capture, and kill semantics are
// enforced in exactly one place.
package runner

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/clonebox-dev/clonebox/pkg/types"
)

// DefaultCaptureLimit is the default per-stream capture cap; output beyond
// this is truncated, never buffered without bound.
const DefaultCaptureLimit = 1 << 20 // 1 MiB

// killGrace is how long a process gets to exit after SIGTERM before the
// Runner escalates to SIGKILL.
const killGrace = 5 * time.Second

// Result is what Run returns on a completed (possibly non-zero) invocation.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Elapsed  time.Duration
}

// Invocation describes one external program call.
type Invocation struct {
	Argv    []string
	Stdin   io.Reader
	Env     []string // appended to the process's inherited environment
	Dir     string
	Timeout time.Duration
	// CaptureLimit overrides DefaultCaptureLimit when non-zero.
	CaptureLimit int
}

// Runner invokes external programs with a uniform surface.
type Runner struct{}

// New constructs a Runner. It holds no state; it exists so call sites read
// the same way other components' constructors do, and so a future runner
// with injected defaults (a wrapped PATH, a sandboxing profile) has a home.
func New() *Runner {
	return &Runner{}
}

// Run executes argv[0] with argv[1:] as arguments. It kills the child with
// SIGTERM on timeout, escalating to SIGKILL after killGrace. stdout and
// stderr are captured independently, each capped at CaptureLimit (or
// DefaultCaptureLimit).
func (r *Runner) Run(ctx context.Context, inv Invocation) (Result, error) {
	if len(inv.Argv) == 0 {
		return Result{}, types.NewError(types.ErrInvalidArgument, "", errors.New("empty argv"))
	}

	limit := inv.CaptureLimit
	if limit <= 0 {
		limit = DefaultCaptureLimit
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, inv.Argv[0], inv.Argv[1:]...)
	cmd.Dir = inv.Dir
	if inv.Env != nil {
		cmd.Env = inv.Env
	}
	if inv.Stdin != nil {
		cmd.Stdin = inv.Stdin
	}
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	var stdout, stderr capBuffer
	stdout.limit = limit
	stderr.limit = limit
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := Result{
		Stdout:  stdout.buf.Bytes(),
		Stderr:  stderr.buf.Bytes(),
		Elapsed: elapsed,
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
		return result, nil
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	case errors.Is(err, exec.ErrNotFound):
		return result, types.NewError(types.ErrExternalToolMissing, inv.Argv[0], err)
	case runCtx.Err() == context.DeadlineExceeded:
		return result, types.NewError(types.ErrTimeout, inv.Argv[0], err)
	default:
		return result, types.NewError(types.ErrInternal, inv.Argv[0], err)
	}
}

// capBuffer is a bytes.Buffer that silently stops accepting writes past
// limit, rather than growing unbounded.
type capBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (c *capBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		return len(p), nil // report consumed so callers (exec.Cmd) don't error
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}
