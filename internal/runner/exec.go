// Package runner invokes the out-of-process tools of a run: the static
// analyzer container and the foundry and cargo test runners. Tool failures
// come back as status values, never as errors.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Cmd is one external invocation.
type Cmd struct {
	Name    string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// Result is the captured outcome of a Cmd. ExitCode is -1 when the process
// did not run to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Err      error
}

// Output is stdout and stderr joined the way the tools are read.
func (r Result) Output() string { return r.Stdout + "\n" + r.Stderr }

// Executor runs external commands.
type Executor interface {
	Run(ctx context.Context, c Cmd) Result
	LookPath(name string) (string, error)
}

// OSExecutor runs commands on the host.
type OSExecutor struct{}

func (OSExecutor) LookPath(name string) (string, error) { return exec.LookPath(name) }

func (OSExecutor) Run(ctx context.Context, c Cmd) Result {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	res := Result{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res
	}
	res.Err = err
	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
	}
	return res
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
