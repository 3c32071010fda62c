// Package procrun executes external commands with a timeout and captures
// their exit code, stdout and stderr without ever returning an error.
package procrun

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// TimeoutExitCode is reported when a command is killed for exceeding its
// timeout, matching the convention of timeout(1).
const TimeoutExitCode = 124

// Stderr indicators for commands that were killed before finishing.
const (
	TimeoutIndicator  = "timeout"
	CanceledIndicator = "canceled"
)

// DefaultWaitDelay bounds how long Run waits for I/O to drain after the
// process is killed, so grandchildren holding the pipes cannot hang a call.
const DefaultWaitDelay = 2 * time.Second

// Result is the outcome of a single command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// OK reports whether the command exited with status zero.
func (r Result) OK() bool { return r.ExitCode == 0 }

// TimedOut reports whether the command was killed before it finished.
func (r Result) TimedOut() bool { return r.ExitCode == TimeoutExitCode && r.Stderr == TimeoutIndicator }

// Runner runs a command given as an argument vector. Arguments are never
// passed through a shell.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) Result
}

// Exec implements Runner with os/exec.
type Exec struct {
	WaitDelay time.Duration
}

// New creates an Exec runner with the default wait delay.
func New() *Exec {
	return &Exec{WaitDelay: DefaultWaitDelay}
}

// Run executes name with args. A timeout <= 0 means no runner-imposed limit;
// the parent context still applies. The child is always reaped before Run
// returns.
func (e *Exec) Run(ctx context.Context, timeout time.Duration, name string, args ...string) Result {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	setProcessGroup(cmd)
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	started := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(started),
	}
	if err == nil {
		return res
	}

	if runCtx.Err() != nil {
		res.ExitCode = TimeoutExitCode
		res.Stderr = TimeoutIndicator
		if parent := ctx.Err(); parent != nil && !errors.Is(parent, context.DeadlineExceeded) {
			res.Stderr = CanceledIndicator
		}
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res
	}

	// The process never started (missing binary, permissions).
	res.ExitCode = -1
	if res.Stderr == "" {
		res.Stderr = err.Error()
	}
	return res
}
