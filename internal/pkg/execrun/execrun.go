// Package execrun runs external binaries with captured output.
package execrun

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// Result holds the outcome of one invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// OK reports whether the process ran and exited 0.
func (r Result) OK() bool { return r.Err == nil }

// Runner runs a command to completion. Implementations must honour ctx.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) Result
}

// Exec is the os/exec backed Runner.
type Exec struct{}

func (Exec) Run(ctx context.Context, name string, args ...string) Result {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	code := 0
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code = exitErr.ExitCode()
	} else if err != nil {
		code = -1
	}

	return Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: code,
		Err:      err,
	}
}

// Call is one recorded invocation of a Func runner.
type Call struct {
	Name string
	Args []string
}

// Func adapts a function to Runner. Tests use it to script ffmpeg output.
type Func func(ctx context.Context, name string, args ...string) Result

func (f Func) Run(ctx context.Context, name string, args ...string) Result {
	return f(ctx, name, args...)
}
