package backend

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/rs/zerolog"
)

// Output is the captured result of one CLI invocation.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// CommandRunner executes a CLI command. The returned error reports only
// failures to run the process (missing binary, cancelled context); non-zero
// exits are surfaced through Output.ExitCode.
type CommandRunner interface {
	Run(ctx context.Context, args ...string) (Output, error)
}

// ExecCommandRunner runs commands through os/exec.
type ExecCommandRunner struct {
	logger zerolog.Logger
}

var _ CommandRunner = &ExecCommandRunner{}

// NewExecCommandRunner creates a runner that shells out to the host.
func NewExecCommandRunner(logger zerolog.Logger) *ExecCommandRunner {
	return &ExecCommandRunner{
		logger: logger.With().Str("component", "command_runner").Logger(),
	}
}

func (r *ExecCommandRunner) Run(ctx context.Context, args ...string) (Output, error) {
	r.logger.Debug().Strs("argv", args).Msg("Running command")

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, err
	}
	return out, nil
}

// FakeCommandRunner replays scripted outputs for docker adapter tests. Each
// Run records the argv and pops the next scripted result; when the script
// is exhausted it returns the Default output.
type FakeCommandRunner struct {
	Calls   [][]string
	Script  []Output
	Errs    []error
	Default Output
}

var _ CommandRunner = &FakeCommandRunner{}

func (f *FakeCommandRunner) Run(_ context.Context, args ...string) (Output, error) {
	f.Calls = append(f.Calls, args)
	idx := len(f.Calls) - 1

	var err error
	if idx < len(f.Errs) {
		err = f.Errs[idx]
	}
	if idx < len(f.Script) {
		return f.Script[idx], err
	}
	return f.Default, err
}
