package isolation

import (
	"context"
	"os/exec"
	"time"
)

var _ Isolator = (*FallbackIsolator)(nil)

// FallbackIsolator is the portable isolator for platforms without
// kernel-level controls. It enforces only the timeout from the task's
// resource limits; Capabilities reports everything else as unavailable so
// the sandbox runner can surface the gap instead of pretending.
type FallbackIsolator struct{}

func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{}
}

// Wrap rebuilds the command on top of exec.CommandContext so cancellation
// and the limit timeout actually kill the process. Callers must run the
// returned command, not the original, and must invoke cleanup once the
// process has finished.
func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits ResourceLimits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	execCtx := ctx
	cancel := context.CancelFunc(func() {})
	if limits.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
	}

	// exec.Cmd.Cancel is only honored for commands created through
	// exec.CommandContext; a plain copy of the struct would ignore the
	// deadline entirely.
	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args // keep the caller's argv[0]
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	// Give redirected pipes a moment to drain after the kill.
	wrapped.WaitDelay = 5 * time.Second

	return wrapped, func() { cancel() }, nil
}

// Capabilities reports that only the timeout is enforced here.
func (f *FallbackIsolator) Capabilities() IsolatorCaps {
	return IsolatorCaps{}
}
