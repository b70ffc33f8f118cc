package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/laminarhq/laminar/internal/isolation"
	"github.com/laminarhq/laminar/internal/logging"
	"github.com/laminarhq/laminar/pkg/schema"
)

const (
	defaultSandboxTimeout = 30 * time.Second
	defaultMaxOutputSize  = 10 * 1024 * 1024 // 10MB
)

// SandboxConfig configures the sandboxed_code runner.
type SandboxConfig struct {
	Isolator      isolation.Isolator
	Policy        *isolation.CapabilityPolicy
	MaxOutputSize int64
	Logger        *slog.Logger
}

// SandboxRunner executes sandboxed_code tasks: the task's Uses names the
// entry command, args carry argv, env, stdin and cwd. Resource limits come
// from the capability policy profile for the task's grant; an operation the
// profile denies surfaces as an escalation, not a failure.
type SandboxRunner struct {
	cfg SandboxConfig
}

// NewSandboxRunner creates a SandboxRunner with defaults filled in.
func NewSandboxRunner(cfg SandboxConfig) *SandboxRunner {
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.NewFallbackIsolator()
	}
	if cfg.Policy == nil {
		cfg.Policy = isolation.DefaultPolicy()
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SandboxRunner{cfg: cfg}
}

// Run executes one sandboxed task to settlement.
func (s *SandboxRunner) Run(ctx context.Context, task *schema.Task, grant schema.Capability, args json.RawMessage) *schema.Outcome {
	log := logging.LogWith(ctx, s.cfg.Logger)

	if task.Uses == "" {
		return schema.Failed(task.ID, schema.NewError(schema.ErrCodeValidation,
			"sandboxed_code task has no entry command").WithTask(task.ID))
	}

	params, err := decodeArgs(args)
	if err != nil {
		return schema.Failed(task.ID, toEngineError(err).WithTask(task.ID))
	}

	limits := s.cfg.Policy.LimitsFor(grant)

	// Network is an explicit request; the profile decides whether the
	// grant covers it.
	wantNetwork := boolParam(params, "network", false)
	if wantNetwork && !limits.AllowNetwork {
		return s.escalate(task, grant, isolation.OpNetOutbound, "network access not allowed at this capability")
	}

	argv := stringSliceParam(params, "args")
	envMap := stringMapParam(params, "env")
	cwd := stringParam(params, "cwd", "")
	stdinStr := stringParam(params, "stdin", "")
	shellMode := boolParam(params, "shell", false)

	var cmd *exec.Cmd
	if shellMode {
		fullCmd := task.Uses
		if len(argv) > 0 {
			fullCmd = task.Uses + " " + strings.Join(argv, " ")
		}
		cmd = exec.Command("/bin/sh", "-c", fullCmd)
	} else {
		cmd = exec.Command(task.Uses, argv...)
	}

	if cwd != "" {
		if err := limits.ValidatePath(cwd, isolation.PathAccessRead); err != nil {
			return s.escalate(task, grant, isolation.OpFSRead, err.Error())
		}
		cmd.Dir = cwd
	}

	// Inherit current env + overrides.
	if envMap != nil {
		cmd.Env = os.Environ()
		for k, v := range envMap {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	if stdinStr != "" {
		cmd.Stdin = strings.NewReader(stdinStr)
	}

	timeout := limits.Timeout
	if timeout <= 0 {
		timeout = defaultSandboxTimeout
	}
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil && d < timeout {
			// A task may tighten the profile's deadline, never widen it.
			timeout = d
		}
	}

	// Own the deadline so a kill is distinguishable from a task fault.
	execCtx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()
	limits.Timeout = 0

	wrapped, cleanup, err := s.cfg.Isolator.Wrap(execCtx, cmd, limits)
	if err != nil {
		return schema.Failed(task.ID, schema.NewErrorf(schema.ErrCodeExecution,
			"sandbox: isolation wrap failed: %v", err).WithCause(err).WithTask(task.ID))
	}
	defer cleanup()

	var stdoutBuf, stderrBuf bytes.Buffer
	wrapped.Stdout = &limitedWriter{w: &stdoutBuf, limit: s.cfg.MaxOutputSize}
	wrapped.Stderr = &limitedWriter{w: &stderrBuf, limit: s.cfg.MaxOutputSize}

	start := time.Now()
	runErr := wrapped.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return schema.Failed(task.ID, schema.NewErrorf(schema.ErrCodeExecution,
				"sandbox: %v", runErr).WithCause(runErr).WithTask(task.ID))
		}
		exitCode = exitErr.ExitCode()
		if execCtx.Err() == context.DeadlineExceeded {
			return schema.Failed(task.ID, schema.NewErrorf(schema.ErrCodeTimeout,
				"sandbox: killed after %s", timeout).WithTask(task.ID).
				WithDetails(map[string]any{"stderr": stderrBuf.String(), "duration_ms": durationMs}))
		}
	}

	if exitCode != 0 {
		log.Info("sandboxed task exited nonzero", "entry", task.Uses, "exit_code", exitCode)
		return schema.Failed(task.ID, schema.NewErrorf(schema.ErrCodeExecution,
			"sandbox: %s exited with code %d", task.Uses, exitCode).WithTask(task.ID).
			WithDetails(map[string]any{
				"exit_code":   exitCode,
				"stderr":      stderrBuf.String(),
				"duration_ms": durationMs,
			}))
	}

	// Auto-parse stdout if it's valid JSON, for consistent interpolation.
	stdoutStr := stdoutBuf.String()
	var parsedStdout any = stdoutStr
	if stdoutBuf.Len() > 0 && json.Valid(stdoutBuf.Bytes()) {
		var parsed any
		if err := json.Unmarshal(stdoutBuf.Bytes(), &parsed); err == nil {
			parsedStdout = parsed
		}
	}

	result, err := json.Marshal(map[string]any{
		"stdout":      parsedStdout,
		"stdout_raw":  stdoutStr,
		"stderr":      stderrBuf.String(),
		"exit_code":   exitCode,
		"duration_ms": durationMs,
	})
	if err != nil {
		return schema.Failed(task.ID, schema.NewError(schema.ErrCodeExecution,
			"sandbox: failed to marshal output").WithCause(err).WithTask(task.ID))
	}
	return schema.Succeeded(task.ID, result)
}

// escalate builds the escalated outcome for an operation the current grant
// does not cover.
func (s *SandboxRunner) escalate(task *schema.Task, grant schema.Capability, operation, failure string) *schema.Outcome {
	requested := s.cfg.Policy.RequiredFor(operation)
	if grant.Allows(requested) {
		// The policy maps the operation at or below the grant but the
		// profile still denied it; ask for the next level up.
		next, ok := nextCapability(grant)
		if !ok {
			return schema.Failed(task.ID, schema.NewErrorf(schema.ErrCodeCapabilityDenied,
				"sandbox: %s denied at highest capability: %s", operation, failure).WithTask(task.ID))
		}
		requested = next
	}
	return schema.Escalated(task.ID, &schema.EscalationRequest{
		TaskID:    task.ID,
		Granted:   grant,
		Requested: requested,
		Operation: operation,
		Failure:   failure,
	})
}

// --- param helpers for argv/env shapes ---

func stringSliceParam(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func stringMapParam(m map[string]any, key string) map[string]string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess from
// blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p) // Capture original length before any truncation.
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
