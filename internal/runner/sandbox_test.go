package runner

import (
	"context"
	"encoding/json"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laminarhq/laminar/internal/isolation"
	"github.com/laminarhq/laminar/pkg/schema"
)

func sandboxTask(id, entry string) *schema.Task {
	return &schema.Task{TaskSpec: schema.TaskSpec{ID: id, Kind: schema.TaskKindSandbox, Uses: entry}}
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sandbox tests need a POSIX shell")
	}
}

func sandboxResult(t *testing.T, out *schema.Outcome) map[string]any {
	t.Helper()
	require.Equal(t, schema.OutcomeSucceeded, out.State, "outcome: %+v", out)
	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Result, &result))
	return result
}

func TestSandbox_CapturesStdout(t *testing.T) {
	requireUnix(t)
	s := NewSandboxRunner(SandboxConfig{})

	args, _ := json.Marshal(map[string]any{"args": []string{"hello sandbox"}})
	out := s.Run(context.Background(), sandboxTask("t1", "echo"), schema.CapabilityStandard, args)

	result := sandboxResult(t, out)
	assert.Equal(t, "hello sandbox\n", result["stdout_raw"])
	assert.Equal(t, float64(0), result["exit_code"])
}

func TestSandbox_AutoParsesJSONStdout(t *testing.T) {
	requireUnix(t)
	s := NewSandboxRunner(SandboxConfig{})

	args, _ := json.Marshal(map[string]any{"args": []string{`{"version":"1.2.3"}`}})
	out := s.Run(context.Background(), sandboxTask("t1", "echo"), schema.CapabilityStandard, args)

	result := sandboxResult(t, out)
	parsed, ok := result["stdout"].(map[string]any)
	require.True(t, ok, "stdout should be parsed JSON")
	assert.Equal(t, "1.2.3", parsed["version"])
}

func TestSandbox_ShellMode(t *testing.T) {
	requireUnix(t)
	s := NewSandboxRunner(SandboxConfig{})

	args, _ := json.Marshal(map[string]any{
		"args":  []string{"2", "+", "40"},
		"shell": true,
	})
	out := s.Run(context.Background(), sandboxTask("t1", "expr"), schema.CapabilityStandard, args)

	result := sandboxResult(t, out)
	assert.Equal(t, float64(42), result["stdout"])
}

func TestSandbox_StdinAndEnv(t *testing.T) {
	requireUnix(t)
	s := NewSandboxRunner(SandboxConfig{})

	args, _ := json.Marshal(map[string]any{
		"shell": true,
		"args":  []string{"-"},
		"env":   map[string]string{"GREETING": "hi"},
		"stdin": `printf "%s" "$GREETING"`,
	})
	out := s.Run(context.Background(), sandboxTask("t1", "sh"), schema.CapabilityStandard, args)

	result := sandboxResult(t, out)
	assert.Equal(t, "hi", result["stdout_raw"])
}

func TestSandbox_NonzeroExitFails(t *testing.T) {
	requireUnix(t)
	s := NewSandboxRunner(SandboxConfig{})

	args, _ := json.Marshal(map[string]any{"args": []string{"-c", "exit 3"}})
	out := s.Run(context.Background(), sandboxTask("t1", "sh"), schema.CapabilityStandard, args)

	assert.Equal(t, schema.OutcomeFailed, out.State)
	require.NotNil(t, out.Error)
	assert.Equal(t, schema.ErrCodeExecution, out.Error.Code)
	assert.Equal(t, 3, out.Error.Details["exit_code"])
}

func TestSandbox_MissingCommandFails(t *testing.T) {
	s := NewSandboxRunner(SandboxConfig{})

	out := s.Run(context.Background(), sandboxTask("t1", "definitely-not-a-command-xyz"),
		schema.CapabilityStandard, nil)

	assert.Equal(t, schema.OutcomeFailed, out.State)
	assert.Equal(t, schema.ErrCodeExecution, out.Error.Code)
}

func TestSandbox_EmptyEntryFails(t *testing.T) {
	s := NewSandboxRunner(SandboxConfig{})

	out := s.Run(context.Background(), sandboxTask("t1", ""), schema.CapabilityStandard, nil)

	assert.Equal(t, schema.OutcomeFailed, out.State)
	assert.Equal(t, schema.ErrCodeValidation, out.Error.Code)
}

func TestSandbox_TimeoutKills(t *testing.T) {
	requireUnix(t)
	policy := isolation.DefaultPolicy()
	policy.Profiles[schema.CapabilityStandard] = isolation.LimitProfile{
		Timeout:      "100ms",
		AllowNetwork: true,
	}
	s := NewSandboxRunner(SandboxConfig{Policy: policy})

	args, _ := json.Marshal(map[string]any{"args": []string{"5"}})
	start := time.Now()
	out := s.Run(context.Background(), sandboxTask("t1", "sleep"), schema.CapabilityStandard, args)

	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Equal(t, schema.OutcomeFailed, out.State)
	assert.Equal(t, schema.ErrCodeTimeout, out.Error.Code)
}

func TestSandbox_NetworkDeniedEscalates(t *testing.T) {
	// read_only profile denies network in the default policy.
	s := NewSandboxRunner(SandboxConfig{})

	args, _ := json.Marshal(map[string]any{"network": true})
	out := s.Run(context.Background(), sandboxTask("t1", "curl"), schema.CapabilityReadOnly, args)

	assert.Equal(t, schema.OutcomeEscalated, out.State)
	require.NotNil(t, out.Escalation)
	assert.Equal(t, schema.CapabilityReadOnly, out.Escalation.Granted)
	assert.Equal(t, schema.CapabilityStandard, out.Escalation.Requested)
	assert.Equal(t, isolation.OpNetOutbound, out.Escalation.Operation)
}

func TestSandbox_DeniedCwdEscalates(t *testing.T) {
	requireUnix(t)
	allowed := t.TempDir()
	forbidden := t.TempDir()
	policy := isolation.DefaultPolicy()
	policy.Profiles[schema.CapabilityReadOnly] = isolation.LimitProfile{
		Timeout:       "10s",
		ReadOnlyPaths: []string{allowed},
	}
	s := NewSandboxRunner(SandboxConfig{Policy: policy})

	args, _ := json.Marshal(map[string]any{"args": []string{"ok"}, "cwd": forbidden})
	out := s.Run(context.Background(), sandboxTask("t1", "echo"), schema.CapabilityReadOnly, args)

	assert.Equal(t, schema.OutcomeEscalated, out.State)
	require.NotNil(t, out.Escalation)
	// fs.read maps at read_only in the policy, so the runner asks for the
	// next level whose profile may allow the path.
	assert.Equal(t, schema.CapabilityStandard, out.Escalation.Requested)
	assert.NotEmpty(t, out.Escalation.Failure)
}

func TestSandbox_TaskTimeoutCannotWidenProfile(t *testing.T) {
	requireUnix(t)
	policy := isolation.DefaultPolicy()
	policy.Profiles[schema.CapabilityStandard] = isolation.LimitProfile{
		Timeout:      "100ms",
		AllowNetwork: true,
	}
	s := NewSandboxRunner(SandboxConfig{Policy: policy})

	args, _ := json.Marshal(map[string]any{"args": []string{"5"}, "timeout": "1h"})
	out := s.Run(context.Background(), sandboxTask("t1", "sleep"), schema.CapabilityStandard, args)

	assert.Equal(t, schema.OutcomeFailed, out.State)
	assert.Equal(t, schema.ErrCodeTimeout, out.Error.Code)
}
