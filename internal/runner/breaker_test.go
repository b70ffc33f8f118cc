package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/laminarhq/laminar/pkg/schema"
)

func TestBreaker_StartsClosedAllowsRequests(t *testing.T) {
	cbr := NewBreakerRegistry(DefaultBreakerConfig())
	err := cbr.AllowRequest("test_tool")
	assert.NoError(t, err)
	assert.Equal(t, CircuitClosed, cbr.GetState("test_tool"))
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
		HalfOpenMax:      1,
	}
	cbr := NewBreakerRegistry(cfg)

	// Record 2 failures — still closed.
	cbr.RecordFailure("tool_x")
	cbr.RecordFailure("tool_x")
	assert.Equal(t, CircuitClosed, cbr.GetState("tool_x"))

	// 3rd failure — opens the circuit.
	state := cbr.RecordFailure("tool_x")
	assert.Equal(t, CircuitOpen, state)
	assert.Equal(t, CircuitOpen, cbr.GetState("tool_x"))

	// Requests should now be rejected.
	err := cbr.AllowRequest("tool_x")
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeExecution, engErr.Code)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         10 * time.Second,
		HalfOpenMax:      1,
	}
	cbr := NewBreakerRegistry(cfg)

	cbr.RecordFailure("tool_y")
	cbr.RecordFailure("tool_y")
	// 2 failures, then success resets.
	cbr.RecordSuccess("tool_y")
	assert.Equal(t, CircuitClosed, cbr.GetState("tool_y"))

	// Need 3 more failures to open.
	cbr.RecordFailure("tool_y")
	cbr.RecordFailure("tool_y")
	assert.Equal(t, CircuitClosed, cbr.GetState("tool_y"))

	cbr.RecordFailure("tool_y")
	assert.Equal(t, CircuitOpen, cbr.GetState("tool_y"))
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         50 * time.Millisecond,
		HalfOpenMax:      1,
	}
	cbr := NewBreakerRegistry(cfg)

	cbr.RecordFailure("tool_z")
	cbr.RecordFailure("tool_z")
	assert.Equal(t, CircuitOpen, cbr.GetState("tool_z"))

	// Wait for cooldown.
	time.Sleep(60 * time.Millisecond)

	// Should transition to half-open.
	assert.Equal(t, CircuitHalfOpen, cbr.GetState("tool_z"))

	// Allow one test request.
	err := cbr.AllowRequest("tool_z")
	assert.NoError(t, err)
}

func TestBreaker_HalfOpenToClosedOnSuccess(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         50 * time.Millisecond,
		HalfOpenMax:      1,
	}
	cbr := NewBreakerRegistry(cfg)

	// Open the circuit.
	cbr.RecordFailure("tool_hoc")
	cbr.RecordFailure("tool_hoc")
	assert.Equal(t, CircuitOpen, cbr.GetState("tool_hoc"))

	// Wait for cooldown → half-open.
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, CircuitHalfOpen, cbr.GetState("tool_hoc"))

	// Allow request and record success.
	err := cbr.AllowRequest("tool_hoc")
	assert.NoError(t, err)
	cbr.RecordSuccess("tool_hoc")

	// Should close.
	assert.Equal(t, CircuitClosed, cbr.GetState("tool_hoc"))
}

func TestBreaker_HalfOpenToOpenOnFailure(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         50 * time.Millisecond,
		HalfOpenMax:      1,
	}
	cbr := NewBreakerRegistry(cfg)

	// Open the circuit.
	cbr.RecordFailure("tool_hof")
	cbr.RecordFailure("tool_hof")

	// Wait for cooldown → half-open.
	time.Sleep(60 * time.Millisecond)
	err := cbr.AllowRequest("tool_hof")
	assert.NoError(t, err)

	// Failure in half-open reopens.
	state := cbr.RecordFailure("tool_hof")
	assert.Equal(t, CircuitOpen, state)
}

func TestBreaker_HalfOpenMaxRequests(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         50 * time.Millisecond,
		HalfOpenMax:      1,
	}
	cbr := NewBreakerRegistry(cfg)

	cbr.RecordFailure("tool_max")
	cbr.RecordFailure("tool_max")

	time.Sleep(60 * time.Millisecond)

	// First request in half-open is allowed.
	err := cbr.AllowRequest("tool_max")
	assert.NoError(t, err)

	// Second request in half-open is rejected (max reached).
	err = cbr.AllowRequest("tool_max")
	assert.Error(t, err)
}

func TestBreaker_PerToolIsolation(t *testing.T) {
	cfg := BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         10 * time.Second,
		HalfOpenMax:      1,
	}
	cbr := NewBreakerRegistry(cfg)

	// Open circuit for tool A.
	cbr.RecordFailure("tool_a")
	cbr.RecordFailure("tool_a")
	assert.Equal(t, CircuitOpen, cbr.GetState("tool_a"))

	// Tool B should still be closed.
	assert.Equal(t, CircuitClosed, cbr.GetState("tool_b"))
	err := cbr.AllowRequest("tool_b")
	assert.NoError(t, err)
}

func TestBreaker_GetStats(t *testing.T) {
	cbr := NewBreakerRegistry(DefaultBreakerConfig())
	cbr.RecordFailure("stats_tool")
	cbr.RecordFailure("stats_tool")

	stats := cbr.GetStats("stats_tool")
	assert.Equal(t, "stats_tool", stats["tool"])
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 2, stats["consecutive_failures"])
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
