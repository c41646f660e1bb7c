package grpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// LOGGER DOUBLE TESTS
// =============================================================================

func TestMockLoggerBind(t *testing.T) {
	logger := &MockLogger{}

	bound := logger.Bind("agent", "firm:0")
	bound.Info("agent_joined")
	bound.Error("agent_rejected")

	// Bound loggers record into the same double, so assertions written
	// against the original see everything logged downstream.
	assert.Equal(t, []string{"agent_joined"}, logger.infoCalls)
	assert.Equal(t, []string{"agent_rejected"}, logger.errorCalls)
}

func TestTestLoggerBind(t *testing.T) {
	logger := &TestLogger{}

	bound := logger.Bind("agent", "firm:0")
	bound.Debug("inbox_cleared", "round", 3)
	bound.Warn("slow_round")

	require.Len(t, logger.debugCalls, 1)
	assert.Equal(t, "inbox_cleared", logger.debugCalls[0]["msg"])
	assert.Equal(t, 3, logger.debugCalls[0]["round"])
	require.Len(t, logger.warnCalls, 1)
	assert.Equal(t, "slow_round", logger.warnCalls[0]["msg"])
}
