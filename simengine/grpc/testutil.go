// Package grpc shared test utilities. Test helpers belong in the package
// they serve, following the stdlib pattern (net/http/httptest).
package grpc

import (
	"github.com/agorasim-collective/marketcore/marketmsg"
	"github.com/agorasim-collective/marketcore/simengine/scheduler"
)

// =============================================================================
// LOGGER MOCKS
// =============================================================================

// MockLogger captures log messages for assertions.
type MockLogger struct {
	debugCalls []string
	infoCalls  []string
	warnCalls  []string
	errorCalls []string
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.debugCalls = append(m.debugCalls, msg)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.infoCalls = append(m.infoCalls, msg)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.warnCalls = append(m.warnCalls, msg)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.errorCalls = append(m.errorCalls, msg)
}

// Bind returns the same logger; bound fields are not tracked.
func (m *MockLogger) Bind(fields ...any) marketmsg.Logger { return m }

// TestLogger captures log calls with their structured fields.
type TestLogger struct {
	debugCalls []map[string]any
	infoCalls  []map[string]any
	warnCalls  []map[string]any
	errorCalls []map[string]any
}

func (l *TestLogger) Debug(msg string, keysAndValues ...any) {
	l.debugCalls = append(l.debugCalls, toMap(msg, keysAndValues))
}

func (l *TestLogger) Info(msg string, keysAndValues ...any) {
	l.infoCalls = append(l.infoCalls, toMap(msg, keysAndValues))
}

func (l *TestLogger) Warn(msg string, keysAndValues ...any) {
	l.warnCalls = append(l.warnCalls, toMap(msg, keysAndValues))
}

func (l *TestLogger) Error(msg string, keysAndValues ...any) {
	l.errorCalls = append(l.errorCalls, toMap(msg, keysAndValues))
}

// Bind returns the same logger; bound fields are not tracked.
func (l *TestLogger) Bind(fields ...any) marketmsg.Logger { return l }

var (
	_ marketmsg.Logger = (*MockLogger)(nil)
	_ marketmsg.Logger = (*TestLogger)(nil)
)

// toMap converts key-value pairs to a map for structured assertions.
func toMap(msg string, keysAndValues []any) map[string]any {
	m := map[string]any{"msg": msg}
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			m[key] = keysAndValues[i+1]
		}
	}
	return m
}

// =============================================================================
// TEST SERVER FACTORIES
// =============================================================================

// CreateTestControlServer creates a ControlServer over a fresh scheduler.
func CreateTestControlServer() (*ControlServer, *MockLogger, *scheduler.Scheduler) {
	logger := &MockLogger{}
	sched := scheduler.NewScheduler(nil, nil)
	server := NewControlServer(sched, logger)
	return server, logger, sched
}
