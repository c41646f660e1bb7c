// Package testutil provides shared test doubles for the simulation engine.
//
// All doubles in this package satisfy the protocol interfaces in marketmsg,
// so engine components can be tested in isolation without a running
// scheduler.
package testutil

import (
	"sync"

	"github.com/agorasim-collective/marketcore/marketmsg"
)

// =============================================================================
// CLOCKS
// =============================================================================

// StaticClock is a RoundClock pinned to a fixed round.
type StaticClock struct {
	// CurrentRound is the round reported by Round.
	CurrentRound int
}

// NewStaticClock creates a clock pinned to round.
func NewStaticClock(round int) *StaticClock {
	return &StaticClock{CurrentRound: round}
}

// Round implements marketmsg.RoundClock.
func (c *StaticClock) Round() int {
	return c.CurrentRound
}

// StepClock is a RoundClock that tests advance by hand.
type StepClock struct {
	mu           sync.Mutex
	currentRound int
}

// NewStepClock creates a clock starting at round zero.
func NewStepClock() *StepClock {
	return &StepClock{}
}

// Round implements marketmsg.RoundClock (thread-safe).
func (c *StepClock) Round() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentRound
}

// Advance moves the clock forward one round and returns the new round.
func (c *StepClock) Advance() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentRound++
	return c.currentRound
}

// Set pins the clock to a specific round.
func (c *StepClock) Set(round int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentRound = round
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements marketmsg.Logger and captures entries for assertion.
type MockLogger struct {
	// Logs captures all log entries.
	Logs []LogEntry

	mu sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{Logs: make([]LogEntry, 0)}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

// Bind returns the same logger; bound fields are not tracked.
func (m *MockLogger) Bind(fields ...any) marketmsg.Logger {
	return m
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := make(map[string]any)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	m.Logs = append(m.Logs, LogEntry{Level: level, Message: msg, Fields: fields})
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]LogEntry, len(m.Logs))
	copy(copied, m.Logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, log := range m.Logs {
		if log.Level == level && log.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured logs.
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = nil
}

// =============================================================================
// RECORDING TRADE RECORDER
// =============================================================================

// RecordingTradeRecorder implements marketmsg.TradeRecorder and captures
// trades for assertion.
type RecordingTradeRecorder struct {
	// Trades captures all recorded trades.
	Trades []TradeRecord

	mu sync.Mutex
}

// TradeRecord represents one captured trade.
type TradeRecord struct {
	Round    int
	Good     string
	Quantity float64
	Price    float64
	Buyer    string
	Seller   string
}

// NewRecordingTradeRecorder creates a RecordingTradeRecorder.
func NewRecordingTradeRecorder() *RecordingTradeRecorder {
	return &RecordingTradeRecorder{Trades: make([]TradeRecord, 0)}
}

// RecordTrade implements marketmsg.TradeRecorder (thread-safe).
func (r *RecordingTradeRecorder) RecordTrade(round int, good string, quantity, price float64, buyer, seller string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Trades = append(r.Trades, TradeRecord{
		Round:    round,
		Good:     good,
		Quantity: quantity,
		Price:    price,
		Buyer:    buyer,
		Seller:   seller,
	})
}

// GetTrades returns captured trades (thread-safe).
func (r *RecordingTradeRecorder) GetTrades() []TradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := make([]TradeRecord, len(r.Trades))
	copy(copied, r.Trades)
	return copied
}

// Count returns the number of captured trades (thread-safe).
func (r *RecordingTradeRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Trades)
}

// Reset clears captured trades.
func (r *RecordingTradeRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Trades = nil
}

// =============================================================================
// PAYLOAD BUILDERS
// =============================================================================

// NewID creates an agent identity.
func NewID(group string, num int) marketmsg.AgentID {
	return marketmsg.AgentID{Group: group, Num: num}
}

// NewTestOffer creates an open offer with fixed test terms: four units of
// "cookies" at 1.5 each.
func NewTestOffer(id string, sender, receiver marketmsg.AgentID, sell bool) marketmsg.Offer {
	return marketmsg.Offer{
		ID:       id,
		Sender:   sender,
		Receiver: receiver,
		Good:     "cookies",
		Quantity: 4,
		Price:    1.5,
		Currency: marketmsg.MoneyGood,
		Sell:     sell,
		Status:   marketmsg.OfferOpen,
	}
}

// NewTestContract creates a contract with fixed test terms: two units of
// "milk" at 3 each per round, running five rounds from round zero.
func NewTestContract(id string, sender, receiver, payer marketmsg.AgentID) marketmsg.Contract {
	return marketmsg.Contract{
		ID:       id,
		Sender:   sender,
		Receiver: receiver,
		Good:     "milk",
		Quantity: 2,
		Price:    3,
		Payer:    payer,
		EndRound: 5,
	}
}
