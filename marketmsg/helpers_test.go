package marketmsg

import (
	"encoding/json"
	"sync"
)

// Shared test doubles for the package tests. The simengine/testutil mocks
// import this package, so the doubles here stay local to avoid a cycle.

type staticClock struct {
	round int
}

func (c *staticClock) Round() int { return c.round }

type tradeRecord struct {
	Round    int
	Good     string
	Quantity float64
	Price    float64
	Buyer    string
	Seller   string
}

type recordingTrades struct {
	mu     sync.Mutex
	trades []tradeRecord
}

func (r *recordingTrades) RecordTrade(round int, good string, quantity, price float64, buyer, seller string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, tradeRecord{
		Round:    round,
		Good:     good,
		Quantity: quantity,
		Price:    price,
		Buyer:    buyer,
		Seller:   seller,
	})
}

func (r *recordingTrades) Trades() []tradeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]tradeRecord, len(r.trades))
	copy(out, r.trades)
	return out
}

type logEntry struct {
	Level   string
	Message string
	Args    []any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) record(level, msg string, args []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{Level: level, Message: msg, Args: args})
}

func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args) }
func (l *captureLogger) Bind(args ...any) Logger       { return l }

func (l *captureLogger) messages(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.entries {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

// jsonRoundTrip pushes a state dict through a real encode/decode cycle so
// tests exercise the decoded (float64/[]any) form.
func jsonRoundTrip(state map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// testAgent bundles the per-agent pieces most protocol tests need.
type testAgent struct {
	id         AgentID
	mailbox    *Mailbox
	books      *MarketBooks
	dispatcher *Dispatcher
}

func newTestAgent(group string, num int, clock RoundClock, trades TradeRecorder, level TradeLogging) *testAgent {
	id := AgentID{Group: group, Num: num}
	books := NewMarketBooks()
	return &testAgent{
		id:         id,
		mailbox:    NewMailboxSeeded(id, int64(num)+1, NoOpLogger{}),
		books:      books,
		dispatcher: NewDispatcher(id, clock, books, NoOpLogger{}, trades, level),
	}
}
