// Package marketmsg provides the inter-agent messaging and transaction
// protocol layer for round-synchronous economic simulations.
//
// This package defines the CANONICAL protocols for the messaging plane.
// Engine components depend on these protocols, not implementations.
//
// Protocol Categories:
//   - Messaging Protocols: Messenger, RoundClock
//   - Delivery Protocols: DeliveryMiddleware
//   - Reporting Protocols: Logger, TradeRecorder
//
// Agents run in lockstep rounds. During a round an agent only accumulates
// outgoing deliveries; between rounds the router moves them into recipient
// inboxes; at the next round boundary each agent's clearing pass folds
// protocol messages into its market books and files ordinary messages by
// topic. Nothing in this package blocks and nothing is shared between two
// agents except through the router.
package marketmsg

// =============================================================================
// CANONICAL ENUMS
// =============================================================================

// TradeLogging selects the verbosity at which cleared trades are recorded.
type TradeLogging string

const (
	// TradeLoggingOff disables trade recording entirely.
	TradeLoggingOff TradeLogging = "off"
	// TradeLoggingGroup records trades under group names only.
	TradeLoggingGroup TradeLogging = "group"
	// TradeLoggingIndividual records trades under full agent identities.
	TradeLoggingIndividual TradeLogging = "individual"
)

// Enabled reports whether any trade recording happens at this level.
func (t TradeLogging) Enabled() bool {
	return t == TradeLoggingGroup || t == TradeLoggingIndividual
}

// Valid reports whether the value is one of the known levels.
func (t TradeLogging) Valid() bool {
	switch t {
	case TradeLoggingOff, TradeLoggingGroup, TradeLoggingIndividual:
		return true
	default:
		return false
	}
}

// =============================================================================
// MESSAGING PROTOCOLS
// =============================================================================

// Messenger is the protocol for the agent-facing messaging surface.
// A Mailbox implements it directly; agent aggregates implement it by
// delegating to the mailbox they compose.
type Messenger interface {
	// Send queues an ordinary message for delivery at the next round
	// boundary. It never fails: receiver existence is checked at delivery
	// time, not send time.
	Send(receiver AgentID, topic string, content any)

	// Messages returns every envelope queued under topic in a uniform
	// random permutation and removes the topic from the queue map.
	// A second call in the same round returns an empty slice.
	Messages(topic string) []Envelope

	// AllMessages returns every queued topic, each independently permuted,
	// and leaves the queue map empty.
	AllMessages() map[string][]Envelope
}

// RoundClock exposes the current simulation round.
// The scheduler owns the authoritative counter; mailbox and clearing code
// only ever read it.
type RoundClock interface {
	Round() int
}

// =============================================================================
// DELIVERY PROTOCOLS
// =============================================================================

// DeliveryMiddleware intercepts deliveries as the router moves them from an
// outbox into a recipient inbox. Used for logging and telemetry.
type DeliveryMiddleware interface {
	// Before is called before the delivery is appended to the recipient
	// inbox. It may return a modified delivery. A non-nil error aborts the
	// delivery pass.
	Before(delivery Delivery) (Delivery, error)

	// After is called once the delivery has been appended (err == nil) or
	// rejected (err != nil).
	After(delivery Delivery, err error)
}

// =============================================================================
// REPORTING PROTOCOLS
// =============================================================================

// Logger is the canonical protocol for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Bind(args ...any) Logger
}

// TradeRecorder receives cleared trades at the verbosity chosen by the
// dispatcher. Buyer and seller are group names at group verbosity and full
// group:num identities at individual verbosity.
type TradeRecorder interface {
	RecordTrade(round int, good string, quantity, price float64, buyer, seller string)
}

// NoOpLogger is a Logger that discards everything. Useful as a default.
type NoOpLogger struct{}

// Debug implements Logger.
func (NoOpLogger) Debug(msg string, args ...any) {}

// Info implements Logger.
func (NoOpLogger) Info(msg string, args ...any) {}

// Warn implements Logger.
func (NoOpLogger) Warn(msg string, args ...any) {}

// Error implements Logger.
func (NoOpLogger) Error(msg string, args ...any) {}

// Bind implements Logger.
func (n NoOpLogger) Bind(args ...any) Logger { return n }

// LogTradeRecorder writes trades to a Logger at info level.
type LogTradeRecorder struct {
	logger Logger
}

// NewLogTradeRecorder creates a TradeRecorder backed by the given logger.
func NewLogTradeRecorder(logger Logger) *LogTradeRecorder {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &LogTradeRecorder{logger: logger}
}

// RecordTrade implements TradeRecorder.
func (r *LogTradeRecorder) RecordTrade(round int, good string, quantity, price float64, buyer, seller string) {
	r.logger.Info("trade_cleared",
		"round", round,
		"good", good,
		"quantity", quantity,
		"price", price,
		"buyer", buyer,
		"seller", seller,
	)
}
