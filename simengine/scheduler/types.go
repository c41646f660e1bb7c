// Package scheduler implements the round lockstep of the simulation engine.
//
// The scheduler owns the authoritative round clock and drives each round
// through its phases. Agents act only during the action phase; messages move
// only during the delivery phase; books change only during the clearing
// phase. The audit phase runs the lost-message checks before the clock
// advances.
//
// Key concepts:
//   - RoundPhase: the phases of one simulation step
//   - AgentControlBlock: the scheduler's view of one registered agent
//   - SimEvent: lifecycle events emitted at phase boundaries
package scheduler

import (
	"time"

	"github.com/agorasim-collective/marketcore/marketmsg"
)

// =============================================================================
// Round Phases
// =============================================================================

// RoundPhase represents one phase of a simulation step.
// Phase order within a step:
//
//	ACTION -> DELIVERY -> CLEARING -> (next step's ACTION)
//
// AUDIT runs once at the end of a round, after the last step's clearing and
// before the clock advances.
type RoundPhase string

const (
	// PhaseAction is when agent behaviors run and queue messages.
	PhaseAction RoundPhase = "action"
	// PhaseDelivery is when outboxes flush into receiver inboxes.
	PhaseDelivery RoundPhase = "delivery"
	// PhaseClearing is when each agent folds its inbox into its books.
	PhaseClearing RoundPhase = "clearing"
	// PhaseAudit is the end-of-round lost-message check.
	PhaseAudit RoundPhase = "audit"
)

// Next returns the phase that follows within a step.
func (p RoundPhase) Next() RoundPhase {
	switch p {
	case PhaseAction:
		return PhaseDelivery
	case PhaseDelivery:
		return PhaseClearing
	default:
		return PhaseAction
	}
}

// Valid reports whether the phase is one of the defined four.
func (p RoundPhase) Valid() bool {
	switch p {
	case PhaseAction, PhaseDelivery, PhaseClearing, PhaseAudit:
		return true
	default:
		return false
	}
}

// =============================================================================
// Agent States
// =============================================================================

// AgentState represents the lifecycle state of a registered agent.
// State transitions:
//
//	JOINED -> ACTIVE -> LEFT
type AgentState string

const (
	// AgentStateJoined indicates the agent is registered but has not acted.
	AgentStateJoined AgentState = "joined"
	// AgentStateActive indicates the agent participates in rounds.
	AgentStateActive AgentState = "active"
	// AgentStateLeft indicates the agent was removed; its mailbox is gone.
	AgentStateLeft AgentState = "left"
)

// Participates reports whether the agent takes part in round phases.
func (s AgentState) Participates() bool {
	return s == AgentStateJoined || s == AgentStateActive
}

// =============================================================================
// Agents
// =============================================================================

// Agent is the scheduler's view of one simulation participant. The trading
// aggregate satisfies it.
type Agent interface {
	// ID returns the agent's identity.
	ID() marketmsg.AgentID

	// Mailbox returns the agent's mailbox for delivery and auditing.
	Mailbox() *marketmsg.Mailbox

	// Books returns the agent's market books for auditing.
	Books() *marketmsg.MarketBooks

	// ClearInbox folds delivered messages into the books. Called once per
	// step during the clearing phase.
	ClearInbox() error
}

// AgentControlBlock is the scheduler's metadata about one registered agent.
// The agent's market state lives in its books; this tracks membership and
// participation.
type AgentControlBlock struct {
	// Identity
	ID marketmsg.AgentID `json:"id"`

	// Agent is the participant itself.
	Agent Agent `json:"-"`

	// State
	State AgentState `json:"state"`

	// Membership rounds
	JoinedRound int  `json:"joined_round"`
	LeftRound   *int `json:"left_round,omitempty"`

	// ClearedSteps counts completed clearing passes.
	ClearedSteps int `json:"cleared_steps"`
}

// NewAgentControlBlock creates a control block in JOINED state.
func NewAgentControlBlock(agent Agent, round int) *AgentControlBlock {
	return &AgentControlBlock{
		ID:          agent.ID(),
		Agent:       agent,
		State:       AgentStateJoined,
		JoinedRound: round,
	}
}

// Activate transitions the agent to ACTIVE.
func (acb *AgentControlBlock) Activate() {
	if acb.State == AgentStateJoined {
		acb.State = AgentStateActive
	}
}

// MarkLeft transitions the agent to LEFT in the given round.
func (acb *AgentControlBlock) MarkLeft(round int) {
	acb.State = AgentStateLeft
	acb.LeftRound = &round
}

// Participates reports whether the agent takes part in round phases.
func (acb *AgentControlBlock) Participates() bool {
	return acb.State.Participates()
}

// =============================================================================
// Simulation Events
// =============================================================================

// SimEventType represents types of simulation lifecycle events.
type SimEventType string

const (
	SimEventRoundStarted      SimEventType = "round.started"
	SimEventRoundEnded        SimEventType = "round.ended"
	SimEventAgentJoined       SimEventType = "agent.joined"
	SimEventAgentLeft         SimEventType = "agent.left"
	SimEventProtocolViolation SimEventType = "protocol.violation"
	SimEventAuditFailed       SimEventType = "audit.failed"
	SimEventRunCompleted      SimEventType = "run.completed"
)

// SimEvent represents an event emitted by the scheduler at phase and
// membership boundaries. These are engine-level events, not agent messages.
type SimEvent struct {
	EventType SimEventType   `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Round     int            `json:"round"`
	AgentID   string         `json:"agent_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewSimEvent creates a new simulation event.
func NewSimEvent(eventType SimEventType, round int) *SimEvent {
	return &SimEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Round:     round,
	}
}

// RoundStartedEvent creates a round.started event.
func RoundStartedEvent(round int) *SimEvent {
	return NewSimEvent(SimEventRoundStarted, round)
}

// RoundEndedEvent creates a round.ended event.
func RoundEndedEvent(round, agents int) *SimEvent {
	evt := NewSimEvent(SimEventRoundEnded, round)
	evt.Data = map[string]any{
		"agents": agents,
	}
	return evt
}

// AgentJoinedEvent creates an agent.joined event.
func AgentJoinedEvent(id marketmsg.AgentID, round int) *SimEvent {
	evt := NewSimEvent(SimEventAgentJoined, round)
	evt.AgentID = id.String()
	return evt
}

// AgentLeftEvent creates an agent.left event.
func AgentLeftEvent(id marketmsg.AgentID, round int) *SimEvent {
	evt := NewSimEvent(SimEventAgentLeft, round)
	evt.AgentID = id.String()
	return evt
}

// ProtocolViolationEvent creates a protocol.violation event for a fatal
// clearing failure.
func ProtocolViolationEvent(id marketmsg.AgentID, round int, err error) *SimEvent {
	evt := NewSimEvent(SimEventProtocolViolation, round)
	evt.AgentID = id.String()
	evt.Data = map[string]any{
		"error": err.Error(),
	}
	return evt
}

// AuditFailedEvent creates an audit.failed event for a fatal end-of-round
// check.
func AuditFailedEvent(id marketmsg.AgentID, round int, err error) *SimEvent {
	evt := NewSimEvent(SimEventAuditFailed, round)
	evt.AgentID = id.String()
	evt.Data = map[string]any{
		"error": err.Error(),
	}
	return evt
}

// RunCompletedEvent creates a run.completed event.
func RunCompletedEvent(rounds int) *SimEvent {
	evt := NewSimEvent(SimEventRunCompleted, rounds)
	evt.Data = map[string]any{
		"rounds": rounds,
	}
	return evt
}
