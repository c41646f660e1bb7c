package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agorasim-collective/marketcore/marketmsg"
)

// =============================================================================
// Round Clock
// =============================================================================

// Clock is the authoritative round counter. The scheduler advances it at the
// end of every round; everything else only reads it.
type Clock struct {
	mu    sync.RWMutex
	round int
}

var _ marketmsg.RoundClock = (*Clock)(nil)

// NewClock creates a clock at round zero.
func NewClock() *Clock {
	return &Clock{}
}

// Round returns the current round (thread-safe).
func (c *Clock) Round() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.round
}

// Advance moves to the next round and returns it.
func (c *Clock) Advance() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.round++
	return c.round
}

// =============================================================================
// Scheduler Configuration
// =============================================================================

// SchedulerConfig configures the scheduler.
type SchedulerConfig struct {
	// EnableAudit turns on the end-of-round lost-message checks.
	EnableAudit bool `json:"enable_audit"`
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		EnableAudit: true,
	}
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler is the central coordinator of the round lockstep. It composes
// the clock, the mailbox registry, the router and the auditor, and tracks
// membership through agent control blocks.
//
// Usage:
//
//	sched := NewScheduler(logger, nil)
//
//	// Register agents
//	acb, err := sched.Join(trader)
//
//	// Drive one step
//	sched.ActionPhase()     // behaviors run between these calls
//	err = sched.DeliveryPhase()
//	err = sched.ClearingPhase()
//
//	// Close the round
//	round, err := sched.EndRound()
type Scheduler struct {
	config *SchedulerConfig
	logger marketmsg.Logger

	// Subsystems
	clock    *Clock
	registry *marketmsg.Registry
	router   *marketmsg.Router
	auditor  *marketmsg.Auditor

	// Membership
	agents  map[marketmsg.AgentID]*AgentControlBlock
	agentMu sync.RWMutex

	// Phase tracking
	phase   RoundPhase
	phaseMu sync.RWMutex

	// Event listeners
	eventHandlers []SimEventHandler
	eventMu       sync.RWMutex

	startedAt time.Time
}

// SimEventHandler handles simulation events.
type SimEventHandler func(*SimEvent)

// NewScheduler creates a new scheduler with the given configuration.
func NewScheduler(logger marketmsg.Logger, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if logger == nil {
		logger = marketmsg.NoOpLogger{}
	}

	clock := NewClock()
	registry := marketmsg.NewRegistry()

	s := &Scheduler{
		config:        config,
		logger:        logger,
		clock:         clock,
		registry:      registry,
		router:        marketmsg.NewRouter(registry, logger),
		auditor:       marketmsg.NewAuditor(config.EnableAudit, clock),
		agents:        make(map[marketmsg.AgentID]*AgentControlBlock),
		phase:         PhaseAction,
		eventHandlers: []SimEventHandler{},
		startedAt:     time.Now().UTC(),
	}

	logger.Info("scheduler_initialized", "audit", config.EnableAudit)
	return s
}

// =============================================================================
// Subsystem Access
// =============================================================================

// Clock returns the authoritative round clock.
func (s *Scheduler) Clock() *Clock {
	return s.clock
}

// Router returns the delivery router.
func (s *Scheduler) Router() *marketmsg.Router {
	return s.router
}

// Registry returns the mailbox registry.
func (s *Scheduler) Registry() *marketmsg.Registry {
	return s.registry
}

// Auditor returns the lost-message auditor.
func (s *Scheduler) Auditor() *marketmsg.Auditor {
	return s.auditor
}

// Phase returns the phase the scheduler is currently in.
func (s *Scheduler) Phase() RoundPhase {
	s.phaseMu.RLock()
	defer s.phaseMu.RUnlock()
	return s.phase
}

// BeginPhase marks the phase the engine is entering. The sequential phase
// methods call it themselves; partitioned runs drive the phases externally
// and mark them through here.
func (s *Scheduler) BeginPhase(p RoundPhase) {
	s.phaseMu.Lock()
	s.phase = p
	s.phaseMu.Unlock()
}

// =============================================================================
// Membership
// =============================================================================

// Join registers an agent. Its mailbox becomes routable immediately;
// the agent first acts in the current round.
func (s *Scheduler) Join(agent Agent) (*AgentControlBlock, error) {
	if err := s.registry.Register(agent.Mailbox()); err != nil {
		return nil, err
	}

	round := s.clock.Round()
	acb := NewAgentControlBlock(agent, round)

	s.agentMu.Lock()
	s.agents[acb.ID] = acb
	s.agentMu.Unlock()

	s.Emit(AgentJoinedEvent(acb.ID, round))
	s.logger.Info("agent_joined", "agent", acb.ID.String(), "round", round)
	return acb, nil
}

// Leave removes an agent. Its mailbox stops being routable: messages sent to
// it afterwards fail delivery.
func (s *Scheduler) Leave(id marketmsg.AgentID) error {
	s.agentMu.Lock()
	acb, ok := s.agents[id]
	if !ok || !acb.Participates() {
		s.agentMu.Unlock()
		return fmt.Errorf("unknown agent: %s", id)
	}
	round := s.clock.Round()
	acb.MarkLeft(round)
	s.agentMu.Unlock()

	s.registry.Deregister(id)

	s.Emit(AgentLeftEvent(id, round))
	s.logger.Info("agent_left", "agent", id.String(), "round", round)
	return nil
}

// Agent returns the control block for an identity.
func (s *Scheduler) Agent(id marketmsg.AgentID) (*AgentControlBlock, bool) {
	s.agentMu.RLock()
	defer s.agentMu.RUnlock()
	acb, ok := s.agents[id]
	return acb, ok
}

// ListAgents returns all control blocks, including left agents, sorted by
// group then number.
func (s *Scheduler) ListAgents() []*AgentControlBlock {
	s.agentMu.RLock()
	blocks := make([]*AgentControlBlock, 0, len(s.agents))
	for _, acb := range s.agents {
		blocks = append(blocks, acb)
	}
	s.agentMu.RUnlock()

	sort.Slice(blocks, func(i, j int) bool {
		if blocks[i].ID.Group != blocks[j].ID.Group {
			return blocks[i].ID.Group < blocks[j].ID.Group
		}
		return blocks[i].ID.Num < blocks[j].ID.Num
	})
	return blocks
}

// Participants returns the agents taking part in round phases, in stable
// identity order.
func (s *Scheduler) Participants() []Agent {
	agents := []Agent{}
	for _, acb := range s.ListAgents() {
		if acb.Participates() {
			agents = append(agents, acb.Agent)
		}
	}
	return agents
}

// Count returns the number of participating agents.
func (s *Scheduler) Count() int {
	s.agentMu.RLock()
	defer s.agentMu.RUnlock()
	n := 0
	for _, acb := range s.agents {
		if acb.Participates() {
			n++
		}
	}
	return n
}

// =============================================================================
// Round Phases
// =============================================================================

// ActionPhase marks the start of a step's action phase and activates every
// joined agent. Behaviors run between this call and DeliveryPhase.
func (s *Scheduler) ActionPhase() {
	s.BeginPhase(PhaseAction)

	s.agentMu.Lock()
	for _, acb := range s.agents {
		acb.Activate()
	}
	s.agentMu.Unlock()
}

// DeliveryPhase flushes every outbox into receiver inboxes. A delivery to an
// unregistered identity is fatal.
func (s *Scheduler) DeliveryPhase() error {
	s.BeginPhase(PhaseDelivery)
	return s.router.DeliverAll()
}

// ClearingPhase folds every participant's inbox into its books, in stable
// identity order. The first protocol violation aborts the phase.
func (s *Scheduler) ClearingPhase() error {
	s.BeginPhase(PhaseClearing)

	for _, acb := range s.ListAgents() {
		if !acb.Participates() {
			continue
		}
		if err := s.ClearAgent(acb.ID); err != nil {
			return err
		}
	}
	return nil
}

// ClearAgent folds one participant's inbox into its books, with violation
// bookkeeping. Partition workers call this concurrently for distinct agents;
// the same agent must never be cleared from two goroutines.
func (s *Scheduler) ClearAgent(id marketmsg.AgentID) error {
	s.agentMu.RLock()
	acb, ok := s.agents[id]
	s.agentMu.RUnlock()
	if !ok || !acb.Participates() {
		return fmt.Errorf("unknown agent: %s", id)
	}

	if err := acb.Agent.ClearInbox(); err != nil {
		s.Emit(ProtocolViolationEvent(acb.ID, s.clock.Round(), err))
		s.logger.Error("clearing_failed",
			"agent", acb.ID.String(),
			"round", s.clock.Round(),
			"error", err.Error(),
		)
		return err
	}
	acb.ClearedSteps++
	return nil
}

// EndRound audits every participant, closes the round and advances the
// clock. Returns the new round. An audit violation is fatal and leaves the
// clock untouched.
func (s *Scheduler) EndRound() (int, error) {
	s.BeginPhase(PhaseAudit)
	round := s.clock.Round()

	for _, acb := range s.ListAgents() {
		if !acb.Participates() {
			continue
		}
		if err := s.auditor.CheckRoundEnd(acb.ID, acb.Agent.Books(), acb.Agent.Mailbox()); err != nil {
			s.Emit(AuditFailedEvent(acb.ID, round, err))
			s.logger.Error("audit_failed",
				"agent", acb.ID.String(),
				"round", round,
				"error", err.Error(),
			)
			return round, err
		}
	}

	s.Emit(RoundEndedEvent(round, s.Count()))
	next := s.clock.Advance()
	s.BeginPhase(PhaseAction)
	s.Emit(RoundStartedEvent(next))

	s.logger.Debug("round_advanced", "round", next, "agents", s.Count())
	return next, nil
}

// =============================================================================
// Event System
// =============================================================================

// OnEvent registers an event handler.
func (s *Scheduler) OnEvent(handler SimEventHandler) {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()
	s.eventHandlers = append(s.eventHandlers, handler)
}

// Emit publishes an event to every registered handler. The scheduler emits
// its own lifecycle events through here; run drivers emit run-scoped ones.
func (s *Scheduler) Emit(event *SimEvent) {
	s.eventMu.RLock()
	handlers := make([]SimEventHandler, len(s.eventHandlers))
	copy(handlers, s.eventHandlers)
	s.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// =============================================================================
// System Status
// =============================================================================

// Status returns overall engine status.
func (s *Scheduler) Status() map[string]any {
	s.agentMu.RLock()
	byState := map[string]int{}
	inbox, outbox, topics := 0, 0, 0
	for _, acb := range s.agents {
		byState[string(acb.State)]++
		if acb.Participates() {
			inbox += acb.Agent.Mailbox().InboxSize()
			outbox += acb.Agent.Mailbox().OutboxSize()
			topics += len(acb.Agent.Mailbox().QueuedTopics())
		}
	}
	total := len(s.agents)
	s.agentMu.RUnlock()

	return map[string]any{
		"round": s.clock.Round(),
		"phase": string(s.Phase()),
		"audit": s.auditor.Enabled(),
		"agents": map[string]any{
			"total":    total,
			"by_state": byState,
		},
		"mail": map[string]any{
			"inbox_entries":  inbox,
			"outbox_entries": outbox,
			"queued_topics":  topics,
		},
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	}
}

// =============================================================================
// Shutdown
// =============================================================================

// ShutdownError aggregates multiple errors that occurred during shutdown.
type ShutdownError struct {
	Errors []error
}

// Error returns a string representation of the shutdown errors.
func (e *ShutdownError) Error() string {
	if len(e.Errors) == 0 {
		return "shutdown completed with no errors"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("shutdown error: %v", e.Errors[0])
	}
	return fmt.Sprintf("shutdown completed with %d errors", len(e.Errors))
}

// Unwrap returns the first error for compatibility with errors.Is/As.
func (e *ShutdownError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Shutdown removes every agent from the engine. Returns a ShutdownError if
// any removal failed or the context was cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.logger.Info("scheduler_shutdown_initiated", "agents", s.Count())

	var errs []error
	for _, acb := range s.ListAgents() {
		select {
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("shutdown cancelled: %w", ctx.Err()))
			return &ShutdownError{Errors: errs}
		default:
		}

		if !acb.Participates() {
			continue
		}
		if err := s.Leave(acb.ID); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", acb.ID, err))
			s.logger.Warn("shutdown_leave_failed",
				"agent", acb.ID.String(),
				"error", err.Error(),
			)
		}
	}

	s.logger.Info("scheduler_shutdown_completed", "errors", len(errs))

	if len(errs) > 0 {
		return &ShutdownError{Errors: errs}
	}
	return nil
}
