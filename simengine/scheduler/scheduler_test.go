package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agorasim-collective/marketcore/marketmsg"
	"github.com/agorasim-collective/marketcore/simengine/trading"
)

// =============================================================================
// Test Agents
// =============================================================================

// stubAgent is a minimal Agent whose clearing can be poisoned.
type stubAgent struct {
	id       marketmsg.AgentID
	mailbox  *marketmsg.Mailbox
	books    *marketmsg.MarketBooks
	clearErr error
}

func newStubAgent(group string, num int) *stubAgent {
	id := marketmsg.AgentID{Group: group, Num: num}
	return &stubAgent{
		id:      id,
		mailbox: marketmsg.NewMailbox(id, nil),
		books:   marketmsg.NewMarketBooks(),
	}
}

func (a *stubAgent) ID() marketmsg.AgentID         { return a.id }
func (a *stubAgent) Mailbox() *marketmsg.Mailbox   { return a.mailbox }
func (a *stubAgent) Books() *marketmsg.MarketBooks { return a.books }
func (a *stubAgent) ClearInbox() error             { return a.clearErr }

var _ Agent = (*stubAgent)(nil)

func newTrader(t *testing.T, s *Scheduler, group string, num int) *trading.Trader {
	t.Helper()
	trader, err := trading.NewTrader(group, num, s.Clock(), trading.Options{Seed: 1})
	require.NoError(t, err)
	return trader
}

// eventCollector records emitted events thread-safely.
type eventCollector struct {
	mu     sync.Mutex
	events []*SimEvent
}

func (c *eventCollector) handler(evt *SimEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *eventCollector) types() []SimEventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SimEventType, 0, len(c.events))
	for _, evt := range c.events {
		out = append(out, evt.EventType)
	}
	return out
}

// =============================================================================
// Clock Tests
// =============================================================================

func TestClockAdvance(t *testing.T) {
	clock := NewClock()
	assert.Equal(t, 0, clock.Round())
	assert.Equal(t, 1, clock.Advance())
	assert.Equal(t, 2, clock.Advance())
	assert.Equal(t, 2, clock.Round())
}

// =============================================================================
// Phase Tests
// =============================================================================

func TestRoundPhaseNext(t *testing.T) {
	assert.Equal(t, PhaseDelivery, PhaseAction.Next())
	assert.Equal(t, PhaseClearing, PhaseDelivery.Next())
	assert.Equal(t, PhaseAction, PhaseClearing.Next())
	assert.Equal(t, PhaseAction, PhaseAudit.Next())
}

func TestRoundPhaseValid(t *testing.T) {
	assert.True(t, PhaseAction.Valid())
	assert.True(t, PhaseAudit.Valid())
	assert.False(t, RoundPhase("lunch").Valid())
}

// =============================================================================
// Membership Tests
// =============================================================================

func TestNewSchedulerDefaults(t *testing.T) {
	s := NewScheduler(nil, nil)

	assert.True(t, s.Auditor().Enabled())
	assert.Equal(t, PhaseAction, s.Phase())
	assert.Equal(t, 0, s.Count())
	assert.Equal(t, 0, s.Clock().Round())
}

func TestJoinRegistersMailbox(t *testing.T) {
	s := NewScheduler(nil, nil)
	trader := newTrader(t, s, "firm", 0)

	acb, err := s.Join(trader)
	require.NoError(t, err)
	assert.Equal(t, AgentStateJoined, acb.State)
	assert.Equal(t, 0, acb.JoinedRound)

	_, ok := s.Registry().Lookup(trader.ID())
	assert.True(t, ok)

	// The same identity cannot join twice.
	var dup *marketmsg.DuplicateAgentError
	_, err = s.Join(trader)
	require.ErrorAs(t, err, &dup)
}

func TestLeaveDeregisters(t *testing.T) {
	s := NewScheduler(nil, nil)
	trader := newTrader(t, s, "firm", 0)
	_, err := s.Join(trader)
	require.NoError(t, err)

	require.NoError(t, s.Leave(trader.ID()))
	assert.Equal(t, 0, s.Count())

	acb, ok := s.Agent(trader.ID())
	require.True(t, ok)
	assert.Equal(t, AgentStateLeft, acb.State)
	require.NotNil(t, acb.LeftRound)
	assert.Equal(t, 0, *acb.LeftRound)

	// Leaving twice and leaving strangers both fail.
	assert.Error(t, s.Leave(trader.ID()))
	assert.Error(t, s.Leave(marketmsg.AgentID{Group: "ghost", Num: 9}))
}

func TestParticipantsSorted(t *testing.T) {
	s := NewScheduler(nil, nil)
	for _, id := range []marketmsg.AgentID{
		{Group: "household", Num: 2},
		{Group: "firm", Num: 1},
		{Group: "firm", Num: 0},
	} {
		_, err := s.Join(newStubAgent(id.Group, id.Num))
		require.NoError(t, err)
	}

	got := []marketmsg.AgentID{}
	for _, agent := range s.Participants() {
		got = append(got, agent.ID())
	}
	assert.Equal(t, []marketmsg.AgentID{
		{Group: "firm", Num: 0},
		{Group: "firm", Num: 1},
		{Group: "household", Num: 2},
	}, got)
}

// =============================================================================
// Round Flow Tests
// =============================================================================

func TestFullRoundFlow(t *testing.T) {
	// A complete trade inside one audited round: offer out in step one,
	// answer back in step two, audit passes, clock advances.
	s := NewScheduler(nil, nil)
	seller := newTrader(t, s, "firm", 0)
	buyer := newTrader(t, s, "household", 1)
	_, err := s.Join(seller)
	require.NoError(t, err)
	_, err = s.Join(buyer)
	require.NoError(t, err)

	require.NoError(t, seller.Create("BRD", 5))
	require.NoError(t, buyer.Create(marketmsg.MoneyGood, 10))

	// Step one: the offer is made and lands in the buyer's books.
	s.ActionPhase()
	_, err = seller.MakeSellOffer(buyer.ID(), "BRD", 5, 2)
	require.NoError(t, err)
	require.NoError(t, s.DeliveryPhase())
	require.NoError(t, s.ClearingPhase())

	// Step two: the buyer answers and the seller settles.
	s.ActionPhase()
	offers := buyer.TakeOffers("BRD")
	require.Len(t, offers, 1)
	_, err = buyer.AcceptOffer(offers[0], 5)
	require.NoError(t, err)
	require.NoError(t, s.DeliveryPhase())
	require.NoError(t, s.ClearingPhase())

	round, err := s.EndRound()
	require.NoError(t, err)
	assert.Equal(t, 1, round)
	assert.Equal(t, 10.0, seller.Possession(marketmsg.MoneyGood))
	assert.Equal(t, 5.0, buyer.Possession("BRD"))

	acb, _ := s.Agent(seller.ID())
	assert.Equal(t, AgentStateActive, acb.State)
	assert.Equal(t, 2, acb.ClearedSteps)
}

func TestDeliveryToLeftAgentFails(t *testing.T) {
	s := NewScheduler(nil, nil)
	sender := newTrader(t, s, "firm", 0)
	gone := newTrader(t, s, "household", 1)
	_, err := s.Join(sender)
	require.NoError(t, err)
	_, err = s.Join(gone)
	require.NoError(t, err)
	require.NoError(t, s.Leave(gone.ID()))

	sender.Send(gone.ID(), "hello", "anyone there?")

	var unknown *marketmsg.UnknownReceiverError
	require.ErrorAs(t, s.DeliveryPhase(), &unknown)
}

func TestClearingFailureEmitsViolation(t *testing.T) {
	s := NewScheduler(nil, nil)
	collector := &eventCollector{}
	s.OnEvent(collector.handler)

	poisoned := newStubAgent("firm", 0)
	poisoned.clearErr = errors.New("boom")
	_, err := s.Join(poisoned)
	require.NoError(t, err)

	require.Error(t, s.ClearingPhase())
	assert.Contains(t, collector.types(), SimEventProtocolViolation)
}

func TestClearAgent(t *testing.T) {
	s := NewScheduler(nil, nil)
	agent := newStubAgent("firm", 0)
	_, err := s.Join(agent)
	require.NoError(t, err)

	require.NoError(t, s.ClearAgent(agent.ID()))
	acb, _ := s.Agent(agent.ID())
	assert.Equal(t, 1, acb.ClearedSteps)

	assert.Error(t, s.ClearAgent(marketmsg.AgentID{Group: "ghost", Num: 9}))

	agent.clearErr = errors.New("boom")
	assert.Error(t, s.ClearAgent(agent.ID()))
	assert.Equal(t, 1, acb.ClearedSteps)
}

func TestEndRoundAuditFailure(t *testing.T) {
	// An unread ordinary message fails the audit and the clock stands still.
	s := NewScheduler(nil, nil)
	collector := &eventCollector{}
	s.OnEvent(collector.handler)

	sender := newTrader(t, s, "firm", 0)
	silent := newTrader(t, s, "household", 1)
	_, err := s.Join(sender)
	require.NoError(t, err)
	_, err = s.Join(silent)
	require.NoError(t, err)

	sender.Send(silent.ID(), "news", "unheeded")
	require.NoError(t, s.DeliveryPhase())
	require.NoError(t, s.ClearingPhase())

	var unread *marketmsg.UnreadMessagesError
	_, err = s.EndRound()
	require.ErrorAs(t, err, &unread)
	assert.Equal(t, silent.ID(), unread.Agent)
	assert.Equal(t, 0, s.Clock().Round())
	assert.Contains(t, collector.types(), SimEventAuditFailed)
}

func TestEndRoundAuditDisabled(t *testing.T) {
	s := NewScheduler(nil, &SchedulerConfig{EnableAudit: false})
	sender := newTrader(t, s, "firm", 0)
	silent := newTrader(t, s, "household", 1)
	_, err := s.Join(sender)
	require.NoError(t, err)
	_, err = s.Join(silent)
	require.NoError(t, err)

	sender.Send(silent.ID(), "news", "unheeded")
	require.NoError(t, s.DeliveryPhase())
	require.NoError(t, s.ClearingPhase())

	round, err := s.EndRound()
	require.NoError(t, err)
	assert.Equal(t, 1, round)
}

func TestEventSequence(t *testing.T) {
	s := NewScheduler(nil, nil)
	collector := &eventCollector{}
	s.OnEvent(collector.handler)

	trader := newTrader(t, s, "firm", 0)
	_, err := s.Join(trader)
	require.NoError(t, err)
	_, err = s.EndRound()
	require.NoError(t, err)
	require.NoError(t, s.Leave(trader.ID()))

	assert.Equal(t, []SimEventType{
		SimEventAgentJoined,
		SimEventRoundEnded,
		SimEventRoundStarted,
		SimEventAgentLeft,
	}, collector.types())
}

// =============================================================================
// Status and Shutdown Tests
// =============================================================================

func TestStatus(t *testing.T) {
	s := NewScheduler(nil, nil)
	_, err := s.Join(newStubAgent("firm", 0))
	require.NoError(t, err)
	_, err = s.Join(newStubAgent("firm", 1))
	require.NoError(t, err)
	require.NoError(t, s.Leave(marketmsg.AgentID{Group: "firm", Num: 1}))

	status := s.Status()
	assert.Equal(t, 0, status["round"])
	assert.Equal(t, "action", status["phase"])
	assert.Equal(t, true, status["audit"])

	agents, ok := status["agents"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 2, agents["total"])
	byState, ok := agents["by_state"].(map[string]int)
	require.True(t, ok)
	assert.Equal(t, 1, byState[string(AgentStateJoined)])
	assert.Equal(t, 1, byState[string(AgentStateLeft)])
}

func TestShutdownRemovesEveryone(t *testing.T) {
	s := NewScheduler(nil, nil)
	for i := 0; i < 3; i++ {
		_, err := s.Join(newStubAgent("firm", i))
		require.NoError(t, err)
	}

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, 0, s.Count())
}

func TestShutdownCancelled(t *testing.T) {
	s := NewScheduler(nil, nil)
	_, err := s.Join(newStubAgent("firm", 0))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var shutdownErr *ShutdownError
	require.ErrorAs(t, s.Shutdown(ctx), &shutdownErr)
	assert.ErrorIs(t, shutdownErr, context.Canceled)
}
