package marketmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// AUDITOR TESTS
// =============================================================================

func TestAuditorDisabledPassesEverything(t *testing.T) {
	clock := &staticClock{round: 5}
	a := newTestAgent("firm", 0, clock, nil, TradeLoggingOff)
	a.books.GivenOffers["o-1"] = &Offer{ID: "o-1", Good: "BRD", MadeRound: 0}

	auditor := NewAuditor(false, clock)

	assert.False(t, auditor.Enabled())
	assert.NoError(t, auditor.CheckRoundEnd(a.id, a.books, a.mailbox))
}

func TestAuditorCleanStatePasses(t *testing.T) {
	clock := &staticClock{round: 5}
	a := newTestAgent("firm", 0, clock, nil, TradeLoggingOff)
	auditor := NewAuditor(true, clock)

	assert.NoError(t, auditor.CheckRoundEnd(a.id, a.books, a.mailbox))
}

func TestAuditorStaleGivenOfferFails(t *testing.T) {
	// An offer made in an earlier round was never answered.
	clock := &staticClock{round: 5}
	a := newTestAgent("firm", 0, clock, nil, TradeLoggingOff)
	a.books.GivenOffers["o-1"] = &Offer{ID: "o-1", Sender: a.id, Good: "BRD",
		Quantity: 5, Price: 2, Status: OfferOpen, MadeRound: 4}

	auditor := NewAuditor(true, clock)
	err := auditor.CheckRoundEnd(a.id, a.books, a.mailbox)

	var unanswered *UnansweredOffersError
	require.ErrorAs(t, err, &unanswered)
	assert.Equal(t, a.id, unanswered.Agent)
	assert.Contains(t, err.Error(), "firm:0")
	assert.Contains(t, err.Error(), "o-1")
	assert.Contains(t, err.Error(), "BRD")
}

func TestAuditorCurrentRoundOfferPasses(t *testing.T) {
	// An offer made this round is not yet stale: the answer can only
	// arrive with the next delivery phase.
	clock := &staticClock{round: 5}
	a := newTestAgent("firm", 0, clock, nil, TradeLoggingOff)
	a.books.GivenOffers["o-1"] = &Offer{ID: "o-1", Good: "BRD", Status: OfferOpen, MadeRound: 5}

	auditor := NewAuditor(true, clock)

	assert.NoError(t, auditor.CheckRoundEnd(a.id, a.books, a.mailbox))
}

func TestAuditorUnretrievedOffersFail(t *testing.T) {
	// Offers were delivered but the agent never took them.
	clock := &staticClock{round: 5}
	a := newTestAgent("household", 1, clock, nil, TradeLoggingOff)
	a.books.OpenBuyOffers.Insert(&Offer{ID: "o-7", Sender: AgentID{Group: "firm", Num: 0},
		Receiver: a.id, Good: "BRD", Quantity: 5, Price: 2, Status: OfferOpen, MadeRound: 5})

	auditor := NewAuditor(true, clock)
	err := auditor.CheckRoundEnd(a.id, a.books, a.mailbox)

	var unretrieved *UnretrievedOffersError
	require.ErrorAs(t, err, &unretrieved)
	assert.Equal(t, a.id, unretrieved.Agent)
	assert.Contains(t, err.Error(), "household:1")
	assert.Contains(t, err.Error(), "o-7")
}

func TestAuditorUnretrievedSellOffersFail(t *testing.T) {
	clock := &staticClock{round: 5}
	a := newTestAgent("household", 1, clock, nil, TradeLoggingOff)
	a.books.OpenSellOffers.Insert(&Offer{ID: "o-8", Good: "MLK", Sell: true, Status: OfferOpen, MadeRound: 5})

	auditor := NewAuditor(true, clock)
	err := auditor.CheckRoundEnd(a.id, a.books, a.mailbox)

	var unretrieved *UnretrievedOffersError
	assert.ErrorAs(t, err, &unretrieved)
}

func TestAuditorUnreadMessagesFail(t *testing.T) {
	// Envelopes left in the topic queues at round end are lost messages.
	clock := &staticClock{round: 5}
	a := newTestAgent("household", 1, clock, nil, TradeLoggingOff)
	sender := AgentID{Group: "firm", Num: 0}
	a.mailbox.Deposit("news", NewEnvelope(sender, a.id, "news", "rates up"))
	require.NoError(t, a.dispatcher.Clear(a.mailbox))

	auditor := NewAuditor(true, clock)
	err := auditor.CheckRoundEnd(a.id, a.books, a.mailbox)

	var unread *UnreadMessagesError
	require.ErrorAs(t, err, &unread)
	assert.Equal(t, a.id, unread.Agent)
	assert.Contains(t, err.Error(), "news")
	assert.Contains(t, err.Error(), "rates up")
}

func TestAuditorPassesAfterRetrieval(t *testing.T) {
	// Reading the messages clears the violation.
	clock := &staticClock{round: 5}
	a := newTestAgent("household", 1, clock, nil, TradeLoggingOff)
	sender := AgentID{Group: "firm", Num: 0}
	a.mailbox.Deposit("news", NewEnvelope(sender, a.id, "news", "rates up"))
	require.NoError(t, a.dispatcher.Clear(a.mailbox))
	a.mailbox.Messages("news")

	auditor := NewAuditor(true, clock)

	assert.NoError(t, auditor.CheckRoundEnd(a.id, a.books, a.mailbox))
}

func TestAuditorIdentifiesTheRightAgent(t *testing.T) {
	// Only the agent holding the violation is reported.
	clock := &staticClock{round: 3}
	clean := newTestAgent("firm", 0, clock, nil, TradeLoggingOff)
	dirty := newTestAgent("firm", 1, clock, nil, TradeLoggingOff)
	dirty.books.GivenOffers["o-1"] = &Offer{ID: "o-1", Good: "BRD", Status: OfferOpen, MadeRound: 1}

	auditor := NewAuditor(true, clock)

	assert.NoError(t, auditor.CheckRoundEnd(clean.id, clean.books, clean.mailbox))
	err := auditor.CheckRoundEnd(dirty.id, dirty.books, dirty.mailbox)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "firm:1")
	assert.NotContains(t, err.Error(), "firm:0")
}
