package trading

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agorasim-collective/marketcore/marketmsg"
	"github.com/agorasim-collective/marketcore/simengine/testutil"
)

// =============================================================================
// FIXTURE
// =============================================================================

// fixture wires two traders through a router, the way one scheduler worker
// would during a round.
type fixture struct {
	clock  *testutil.StepClock
	trades *testutil.RecordingTradeRecorder
	router *marketmsg.Router
	seller *Trader
	buyer  *Trader
}

func newFixture(t *testing.T, seed int64, logging marketmsg.TradeLogging) *fixture {
	t.Helper()
	clock := testutil.NewStepClock()
	trades := testutil.NewRecordingTradeRecorder()
	opts := Options{Seed: seed, Trades: trades, TradeLogging: logging}

	seller, err := NewTrader("firm", 0, clock, opts)
	require.NoError(t, err)
	buyer, err := NewTrader("household", 1, clock, opts)
	require.NoError(t, err)

	registry := marketmsg.NewRegistry()
	require.NoError(t, registry.Register(seller.Mailbox()))
	require.NoError(t, registry.Register(buyer.Mailbox()))

	return &fixture{
		clock:  clock,
		trades: trades,
		router: marketmsg.NewRouter(registry, nil),
		seller: seller,
		buyer:  buyer,
	}
}

// exchange runs one delivery plus clearing pass for both traders.
func (f *fixture) exchange(t *testing.T) {
	t.Helper()
	require.NoError(t, f.router.DeliverAll())
	require.NoError(t, f.seller.ClearInbox())
	require.NoError(t, f.buyer.ClearInbox())
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNewTraderValidation(t *testing.T) {
	clock := testutil.NewStaticClock(0)

	_, err := NewTrader("", 0, clock, Options{})
	assert.Error(t, err)

	_, err = NewTrader("firm", -1, clock, Options{})
	assert.Error(t, err)

	_, err = NewTrader("firm", 0, nil, Options{})
	assert.Error(t, err)

	_, err = NewTrader("firm", 0, clock, Options{TradeLogging: "loud"})
	assert.Error(t, err)

	// Enabled trade logging needs a recorder.
	_, err = NewTrader("firm", 0, clock, Options{TradeLogging: marketmsg.TradeLoggingGroup})
	assert.Error(t, err)
}

func TestNewTraderDefaults(t *testing.T) {
	trader, err := NewTrader("firm", 3, testutil.NewStaticClock(0), Options{})
	require.NoError(t, err)

	assert.Equal(t, marketmsg.AgentID{Group: "firm", Num: 3}, trader.ID())
	assert.Equal(t, trader.ID(), trader.Mailbox().Owner())
	assert.Equal(t, 0.0, trader.Possession("anything"))
	assert.Empty(t, trader.Books().GivenOffers)
}

// =============================================================================
// MESSAGING
// =============================================================================

func TestSendAndMessagesAcrossTraders(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)

	f.seller.Send(f.buyer.ID(), "gossip", "prices are up")
	f.exchange(t)

	got := f.buyer.Messages("gossip")
	require.Len(t, got, 1)
	assert.Equal(t, f.seller.ID(), got[0].Sender)
	assert.Equal(t, "prices are up", got[0].Content)

	// Topic is gone after retrieval.
	assert.Empty(t, f.buyer.Messages("gossip"))
}

// =============================================================================
// INVENTORY
// =============================================================================

func TestCreateDestroyPossession(t *testing.T) {
	trader, err := NewTrader("firm", 0, testutil.NewStaticClock(0), Options{})
	require.NoError(t, err)

	require.NoError(t, trader.Create("cookies", 10))
	assert.Equal(t, 10.0, trader.Possession("cookies"))

	require.NoError(t, trader.Destroy("cookies", 4))
	assert.Equal(t, 6.0, trader.Possession("cookies"))

	assert.Error(t, trader.Create("cookies", -1))
	assert.Error(t, trader.Destroy("cookies", -1))

	var insufficient *marketmsg.InsufficientGoodsError
	require.ErrorAs(t, trader.Destroy("cookies", 7), &insufficient)
	assert.Equal(t, 6.0, trader.Possession("cookies"))

	assert.Equal(t, map[string]float64{"cookies": 6}, trader.Possessions())
}

// =============================================================================
// OFFERS
// =============================================================================

func TestMakeSellOfferReservesGood(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	require.NoError(t, f.seller.Create("BRD", 10))

	offer, err := f.seller.MakeSellOffer(f.buyer.ID(), "BRD", 6, 2)
	require.NoError(t, err)

	assert.Equal(t, 4.0, f.seller.Possession("BRD"))
	assert.True(t, offer.Sell)
	assert.Equal(t, marketmsg.OfferOpen, offer.Status)
	assert.Contains(t, f.seller.Books().GivenOffers, offer.ID)
	assert.Equal(t, 1, f.seller.Mailbox().OutboxSize())
}

func TestMakeSellOfferValidation(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	require.NoError(t, f.seller.Create("BRD", 10))

	_, err := f.seller.MakeSellOffer(f.buyer.ID(), "BRD", 0, 2)
	assert.Error(t, err)

	_, err = f.seller.MakeSellOffer(f.buyer.ID(), "BRD", 1, -2)
	assert.Error(t, err)

	// Shortage leaves the inventory untouched.
	var insufficient *marketmsg.InsufficientGoodsError
	_, err = f.seller.MakeSellOffer(f.buyer.ID(), "BRD", 11, 2)
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 10.0, f.seller.Possession("BRD"))
	assert.Empty(t, f.seller.Books().GivenOffers)
}

func TestMakeBuyOfferReservesMoney(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	require.NoError(t, f.buyer.Create(marketmsg.MoneyGood, 20))

	offer, err := f.buyer.MakeBuyOffer(f.seller.ID(), "BRD", 4, 2)
	require.NoError(t, err)

	assert.Equal(t, 12.0, f.buyer.Possession(marketmsg.MoneyGood))
	assert.False(t, offer.Sell)
	assert.Contains(t, f.buyer.Books().GivenOffers, offer.ID)
}

func TestTakeOffersEmptiesOpenBooks(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	require.NoError(t, f.seller.Create("BRD", 10))
	require.NoError(t, f.buyer.Create(marketmsg.MoneyGood, 20))

	_, err := f.seller.MakeSellOffer(f.buyer.ID(), "BRD", 2, 1)
	require.NoError(t, err)
	_, err = f.seller.MakeSellOffer(f.buyer.ID(), "BRD", 3, 1)
	require.NoError(t, err)
	_, err = f.buyer.MakeBuyOffer(f.seller.ID(), "BRD", 4, 2)
	require.NoError(t, err)
	f.exchange(t)

	taken := f.buyer.TakeOffers("BRD")
	assert.Len(t, taken, 2)
	assert.Empty(t, f.buyer.TakeOffers("BRD"))

	taken = f.seller.TakeOffers("BRD")
	assert.Len(t, taken, 1)
	assert.Equal(t, 0, f.seller.Books().OpenBuyOffers.Count())
}

func TestTakeOffersReproduciblePerSeed(t *testing.T) {
	// Offer IDs differ between runs, so compare by price, which tracks
	// creation order. Two identically seeded runs retrieve identically.
	prices := func() []float64 {
		f := newFixture(t, 99, marketmsg.TradeLoggingOff)
		require.NoError(t, f.seller.Create("BRD", 10))
		for i := 0; i < 5; i++ {
			_, err := f.seller.MakeSellOffer(f.buyer.ID(), "BRD", 1, float64(i+1))
			require.NoError(t, err)
		}
		f.exchange(t)

		out := []float64{}
		for _, offer := range f.buyer.TakeOffers("BRD") {
			out = append(out, offer.Price)
		}
		return out
	}

	first := prices()
	require.Len(t, first, 5)
	assert.Equal(t, first, prices())
}

func TestAcceptOfferSettlesBothSides(t *testing.T) {
	// Full loop: sell offer out, acceptance back, both inventories settled.
	f := newFixture(t, 7, marketmsg.TradeLoggingIndividual)
	require.NoError(t, f.seller.Create("BRD", 10))
	require.NoError(t, f.buyer.Create(marketmsg.MoneyGood, 20))

	_, err := f.seller.MakeSellOffer(f.buyer.ID(), "BRD", 5, 2)
	require.NoError(t, err)
	f.exchange(t)

	offers := f.buyer.TakeOffers("BRD")
	require.Len(t, offers, 1)
	answered, err := f.buyer.AcceptOffer(offers[0], 5)
	require.NoError(t, err)
	assert.Equal(t, marketmsg.OfferAccepted, answered.Status)
	assert.Equal(t, 5.0, answered.FinalQuantity)

	// Buyer settled immediately.
	assert.Equal(t, 5.0, f.buyer.Possession("BRD"))
	assert.Equal(t, 10.0, f.buyer.Possession(marketmsg.MoneyGood))

	// Seller settles when the acceptance arrives.
	f.exchange(t)
	assert.Equal(t, 10.0, f.seller.Possession(marketmsg.MoneyGood))
	assert.Equal(t, 5.0, f.seller.Possession("BRD"))
	assert.Empty(t, f.seller.Books().GivenOffers)

	// Exactly one trade, recorded on the offerer side at full identity.
	recorded := f.trades.GetTrades()
	require.Len(t, recorded, 1)
	assert.Equal(t, "BRD", recorded[0].Good)
	assert.Equal(t, 5.0, recorded[0].Quantity)
	assert.Equal(t, "household:1", recorded[0].Buyer)
	assert.Equal(t, "firm:0", recorded[0].Seller)
}

func TestAcceptOfferPartial(t *testing.T) {
	// Selling 5, buyer takes 2: seller gets money for 2 and 3 units back.
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	require.NoError(t, f.seller.Create("BRD", 5))
	require.NoError(t, f.buyer.Create(marketmsg.MoneyGood, 20))

	_, err := f.seller.MakeSellOffer(f.buyer.ID(), "BRD", 5, 2)
	require.NoError(t, err)
	f.exchange(t)

	offers := f.buyer.TakeOffers("BRD")
	require.Len(t, offers, 1)
	_, err = f.buyer.AcceptOffer(offers[0], 2)
	require.NoError(t, err)
	f.exchange(t)

	assert.Equal(t, 4.0, f.seller.Possession(marketmsg.MoneyGood))
	assert.Equal(t, 3.0, f.seller.Possession("BRD"))
	assert.Equal(t, 2.0, f.buyer.Possession("BRD"))
	assert.Equal(t, 16.0, f.buyer.Possession(marketmsg.MoneyGood))
}

func TestAcceptOfferValidation(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	offer := testutil.NewTestOffer("o-1", f.seller.ID(), f.buyer.ID(), true)

	_, err := f.buyer.AcceptOffer(offer, -1)
	assert.Error(t, err)

	_, err = f.buyer.AcceptOffer(offer, offer.Quantity+1)
	assert.Error(t, err)
}

func TestAcceptOfferZeroQuantityRejects(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	require.NoError(t, f.seller.Create("BRD", 5))

	made, err := f.seller.MakeSellOffer(f.buyer.ID(), "BRD", 5, 2)
	require.NoError(t, err)
	f.exchange(t)

	offers := f.buyer.TakeOffers("BRD")
	require.Len(t, offers, 1)
	answered, err := f.buyer.AcceptOffer(offers[0], 0)
	require.NoError(t, err)
	assert.Equal(t, marketmsg.OfferRejected, answered.Status)
	assert.Equal(t, 0.0, f.buyer.Possession("BRD"))

	// The offerer gets the full reservation back.
	f.exchange(t)
	assert.Equal(t, 5.0, f.seller.Possession("BRD"))
	assert.NotContains(t, f.seller.Books().GivenOffers, made.ID)
}

func TestAcceptOfferInsufficientFundsLeavesStateIntact(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	require.NoError(t, f.seller.Create("BRD", 5))

	_, err := f.seller.MakeSellOffer(f.buyer.ID(), "BRD", 5, 2)
	require.NoError(t, err)
	f.exchange(t)

	offers := f.buyer.TakeOffers("BRD")
	require.Len(t, offers, 1)

	var insufficient *marketmsg.InsufficientGoodsError
	_, err = f.buyer.AcceptOffer(offers[0], 5)
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 0.0, f.buyer.Possession("BRD"))
	assert.Equal(t, 0, f.buyer.Mailbox().OutboxSize())
}

func TestRejectOfferRefundsMaker(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	require.NoError(t, f.buyer.Create(marketmsg.MoneyGood, 8))

	made, err := f.buyer.MakeBuyOffer(f.seller.ID(), "BRD", 4, 2)
	require.NoError(t, err)
	assert.Equal(t, 0.0, f.buyer.Possession(marketmsg.MoneyGood))
	f.exchange(t)

	offers := f.seller.TakeOffers("BRD")
	require.Len(t, offers, 1)
	require.NoError(t, f.seller.RejectOffer(offers[0]))
	f.exchange(t)

	assert.Equal(t, 8.0, f.buyer.Possession(marketmsg.MoneyGood))
	assert.NotContains(t, f.buyer.Books().GivenOffers, made.ID)
	assert.Empty(t, f.trades.GetTrades())
}

// =============================================================================
// TRANSFERS AND QUOTES
// =============================================================================

func TestTransferMovesGoods(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	require.NoError(t, f.seller.Create("cookies", 10))

	require.NoError(t, f.seller.Transfer(f.buyer.ID(), "cookies", 3))
	assert.Equal(t, 7.0, f.seller.Possession("cookies"))

	f.exchange(t)
	assert.Equal(t, 3.0, f.buyer.Possession("cookies"))
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)

	assert.Error(t, f.seller.Transfer(f.buyer.ID(), "cookies", -1))

	var insufficient *marketmsg.InsufficientGoodsError
	require.ErrorAs(t, f.seller.Transfer(f.buyer.ID(), "cookies", 1), &insufficient)
	assert.Equal(t, 0, f.seller.Mailbox().OutboxSize())
}

func TestQuoteFlow(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)

	quote := f.seller.PostQuote(f.buyer.ID(), "BRD", 1.75, true)
	f.seller.PostQuote(f.buyer.ID(), "MLK", 0.5, false)
	f.exchange(t)

	got := f.buyer.TakeQuotes("BRD")
	require.Len(t, got, 1)
	assert.Equal(t, quote.ID, got[0].ID)
	assert.Equal(t, 1.75, got[0].Price)

	// Only the requested good is taken; the rest stays put.
	assert.Empty(t, f.buyer.TakeQuotes("BRD"))
	assert.Len(t, f.buyer.TakeQuotes("MLK"), 1)

	// Nothing was reserved for a quote.
	assert.Equal(t, 0.0, f.seller.Possession("BRD"))
}

// =============================================================================
// CONTRACTS
// =============================================================================

func TestContractLifecycle(t *testing.T) {
	// Propose, accept, pay, deliver: every leg settles on both sides.
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	require.NoError(t, f.seller.Create("MLK", 10))
	require.NoError(t, f.buyer.Create(marketmsg.MoneyGood, 50))

	proposed, err := f.seller.OfferContract(f.buyer.ID(), "MLK", 2, 3, 5, f.buyer.ID())
	require.NoError(t, err)
	assert.Contains(t, f.seller.Books().ContractOffersMade, proposed.ID)
	f.exchange(t)

	received := f.buyer.TakeContractOffers("MLK")
	require.Len(t, received, 1)
	accepted, err := f.buyer.AcceptContract(received[0])
	require.NoError(t, err)
	assert.Equal(t, 1, f.buyer.Books().ContractsPay.Count())
	f.exchange(t)

	// The proposer files its copy on the deliver track once accepted.
	assert.Empty(t, f.seller.Books().ContractOffersMade)
	assert.Equal(t, 1, f.seller.Books().ContractsDeliver.Count())

	// Payer pays: money moves now, arrives next exchange.
	require.NoError(t, f.buyer.PayContract(accepted))
	assert.Equal(t, 44.0, f.buyer.Possession(marketmsg.MoneyGood))
	f.exchange(t)
	assert.Equal(t, 6.0, f.seller.Possession(marketmsg.MoneyGood))

	held, ok := f.seller.Books().ContractsDeliver.Get("MLK", accepted.ID)
	require.True(t, ok)
	assert.NotEmpty(t, held.PaidRounds)

	// Deliverer delivers: goods move now, arrive next exchange.
	require.NoError(t, f.seller.DeliverContract(accepted))
	assert.Equal(t, 8.0, f.seller.Possession("MLK"))
	f.exchange(t)
	assert.Equal(t, 2.0, f.buyer.Possession("MLK"))

	paying, ok := f.buyer.Books().ContractsPay.Get("MLK", accepted.ID)
	require.True(t, ok)
	assert.NotEmpty(t, paying.DeliveredRounds)
	assert.NotEmpty(t, paying.PaidRounds)
}

func TestOfferContractValidation(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	stranger := testutil.NewID("bank", 9)

	_, err := f.seller.OfferContract(f.buyer.ID(), "MLK", 0, 3, 5, f.buyer.ID())
	assert.Error(t, err)

	_, err = f.seller.OfferContract(f.buyer.ID(), "MLK", 2, 3, 0, f.buyer.ID())
	assert.Error(t, err)

	// The payer must be one of the two parties.
	_, err = f.seller.OfferContract(f.buyer.ID(), "MLK", 2, 3, 5, stranger)
	assert.Error(t, err)
}

func TestOfferContractRoundStamps(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	f.clock.Set(4)

	contract, err := f.seller.OfferContract(f.buyer.ID(), "MLK", 2, 3, 5, f.seller.ID())
	require.NoError(t, err)
	assert.Equal(t, 4, contract.MadeRound)
	assert.Equal(t, 9, contract.EndRound)
}

func TestAcceptOwnContractFails(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	own := testutil.NewTestContract("c-1", f.seller.ID(), f.buyer.ID(), f.buyer.ID())

	_, err := f.seller.AcceptContract(own)
	assert.Error(t, err)
}

func TestPayContractRequiresHeldContract(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	ghost := testutil.NewTestContract("c-9", f.seller.ID(), f.buyer.ID(), f.buyer.ID())

	var unmatched *marketmsg.UnmatchedContractError
	assert.ErrorAs(t, f.buyer.PayContract(ghost), &unmatched)
	assert.ErrorAs(t, f.seller.DeliverContract(ghost), &unmatched)
}

func TestPayContractInsufficientMoney(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	contract := testutil.NewTestContract("c-1", f.seller.ID(), f.buyer.ID(), f.buyer.ID())
	held := contract
	f.buyer.Books().ContractsPay.Insert(&held)

	var insufficient *marketmsg.InsufficientGoodsError
	require.ErrorAs(t, f.buyer.PayContract(contract), &insufficient)
	assert.Empty(t, held.PaidRounds)
}

func TestDeliverContractInsufficientGoods(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	contract := testutil.NewTestContract("c-1", f.seller.ID(), f.buyer.ID(), f.buyer.ID())
	held := contract
	f.seller.Books().ContractsDeliver.Insert(&held)

	var insufficient *marketmsg.InsufficientGoodsError
	require.ErrorAs(t, f.seller.DeliverContract(contract), &insufficient)
	assert.Empty(t, held.DeliveredRounds)
}

func TestPayContractUsesBookTerms(t *testing.T) {
	// Terms come from the held copy, not from whatever the caller passes.
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	require.NoError(t, f.buyer.Create(marketmsg.MoneyGood, 10))
	contract := testutil.NewTestContract("c-1", f.seller.ID(), f.buyer.ID(), f.buyer.ID())
	held := contract
	f.buyer.Books().ContractsPay.Insert(&held)

	forged := contract
	forged.Price = 0
	require.NoError(t, f.buyer.PayContract(forged))
	assert.Equal(t, 4.0, f.buyer.Possession(marketmsg.MoneyGood))
}

func TestCancelContract(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	contract := testutil.NewTestContract("c-1", f.seller.ID(), f.buyer.ID(), f.buyer.ID())
	buyerCopy := contract
	sellerCopy := contract
	f.buyer.Books().ContractsPay.Insert(&buyerCopy)
	f.seller.Books().ContractsDeliver.Insert(&sellerCopy)

	require.NoError(t, f.buyer.CancelContract(contract))
	assert.Equal(t, 0, f.buyer.Books().ContractsPay.Count())

	f.exchange(t)
	assert.Equal(t, 0, f.seller.Books().ContractsDeliver.Count())
}

func TestCancelContractUnmatched(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	ghost := testutil.NewTestContract("c-9", f.seller.ID(), f.buyer.ID(), f.buyer.ID())

	var unmatched *marketmsg.UnmatchedContractError
	assert.ErrorAs(t, f.buyer.CancelContract(ghost), &unmatched)
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

func TestTraderStateDictRoundTrip(t *testing.T) {
	f := newFixture(t, 7, marketmsg.TradeLoggingOff)
	require.NoError(t, f.seller.Create("BRD", 10))
	made, err := f.seller.MakeSellOffer(f.buyer.ID(), "BRD", 2, 1)
	require.NoError(t, err)
	f.seller.Mailbox().Deposit("news", marketmsg.NewEnvelope(f.buyer.ID(), f.seller.ID(), "news", "hi"))

	state := f.seller.ToStateDict()
	data, err := json.Marshal(state)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))

	restored, err := TraderFromStateDict(decoded, f.clock, Options{Seed: 7})
	require.NoError(t, err)

	assert.Equal(t, f.seller.ID(), restored.ID())
	assert.Equal(t, 8.0, restored.Possession("BRD"))
	assert.Contains(t, restored.Books().GivenOffers, made.ID)
	assert.Equal(t, 1, restored.Mailbox().InboxSize())
}

func TestTraderFromStateDictRejectsGarbage(t *testing.T) {
	_, err := TraderFromStateDict(map[string]any{}, testutil.NewStaticClock(0), Options{})
	assert.Error(t, err)

	_, err = TraderFromStateDict(map[string]any{"id": 42}, testutil.NewStaticClock(0), Options{})
	assert.Error(t, err)
}
