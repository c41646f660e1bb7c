// Package trading provides the agent-side aggregate of the market protocol.
// A Trader owns one mailbox, one set of market books and one clearing
// dispatcher, and exposes the verbs agent behaviors call during their action
// step: making and answering offers, transfers, quotes, and the contract
// lifecycle.
//
// A Trader is confined to a single logical thread. Deliveries happen only at
// round boundaries, so none of the methods here lock.
package trading

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/agorasim-collective/marketcore/marketmsg"
)

// =============================================================================
// TRADER
// =============================================================================

// Trader is the trading aggregate for one agent identity.
type Trader struct {
	id      marketmsg.AgentID
	clock   marketmsg.RoundClock
	logger  marketmsg.Logger
	mailbox *marketmsg.Mailbox
	books   *marketmsg.MarketBooks
	clearer *marketmsg.Dispatcher
}

var _ marketmsg.Messenger = (*Trader)(nil)

// Options configures optional collaborators of a Trader.
type Options struct {
	// Seed is the simulation base seed. Each trader derives its own stream
	// from it, so retrieval order is reproducible per agent per seed.
	Seed int64

	// Logger receives structured protocol events. Defaults to a no-op.
	Logger marketmsg.Logger

	// Trades receives cleared trades when TradeLogging is enabled.
	Trades marketmsg.TradeRecorder

	// TradeLogging selects trade recording verbosity. Empty means off.
	TradeLogging marketmsg.TradeLogging
}

// NewTrader creates a trader for the identity (group, num).
func NewTrader(group string, num int, clock marketmsg.RoundClock, opts Options) (*Trader, error) {
	if group == "" {
		return nil, fmt.Errorf("trader group must not be empty")
	}
	if num < 0 {
		return nil, fmt.Errorf("trader number must not be negative, got %d", num)
	}
	if clock == nil {
		return nil, fmt.Errorf("trader '%s:%d' needs a round clock", group, num)
	}

	logging := opts.TradeLogging
	if logging == "" {
		logging = marketmsg.TradeLoggingOff
	}
	if !logging.Valid() {
		return nil, fmt.Errorf("trader '%s:%d' has unknown trade_logging %q", group, num, logging)
	}
	if logging.Enabled() && opts.Trades == nil {
		return nil, fmt.Errorf("trader '%s:%d' has trade_logging=%s but no trade recorder", group, num, logging)
	}

	id := marketmsg.AgentID{Group: group, Num: num}
	logger := opts.Logger
	if logger == nil {
		logger = marketmsg.NoOpLogger{}
	}
	logger = logger.Bind("agent", id.String())

	mailbox := marketmsg.NewMailboxSeeded(id, marketmsg.SeedFor(id, opts.Seed), logger)
	books := marketmsg.NewMarketBooks()

	return &Trader{
		id:      id,
		clock:   clock,
		logger:  logger,
		mailbox: mailbox,
		books:   books,
		clearer: marketmsg.NewDispatcher(id, clock, books, logger, opts.Trades, logging),
	}, nil
}

// ID returns the trader's identity.
func (t *Trader) ID() marketmsg.AgentID {
	return t.id
}

// Mailbox returns the trader's mailbox. The router and scheduler use it for
// delivery and auditing; behaviors should go through the trading verbs.
func (t *Trader) Mailbox() *marketmsg.Mailbox {
	return t.mailbox
}

// Books returns the trader's market books.
func (t *Trader) Books() *marketmsg.MarketBooks {
	return t.books
}

// =============================================================================
// MESSAGING
// =============================================================================

// Send queues an ordinary message for the receiver. It never fails.
func (t *Trader) Send(receiver marketmsg.AgentID, topic string, content any) {
	t.mailbox.Send(receiver, topic, content)
}

// Messages returns every message under topic in random order and drops the
// topic. A second call in the same round returns nothing.
func (t *Trader) Messages(topic string) []marketmsg.Envelope {
	return t.mailbox.Messages(topic)
}

// AllMessages returns every queued topic, each in random order, and leaves
// the queue empty.
func (t *Trader) AllMessages() map[string][]marketmsg.Envelope {
	return t.mailbox.AllMessages()
}

// ClearInbox folds every delivered entry into the trader's books. The
// scheduler calls it once per round after delivery; a protocol violation is
// fatal to the round.
func (t *Trader) ClearInbox() error {
	return t.clearer.Clear(t.mailbox)
}

// =============================================================================
// INVENTORY
// =============================================================================

// Possession returns the held quantity of one good.
func (t *Trader) Possession(good string) float64 {
	return t.books.Inventory.Quantity(good)
}

// Possessions returns a copy of all holdings.
func (t *Trader) Possessions() map[string]float64 {
	return t.books.Inventory.Haves()
}

// Create endows the trader with quantity units of good out of nothing.
func (t *Trader) Create(good string, quantity float64) error {
	if quantity < 0 {
		return fmt.Errorf("cannot create negative quantity %g of %s", quantity, good)
	}
	t.books.Inventory.Credit(good, quantity)
	return nil
}

// Destroy removes quantity units of good from the inventory.
func (t *Trader) Destroy(good string, quantity float64) error {
	if quantity < 0 {
		return fmt.Errorf("cannot destroy negative quantity %g of %s", quantity, good)
	}
	return t.books.Inventory.Debit(good, quantity)
}

// =============================================================================
// OFFERS
// =============================================================================

// MakeSellOffer offers to sell quantity units of good at price each. The
// goods are reserved immediately: they leave the inventory until the
// counterparty answers. Returns the offer sent.
func (t *Trader) MakeSellOffer(receiver marketmsg.AgentID, good string, quantity, price float64) (marketmsg.Offer, error) {
	if quantity <= 0 {
		return marketmsg.Offer{}, fmt.Errorf("sell offer quantity must be positive, got %g", quantity)
	}
	if price < 0 {
		return marketmsg.Offer{}, fmt.Errorf("sell offer price must not be negative, got %g", price)
	}
	if err := t.books.Inventory.Debit(good, quantity); err != nil {
		return marketmsg.Offer{}, err
	}

	offer := marketmsg.Offer{
		ID:        uuid.NewString(),
		Sender:    t.id,
		Receiver:  receiver,
		Good:      good,
		Quantity:  quantity,
		Price:     price,
		Currency:  marketmsg.MoneyGood,
		Sell:      true,
		Status:    marketmsg.OfferOpen,
		MadeRound: t.clock.Round(),
	}
	made := offer
	t.books.GivenOffers[offer.ID] = &made
	t.mailbox.Post(receiver, marketmsg.KindSellOffer, offer)

	t.logger.Debug("sell_offer_made",
		"offer_id", offer.ID,
		"receiver", receiver.String(),
		"good", good,
		"quantity", quantity,
		"price", price,
	)
	return offer, nil
}

// MakeBuyOffer offers to buy quantity units of good at price each. The money
// is reserved immediately. Returns the offer sent.
func (t *Trader) MakeBuyOffer(receiver marketmsg.AgentID, good string, quantity, price float64) (marketmsg.Offer, error) {
	if quantity <= 0 {
		return marketmsg.Offer{}, fmt.Errorf("buy offer quantity must be positive, got %g", quantity)
	}
	if price < 0 {
		return marketmsg.Offer{}, fmt.Errorf("buy offer price must not be negative, got %g", price)
	}
	if err := t.books.Inventory.Debit(marketmsg.MoneyGood, quantity*price); err != nil {
		return marketmsg.Offer{}, err
	}

	offer := marketmsg.Offer{
		ID:        uuid.NewString(),
		Sender:    t.id,
		Receiver:  receiver,
		Good:      good,
		Quantity:  quantity,
		Price:     price,
		Currency:  marketmsg.MoneyGood,
		Sell:      false,
		Status:    marketmsg.OfferOpen,
		MadeRound: t.clock.Round(),
	}
	made := offer
	t.books.GivenOffers[offer.ID] = &made
	t.mailbox.Post(receiver, marketmsg.KindBuyOffer, offer)

	t.logger.Debug("buy_offer_made",
		"offer_id", offer.ID,
		"receiver", receiver.String(),
		"good", good,
		"quantity", quantity,
		"price", price,
	)
	return offer, nil
}

// TakeOffers removes and returns all open buy and sell offers for one good,
// in a uniform random permutation. The caller owns the returned copies and
// must answer each with AcceptOffer or RejectOffer before the round ends.
func (t *Trader) TakeOffers(good string) []marketmsg.Offer {
	taken := append(t.books.OpenBuyOffers.TakeGood(good), t.books.OpenSellOffers.TakeGood(good)...)

	offers := make([]marketmsg.Offer, 0, len(taken))
	for _, offer := range taken {
		offers = append(offers, *offer)
	}
	// Canonical order first, so the seeded shuffle is the only randomness.
	sort.Slice(offers, func(i, j int) bool { return offers[i].ID < offers[j].ID })
	t.mailbox.Shuffle(len(offers), func(i, j int) {
		offers[i], offers[j] = offers[j], offers[i]
	})
	return offers
}

// AcceptOffer accepts quantity units of a taken offer, settles this side of
// the exchange and notifies the offerer. Partial quantities are allowed up
// to the offered amount; a zero quantity is a rejection. Returns the
// answered offer as sent back.
func (t *Trader) AcceptOffer(offer marketmsg.Offer, quantity float64) (marketmsg.Offer, error) {
	if quantity < 0 {
		return marketmsg.Offer{}, fmt.Errorf("accept quantity must not be negative, got %g", quantity)
	}
	if quantity > offer.Quantity {
		return marketmsg.Offer{}, fmt.Errorf("accept quantity %g exceeds offered %g of %s", quantity, offer.Quantity, offer.Good)
	}
	if quantity == 0 {
		err := t.RejectOffer(offer)
		offer.Status = marketmsg.OfferRejected
		offer.FinalQuantity = 0
		offer.StatusRound = t.clock.Round()
		return offer, err
	}

	if offer.Sell {
		// Counterparty sells: we pay and the good arrives.
		if err := t.books.Inventory.Debit(marketmsg.MoneyGood, quantity*offer.Price); err != nil {
			return marketmsg.Offer{}, err
		}
		t.books.Inventory.Credit(offer.Good, quantity)
	} else {
		// Counterparty buys: we deliver and the money arrives.
		if err := t.books.Inventory.Debit(offer.Good, quantity); err != nil {
			return marketmsg.Offer{}, err
		}
		t.books.Inventory.Credit(marketmsg.MoneyGood, quantity*offer.Price)
	}

	offer.Status = marketmsg.OfferAccepted
	offer.FinalQuantity = quantity
	offer.StatusRound = t.clock.Round()
	t.mailbox.Post(offer.Sender, marketmsg.KindOfferAccept, offer)

	t.logger.Debug("offer_accepted",
		"offer_id", offer.ID,
		"good", offer.Good,
		"quantity", quantity,
		"price", offer.Price,
	)
	return offer, nil
}

// RejectOffer declines a taken offer and notifies the offerer, whose
// reservation flows back on receipt. Rejecting is always possible.
func (t *Trader) RejectOffer(offer marketmsg.Offer) error {
	offer.Status = marketmsg.OfferRejected
	offer.FinalQuantity = 0
	offer.StatusRound = t.clock.Round()
	t.mailbox.Post(offer.Sender, marketmsg.KindOfferReject, offer)

	t.logger.Debug("offer_rejected", "offer_id", offer.ID, "good", offer.Good)
	return nil
}

// =============================================================================
// TRANSFERS AND QUOTES
// =============================================================================

// Transfer sends quantity units of good to the receiver unconditionally.
// The goods leave the inventory now and arrive with the next delivery.
func (t *Trader) Transfer(receiver marketmsg.AgentID, good string, quantity float64) error {
	if quantity < 0 {
		return fmt.Errorf("transfer quantity must not be negative, got %g", quantity)
	}
	if err := t.books.Inventory.Debit(good, quantity); err != nil {
		return err
	}
	t.mailbox.Post(receiver, marketmsg.KindTransfer, marketmsg.Transfer{Good: good, Quantity: quantity})

	t.logger.Debug("transfer_sent",
		"receiver", receiver.String(),
		"good", good,
		"quantity", quantity,
	)
	return nil
}

// PostQuote sends a non-binding price signal for good. Nothing is reserved
// and no answer is expected. Returns the quote sent.
func (t *Trader) PostQuote(receiver marketmsg.AgentID, good string, price float64, sell bool) marketmsg.Quote {
	quote := marketmsg.Quote{
		ID:     uuid.NewString(),
		Sender: t.id,
		Good:   good,
		Price:  price,
		Sell:   sell,
	}
	t.mailbox.Post(receiver, marketmsg.KindQuote, quote)
	return quote
}

// TakeQuotes removes and returns all received quotes for one good, in a
// uniform random permutation.
func (t *Trader) TakeQuotes(good string) []marketmsg.Quote {
	ids := make([]string, 0, len(t.books.Quotes))
	for id, quote := range t.books.Quotes {
		if quote.Good == good {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	quotes := make([]marketmsg.Quote, 0, len(ids))
	for _, id := range ids {
		quotes = append(quotes, t.books.Quotes[id])
		delete(t.books.Quotes, id)
	}
	t.mailbox.Shuffle(len(quotes), func(i, j int) {
		quotes[i], quotes[j] = quotes[j], quotes[i]
	})
	return quotes
}

// =============================================================================
// CONTRACTS
// =============================================================================

// OfferContract proposes a standing exchange of quantity units of good for
// quantity x price money each round, running for duration rounds. Payer
// names the side that pays; it must be this trader or the receiver. Nothing
// is reserved until fulfillment. Returns the proposal sent.
func (t *Trader) OfferContract(receiver marketmsg.AgentID, good string, quantity, price float64, duration int, payer marketmsg.AgentID) (marketmsg.Contract, error) {
	if quantity <= 0 {
		return marketmsg.Contract{}, fmt.Errorf("contract quantity must be positive, got %g", quantity)
	}
	if duration < 1 {
		return marketmsg.Contract{}, fmt.Errorf("contract duration must be at least one round, got %d", duration)
	}
	if payer != t.id && payer != receiver {
		return marketmsg.Contract{}, fmt.Errorf("contract payer %s is neither %s nor %s", payer, t.id, receiver)
	}

	contract := marketmsg.Contract{
		ID:        uuid.NewString(),
		Sender:    t.id,
		Receiver:  receiver,
		Good:      good,
		Quantity:  quantity,
		Price:     price,
		Payer:     payer,
		MadeRound: t.clock.Round(),
		EndRound:  t.clock.Round() + duration,
	}
	made := contract
	t.books.ContractOffersMade[contract.ID] = &made
	t.mailbox.Post(receiver, marketmsg.KindContractOffer, contract)

	t.logger.Debug("contract_offered",
		"contract_id", contract.ID,
		"receiver", receiver.String(),
		"good", good,
		"quantity", quantity,
		"price", price,
		"end_round", contract.EndRound,
	)
	return contract, nil
}

// TakeContractOffers removes and returns all contract proposals received for
// one good, in a uniform random permutation.
func (t *Trader) TakeContractOffers(good string) []marketmsg.Contract {
	received := t.books.ContractOffersReceived[good]
	delete(t.books.ContractOffersReceived, good)

	contracts := make([]marketmsg.Contract, 0, len(received))
	for _, contract := range received {
		contracts = append(contracts, *contract)
	}
	sort.Slice(contracts, func(i, j int) bool { return contracts[i].ID < contracts[j].ID })
	t.mailbox.Shuffle(len(contracts), func(i, j int) {
		contracts[i], contracts[j] = contracts[j], contracts[i]
	})
	return contracts
}

// AcceptContract accepts a taken contract proposal: the contract is filed
// under the track this trader holds and the proposer is notified. Returns
// the accepted contract.
func (t *Trader) AcceptContract(contract marketmsg.Contract) (marketmsg.Contract, error) {
	if contract.Sender == t.id {
		return marketmsg.Contract{}, fmt.Errorf("cannot accept own contract proposal %s", contract.ID)
	}

	accepted := contract
	t.books.TrackBook(contract.TrackFor(t.id)).Insert(&accepted)
	t.mailbox.Post(contract.Sender, marketmsg.KindContractAccept, contract)

	t.logger.Debug("contract_accepted",
		"contract_id", contract.ID,
		"good", contract.Good,
		"track", string(contract.TrackFor(t.id)),
	)
	return contract, nil
}

// PayContract makes this round's payment under an accepted contract this
// trader pays on. The money leaves the inventory now; the counterparty
// credits it on receipt. The contract terms come from the trader's own
// books, not from the argument.
func (t *Trader) PayContract(contract marketmsg.Contract) error {
	held, ok := t.books.ContractsPay.Get(contract.Good, contract.ID)
	if !ok {
		return marketmsg.NewUnmatchedContractError(t.id, marketmsg.KindContractFulfill, marketmsg.TrackPay, contract.Good, contract.ID)
	}
	if err := t.books.Inventory.Debit(marketmsg.MoneyGood, held.Quantity*held.Price); err != nil {
		return err
	}

	held.PaidRounds = append(held.PaidRounds, t.clock.Round())
	t.mailbox.Post(held.Counterparty(t.id), marketmsg.KindContractFulfill, marketmsg.ContractFulfillment{
		ContractID: held.ID,
		Good:       held.Good,
		Quantity:   held.Quantity,
		Price:      held.Price,
		Payer:      t.id,
	})

	t.logger.Debug("contract_paid",
		"contract_id", held.ID,
		"good", held.Good,
		"amount", held.Quantity*held.Price,
	)
	return nil
}

// DeliverContract makes this round's delivery under an accepted contract
// this trader delivers on. The goods leave the inventory now; the
// counterparty credits them on receipt.
func (t *Trader) DeliverContract(contract marketmsg.Contract) error {
	held, ok := t.books.ContractsDeliver.Get(contract.Good, contract.ID)
	if !ok {
		return marketmsg.NewUnmatchedContractError(t.id, marketmsg.KindContractFulfill, marketmsg.TrackDeliver, contract.Good, contract.ID)
	}
	if err := t.books.Inventory.Debit(held.Good, held.Quantity); err != nil {
		return err
	}

	held.DeliveredRounds = append(held.DeliveredRounds, t.clock.Round())
	t.mailbox.Post(held.Counterparty(t.id), marketmsg.KindContractFulfill, marketmsg.ContractFulfillment{
		ContractID: held.ID,
		Good:       held.Good,
		Quantity:   held.Quantity,
		Price:      held.Price,
		Payer:      held.Payer,
	})

	t.logger.Debug("contract_delivered",
		"contract_id", held.ID,
		"good", held.Good,
		"quantity", held.Quantity,
	)
	return nil
}

// CancelContract ends an accepted contract early: it is removed from this
// trader's track and the counterparty is told to remove it from the
// opposite track of its own books.
func (t *Trader) CancelContract(contract marketmsg.Contract) error {
	track := contract.TrackFor(t.id)
	held, ok := t.books.TrackBook(track).Remove(contract.Good, contract.ID)
	if !ok {
		return marketmsg.NewUnmatchedContractError(t.id, marketmsg.KindContractCancel, track, contract.Good, contract.ID)
	}

	t.mailbox.Post(held.Counterparty(t.id), marketmsg.KindContractCancel, marketmsg.ContractCancel{
		Track:      track.Other(),
		Good:       held.Good,
		ContractID: held.ID,
	})

	t.logger.Debug("contract_cancelled",
		"contract_id", held.ID,
		"good", held.Good,
		"track", string(track),
	)
	return nil
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

// ToStateDict renders the trader's full state as plain maps and slices for
// JSON serialization.
func (t *Trader) ToStateDict() map[string]any {
	return map[string]any{
		"id":      t.id.String(),
		"mailbox": t.mailbox.ToStateDict(),
		"books":   t.books.ToStateDict(),
	}
}

// TraderFromStateDict restores a trader from a state dict produced by
// ToStateDict, either directly or after a JSON round trip.
func TraderFromStateDict(state map[string]any, clock marketmsg.RoundClock, opts Options) (*Trader, error) {
	idValue, ok := state["id"].(string)
	if !ok {
		return nil, fmt.Errorf("trader state has no id")
	}
	id, err := marketmsg.ParseAgentID(idValue)
	if err != nil {
		return nil, err
	}

	trader, err := NewTrader(id.Group, id.Num, clock, opts)
	if err != nil {
		return nil, err
	}

	if mbState, ok := state["mailbox"].(map[string]any); ok {
		mailbox, err := marketmsg.MailboxFromStateDict(mbState, marketmsg.SeedFor(id, opts.Seed), trader.logger)
		if err != nil {
			return nil, err
		}
		trader.mailbox = mailbox
	}
	if bookState, ok := state["books"].(map[string]any); ok {
		books, err := marketmsg.BooksFromStateDict(bookState)
		if err != nil {
			return nil, err
		}
		logging := opts.TradeLogging
		if logging == "" {
			logging = marketmsg.TradeLoggingOff
		}
		trader.books = books
		trader.clearer = marketmsg.NewDispatcher(id, clock, books, trader.logger, opts.Trades, logging)
	}
	return trader, nil
}
