package marketmsg

// =============================================================================
// CLEARING DISPATCHER
// =============================================================================

// Dispatcher drains an agent's inbox once per round and folds every entry
// into the agent's market books: protocol kinds mutate the books, ordinary
// kinds are filed by topic for later retrieval. Each dispatcher serves
// exactly one agent and runs on that agent's logical thread.
type Dispatcher struct {
	owner        AgentID
	clock        RoundClock
	books        *MarketBooks
	logger       Logger
	trades       TradeRecorder
	tradeLogging TradeLogging
}

// NewDispatcher creates a dispatcher for owner over the given books.
// trades may be nil when tradeLogging is off.
func NewDispatcher(owner AgentID, clock RoundClock, books *MarketBooks, logger Logger, trades TradeRecorder, tradeLogging TradeLogging) *Dispatcher {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &Dispatcher{
		owner:        owner,
		clock:        clock,
		books:        books,
		logger:       logger,
		trades:       trades,
		tradeLogging: tradeLogging,
	}
}

// Clear processes every inbox entry exactly once. The inbox is emptied
// before processing begins, so even a fatal protocol violation cannot leave
// an entry behind to be processed twice. The first violation aborts the
// pass; violations are not recoverable.
func (d *Dispatcher) Clear(mb *Mailbox) error {
	entries := mb.TakeInbox()
	for _, entry := range entries {
		if err := d.dispatch(mb, entry); err != nil {
			return err
		}
	}
	if len(entries) > 0 {
		d.logger.Debug("inbox_cleared",
			"agent", d.owner.String(),
			"round", d.clock.Round(),
			"entries", len(entries),
		)
	}
	return nil
}

// dispatch is the exhaustive kind table. Every reserved kind has an arm;
// the default arm files ordinary envelopes by topic.
func (d *Dispatcher) dispatch(mb *Mailbox, entry InboxEntry) error {
	switch entry.Kind {
	case KindBuyOffer:
		offer, ok := entry.Payload.(Offer)
		if !ok {
			return NewMalformedPayloadError(d.owner, entry.Kind, entry.Payload)
		}
		received := offer
		d.books.OpenBuyOffers.Insert(&received)
		return nil

	case KindSellOffer:
		offer, ok := entry.Payload.(Offer)
		if !ok {
			return NewMalformedPayloadError(d.owner, entry.Kind, entry.Payload)
		}
		received := offer
		d.books.OpenSellOffers.Insert(&received)
		return nil

	case KindOfferAccept:
		offer, ok := entry.Payload.(Offer)
		if !ok {
			return NewMalformedPayloadError(d.owner, entry.Kind, entry.Payload)
		}
		return d.receiveAccept(offer)

	case KindOfferReject:
		offer, ok := entry.Payload.(Offer)
		if !ok {
			return NewMalformedPayloadError(d.owner, entry.Kind, entry.Payload)
		}
		return d.receiveReject(offer)

	case KindTransfer:
		transfer, ok := entry.Payload.(Transfer)
		if !ok {
			return NewMalformedPayloadError(d.owner, entry.Kind, entry.Payload)
		}
		d.books.Inventory.Credit(transfer.Good, transfer.Quantity)
		return nil

	case KindQuote:
		quote, ok := entry.Payload.(Quote)
		if !ok {
			return NewMalformedPayloadError(d.owner, entry.Kind, entry.Payload)
		}
		d.books.Quotes[quote.ID] = quote
		return nil

	case KindContractOffer:
		contract, ok := entry.Payload.(Contract)
		if !ok {
			return NewMalformedPayloadError(d.owner, entry.Kind, entry.Payload)
		}
		received := contract
		d.books.ContractOffersReceived[contract.Good] = append(d.books.ContractOffersReceived[contract.Good], &received)
		return nil

	case KindContractAccept:
		contract, ok := entry.Payload.(Contract)
		if !ok {
			return NewMalformedPayloadError(d.owner, entry.Kind, entry.Payload)
		}
		made, found := d.books.ContractOffersMade[contract.ID]
		if !found {
			return NewUnmatchedContractError(d.owner, entry.Kind, "", contract.Good, contract.ID)
		}
		delete(d.books.ContractOffersMade, contract.ID)
		d.books.TrackBook(made.TrackFor(d.owner)).Insert(made)
		return nil

	case KindContractFulfill:
		fulfillment, ok := entry.Payload.(ContractFulfillment)
		if !ok {
			return NewMalformedPayloadError(d.owner, entry.Kind, entry.Payload)
		}
		return d.receiveFulfillment(fulfillment)

	case KindContractCancel:
		cancel, ok := entry.Payload.(ContractCancel)
		if !ok || !cancel.Track.Valid() {
			return NewMalformedPayloadError(d.owner, entry.Kind, entry.Payload)
		}
		if _, removed := d.books.TrackBook(cancel.Track).Remove(cancel.Good, cancel.ContractID); !removed {
			return NewUnmatchedContractError(d.owner, entry.Kind, cancel.Track, cancel.Good, cancel.ContractID)
		}
		return nil

	default:
		// Ordinary message: the kind is the topic.
		env, ok := entry.Payload.(Envelope)
		if !ok {
			return NewMalformedPayloadError(d.owner, entry.Kind, entry.Payload)
		}
		mb.fileTopic(entry.Kind, env)
		return nil
	}
}

// receiveAccept resolves an offer this agent made: the counterparty took it,
// possibly partially. The unreserved remainder flows back and the proceeds
// are credited; the trade is recorded at the configured verbosity.
func (d *Dispatcher) receiveAccept(offer Offer) error {
	made, found := d.books.GivenOffers[offer.ID]
	if !found {
		return NewUnmatchedOfferError(d.owner, KindOfferAccept, offer.ID, offer.Good)
	}
	delete(d.books.GivenOffers, offer.ID)

	quantity := offer.FinalQuantity
	if made.Sell {
		// We reserved the good when the offer was made: proceeds arrive as
		// money, the unsold remainder returns to inventory.
		d.books.Inventory.Credit(MoneyGood, quantity*made.Price)
		if rest := made.Quantity - quantity; rest > 0 {
			d.books.Inventory.Credit(made.Good, rest)
		}
	} else {
		// We reserved money: the good arrives, unspent money returns.
		d.books.Inventory.Credit(made.Good, quantity)
		if rest := (made.Quantity - quantity) * made.Price; rest > 0 {
			d.books.Inventory.Credit(MoneyGood, rest)
		}
	}

	if d.tradeLogging.Enabled() && d.trades != nil {
		d.trades.RecordTrade(
			d.clock.Round(),
			made.Good,
			quantity,
			made.Price,
			made.Buyer().Label(d.tradeLogging),
			made.Seller().Label(d.tradeLogging),
		)
	}
	return nil
}

// receiveReject resolves an offer this agent made as declined and returns
// the full reservation to inventory. Rejections are not recorded.
func (d *Dispatcher) receiveReject(offer Offer) error {
	made, found := d.books.GivenOffers[offer.ID]
	if !found {
		return NewUnmatchedOfferError(d.owner, KindOfferReject, offer.ID, offer.Good)
	}
	delete(d.books.GivenOffers, offer.ID)

	if made.Sell {
		d.books.Inventory.Credit(made.Good, made.Quantity)
	} else {
		d.books.Inventory.Credit(MoneyGood, made.Quantity*made.Price)
	}
	return nil
}

// receiveFulfillment settles one payment or delivery event under an
// accepted contract. The payer identity on the payload decides the
// direction: the payer receives goods, the deliverer receives money.
func (d *Dispatcher) receiveFulfillment(fulfillment ContractFulfillment) error {
	if fulfillment.Payer == d.owner {
		contract, ok := d.books.ContractsPay.Get(fulfillment.Good, fulfillment.ContractID)
		if !ok {
			return NewUnmatchedContractError(d.owner, KindContractFulfill, TrackPay, fulfillment.Good, fulfillment.ContractID)
		}
		d.books.Inventory.Credit(fulfillment.Good, fulfillment.Quantity)
		contract.DeliveredRounds = append(contract.DeliveredRounds, d.clock.Round())
		return nil
	}
	contract, ok := d.books.ContractsDeliver.Get(fulfillment.Good, fulfillment.ContractID)
	if !ok {
		return NewUnmatchedContractError(d.owner, KindContractFulfill, TrackDeliver, fulfillment.Good, fulfillment.ContractID)
	}
	d.books.Inventory.Credit(MoneyGood, fulfillment.Quantity*fulfillment.Price)
	contract.PaidRounds = append(contract.PaidRounds, d.clock.Round())
	return nil
}
