package marketmsg

import "fmt"

// =============================================================================
// MESSAGE KINDS
// =============================================================================

// MessageKind tags every inbox entry. Reserved protocol kinds are
// sigil-prefixed so they can never collide with an ordinary user topic; any
// non-reserved kind value IS the topic the envelope is filed under.
type MessageKind string

const (
	// KindBuyOffer carries an Offer with Sell == false.
	KindBuyOffer MessageKind = "!b"
	// KindSellOffer carries an Offer with Sell == true.
	KindSellOffer MessageKind = "!s"
	// KindOfferAccept carries the (possibly partially) accepted Offer back
	// to the agent that made it.
	KindOfferAccept MessageKind = "_p"
	// KindOfferReject carries the rejected Offer back to the agent that
	// made it.
	KindOfferReject MessageKind = "_r"
	// KindTransfer carries a Transfer crediting a good unconditionally.
	KindTransfer MessageKind = "_g"
	// KindQuote carries a non-binding Quote.
	KindQuote MessageKind = "_q"
	// KindContractOffer carries a proposed Contract.
	KindContractOffer MessageKind = "!o"
	// KindContractAccept carries an accepted Contract back to the agent
	// that proposed it.
	KindContractAccept MessageKind = "_ac"
	// KindContractFulfill carries a ContractFulfillment for a payment or
	// delivery made under an accepted contract.
	KindContractFulfill MessageKind = "_dp"
	// KindContractCancel carries a ContractCancel notice.
	KindContractCancel MessageKind = "!d"
)

// DefaultTopic is the conventional topic for plain messages.
const DefaultTopic = "m"

// IsReserved reports whether the kind belongs to the protocol vocabulary.
// Everything else is an ordinary topic.
func (k MessageKind) IsReserved() bool {
	switch k {
	case KindBuyOffer, KindSellOffer, KindOfferAccept, KindOfferReject,
		KindTransfer, KindQuote, KindContractOffer, KindContractAccept,
		KindContractFulfill, KindContractCancel:
		return true
	default:
		return false
	}
}

// ReservedKinds returns the full protocol vocabulary, in table order.
func ReservedKinds() []MessageKind {
	return []MessageKind{
		KindBuyOffer, KindSellOffer, KindOfferAccept, KindOfferReject,
		KindTransfer, KindQuote, KindContractOffer, KindContractAccept,
		KindContractFulfill, KindContractCancel,
	}
}

// KindOf returns the kind a payload travels under when it is first posted.
// Response kinds (accept, reject, contract accept) are chosen by the
// responder, not by the payload type, so they never come out of here.
func KindOf(payload any) MessageKind {
	// Payloads that know their own kind classify themselves. Offers do:
	// their Sell flag picks the buy or sell side.
	if typed, ok := payload.(interface{ Kind() MessageKind }); ok {
		return typed.Kind()
	}

	switch p := payload.(type) {
	case Quote:
		return KindQuote
	case Transfer:
		return KindTransfer
	case Contract, *Contract:
		return KindContractOffer
	case ContractFulfillment:
		return KindContractFulfill
	case ContractCancel:
		return KindContractCancel
	case Envelope:
		// An envelope's kind is its topic; Send files it the same way.
		if p.Topic != "" {
			return MessageKind(p.Topic)
		}
		return MessageKind(DefaultTopic)
	default:
		return MessageKind(DefaultTopic)
	}
}

// =============================================================================
// OFFERS
// =============================================================================

// OfferStatus is the lifecycle state of an offer.
type OfferStatus string

const (
	// OfferOpen means the offer awaits a response.
	OfferOpen OfferStatus = "open"
	// OfferAccepted means the counterparty accepted (possibly partially).
	OfferAccepted OfferStatus = "accepted"
	// OfferRejected means the counterparty rejected.
	OfferRejected OfferStatus = "rejected"
	// OfferPerished means the offer expired unanswered and was written off.
	OfferPerished OfferStatus = "perished"
)

// Offer is a binding buy or sell offer for a quantity of a good at a price.
// Offers are round-stamped at creation so the auditor can detect ones that
// were never answered in time. Offers travel by value: each side keeps its
// own copy and the copies are correlated by ID.
type Offer struct {
	ID            string      `json:"id"`
	Sender        AgentID     `json:"sender"`
	Receiver      AgentID     `json:"receiver"`
	Good          string      `json:"good"`
	Quantity      float64     `json:"quantity"`
	Price         float64     `json:"price"`
	Currency      string      `json:"currency"`
	Sell          bool        `json:"sell"`
	Status        OfferStatus `json:"status"`
	FinalQuantity float64     `json:"final_quantity"`
	MadeRound     int         `json:"made_round"`
	StatusRound   int         `json:"status_round"`
}

// Kind returns KindSellOffer or KindBuyOffer according to the Sell flag.
func (o Offer) Kind() MessageKind {
	if o.Sell {
		return KindSellOffer
	}
	return KindBuyOffer
}

// String renders the diagnostic form embedded in protocol-violation dumps.
func (o Offer) String() string {
	side := "buy"
	if o.Sell {
		side = "sell"
	}
	return fmt.Sprintf("<offer %s %s %s x%g @%g %s->%s status=%s made=%d>",
		o.ID, side, o.Good, o.Quantity, o.Price, o.Sender, o.Receiver, o.Status, o.MadeRound)
}

// Buyer returns the identity paying money in this offer.
func (o Offer) Buyer() AgentID {
	if o.Sell {
		return o.Receiver
	}
	return o.Sender
}

// Seller returns the identity delivering the good in this offer.
func (o Offer) Seller() AgentID {
	if o.Sell {
		return o.Sender
	}
	return o.Receiver
}

// =============================================================================
// QUOTES AND TRANSFERS
// =============================================================================

// Quote is a non-binding price signal. Quotes are keyed by ID; a later quote
// with the same ID overwrites the earlier one.
type Quote struct {
	ID     string  `json:"id"`
	Sender AgentID `json:"sender"`
	Good   string  `json:"good"`
	Price  float64 `json:"price"`
	Sell   bool    `json:"sell"`
}

// Transfer credits the receiver's inventory unconditionally. There is no
// response message.
type Transfer struct {
	Good     string  `json:"good"`
	Quantity float64 `json:"quantity"`
}

// =============================================================================
// CONTRACTS
// =============================================================================

// ContractTrack names which side of a contract an agent holds: the paying
// side or the delivering side.
type ContractTrack string

const (
	// TrackPay marks the side that pays quantity x price per fulfillment.
	TrackPay ContractTrack = "pay"
	// TrackDeliver marks the side that delivers the good per fulfillment.
	TrackDeliver ContractTrack = "deliver"
)

// Valid reports whether the track is one of the two defined sides.
func (t ContractTrack) Valid() bool {
	return t == TrackPay || t == TrackDeliver
}

// Other returns the opposite side: the track the counterparty holds.
func (t ContractTrack) Other() ContractTrack {
	if t == TrackPay {
		return TrackDeliver
	}
	return TrackPay
}

// Contract is a standing agreement to exchange a good for money over a span
// of rounds. Exactly one party is the payer; the other delivers. Like
// offers, contracts travel by value and are correlated by ID.
type Contract struct {
	ID              string  `json:"id"`
	Sender          AgentID `json:"sender"`
	Receiver        AgentID `json:"receiver"`
	Good            string  `json:"good"`
	Quantity        float64 `json:"quantity"`
	Price           float64 `json:"price"`
	Payer           AgentID `json:"payer"`
	MadeRound       int     `json:"made_round"`
	EndRound        int     `json:"end_round"`
	DeliveredRounds []int   `json:"delivered_rounds,omitempty"`
	PaidRounds      []int   `json:"paid_rounds,omitempty"`
}

// TrackFor returns the track the given identity holds under this contract.
func (c Contract) TrackFor(id AgentID) ContractTrack {
	if c.Payer == id {
		return TrackPay
	}
	return TrackDeliver
}

// Counterparty returns the other side of the contract relative to id.
func (c Contract) Counterparty(id AgentID) AgentID {
	if c.Sender == id {
		return c.Receiver
	}
	return c.Sender
}

// String renders the diagnostic form embedded in protocol-violation dumps.
func (c Contract) String() string {
	return fmt.Sprintf("<contract %s %s x%g @%g payer=%s %s<->%s made=%d end=%d>",
		c.ID, c.Good, c.Quantity, c.Price, c.Payer, c.Sender, c.Receiver, c.MadeRound, c.EndRound)
}

// ContractFulfillment notifies the counterparty that a payment or delivery
// was made under the identified contract. Payer carries the contract's payer
// identity so the receiver can tell which side of the exchange just reached
// it without consulting its books first.
type ContractFulfillment struct {
	ContractID string  `json:"contract_id"`
	Good       string  `json:"good"`
	Quantity   float64 `json:"quantity"`
	Price      float64 `json:"price"`
	Payer      AgentID `json:"payer"`
}

// ContractCancel tells the receiver to drop the identified contract from
// the named track of ITS books. The track discriminator is explicit; the
// receiver never infers it.
type ContractCancel struct {
	Track      ContractTrack `json:"track"`
	Good       string        `json:"good"`
	ContractID string        `json:"contract_id"`
}
