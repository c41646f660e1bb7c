package marketmsg

// MoneyGood is the inventory key for the means of payment. Contract
// payments and trade settlement credit this good.
const MoneyGood = "money"

// epsilon absorbs float drift from repeated partial settlements: a debit
// short by less than this empties the slot instead of failing.
const epsilon = 1e-9

// =============================================================================
// INVENTORY
// =============================================================================

// Inventory tracks the goods an agent holds, money included. Quantities are
// float64 because goods are divisible.
type Inventory struct {
	haves map[string]float64
}

// NewInventory creates an empty inventory.
func NewInventory() *Inventory {
	return &Inventory{haves: make(map[string]float64)}
}

// Quantity returns the held amount of good, zero when never credited.
func (inv *Inventory) Quantity(good string) float64 {
	return inv.haves[good]
}

// Money returns the money balance.
func (inv *Inventory) Money() float64 {
	return inv.haves[MoneyGood]
}

// Credit adds quantity of good.
func (inv *Inventory) Credit(good string, quantity float64) {
	inv.haves[good] += quantity
}

// Debit removes quantity of good. Removing more than is held is an
// insufficiency error and leaves the inventory untouched.
func (inv *Inventory) Debit(good string, quantity float64) error {
	have := inv.haves[good]
	if have < quantity {
		if quantity-have < epsilon {
			inv.haves[good] = 0
			return nil
		}
		return NewInsufficientGoodsError(good, quantity, have)
	}
	inv.haves[good] -= quantity
	return nil
}

// Haves returns a copy of all holdings.
func (inv *Inventory) Haves() map[string]float64 {
	return copyFloatMap(inv.haves)
}

// =============================================================================
// OFFER AND CONTRACT BOOKS
// =============================================================================

// OfferBook indexes offers by good, then offer ID.
type OfferBook map[string]map[string]*Offer

// Insert files the offer under its good and ID.
func (b OfferBook) Insert(offer *Offer) {
	byID, ok := b[offer.Good]
	if !ok {
		byID = make(map[string]*Offer)
		b[offer.Good] = byID
	}
	byID[offer.ID] = offer
}

// Remove deletes and returns the offer filed under good and id. Empty
// goods are pruned so Count stays meaningful.
func (b OfferBook) Remove(good, id string) (*Offer, bool) {
	byID, ok := b[good]
	if !ok {
		return nil, false
	}
	offer, ok := byID[id]
	if !ok {
		return nil, false
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(b, good)
	}
	return offer, true
}

// Count returns the total number of filed offers.
func (b OfferBook) Count() int {
	n := 0
	for _, byID := range b {
		n += len(byID)
	}
	return n
}

// Flatten returns every filed offer, no particular order.
func (b OfferBook) Flatten() []*Offer {
	offers := make([]*Offer, 0, b.Count())
	for _, byID := range b {
		for _, offer := range byID {
			offers = append(offers, offer)
		}
	}
	return offers
}

// TakeGood removes and returns all offers for one good.
func (b OfferBook) TakeGood(good string) []*Offer {
	byID, ok := b[good]
	if !ok {
		return nil
	}
	delete(b, good)
	offers := make([]*Offer, 0, len(byID))
	for _, offer := range byID {
		offers = append(offers, offer)
	}
	return offers
}

// ContractBook indexes contracts by good, then contract ID.
type ContractBook map[string]map[string]*Contract

// Insert files the contract under its good and ID.
func (b ContractBook) Insert(contract *Contract) {
	byID, ok := b[contract.Good]
	if !ok {
		byID = make(map[string]*Contract)
		b[contract.Good] = byID
	}
	byID[contract.ID] = contract
}

// Get returns the contract filed under good and id.
func (b ContractBook) Get(good, id string) (*Contract, bool) {
	byID, ok := b[good]
	if !ok {
		return nil, false
	}
	contract, ok := byID[id]
	return contract, ok
}

// Remove deletes and returns the contract filed under good and id.
func (b ContractBook) Remove(good, id string) (*Contract, bool) {
	byID, ok := b[good]
	if !ok {
		return nil, false
	}
	contract, ok := byID[id]
	if !ok {
		return nil, false
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(b, good)
	}
	return contract, true
}

// Count returns the total number of filed contracts.
func (b ContractBook) Count() int {
	n := 0
	for _, byID := range b {
		n += len(byID)
	}
	return n
}

// Flatten returns every filed contract, no particular order.
func (b ContractBook) Flatten() []*Contract {
	contracts := make([]*Contract, 0, b.Count())
	for _, byID := range b {
		for _, contract := range byID {
			contracts = append(contracts, contract)
		}
	}
	return contracts
}

// =============================================================================
// MARKET BOOKS
// =============================================================================

// MarketBooks is the full market state of one agent, mutated exclusively by
// that agent's clearing pass and trading verbs.
type MarketBooks struct {
	// OpenBuyOffers and OpenSellOffers hold offers received from
	// counterparties, awaiting local action.
	OpenBuyOffers  OfferBook
	OpenSellOffers OfferBook

	// GivenOffers holds offers this agent made, keyed by ID, until the
	// counterparty's accept or reject clears them.
	GivenOffers map[string]*Offer

	// Quotes holds received quotes keyed by ID, later overwriting earlier.
	Quotes map[string]Quote

	// ContractOffersMade holds our outstanding contract proposals by ID.
	ContractOffersMade map[string]*Contract

	// ContractOffersReceived holds proposals from counterparties by good.
	ContractOffersReceived map[string][]*Contract

	// ContractsPay and ContractsDeliver hold accepted contracts by the
	// side this agent is on.
	ContractsPay     ContractBook
	ContractsDeliver ContractBook

	// Inventory holds goods and money.
	Inventory *Inventory
}

// NewMarketBooks creates empty books.
func NewMarketBooks() *MarketBooks {
	return &MarketBooks{
		OpenBuyOffers:          make(OfferBook),
		OpenSellOffers:         make(OfferBook),
		GivenOffers:            make(map[string]*Offer),
		Quotes:                 make(map[string]Quote),
		ContractOffersMade:     make(map[string]*Contract),
		ContractOffersReceived: make(map[string][]*Contract),
		ContractsPay:           make(ContractBook),
		ContractsDeliver:       make(ContractBook),
		Inventory:              NewInventory(),
	}
}

// TrackBook returns the contract book for a track, nil when the track is
// not one of the two defined sides.
func (b *MarketBooks) TrackBook(track ContractTrack) ContractBook {
	switch track {
	case TrackPay:
		return b.ContractsPay
	case TrackDeliver:
		return b.ContractsDeliver
	default:
		return nil
	}
}

// =============================================================================
// COPY HELPERS
// =============================================================================

func copyFloatMap(src map[string]float64) map[string]float64 {
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyIntSlice(src []int) []int {
	if src == nil {
		return nil
	}
	dst := make([]int, len(src))
	copy(dst, src)
	return dst
}
