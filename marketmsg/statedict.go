package marketmsg

import "fmt"

// =============================================================================
// STATE DICT CONVERSION
// =============================================================================
//
// State dicts are plain map[string]any trees that survive a JSON round-trip.
// They are the transport form used by the mailbox subprocess CLI and the
// control-plane books dump. FromState functions accept both the typed
// in-memory form and the JSON-decoded form (float64 numbers, []any slices,
// map[string]any objects).

// PayloadToState converts a protocol payload to its transport form.
// Ordinary envelopes and already-plain values pass through ToStateDict or
// unchanged respectively.
func PayloadToState(payload any) any {
	switch p := payload.(type) {
	case Offer:
		return offerToState(p)
	case *Offer:
		return offerToState(*p)
	case Quote:
		return quoteToState(p)
	case Transfer:
		return map[string]any{"good": p.Good, "quantity": p.Quantity}
	case Contract:
		return contractToState(p)
	case *Contract:
		return contractToState(*p)
	case ContractFulfillment:
		return map[string]any{
			"contract_id": p.ContractID,
			"good":        p.Good,
			"quantity":    p.Quantity,
			"price":       p.Price,
			"payer":       p.Payer.String(),
		}
	case ContractCancel:
		return map[string]any{
			"track":       string(p.Track),
			"good":        p.Good,
			"contract_id": p.ContractID,
		}
	case Envelope:
		return p.ToStateDict()
	default:
		return payload
	}
}

// PayloadFromState restores the typed payload a kind expects from its
// transport form.
func PayloadFromState(kind MessageKind, v any) (any, error) {
	switch kind {
	case KindBuyOffer, KindSellOffer, KindOfferAccept, KindOfferReject:
		return offerFromState(v)
	case KindTransfer:
		return transferFromState(v)
	case KindQuote:
		return quoteFromState(v)
	case KindContractOffer, KindContractAccept:
		return contractFromState(v)
	case KindContractFulfill:
		return fulfillmentFromState(v)
	case KindContractCancel:
		return cancelFromState(v)
	default:
		if env, ok := v.(Envelope); ok {
			return env, nil
		}
		state, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("kind %q: want envelope state, got %T", string(kind), v)
		}
		return EnvelopeFromStateDict(state)
	}
}

// =============================================================================
// MAILBOX STATE
// =============================================================================

// ToStateDict converts the full mailbox state to its transport form.
func (m *Mailbox) ToStateDict() map[string]any {
	inbox := make([]any, 0, len(m.inbox))
	for _, entry := range m.inbox {
		inbox = append(inbox, map[string]any{
			"kind":    string(entry.Kind),
			"payload": PayloadToState(entry.Payload),
		})
	}

	topics := make(map[string]any, len(m.topics))
	for topic, envs := range m.topics {
		queued := make([]any, 0, len(envs))
		for _, env := range envs {
			queued = append(queued, env.ToStateDict())
		}
		topics[topic] = queued
	}

	outbox := make([]any, 0, len(m.outbox))
	for _, delivery := range m.outbox {
		outbox = append(outbox, map[string]any{
			"receiver": delivery.Receiver.String(),
			"kind":     string(delivery.Kind),
			"payload":  PayloadToState(delivery.Payload),
		})
	}

	return map[string]any{
		"owner":  m.owner.String(),
		"inbox":  inbox,
		"topics": topics,
		"outbox": outbox,
	}
}

// MailboxFromStateDict restores a mailbox from its ToStateDict form. The
// seed drives retrieval randomness exactly as in NewMailboxSeeded.
func MailboxFromStateDict(state map[string]any, seed int64, logger Logger) (*Mailbox, error) {
	owner, err := agentIDFromState(state["owner"])
	if err != nil {
		return nil, fmt.Errorf("mailbox owner: %w", err)
	}
	mb := NewMailboxSeeded(owner, seed, logger)

	for i, raw := range stateSlice(state["inbox"]) {
		entry, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("inbox[%d]: want object, got %T", i, raw)
		}
		kind := MessageKind(stateString(entry["kind"]))
		payload, err := PayloadFromState(kind, entry["payload"])
		if err != nil {
			return nil, fmt.Errorf("inbox[%d]: %w", i, err)
		}
		mb.inbox = append(mb.inbox, InboxEntry{Kind: kind, Payload: payload})
	}

	if topics, ok := state["topics"].(map[string]any); ok {
		for topic, raw := range topics {
			for i, rawEnv := range stateSlice(raw) {
				envState, ok := rawEnv.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("topic %q[%d]: want object, got %T", topic, i, rawEnv)
				}
				env, err := EnvelopeFromStateDict(envState)
				if err != nil {
					return nil, fmt.Errorf("topic %q[%d]: %w", topic, i, err)
				}
				mb.topics[topic] = append(mb.topics[topic], env)
			}
		}
	}

	for i, raw := range stateSlice(state["outbox"]) {
		entry, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("outbox[%d]: want object, got %T", i, raw)
		}
		receiver, err := agentIDFromState(entry["receiver"])
		if err != nil {
			return nil, fmt.Errorf("outbox[%d]: %w", i, err)
		}
		kind := MessageKind(stateString(entry["kind"]))
		payload, err := PayloadFromState(kind, entry["payload"])
		if err != nil {
			return nil, fmt.Errorf("outbox[%d]: %w", i, err)
		}
		mb.outbox = append(mb.outbox, Delivery{Receiver: receiver, Kind: kind, Payload: payload})
	}

	return mb, nil
}

// =============================================================================
// BOOKS STATE
// =============================================================================

// ToStateDict converts the market books to their transport form.
func (b *MarketBooks) ToStateDict() map[string]any {
	return map[string]any{
		"open_offers_buy":          offerBookToState(b.OpenBuyOffers),
		"open_offers_sell":         offerBookToState(b.OpenSellOffers),
		"given_offers":             offerMapToState(b.GivenOffers),
		"quotes":                   quoteMapToState(b.Quotes),
		"contract_offers_made":     contractMapToState(b.ContractOffersMade),
		"contract_offers_received": contractListsToState(b.ContractOffersReceived),
		"contracts_pay":            contractBookToState(b.ContractsPay),
		"contracts_deliver":        contractBookToState(b.ContractsDeliver),
		"inventory":                floatMapToState(b.Inventory.haves),
	}
}

// BooksFromStateDict restores market books from their ToStateDict form.
func BooksFromStateDict(state map[string]any) (*MarketBooks, error) {
	books := NewMarketBooks()

	var err error
	if books.OpenBuyOffers, err = offerBookFromState(state["open_offers_buy"]); err != nil {
		return nil, fmt.Errorf("open_offers_buy: %w", err)
	}
	if books.OpenSellOffers, err = offerBookFromState(state["open_offers_sell"]); err != nil {
		return nil, fmt.Errorf("open_offers_sell: %w", err)
	}
	if books.GivenOffers, err = offerMapFromState(state["given_offers"]); err != nil {
		return nil, fmt.Errorf("given_offers: %w", err)
	}

	for id, raw := range stateMap(state["quotes"]) {
		quote, qerr := quoteFromState(raw)
		if qerr != nil {
			return nil, fmt.Errorf("quotes[%s]: %w", id, qerr)
		}
		books.Quotes[id] = quote
	}

	for id, raw := range stateMap(state["contract_offers_made"]) {
		contract, cerr := contractFromState(raw)
		if cerr != nil {
			return nil, fmt.Errorf("contract_offers_made[%s]: %w", id, cerr)
		}
		books.ContractOffersMade[id] = &contract
	}

	for good, raw := range stateMap(state["contract_offers_received"]) {
		for i, rawContract := range stateSlice(raw) {
			contract, cerr := contractFromState(rawContract)
			if cerr != nil {
				return nil, fmt.Errorf("contract_offers_received[%s][%d]: %w", good, i, cerr)
			}
			books.ContractOffersReceived[good] = append(books.ContractOffersReceived[good], &contract)
		}
	}

	if books.ContractsPay, err = contractBookFromState(state["contracts_pay"]); err != nil {
		return nil, fmt.Errorf("contracts_pay: %w", err)
	}
	if books.ContractsDeliver, err = contractBookFromState(state["contracts_deliver"]); err != nil {
		return nil, fmt.Errorf("contracts_deliver: %w", err)
	}

	for good, raw := range stateMap(state["inventory"]) {
		books.Inventory.haves[good] = stateFloat(raw)
	}

	return books, nil
}

// =============================================================================
// PAYLOAD CONVERTERS
// =============================================================================

func offerToState(o Offer) map[string]any {
	return map[string]any{
		"id":             o.ID,
		"sender":         o.Sender.String(),
		"receiver":       o.Receiver.String(),
		"good":           o.Good,
		"quantity":       o.Quantity,
		"price":          o.Price,
		"currency":       o.Currency,
		"sell":           o.Sell,
		"status":         string(o.Status),
		"final_quantity": o.FinalQuantity,
		"made_round":     o.MadeRound,
		"status_round":   o.StatusRound,
	}
}

func offerFromState(v any) (Offer, error) {
	if o, ok := v.(Offer); ok {
		return o, nil
	}
	if o, ok := v.(*Offer); ok {
		return *o, nil
	}
	state, ok := v.(map[string]any)
	if !ok {
		return Offer{}, fmt.Errorf("want offer state, got %T", v)
	}
	sender, err := agentIDFromState(state["sender"])
	if err != nil {
		return Offer{}, fmt.Errorf("offer sender: %w", err)
	}
	receiver, err := agentIDFromState(state["receiver"])
	if err != nil {
		return Offer{}, fmt.Errorf("offer receiver: %w", err)
	}
	return Offer{
		ID:            stateString(state["id"]),
		Sender:        sender,
		Receiver:      receiver,
		Good:          stateString(state["good"]),
		Quantity:      stateFloat(state["quantity"]),
		Price:         stateFloat(state["price"]),
		Currency:      stateString(state["currency"]),
		Sell:          stateBool(state["sell"]),
		Status:        OfferStatus(stateString(state["status"])),
		FinalQuantity: stateFloat(state["final_quantity"]),
		MadeRound:     stateInt(state["made_round"]),
		StatusRound:   stateInt(state["status_round"]),
	}, nil
}

func quoteToState(q Quote) map[string]any {
	return map[string]any{
		"id":     q.ID,
		"sender": q.Sender.String(),
		"good":   q.Good,
		"price":  q.Price,
		"sell":   q.Sell,
	}
}

func quoteFromState(v any) (Quote, error) {
	if q, ok := v.(Quote); ok {
		return q, nil
	}
	state, ok := v.(map[string]any)
	if !ok {
		return Quote{}, fmt.Errorf("want quote state, got %T", v)
	}
	sender, err := agentIDFromState(state["sender"])
	if err != nil {
		return Quote{}, fmt.Errorf("quote sender: %w", err)
	}
	return Quote{
		ID:     stateString(state["id"]),
		Sender: sender,
		Good:   stateString(state["good"]),
		Price:  stateFloat(state["price"]),
		Sell:   stateBool(state["sell"]),
	}, nil
}

func transferFromState(v any) (Transfer, error) {
	if t, ok := v.(Transfer); ok {
		return t, nil
	}
	state, ok := v.(map[string]any)
	if !ok {
		return Transfer{}, fmt.Errorf("want transfer state, got %T", v)
	}
	return Transfer{
		Good:     stateString(state["good"]),
		Quantity: stateFloat(state["quantity"]),
	}, nil
}

func contractToState(c Contract) map[string]any {
	return map[string]any{
		"id":               c.ID,
		"sender":           c.Sender.String(),
		"receiver":         c.Receiver.String(),
		"good":             c.Good,
		"quantity":         c.Quantity,
		"price":            c.Price,
		"payer":            c.Payer.String(),
		"made_round":       c.MadeRound,
		"end_round":        c.EndRound,
		"delivered_rounds": intSliceToState(c.DeliveredRounds),
		"paid_rounds":      intSliceToState(c.PaidRounds),
	}
}

func contractFromState(v any) (Contract, error) {
	if c, ok := v.(Contract); ok {
		return c, nil
	}
	if c, ok := v.(*Contract); ok {
		return *c, nil
	}
	state, ok := v.(map[string]any)
	if !ok {
		return Contract{}, fmt.Errorf("want contract state, got %T", v)
	}
	sender, err := agentIDFromState(state["sender"])
	if err != nil {
		return Contract{}, fmt.Errorf("contract sender: %w", err)
	}
	receiver, err := agentIDFromState(state["receiver"])
	if err != nil {
		return Contract{}, fmt.Errorf("contract receiver: %w", err)
	}
	payer, err := agentIDFromState(state["payer"])
	if err != nil {
		return Contract{}, fmt.Errorf("contract payer: %w", err)
	}
	return Contract{
		ID:              stateString(state["id"]),
		Sender:          sender,
		Receiver:        receiver,
		Good:            stateString(state["good"]),
		Quantity:        stateFloat(state["quantity"]),
		Price:           stateFloat(state["price"]),
		Payer:           payer,
		MadeRound:       stateInt(state["made_round"]),
		EndRound:        stateInt(state["end_round"]),
		DeliveredRounds: stateIntSlice(state["delivered_rounds"]),
		PaidRounds:      stateIntSlice(state["paid_rounds"]),
	}, nil
}

func fulfillmentFromState(v any) (ContractFulfillment, error) {
	if f, ok := v.(ContractFulfillment); ok {
		return f, nil
	}
	state, ok := v.(map[string]any)
	if !ok {
		return ContractFulfillment{}, fmt.Errorf("want fulfillment state, got %T", v)
	}
	payer, err := agentIDFromState(state["payer"])
	if err != nil {
		return ContractFulfillment{}, fmt.Errorf("fulfillment payer: %w", err)
	}
	return ContractFulfillment{
		ContractID: stateString(state["contract_id"]),
		Good:       stateString(state["good"]),
		Quantity:   stateFloat(state["quantity"]),
		Price:      stateFloat(state["price"]),
		Payer:      payer,
	}, nil
}

func cancelFromState(v any) (ContractCancel, error) {
	if c, ok := v.(ContractCancel); ok {
		return c, nil
	}
	state, ok := v.(map[string]any)
	if !ok {
		return ContractCancel{}, fmt.Errorf("want cancel state, got %T", v)
	}
	return ContractCancel{
		Track:      ContractTrack(stateString(state["track"])),
		Good:       stateString(state["good"]),
		ContractID: stateString(state["contract_id"]),
	}, nil
}

// =============================================================================
// BOOK CONVERTERS
// =============================================================================

func offerBookToState(book OfferBook) map[string]any {
	out := make(map[string]any, len(book))
	for good, byID := range book {
		goodState := make(map[string]any, len(byID))
		for id, offer := range byID {
			goodState[id] = offerToState(*offer)
		}
		out[good] = goodState
	}
	return out
}

func offerBookFromState(v any) (OfferBook, error) {
	book := make(OfferBook)
	for good, raw := range stateMap(v) {
		for id, rawOffer := range stateMap(raw) {
			offer, err := offerFromState(rawOffer)
			if err != nil {
				return nil, fmt.Errorf("%s/%s: %w", good, id, err)
			}
			book.Insert(&offer)
		}
	}
	return book, nil
}

func offerMapToState(offers map[string]*Offer) map[string]any {
	out := make(map[string]any, len(offers))
	for id, offer := range offers {
		out[id] = offerToState(*offer)
	}
	return out
}

func offerMapFromState(v any) (map[string]*Offer, error) {
	out := make(map[string]*Offer)
	for id, raw := range stateMap(v) {
		offer, err := offerFromState(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", id, err)
		}
		out[id] = &offer
	}
	return out, nil
}

func quoteMapToState(quotes map[string]Quote) map[string]any {
	out := make(map[string]any, len(quotes))
	for id, quote := range quotes {
		out[id] = quoteToState(quote)
	}
	return out
}

func contractMapToState(contracts map[string]*Contract) map[string]any {
	out := make(map[string]any, len(contracts))
	for id, contract := range contracts {
		out[id] = contractToState(*contract)
	}
	return out
}

func contractListsToState(lists map[string][]*Contract) map[string]any {
	out := make(map[string]any, len(lists))
	for good, contracts := range lists {
		goodState := make([]any, 0, len(contracts))
		for _, contract := range contracts {
			goodState = append(goodState, contractToState(*contract))
		}
		out[good] = goodState
	}
	return out
}

func contractBookToState(book ContractBook) map[string]any {
	out := make(map[string]any, len(book))
	for good, byID := range book {
		goodState := make(map[string]any, len(byID))
		for id, contract := range byID {
			goodState[id] = contractToState(*contract)
		}
		out[good] = goodState
	}
	return out
}

func contractBookFromState(v any) (ContractBook, error) {
	book := make(ContractBook)
	for good, raw := range stateMap(v) {
		for id, rawContract := range stateMap(raw) {
			contract, err := contractFromState(rawContract)
			if err != nil {
				return nil, fmt.Errorf("%s/%s: %w", good, id, err)
			}
			book.Insert(&contract)
		}
	}
	return book, nil
}

func floatMapToState(m map[string]float64) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func intSliceToState(s []int) []any {
	out := make([]any, 0, len(s))
	for _, v := range s {
		out = append(out, v)
	}
	return out
}

// =============================================================================
// SCALAR COERCIONS
// =============================================================================
//
// JSON decoding turns every number into float64 and every array into []any;
// these helpers accept both the decoded and the typed form.

func stateString(v any) string {
	s, _ := v.(string)
	return s
}

func stateBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func stateFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}

func stateInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case int32:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	default:
		return 0
	}
}

func stateIntSlice(v any) []int {
	switch s := v.(type) {
	case []int:
		return copyIntSlice(s)
	case []any:
		out := make([]int, 0, len(s))
		for _, item := range s {
			out = append(out, stateInt(item))
		}
		return out
	default:
		return nil
	}
}

func stateSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func stateMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
