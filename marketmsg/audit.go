package marketmsg

import "sort"

// =============================================================================
// LOST-MESSAGE AUDITOR
// =============================================================================

// Auditor enforces, at every round boundary, that no protocol message was
// silently dropped or ignored. It is off by default and enabled through
// configuration; when it fires, the violation is fatal and the run aborts.
type Auditor struct {
	enabled bool
	clock   RoundClock
}

// NewAuditor creates an auditor. When enabled is false every check passes.
func NewAuditor(enabled bool, clock RoundClock) *Auditor {
	return &Auditor{enabled: enabled, clock: clock}
}

// Enabled reports whether checks actually run.
func (a *Auditor) Enabled() bool {
	return a.enabled
}

// CheckRoundEnd audits one agent at the end of a round, before the clock
// advances. It reports, in order of severity:
//
//   - offers the agent made in an EARLIER round that were never answered
//     (an offer made this round is not yet stale: the counterparty's answer
//     can only arrive with the next delivery phase);
//   - offers delivered to the agent that it never retrieved;
//   - ordinary messages the agent never read.
//
// Every violation carries the agent identity and a dump of the offending
// messages. Violations are not recoverable.
func (a *Auditor) CheckRoundEnd(id AgentID, books *MarketBooks, mb *Mailbox) error {
	if !a.enabled {
		return nil
	}
	round := a.clock.Round()

	var stale []*Offer
	for _, offer := range books.GivenOffers {
		if offer.MadeRound < round {
			stale = append(stale, offer)
		}
	}
	if len(stale) > 0 {
		return NewUnansweredOffersError(id, round, sortOffers(stale))
	}

	if books.OpenBuyOffers.Count() > 0 || books.OpenSellOffers.Count() > 0 {
		unretrieved := append(books.OpenBuyOffers.Flatten(), books.OpenSellOffers.Flatten()...)
		return NewUnretrievedOffersError(id, round, sortOffers(unretrieved))
	}

	if len(mb.topics) > 0 {
		unread := make(map[string][]Envelope, len(mb.topics))
		for topic, envs := range mb.topics {
			queued := make([]Envelope, len(envs))
			copy(queued, envs)
			unread[topic] = queued
		}
		return NewUnreadMessagesError(id, round, unread)
	}

	return nil
}

func sortOffers(offers []*Offer) []*Offer {
	sort.Slice(offers, func(i, j int) bool { return offers[i].ID < offers[j].ID })
	return offers
}
