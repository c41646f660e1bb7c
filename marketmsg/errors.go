package marketmsg

import (
	"fmt"
	"sort"
	"strings"
)

// =============================================================================
// PROTOCOL VIOLATIONS
// =============================================================================
//
// Every error in this file is fatal: the engine aborts the run rather than
// continue with a market state that silently diverged from the message flow.

// ProtocolError is the base error type for messaging-plane errors.
type ProtocolError struct {
	Message string
	Cause   error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// UnknownReceiverError is raised when a delivery names an identity that was
// never registered.
type UnknownReceiverError struct {
	Receiver AgentID
	Kind     MessageKind
}

func (e *UnknownReceiverError) Error() string {
	return fmt.Sprintf("delivery of %q addressed to unknown agent %s", string(e.Kind), e.Receiver)
}

// NewUnknownReceiverError creates a new UnknownReceiverError.
func NewUnknownReceiverError(receiver AgentID, kind MessageKind) *UnknownReceiverError {
	return &UnknownReceiverError{Receiver: receiver, Kind: kind}
}

// DuplicateAgentError is raised when an identity is registered twice.
type DuplicateAgentError struct {
	ID AgentID
}

func (e *DuplicateAgentError) Error() string {
	return fmt.Sprintf("agent %s is already registered", e.ID)
}

// NewDuplicateAgentError creates a new DuplicateAgentError.
func NewDuplicateAgentError(id AgentID) *DuplicateAgentError {
	return &DuplicateAgentError{ID: id}
}

// MalformedPayloadError is raised when a reserved kind arrives with a
// payload of the wrong type.
type MalformedPayloadError struct {
	Agent   AgentID
	Kind    MessageKind
	Payload any
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("agent %s received kind %q with malformed payload %T: %v",
		e.Agent, string(e.Kind), e.Payload, e.Payload)
}

// NewMalformedPayloadError creates a new MalformedPayloadError.
func NewMalformedPayloadError(agent AgentID, kind MessageKind, payload any) *MalformedPayloadError {
	return &MalformedPayloadError{Agent: agent, Kind: kind, Payload: payload}
}

// UnmatchedOfferError is raised when an accept or reject references an
// offer the receiving agent never made (or already resolved).
type UnmatchedOfferError struct {
	Agent   AgentID
	Kind    MessageKind
	OfferID string
	Good    string
}

func (e *UnmatchedOfferError) Error() string {
	return fmt.Sprintf("agent %s received %q for unknown offer %s (good %q)",
		e.Agent, string(e.Kind), e.OfferID, e.Good)
}

// NewUnmatchedOfferError creates a new UnmatchedOfferError.
func NewUnmatchedOfferError(agent AgentID, kind MessageKind, offerID, good string) *UnmatchedOfferError {
	return &UnmatchedOfferError{Agent: agent, Kind: kind, OfferID: offerID, Good: good}
}

// UnmatchedContractError is raised when a contract-accept or contract-cancel
// references a contract the receiving agent does not hold where the message
// says it should.
type UnmatchedContractError struct {
	Agent      AgentID
	Kind       MessageKind
	Track      ContractTrack
	Good       string
	ContractID string
}

func (e *UnmatchedContractError) Error() string {
	if e.Track != "" {
		return fmt.Sprintf("agent %s received %q for contract %s (good %q) with no match on the %s track",
			e.Agent, string(e.Kind), e.ContractID, e.Good, e.Track)
	}
	return fmt.Sprintf("agent %s received %q for unknown contract %s (good %q)",
		e.Agent, string(e.Kind), e.ContractID, e.Good)
}

// NewUnmatchedContractError creates a new UnmatchedContractError.
func NewUnmatchedContractError(agent AgentID, kind MessageKind, track ContractTrack, good, contractID string) *UnmatchedContractError {
	return &UnmatchedContractError{Agent: agent, Kind: kind, Track: track, Good: good, ContractID: contractID}
}

// InsufficientGoodsError is raised when a trading verb would debit more of
// a good than the agent holds.
type InsufficientGoodsError struct {
	Good      string
	Requested float64
	Available float64
}

func (e *InsufficientGoodsError) Error() string {
	return fmt.Sprintf("insufficient %q: requested %g, have %g", e.Good, e.Requested, e.Available)
}

// NewInsufficientGoodsError creates a new InsufficientGoodsError.
func NewInsufficientGoodsError(good string, requested, available float64) *InsufficientGoodsError {
	return &InsufficientGoodsError{Good: good, Requested: requested, Available: available}
}

// =============================================================================
// AUDIT VIOLATIONS
// =============================================================================

// UnansweredOffersError is raised by the auditor when an agent still holds
// offers it made in an earlier round: the counterparty never answered them.
type UnansweredOffersError struct {
	Agent  AgentID
	Round  int
	Offers []*Offer
}

func (e *UnansweredOffersError) Error() string {
	return fmt.Sprintf("agent %s entered round %d with unanswered offers it made: %s",
		e.Agent, e.Round, dumpOffers(e.Offers))
}

// NewUnansweredOffersError creates a new UnansweredOffersError.
func NewUnansweredOffersError(agent AgentID, round int, offers []*Offer) *UnansweredOffersError {
	return &UnansweredOffersError{Agent: agent, Round: round, Offers: offers}
}

// UnretrievedOffersError is raised by the auditor when an agent ended the
// round without taking offers that were delivered to it.
type UnretrievedOffersError struct {
	Agent  AgentID
	Round  int
	Offers []*Offer
}

func (e *UnretrievedOffersError) Error() string {
	return fmt.Sprintf("agent %s ended round %d without retrieving offers: %s",
		e.Agent, e.Round, dumpOffers(e.Offers))
}

// NewUnretrievedOffersError creates a new UnretrievedOffersError.
func NewUnretrievedOffersError(agent AgentID, round int, offers []*Offer) *UnretrievedOffersError {
	return &UnretrievedOffersError{Agent: agent, Round: round, Offers: offers}
}

// UnreadMessagesError is raised by the auditor when an agent ended the round
// with envelopes still filed in its topic queues.
type UnreadMessagesError struct {
	Agent  AgentID
	Round  int
	Topics map[string][]Envelope
}

func (e *UnreadMessagesError) Error() string {
	return fmt.Sprintf("agent %s ended round %d with unread messages: %s",
		e.Agent, e.Round, dumpTopics(e.Topics))
}

// NewUnreadMessagesError creates a new UnreadMessagesError.
func NewUnreadMessagesError(agent AgentID, round int, topics map[string][]Envelope) *UnreadMessagesError {
	return &UnreadMessagesError{Agent: agent, Round: round, Topics: topics}
}

// =============================================================================
// DUMP FORMATTING
// =============================================================================

func dumpOffers(offers []*Offer) string {
	parts := make([]string, 0, len(offers))
	for _, offer := range offers {
		parts = append(parts, offer.String())
	}
	sort.Strings(parts)
	return "[" + strings.Join(parts, ", ") + "]"
}

func dumpTopics(topics map[string][]Envelope) string {
	parts := make([]string, 0, len(topics))
	for topic, envs := range topics {
		dumped := make([]string, 0, len(envs))
		for _, env := range envs {
			dumped = append(dumped, env.String())
		}
		parts = append(parts, fmt.Sprintf("%s=%s", topic, strings.Join(dumped, ", ")))
	}
	sort.Strings(parts)
	return "{" + strings.Join(parts, "; ") + "}"
}
