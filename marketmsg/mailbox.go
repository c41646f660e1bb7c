package marketmsg

import (
	"math/rand"
	"time"
)

// =============================================================================
// INBOX ENTRIES
// =============================================================================

// InboxEntry is one delivered message awaiting the owner's clearing pass:
// a kind tag plus the payload that travelled under it. Ordinary messages
// carry an Envelope; reserved kinds carry their typed payload.
type InboxEntry struct {
	Kind    MessageKind `json:"kind"`
	Payload any         `json:"payload"`
}

// =============================================================================
// MAILBOX
// =============================================================================

// Mailbox holds one agent's message state across the round cycle:
//
//   - outbox: deliveries accumulated while the agent acts, drained by the
//     router at the delivery phase;
//   - inbox: deliveries appended by the router, drained once per round by
//     the clearing dispatcher;
//   - topics: ordinary envelopes filed by the clearing pass, read by the
//     agent through Messages/AllMessages.
//
// A mailbox is intentionally not safe for concurrent use: the engine
// guarantees a single logical thread per agent, and cross-agent movement
// happens only through the router during the delivery phase.
type Mailbox struct {
	owner  AgentID
	logger Logger
	rng    *rand.Rand

	inbox  []InboxEntry
	topics map[string][]Envelope
	outbox []Delivery
}

// NewMailbox creates a mailbox for owner with time-derived retrieval
// randomness. Use NewMailboxSeeded for reproducible runs.
func NewMailbox(owner AgentID, logger Logger) *Mailbox {
	return NewMailboxSeeded(owner, time.Now().UnixNano(), logger)
}

// NewMailboxSeeded creates a mailbox whose retrieval permutations are
// driven by the given seed. Simulation randomness only, not cryptographic:
// runs must be reproducible.
func NewMailboxSeeded(owner AgentID, seed int64, logger Logger) *Mailbox {
	if logger == nil {
		logger = NoOpLogger{}
	}
	return &Mailbox{
		owner:  owner,
		logger: logger,
		rng:    rand.New(rand.NewSource(seed)),
		topics: make(map[string][]Envelope),
	}
}

// Owner returns the identity this mailbox belongs to.
func (m *Mailbox) Owner() AgentID {
	return m.owner
}

// =============================================================================
// SENDING
// =============================================================================

// Send queues an ordinary message for delivery at the next round boundary.
// It never fails and never blocks; whether the receiver exists is the
// router's business at delivery time. The topic becomes the entry's kind, so
// a reserved kind used as a topic will be interpreted as protocol traffic by
// the receiver's clearing pass.
func (m *Mailbox) Send(receiver AgentID, topic string, content any) {
	m.Post(receiver, MessageKind(topic), NewEnvelope(m.owner, receiver, topic, content))
}

// Post queues a protocol payload under an explicit kind. The trading verbs
// use it for offers, quotes, transfers and contract traffic.
func (m *Mailbox) Post(receiver AgentID, kind MessageKind, payload any) {
	m.outbox = append(m.outbox, Delivery{
		Receiver: receiver,
		Kind:     kind,
		Payload:  payload,
	})
}

// =============================================================================
// RETRIEVAL
// =============================================================================

// Messages returns every envelope filed under topic in a uniform random
// permutation and removes the topic from the queue map. Retrieving a topic
// that was never populated returns an empty result without creating an
// entry; a second retrieval in the same round is likewise empty, never an
// error.
func (m *Mailbox) Messages(topic string) []Envelope {
	envs, ok := m.topics[topic]
	if !ok {
		return nil
	}
	delete(m.topics, topic)
	return m.permute(envs)
}

// AllMessages returns every queued topic, each independently permuted, and
// leaves the queue map empty.
func (m *Mailbox) AllMessages() map[string][]Envelope {
	out := make(map[string][]Envelope, len(m.topics))
	for topic, envs := range m.topics {
		out[topic] = m.permute(envs)
	}
	m.topics = make(map[string][]Envelope)
	return out
}

// permute returns a fresh uniformly shuffled copy (Fisher-Yates via
// rand.Shuffle, unbiased).
func (m *Mailbox) permute(envs []Envelope) []Envelope {
	out := make([]Envelope, len(envs))
	copy(out, envs)
	m.rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

// Shuffle permutes n elements through swap using the mailbox's own random
// stream. Offer and quote retrieval use it so one seed drives all of an
// agent's retrieval randomness.
func (m *Mailbox) Shuffle(n int, swap func(i, j int)) {
	m.rng.Shuffle(n, swap)
}

// =============================================================================
// ROUTER AND CLEARING EDGES
// =============================================================================

// Deposit appends a delivered entry to the inbox. Normally only the router
// calls this, during the delivery phase.
func (m *Mailbox) Deposit(kind MessageKind, payload any) {
	m.inbox = append(m.inbox, InboxEntry{Kind: kind, Payload: payload})
}

// TakeInbox snapshots the inbox and unconditionally clears it, so no entry
// can ever be processed twice. The clearing dispatcher is the only intended
// caller.
func (m *Mailbox) TakeInbox() []InboxEntry {
	entries := m.inbox
	m.inbox = nil
	return entries
}

// takeOutbox drains the accumulated deliveries. Router use only.
func (m *Mailbox) takeOutbox() []Delivery {
	deliveries := m.outbox
	m.outbox = nil
	return deliveries
}

// fileTopic files an ordinary envelope under its kind; the clearing
// dispatcher's default arm calls this.
func (m *Mailbox) fileTopic(kind MessageKind, env Envelope) {
	m.topics[string(kind)] = append(m.topics[string(kind)], env)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// InboxSize returns the number of delivered entries awaiting clearing.
func (m *Mailbox) InboxSize() int {
	return len(m.inbox)
}

// OutboxSize returns the number of deliveries awaiting the router.
func (m *Mailbox) OutboxSize() int {
	return len(m.outbox)
}

// QueuedTopics returns the per-topic envelope counts currently filed.
func (m *Mailbox) QueuedTopics() map[string]int {
	counts := make(map[string]int, len(m.topics))
	for topic, envs := range m.topics {
		counts[topic] = len(envs)
	}
	return counts
}
