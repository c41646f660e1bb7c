package marketmsg

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
)

// =============================================================================
// AGENT IDENTITY
// =============================================================================

// AgentID identifies an agent by group name and numeric index within the
// group. It is a comparable value type and is used directly as a map key by
// the delivery registry.
type AgentID struct {
	Group string `json:"group"`
	Num   int    `json:"num"`
}

// String renders the canonical group:num form used in logs, trade records
// and protocol-violation dumps.
func (id AgentID) String() string {
	return id.Group + ":" + strconv.Itoa(id.Num)
}

// Label returns the identity at the requested trade-logging verbosity:
// the group name alone at group level, the full group:num form otherwise.
func (id AgentID) Label(level TradeLogging) string {
	if level == TradeLoggingGroup {
		return id.Group
	}
	return id.String()
}

// SeedFor derives a per-identity RNG seed from a simulation-wide base seed,
// so every agent gets its own reproducible stream. FNV-1a over the canonical
// identity string, folded into the base.
func SeedFor(id AgentID, base int64) int64 {
	h := fnv.New64a()
	h.Write([]byte(id.String()))
	return base ^ int64(h.Sum64())
}

// ParseAgentID parses the group:num form produced by String.
func ParseAgentID(s string) (AgentID, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return AgentID{}, fmt.Errorf("malformed agent id %q: want group:num", s)
	}
	num, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return AgentID{}, fmt.Errorf("malformed agent id %q: %w", s, err)
	}
	return AgentID{Group: s[:i], Num: num}, nil
}

// =============================================================================
// ENVELOPE
// =============================================================================

// Envelope is the unit of ordinary (non-protocol) communication between two
// agents. Envelopes have value semantics and are treated as immutable once
// created: the messaging layer copies them by value and never writes to one
// after construction. Content is opaque to the layer.
type Envelope struct {
	Sender   AgentID `json:"sender"`
	Receiver AgentID `json:"receiver"`
	Topic    string  `json:"topic"`
	Content  any     `json:"content"`
}

// NewEnvelope creates an envelope for content sent by sender to receiver
// under topic.
func NewEnvelope(sender, receiver AgentID, topic string, content any) Envelope {
	return Envelope{
		Sender:   sender,
		Receiver: receiver,
		Topic:    topic,
		Content:  content,
	}
}

// String returns a readable diagnostic form carrying all four fields. It is
// what protocol-violation dumps embed.
func (e Envelope) String() string {
	return fmt.Sprintf("<envelope sender=%s receiver=%s topic=%q content=%v>",
		e.Sender, e.Receiver, e.Topic, e.Content)
}

// ToStateDict converts the envelope to a plain map for JSON transport.
func (e Envelope) ToStateDict() map[string]any {
	return map[string]any{
		"sender":   e.Sender.String(),
		"receiver": e.Receiver.String(),
		"topic":    e.Topic,
		"content":  e.Content,
	}
}

// EnvelopeFromStateDict restores an envelope from its ToStateDict form.
// Identities may appear either as group:num strings or as nested maps with
// group/num keys (the JSON-decoded struct form).
func EnvelopeFromStateDict(state map[string]any) (Envelope, error) {
	sender, err := agentIDFromState(state["sender"])
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope sender: %w", err)
	}
	receiver, err := agentIDFromState(state["receiver"])
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope receiver: %w", err)
	}
	topic, _ := state["topic"].(string)
	return Envelope{
		Sender:   sender,
		Receiver: receiver,
		Topic:    topic,
		Content:  state["content"],
	}, nil
}

// agentIDFromState accepts both wire forms of an identity.
func agentIDFromState(v any) (AgentID, error) {
	switch t := v.(type) {
	case string:
		return ParseAgentID(t)
	case map[string]any:
		group, _ := t["group"].(string)
		num := 0
		switch n := t["num"].(type) {
		case int:
			num = n
		case int64:
			num = int(n)
		case float64:
			num = int(n)
		}
		if group == "" {
			return AgentID{}, fmt.Errorf("identity map missing group: %v", t)
		}
		return AgentID{Group: group, Num: num}, nil
	case AgentID:
		return t, nil
	default:
		return AgentID{}, fmt.Errorf("unsupported identity form %T", v)
	}
}
