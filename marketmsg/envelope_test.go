package marketmsg

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// IDENTITY TESTS
// =============================================================================

func TestAgentIDString(t *testing.T) {
	// Canonical form is group:num.
	id := AgentID{Group: "firm", Num: 3}
	assert.Equal(t, "firm:3", id.String())
}

func TestAgentIDLabel(t *testing.T) {
	// Group verbosity collapses to the group name; individual keeps both.
	id := AgentID{Group: "household", Num: 7}
	assert.Equal(t, "household", id.Label(TradeLoggingGroup))
	assert.Equal(t, "household:7", id.Label(TradeLoggingIndividual))
}

func TestParseAgentID(t *testing.T) {
	id, err := ParseAgentID("firm:12")
	require.NoError(t, err)
	assert.Equal(t, AgentID{Group: "firm", Num: 12}, id)
}

func TestParseAgentIDGroupWithColon(t *testing.T) {
	// Only the last colon separates the number.
	id, err := ParseAgentID("bank:retail:2")
	require.NoError(t, err)
	assert.Equal(t, AgentID{Group: "bank:retail", Num: 2}, id)
}

func TestParseAgentIDMalformed(t *testing.T) {
	for _, input := range []string{"", "firm", ":3", "firm:", "firm:x"} {
		_, err := ParseAgentID(input)
		assert.Error(t, err, "input %q", input)
	}
}

// =============================================================================
// ENVELOPE TESTS
// =============================================================================

func TestNewEnvelope(t *testing.T) {
	sender := AgentID{Group: "firm", Num: 0}
	receiver := AgentID{Group: "household", Num: 1}
	env := NewEnvelope(sender, receiver, "m", "hello")

	assert.Equal(t, sender, env.Sender)
	assert.Equal(t, receiver, env.Receiver)
	assert.Equal(t, "m", env.Topic)
	assert.Equal(t, "hello", env.Content)
}

func TestEnvelopeString(t *testing.T) {
	// The diagnostic form carries all four fields.
	env := NewEnvelope(AgentID{Group: "firm", Num: 0}, AgentID{Group: "household", Num: 2}, "news", 42)
	s := env.String()

	assert.Contains(t, s, "firm:0")
	assert.Contains(t, s, "household:2")
	assert.Contains(t, s, `"news"`)
	assert.Contains(t, s, "42")
}

func TestEnvelopeStateDictRoundTrip(t *testing.T) {
	env := NewEnvelope(AgentID{Group: "firm", Num: 0}, AgentID{Group: "household", Num: 2}, "m", "hello")

	restored, err := EnvelopeFromStateDict(env.ToStateDict())
	require.NoError(t, err)
	assert.Equal(t, env, restored)
}

func TestEnvelopeStateDictJSONRoundTrip(t *testing.T) {
	// A state dict must survive an actual JSON encode/decode cycle.
	env := NewEnvelope(AgentID{Group: "firm", Num: 0}, AgentID{Group: "household", Num: 2}, "m", "hello")

	raw, err := json.Marshal(env.ToStateDict())
	require.NoError(t, err)

	var state map[string]any
	require.NoError(t, json.Unmarshal(raw, &state))

	restored, err := EnvelopeFromStateDict(state)
	require.NoError(t, err)
	assert.Equal(t, env, restored)
}

func TestEnvelopeFromStateDictIdentityForms(t *testing.T) {
	// Identities may arrive as group:num strings or as decoded maps.
	state := map[string]any{
		"sender":   map[string]any{"group": "firm", "num": float64(4)},
		"receiver": "household:2",
		"topic":    "m",
		"content":  "hi",
	}

	env, err := EnvelopeFromStateDict(state)
	require.NoError(t, err)
	assert.Equal(t, AgentID{Group: "firm", Num: 4}, env.Sender)
	assert.Equal(t, AgentID{Group: "household", Num: 2}, env.Receiver)
}

func TestEnvelopeFromStateDictBadIdentity(t *testing.T) {
	_, err := EnvelopeFromStateDict(map[string]any{
		"sender":   12,
		"receiver": "household:2",
		"topic":    "m",
	})
	assert.Error(t, err)
}
