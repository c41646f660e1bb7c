// Package main provides the mailbox CLI for driving the messaging protocol
// from non-Go harnesses.
//
// The CLI reads one agent's messaging state as JSON from stdin, performs an
// operation through the real protocol types, and writes the updated state to
// stdout. The state document is the mailbox state dict (owner, inbox,
// topics, outbox) plus the market books under "books" and two CLI-level
// keys, "seed" and "round". A harness that owns many agents routes outbox
// entries between their documents itself: each entry's kind and payload move
// verbatim into the receiver's inbox, exactly what the in-process router
// does.
//
// Usage:
//
//	# Queue an ordinary message
//	echo '{"owner":"firm:0","receiver":"house:1","content":"hi"}' | mailbox send
//
//	# Fold delivered inbox entries into topic queues and market books
//	cat state.json | mailbox clear
//
//	# Drain one topic in a uniform random permutation
//	cat state.json | mailbox messages
//
//	# End-of-round lost-message audit
//	cat state.json | mailbox audit
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/agorasim-collective/marketcore/marketmsg"
	"github.com/agorasim-collective/marketcore/simengine/typeutil"
)

const (
	cmdSend     = "send"
	cmdClear    = "clear"
	cmdMessages = "messages"
	cmdAudit    = "audit"
	cmdVersion  = "version"
)

// Version information
const (
	Version   = "1.0.0"
	BuildTime = "2026-08-25"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case cmdVersion:
		handleVersion()
	case cmdSend:
		handleSend()
	case cmdClear:
		handleClear()
	case cmdMessages:
		handleMessages()
	case cmdAudit:
		handleAudit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `Usage: mailbox <command>

Commands:
  send      Queue an ordinary message in the owner's outbox
  clear     Fold delivered inbox entries into topic queues and market books
  messages  Drain one topic in a uniform random permutation
  audit     Run the end-of-round lost-message checks
  version   Print version information

Input/Output:
  All commands read a state document as JSON from stdin and write JSON to
  stdout. Failures write {"error":true,"code":...,"message":...} and exit
  nonzero.

Examples:
  echo '{"owner":"firm:0","receiver":"house:1","content":"hi"}' | mailbox send
  cat state.json | mailbox clear
  cat state.json | mailbox messages`)
}

// =============================================================================
// STATE DOCUMENT
// =============================================================================

// fixedClock satisfies marketmsg.RoundClock for the document-supplied round.
type fixedClock int

func (c fixedClock) Round() int { return int(c) }

// loadState reads and parses the state document from stdin.
func loadState() map[string]any {
	input, err := readInput()
	if err != nil {
		writeError("read_error", err.Error())
		os.Exit(1)
	}

	var state map[string]any
	if err := json.Unmarshal(input, &state); err != nil {
		writeError("parse_error", fmt.Sprintf("Invalid JSON: %s", err.Error()))
		os.Exit(1)
	}
	return state
}

// restoreMailbox rebuilds the live mailbox from the document. The seed key
// drives retrieval randomness, so a harness replaying the same document gets
// the same permutations.
func restoreMailbox(state map[string]any) *marketmsg.Mailbox {
	seed := typeutil.SafeInt64Default(state["seed"], 0)
	mb, err := marketmsg.MailboxFromStateDict(state, seed, nil)
	if err != nil {
		writeError("invalid_state", err.Error())
		os.Exit(1)
	}
	return mb
}

// restoreBooks rebuilds the market books from the document's books key;
// an absent key starts them empty.
func restoreBooks(state map[string]any) *marketmsg.MarketBooks {
	booksState, _ := typeutil.SafeMapStringAny(state["books"])
	books, err := marketmsg.BooksFromStateDict(booksState)
	if err != nil {
		writeError("invalid_state", err.Error())
		os.Exit(1)
	}
	return books
}

// stateOut converts live state back to document form. Books pass through
// untouched when the command did not run a clearing pass over them.
func stateOut(mb *marketmsg.Mailbox, books *marketmsg.MarketBooks, state map[string]any) map[string]any {
	out := mb.ToStateDict()
	out["seed"] = typeutil.SafeInt64Default(state["seed"], 0)
	out["round"] = typeutil.SafeIntDefault(state["round"], 0)
	if books != nil {
		out["books"] = books.ToStateDict()
	} else if existing, ok := state["books"]; ok {
		out["books"] = existing
	}
	return out
}

// =============================================================================
// COMMAND HANDLERS
// =============================================================================

// handleVersion prints version information.
func handleVersion() {
	output := map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	}
	writeJSON(output)
}

// handleSend queues one ordinary message in the owner's outbox. The
// receiver, topic and content ride in the document beside the state keys.
func handleSend() {
	state := loadState()

	receiver := typeutil.SafeStringDefault(state["receiver"], "")
	if receiver == "" {
		writeError("missing_field", "receiver is required")
		os.Exit(1)
	}
	rid, err := marketmsg.ParseAgentID(receiver)
	if err != nil {
		writeError("invalid_agent", err.Error())
		os.Exit(1)
	}

	topic := typeutil.SafeStringDefault(state["topic"], "")
	if topic == "" {
		topic = marketmsg.DefaultTopic
	}

	mb := restoreMailbox(state)
	mb.Send(rid, topic, state["content"])

	writeJSON(stateOut(mb, nil, state))
}

// handleClear folds delivered inbox entries into topic queues and market
// books through the real clearing dispatcher.
func handleClear() {
	state := loadState()

	mb := restoreMailbox(state)
	books := restoreBooks(state)
	round := typeutil.SafeIntDefault(state["round"], 0)

	dispatcher := marketmsg.NewDispatcher(mb.Owner(), fixedClock(round), books, nil, nil, marketmsg.TradeLoggingOff)
	if err := dispatcher.Clear(mb); err != nil {
		writeError("protocol_violation", err.Error())
		os.Exit(1)
	}

	writeJSON(stateOut(mb, books, state))
}

// handleMessages drains one topic and returns its envelopes alongside the
// remaining state.
func handleMessages() {
	state := loadState()

	topic := typeutil.SafeStringDefault(state["topic"], "")
	if topic == "" {
		topic = marketmsg.DefaultTopic
	}

	mb := restoreMailbox(state)

	messages := make([]any, 0)
	for _, env := range mb.Messages(topic) {
		messages = append(messages, env.ToStateDict())
	}

	out := stateOut(mb, nil, state)
	out["topic"] = topic
	out["messages"] = messages
	writeJSON(out)
}

// handleAudit runs the end-of-round lost-message checks over the mailbox and
// books. Delivered entries are folded first, matching the engine's
// clear-then-audit round boundary.
func handleAudit() {
	state := loadState()

	mb := restoreMailbox(state)
	books := restoreBooks(state)
	round := typeutil.SafeIntDefault(state["round"], 0)

	dispatcher := marketmsg.NewDispatcher(mb.Owner(), fixedClock(round), books, nil, nil, marketmsg.TradeLoggingOff)
	if err := dispatcher.Clear(mb); err != nil {
		writeError("protocol_violation", err.Error())
		os.Exit(1)
	}

	violations := []string{}
	auditor := marketmsg.NewAuditor(true, fixedClock(round))
	if err := auditor.CheckRoundEnd(mb.Owner(), books, mb); err != nil {
		violations = append(violations, err.Error())
	}

	result := map[string]any{
		"agent":      mb.Owner().String(),
		"round":      round,
		"passed":     len(violations) == 0,
		"violations": violations,
	}
	writeJSON(result)
}

// =============================================================================
// IO HELPERS
// =============================================================================

// readInput reads all input from stdin.
func readInput() ([]byte, error) {
	reader := bufio.NewReader(os.Stdin)
	return io.ReadAll(reader)
}

// writeJSON writes a JSON object to stdout.
func writeJSON(v any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %s\n", err.Error())
		os.Exit(1)
	}
}

// writeError writes an error response to stdout.
func writeError(code, message string) {
	result := map[string]any{
		"error":   true,
		"code":    code,
		"message": message,
	}
	writeJSON(result)
}
