// Package adapter defines the per-tool plug-ins that know how to invoke and
// parse one AI CLI, and a registry for tool-to-adapter mapping.
package adapter

import (
	"github.com/tetherhq/tether/internal/schema"
)

// Strategy declares how an adapter's live output stream should be parsed.
type Strategy string

const (
	// StrategyJSONLines means the CLI emits one JSON event per line.
	StrategyJSONLines Strategy = "json-lines"
	// StrategyANSIText means the CLI emits free text with ANSI escapes.
	// JSON events are still accepted when a line parses as one.
	StrategyANSIText Strategy = "ansi-text"
)

// Options carry per-conversation invocation options.
type Options struct {
	ProjectPath string
	Model       string
	Mode        string // "agent", "plan", "ask"
}

// Adapter is the capability set every supported AI CLI implements. Adapters
// are stateless and freely shared; all per-conversation state lives in the
// session runtime.
type Adapter interface {
	// Tool returns the canonical tool name ("cursor-agent", "claude", "gemini").
	Tool() string

	// Executables returns candidate executable names, tried in order.
	Executables() []string

	// Strategy returns how the live stream should be parsed.
	Strategy() Strategy

	// CreateArgs returns the argv (after the executable) that makes the CLI
	// create a native session and print its id. ok=false means the CLI has
	// no create command and the caller must generate the id itself.
	CreateArgs(opts Options) (args []string, ok bool)

	// SendArgs returns the argv for a headless one-shot send of message to
	// the session identified by sessionID.
	SendArgs(sessionID, message string, opts Options) []string

	// InteractiveArgs returns the argv for attaching a long-lived REPL to
	// the session. The child is expected to run under a PTY.
	InteractiveArgs(sessionID string, opts Options) []string

	// ParseCreateOutput extracts the session id from the create command's
	// combined output.
	ParseCreateOutput(out string) (string, error)

	// ParseJSONEvent parses one structured event into zero or more blocks,
	// in the order the items appear in the event. A malformed or
	// unrecognized event yields a single raw block; the result is never
	// empty for a non-empty line unless the event is deliberately silent
	// (pure bookkeeping events such as delta framing).
	ParseJSONEvent(line []byte) []schema.Block

	// ParseTextLine classifies one ANSI-stripped line into exactly one
	// block. Unrecognized lines become plain text.
	ParseTextLine(stripped, original string) schema.Block

	// DetectApproval reports whether the line is an approval prompt and, if
	// so, the action category (schema.ApprovalFileEdit and friends).
	DetectApproval(stripped string) (action string, ok bool)
}
