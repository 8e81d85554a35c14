// Package schema defines the normalized transcript schema: the closed set of
// content-block kinds emitted by the CLI adapters, the persisted Message
// record, and the Conversation metadata. It is both the persistence format
// and the wire format delivered to subscribers.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies a content-block type. The set is closed: adapters must map
// everything they see onto one of these, falling back to KindRaw.
type Kind string

const (
	KindText            Kind = "text"
	KindThinking        Kind = "thinking"
	KindToolUseStart    Kind = "tool_use_start"
	KindToolUseResult   Kind = "tool_use_result"
	KindFileRead        Kind = "file_read"
	KindFileEdit        Kind = "file_edit"
	KindCommandRun      Kind = "command_run"
	KindCodeBlock       Kind = "code_block"
	KindDiff            Kind = "diff"
	KindProgress        Kind = "progress"
	KindApprovalRequest Kind = "approval_request"
	KindUsage           Kind = "usage"
	KindSessionStart    Kind = "session_start"
	KindSessionEnd      Kind = "session_end"
	KindError           Kind = "error"
	KindRaw             Kind = "raw"
)

var kinds = map[Kind]bool{
	KindText: true, KindThinking: true, KindToolUseStart: true,
	KindToolUseResult: true, KindFileRead: true, KindFileEdit: true,
	KindCommandRun: true, KindCodeBlock: true, KindDiff: true,
	KindProgress: true, KindApprovalRequest: true, KindUsage: true,
	KindSessionStart: true, KindSessionEnd: true, KindError: true,
	KindRaw: true,
}

// Valid reports whether k is a member of the closed kind set.
func (k Kind) Valid() bool { return kinds[k] }

// Role identifies who produced a message. Empty means "not attributable"
// (most parser-produced blocks carry RoleAssistant; system notices carry
// RoleSystem).
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Approval actions, as classified by the adapters' approval detectors.
const (
	ApprovalFileEdit = "file_edit"
	ApprovalCommand  = "command"
	ApprovalGeneric  = "generic"
)

// ErrMissingField is returned by block constructors when a required field
// for the kind is absent. Callers are expected to fall back to a raw block.
var ErrMissingField = errors.New("missing required field")

// Block is one normalized unit of CLI output before it is bound to a
// conversation. The session runtime wraps blocks into Messages; only the
// fields relevant to the kind are set.
type Block struct {
	Kind      Kind
	Role      Role
	IsPartial bool

	Content      string
	ToolID       string
	ToolName     string
	Input        json.RawMessage
	IsError      bool
	Path         string
	Command      string
	Language     string
	Code         string
	InputTokens  int64
	OutputTokens int64

	// Raw preserves the original payload for blocks that could not be fully
	// normalized, so no data is lost.
	Raw json.RawMessage
}

// Text returns a plain text block. Empty content is permitted: an empty
// input line still maps to exactly one block.
func Text(content string) Block {
	return Block{Kind: KindText, Role: RoleAssistant, Content: content}
}

// TextDelta returns a streaming text delta carrying a fragment of the
// assistant's reply.
func TextDelta(content string) Block {
	return Block{Kind: KindText, Role: RoleAssistant, Content: content, IsPartial: true}
}

// UserText returns a text block attributed to the user.
func UserText(content string) Block {
	return Block{Kind: KindText, Role: RoleUser, Content: content}
}

// Thinking returns a reasoning block.
func Thinking(content string, partial bool) Block {
	return Block{Kind: KindThinking, Role: RoleAssistant, Content: content, IsPartial: partial}
}

// ToolUseStart returns a block announcing a tool invocation.
func ToolUseStart(toolID, toolName string, input json.RawMessage) (Block, error) {
	if toolID == "" || toolName == "" {
		return Block{}, fmt.Errorf("tool_use_start: %w: toolId and toolName", ErrMissingField)
	}
	return Block{Kind: KindToolUseStart, Role: RoleAssistant, ToolID: toolID, ToolName: toolName, Input: input}, nil
}

// ToolUseResult returns a block carrying a tool's output.
func ToolUseResult(toolID, content string, isError bool) (Block, error) {
	if toolID == "" {
		return Block{}, fmt.Errorf("tool_use_result: %w: toolId", ErrMissingField)
	}
	return Block{Kind: KindToolUseResult, Role: RoleAssistant, ToolID: toolID, Content: content, IsError: isError}, nil
}

// FileRead returns a block recording that the agent read a file.
func FileRead(path string) (Block, error) {
	if path == "" {
		return Block{}, fmt.Errorf("file_read: %w: path", ErrMissingField)
	}
	return Block{Kind: KindFileRead, Role: RoleAssistant, Path: path}, nil
}

// FileEdit returns a block recording that the agent wrote or edited a file.
func FileEdit(path string) (Block, error) {
	if path == "" {
		return Block{}, fmt.Errorf("file_edit: %w: path", ErrMissingField)
	}
	return Block{Kind: KindFileEdit, Role: RoleAssistant, Path: path}, nil
}

// CommandRun returns a block recording a shell command execution.
func CommandRun(command string) (Block, error) {
	if command == "" {
		return Block{}, fmt.Errorf("command_run: %w: command", ErrMissingField)
	}
	return Block{Kind: KindCommandRun, Role: RoleAssistant, Command: command}, nil
}

// CodeBlock returns a fenced code block with an optional language tag.
func CodeBlock(language, code string) (Block, error) {
	if code == "" {
		return Block{}, fmt.Errorf("code_block: %w: code", ErrMissingField)
	}
	return Block{Kind: KindCodeBlock, Role: RoleAssistant, Language: language, Code: code}, nil
}

// Diff returns a block carrying unified-diff content.
func Diff(content string) (Block, error) {
	if content == "" {
		return Block{}, fmt.Errorf("diff: %w: content", ErrMissingField)
	}
	return Block{Kind: KindDiff, Role: RoleAssistant, Content: content}, nil
}

// Progress returns a status/progress line.
func Progress(content string) Block {
	return Block{Kind: KindProgress, Role: RoleAssistant, Content: content}
}

// ApprovalRequest returns a block asking the user to approve an action. The
// input payload carries the action category and the prompt line the CLI
// printed, so clients can render the question without scanning back.
func ApprovalRequest(action, prompt string) (Block, error) {
	switch action {
	case ApprovalFileEdit, ApprovalCommand, ApprovalGeneric:
	default:
		return Block{}, fmt.Errorf("approval_request: %w: action", ErrMissingField)
	}
	payload := map[string]string{"action": action}
	if prompt != "" {
		payload["prompt"] = prompt
	}
	input, _ := json.Marshal(payload)
	return Block{Kind: KindApprovalRequest, Role: RoleAssistant, Input: input}, nil
}

// Usage returns a token accounting block.
func Usage(inputTokens, outputTokens int64) Block {
	return Block{Kind: KindUsage, InputTokens: inputTokens, OutputTokens: outputTokens}
}

// SessionStart returns a block marking the start of a CLI turn or session.
// Content carries the model name when the CLI reports one.
func SessionStart(model string) Block {
	return Block{Kind: KindSessionStart, Role: RoleSystem, Content: model}
}

// SessionEnd returns a block marking the end of a CLI turn or session.
// Content carries the stop reason; isError marks abnormal termination.
func SessionEnd(reason string, isError bool) Block {
	return Block{Kind: KindSessionEnd, Role: RoleSystem, Content: reason, IsError: isError}
}

// ErrorBlock returns a terminal error notice.
func ErrorBlock(message string) (Block, error) {
	if message == "" {
		return Block{}, fmt.Errorf("error: %w: content", ErrMissingField)
	}
	return Block{Kind: KindError, Role: RoleSystem, Content: message, IsError: true}, nil
}

// RawBlock returns the lossless fallback carrying an unparseable or
// unrecognized payload verbatim.
func RawBlock(payload []byte) Block {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return Block{Kind: KindRaw, Raw: cp}
}

// ApprovalAction extracts the action category from an approval_request
// block's input payload. Returns ApprovalGeneric when absent.
func (b Block) ApprovalAction() string {
	var in struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(b.Input, &in); err != nil || in.Action == "" {
		return ApprovalGeneric
	}
	return in.Action
}

// ApprovalPrompt extracts the prompt line from an approval_request block's
// input payload. Empty when the prompt was not captured.
func (b Block) ApprovalPrompt() string {
	var in struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(b.Input, &in); err != nil {
		return ""
	}
	return in.Prompt
}
