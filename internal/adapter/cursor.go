package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tetherhq/tether/internal/schema"
)

// CursorAgent drives the Cursor CLI. It is the only supported tool with a
// native create command; `create-chat` prints the session id. Sends use the
// headless `-p -f --output-format stream-json` mode; interactive attach
// resumes the session in a PTY REPL.
type CursorAgent struct{}

func (a *CursorAgent) Tool() string          { return schema.ToolCursorAgent }
func (a *CursorAgent) Executables() []string { return []string{"cursor-agent"} }
func (a *CursorAgent) Strategy() Strategy    { return StrategyANSIText }

func (a *CursorAgent) CreateArgs(opts Options) ([]string, bool) {
	args := []string{"create-chat"}
	if opts.ProjectPath != "" {
		args = append(args, "--workspace", opts.ProjectPath)
	}
	return args, true
}

func (a *CursorAgent) SendArgs(sessionID, message string, opts Options) []string {
	args := []string{"--resume", sessionID, "-p", "-f", "--output-format", "stream-json"}
	args = append(args, a.commonArgs(opts)...)
	return append(args, message)
}

func (a *CursorAgent) InteractiveArgs(sessionID string, opts Options) []string {
	args := []string{"--resume", sessionID}
	return append(args, a.commonArgs(opts)...)
}

func (a *CursorAgent) commonArgs(opts Options) []string {
	var args []string
	if opts.ProjectPath != "" {
		args = append(args, "--workspace", opts.ProjectPath)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Mode == schema.ModePlan || opts.Mode == schema.ModeAsk {
		args = append(args, "--mode", opts.Mode)
	}
	return args
}

// ParseCreateOutput returns the id the CLI printed, verbatim after trimming.
func (a *CursorAgent) ParseCreateOutput(out string) (string, error) {
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("cursor-agent: create-chat printed no id")
	}
	return id, nil
}

// cursorEvent is the envelope of one stream-json line.
type cursorEvent struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype"`
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`
	ToolCall  json.RawMessage `json:"tool_call"`
	Result    string          `json:"result"`
	Model     string          `json:"model"`
}

func (a *CursorAgent) ParseJSONEvent(line []byte) []schema.Block {
	var ev cursorEvent
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		return []schema.Block{schema.RawBlock(line)}
	}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" {
			return []schema.Block{schema.SessionStart(ev.Model)}
		}
		return nil

	case "assistant":
		var msg struct {
			Content []claudeContentBlock `json:"content"`
		}
		if err := json.Unmarshal(ev.Message, &msg); err != nil {
			return []schema.Block{schema.RawBlock(line)}
		}
		var blocks []schema.Block
		for _, c := range msg.Content {
			switch c.Type {
			case "text":
				if c.Text != "" {
					blocks = append(blocks, schema.Text(c.Text))
				}
			case "thinking":
				if c.Thinking != "" {
					blocks = append(blocks, schema.Thinking(c.Thinking, false))
				}
			case "tool_use":
				if b, err := schema.ToolUseStart(c.ID, c.Name, c.Input); err == nil {
					blocks = append(blocks, b)
				} else {
					blocks = append(blocks, schema.RawBlock(line))
				}
			case "tool_result":
				if b, err := schema.ToolUseResult(c.ToolUseID, extractResultText(c.Content), c.IsError); err == nil {
					blocks = append(blocks, b)
				}
			}
		}
		return blocks

	case "tool_call":
		return a.parseToolCall(ev, line)

	case "result":
		return []schema.Block{schema.SessionEnd(ev.Subtype, ev.Subtype == "error")}

	default:
		return []schema.Block{schema.RawBlock(line)}
	}
}

// parseToolCall maps cursor's keyed tool_call payloads (readToolCall,
// shellToolCall, ...) onto tool blocks.
func (a *CursorAgent) parseToolCall(ev cursorEvent, line []byte) []schema.Block {
	var calls map[string]struct {
		ToolCallID string          `json:"tool_call_id"`
		Args       json.RawMessage `json:"args"`
		Result     json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(ev.ToolCall, &calls); err != nil {
		return []schema.Block{schema.RawBlock(line)}
	}

	for key, call := range calls {
		name := strings.TrimSuffix(key, "ToolCall")
		id := call.ToolCallID
		if id == "" {
			id = key
		}
		if ev.Subtype == "completed" {
			isErr := false
			if len(call.Result) > 0 && !json.Valid(call.Result) {
				isErr = true
			}
			if b, err := schema.ToolUseResult(id, string(call.Result), isErr); err == nil {
				return []schema.Block{b}
			}
		}
		if b, err := schema.ToolUseStart(id, name, call.Args); err == nil {
			return []schema.Block{b}
		}
	}
	return []schema.Block{schema.RawBlock(line)}
}

func (a *CursorAgent) ParseTextLine(stripped, _ string) schema.Block {
	return classifyLine(stripped)
}

func (a *CursorAgent) DetectApproval(stripped string) (string, bool) {
	return detectApproval(stripped)
}
