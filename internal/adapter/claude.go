package adapter

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tetherhq/tether/internal/schema"
)

// Claude drives the Claude Code CLI in `--print --output-format stream-json`
// mode. The CLI has no create command: the broker generates a UUID and pins
// it with --session-id on every invocation.
type Claude struct{}

func (a *Claude) Tool() string          { return schema.ToolClaude }
func (a *Claude) Executables() []string { return []string{"claude", "claude-code"} }
func (a *Claude) Strategy() Strategy    { return StrategyJSONLines }

// CreateArgs reports that the caller must generate the session id.
func (a *Claude) CreateArgs(Options) ([]string, bool) { return nil, false }

func (a *Claude) SendArgs(sessionID, message string, opts Options) []string {
	args := []string{"--print", "--output-format", "stream-json", "--session-id", sessionID}
	if opts.ProjectPath != "" {
		args = append(args, "--workspace", opts.ProjectPath)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Mode == schema.ModePlan {
		args = append(args, "--permission-mode", "plan")
	}
	return append(args, message)
}

func (a *Claude) InteractiveArgs(sessionID string, opts Options) []string {
	args := []string{"--resume", "--session-id", sessionID}
	if opts.ProjectPath != "" {
		args = append(args, "--workspace", opts.ProjectPath)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.Mode == schema.ModePlan {
		args = append(args, "--permission-mode", "plan")
	}
	return args
}

func (a *Claude) ParseCreateOutput(string) (string, error) {
	return "", fmt.Errorf("claude: no create command")
}

// claudeEvent is the envelope of one stream-json line.
type claudeEvent struct {
	Type       string          `json:"type"`
	Subtype    string          `json:"subtype"`
	SessionID  string          `json:"session_id"`
	StopReason string          `json:"stop_reason"`
	Model      string          `json:"model"`
	Message    json.RawMessage `json:"message"`
	Delta      json.RawMessage `json:"delta"`
	Usage      *claudeUsage    `json:"usage"`
	IsError    bool            `json:"is_error"`
	Result     string          `json:"result"`
}

type claudeUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type claudeContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

func (a *Claude) ParseJSONEvent(line []byte) []schema.Block {
	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
		return []schema.Block{schema.RawBlock(line)}
	}

	switch ev.Type {
	case "message_start":
		var msg struct {
			Model string `json:"model"`
		}
		_ = json.Unmarshal(ev.Message, &msg)
		return []schema.Block{schema.SessionStart(msg.Model)}

	case "system":
		// The init event reports session metadata; other system events are
		// informational text.
		if ev.Subtype == "init" {
			return []schema.Block{schema.SessionStart(ev.Model)}
		}
		var text string
		if err := json.Unmarshal(ev.Message, &text); err == nil && text != "" {
			b := schema.Text(text)
			b.Role = schema.RoleSystem
			return []schema.Block{b}
		}
		return nil

	case "content_block_delta":
		var delta struct {
			Type     string `json:"type"`
			Text     string `json:"text"`
			Thinking string `json:"thinking"`
		}
		if err := json.Unmarshal(ev.Delta, &delta); err != nil {
			return []schema.Block{schema.RawBlock(line)}
		}
		switch delta.Type {
		case "text_delta":
			return []schema.Block{schema.TextDelta(delta.Text)}
		case "thinking_delta":
			return []schema.Block{schema.Thinking(delta.Thinking, true)}
		}
		return nil

	case "content_block_start":
		var cb struct {
			ContentBlock claudeContentBlock `json:"content_block"`
		}
		if err := json.Unmarshal(line, &cb); err == nil && cb.ContentBlock.Type == "tool_use" {
			if b, err := schema.ToolUseStart(cb.ContentBlock.ID, cb.ContentBlock.Name, cb.ContentBlock.Input); err == nil {
				return []schema.Block{b}
			}
		}
		return nil

	case "assistant":
		return a.parseAssistant(ev.Message, line)

	case "user":
		return a.parseToolResults(ev.Message)

	case "message_delta":
		if ev.Usage != nil {
			return []schema.Block{schema.Usage(ev.Usage.InputTokens, ev.Usage.OutputTokens)}
		}
		return nil

	case "message_stop":
		return []schema.Block{schema.SessionEnd(ev.StopReason, false)}

	case "result":
		// Carries the final accounting for a --print turn. The result text
		// duplicates the assistant content and is not re-emitted.
		var blocks []schema.Block
		if ev.Usage != nil {
			blocks = append(blocks, schema.Usage(ev.Usage.InputTokens, ev.Usage.OutputTokens))
		}
		blocks = append(blocks, schema.SessionEnd(ev.Subtype, ev.IsError))
		return blocks

	case "content_block_stop", "ping":
		return nil

	default:
		return []schema.Block{schema.RawBlock(line)}
	}
}

// parseAssistant expands a full assistant message into blocks, preserving
// the order of its content items.
func (a *Claude) parseAssistant(message, line []byte) []schema.Block {
	var msg struct {
		Content []claudeContentBlock `json:"content"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
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
		}
	}
	return blocks
}

// parseToolResults extracts tool_result items from a user event. Plain
// string content is the echoed prompt and is skipped.
func (a *Claude) parseToolResults(message []byte) []schema.Block {
	var msg struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return nil
	}
	var items []claudeContentBlock
	if err := json.Unmarshal(msg.Content, &items); err != nil {
		return nil
	}

	var blocks []schema.Block
	for _, c := range items {
		if c.Type != "tool_result" {
			continue
		}
		if b, err := schema.ToolUseResult(c.ToolUseID, extractResultText(c.Content), c.IsError); err == nil {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

// extractResultText flattens a tool_result content field, which can be a
// string or an array of content blocks.
func extractResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &items); err == nil {
		var texts []string
		for _, it := range items {
			if it.Type == "text" && it.Text != "" {
				texts = append(texts, it.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return string(raw)
}

func (a *Claude) ParseTextLine(stripped, _ string) schema.Block {
	return classifyLine(stripped)
}

func (a *Claude) DetectApproval(stripped string) (string, bool) {
	return detectApproval(stripped)
}
