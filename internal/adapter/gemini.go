package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/tetherhq/tether/internal/schema"
)

// Gemini drives the Gemini CLI. It has no create command and no resume flag
// pair; the broker generates the id and passes it with --session-id. Output
// is mostly free text with ANSI styling, with occasional structured events.
type Gemini struct{}

func (a *Gemini) Tool() string          { return schema.ToolGemini }
func (a *Gemini) Executables() []string { return []string{"gemini"} }
func (a *Gemini) Strategy() Strategy    { return StrategyANSIText }

func (a *Gemini) CreateArgs(Options) ([]string, bool) { return nil, false }

func (a *Gemini) SendArgs(sessionID, message string, opts Options) []string {
	args := []string{"--prompt", message}
	return append(args, a.commonArgs(sessionID, opts)...)
}

func (a *Gemini) InteractiveArgs(sessionID string, opts Options) []string {
	return a.commonArgs(sessionID, opts)
}

func (a *Gemini) commonArgs(sessionID string, opts Options) []string {
	var args []string
	if opts.ProjectPath != "" {
		args = append(args, "--workspace", opts.ProjectPath)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if sessionID != "" {
		args = append(args, "--session-id", sessionID)
	}
	return args
}

func (a *Gemini) ParseCreateOutput(string) (string, error) {
	return "", fmt.Errorf("gemini: no create command")
}

// geminiEvent tolerates both field spellings the CLI has shipped:
// functionCall vs tool_call, functionResponse vs tool_result.
type geminiEvent struct {
	Type             string          `json:"type"`
	Text             string          `json:"text"`
	Thought          string          `json:"thought"`
	Model            string          `json:"model"`
	FunctionCall     *geminiCall     `json:"functionCall"`
	ToolCall         *geminiCall     `json:"tool_call"`
	FunctionResponse *geminiResponse `json:"functionResponse"`
	ToolResult       *geminiResponse `json:"tool_result"`
	Usage            *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type geminiCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type geminiResponse struct {
	ID       string          `json:"id"`
	Response json.RawMessage `json:"response"`
	IsError  bool            `json:"is_error"`
}

func (a *Gemini) ParseJSONEvent(line []byte) []schema.Block {
	var ev geminiEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return []schema.Block{schema.RawBlock(line)}
	}

	call := ev.FunctionCall
	if call == nil {
		call = ev.ToolCall
	}
	if call != nil {
		if b, err := schema.ToolUseStart(call.ID, call.Name, call.Args); err == nil {
			return []schema.Block{b}
		}
		return []schema.Block{schema.RawBlock(line)}
	}

	resp := ev.FunctionResponse
	if resp == nil {
		resp = ev.ToolResult
	}
	if resp != nil {
		if b, err := schema.ToolUseResult(resp.ID, extractResultText(resp.Response), resp.IsError); err == nil {
			return []schema.Block{b}
		}
		return []schema.Block{schema.RawBlock(line)}
	}

	switch ev.Type {
	case "init", "session_start":
		return []schema.Block{schema.SessionStart(ev.Model)}
	case "text", "content":
		if ev.Text != "" {
			return []schema.Block{schema.Text(ev.Text)}
		}
		return nil
	case "thought", "thinking":
		if ev.Thought != "" {
			return []schema.Block{schema.Thinking(ev.Thought, false)}
		}
		return nil
	case "usage":
		if ev.Usage != nil {
			return []schema.Block{schema.Usage(ev.Usage.InputTokens, ev.Usage.OutputTokens)}
		}
		return nil
	}

	if ev.Thought != "" {
		return []schema.Block{schema.Thinking(ev.Thought, false)}
	}
	if ev.Text != "" {
		return []schema.Block{schema.Text(ev.Text)}
	}
	return []schema.Block{schema.RawBlock(line)}
}

func (a *Gemini) ParseTextLine(stripped, _ string) schema.Block {
	return classifyLine(stripped)
}

func (a *Gemini) DetectApproval(stripped string) (string, bool) {
	return detectApproval(stripped)
}
