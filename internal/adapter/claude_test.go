package adapter

import (
	"strings"
	"testing"

	"github.com/tetherhq/tether/internal/schema"
)

func TestClaudeSendArgs(t *testing.T) {
	a := &Claude{}
	args := a.SendArgs("sess-1", "hi", Options{ProjectPath: "/tmp/p", Model: "sonnet", Mode: schema.ModePlan})

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"--print", "--output-format stream-json", "--session-id sess-1",
		"--workspace /tmp/p", "--model sonnet", "--permission-mode plan",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	if args[len(args)-1] != "hi" {
		t.Errorf("message must be the final argument: %v", args)
	}
}

func TestClaudeHasNoCreateCommand(t *testing.T) {
	a := &Claude{}
	if _, ok := a.CreateArgs(Options{}); ok {
		t.Error("claude should require a caller-generated session id")
	}
	if _, err := a.ParseCreateOutput("anything"); err == nil {
		t.Error("ParseCreateOutput should fail")
	}
}

// The first-turn stream: start, two text deltas, stop.
func TestClaudeParseTurnStream(t *testing.T) {
	a := &Claude{}
	lines := []string{
		`{"type":"message_start","message":{"model":"m"}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"message_stop","stop_reason":"end_turn"}`,
	}
	var blocks []schema.Block
	for _, l := range lines {
		blocks = append(blocks, a.ParseJSONEvent([]byte(l))...)
	}

	want := []struct {
		kind    schema.Kind
		content string
		partial bool
	}{
		{schema.KindSessionStart, "m", false},
		{schema.KindText, "Hel", true},
		{schema.KindText, "lo", true},
		{schema.KindSessionEnd, "end_turn", false},
	}
	if len(blocks) != len(want) {
		t.Fatalf("got %d blocks, want %d: %+v", len(blocks), len(want), blocks)
	}
	for i, w := range want {
		b := blocks[i]
		if b.Kind != w.kind || b.Content != w.content || b.IsPartial != w.partial {
			t.Errorf("block %d = {%s %q partial=%v}, want {%s %q partial=%v}",
				i, b.Kind, b.Content, b.IsPartial, w.kind, w.content, w.partial)
		}
	}
}

func TestClaudeParseAssistantEvent(t *testing.T) {
	a := &Claude{}
	line := `{"type":"assistant","message":{"content":[` +
		`{"type":"text","text":"Listing"},` +
		`{"type":"tool_use","id":"t1","name":"Grep","input":{"q":"x"}}]}}`

	blocks := a.ParseJSONEvent([]byte(line))
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want 2: %+v", len(blocks), blocks)
	}
	if blocks[0].Kind != schema.KindText || blocks[0].Content != "Listing" {
		t.Errorf("block 0 = %+v", blocks[0])
	}
	if blocks[1].Kind != schema.KindToolUseStart || blocks[1].ToolID != "t1" || blocks[1].ToolName != "Grep" {
		t.Errorf("block 1 = %+v", blocks[1])
	}
	if string(blocks[1].Input) != `{"q":"x"}` {
		t.Errorf("tool input = %s", blocks[1].Input)
	}
}

func TestClaudeParseToolResult(t *testing.T) {
	a := &Claude{}
	tests := []struct {
		name string
		line string
		want string
	}{
		{
			"string content",
			`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":"3 matches"}]}}`,
			"3 matches",
		},
		{
			"array content",
			`{"type":"user","message":{"content":[{"type":"tool_result","tool_use_id":"t1","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]}}`,
			"a\nb",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks := a.ParseJSONEvent([]byte(tt.line))
			if len(blocks) != 1 {
				t.Fatalf("got %d blocks: %+v", len(blocks), blocks)
			}
			b := blocks[0]
			if b.Kind != schema.KindToolUseResult || b.ToolID != "t1" || b.Content != tt.want {
				t.Errorf("block = %+v, want content %q", b, tt.want)
			}
		})
	}
}

func TestClaudeParseResultEvent(t *testing.T) {
	a := &Claude{}
	line := `{"type":"result","subtype":"success","is_error":false,"usage":{"input_tokens":10,"output_tokens":20}}`
	blocks := a.ParseJSONEvent([]byte(line))
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks: %+v", len(blocks), blocks)
	}
	if blocks[0].Kind != schema.KindUsage || blocks[0].InputTokens != 10 || blocks[0].OutputTokens != 20 {
		t.Errorf("usage block = %+v", blocks[0])
	}
	if blocks[1].Kind != schema.KindSessionEnd || blocks[1].Content != "success" || blocks[1].IsError {
		t.Errorf("end block = %+v", blocks[1])
	}
}

func TestClaudeMalformedEventBecomesRaw(t *testing.T) {
	a := &Claude{}
	for _, line := range []string{`{"type":`, `{"no_type":1}`} {
		blocks := a.ParseJSONEvent([]byte(line))
		if len(blocks) != 1 || blocks[0].Kind != schema.KindRaw {
			t.Errorf("line %q: got %+v, want single raw block", line, blocks)
		}
	}
}

func TestClaudeSilentEvents(t *testing.T) {
	a := &Claude{}
	for _, line := range []string{`{"type":"ping"}`, `{"type":"content_block_stop","index":0}`} {
		if blocks := a.ParseJSONEvent([]byte(line)); len(blocks) != 0 {
			t.Errorf("line %q should be silent, got %+v", line, blocks)
		}
	}
}
