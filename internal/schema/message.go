package schema

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Conversation status values.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusEnded     Status = "ended"
	StatusErrored   Status = "errored"
)

// Supported AI CLI tools.
const (
	ToolCursorAgent = "cursor-agent"
	ToolClaude      = "claude"
	ToolGemini      = "gemini"
)

// Conversation modes.
const (
	ModeAgent = "agent"
	ModePlan  = "plan"
	ModeAsk   = "ask"
)

// Conversation is a single chat session with one AI CLI.
type Conversation struct {
	ID          string `json:"id"`
	Tool        string `json:"tool"`
	Topic       string `json:"topic,omitempty"`
	Model       string `json:"model,omitempty"`
	Mode        string `json:"mode,omitempty"`
	ProjectPath string `json:"projectPath"`
	// Interactive sessions keep one long-lived PTY child instead of spawning
	// a headless child per user message.
	Interactive bool   `json:"interactive,omitempty"`
	Status      Status `json:"status"`
	CreatedAt   int64  `json:"createdAt"`
	UpdatedAt   int64  `json:"updatedAt"`
}

// Message is one entry in a conversation transcript. The tuple
// (ConversationID, ID) is unique for non-partial records; any number of
// partial records may precede the final one.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Type           Kind   `json:"type"`
	Role           Role   `json:"role,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	IsPartial      bool   `json:"isPartial,omitempty"`

	Content      string          `json:"content,omitempty"`
	ToolID       string          `json:"toolId,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	IsError      bool            `json:"isError,omitempty"`
	Path         string          `json:"path,omitempty"`
	Command      string          `json:"command,omitempty"`
	Language     string          `json:"language,omitempty"`
	Code         string          `json:"code,omitempty"`
	InputTokens  int64           `json:"inputTokens,omitempty"`
	OutputTokens int64           `json:"outputTokens,omitempty"`

	Raw json.RawMessage `json:"raw,omitempty"`
}

// NewMessage binds a block to a conversation, assigning a fresh id and the
// current wall-clock timestamp in epoch milliseconds.
func NewMessage(conversationID string, b Block) Message {
	return Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Type:           b.Kind,
		Role:           b.Role,
		Timestamp:      time.Now().UnixMilli(),
		IsPartial:      b.IsPartial,
		Content:        b.Content,
		ToolID:         b.ToolID,
		ToolName:       b.ToolName,
		Input:          b.Input,
		IsError:        b.IsError,
		Path:           b.Path,
		Command:        b.Command,
		Language:       b.Language,
		Code:           b.Code,
		InputTokens:    b.InputTokens,
		OutputTokens:   b.OutputTokens,
		Raw:            b.Raw,
	}
}

// NewConversation returns a Conversation in status running with creation
// timestamps set.
func NewConversation(id, tool, projectPath, model, mode string) Conversation {
	now := time.Now().UnixMilli()
	return Conversation{
		ID:          id,
		Tool:        tool,
		Model:       model,
		Mode:        mode,
		ProjectPath: projectPath,
		Status:      StatusRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
