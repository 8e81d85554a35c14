// Package protocol defines the wire frames exchanged between the tether
// daemon and its WebSocket clients.
//
// All frames are JSON-encoded text messages with a "type" field that
// determines the rest of the payload.
package protocol

import "github.com/tetherhq/tether/internal/schema"

// Client-to-server frame types.
const (
	TypeAuth        = "auth"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeWatch       = "watch"
	TypeUnwatch     = "unwatch"
)

// Server-to-client frame types.
const (
	TypeSubscribed = "subscribed"
	TypeMessage    = "message"
	TypeError      = "error"
	TypeFS         = "fs"
)

// Error codes carried by ErrorFrame.
const (
	CodeAuthRequired        = "AuthRequired"
	CodeNotFound            = "NotFound"
	CodeInvalidState        = "InvalidState"
	CodeAdapterUnavailable  = "AdapterUnavailable"
	CodeBackpressureDropped = "BackpressureDropped"
	CodeBadRequest          = "BadRequest"
	CodeInternal            = "Internal"
)

// ClientFrame is the single decode target for everything a client sends.
// Only the fields relevant to Type are set.
type ClientFrame struct {
	Type           string `json:"type"`
	Token          string `json:"token,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Cursor         int64  `json:"cursor,omitempty"`
	Path           string `json:"path,omitempty"`
}

// SubscribedFrame acknowledges a subscription before the snapshot starts.
type SubscribedFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
	Cursor         int64  `json:"cursor"`
}

// MessageFrame delivers one transcript message to a subscriber.
type MessageFrame struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversationId"`
	Message        schema.Message `json:"message"`
}

// ErrorFrame reports a per-conversation or per-connection error.
type ErrorFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Code           string `json:"code"`
	Message        string `json:"message"`
}

// FSFrame reports a filesystem change under a watched project path.
type FSFrame struct {
	Type string `json:"type"`
	Root string `json:"root"`
	Op   string `json:"op"`
	Path string `json:"path"`
}

// NewSubscribed builds a subscribed acknowledgement.
func NewSubscribed(conversationID string, cursor int64) SubscribedFrame {
	return SubscribedFrame{Type: TypeSubscribed, ConversationID: conversationID, Cursor: cursor}
}

// NewMessage wraps a transcript message for delivery.
func NewMessage(m schema.Message) MessageFrame {
	return MessageFrame{Type: TypeMessage, ConversationID: m.ConversationID, Message: m}
}

// NewError builds an error frame.
func NewError(conversationID, code, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, ConversationID: conversationID, Code: code, Message: message}
}
