// Package models defines the shared data types that cross component
// boundaries: normalized messages, LLM-layer chat messages, tool
// definitions, and the persisted record shapes.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Role indicates the author of a chat-layer message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// NormalizedMessage is the canonical inbound message produced by a channel
// adapter. It is immutable after creation.
type NormalizedMessage struct {
	ID                string       `json:"id"`
	ChannelID         string       `json:"channelId"`
	ConversationID    string       `json:"conversationId"`
	SenderID          string       `json:"senderId"`
	SenderName        string       `json:"senderName,omitempty"`
	Text              string       `json:"text"`
	Timestamp         int64        `json:"timestamp"` // epoch millis
	PlatformMessageID string       `json:"platformMessageId,omitempty"`
	Attachments       []Attachment `json:"attachments,omitempty"`
}

// NewMessageID mints a globally unique message id.
func NewMessageID() string {
	return uuid.New().String()
}

// ConversationKey returns the serialization key for this message's
// conversation, shared by the history store and the conversation mutex.
func (m *NormalizedMessage) ConversationKey() string {
	return m.ChannelID + ":" + m.ConversationID
}

// OutgoingMessage is the payload a component hands to a channel for delivery.
type OutgoingMessage struct {
	Text             string       `json:"text"`
	ReplyToMessageID string       `json:"replyToMessageId,omitempty"`
	Attachments      []Attachment `json:"attachments,omitempty"`
}

// Attachment describes a file or media item carried with a message.
type Attachment struct {
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ChatMessage is a single turn handed to an LLM backend.
type ChatMessage struct {
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"toolCallId,omitempty"` // tool role only
}

// ToolDefinition describes a callable tool exposed to the LLM. Names are
// flat strings with a namespace prefix: "<server>__<tool>" for MCP tools,
// "skill__<name>" for skill tools.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolCall is a single tool invocation request emitted by the LLM.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CompletionResult is the uniform result of one LLM call.
type CompletionResult struct {
	Content   string     `json:"content"`
	Model     string     `json:"model,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
}

// Usage reports token consumption for a completion.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// NowMillis returns the current time as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
