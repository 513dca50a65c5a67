package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Wire Types
// ============================================================================

// RawMessage is a message as delivered by the backend, socket or REST.
// Field names are not fixed upstream, so it is kept as a loose map and
// handed to Normalize.
type RawMessage map[string]any

// RawConversation is a conversation record as returned by the chat API.
type RawConversation map[string]any

// ============================================================================
// Canonical Message
// ============================================================================

// SenderRole tells whether a message was written by the local user.
type SenderRole string

const (
	RoleLocal  SenderRole = "local"
	RoleRemote SenderRole = "remote"
)

// MessageStatus is the delivery status of a timeline entry.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// Message is the canonical, attributed representation of a chat message.
type Message struct {
	ID               string        `json:"id"`
	ClientID         string        `json:"clientId,omitempty"`
	ConversationID   string        `json:"conversationId,omitempty"`
	Text             string        `json:"text"`
	SenderRole       SenderRole    `json:"senderRole"`
	OriginalSenderID string        `json:"originalSenderId,omitempty"`
	RecipientID      string        `json:"recipientId,omitempty"`
	CreatedAt        time.Time     `json:"createdAt"`
	DisplayTime      string        `json:"displayTime"`
	Status           MessageStatus `json:"status"`
	Edited           bool          `json:"edited"`
	Error            string        `json:"error,omitempty"`
}

// Pending reports whether the entry originated locally and is not yet
// confirmed by the server.
func (m Message) Pending() bool {
	return m.Status == StatusSending || m.Status == StatusFailed
}

// ============================================================================
// Conversation Types
// ============================================================================

// Identity is the display identity of a chat participant.
type Identity struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ID                 string    `json:"id"`
	Aliases            []string  `json:"aliases,omitempty"`
	Counterparty       Identity  `json:"counterparty"`
	LastMessagePreview string    `json:"lastMessagePreview"`
	LastActivityAt     time.Time `json:"lastActivityAt"`
	UnreadCount        int       `json:"unreadCount,omitempty"`
}

// matches reports whether id names this conversation under any alias.
func (c *ConversationSummary) matches(id string) bool {
	if id == "" {
		return false
	}
	if c.ID == id {
		return true
	}
	for _, a := range c.Aliases {
		if a == id {
			return true
		}
	}
	return false
}

// Conversation is a chat snapshot: the conversation record and its full
// message history as returned by the REST API.
type Conversation struct {
	ID           string
	Participants []string
	Messages     []RawMessage
	Raw          RawConversation
}

// ============================================================================
// REST Response Types
// ============================================================================

// apiEnvelope covers the response shapes the chat backend uses.
type apiEnvelope struct {
	Success *bool           `json:"success,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Chat    json.RawMessage `json:"chat,omitempty"`
	Chats   json.RawMessage `json:"chats,omitempty"`
	User    json.RawMessage `json:"user,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}
