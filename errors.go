package chatsync

import (
	"errors"
	"fmt"
	"strconv"
)

var (
	ErrClosed              = errors.New("chatsync: session closed")
	ErrNotReady            = errors.New("chatsync: session not ready")
	ErrEmptyMessage        = errors.New("chatsync: message text is empty")
	ErrUnknownMessage      = errors.New("chatsync: unknown message")
	ErrUnknownConversation = errors.New("chatsync: unknown conversation")
	ErrNotConnected        = errors.New("chatsync: realtime channel not connected")
	ErrUnconfirmed         = errors.New("chatsync: message not confirmed by server")
)

// APIError represents an error returned by the chat API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return "HTTP " + strconv.Itoa(e.Status) + ": " + e.Message
	}
	return e.Code + ": " + e.Message
}

// SendError is returned when a user-initiated send could not be delivered.
// The timeline keeps the entry as failed under ClientID so it can be retried.
type SendError struct {
	ClientID string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s failed: %v", e.ClientID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
