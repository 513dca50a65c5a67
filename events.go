package chatsync

import "sync"

// Event names emitted by Session and ConversationList.
const (
	EventTimelineChanged  = "timeline.changed"
	EventMessageAppended  = "message.appended"
	EventMessageConfirmed = "message.confirmed"
	EventMessageFailed    = "message.failed"
	EventMessageConflict  = "message.conflict"
	EventSyncError        = "sync.error"
	EventListChanged      = "conversations.changed"
)

// EventHandler handles an emitted event. The payload type depends on the
// event: []Message for timeline.changed, Message for message.*,
// *ConflictEvent for message.conflict, error for sync.error and
// []ConversationSummary for conversations.changed.
type EventHandler func(event string, payload any)

// ConflictEvent reports a local edit or delete the server did not accept.
type ConflictEvent struct {
	Op        string
	MessageID string
	Err       error
}

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

func newEmitter() emitter {
	return emitter{listeners: make(map[string][]EventHandler)}
}

// On registers handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := append([]EventHandler(nil), e.listeners[event]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // user callbacks must not break reconciliation
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
