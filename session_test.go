package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test doubles
// ============================================================================

type fakeChatAPI struct {
	mu           sync.Mutex
	convID       string
	participants []string
	messages     []RawMessage
	nextID       int

	getErr    error
	sendErr   error
	editErr   error
	deleteErr error

	// getGate holds Get after the snapshot is taken; getStarted reports it.
	getGate    chan struct{}
	getStarted chan struct{}

	editGate chan struct{}
	edits    chan string
	deletes  chan string
	reads    []string
}

func newFakeChatAPI(convID string, messages ...RawMessage) *fakeChatAPI {
	return &fakeChatAPI{
		convID:       convID,
		participants: []string{"me", "owner"},
		messages:     messages,
		edits:        make(chan string, 8),
		deletes:      make(chan string, 8),
	}
}

func (f *fakeChatAPI) snapshot() (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &Conversation{
		ID:           f.convID,
		Participants: append([]string(nil), f.participants...),
		Messages:     append([]RawMessage(nil), f.messages...),
	}, nil
}

func (f *fakeChatAPI) add(raw RawMessage) {
	f.mu.Lock()
	f.messages = append(f.messages, raw)
	f.mu.Unlock()
}

func (f *fakeChatAPI) setErr(dst *error, err error) {
	f.mu.Lock()
	*dst = err
	f.mu.Unlock()
}

func (f *fakeChatAPI) WithUser(_ context.Context, _ string) (*Conversation, error) {
	return f.snapshot()
}

func (f *fakeChatAPI) Get(_ context.Context, _ string) (*Conversation, error) {
	conv, err := f.snapshot()
	f.mu.Lock()
	gate, started := f.getGate, f.getStarted
	f.mu.Unlock()
	if gate != nil {
		started <- struct{}{}
		<-gate
	}
	return conv, err
}

func (f *fakeChatAPI) Send(_ context.Context, conversationID, text string) (RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	raw := RawMessage{
		"_id":       fmt.Sprintf("srv-%d", f.nextID),
		"text":      text,
		"senderId":  "me",
		"chatId":    conversationID,
		"createdAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	f.messages = append(f.messages, raw)
	return raw, nil
}

func (f *fakeChatAPI) EditMessage(_ context.Context, messageID, text string) (RawMessage, error) {
	if f.editGate != nil {
		<-f.editGate
	}
	f.mu.Lock()
	err := f.editErr
	f.mu.Unlock()
	f.edits <- messageID
	return nil, err
}

func (f *fakeChatAPI) DeleteMessage(_ context.Context, messageID string) error {
	f.mu.Lock()
	err := f.deleteErr
	if err == nil {
		kept := f.messages[:0:0]
		for _, m := range f.messages {
			if m["_id"] != messageID {
				kept = append(kept, m)
			}
		}
		f.messages = kept
	}
	f.mu.Unlock()
	f.deletes <- messageID
	return err
}

func (f *fakeChatAPI) MarkRead(_ context.Context, conversationID string) error {
	f.mu.Lock()
	f.reads = append(f.reads, conversationID)
	f.mu.Unlock()
	return nil
}

type fakeRealtime struct {
	mu        sync.Mutex
	connected bool
	joined    []string
	left      []string
	sent      []any
	handlers  map[int]func(RawMessage)
	next      int
}

func newFakeRealtime(connected bool) *fakeRealtime {
	return &fakeRealtime{connected: connected, handlers: make(map[int]func(RawMessage))}
}

func (f *fakeRealtime) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeRealtime) JoinRoom(_ context.Context, id string) {
	f.mu.Lock()
	f.joined = append(f.joined, id)
	f.mu.Unlock()
}

func (f *fakeRealtime) LeaveRoom(_ context.Context, id string) {
	f.mu.Lock()
	f.left = append(f.left, id)
	f.mu.Unlock()
}

func (f *fakeRealtime) OnMessage(h func(RawMessage)) func() {
	f.mu.Lock()
	id := f.next
	f.next++
	f.handlers[id] = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.handlers, id)
		f.mu.Unlock()
	}
}

func (f *fakeRealtime) Send(_ context.Context, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.sent = append(f.sent, payload)
	return true
}

func (f *fakeRealtime) deliver(raw RawMessage) {
	f.mu.Lock()
	handlers := make([]func(RawMessage), 0, len(f.handlers))
	for _, h := range f.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

func (f *fakeRealtime) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// ============================================================================
// Helpers
// ============================================================================

func openSession(t *testing.T, api *fakeChatAPI, rt Realtime, identity *IdentityStore, mutate ...func(*SessionConfig)) *Session {
	t.Helper()
	cfg := &SessionConfig{
		CounterpartyID:        "owner",
		API:                   api,
		Identity:              identity,
		PollInterval:          time.Hour,
		ConnectedPollInterval: time.Hour,
		RemoteTimeout:         5 * time.Second,
	}
	if rt != nil {
		cfg.Realtime = rt
	}
	for _, fn := range mutate {
		fn(cfg)
	}
	s := NewSession(cfg)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func resolved(id string) *IdentityStore {
	s := NewIdentityStore()
	s.Set(id)
	return s
}

func rawAt(id, text, sender string, ts time.Time) RawMessage {
	return RawMessage{"_id": id, "text": text, "senderId": sender, "chatId": "c1", "createdAt": ts.Format(time.RFC3339)}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		var zero T
		t.Fatal("timed out waiting")
		return zero
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestSessionOpen(t *testing.T) {
	t0 := time.Now().Add(-time.Hour).UTC()
	api := newFakeChatAPI("c1",
		rawAt("m2", "second", "me", t0.Add(time.Minute)),
		rawAt("m1", "first", "owner", t0),
	)
	rt := newFakeRealtime(true)
	s := openSession(t, api, rt, resolved("me"))

	if s.State() != SessionReady {
		t.Fatalf("state = %s", s.State())
	}
	if s.ConversationID() != "c1" {
		t.Errorf("conversation = %q", s.ConversationID())
	}
	ms := s.Messages()
	if len(ms) != 2 || ms[0].ID != "m1" || ms[1].ID != "m2" {
		t.Fatalf("messages = %+v", ms)
	}
	if ms[0].SenderRole != RoleRemote || ms[1].SenderRole != RoleLocal {
		t.Errorf("roles = %s, %s", ms[0].SenderRole, ms[1].SenderRole)
	}
	if len(rt.joined) != 1 || rt.joined[0] != "c1" {
		t.Errorf("joined = %v", rt.joined)
	}
}

func TestSessionOpenFailure(t *testing.T) {
	api := newFakeChatAPI("c1")
	api.getErr = errors.New("offline")
	s := NewSession(&SessionConfig{ConversationID: "c1", API: api})
	if err := s.Open(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if s.State() != SessionUninitialized {
		t.Errorf("state = %s", s.State())
	}

	if _, err := s.Send(context.Background(), "hi"); !errors.Is(err, ErrNotReady) {
		t.Errorf("Send before open = %v, want ErrNotReady", err)
	}
}

func TestSessionSendEcho(t *testing.T) {
	api := newFakeChatAPI("c1")
	rt := newFakeRealtime(true)
	s := openSession(t, api, rt, resolved("me"))

	entry, err := s.Send(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != StatusSending || entry.SenderRole != RoleLocal {
		t.Fatalf("entry = %+v", entry)
	}
	if len(rt.sent) != 1 {
		t.Fatalf("realtime sends = %d", len(rt.sent))
	}

	rt.deliver(RawMessage{"_id": "abc123", "text": "hello", "senderId": "me", "chatId": "c1"})

	ms := s.Messages()
	if len(ms) != 1 {
		t.Fatalf("messages = %+v", ms)
	}
	if ms[0].ID != "abc123" || ms[0].Status != StatusSent || ms[0].SenderRole != RoleLocal {
		t.Errorf("entry = %+v", ms[0])
	}
}

func TestSessionEchoBeforeIdentityResolves(t *testing.T) {
	api := newFakeChatAPI("c1")
	rt := newFakeRealtime(true)
	identity := NewIdentityStore()
	s := openSession(t, api, rt, identity)

	if _, err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	echo := RawMessage{"_id": "abc123", "text": "hello", "senderId": "u42", "chatId": "c1"}
	rt.deliver(echo)

	ms := s.Messages()
	if len(ms) != 1 {
		t.Fatalf("messages = %+v", ms)
	}
	if ms[0].ID != "abc123" || ms[0].Status != StatusSent || ms[0].SenderRole != RoleLocal {
		t.Errorf("entry = %+v", ms[0])
	}

	// The snapshot copy and the late identity keep a single local entry.
	api.add(echo)
	s.Poll(context.Background())
	identity.Set("u42")
	ms = s.Messages()
	if len(ms) != 1 || ms[0].SenderRole != RoleLocal {
		t.Fatalf("after resolve = %+v", ms)
	}
}

func TestSessionUnattributedEchoConfirmedBySnapshot(t *testing.T) {
	api := newFakeChatAPI("c1")
	rt := newFakeRealtime(true)
	s := openSession(t, api, rt, resolved("me"))

	if _, err := s.Send(context.Background(), "hello"); err != nil {
		t.Fatal(err)
	}
	// The socket copy carries no sender.
	rt.deliver(RawMessage{"text": "hello", "chatId": "c1"})
	if ms := s.Messages(); len(ms) != 1 || ms[0].Status != StatusSending {
		t.Fatalf("messages = %+v", ms)
	}

	api.add(rawAt("abc123", "hello", "me", time.Now().UTC()))
	s.Poll(context.Background())
	ms := s.Messages()
	if len(ms) != 1 || ms[0].ID != "abc123" || ms[0].Status != StatusSent {
		t.Fatalf("after poll = %+v", ms)
	}
}

func TestSessionRealtimeSendUnconfirmed(t *testing.T) {
	api := newFakeChatAPI("c1")
	rt := newFakeRealtime(true)
	s := openSession(t, api, rt, resolved("me"), func(c *SessionConfig) {
		c.ConfirmTimeout = 20 * time.Millisecond
	})

	failed := make(chan Message, 1)
	s.On(EventMessageFailed, func(_ string, p any) { failed <- p.(Message) })

	entry, err := s.Send(context.Background(), "lost")
	if err != nil {
		t.Fatal(err)
	}
	got := waitFor(t, failed)
	if got.ClientID != entry.ClientID || got.Status != StatusFailed {
		t.Fatalf("failed = %+v", got)
	}

	retried, err := s.Retry(context.Background(), entry.ClientID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.ID != "srv-1" {
		t.Errorf("retried = %+v", retried)
	}
	if ms := s.Messages(); len(ms) != 1 || ms[0].Status != StatusSent {
		t.Fatalf("messages = %+v", ms)
	}

	t.Run("echo in time", func(t *testing.T) {
		entry, err := s.Send(context.Background(), "arrives")
		if err != nil {
			t.Fatal(err)
		}
		rt.deliver(RawMessage{"_id": "e1", "text": "arrives", "senderId": "me", "chatId": "c1"})
		select {
		case m := <-failed:
			t.Errorf("confirmed send marked failed: %+v", m)
		case <-time.After(60 * time.Millisecond):
		}
		for _, m := range s.Messages() {
			if m.ClientID == entry.ClientID && m.Status != StatusSent {
				t.Errorf("entry = %+v", m)
			}
		}
	})
}

func TestSessionSendREST(t *testing.T) {
	api := newFakeChatAPI("c1")
	s := openSession(t, api, newFakeRealtime(false), resolved("me"))

	confirmed := make(chan Message, 1)
	s.On(EventMessageConfirmed, func(_ string, p any) { confirmed <- p.(Message) })

	m, err := s.Send(context.Background(), "hello")
	if err != nil {
		t.Fatal(err)
	}
	if m.ID != "srv-1" || m.Status != StatusSent {
		t.Fatalf("confirmed = %+v", m)
	}
	if got := waitFor(t, confirmed); got.ID != "srv-1" {
		t.Errorf("event = %+v", got)
	}

	// The next poll carries the same message; no duplicate appears.
	s.Poll(context.Background())
	ms := s.Messages()
	if len(ms) != 1 || ms[0].ID != "srv-1" || ms[0].SenderRole != RoleLocal {
		t.Fatalf("messages = %+v", ms)
	}
}

func TestSessionFailedSendRetry(t *testing.T) {
	api := newFakeChatAPI("c1")
	api.sendErr = errors.New("boom")
	s := openSession(t, api, nil, resolved("me"))

	m, err := s.Send(context.Background(), "hello")
	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("err = %v, want *SendError", err)
	}
	if sendErr.ClientID != m.ClientID || m.Status != StatusFailed {
		t.Fatalf("entry = %+v err = %+v", m, sendErr)
	}
	ms := s.Messages()
	if len(ms) != 1 || ms[0].Status != StatusFailed || ms[0].Text != "hello" {
		t.Fatalf("messages = %+v", ms)
	}

	// A poll must not drop the failed entry.
	s.Poll(context.Background())
	if ms := s.Messages(); len(ms) != 1 || ms[0].Status != StatusFailed {
		t.Fatalf("after poll = %+v", ms)
	}

	api.setErr(&api.sendErr, nil)
	got, err := s.Retry(context.Background(), sendErr.ClientID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "srv-1" {
		t.Errorf("retried = %+v", got)
	}
	ms = s.Messages()
	if len(ms) != 1 || ms[0].Status != StatusSent || ms[0].ID != "srv-1" {
		t.Fatalf("messages = %+v", ms)
	}

	if _, err := s.Retry(context.Background(), sendErr.ClientID); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("second retry = %v", err)
	}
}

func TestSessionDuplicateDelivery(t *testing.T) {
	api := newFakeChatAPI("c1")
	rt := newFakeRealtime(true)
	s := openSession(t, api, rt, resolved("me"))

	raw := RawMessage{"_id": "m1", "text": "hi", "senderId": "owner", "chatId": "c1", "createdAt": time.Now().UTC().Format(time.RFC3339)}
	rt.deliver(raw)
	api.add(raw)
	s.Poll(context.Background())
	rt.deliver(raw)

	ms := s.Messages()
	if len(ms) != 1 || ms[0].ID != "m1" {
		t.Fatalf("messages = %+v", ms)
	}
}

func TestSessionUnattributedThenResolved(t *testing.T) {
	api := newFakeChatAPI("c1", rawAt("m1", "hi", "u42", time.Now().UTC()))
	identity := NewIdentityStore()
	s := openSession(t, api, nil, identity)

	if ms := s.Messages(); ms[0].SenderRole != RoleRemote {
		t.Fatalf("before resolve = %s", ms[0].SenderRole)
	}
	identity.Set("u42")
	if ms := s.Messages(); ms[0].SenderRole != RoleLocal {
		t.Fatalf("after resolve = %s", ms[0].SenderRole)
	}
}

func TestSessionHandleEventMembership(t *testing.T) {
	api := newFakeChatAPI("c1")
	rt := newFakeRealtime(true)
	s := openSession(t, api, rt, resolved("me"))

	appended := make(chan Message, 4)
	s.On(EventMessageAppended, func(_ string, p any) { appended <- p.(Message) })

	rt.deliver(RawMessage{"_id": "x1", "text": "elsewhere", "chatId": "other"})
	rt.deliver(RawMessage{"_id": "x2", "text": "who?", "senderId": "stranger", "receiverId": "me"})
	if n := len(s.Messages()); n != 0 {
		t.Fatalf("foreign messages accepted: %d", n)
	}

	rt.deliver(RawMessage{"_id": "l1", "text": "legacy", "senderId": "owner", "receiverId": "me"})
	ms := s.Messages()
	if len(ms) != 1 || ms[0].ID != "l1" || ms[0].ConversationID != "c1" {
		t.Fatalf("messages = %+v", ms)
	}
	if got := waitFor(t, appended); got.ID != "l1" {
		t.Errorf("appended = %+v", got)
	}
}

func TestSessionEditConflict(t *testing.T) {
	api := newFakeChatAPI("c1", rawAt("m1", "original", "me", time.Now().UTC()))
	api.editErr = errors.New("forbidden")
	s := openSession(t, api, nil, resolved("me"))

	conflicts := make(chan *ConflictEvent, 1)
	s.On(EventMessageConflict, func(_ string, p any) { conflicts <- p.(*ConflictEvent) })

	if err := s.Edit(context.Background(), "m1", "changed"); err != nil {
		t.Fatal(err)
	}
	if ms := s.Messages(); ms[0].Text != "changed" || !ms[0].Edited {
		t.Fatalf("local edit not applied: %+v", ms[0])
	}

	c := waitFor(t, conflicts)
	if c.Op != "edit" || c.MessageID != "m1" {
		t.Errorf("conflict = %+v", c)
	}
	// No rollback on failure; the next snapshot restores the server text.
	if ms := s.Messages(); ms[0].Text != "changed" {
		t.Errorf("rolled back early: %+v", ms[0])
	}
	s.Poll(context.Background())
	if ms := s.Messages(); ms[0].Text != "original" {
		t.Errorf("after poll = %+v", ms[0])
	}
}

func TestSessionEditSurvivesPollInFlight(t *testing.T) {
	api := newFakeChatAPI("c1", rawAt("m1", "original", "me", time.Now().UTC()))
	api.editGate = make(chan struct{})
	s := openSession(t, api, nil, resolved("me"))

	if err := s.Edit(context.Background(), "m1", "changed"); err != nil {
		t.Fatal(err)
	}
	s.Poll(context.Background())
	if ms := s.Messages(); ms[0].Text != "changed" {
		t.Fatalf("poll clobbered pending edit: %+v", ms[0])
	}
	close(api.editGate)
	waitFor(t, api.edits)
}

func TestSessionDelete(t *testing.T) {
	t0 := time.Now().UTC()
	api := newFakeChatAPI("c1",
		rawAt("m1", "keep", "owner", t0),
		rawAt("m2", "drop", "me", t0.Add(time.Second)),
	)
	s := openSession(t, api, nil, resolved("me"))

	if err := s.Delete(context.Background(), "m2"); err != nil {
		t.Fatal(err)
	}
	if ms := s.Messages(); len(ms) != 1 || ms[0].ID != "m1" {
		t.Fatalf("messages = %+v", ms)
	}
	if id := waitFor(t, api.deletes); id != "m2" {
		t.Errorf("deleted %q", id)
	}

	if err := s.Delete(context.Background(), "nope"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("unknown delete = %v", err)
	}
}

func TestSessionDeleteDuringPoll(t *testing.T) {
	t0 := time.Now().UTC()
	api := newFakeChatAPI("c1",
		rawAt("m1", "keep", "owner", t0),
		rawAt("m2", "drop", "me", t0.Add(time.Second)),
	)
	s := openSession(t, api, nil, resolved("me"))

	api.mu.Lock()
	api.getGate = make(chan struct{})
	api.getStarted = make(chan struct{}, 1)
	gate := api.getGate
	api.mu.Unlock()

	polled := make(chan struct{})
	go func() {
		s.Poll(context.Background())
		close(polled)
	}()
	// The poll holds a snapshot that still contains m2.
	waitFor(t, api.getStarted)

	if err := s.Delete(context.Background(), "m2"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, api.deletes)
	waitUntil(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.overlays) == 0
	})

	api.mu.Lock()
	api.getGate = nil
	api.mu.Unlock()
	close(gate)
	waitFor(t, polled)

	if ms := s.Messages(); len(ms) != 1 || ms[0].ID != "m1" {
		t.Fatalf("stale snapshot restored the deleted message: %+v", ms)
	}

	s.Poll(context.Background())
	if ms := s.Messages(); len(ms) != 1 || ms[0].ID != "m1" {
		t.Fatalf("after fresh poll = %+v", ms)
	}
	s.mu.Lock()
	left := len(s.retired)
	s.mu.Unlock()
	if left != 0 {
		t.Errorf("retired overlays left: %d", left)
	}
}

func TestSessionBackgroundNotification(t *testing.T) {
	api := newFakeChatAPI("c1")
	rt := newFakeRealtime(true)
	notes := make(chan Notification, 2)
	s := openSession(t, api, rt, resolved("me"), func(c *SessionConfig) {
		c.Notifier = NotifierFunc(func(_ context.Context, n Notification) error {
			notes <- n
			return nil
		})
	})

	rt.deliver(RawMessage{"_id": "f1", "text": "while open", "senderId": "owner", "chatId": "c1"})
	s.SetForeground(false)
	rt.deliver(RawMessage{"_id": "b1", "text": "while away", "senderId": "owner", "chatId": "c1"})

	n := waitFor(t, notes)
	if n.MessageID != "b1" || n.ConversationID != "c1" || n.Text != "while away" {
		t.Errorf("notification = %+v", n)
	}
	select {
	case extra := <-notes:
		t.Errorf("unexpected notification %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSessionMarkRead(t *testing.T) {
	api := newFakeChatAPI("c1")
	s := openSession(t, api, nil, resolved("me"))
	if err := s.MarkRead(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(api.reads) != 1 || api.reads[0] != "c1" {
		t.Errorf("reads = %v", api.reads)
	}
}

func TestSessionClose(t *testing.T) {
	api := newFakeChatAPI("c1")
	rt := newFakeRealtime(true)
	s := openSession(t, api, rt, resolved("me"))

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if s.State() != SessionClosed {
		t.Errorf("state = %s", s.State())
	}
	if len(rt.left) != 1 || rt.left[0] != "c1" {
		t.Errorf("left = %v", rt.left)
	}
	if rt.handlerCount() != 0 {
		t.Error("live handler still subscribed")
	}
	if _, err := s.Send(context.Background(), "late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after close = %v", err)
	}
	if err := s.Open(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Open after close = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestSessionSendValidation(t *testing.T) {
	s := openSession(t, newFakeChatAPI("c1"), nil, resolved("me"))
	if _, err := s.Send(context.Background(), "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v", err)
	}
}
