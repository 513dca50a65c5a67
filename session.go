package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Collaborators
// ============================================================================

// ChatAPI is the REST surface a Session needs. *ChatsClient implements it.
type ChatAPI interface {
	WithUser(ctx context.Context, userID string) (*Conversation, error)
	Get(ctx context.Context, conversationID string) (*Conversation, error)
	Send(ctx context.Context, conversationID, text string) (RawMessage, error)
	EditMessage(ctx context.Context, messageID, text string) (RawMessage, error)
	DeleteMessage(ctx context.Context, messageID string) error
	MarkRead(ctx context.Context, conversationID string) error
}

// Realtime is the socket surface a Session needs. *RealtimeClient
// implements it.
type Realtime interface {
	Connected() bool
	JoinRoom(ctx context.Context, conversationID string)
	LeaveRoom(ctx context.Context, conversationID string)
	OnMessage(handler func(RawMessage)) func()
	Send(ctx context.Context, payload any) bool
}

// ============================================================================
// Configuration
// ============================================================================

// SessionConfig configures a Session. Either ConversationID or
// CounterpartyID must be set.
type SessionConfig struct {
	ConversationID string
	// CounterpartyID opens (or creates) the conversation with this user.
	// It is also used to match live payloads that carry no conversation id.
	CounterpartyID string

	API      ChatAPI
	Realtime Realtime
	Identity *IdentityStore
	Notifier Notifier

	Normalizer   Normalizer
	MergeOptions MergeOptions

	// PollInterval applies while the realtime channel is down,
	// ConnectedPollInterval while it is up.
	PollInterval          time.Duration
	ConnectedPollInterval time.Duration
	// RemoteTimeout bounds background edit, delete and notify calls.
	RemoteTimeout time.Duration
	// ConfirmTimeout is how long a message sent over the realtime channel
	// may stay unconfirmed before it is marked failed. Defaults to the echo
	// window.
	ConfirmTimeout time.Duration

	Logger  *slog.Logger
	Metrics *Metrics
}

func (c *SessionConfig) defaults() {
	c.MergeOptions = c.MergeOptions.withDefaults()
	if c.PollInterval == 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.ConnectedPollInterval == 0 {
		c.ConnectedPollInterval = 15 * time.Second
	}
	if c.RemoteTimeout == 0 {
		c.RemoteTimeout = DefaultTimeout
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = c.MergeOptions.EchoWindow
	}
	if c.Identity == nil {
		c.Identity = NewIdentityStore()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "chatsync.session")
	}
}

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionUninitialized SessionState = "uninitialized"
	SessionLoading       SessionState = "loading"
	SessionReady         SessionState = "ready"
	SessionClosed        SessionState = "closed"
)

// overlay is a local edit or delete whose remote call is still in flight.
// Snapshots fetched meanwhile are patched with it.
type overlay struct {
	text    string
	deleted bool
}

// retiredOverlay is an overlay whose remote call finished at epoch. Polls
// that started before then still apply it.
type retiredOverlay struct {
	overlay
	epoch uint64
}

// ============================================================================
// Session
// ============================================================================

// Session owns the timeline of one conversation and reconciles snapshot
// polls, live events and local sends into it.
//
// All mutation is serialized on an internal mutex. Network calls run
// outside it and their results are dropped once the session is closed.
// Event handlers are called outside the lock.
type Session struct {
	emitter
	config SessionConfig
	logger *slog.Logger

	mu             sync.Mutex
	state          SessionState
	conversationID string
	counterpartyID string
	timeline       []Message
	overlays       map[string]overlay
	retired        map[string]retiredOverlay
	epoch          uint64
	polling        int
	foreground     bool
	cancel         context.CancelFunc
	unsubs         []func()
}

// NewSession creates an uninitialized session. Call Open to load it.
func NewSession(config *SessionConfig) *Session {
	cfg := SessionConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &Session{
		emitter:        newEmitter(),
		config:         cfg,
		logger:         cfg.Logger,
		state:          SessionUninitialized,
		conversationID: cfg.ConversationID,
		counterpartyID: cfg.CounterpartyID,
		overlays:       make(map[string]overlay),
		retired:        make(map[string]retiredOverlay),
		foreground:     true,
	}
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the resolved conversation id, empty before Open.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Messages returns a copy of the timeline, ordered by CreatedAt.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTimeline(s.timeline)
}

// OnChange registers fn to receive the timeline after every change.
func (s *Session) OnChange(fn func([]Message)) {
	s.On(EventTimelineChanged, func(_ string, payload any) {
		if ms, ok := payload.([]Message); ok {
			fn(ms)
		}
	})
}

// Open loads the conversation snapshot and starts following it: room join,
// live subscription, identity subscription and the poll loop. Errors
// fetching the initial snapshot are returned and leave the session
// uninitialized so Open can be retried.
func (s *Session) Open(ctx context.Context) error {
	if s.config.API == nil {
		return errors.New("chatsync: session has no API")
	}
	if s.config.ConversationID == "" && s.config.CounterpartyID == "" {
		return errors.New("chatsync: conversation id or counterparty id is required")
	}

	s.mu.Lock()
	switch s.state {
	case SessionClosed:
		s.mu.Unlock()
		return ErrClosed
	case SessionLoading, SessionReady:
		s.mu.Unlock()
		return nil
	}
	s.state = SessionLoading
	s.mu.Unlock()

	var (
		conv *Conversation
		err  error
	)
	if s.config.ConversationID != "" {
		conv, err = s.config.API.Get(ctx, s.config.ConversationID)
	} else {
		conv, err = s.config.API.WithUser(ctx, s.config.CounterpartyID)
	}
	if err != nil {
		s.mu.Lock()
		if s.state == SessionLoading {
			s.state = SessionUninitialized
		}
		s.mu.Unlock()
		return fmt.Errorf("open conversation: %w", err)
	}

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return ErrClosed
	}
	if conv.ID != "" {
		s.conversationID = conv.ID
	}
	if s.counterpartyID == "" {
		s.counterpartyID = counterpartyOf(conv.Participants, s.config.Identity.UserID())
	}
	changed := s.mergeLocked(conv, s.epoch)
	s.state = SessionReady
	convID := s.conversationID
	timeline := cloneTimeline(s.timeline)

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.unsubs = append(s.unsubs, s.config.Identity.Subscribe(s.reclassify))
	if s.config.Realtime != nil {
		s.unsubs = append(s.unsubs, s.config.Realtime.OnMessage(s.HandleEvent))
	}
	s.mu.Unlock()

	if s.config.Realtime != nil {
		s.config.Realtime.JoinRoom(ctx, convID)
	}
	s.logger.Debug("session opened", "conversation", convID, "messages", len(timeline))
	if changed {
		s.emit(EventTimelineChanged, timeline)
	}

	// The identity may have resolved while the snapshot was in flight.
	if uid, ok := s.config.Identity.Get(); ok {
		s.reclassify(uid)
	}

	go s.pollLoop(pollCtx)
	return nil
}

// Close stops polling, leaves the room and drops every subscription.
// In-flight requests complete and their results are ignored.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return nil
	}
	wasReady := s.state == SessionReady
	s.state = SessionClosed
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	unsubs := s.unsubs
	s.unsubs = nil
	convID := s.conversationID
	s.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	if wasReady && s.config.Realtime != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.config.Realtime.LeaveRoom(ctx, convID)
		cancel()
	}
	s.removeAll()
	return nil
}

// ============================================================================
// Snapshot polling
// ============================================================================

// Poll fetches a fresh snapshot and merges it. Failures are logged,
// counted and emitted as sync.error; Poll never returns them.
func (s *Session) Poll(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionReady {
		s.mu.Unlock()
		return nil
	}
	convID := s.conversationID
	since := s.epoch
	s.polling++
	s.mu.Unlock()

	conv, err := s.config.API.Get(ctx, convID)

	s.mu.Lock()
	s.polling--
	if err != nil || s.state != SessionReady {
		s.pruneRetiredLocked(since)
		s.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("snapshot poll failed", "conversation", convID, "error", err)
			s.config.Metrics.pollFailed()
			s.emit(EventSyncError, err)
		}
		return nil
	}
	changed := s.mergeLocked(conv, since)
	s.pruneRetiredLocked(since)
	timeline := cloneTimeline(s.timeline)
	s.mu.Unlock()

	if changed {
		s.emit(EventTimelineChanged, timeline)
	}
	return nil
}

// overlayLocked returns the overlay to apply to a snapshot fetched at epoch
// since: a live one, or one retired after the fetch started.
func (s *Session) overlayLocked(id string, since uint64) (overlay, bool) {
	if o, ok := s.overlays[id]; ok {
		return o, true
	}
	if r, ok := s.retired[id]; ok && r.epoch > since {
		return r.overlay, true
	}
	return overlay{}, false
}

// pruneRetiredLocked drops retired overlays no in-flight poll can need.
func (s *Session) pruneRetiredLocked(since uint64) {
	if s.polling > 0 {
		return
	}
	for id, r := range s.retired {
		if r.epoch <= since {
			delete(s.retired, id)
		}
	}
}

func (s *Session) pollLoop(ctx context.Context) {
	for {
		timer := time.NewTimer(s.pollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.Poll(ctx)
	}
}

func (s *Session) pollInterval() time.Duration {
	if s.config.Realtime != nil && s.config.Realtime.Connected() {
		return s.config.ConnectedPollInterval
	}
	return s.config.PollInterval
}

// mergeLocked normalizes and merges conv, fetched at epoch since, into the
// timeline.
func (s *Session) mergeLocked(conv *Conversation, since uint64) bool {
	uid := s.config.Identity.UserID()
	snapshot := make([]Message, 0, len(conv.Messages))
	for _, raw := range conv.Messages {
		msg, ok := s.config.Normalizer.Normalize(raw)
		if !ok {
			continue
		}
		if o, pending := s.overlayLocked(msg.ID, since); pending {
			if o.deleted {
				continue
			}
			msg.Text = o.text
			msg.Edited = true
		}
		if msg.ConversationID == "" {
			msg.ConversationID = s.conversationID
		}
		msg.SenderRole = Classify(msg, uid)
		snapshot = append(snapshot, msg)
	}

	merged, changed := MergeSnapshot(s.timeline, snapshot, s.config.MergeOptions)
	if changed {
		s.timeline = merged
		s.config.Metrics.snapshotMerged()
	}
	return changed
}

// ============================================================================
// Live events
// ============================================================================

// HandleEvent folds one live message into the timeline. Messages for other
// conversations, empty messages and duplicates are ignored.
func (s *Session) HandleEvent(raw RawMessage) {
	msg, ok := s.config.Normalizer.Normalize(raw)
	if !ok {
		return
	}
	uid := s.config.Identity.UserID()

	s.mu.Lock()
	if s.state != SessionReady {
		s.mu.Unlock()
		return
	}
	if !s.belongsLocked(msg, uid) {
		s.mu.Unlock()
		s.config.Metrics.liveEvent(LiveIgnored)
		return
	}
	if o, pending := s.overlays[msg.ID]; pending {
		if o.deleted {
			s.mu.Unlock()
			s.config.Metrics.liveEvent(LiveIgnored)
			return
		}
		msg.Text = o.text
		msg.Edited = true
	}
	if msg.ConversationID == "" {
		msg.ConversationID = s.conversationID
	}
	msg.SenderRole = Classify(msg, uid)

	next, outcome := ApplyLive(s.timeline, msg, s.config.MergeOptions)
	if outcome != LiveDuplicate {
		s.timeline = next
	}
	timeline := cloneTimeline(s.timeline)
	background := !s.foreground
	s.mu.Unlock()

	s.config.Metrics.liveEvent(outcome)
	switch outcome {
	case LivePromoted:
		s.emit(EventTimelineChanged, timeline)
		s.emit(EventMessageConfirmed, msg)
	case LiveAppended:
		s.emit(EventTimelineChanged, timeline)
		s.emit(EventMessageAppended, msg)
		if background && msg.SenderRole == RoleRemote {
			s.notify(msg)
		}
	}
}

func (s *Session) belongsLocked(msg Message, uid string) bool {
	if msg.ConversationID != "" {
		return msg.ConversationID == s.conversationID || msg.ConversationID == s.config.ConversationID
	}
	return legacyMatch(msg, s.counterpartyID, uid)
}

// ============================================================================
// Local sends
// ============================================================================

// Send appends text optimistically and delivers it, over the realtime
// channel when connected and over REST otherwise. A REST failure marks the
// entry failed and returns a *SendError naming it for Retry.
func (s *Session) Send(ctx context.Context, text string) (Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return Message{}, err
	}
	now := s.config.Normalizer.now()
	clientID := "local-" + uuid.NewString()
	entry := Message{
		ID:               clientID,
		ClientID:         clientID,
		ConversationID:   s.conversationID,
		Text:             text,
		SenderRole:       RoleLocal,
		OriginalSenderID: s.config.Identity.UserID(),
		RecipientID:      s.counterpartyID,
		CreatedAt:        now,
		DisplayTime:      s.config.Normalizer.displayTime(now),
		Status:           StatusSending,
	}
	s.timeline = insertSorted(s.timeline, entry)
	timeline := cloneTimeline(s.timeline)
	convID, counterparty := s.conversationID, s.counterpartyID
	s.mu.Unlock()

	s.emit(EventTimelineChanged, timeline)
	s.emit(EventMessageAppended, entry)

	if rt := s.config.Realtime; rt != nil && rt.Connected() {
		payload := map[string]string{
			"chatId":         convID,
			"conversationId": convID,
			"receiverId":     counterparty,
			"text":           text,
			"clientId":       clientID,
		}
		if rt.Send(ctx, payload) {
			time.AfterFunc(s.config.ConfirmTimeout, func() { s.expireSend(clientID) })
			return entry, nil
		}
	}
	return s.deliver(ctx, entry)
}

// Retry re-sends a failed entry over REST. On success the entry is replaced
// by the confirmed message.
func (s *Session) Retry(ctx context.Context, clientID string) (Message, error) {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return Message{}, err
	}
	i := s.indexLocked(func(m Message) bool { return m.ClientID == clientID && m.Status == StatusFailed })
	if i < 0 {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("retry %s: %w", clientID, ErrUnknownMessage)
	}
	s.timeline[i].Status = StatusSending
	s.timeline[i].Error = ""
	entry := s.timeline[i]
	timeline := cloneTimeline(s.timeline)
	s.mu.Unlock()

	s.emit(EventTimelineChanged, timeline)
	return s.deliver(ctx, entry)
}

func (s *Session) deliver(ctx context.Context, entry Message) (Message, error) {
	raw, err := s.config.API.Send(ctx, entry.ConversationID, entry.Text)
	if err != nil {
		return s.fail(entry, err)
	}

	confirmed := entry
	confirmed.Status = StatusSent
	if msg, ok := s.config.Normalizer.Normalize(raw); ok {
		confirmed = msg
		if confirmed.ConversationID == "" {
			confirmed.ConversationID = entry.ConversationID
		}
		if confirmed.OriginalSenderID == "" {
			confirmed.OriginalSenderID = entry.OriginalSenderID
		}
	}
	confirmed.ClientID = entry.ClientID
	confirmed.SenderRole = RoleLocal
	confirmed.Status = StatusSent

	s.mu.Lock()
	if s.state != SessionReady {
		s.mu.Unlock()
		return confirmed, nil
	}
	next, ok := ConfirmPending(s.timeline, entry.ClientID, confirmed)
	if ok {
		s.timeline = next
	}
	timeline := cloneTimeline(s.timeline)
	s.mu.Unlock()

	if ok {
		s.emit(EventTimelineChanged, timeline)
		s.emit(EventMessageConfirmed, confirmed)
	}
	return confirmed, nil
}

// expireSend marks a realtime send failed when neither an echo nor a
// snapshot confirmed it in time, so it can be retried over REST.
func (s *Session) expireSend(clientID string) {
	s.mu.Lock()
	var (
		entry Message
		found bool
	)
	if s.state == SessionReady {
		if i := s.indexLocked(func(m Message) bool { return m.ClientID == clientID && m.Status == StatusSending }); i >= 0 {
			entry, found = s.timeline[i], true
		}
	}
	s.mu.Unlock()

	if found {
		s.fail(entry, ErrUnconfirmed)
	}
}

func (s *Session) fail(entry Message, cause error) (Message, error) {
	s.logger.Warn("send failed", "client_id", entry.ClientID, "error", cause)
	s.config.Metrics.sendFailed()

	entry.Status = StatusFailed
	entry.Error = cause.Error()

	s.mu.Lock()
	changed := false
	if s.state == SessionReady {
		if i := s.indexLocked(func(m Message) bool { return m.ClientID == entry.ClientID && m.Status == StatusSending }); i >= 0 {
			s.timeline[i].Status = StatusFailed
			s.timeline[i].Error = entry.Error
			entry = s.timeline[i]
			changed = true
		}
	}
	timeline := cloneTimeline(s.timeline)
	s.mu.Unlock()

	if changed {
		s.emit(EventTimelineChanged, timeline)
		s.emit(EventMessageFailed, entry)
	}
	return entry, &SendError{ClientID: entry.ClientID, Err: cause}
}

// ============================================================================
// Edit / Delete
// ============================================================================

// Edit replaces the text of a message locally and updates the server in the
// background. A rejected update is reported as a message.conflict event;
// the local change is not rolled back and the next snapshot after the
// rejection restores the server's text.
func (s *Session) Edit(ctx context.Context, messageID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	i := s.indexLocked(func(m Message) bool { return m.ID == messageID || m.ClientID == messageID })
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("edit %s: %w", messageID, ErrUnknownMessage)
	}
	s.timeline[i].Text = text
	s.timeline[i].Edited = true
	entry := s.timeline[i]
	remote := !localOnly(entry)
	if remote {
		s.overlays[entry.ID] = overlay{text: text}
	}
	timeline := cloneTimeline(s.timeline)
	s.mu.Unlock()

	s.emit(EventTimelineChanged, timeline)
	if remote {
		s.background(ctx, "edit", entry.ID, func(ctx context.Context) error {
			_, err := s.config.API.EditMessage(ctx, entry.ID, text)
			return err
		})
	}
	return nil
}

// Delete removes a message locally and deletes it on the server in the
// background, with the same conflict policy as Edit.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	i := s.indexLocked(func(m Message) bool { return m.ID == messageID || m.ClientID == messageID })
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", messageID, ErrUnknownMessage)
	}
	entry := s.timeline[i]
	next := make([]Message, 0, len(s.timeline)-1)
	next = append(next, s.timeline[:i]...)
	s.timeline = append(next, s.timeline[i+1:]...)
	remote := !localOnly(entry)
	if remote {
		s.overlays[entry.ID] = overlay{deleted: true}
	}
	timeline := cloneTimeline(s.timeline)
	s.mu.Unlock()

	s.emit(EventTimelineChanged, timeline)
	if remote {
		s.background(ctx, "delete", entry.ID, func(ctx context.Context) error {
			return s.config.API.DeleteMessage(ctx, entry.ID)
		})
	}
	return nil
}

// background runs a best-effort remote call and retires the overlay for id
// when it finishes.
func (s *Session) background(ctx context.Context, op, id string, call func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		callCtx, cancel := context.WithTimeout(ctx, s.config.RemoteTimeout)
		err := call(callCtx)
		cancel()

		s.mu.Lock()
		if o, ok := s.overlays[id]; ok {
			delete(s.overlays, id)
			s.epoch++
			if s.polling > 0 {
				s.retired[id] = retiredOverlay{overlay: o, epoch: s.epoch}
			}
		}
		closed := s.state == SessionClosed
		s.mu.Unlock()

		if err == nil || closed {
			return
		}
		s.logger.Warn("remote "+op+" failed", "message", id, "error", err)
		s.config.Metrics.conflict(op)
		s.emit(EventMessageConflict, &ConflictEvent{Op: op, MessageID: id, Err: err})
	}()
}

// localOnly reports whether the entry has never reached the server.
func localOnly(m Message) bool {
	return m.Pending() && m.ID == m.ClientID
}

// ============================================================================
// Misc
// ============================================================================

// MarkRead marks the conversation read on the server. Failures are logged.
func (s *Session) MarkRead(ctx context.Context) error {
	s.mu.Lock()
	if err := s.readyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	convID := s.conversationID
	s.mu.Unlock()

	if err := s.config.API.MarkRead(ctx, convID); err != nil {
		s.logger.Warn("mark read failed", "conversation", convID, "error", err)
	}
	return nil
}

// SetForeground tells the session whether its conversation is on screen.
// While in the background, appended remote messages go to the Notifier.
func (s *Session) SetForeground(foreground bool) {
	s.mu.Lock()
	s.foreground = foreground
	s.mu.Unlock()
}

func (s *Session) notify(msg Message) {
	if s.config.Notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.RemoteTimeout)
		defer cancel()
		if err := s.config.Notifier.Notify(ctx, notificationFor(msg)); err != nil {
			s.logger.Warn("notify failed", "message", msg.ID, "error", err)
		}
	}()
}

// reclassify re-attributes the timeline after the local identity changed.
func (s *Session) reclassify(uid string) {
	s.mu.Lock()
	if s.state != SessionReady {
		s.mu.Unlock()
		return
	}
	next, changed := Reclassify(s.timeline, uid)
	if changed {
		s.timeline = next
	}
	timeline := cloneTimeline(s.timeline)
	s.mu.Unlock()

	if changed {
		s.emit(EventTimelineChanged, timeline)
	}
}

func (s *Session) readyLocked() error {
	switch s.state {
	case SessionReady:
		return nil
	case SessionClosed:
		return ErrClosed
	default:
		return ErrNotReady
	}
}

func (s *Session) indexLocked(match func(Message) bool) int {
	for i, m := range s.timeline {
		if match(m) {
			return i
		}
	}
	return -1
}

// counterpartyOf returns the first participant that is not the local user.
func counterpartyOf(participants []string, localUserID string) string {
	if localUserID == "" {
		return ""
	}
	for _, p := range participants {
		if !sameUser(p, localUserID) {
			return p
		}
	}
	return ""
}
