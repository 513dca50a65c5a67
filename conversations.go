package chatsync

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConversationAPI is the REST surface the list needs. *ChatsClient
// implements it.
type ConversationAPI interface {
	List(ctx context.Context) ([]RawConversation, error)
	Remove(ctx context.Context, conversationID string) error
}

// ProfileAPI looks up user profiles. *UsersClient implements it.
type ProfileAPI interface {
	Get(ctx context.Context, userID string) (RawProfile, error)
}

// DefaultDisplayName labels a counterparty nothing is known about.
const DefaultDisplayName = "User"

var (
	conversationAliasFields = []string{"_id", "id", "chatId", "conversationId", "roomId"}
	counterpartyFields      = []string{"otherUser", "receiver", "user"}
	nameFields              = []string{"name", "fullName", "displayName", "username"}
	phoneFields             = []string{"phone", "phoneNumber", "mobile"}
	avatarFields            = []string{"avatar", "profileImage", "profilePicture", "photo", "image"}
	activityFields          = []string{"lastMessageAt", "lastActivity", "updatedAt", "createdAt"}

	phonePattern = regexp.MustCompile(`^\+?[0-9][0-9 \-()]{6,}$`)
)

// ConversationListConfig configures a ConversationList.
type ConversationListConfig struct {
	API      ConversationAPI
	Profiles ProfileAPI
	Realtime Realtime
	Identity *IdentityStore

	// AssetBaseURL resolves relative avatar paths, e.g.
	// https://api.kirayedar24.com.
	AssetBaseURL string

	PollInterval time.Duration
	// ReloadInterval is the minimum spacing of reloads triggered by live
	// events for unknown conversations.
	ReloadInterval time.Duration

	Normalizer Normalizer
	Logger     *slog.Logger
	Metrics    *Metrics
}

func (c *ConversationListConfig) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.ReloadInterval == 0 {
		c.ReloadInterval = 2 * time.Second
	}
	if c.Identity == nil {
		c.Identity = NewIdentityStore()
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "chatsync.conversations")
	}
}

// ConversationList maintains the local user's conversation summaries,
// most recent first.
type ConversationList struct {
	emitter
	config  ConversationListConfig
	logger  *slog.Logger
	limiter *rate.Limiter

	mu        sync.Mutex
	summaries []ConversationSummary
	signature string
	started   uint64
	applied   uint64
	closed    bool
	cancel    context.CancelFunc
	unsubs    []func()

	profilesMu sync.Mutex
	profiles   map[string]Identity
}

// NewConversationList creates an empty list. Call LoadAll or Start.
func NewConversationList(config *ConversationListConfig) *ConversationList {
	cfg := ConversationListConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &ConversationList{
		emitter:  newEmitter(),
		config:   cfg,
		logger:   cfg.Logger,
		limiter:  rate.NewLimiter(rate.Every(cfg.ReloadInterval), 1),
		profiles: make(map[string]Identity),
	}
}

// Summaries returns a copy of the current list.
func (l *ConversationList) Summaries() []ConversationSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConversationSummary(nil), l.summaries...)
}

// OnChange registers fn to receive the list after every change.
func (l *ConversationList) OnChange(fn func([]ConversationSummary)) {
	l.On(EventListChanged, func(_ string, payload any) {
		if cs, ok := payload.([]ConversationSummary); ok {
			fn(cs)
		}
	})
}

// LoadAll fetches every conversation and resolves its counterparty.
func (l *ConversationList) LoadAll(ctx context.Context) ([]ConversationSummary, error) {
	summaries, _, err := l.reload(ctx)
	return summaries, err
}

// Poll reloads the list and reports whether it changed. The change event is
// only emitted when the id, preview or activity time of some entry differs.
func (l *ConversationList) Poll(ctx context.Context) (bool, error) {
	_, changed, err := l.reload(ctx)
	return changed, err
}

func (l *ConversationList) reload(ctx context.Context) ([]ConversationSummary, bool, error) {
	l.mu.Lock()
	l.started++
	seq := l.started
	l.mu.Unlock()

	raws, err := l.config.API.List(ctx)
	if err != nil {
		return nil, false, err
	}
	uid := l.config.Identity.UserID()
	summaries := make([]ConversationSummary, 0, len(raws))
	for _, raw := range raws {
		if s, ok := l.summarize(ctx, raw, uid); ok {
			summaries = append(summaries, s)
		}
	}
	sortSummaries(summaries)
	sig := signatureOf(summaries)

	l.mu.Lock()
	if l.closed || seq < l.applied {
		current := append([]ConversationSummary(nil), l.summaries...)
		l.mu.Unlock()
		return current, false, nil
	}
	l.applied = seq
	changed := sig != l.signature
	if changed {
		l.summaries = summaries
		l.signature = sig
	}
	out := append([]ConversationSummary(nil), l.summaries...)
	l.mu.Unlock()

	if changed {
		l.emit(EventListChanged, out)
	}
	return out, changed, nil
}

// HandleEvent applies a live message to the list. A known conversation gets
// the new preview and moves to the front; an unknown one triggers a
// rate-limited reload in the background. Payloads without a conversation id
// are matched on sender and recipient against each counterparty.
func (l *ConversationList) HandleEvent(ctx context.Context, raw RawMessage) {
	msg, ok := l.config.Normalizer.Normalize(raw)
	if !ok {
		return
	}
	uid := l.config.Identity.UserID()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	idx := -1
	for i := range l.summaries {
		var hit bool
		if msg.ConversationID != "" {
			hit = l.summaries[i].matches(msg.ConversationID)
		} else {
			hit = legacyMatch(msg, l.summaries[i].Counterparty.ID, uid)
		}
		if hit {
			idx = i
			break
		}
	}
	if idx < 0 {
		l.mu.Unlock()
		if l.limiter.Allow() {
			go l.refresh(context.WithoutCancel(ctx))
		}
		return
	}

	s := l.summaries[idx]
	s.LastMessagePreview = msg.Text
	if msg.CreatedAt.After(s.LastActivityAt) {
		s.LastActivityAt = msg.CreatedAt
	}
	if Classify(msg, uid) == RoleRemote {
		s.UnreadCount++
	}
	next := make([]ConversationSummary, 0, len(l.summaries))
	next = append(next, s)
	next = append(next, l.summaries[:idx]...)
	next = append(next, l.summaries[idx+1:]...)
	l.summaries = next
	l.signature = signatureOf(next)
	out := append([]ConversationSummary(nil), next...)
	l.mu.Unlock()

	l.emit(EventListChanged, out)
}

// Remove drops a conversation locally, then asks the server to delete it.
// The local removal stands even when the server call fails.
func (l *ConversationList) Remove(ctx context.Context, conversationID string) error {
	l.mu.Lock()
	next := make([]ConversationSummary, 0, len(l.summaries))
	removed := ""
	for _, s := range l.summaries {
		if s.matches(conversationID) {
			removed = s.ID
			continue
		}
		next = append(next, s)
	}
	if removed == "" {
		l.mu.Unlock()
		return ErrUnknownConversation
	}
	l.summaries = next
	l.signature = signatureOf(next)
	out := append([]ConversationSummary(nil), next...)
	l.mu.Unlock()

	l.emit(EventListChanged, out)
	if err := l.config.API.Remove(ctx, removed); err != nil {
		l.logger.Warn("remove conversation failed", "conversation", removed, "error", err)
	}
	return nil
}

// Start loads the list, follows live events when a realtime channel is
// configured and polls in the background until Close.
func (l *ConversationList) Start(ctx context.Context) error {
	if _, err := l.LoadAll(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	if rt := l.config.Realtime; rt != nil {
		l.unsubs = append(l.unsubs, rt.OnMessage(func(raw RawMessage) {
			l.HandleEvent(loopCtx, raw)
		}))
	}
	l.unsubs = append(l.unsubs, l.config.Identity.Subscribe(func(string) {
		go l.refresh(loopCtx)
	}))
	l.mu.Unlock()

	go l.pollLoop(loopCtx)
	return nil
}

// Close stops the poll loop and live subscription.
func (l *ConversationList) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.cancel != nil {
		l.cancel()
	}
	unsubs := l.unsubs
	l.unsubs = nil
	l.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	l.removeAll()
	return nil
}

func (l *ConversationList) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(l.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.refresh(ctx)
		}
	}
}

// refresh is a background reload; errors are logged and counted.
func (l *ConversationList) refresh(ctx context.Context) {
	if _, err := l.Poll(ctx); err != nil && ctx.Err() == nil {
		l.logger.Warn("conversation list poll failed", "error", err)
		l.config.Metrics.pollFailed()
		l.emit(EventSyncError, err)
	}
}

// ============================================================================
// Summaries
// ============================================================================

func (l *ConversationList) summarize(ctx context.Context, raw RawConversation, localUserID string) (ConversationSummary, bool) {
	s := ConversationSummary{ID: firstID(raw, conversationAliasFields...)}
	if s.ID == "" {
		return s, false
	}
	seen := map[string]struct{}{s.ID: {}}
	for _, k := range conversationAliasFields {
		if id := idValue(raw[k]); id != "" {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				s.Aliases = append(s.Aliases, id)
			}
		}
	}

	s.Counterparty = l.counterparty(ctx, raw, localUserID)
	s.LastMessagePreview, s.LastActivityAt = l.lastActivity(raw)
	s.UnreadCount = intOr(raw, "unreadCount", 0)
	return s, true
}

// counterparty resolves the display identity of the other participant.
func (l *ConversationList) counterparty(ctx context.Context, raw RawConversation, localUserID string) Identity {
	var person map[string]any
	id := ""
	if list, ok := raw["participants"].([]any); ok {
		for _, p := range list {
			pid := idValue(p)
			if pid == "" || sameUser(pid, localUserID) {
				continue
			}
			id = pid
			person, _ = p.(map[string]any)
			break
		}
	}
	if id == "" {
		for _, k := range counterpartyFields {
			if pid := idValue(raw[k]); pid != "" && !sameUser(pid, localUserID) {
				id = pid
				person, _ = raw[k].(map[string]any)
				break
			}
		}
	}

	ident := Identity{ID: id}
	email, phone := "", ""
	if person != nil {
		ident.Name = personName(person)
		ident.Avatar = firstAvatar(person)
		email = strOr(person, "email", "")
		phone = firstString(person, phoneFields...)
	}

	if (ident.Name == "" || masked(ident.Name)) && id != "" {
		if p, ok := l.profile(ctx, id); ok {
			if p.Name != "" {
				ident.Name = p.Name
			}
			if ident.Avatar == "" {
				ident.Avatar = p.Avatar
			}
		}
	}
	if ident.Name == "" || masked(ident.Name) {
		ident.Name = fallbackLabel(ident.Name, email, phone)
	}
	ident.Avatar = resolveAsset(l.config.AssetBaseURL, ident.Avatar)
	return ident
}

// profile looks up id through the profile API, caching successful lookups.
func (l *ConversationList) profile(ctx context.Context, id string) (Identity, bool) {
	l.profilesMu.Lock()
	p, ok := l.profiles[id]
	l.profilesMu.Unlock()
	if ok {
		return p, true
	}
	if l.config.Profiles == nil {
		return Identity{}, false
	}

	raw, err := l.config.Profiles.Get(ctx, id)
	if err != nil {
		l.logger.Debug("profile lookup failed", "user", id, "error", err)
		return Identity{}, false
	}
	p = Identity{ID: id, Name: personName(raw), Avatar: firstAvatar(raw)}
	if masked(p.Name) {
		p.Name = ""
	}
	l.profilesMu.Lock()
	l.profiles[id] = p
	l.profilesMu.Unlock()
	return p, true
}

func (l *ConversationList) lastActivity(raw RawConversation) (string, time.Time) {
	var preview string
	var at time.Time

	switch last := raw["lastMessage"].(type) {
	case map[string]any:
		if msg, ok := l.config.Normalizer.Normalize(RawMessage(last)); ok {
			preview, at = msg.Text, msg.CreatedAt
		}
	case string:
		preview = strings.TrimSpace(last)
	}
	if preview == "" {
		if list, ok := raw["messages"].([]any); ok && len(list) > 0 {
			if obj, ok := list[len(list)-1].(map[string]any); ok {
				if msg, ok := l.config.Normalizer.Normalize(RawMessage(obj)); ok {
					preview, at = msg.Text, msg.CreatedAt
				}
			}
		}
	}
	if t, ok := firstTime(raw, activityFields...); ok && t.After(at) {
		at = t
	}
	return preview, at
}

func personName(m map[string]any) string {
	if name := strings.TrimSpace(firstString(m, nameFields...)); name != "" {
		return name
	}
	first := strings.TrimSpace(strOr(m, "firstName", ""))
	last := strings.TrimSpace(strOr(m, "lastName", ""))
	return strings.TrimSpace(first + " " + last)
}

func firstAvatar(m map[string]any) string {
	for _, k := range avatarFields {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case map[string]any:
			if s := strOr(v, "url", ""); s != "" {
				return s
			}
		}
	}
	return ""
}

// masked reports whether name is not a real display name: redacted with
// '*', or a bare email address or phone number.
func masked(name string) bool {
	return strings.Contains(name, "*") || looksLikeEmail(name) || phonePattern.MatchString(name)
}

func looksLikeEmail(s string) bool {
	at := strings.Index(s, "@")
	return at > 0 && !strings.ContainsAny(s, " ") && strings.Contains(s[at:], ".")
}

func fallbackLabel(name, email, phone string) string {
	switch {
	case email != "":
		return maskEmail(email)
	case phone != "":
		return maskPhone(phone)
	case strings.Contains(name, "*"):
		return name
	case looksLikeEmail(name):
		return maskEmail(name)
	case phonePattern.MatchString(name):
		return maskPhone(name)
	}
	return DefaultDisplayName
}

// maskEmail keeps the first two characters of the local part.
func maskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return DefaultDisplayName
	}
	local := email[:at]
	keep := 2
	if len(local) < keep {
		keep = len(local)
	}
	return local[:keep] + "***" + email[at:]
}

// maskPhone keeps the last four digits.
func maskPhone(phone string) string {
	digits := make([]byte, 0, len(phone))
	for i := 0; i < len(phone); i++ {
		if phone[i] >= '0' && phone[i] <= '9' {
			digits = append(digits, phone[i])
		}
	}
	if len(digits) <= 4 {
		return DefaultDisplayName
	}
	return strings.Repeat("*", len(digits)-4) + string(digits[len(digits)-4:])
}

// resolveAsset turns a stored avatar reference into an absolute URL.
func resolveAsset(base, ref string) string {
	ref = strings.TrimSpace(strings.ReplaceAll(ref, "\\", "/"))
	switch {
	case ref == "":
		return ""
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"), strings.HasPrefix(ref, "data:"):
		return ref
	case strings.HasPrefix(ref, "//"):
		return "https:" + ref
	case base == "":
		return ref
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(ref, "/")
}

func sortSummaries(ss []ConversationSummary) {
	sort.SliceStable(ss, func(i, j int) bool {
		return ss[i].LastActivityAt.After(ss[j].LastActivityAt)
	})
}

// signatureOf is the change-detection key of a list.
func signatureOf(ss []ConversationSummary) string {
	var b strings.Builder
	for _, s := range ss {
		b.WriteString(s.ID)
		b.WriteByte('|')
		b.WriteString(s.LastMessagePreview)
		b.WriteByte('|')
		b.WriteString(strconv.FormatInt(s.LastActivityAt.Unix(), 10))
		b.WriteByte(';')
	}
	return b.String()
}
