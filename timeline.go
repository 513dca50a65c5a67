package chatsync

import (
	"sort"
	"time"
)

const (
	DefaultDedupeWindow = 5 * time.Second
	DefaultEchoWindow   = 2 * time.Minute
)

// MergeOptions tunes the duplicate and echo detection windows.
type MergeOptions struct {
	// DedupeWindow is the tolerance within which two entries with identical
	// text are considered one event.
	DedupeWindow time.Duration
	// EchoWindow bounds how far a server copy of a local send may drift
	// from the optimistic entry and still confirm it.
	EchoWindow time.Duration
}

func (o MergeOptions) withDefaults() MergeOptions {
	if o.DedupeWindow <= 0 {
		o.DedupeWindow = DefaultDedupeWindow
	}
	if o.EchoWindow <= 0 {
		o.EchoWindow = DefaultEchoWindow
	}
	return o
}

// LiveOutcome is what ApplyLive did with an incoming message.
type LiveOutcome string

const (
	LivePromoted  LiveOutcome = "promoted"
	LiveDuplicate LiveOutcome = "duplicate"
	LiveAppended  LiveOutcome = "appended"
	LiveIgnored   LiveOutcome = "ignored"
)

// MergeSnapshot folds a full server snapshot into the current timeline.
//
// Pending entries (sending or failed) survive unless the snapshot confirms
// them, either by id or by carrying the same text from the local user within
// the echo window. Everything else comes from the snapshot, de-duplicated by
// id and sorted by CreatedAt. When the result equals current, current is
// returned unchanged with false.
func MergeSnapshot(current, snapshot []Message, opts MergeOptions) ([]Message, bool) {
	opts = opts.withDefaults()

	clientIDs := make(map[string]string)
	for _, m := range current {
		if m.ClientID != "" {
			clientIDs[m.ID] = m.ClientID
		}
	}

	merged := make([]Message, 0, len(snapshot)+len(current))
	ids := make(map[string]struct{}, len(snapshot))
	for _, m := range snapshot {
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		if m.ClientID == "" {
			m.ClientID = clientIDs[m.ID]
		}
		merged = append(merged, m)
	}
	confirmed := len(merged)

	used := make(map[int]struct{})
	for _, p := range current {
		if !p.Pending() {
			continue
		}
		if _, ok := ids[p.ID]; ok {
			continue
		}
		if i := findEcho(merged[:confirmed], p, used, opts.EchoWindow); i >= 0 {
			used[i] = struct{}{}
			merged[i].ClientID = p.ClientID
			continue
		}
		merged = append(merged, p)
	}

	sortTimeline(merged)
	if timelinesEqual(current, merged) {
		return current, false
	}
	return merged, true
}

// ApplyLive folds one live message into the timeline. An echo of a pending
// entry replaces it in place; otherwise the message is dropped when an entry
// with the same id, or the same text within the dedupe window, already
// exists; otherwise it is inserted in CreatedAt order.
//
// A pending entry that swallowed a duplicate stays pending until a snapshot
// confirms it.
func ApplyLive(current []Message, incoming Message, opts MergeOptions) ([]Message, LiveOutcome) {
	opts = opts.withDefaults()

	if i := findPendingEcho(current, incoming, opts.EchoWindow); i >= 0 {
		return replacePending(current, i, incoming), LivePromoted
	}

	for _, m := range current {
		if m.ID == incoming.ID {
			return current, LiveDuplicate
		}
		if m.Text == incoming.Text &&
			absDuration(m.CreatedAt.Sub(incoming.CreatedAt)) <= opts.DedupeWindow {
			return current, LiveDuplicate
		}
	}

	return insertSorted(current, incoming), LiveAppended
}

// ConfirmPending replaces the pending entry with clientID by the confirmed
// server copy. Any other entry already carrying the confirmed id (an echo
// that won the race) is dropped. It returns false when no such pending
// entry exists.
func ConfirmPending(current []Message, clientID string, confirmed Message) ([]Message, bool) {
	for i, m := range current {
		if m.ClientID == clientID && m.Pending() {
			return replacePending(current, i, confirmed), true
		}
	}
	return current, false
}

// findEcho returns the index of a confirmed local entry in candidates that
// matches pending p, skipping indexes already used.
func findEcho(candidates []Message, p Message, used map[int]struct{}, window time.Duration) int {
	for i, c := range candidates {
		if _, taken := used[i]; taken {
			continue
		}
		if c.Pending() || c.Text != p.Text || !mayBeEcho(p, c) {
			continue
		}
		if absDuration(c.CreatedAt.Sub(p.CreatedAt)) <= window {
			return i
		}
	}
	return -1
}

// findPendingEcho prefers the oldest sending entry, then falls back to a
// failed one the server turned out to have stored.
func findPendingEcho(current []Message, incoming Message, window time.Duration) int {
	failed := -1
	for i, m := range current {
		if !m.Pending() || m.Text != incoming.Text || !mayBeEcho(m, incoming) {
			continue
		}
		if absDuration(m.CreatedAt.Sub(incoming.CreatedAt)) > window {
			continue
		}
		if m.Status == StatusSending {
			return i
		}
		if failed < 0 {
			failed = i
		}
	}
	return failed
}

// mayBeEcho reports whether c could be the server copy of pending entry p.
// Local messages always qualify. An entry written before the local user id
// was known qualifies against any attributed message that did not come from
// its recipient.
func mayBeEcho(p, c Message) bool {
	if c.SenderRole == RoleLocal {
		return true
	}
	return p.OriginalSenderID == "" && c.OriginalSenderID != "" && !sameUser(c.OriginalSenderID, p.RecipientID)
}

func replacePending(current []Message, i int, confirmed Message) []Message {
	confirmed.Status = StatusSent
	confirmed.SenderRole = RoleLocal
	confirmed.Error = ""
	if confirmed.ClientID == "" {
		confirmed.ClientID = current[i].ClientID
	}
	out := make([]Message, 0, len(current))
	for j, m := range current {
		switch {
		case j == i:
			out = append(out, confirmed)
		case m.ID == confirmed.ID:
			// already delivered through the other channel
		default:
			out = append(out, m)
		}
	}
	sortTimeline(out)
	return out
}

func insertSorted(current []Message, m Message) []Message {
	i := sort.Search(len(current), func(i int) bool {
		return current[i].CreatedAt.After(m.CreatedAt)
	})
	out := make([]Message, 0, len(current)+1)
	out = append(out, current[:i]...)
	out = append(out, m)
	out = append(out, current[i:]...)
	return out
}

func sortTimeline(ms []Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		return ms[i].CreatedAt.Before(ms[j].CreatedAt)
	})
}

func timelinesEqual(a, b []Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameEntry(a[i], b[i]) {
			return false
		}
	}
	return true
}

func sameEntry(a, b Message) bool {
	return a.ID == b.ID &&
		a.ClientID == b.ClientID &&
		a.Text == b.Text &&
		a.Status == b.Status &&
		a.SenderRole == b.SenderRole &&
		a.OriginalSenderID == b.OriginalSenderID &&
		a.Edited == b.Edited &&
		a.CreatedAt.Equal(b.CreatedAt)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func cloneTimeline(ms []Message) []Message {
	return append([]Message(nil), ms...)
}
