package chatsync

import "strings"

// Classify decides whether msg was authored by the local user. An unknown
// local user id always yields RoleRemote. Pending entries were created on
// this client and are always local.
func Classify(msg Message, localUserID string) SenderRole {
	if msg.Pending() {
		return RoleLocal
	}
	if sameUser(msg.OriginalSenderID, localUserID) {
		return RoleLocal
	}
	return RoleRemote
}

// Reclassify re-evaluates the attribution of every entry carrying a sender
// id. Pending entries written before the local id was known are stamped
// with it. It returns a new slice and whether any entry changed.
func Reclassify(timeline []Message, localUserID string) ([]Message, bool) {
	out := make([]Message, len(timeline))
	changed := false
	for i, m := range timeline {
		if uid := strings.TrimSpace(localUserID); uid != "" && m.Pending() && m.OriginalSenderID == "" {
			m.OriginalSenderID = uid
			changed = true
		}
		if m.OriginalSenderID != "" || m.Pending() {
			role := Classify(m, localUserID)
			if role != m.SenderRole {
				m.SenderRole = role
				changed = true
			}
		}
		out[i] = m
	}
	return out, changed
}

func sameUser(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(a, b)
}
