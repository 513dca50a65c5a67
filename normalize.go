package chatsync

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Candidate field names, in priority order. The backend has shipped every
// one of these at some point.
var (
	messageIDFields      = []string{"_id", "id", "messageId", "message_id"}
	messageTextFields    = []string{"text", "message", "content", "body"}
	messageSenderFields  = []string{"senderId", "sender", "from", "userId", "user", "author"}
	messageTimeFields    = []string{"createdAt", "timestamp", "sentAt", "time", "updatedAt"}
	conversationIDFields = []string{"chatId", "conversationId", "chat", "roomId"}
	recipientFields      = []string{"receiverId", "recipientId", "receiver", "to"}
	editedFields         = []string{"edited", "isEdited"}
	nestedIDFields       = []string{"_id", "id", "userId"}
	envelopeFields       = []string{"message", "data"}

	// inheritedFields are copied from an envelope to its payload when the
	// payload has none of the group.
	inheritedFields = [][]string{conversationIDFields, messageSenderFields, messageTimeFields, recipientFields}
)

// DisplayTimeLayout formats Message.DisplayTime.
const DisplayTimeLayout = "3:04 PM"

// Normalizer converts raw wire messages into canonical messages.
// The zero value uses time.Now and the local time zone.
type Normalizer struct {
	Now      func() time.Time
	Location *time.Location
}

var defaultNormalizer Normalizer

// Normalize converts raw into a canonical message using the default
// normalizer. It returns false when the message has no text.
func Normalize(raw RawMessage) (Message, bool) {
	return defaultNormalizer.Normalize(raw)
}

// Normalize converts raw into a canonical message. The returned message has
// SenderRole remote and Status sent; attribution is the classifier's job.
func (n Normalizer) Normalize(raw RawMessage) (Message, bool) {
	if raw == nil {
		return Message{}, false
	}
	text := strings.TrimSpace(firstString(raw, messageTextFields...))
	if text == "" {
		// {"message": {...}} envelopes carry the payload one level down.
		for _, key := range envelopeFields {
			if inner, ok := raw[key].(map[string]any); ok {
				return n.Normalize(inherit(RawMessage(inner), raw))
			}
		}
		return Message{}, false
	}

	createdAt, ok := firstTime(raw, messageTimeFields...)
	if !ok {
		createdAt = n.now()
	}

	id := firstID(raw, messageIDFields...)
	if id == "" {
		id = "ts-" + strconv.FormatInt(createdAt.UnixMilli(), 10)
	}

	msg := Message{
		ID:               id,
		ConversationID:   firstID(raw, conversationIDFields...),
		Text:             text,
		SenderRole:       RoleRemote,
		OriginalSenderID: firstID(raw, messageSenderFields...),
		RecipientID:      firstID(raw, recipientFields...),
		CreatedAt:        createdAt,
		DisplayTime:      n.displayTime(createdAt),
		Status:           StatusSent,
		Edited:           firstBool(raw, editedFields...),
	}
	if !msg.Edited {
		if _, ok := firstTime(raw, "editedAt"); ok {
			msg.Edited = true
		}
	}
	return msg, true
}

// NormalizeAll normalizes every raw message, dropping empty ones.
func (n Normalizer) NormalizeAll(raws []RawMessage) []Message {
	out := make([]Message, 0, len(raws))
	for _, raw := range raws {
		if msg, ok := n.Normalize(raw); ok {
			out = append(out, msg)
		}
	}
	return out
}

func (n Normalizer) now() time.Time {
	if n.Now != nil {
		return n.Now()
	}
	return time.Now()
}

func (n Normalizer) displayTime(t time.Time) string {
	loc := n.Location
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DisplayTimeLayout)
}

// ============================================================================
// Field helpers
// ============================================================================

func strOr(m map[string]any, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func intOr(m map[string]any, key string, fallback int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return fallback
}

// firstString returns the first non-empty string value among keys.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// firstID returns the first id found among keys. A key may hold the id
// itself or an object carrying it under _id, id or userId.
func firstID(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if id := idValue(m[k]); id != "" {
			return id
		}
	}
	return ""
}

func idValue(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == math.Trunc(t) {
			return strconv.FormatInt(int64(t), 10)
		}
	case json.Number:
		return t.String()
	case map[string]any:
		for _, k := range nestedIDFields {
			if s, ok := t[k].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func firstBool(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if b, ok := m[k].(bool); ok {
			return b
		}
	}
	return false
}

func firstTime(m map[string]any, keys ...string) (time.Time, bool) {
	for _, k := range keys {
		if t, ok := parseTime(m[k]); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// parseTime accepts RFC 3339 strings and numeric epochs. Numbers below 1e12
// are seconds, anything larger is milliseconds.
func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.000Z0700", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochTime(f)
		}
	case float64:
		return epochTime(t)
	case int64:
		return epochTime(float64(t))
	case int:
		return epochTime(float64(t))
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return epochTime(f)
		}
	case time.Time:
		return t, !t.IsZero()
	}
	return time.Time{}, false
}

func epochTime(f float64) (time.Time, bool) {
	if f <= 0 {
		return time.Time{}, false
	}
	if f < 1e12 {
		return time.UnixMilli(int64(f * 1000)), true
	}
	return time.UnixMilli(int64(f)), true
}

// inherit returns inner extended with the envelope fields of outer it lacks.
func inherit(inner, outer RawMessage) RawMessage {
	out := make(RawMessage, len(inner)+4)
	for k, v := range inner {
		out[k] = v
	}
	for _, group := range inheritedFields {
		if hasAny(inner, group) {
			continue
		}
		for _, k := range group {
			if v, ok := outer[k]; ok {
				out[k] = v
			}
		}
	}
	return out
}

func hasAny(raw RawMessage, keys []string) bool {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return true
		}
	}
	return false
}
