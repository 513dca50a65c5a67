package chatsync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Chatsync-Signature"

// ============================================================================
// Notification Types
// ============================================================================

// Notification describes a message that arrived while the session was in
// the background.
type Notification struct {
	Event          string    `json:"event"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	SenderID       string    `json:"senderId,omitempty"`
	Text           string    `json:"text"`
	CreatedAt      time.Time `json:"createdAt"`
}

const notificationEvent = "message.new"

func notificationFor(msg Message) Notification {
	return Notification{
		Event:          notificationEvent,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.OriginalSenderID,
		Text:           msg.Text,
		CreatedAt:      msg.CreatedAt,
	}
}

// Notifier delivers background notifications. Sessions call it fire and
// forget; errors are logged only.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// ============================================================================
// Signing
// ============================================================================

// Sign returns the "sha256=<hex>" HMAC-SHA256 signature of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature using constant-time
// comparison. The "sha256=" prefix is optional.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	expected := strings.TrimPrefix(Sign(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseNotification decodes a webhook body.
func ParseNotification(body []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return nil, fmt.Errorf("invalid JSON in notification body: %w", err)
	}
	if n.Event == "" {
		return nil, errors.New("missing event field in notification")
	}
	if n.ConversationID == "" || n.MessageID == "" {
		return nil, errors.New("missing conversationId or messageId in notification")
	}
	return &n, nil
}

// ============================================================================
// WebhookNotifier
// ============================================================================

// WebhookNotifier posts signed notifications to an HTTP endpoint.
type WebhookNotifier struct {
	url        string
	secret     string
	httpClient *http.Client
}

// NewWebhookNotifier creates a notifier posting to url. An empty secret
// sends unsigned requests.
func NewWebhookNotifier(url, secret string, httpClient *http.Client) (*WebhookNotifier, error) {
	if url == "" {
		return nil, errors.New("webhook url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, secret: secret, httpClient: httpClient}, nil
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, Sign(body, w.secret))
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post notification: HTTP %d", resp.StatusCode)
	}
	return nil
}

// ============================================================================
// Receiving side
// ============================================================================

// NotificationHandler verifies and decodes incoming webhook notifications
// and passes them to fn.
func NotificationHandler(secret string, fn func(*Notification) error) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		body, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		if !VerifySignature(body, r.Header.Get(SignatureHeader), secret) {
			writeJSON(rw, http.StatusUnauthorized, map[string]string{"error": "Invalid signature"})
			return
		}
		n, err := ParseNotification(body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		if err := fn(n); err != nil {
			writeJSON(rw, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]bool{"ok": true})
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
