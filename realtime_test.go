package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

type handshake struct {
	token string
	auth  string
}

type wsTestServer struct {
	srv        *httptest.Server
	handshakes chan handshake
	conns      chan *websocket.Conn
	frames     chan Frame
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	s := &wsTestServer{
		handshakes: make(chan handshake, 8),
		conns:      make(chan *websocket.Conn, 8),
		frames:     make(chan Frame, 64),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		s.handshakes <- handshake{token: r.URL.Query().Get("token"), auth: r.Header.Get("Authorization")}
		c, err := websocket.Accept(rw, r, nil)
		if err != nil {
			return
		}
		s.conns <- c
		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			if f, err := decodeFrame(data); err == nil {
				s.frames <- f
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsTestServer) nextFrames(t *testing.T, n int) []Frame {
	t.Helper()
	out := make([]Frame, 0, n)
	for len(out) < n {
		out = append(out, waitFor(t, s.frames))
	}
	return out
}

func connectTestClient(t *testing.T, s *wsTestServer, mutate ...func(*RealtimeConfig)) *RealtimeClient {
	t.Helper()
	cfg := &RealtimeConfig{URL: s.srv.URL + "/ws", Token: "tok-1"}
	for _, fn := range mutate {
		fn(cfg)
	}
	ws := NewRealtimeClient(cfg)
	if err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { ws.Disconnect() })
	return ws
}

func frameEvents(fs []Frame) []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = f.Event
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ============================================================================
// Tests
// ============================================================================

func TestRealtimeConnect(t *testing.T) {
	s := newWSTestServer(t)
	var states []RealtimeState
	ws := NewRealtimeClient(&RealtimeConfig{URL: s.srv.URL + "/ws", Token: "tok-1"})
	ws.OnStateChange(func(st RealtimeState) { states = append(states, st) })

	if err := ws.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ws.Disconnect()

	h := waitFor(t, s.handshakes)
	if h.token != "tok-1" || h.auth != "Bearer tok-1" {
		t.Errorf("handshake = %+v", h)
	}
	if !ws.Connected() {
		t.Fatalf("state = %s", ws.State())
	}
	if len(states) != 2 || states[0] != StateConnecting || states[1] != StateConnected {
		t.Errorf("states = %v", states)
	}
}

func TestRealtimeTokenFromStore(t *testing.T) {
	s := newWSTestServer(t)
	store := NewMemoryStore()
	store.Set(context.Background(), KeyAuthToken, "stored")

	connectTestClient(t, s, func(c *RealtimeConfig) {
		c.Token = ""
		c.Tokens = store
	})
	if h := waitFor(t, s.handshakes); h.token != "stored" {
		t.Errorf("token = %q", h.token)
	}
}

func TestRealtimeDisabled(t *testing.T) {
	cases := map[string]*RealtimeConfig{
		"no url":   {Token: "tok"},
		"no token": {URL: "ws://127.0.0.1:1/ws"},
		"empty store": {
			URL:    "ws://127.0.0.1:1/ws",
			Tokens: NewMemoryStore(),
		},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			ws := NewRealtimeClient(cfg)
			if err := ws.Connect(context.Background()); err != nil {
				t.Fatalf("err = %v", err)
			}
			if ws.State() != StateDisconnected {
				t.Errorf("state = %s", ws.State())
			}
			if ws.Send(context.Background(), map[string]string{"text": "hi"}) {
				t.Error("Send reported success while disconnected")
			}
			if err := ws.Emit(context.Background(), "x", nil); !errors.Is(err, ErrNotConnected) {
				t.Errorf("Emit = %v", err)
			}
			ws.JoinRoom(context.Background(), "c1")
		})
	}
}

func TestRealtimeDialError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ws := NewRealtimeClient(&RealtimeConfig{URL: srv.URL, Token: "tok"})
	if err := ws.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if ws.State() != StateDisconnected {
		t.Errorf("state = %s", ws.State())
	}
}

func TestRealtimeRooms(t *testing.T) {
	s := newWSTestServer(t)
	ws := connectTestClient(t, s)

	ws.JoinRoom(context.Background(), "c1")
	fs := s.nextFrames(t, len(DefaultAliases[EventJoin]))
	if got := frameEvents(fs); !equalStrings(got, DefaultAliases[EventJoin]) {
		t.Errorf("join events = %v", got)
	}
	var payload map[string]string
	if err := json.Unmarshal(fs[0].Data, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["chatId"] != "c1" || payload["conversationId"] != "c1" {
		t.Errorf("payload = %v", payload)
	}

	ws.LeaveRoom(context.Background(), "c1")
	if got := frameEvents(s.nextFrames(t, len(DefaultAliases[EventLeave]))); !equalStrings(got, DefaultAliases[EventLeave]) {
		t.Errorf("leave events = %v", got)
	}
}

func TestRealtimeSend(t *testing.T) {
	s := newWSTestServer(t)

	t.Run("default aliases", func(t *testing.T) {
		ws := connectTestClient(t, s)
		if !ws.Send(context.Background(), map[string]string{"chatId": "c1", "text": "hello"}) {
			t.Fatal("Send returned false while connected")
		}
		fs := s.nextFrames(t, len(DefaultAliases[EventSend]))
		if got := frameEvents(fs); !equalStrings(got, DefaultAliases[EventSend]) {
			t.Errorf("send events = %v", got)
		}
	})

	t.Run("alias override", func(t *testing.T) {
		ws := connectTestClient(t, s, func(c *RealtimeConfig) {
			c.Aliases = map[LogicalEvent][]string{EventSend: {"privateMessage"}}
		})
		ws.Send(context.Background(), map[string]string{"text": "hi"})
		if f := waitFor(t, s.frames); f.Event != "privateMessage" {
			t.Errorf("event = %q", f.Event)
		}
	})
}

func TestRealtimeReceive(t *testing.T) {
	s := newWSTestServer(t)
	ws := connectTestClient(t, s)
	conn := waitFor(t, s.conns)

	got := make(chan RawMessage, 8)
	unsubscribe := ws.OnMessage(func(raw RawMessage) { got <- raw })

	ctx := context.Background()
	for _, frame := range []string{
		`{"event":"newMessage","data":{"_id":"m1","text":"one"}}`,
		`{"event":"typing","data":{"chatId":"c1"}}`,
		`["message",{"_id":"m2","text":"two"}]`,
		`{"event":"chatMessage","data":"not an object"}`,
		`not json`,
		`{"event":"chatMessage","data":{"_id":"m3","text":"three"}}`,
	} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range []string{"m1", "m2", "m3"} {
		if raw := waitFor(t, got); raw["_id"] != want {
			t.Fatalf("received %v, want %s", raw, want)
		}
	}

	unsubscribe()
	conn.Write(ctx, websocket.MessageText, []byte(`{"event":"newMessage","data":{"_id":"m4","text":"four"}}`))
	select {
	case raw := <-got:
		t.Errorf("unsubscribed handler received %v", raw)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRealtimeReconnect(t *testing.T) {
	s := newWSTestServer(t)
	states := make(chan RealtimeState, 16)
	ws := connectTestClient(t, s, func(c *RealtimeConfig) {
		c.AutoReconnect = true
		c.ReconnectBaseDelay = 10 * time.Millisecond
		c.ReconnectMaxDelay = 50 * time.Millisecond
	})
	ws.OnStateChange(func(st RealtimeState) { states <- st })

	ws.JoinRoom(context.Background(), "c1")
	s.nextFrames(t, len(DefaultAliases[EventJoin]))

	first := waitFor(t, s.conns)
	first.Close(websocket.StatusGoingAway, "restart")

	second := waitFor(t, s.conns)
	defer second.Close(websocket.StatusNormalClosure, "")

	// Rooms are re-joined on the new connection.
	if got := frameEvents(s.nextFrames(t, len(DefaultAliases[EventJoin]))); !equalStrings(got, DefaultAliases[EventJoin]) {
		t.Errorf("rejoin events = %v", got)
	}
	for waitFor(t, states) != StateConnected {
	}
	if !ws.Connected() {
		t.Errorf("state = %s", ws.State())
	}
}

func TestRealtimeDisconnect(t *testing.T) {
	s := newWSTestServer(t)
	ws := connectTestClient(t, s, func(c *RealtimeConfig) { c.AutoReconnect = true })
	waitFor(t, s.conns)

	if err := ws.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if ws.State() != StateDisconnected {
		t.Errorf("state = %s", ws.State())
	}
	if ws.Send(context.Background(), "x") {
		t.Error("Send after Disconnect returned true")
	}
	select {
	case <-s.conns:
		t.Error("client reconnected after intentional disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDecodeFrame(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		event   string
		data    string
		wantErr bool
	}{
		{"object", `{"event":"newMessage","data":{"a":1}}`, "newMessage", `{"a":1}`, false},
		{"array", `["message",{"a":1}]`, "message", `{"a":1}`, false},
		{"array without data", `["ping"]`, "ping", ``, false},
		{"empty array", `[]`, "", ``, true},
		{"non-string event", `[1,{}]`, "", ``, true},
		{"garbage", `nope`, "", ``, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := decodeFrame([]byte(tc.in))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v", err)
			}
			if tc.wantErr {
				return
			}
			if f.Event != tc.event || string(f.Data) != tc.data {
				t.Errorf("frame = %q %s", f.Event, f.Data)
			}
		})
	}
}

func TestWithQueryToken(t *testing.T) {
	cases := map[string]string{
		"https://api.kirayedar24.com/ws?v=2": "wss://api.kirayedar24.com/ws?token=t%2B1&v=2",
		"http://localhost:3000/ws":           "ws://localhost:3000/ws?token=t%2B1",
		"wss://api.kirayedar24.com/ws":       "wss://api.kirayedar24.com/ws?token=t%2B1",
	}
	for in, want := range cases {
		got, err := withQueryToken(in, "t+1")
		if err != nil || got != want {
			t.Errorf("withQueryToken(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}
