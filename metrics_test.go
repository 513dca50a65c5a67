package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.snapshotMerged()
	m.liveEvent(LiveAppended)
	m.sendFailed()
	m.conflict("edit")
	m.pollFailed()
	m.setConnected(true)
}

func TestMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.setConnected(true)
	m.liveEvent(LiveDuplicate)

	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatal(err)
	}
	// Four plain collectors plus the one touched live_events child.
	if n != 5 {
		t.Errorf("series = %d, want 5", n)
	}
	if v := testutil.ToFloat64(m.RealtimeConnected); v != 1 {
		t.Errorf("connected = %v", v)
	}

	defer func() {
		if recover() == nil {
			t.Error("registering twice should panic")
		}
	}()
	NewMetrics(reg)
}

func TestSessionMetrics(t *testing.T) {
	m := NewMetrics(nil)
	api := newFakeChatAPI("c1", rawAt("m1", "hi", "owner", time.Now().UTC()))
	rt := newFakeRealtime(false)
	s := openSession(t, api, rt, resolved("me"), func(c *SessionConfig) { c.Metrics = m })

	if v := testutil.ToFloat64(m.SnapshotMerges); v != 1 {
		t.Errorf("snapshot merges = %v", v)
	}

	raw := RawMessage{"_id": "m2", "text": "yo", "senderId": "owner", "chatId": "c1"}
	rt.deliver(raw)
	rt.deliver(raw)
	rt.deliver(RawMessage{"_id": "x", "text": "other", "chatId": "c9"})
	if v := testutil.ToFloat64(m.LiveEvents.WithLabelValues(string(LiveAppended))); v != 1 {
		t.Errorf("appended = %v", v)
	}
	if v := testutil.ToFloat64(m.LiveEvents.WithLabelValues(string(LiveDuplicate))); v != 1 {
		t.Errorf("duplicate = %v", v)
	}
	if v := testutil.ToFloat64(m.LiveEvents.WithLabelValues(string(LiveIgnored))); v != 1 {
		t.Errorf("ignored = %v", v)
	}

	api.setErr(&api.sendErr, errors.New("down"))
	s.Send(context.Background(), "hello")
	if v := testutil.ToFloat64(m.SendFailures); v != 1 {
		t.Errorf("send failures = %v", v)
	}

	api.setErr(&api.getErr, errors.New("down"))
	s.Poll(context.Background())
	if v := testutil.ToFloat64(m.PollErrors); v != 1 {
		t.Errorf("poll errors = %v", v)
	}
}
