package chatsync

import "testing"

func TestClassify(t *testing.T) {
	cases := []struct {
		name  string
		msg   Message
		local string
		want  SenderRole
	}{
		{"unknown local user", Message{OriginalSenderID: "u42", Status: StatusSent}, "", RoleRemote},
		{"match", Message{OriginalSenderID: "u42", Status: StatusSent}, "u42", RoleLocal},
		{"case and whitespace", Message{OriginalSenderID: " U42 ", Status: StatusSent}, "u42", RoleLocal},
		{"other user", Message{OriginalSenderID: "u7", Status: StatusSent}, "u42", RoleRemote},
		{"no sender", Message{Status: StatusSent}, "u42", RoleRemote},
		{"sending is local", Message{OriginalSenderID: "u7", Status: StatusSending}, "", RoleLocal},
		{"failed is local", Message{Status: StatusFailed}, "u42", RoleLocal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.msg, tc.local); got != tc.want {
				t.Errorf("Classify = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestReclassify(t *testing.T) {
	// Populated before the local user was known.
	timeline := []Message{
		{ID: "1", OriginalSenderID: "u42", SenderRole: RoleRemote, Status: StatusSent},
		{ID: "2", OriginalSenderID: "u7", SenderRole: RoleRemote, Status: StatusSent},
		{ID: "3", SenderRole: RoleRemote, Status: StatusSent},
	}

	t.Run("resolves to local", func(t *testing.T) {
		got, changed := Reclassify(timeline, " U42")
		if !changed {
			t.Fatal("expected change")
		}
		if got[0].SenderRole != RoleLocal {
			t.Errorf("entry 1 = %s, want local", got[0].SenderRole)
		}
		if got[1].SenderRole != RoleRemote || got[2].SenderRole != RoleRemote {
			t.Errorf("other entries changed: %+v", got)
		}
		if timeline[0].SenderRole != RoleRemote {
			t.Error("input slice was mutated")
		}

		if _, again := Reclassify(got, "u42"); again {
			t.Error("second pass should be a no-op")
		}
	})

	t.Run("identity change flips back", func(t *testing.T) {
		resolved, _ := Reclassify(timeline, "u42")
		got, changed := Reclassify(resolved, "u7")
		if !changed || got[0].SenderRole != RoleRemote || got[1].SenderRole != RoleLocal {
			t.Errorf("got %+v changed=%v", got, changed)
		}
	})

	t.Run("pending stays local", func(t *testing.T) {
		got, _ := Reclassify([]Message{{ID: "p", Status: StatusSending, SenderRole: RoleLocal}}, "")
		if got[0].SenderRole != RoleLocal {
			t.Errorf("pending entry = %s", got[0].SenderRole)
		}
	})

	t.Run("pending entry learns the local id", func(t *testing.T) {
		p := Message{ID: "local-1", ClientID: "local-1", Status: StatusSending, SenderRole: RoleLocal}
		got, changed := Reclassify([]Message{p}, " u42 ")
		if !changed || got[0].OriginalSenderID != "u42" {
			t.Errorf("got %+v changed=%v", got[0], changed)
		}
		if _, again := Reclassify(got, "u42"); again {
			t.Error("second pass should be a no-op")
		}
	})
}

func TestLegacyMatch(t *testing.T) {
	cases := []struct {
		name      string
		sender    string
		recipient string
		local     string
		want      bool
	}{
		{"from counterparty to me", "owner", "me", "me", true},
		{"from me to counterparty", "me", "owner", "me", true},
		{"from counterparty, no recipient", "owner", "", "me", true},
		{"from counterparty to someone else", "owner", "other", "me", false},
		{"stranger", "stranger", "me", "me", false},
		{"local unknown", "owner", "me", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := Message{OriginalSenderID: tc.sender, RecipientID: tc.recipient}
			if got := legacyMatch(msg, "owner", tc.local); got != tc.want {
				t.Errorf("legacyMatch = %v, want %v", got, tc.want)
			}
		})
	}

	if legacyMatch(Message{OriginalSenderID: "owner"}, "", "me") {
		t.Error("no counterparty must never match")
	}
}
