package store

import (
	"math/rand"
	"testing"
)

// Status must be a pure function of the stored fields.
func TestStatusDerivation(t *testing.T) {
	cases := []struct {
		name string
		conv Conversation
		want Status
	}{
		{"sender no ack", Conversation{}, StatusSent},
		{"sender received", Conversation{ReceivedBy: []string{"a"}}, StatusReceived},
		{"sender read", Conversation{ReadBy: []string{"a"}}, StatusRead},
		{"sender read outranks received", Conversation{ReceivedBy: []string{"a"}, ReadBy: []string{"a"}}, StatusRead},
		{"sender error", Conversation{ReceivedBy: []string{"a"}, ErrorCode: 1}, StatusFailed},
		{"sender error message only", Conversation{ErrorMessage: "boom"}, StatusFailed},
		{"receiver unread", Conversation{IsReceiver: true}, StatusReceived},
		{"receiver read", Conversation{IsReceiver: true, Read: true}, StatusRead},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.conv.Status(); got != c.want {
				t.Errorf("status = %s, want %s", got, c.want)
			}
		})
	}
}

// Property: for every combination of fields, exactly one status rule
// applies, and the derivation matches the precedence table.
func TestStatusDerivationProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	users := func() []string {
		if rng.Intn(2) == 0 {
			return nil
		}
		return []string{"u"}
	}

	for i := 0; i < 1000; i++ {
		conv := Conversation{
			IsReceiver:   rng.Intn(2) == 0,
			Read:         rng.Intn(2) == 0,
			ReceivedBy:   users(),
			ReadBy:       users(),
			ErrorCode:    rng.Intn(2),
			ErrorMessage: []string{"", "err"}[rng.Intn(2)],
		}

		var want Status
		if conv.IsReceiver {
			if conv.Read {
				want = StatusRead
			} else {
				want = StatusReceived
			}
		} else if conv.ErrorCode != 0 || conv.ErrorMessage != "" {
			want = StatusFailed
		} else if len(conv.ReadBy) > 0 {
			want = StatusRead
		} else if len(conv.ReceivedBy) > 0 {
			want = StatusReceived
		} else {
			want = StatusSent
		}

		if got := conv.Status(); got != want {
			t.Fatalf("case %d: %+v: status = %s, want %s", i, conv, got, want)
		}
	}
}
