package status

import (
	"testing"
	"time"

	"github.com/sirus-rnd/p2pchat/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		path []State
	}{
		{[]State{AuthRequired, Connecting, Ready}},
		{[]State{Connecting, Ready, Reconnecting, Connecting}},
		{[]State{Connecting, Ready, Disconnected, AuthRequired}},
		{[]State{Connecting, Ready, Reconnecting, Ready}},
		{[]State{Error, Booting}},
	}
	for _, tt := range tests {
		m := NewMachine(nil)
		for _, next := range tt.path {
			if err := m.Transition(next); err != nil {
				t.Fatalf("path %v: %v", tt.path, err)
			}
		}
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Ready); err == nil {
		t.Error("Transition(BOOTING -> READY) should fail")
	}
	if m.Current() != Booting {
		t.Errorf("state changed on failed transition: %s", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(AuthRequired); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		change := evt.Payload.(StatusChange)
		if change.From != Booting || change.To != AuthRequired {
			t.Errorf("change = %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no status event")
	}
}
