package peer

import "fmt"

// State tracks one direction of a peer link. The send side walks
// OFFLINE -> NEGOTIATING -> OPEN -> CLOSING -> OFFLINE; the receive side
// is driven by the remote's offer and only flips LISTENING <-> OPEN.
type State string

const (
	StateOffline     State = "OFFLINE"
	StateNegotiating State = "NEGOTIATING"
	StateOpen        State = "OPEN"
	StateClosing     State = "CLOSING"
	StateListening   State = "LISTENING"
)

var validTransitions = map[State][]State{
	StateOffline:     {StateNegotiating},
	StateNegotiating: {StateOpen, StateClosing, StateOffline},
	StateOpen:        {StateClosing, StateOffline, StateListening},
	StateClosing:     {StateOffline, StateListening},
	StateListening:   {StateOpen},
}

func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition mutates s or reports the invalid step. Callers hold the
// channel lock.
func transition(s *State, to State) error {
	if *s == to {
		return nil
	}
	if !canTransition(*s, to) {
		return fmt.Errorf("invalid transition %s -> %s", *s, to)
	}
	*s = to
	return nil
}
