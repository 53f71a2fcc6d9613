package bus

import "time"

// Event is a domain event published on the bus. Kind is a dot-separated
// name ("peer.connected", "message.new", "file.progress"); subscribers
// filter by namespace prefix.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
