package sw

// MessageType tags messages exchanged between a worker and its clients
type MessageType string

const (
	// MessageActivated is broadcast to every client once a worker activates
	MessageActivated MessageType = "SW_ACTIVATED"
	// MessageSkipWaiting asks a waiting worker to activate now
	MessageSkipWaiting MessageType = "SKIP_WAITING"
)

// Message is the payload of a postMessage call in either direction
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp,omitempty"`
}
