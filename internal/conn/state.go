package conn

import (
	"time"

	"github.com/smart-traffic/trafficsync/internal/protocol"
)

// State is the lifecycle state of the event stream connection
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is what the manager reports to listeners on every transition
type Status struct {
	State State `json:"state"`
	// Attempt is the redial number within the current reconnection cycle.
	// Zero for the initial dial; reset to zero once connected.
	Attempt int `json:"attempt"`
	// Terminal is set when reconnection attempts are exhausted or the
	// application disconnected on purpose. No more dials will happen.
	Terminal  bool      `json:"terminal"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Listener receives events in receipt order and every state transition.
// Calls are made from the manager's goroutines and must not block.
type Listener interface {
	OnEvent(ev protocol.Event)
	OnStatus(st Status)
}
