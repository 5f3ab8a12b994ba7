package protocol

import (
	"encoding/json"
	"fmt"
)

// Client → server control message names
const (
	CommandSubscribe          = "subscribe_to_updates"
	CommandManualSignalChange = "manual_signal_change"
	CommandManualModeToggle   = "manual_mode_toggle"
	CommandManualSignalBatch  = "manual_signal_batch"
)

// Message is an outbound control message. Data may be nil.
type Message struct {
	Event string
	Data  any
}

// Encode frames a message in the wire envelope
func (m Message) Encode() ([]byte, error) {
	env := Envelope{Event: m.Event}
	if m.Data != nil {
		data, err := json.Marshal(m.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", m.Event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Subscribe asks the backend to start pushing updates on this connection
func Subscribe() Message {
	return Message{Event: CommandSubscribe}
}

// ManualSignalChange sets one signal while the backend is in manual mode
type ManualSignalChange struct {
	SignalID  string      `json:"signal_id"`
	NewState  SignalColor `json:"new_state"`
	Timestamp int64       `json:"timestamp"`
	CommandID string      `json:"command_id,omitempty"`
}

// ManualModeToggle switches the backend between manual and automatic control
type ManualModeToggle struct {
	ManualMode bool  `json:"manual_mode"`
	Timestamp  int64 `json:"timestamp"`
}

// SignalTarget is one entry of a batch
type SignalTarget struct {
	SignalID string      `json:"signal_id"`
	NewState SignalColor `json:"new_state"`
}

// ManualSignalBatch applies an ordered list of signal changes as one unit
type ManualSignalBatch struct {
	BatchID   string         `json:"batch_id"`
	Signals   []SignalTarget `json:"signals"`
	Timestamp int64          `json:"timestamp"`
}

func (c ManualSignalChange) Message() Message {
	return Message{Event: CommandManualSignalChange, Data: c}
}

func (c ManualModeToggle) Message() Message {
	return Message{Event: CommandManualModeToggle, Data: c}
}

func (c ManualSignalBatch) Message() Message {
	return Message{Event: CommandManualSignalBatch, Data: c}
}
