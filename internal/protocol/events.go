package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Server → client event names
const (
	EventStatsUpdate           = "stats_update"
	EventSignalsUpdate         = "signals_update"
	EventNewAlert              = "new_alert"
	EventEmergencyAlert        = "emergency_alert"
	EventEmergencyCleared      = "emergency_cleared"
	EventModeChanged           = "mode_changed"
	EventFrameUpdate           = "cv_frame_update"
	EventSignalStateUpdate     = "signal_state_update"
	EventManualModeUpdate      = "manual_mode_update"
	EventSimulationStatus      = "manual_simulation_status"
	EventSubscriptionConfirmed = "subscription_confirmed"
	EventServerHello           = "connected"
)

// ErrUnknownEvent is returned by DecodeEvent for event names this client does not consume
var ErrUnknownEvent = errors.New("unknown event")

// Envelope frames every message on the event channel
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is the tagged union of server → client events.
// The unexported method keeps the set closed to this package.
type Event interface {
	EventName() string
	isEvent()
}

// StatsUpdate carries system-wide totals. Mode is empty when the backend omitted it.
type StatsUpdate struct {
	VehiclesDetected int
	CO2Saved         float64
	AvgWaitTime      float64
	Mode             Mode
	Timestamp        string
}

// SignalsUpdate replaces the signal set. EmergencyVehicles is only
// meaningful when HasEmergencyVehicles is set.
type SignalsUpdate struct {
	Signals              []Signal
	EmergencyVehicles    []EmergencyVehicle
	HasEmergencyVehicles bool
}

// AlertReceived is a new_alert or emergency_alert event
type AlertReceived struct {
	Alert     Alert
	Emergency bool
}

// EmergencyCleared tells the client that active emergencies are over
type EmergencyCleared struct {
	Message string
}

// ModeChanged is broadcast after the backend switched mode
type ModeChanged struct {
	Mode Mode
}

// FrameUpdate is the metadata of a live detection frame. The image itself is dropped.
type FrameUpdate struct {
	Frame      int
	LaneCounts map[string]int
	Timestamp  string
	HasImage   bool
}

// SignalStateUpdate comes in two shapes: a full panel update with Signals
// keyed "0".."3", or the echo of one manual change with SignalID/NewState.
type SignalStateUpdate struct {
	Signals    map[string]SignalColor
	ManualMode *bool
	SignalID   string
	NewState   SignalColor
	CommandID  string
	Source     string
}

// ManualModeUpdate is the backend echo of a manual_mode_toggle
type ManualModeUpdate struct {
	ManualMode bool
	Timestamp  int64
}

// SimulationStatus reports the manual simulation launcher outcome
type SimulationStatus struct {
	Status  string
	Message string
	PID     int
}

// SubscriptionConfirmed acknowledges subscribe_to_updates
type SubscriptionConfirmed struct {
	Message string
}

// ServerHello is sent by the backend right after the handshake
type ServerHello struct {
	Message string
}

func (StatsUpdate) EventName() string           { return EventStatsUpdate }
func (SignalsUpdate) EventName() string         { return EventSignalsUpdate }
func (EmergencyCleared) EventName() string      { return EventEmergencyCleared }
func (ModeChanged) EventName() string           { return EventModeChanged }
func (FrameUpdate) EventName() string           { return EventFrameUpdate }
func (SignalStateUpdate) EventName() string     { return EventSignalStateUpdate }
func (ManualModeUpdate) EventName() string      { return EventManualModeUpdate }
func (SimulationStatus) EventName() string      { return EventSimulationStatus }
func (SubscriptionConfirmed) EventName() string { return EventSubscriptionConfirmed }
func (ServerHello) EventName() string           { return EventServerHello }

func (a AlertReceived) EventName() string {
	if a.Emergency {
		return EventEmergencyAlert
	}
	return EventNewAlert
}

func (StatsUpdate) isEvent()           {}
func (SignalsUpdate) isEvent()         {}
func (AlertReceived) isEvent()         {}
func (EmergencyCleared) isEvent()      {}
func (ModeChanged) isEvent()           {}
func (FrameUpdate) isEvent()           {}
func (SignalStateUpdate) isEvent()     {}
func (ManualModeUpdate) isEvent()      {}
func (SimulationStatus) isEvent()      {}
func (SubscriptionConfirmed) isEvent() {}
func (ServerHello) isEvent()           {}

// DecodeEvent parses one raw frame into a typed, normalized event
func DecodeEvent(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, errors.New("envelope has no event name")
	}
	data := env.Data
	if len(data) == 0 {
		data = []byte("{}")
	}

	ev, err := decodeData(env.Event, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", env.Event, err)
	}
	return ev, nil
}

func decodeData(name string, data json.RawMessage) (Event, error) {
	switch name {
	case EventStatsUpdate:
		var w struct {
			VehiclesDetected *float64 `json:"vehicles_detected"`
			CO2Saved         *float64 `json:"co2_saved"`
			AvgWaitTime      *float64 `json:"avg_wait_time"`
			Mode             string   `json:"mode"`
			Timestamp        string   `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		ev := StatsUpdate{Timestamp: w.Timestamp}
		// absent numeric fields reset to zero, an absent mode keeps the previous one
		if w.VehiclesDetected != nil {
			ev.VehiclesDetected = nonNegativeInt(int(*w.VehiclesDetected))
		}
		if w.CO2Saved != nil {
			ev.CO2Saved = nonNegative(*w.CO2Saved)
		}
		if w.AvgWaitTime != nil {
			ev.AvgWaitTime = nonNegative(*w.AvgWaitTime)
		}
		if m, ok := ParseMode(w.Mode); ok {
			ev.Mode = m
		}
		return ev, nil

	case EventSignalsUpdate:
		var w struct {
			Signals           []Signal            `json:"signals"`
			EmergencyVehicles *[]EmergencyVehicle `json:"emergency_vehicles"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		ev := SignalsUpdate{Signals: normalizeSignals(w.Signals)}
		if w.EmergencyVehicles != nil {
			ev.HasEmergencyVehicles = true
			ev.EmergencyVehicles = normalizeVehicles(*w.EmergencyVehicles)
		}
		return ev, nil

	case EventNewAlert, EventEmergencyAlert:
		var w alertWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return AlertReceived{Alert: w.normalize(), Emergency: name == EventEmergencyAlert}, nil

	case EventEmergencyCleared:
		var w struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return EmergencyCleared{Message: w.Message}, nil

	case EventModeChanged:
		var w struct {
			Mode string `json:"mode"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		m, ok := ParseMode(w.Mode)
		if !ok {
			return nil, fmt.Errorf("invalid mode %q", w.Mode)
		}
		return ModeChanged{Mode: m}, nil

	case EventFrameUpdate:
		var w struct {
			Frame      int            `json:"frame"`
			LaneCounts map[string]int `json:"lane_counts"`
			Timestamp  string         `json:"timestamp"`
			Image      string         `json:"image"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return FrameUpdate{
			Frame:      w.Frame,
			LaneCounts: normalizeCounts(w.LaneCounts),
			Timestamp:  w.Timestamp,
			HasImage:   w.Image != "",
		}, nil

	case EventSignalStateUpdate:
		var w struct {
			Signals    map[string]string `json:"signals"`
			ManualMode *bool             `json:"manual_mode"`
			SignalID   FlexID            `json:"signal_id"`
			NewState   string            `json:"new_state"`
			CommandID  string            `json:"command_id"`
			Source     string            `json:"source"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		ev := SignalStateUpdate{
			ManualMode: w.ManualMode,
			SignalID:   string(w.SignalID),
			CommandID:  w.CommandID,
			Source:     w.Source,
		}
		if w.Signals != nil {
			ev.Signals = make(map[string]SignalColor, len(w.Signals))
			for k, v := range w.Signals {
				// unknown colors fall back to red, the safe state
				c, ok := ParseSignalColor(v)
				if !ok {
					c = ColorRed
				}
				ev.Signals[strings.TrimSpace(k)] = c
			}
		}
		if c, ok := ParseSignalColor(w.NewState); ok {
			ev.NewState = c
		}
		return ev, nil

	case EventManualModeUpdate:
		var w struct {
			ManualMode bool  `json:"manual_mode"`
			Timestamp  int64 `json:"timestamp"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return ManualModeUpdate{ManualMode: w.ManualMode, Timestamp: w.Timestamp}, nil

	case EventSimulationStatus:
		var w struct {
			Status  string `json:"status"`
			Message string `json:"message"`
			PID     int    `json:"pid"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		return SimulationStatus{Status: w.Status, Message: w.Message, PID: w.PID}, nil

	case EventSubscriptionConfirmed, EventServerHello:
		var w struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		if name == EventServerHello {
			return ServerHello{Message: w.Message}, nil
		}
		return SubscriptionConfirmed{Message: w.Message}, nil
	}
	return nil, ErrUnknownEvent
}
