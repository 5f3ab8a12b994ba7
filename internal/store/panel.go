package store

import (
	"sort"
	"time"

	"github.com/smart-traffic/trafficsync/internal/protocol"
)

// PanelSignal is one light of the manual control panel
type PanelSignal struct {
	BackendID string               `json:"backend_id"`
	Direction string               `json:"direction"`
	State     protocol.SignalColor `json:"state"`
	Timer     int                  `json:"timer"`
	// Confirmed is the last state the backend reported. State differs
	// from it only while a command is pending.
	Confirmed protocol.SignalColor `json:"confirmed"`
	Pending   string               `json:"pending_command,omitempty"`
}

// SimulationNotice is the latest manual_simulation_status, shown briefly
type SimulationNotice struct {
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	PID        int       `json:"pid,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// ControlPanel is the manual signal control view
type ControlPanel struct {
	ManualMode bool                   `json:"manual_mode"`
	Signals    map[string]PanelSignal `json:"signals"`
	Simulation *SimulationNotice      `json:"simulation,omitempty"`
}

// Panel slot layout. The backend addresses lights "0".."3".
var panelLayout = []struct {
	key       string
	backendID string
	direction string
}{
	{"signal_1", "0", "North"},
	{"signal_2", "1", "East"},
	{"signal_3", "2", "South"},
	{"signal_4", "3", "West"},
}

// PanelKeys lists the panel slots in display order
func PanelKeys() []string {
	keys := make([]string, len(panelLayout))
	for i, l := range panelLayout {
		keys[i] = l.key
	}
	return keys
}

// BackendSignalID resolves a panel key ("signal_2") or a backend id ("1")
// to the backend id used on the wire.
func BackendSignalID(id string) (string, bool) {
	for _, l := range panelLayout {
		if l.key == id || l.backendID == id {
			return l.backendID, true
		}
	}
	return "", false
}

func panelKey(backendID string) (string, bool) {
	for _, l := range panelLayout {
		if l.backendID == backendID {
			return l.key, true
		}
	}
	return "", false
}

// TimerFor is the countdown shown for a freshly set color
func TimerFor(c protocol.SignalColor) int {
	switch c {
	case protocol.ColorGreen:
		return 30
	case protocol.ColorYellow:
		return 5
	default:
		return 60
	}
}

func defaultPanel() ControlPanel {
	signals := make(map[string]PanelSignal, len(panelLayout))
	for _, l := range panelLayout {
		signals[l.key] = PanelSignal{
			BackendID: l.backendID,
			Direction: l.direction,
			State:     protocol.ColorRed,
			Timer:     TimerFor(protocol.ColorRed),
			Confirmed: protocol.ColorRed,
		}
	}
	return ControlPanel{Signals: signals}
}

func (p ControlPanel) cloneSignals() map[string]PanelSignal {
	out := make(map[string]PanelSignal, len(p.Signals))
	for k, v := range p.Signals {
		out[k] = v
	}
	return out
}

// applyBackendStates overwrites every reported light. The backend is
// authoritative, so pending commands on those lights are settled.
func (p ControlPanel) applyBackendStates(states map[string]protocol.SignalColor) ControlPanel {
	signals := p.cloneSignals()
	for backendID, color := range states {
		key, ok := panelKey(backendID)
		if !ok {
			continue
		}
		sig := signals[key]
		if sig.State != color || sig.Pending != "" {
			sig.Timer = TimerFor(color)
		}
		sig.State = color
		sig.Confirmed = color
		sig.Pending = ""
		signals[key] = sig
	}
	p.Signals = signals
	return p
}

// acknowledge settles a single-signal echo. An echo without a command id
// acknowledges a pending command when the colors agree.
func (p ControlPanel) acknowledge(backendID string, color protocol.SignalColor, commandID string) ControlPanel {
	key, ok := panelKey(backendID)
	if !ok || color == "" {
		return p
	}
	signals := p.cloneSignals()
	sig := signals[key]
	sig.Confirmed = color
	switch {
	case sig.Pending == "":
		if sig.State != color {
			sig.Timer = TimerFor(color)
		}
		sig.State = color
	case commandID == sig.Pending, commandID == "" && sig.State == color:
		sig.Pending = ""
	}
	// any other echo belongs to an older command, the newer one stays pending
	signals[key] = sig
	p.Signals = signals
	return p
}

func (p ControlPanel) optimistic(backendID string, color protocol.SignalColor, commandID string) (ControlPanel, bool) {
	key, ok := panelKey(backendID)
	if !ok {
		return p, false
	}
	signals := p.cloneSignals()
	sig := signals[key]
	sig.State = color
	sig.Timer = TimerFor(color)
	sig.Pending = commandID
	signals[key] = sig
	p.Signals = signals
	return p, true
}

func (p ControlPanel) rollback(commandID string) (ControlPanel, []string) {
	var keys []string
	for k, sig := range p.Signals {
		if sig.Pending == commandID {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return p, nil
	}
	sort.Strings(keys)
	signals := p.cloneSignals()
	for _, k := range keys {
		sig := signals[k]
		sig.State = sig.Confirmed
		sig.Timer = TimerFor(sig.Confirmed)
		sig.Pending = ""
		signals[k] = sig
	}
	p.Signals = signals
	return p, keys
}
