package store

import (
	"time"

	"github.com/smart-traffic/trafficsync/internal/conn"
	"github.com/smart-traffic/trafficsync/internal/protocol"
)

var _ conn.Listener = (*Store)(nil)

// OnStatus records a connection state transition
func (s *Store) OnStatus(st conn.Status) {
	s.update(FieldConnection, func(next *State) {
		next.Connection = st
	})
}

// OnEvent merges one pushed event
func (s *Store) OnEvent(ev protocol.Event) {
	switch e := ev.(type) {
	case protocol.StatsUpdate:
		s.update(FieldStats, func(next *State) {
			mode := e.Mode
			if mode == "" {
				mode = next.Stats.Mode
			}
			next.Stats = Stats{
				VehiclesDetected: e.VehiclesDetected,
				CO2Saved:         e.CO2Saved,
				AvgWaitTime:      e.AvgWaitTime,
				Mode:             mode,
			}
		})

	case protocol.SignalsUpdate:
		s.update(FieldSignals, func(next *State) {
			set := SignalSet{Signals: e.Signals, EmergencyVehicles: next.Signals.EmergencyVehicles}
			if e.HasEmergencyVehicles {
				set.EmergencyVehicles = e.EmergencyVehicles
			}
			next.Signals = set
		})

	case protocol.AlertReceived:
		s.update(FieldAlerts, func(next *State) {
			s.addAlertsLocked(next, []protocol.Alert{e.Alert})
		})

	case protocol.EmergencyCleared:
		s.update(FieldAlerts, func(next *State) {
			next.Alerts, _ = clearEmergencies(next.Alerts)
		})

	case protocol.ModeChanged:
		s.update(FieldStats, func(next *State) {
			next.Stats.Mode = e.Mode
		})

	case protocol.FrameUpdate:
		s.update(FieldLiveFrame, func(next *State) {
			next.LiveFrame = &LiveFrame{
				Frame:      e.Frame,
				LaneCounts: e.LaneCounts,
				Timestamp:  e.Timestamp,
				ReceivedAt: s.now(),
			}
		})

	case protocol.SignalStateUpdate:
		s.update(FieldControl, func(next *State) {
			if e.Signals != nil {
				next.Control = next.Control.applyBackendStates(e.Signals)
			}
			if e.SignalID != "" {
				next.Control = next.Control.acknowledge(e.SignalID, e.NewState, e.CommandID)
			}
			if e.ManualMode != nil {
				next.Control.ManualMode = *e.ManualMode
			}
		})

	case protocol.ManualModeUpdate:
		s.update(FieldControl, func(next *State) {
			next.Control.ManualMode = e.ManualMode
		})

	case protocol.SimulationStatus:
		s.showSimulationNotice(e)

	case protocol.SubscriptionConfirmed, protocol.ServerHello:
		s.log.Debug("store: stream handshake", "event", ev.EventName())

	default:
		s.log.Debug("store: ignoring event", "event", ev.EventName())
	}
}

func (s *Store) showSimulationNotice(e protocol.SimulationStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.now()
	changed := s.updateLocked(FieldControl, func(next *State) {
		next.Control.Simulation = &SimulationNotice{
			Status:     e.Status,
			Message:    e.Message,
			PID:        e.PID,
			ReceivedAt: at,
		}
	})
	if changed == 0 {
		return
	}
	if s.simTimer != nil {
		s.simTimer.Stop()
	}
	s.simTimer = time.AfterFunc(s.simTTL, func() {
		s.expireSimulationNotice(at)
	})
}
