package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/smart-traffic/trafficsync/internal/conn"
	"github.com/smart-traffic/trafficsync/internal/protocol"
)

func newTestStore() *Store {
	return New(nil)
}

func TestStore_Defaults(t *testing.T) {
	s := newTestStore()
	st := s.Snapshot()
	if st.Stats.Mode != protocol.ModeAutomation {
		t.Errorf("default mode = %q, expected automation", st.Stats.Mode)
	}
	if st.Alerts == nil || st.Signals.Signals == nil || st.Junctions.Junctions == nil || st.Feeds == nil {
		t.Error("default collections should be empty, not nil")
	}
	if st.Connection.State != conn.Disconnected {
		t.Errorf("default connection = %v", st.Connection.State)
	}
	if len(st.Control.Signals) != 4 {
		t.Errorf("expected 4 panel signals, got %d", len(st.Control.Signals))
	}
}

func TestStore_PushThenPollLastWriteWins(t *testing.T) {
	s := newTestStore()
	s.OnEvent(protocol.StatsUpdate{VehiclesDetected: 120, CO2Saved: 8, AvgWaitTime: 22, Mode: protocol.ModeAutomation})
	want := Stats{VehiclesDetected: 120, CO2Saved: 8, AvgWaitTime: 22, Mode: protocol.ModeAutomation}
	if got := s.Snapshot().Stats; got != want {
		t.Fatalf("stats after push = %+v, expected %+v", got, want)
	}
	s.ApplyJunctionTable(protocol.JunctionTable{
		Junctions: map[string]protocol.Junction{},
		Totals:    protocol.SystemTotals{TotalVehiclesDetected: 100},
		HasTotals: true,
	})
	want.VehiclesDetected = 100
	if got := s.Snapshot().Stats; got != want {
		t.Fatalf("stats after poll = %+v, expected %+v", got, want)
	}

	// a zero total keeps the previous value
	s.ApplyJunctionTable(protocol.JunctionTable{Junctions: map[string]protocol.Junction{}, HasTotals: true})
	if got := s.Snapshot().Stats.VehiclesDetected; got != 100 {
		t.Errorf("zero total overwrote vehicles_detected: %d", got)
	}

	s.OnEvent(protocol.StatsUpdate{VehiclesDetected: 130})
	st := s.Snapshot().Stats
	if st.VehiclesDetected != 130 {
		t.Errorf("vehicles_detected = %d, expected 130", st.VehiclesDetected)
	}
	if st.Mode != protocol.ModeAutomation {
		t.Errorf("absent mode should keep the previous one, got %q", st.Mode)
	}
}

func alert(id int) protocol.Alert {
	return protocol.Alert{ID: protocol.FlexID(fmt.Sprint(id)), Type: "accident", Severity: protocol.SeverityLow}
}

func TestStore_AlertLogCappedAndUnique(t *testing.T) {
	s := newTestStore()
	for i := 1; i <= 30; i++ {
		s.OnEvent(protocol.AlertReceived{Alert: alert(i)})
		s.OnEvent(protocol.AlertReceived{Alert: alert(i)})
	}
	alerts := s.Snapshot().Alerts
	if len(alerts) != MaxAlerts {
		t.Fatalf("got %d alerts, expected %d", len(alerts), MaxAlerts)
	}
	seen := map[protocol.FlexID]bool{}
	for _, a := range alerts {
		if seen[a.ID] {
			t.Fatalf("duplicate alert id %s", a.ID)
		}
		seen[a.ID] = true
	}
	if alerts[0].ID != "30" || alerts[MaxAlerts-1].ID != "11" {
		t.Errorf("expected newest first, got head=%s tail=%s", alerts[0].ID, alerts[MaxAlerts-1].ID)
	}

	// a poll returning an evicted alert must not bring it back
	if n := s.AddAlerts([]protocol.Alert{alert(1), alert(31)}); n != 1 {
		t.Errorf("AddAlerts inserted %d, expected 1", n)
	}
	alerts = s.Snapshot().Alerts
	if alerts[0].ID != "31" || len(alerts) != MaxAlerts {
		t.Errorf("unexpected log after poll: head=%s len=%d", alerts[0].ID, len(alerts))
	}
}

func TestStore_AddAlertsOldestFirst(t *testing.T) {
	s := newTestStore()
	s.AddAlerts([]protocol.Alert{alert(1), alert(2), alert(3)})
	alerts := s.Snapshot().Alerts
	if alerts[0].ID != "3" || alerts[2].ID != "1" {
		t.Errorf("expected 3,2,1 got %s,%s,%s", alerts[0].ID, alerts[1].ID, alerts[2].ID)
	}
}

func TestStore_SnapshotsAreNotMutated(t *testing.T) {
	s := newTestStore()
	s.OnEvent(protocol.AlertReceived{Alert: alert(1)})
	before := s.Snapshot()
	s.OnEvent(protocol.AlertReceived{Alert: alert(2)})
	if len(before.Alerts) != 1 || before.Alerts[0].ID != "1" {
		t.Errorf("earlier snapshot changed: %+v", before.Alerts)
	}
}

func TestStore_SignalsUpdateIdempotent(t *testing.T) {
	s := newTestStore()
	ev := protocol.SignalsUpdate{
		Signals:              []protocol.Signal{{ID: "1", Lat: 1, Lng: 2}, {ID: "2"}},
		EmergencyVehicles:    []protocol.EmergencyVehicle{{ID: "AMB-001", Type: protocol.VehicleAmbulance}},
		HasEmergencyVehicles: true,
	}
	s.OnEvent(ev)
	first := s.Snapshot()

	sub := s.Subscribe()
	defer sub.Close()
	<-sub.Updates()

	s.OnEvent(ev)
	second := s.Snapshot()
	if second.Version != first.Version {
		t.Errorf("version moved on identical update: %d -> %d", first.Version, second.Version)
	}
	select {
	case u := <-sub.Updates():
		t.Errorf("unexpected update for identical signals: %v", u.Changed)
	default:
	}

	// absent emergency vehicles keep the previous list
	s.OnEvent(protocol.SignalsUpdate{Signals: []protocol.Signal{{ID: "3"}}})
	st := s.Snapshot()
	if len(st.Signals.Signals) != 1 || len(st.Signals.EmergencyVehicles) != 1 {
		t.Errorf("unexpected signal set %+v", st.Signals)
	}
}

func TestStore_SubscribeDeliversSnapshotFirst(t *testing.T) {
	s := newTestStore()
	s.OnEvent(protocol.ModeChanged{Mode: protocol.ModeManual})

	sub := s.Subscribe()
	defer sub.Close()
	select {
	case u := <-sub.Updates():
		if u.Changed != AllFields {
			t.Errorf("first update should carry all fields, got %v", u.Changed)
		}
		if u.State.Stats.Mode != protocol.ModeManual {
			t.Errorf("first update should be the current snapshot")
		}
	default:
		t.Fatal("subscribe did not deliver the snapshot")
	}
}

func TestStore_SubscriberCoalesces(t *testing.T) {
	s := newTestStore()
	sub := s.Subscribe()
	defer sub.Close()
	<-sub.Updates()

	s.OnEvent(protocol.StatsUpdate{VehiclesDetected: 5})
	s.OnEvent(protocol.SignalsUpdate{Signals: []protocol.Signal{{ID: "1"}}})
	s.OnEvent(protocol.StatsUpdate{VehiclesDetected: 7})

	u := <-sub.Updates()
	if !u.Changed.Has(FieldStats | FieldSignals) {
		t.Errorf("coalesced update should carry stats and signals, got %v", u.Changed)
	}
	if u.State.Stats.VehiclesDetected != 7 {
		t.Errorf("expected latest snapshot, got vehicles=%d", u.State.Stats.VehiclesDetected)
	}
	select {
	case extra := <-sub.Updates():
		t.Errorf("expected a single coalesced update, got another: %v", extra.Changed)
	default:
	}
}

func TestStore_EmergencyCleared(t *testing.T) {
	s := newTestStore()
	s.OnEvent(protocol.AlertReceived{Emergency: true, Alert: protocol.Alert{ID: "a", Type: protocol.VehicleAmbulance, Status: protocol.AlertActive}})
	s.OnEvent(protocol.AlertReceived{Alert: protocol.Alert{ID: "b", Type: "accident"}})
	s.OnEvent(protocol.EmergencyCleared{Message: "clear"})

	alerts := s.Snapshot().Alerts
	if len(alerts) != 2 {
		t.Fatalf("emergency_cleared should not add alerts, got %d", len(alerts))
	}
	for _, a := range alerts {
		if a.ID == "a" && a.Status != protocol.AlertCleared {
			t.Errorf("ambulance alert not cleared: %+v", a)
		}
		if a.ID == "b" && a.Status != "" {
			t.Errorf("unrelated alert changed: %+v", a)
		}
	}
}

func TestStore_OptimisticCommandLifecycle(t *testing.T) {
	tests := []struct {
		name      string
		echo      *protocol.SignalStateUpdate
		wantState protocol.SignalColor
		wantRoll  bool
	}{
		{"acknowledged by command id", &protocol.SignalStateUpdate{SignalID: "1", NewState: protocol.ColorGreen, CommandID: "cmd"}, protocol.ColorGreen, false},
		{"acknowledged by matching color", &protocol.SignalStateUpdate{SignalID: "1", NewState: protocol.ColorGreen}, protocol.ColorGreen, false},
		{"full panel update", &protocol.SignalStateUpdate{Signals: map[string]protocol.SignalColor{"1": protocol.ColorYellow}}, protocol.ColorYellow, false},
		{"never acknowledged", nil, protocol.ColorRed, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore()
			if !s.ApplyOptimistic("1", protocol.ColorGreen, "cmd") {
				t.Fatal("ApplyOptimistic rejected a known signal")
			}
			sig := s.Snapshot().Control.Signals["signal_2"]
			if sig.State != protocol.ColorGreen || sig.Timer != 30 || sig.Pending != "cmd" {
				t.Fatalf("optimistic state not shown: %+v", sig)
			}
			if tc.echo != nil {
				s.OnEvent(*tc.echo)
			}
			rolled := s.ExpireCommand("cmd")
			if (len(rolled) > 0) != tc.wantRoll {
				t.Errorf("rolled back = %v, expected %v", rolled, tc.wantRoll)
			}
			sig = s.Snapshot().Control.Signals["signal_2"]
			if sig.State != tc.wantState || sig.Pending != "" {
				t.Errorf("final signal %+v, expected state %s", sig, tc.wantState)
			}
		})
	}

	s := newTestStore()
	if s.ApplyOptimistic("9", protocol.ColorGreen, "x") {
		t.Error("ApplyOptimistic accepted an unknown signal")
	}
}

func TestStore_SimulationNoticeExpires(t *testing.T) {
	s := newTestStore()
	s.simTTL = 20 * time.Millisecond
	defer s.Close()

	s.OnEvent(protocol.SimulationStatus{Status: "success", Message: "started", PID: 42})
	if n := s.Snapshot().Control.Simulation; n == nil || n.PID != 42 {
		t.Fatalf("simulation notice not shown: %+v", n)
	}
	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Control.Simulation != nil {
		if time.Now().After(deadline) {
			t.Fatal("simulation notice did not expire")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStore_VehicleSourceSelection(t *testing.T) {
	s := newTestStore()
	if got := s.Snapshot().Vehicles.Best.Source; got != SourceNone {
		t.Errorf("initial source = %q", got)
	}
	s.ApplySimulationFeed(protocol.SimulationFeed{VehiclesDetected: 9, Active: true})
	if got := s.Snapshot().Vehicles.Best; got.Source != SourceSimulation || got.Total != 9 {
		t.Errorf("expected simulation source, got %+v", got)
	}
	s.ApplyJunctionTable(protocol.JunctionTable{Junctions: map[string]protocol.Junction{}, HasTotals: true, Totals: protocol.SystemTotals{TotalVehiclesDetected: 40}})
	if got := s.Snapshot().Vehicles.Best; got.Source != SourceSystem || got.Total != 40 {
		t.Errorf("expected system source, got %+v", got)
	}
	s.ApplyCVFeed(protocol.CVFeed{Active: true, VehiclesDetected: 25})
	if got := s.Snapshot().Vehicles.Best; got.Source != SourceCV || got.Total != 25 || !got.Live {
		t.Errorf("expected live cv source, got %+v", got)
	}
}

func TestStore_RecordFeedResult(t *testing.T) {
	s := newTestStore()
	now := time.Now()
	s.RecordFeedResult("emergency_alerts", errors.New("timeout"), now)
	s.RecordFeedResult("emergency_alerts", errors.New("timeout"), now)
	fs := s.Snapshot().Feeds["emergency_alerts"]
	if fs.Loaded || fs.ConsecutiveFailures != 2 || fs.LastError != "timeout" {
		t.Errorf("unexpected failing feed %+v", fs)
	}
	s.RecordFeedResult("emergency_alerts", nil, now)
	fs = s.Snapshot().Feeds["emergency_alerts"]
	if !fs.Loaded || fs.ConsecutiveFailures != 0 || fs.LastError != "" {
		t.Errorf("unexpected recovered feed %+v", fs)
	}
}

func TestStore_CloseReleasesSubscribers(t *testing.T) {
	s := newTestStore()
	sub := s.Subscribe()
	<-sub.Updates()
	s.Close()
	if _, ok := <-sub.Updates(); ok {
		t.Error("subscription channel should be closed")
	}
	sub.Close()
	s.OnEvent(protocol.StatsUpdate{VehiclesDetected: 1})
	if s.Snapshot().Stats.VehiclesDetected != 0 {
		t.Error("closed store accepted an update")
	}
}

func TestBackendSignalID(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"signal_1", "0", true},
		{"3", "3", true},
		{"signal_9", "", false},
	}
	for _, tc := range tests {
		got, ok := BackendSignalID(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("BackendSignalID(%q) = %q,%v expected %q,%v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestUpdate_Delta(t *testing.T) {
	s := newTestStore()
	s.SetMode(protocol.ModeManual)
	state := s.Snapshot()

	d := Update{State: state, Changed: FieldStats | FieldAlerts}.Delta()
	if d.Version != state.Version {
		t.Errorf("Version = %d, expected %d", d.Version, state.Version)
	}
	if len(d.Changed) != 2 || d.Changed[0] != "stats" || d.Changed[1] != "alerts" {
		t.Errorf("Changed = %v", d.Changed)
	}
	if _, ok := d.Fields["signals"]; ok {
		t.Error("unchanged field included")
	}
	if st, ok := d.Fields["stats"].(Stats); !ok || st.Mode != protocol.ModeManual {
		t.Errorf("stats = %#v", d.Fields["stats"])
	}
}
