package store

import (
	"strings"
	"time"

	"github.com/smart-traffic/trafficsync/internal/conn"
	"github.com/smart-traffic/trafficsync/internal/protocol"
)

// MaxAlerts caps the alert log
const MaxAlerts = 20

// Field identifies a top-level slice of the state tree
type Field uint32

const (
	FieldConnection Field = 1 << iota
	FieldStats
	FieldSignals
	FieldAlerts
	FieldJunctions
	FieldLiveFrame
	FieldAnalytics
	FieldEmergencyFleet
	FieldVehicleFeeds
	FieldControl
	FieldFeeds

	AllFields = FieldConnection | FieldStats | FieldSignals | FieldAlerts | FieldJunctions |
		FieldLiveFrame | FieldAnalytics | FieldEmergencyFleet | FieldVehicleFeeds | FieldControl | FieldFeeds
)

var fieldNames = []struct {
	field Field
	name  string
}{
	{FieldConnection, "connection"},
	{FieldStats, "stats"},
	{FieldSignals, "signals"},
	{FieldAlerts, "alerts"},
	{FieldJunctions, "junctions"},
	{FieldLiveFrame, "live_frame"},
	{FieldAnalytics, "analytics"},
	{FieldEmergencyFleet, "emergency_fleet"},
	{FieldVehicleFeeds, "vehicle_feeds"},
	{FieldControl, "control"},
	{FieldFeeds, "feeds"},
}

// Has reports whether all bits of other are set
func (f Field) Has(other Field) bool { return f&other == other }

// Names lists the set fields in declaration order
func (f Field) Names() []string {
	var names []string
	for _, fn := range fieldNames {
		if f.Has(fn.field) {
			names = append(names, fn.name)
		}
	}
	return names
}

func (f Field) String() string { return strings.Join(f.Names(), ",") }

// ParseField resolves a field by its JSON name
func ParseField(name string) (Field, bool) {
	for _, fn := range fieldNames {
		if fn.name == name {
			return fn.field, true
		}
	}
	return 0, false
}

// Stats is the StatsSnapshot shown by the stats cards
type Stats struct {
	VehiclesDetected int           `json:"vehicles_detected"`
	CO2Saved         float64       `json:"co2_saved"`
	AvgWaitTime      float64       `json:"avg_wait_time"`
	Mode             protocol.Mode `json:"mode"`
}

// SignalSet is swapped wholesale on every signals_update. Positions are
// not stable across swaps; key by ID.
type SignalSet struct {
	Signals           []protocol.Signal           `json:"signals"`
	EmergencyVehicles []protocol.EmergencyVehicle `json:"emergency_vehicles"`
}

// VehicleCount is the best available vehicle total across feeds
type VehicleCount struct {
	Total  int    `json:"total"`
	Source string `json:"source"`
	Live   bool   `json:"live"`
}

// Vehicle count sources
const (
	SourceCV         = "cv"
	SourceSystem     = "system"
	SourceSimulation = "simulation"
	SourceNone       = "none"
)

// VehicleFeeds holds the simulation and CV feeds. Nil until first loaded.
type VehicleFeeds struct {
	Simulation *protocol.SimulationFeed `json:"simulation"`
	CV         *protocol.CVFeed         `json:"cv"`
	Best       VehicleCount             `json:"best"`
}

// LiveFrame is the latest detection frame metadata
type LiveFrame struct {
	Frame      int            `json:"frame"`
	LaneCounts map[string]int `json:"lane_counts"`
	Timestamp  string         `json:"timestamp"`
	ReceivedAt time.Time      `json:"received_at"`
}

// FeedStatus tracks the health of one polled resource
type FeedStatus struct {
	Loaded              bool      `json:"loaded"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	LastErrorAt         time.Time `json:"last_error_at,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// State is an immutable snapshot of the whole tree. Slices and maps are
// shared between snapshots and must not be modified by consumers.
type State struct {
	Version        uint64                  `json:"version"`
	Connection     conn.Status             `json:"connection"`
	Stats          Stats                   `json:"stats"`
	Signals        SignalSet               `json:"signals"`
	Alerts         []protocol.Alert        `json:"alerts"`
	Junctions      protocol.JunctionTable  `json:"junctions"`
	LiveFrame      *LiveFrame              `json:"live_frame"`
	Analytics      protocol.Analytics      `json:"analytics"`
	EmergencyFleet protocol.EmergencyFleet `json:"emergency_fleet"`
	Vehicles       VehicleFeeds            `json:"vehicle_feeds"`
	Control        ControlPanel            `json:"control"`
	Feeds          map[string]FeedStatus   `json:"feeds"`
}

// defaultState is the safe initial tree: zero counts, empty collections, automation mode
func defaultState() State {
	return State{
		Connection: conn.Status{State: conn.Disconnected},
		Stats:      Stats{Mode: protocol.ModeAutomation},
		Signals: SignalSet{
			Signals:           []protocol.Signal{},
			EmergencyVehicles: []protocol.EmergencyVehicle{},
		},
		Alerts:    []protocol.Alert{},
		Junctions: protocol.JunctionTable{Junctions: map[string]protocol.Junction{}},
		Analytics: protocol.EmptyAnalytics(),
		EmergencyFleet: protocol.EmergencyFleet{
			Vehicles: []protocol.EmergencyVehicle{},
		},
		Vehicles: VehicleFeeds{Best: VehicleCount{Source: SourceNone}},
		Control:  defaultPanel(),
		Feeds:    map[string]FeedStatus{},
	}
}

// Field returns the value of a single top-level field
func (s State) Field(f Field) any {
	switch f {
	case FieldConnection:
		return s.Connection
	case FieldStats:
		return s.Stats
	case FieldSignals:
		return s.Signals
	case FieldAlerts:
		return s.Alerts
	case FieldJunctions:
		return s.Junctions
	case FieldLiveFrame:
		return s.LiveFrame
	case FieldAnalytics:
		return s.Analytics
	case FieldEmergencyFleet:
		return s.EmergencyFleet
	case FieldVehicleFeeds:
		return s.Vehicles
	case FieldControl:
		return s.Control
	case FieldFeeds:
		return s.Feeds
	}
	return nil
}

// Delta is the wire form of an Update: the changed fields only
type Delta struct {
	Version uint64         `json:"version"`
	Changed []string       `json:"changed"`
	Fields  map[string]any `json:"fields"`
}

// Delta extracts the changed fields of u
func (u Update) Delta() Delta {
	d := Delta{Version: u.State.Version, Changed: u.Changed.Names(), Fields: map[string]any{}}
	for _, fn := range fieldNames {
		if u.Changed.Has(fn.field) {
			d.Fields[fn.name] = u.State.Field(fn.field)
		}
	}
	return d
}
