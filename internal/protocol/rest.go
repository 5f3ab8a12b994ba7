package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Junction is the per-junction vehicle breakdown
type Junction struct {
	TotalCurrent   int            `json:"total_current"`
	TrafficDensity TrafficDensity `json:"traffic_density"`
	TotalHourly    int            `json:"total_hourly"`
	LaneCounts     map[string]int `json:"lane_counts"`
}

// SystemTotals summarizes all junctions
type SystemTotals struct {
	TotalVehiclesDetected int    `json:"total_vehicles_detected"`
	CVActive              bool   `json:"cv_active"`
	LastUpdated           string `json:"last_updated,omitempty"`
}

// JunctionTable is the decoded signals-vehicle-data response
type JunctionTable struct {
	Junctions map[string]Junction `json:"junctions"`
	Totals    SystemTotals        `json:"system_totals"`
	HasTotals bool                `json:"-"`
}

// DecodeJunctionTable parses the signals-vehicle-data endpoint
func DecodeJunctionTable(body []byte) (JunctionTable, error) {
	var w struct {
		Signals []struct {
			SignalID       FlexID         `json:"signal_id"`
			JunctionID     FlexID         `json:"junction_id"`
			ID             FlexID         `json:"id"`
			TotalCurrent   int            `json:"total_current"`
			TrafficDensity string         `json:"traffic_density"`
			TotalHourly    int            `json:"total_hourly"`
			LaneCounts     map[string]int `json:"lane_counts"`
		} `json:"signals_vehicle_data"`
		Totals *SystemTotals `json:"system_totals"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return JunctionTable{}, fmt.Errorf("failed to decode junction table: %w", err)
	}

	table := JunctionTable{Junctions: make(map[string]Junction, len(w.Signals))}
	for i, s := range w.Signals {
		key := string(firstID(s.JunctionID, s.SignalID, s.ID))
		if key == "" {
			key = "junction_" + strconv.Itoa(i+1)
		}
		table.Junctions[key] = Junction{
			TotalCurrent:   nonNegativeInt(s.TotalCurrent),
			TrafficDensity: parseDensity(s.TrafficDensity),
			TotalHourly:    nonNegativeInt(s.TotalHourly),
			LaneCounts:     normalizeCounts(s.LaneCounts),
		}
	}
	if w.Totals != nil {
		table.HasTotals = true
		table.Totals = *w.Totals
		table.Totals.TotalVehiclesDetected = nonNegativeInt(table.Totals.TotalVehiclesDetected)
	}
	return table, nil
}

func firstID(ids ...FlexID) FlexID {
	for _, id := range ids {
		if id != "" {
			return id
		}
	}
	return ""
}

// HourlyTraffic is one hour bucket of the analytics panel
type HourlyTraffic struct {
	Hour     int     `json:"hour"`
	Vehicles int     `json:"vehicles"`
	CO2Saved float64 `json:"co2_saved"`
}

// CO2Trend is one day of CO2 savings
type CO2Trend struct {
	Date     string  `json:"date"`
	CO2Saved float64 `json:"co2_saved"`
}

// Hotspot is a congested location
type Hotspot struct {
	Location        string  `json:"location"`
	CongestionLevel float64 `json:"congestion_level"`
	Trend           string  `json:"trend"`
}

// Analytics is the decoded analytics response
type Analytics struct {
	HourlyTraffic      []HourlyTraffic `json:"hourly_traffic"`
	CO2Trends          []CO2Trend      `json:"co2_trends"`
	CongestionHotspots []Hotspot       `json:"congestion_hotspots"`
}

// EmptyAnalytics is the placeholder shown before the first successful fetch
func EmptyAnalytics() Analytics {
	return Analytics{
		HourlyTraffic:      []HourlyTraffic{},
		CO2Trends:          []CO2Trend{},
		CongestionHotspots: []Hotspot{},
	}
}

// DecodeAnalytics parses the analytics endpoint
func DecodeAnalytics(body []byte) (Analytics, error) {
	var a Analytics
	if err := json.Unmarshal(body, &a); err != nil {
		return Analytics{}, fmt.Errorf("failed to decode analytics: %w", err)
	}
	if a.HourlyTraffic == nil {
		a.HourlyTraffic = []HourlyTraffic{}
	}
	if a.CO2Trends == nil {
		a.CO2Trends = []CO2Trend{}
	}
	if a.CongestionHotspots == nil {
		a.CongestionHotspots = []Hotspot{}
	}
	for i := range a.HourlyTraffic {
		a.HourlyTraffic[i].Vehicles = nonNegativeInt(a.HourlyTraffic[i].Vehicles)
	}
	for i := range a.CongestionHotspots {
		if a.CongestionHotspots[i].Location == "" {
			a.CongestionHotspots[i].Location = "Unknown"
		}
		if a.CongestionHotspots[i].Trend == "" {
			a.CongestionHotspots[i].Trend = "stable"
		}
	}
	return a, nil
}

// EmergencyFleet is the decoded emergency part of the map-data endpoint
type EmergencyFleet struct {
	Vehicles []EmergencyVehicle `json:"vehicles"`
	Total    int                `json:"total"`
	Active   int                `json:"active"`
}

// DecodeEmergencyFleet parses the map-data endpoint, keeping only emergency vehicles
func DecodeEmergencyFleet(body []byte) (EmergencyFleet, error) {
	var w struct {
		EmergencyVehicles []EmergencyVehicle `json:"emergency_vehicles"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return EmergencyFleet{}, fmt.Errorf("failed to decode map data: %w", err)
	}
	fleet := EmergencyFleet{Vehicles: normalizeVehicles(w.EmergencyVehicles)}
	fleet.Total = len(fleet.Vehicles)
	for _, v := range fleet.Vehicles {
		if v.Status == VehicleEnRoute {
			fleet.Active++
		}
	}
	return fleet, nil
}

// DecodeEmergencyAlerts parses the emergency-alerts endpoint. Alerts are
// returned in the backend's order, oldest first.
func DecodeEmergencyAlerts(body []byte) ([]Alert, error) {
	var w struct {
		Alerts []alertWire `json:"alerts"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("failed to decode emergency alerts: %w", err)
	}
	return normalizeAlerts(w.Alerts), nil
}

// SimulationVehicle is an emergency vehicle as reported by the simulation feed
type SimulationVehicle struct {
	Type     string `json:"type"`
	Location string `json:"location"`
	Status   string `json:"status"`
	ETA      string `json:"eta"`
	Priority string `json:"priority"`
}

// PhaseState is one signal phase in the simulation feed
type PhaseState struct {
	Status        string `json:"status"`
	TimeRemaining int    `json:"time_remaining"`
}

// TrafficFlow is the simulation's aggregate flow
type TrafficFlow struct {
	AvgSpeed        float64 `json:"avg_speed"`
	CongestionLevel string  `json:"congestion_level"`
	WaitingTime     float64 `json:"waiting_time"`
}

// SimulationFeed is the decoded simulation-data response
type SimulationFeed struct {
	DataSource        string                `json:"data_source"`
	VehiclesDetected  int                   `json:"vehicles_detected"`
	EmergencyVehicles []SimulationVehicle   `json:"emergency_vehicles"`
	SignalStates      map[string]PhaseState `json:"signal_states"`
	TrafficFlow       TrafficFlow           `json:"traffic_flow"`
	Timestamp         string                `json:"timestamp"`
	Active            bool                  `json:"simulation_active"`
}

// DecodeSimulationFeed parses the simulation-data endpoint
func DecodeSimulationFeed(body []byte) (SimulationFeed, error) {
	var f SimulationFeed
	if err := json.Unmarshal(body, &f); err != nil {
		return SimulationFeed{}, fmt.Errorf("failed to decode simulation feed: %w", err)
	}
	f.VehiclesDetected = nonNegativeInt(f.VehiclesDetected)
	if f.EmergencyVehicles == nil {
		f.EmergencyVehicles = []SimulationVehicle{}
	}
	if f.SignalStates == nil {
		f.SignalStates = map[string]PhaseState{}
	}
	return f, nil
}

// CVFeed is the decoded cv-vehicle-data response
type CVFeed struct {
	DataSource          string         `json:"data_source"`
	Active              bool           `json:"cv_active"`
	Timestamp           string         `json:"timestamp"`
	Model               string         `json:"model,omitempty"`
	VehiclesDetected    int            `json:"vehicles_detected"`
	LaneCounts          map[string]int `json:"lane_counts"`
	FrameNumber         int            `json:"frame_number"`
	DetectionConfidence float64        `json:"detection_confidence,omitempty"`
	VehicleBreakdown    map[string]int `json:"vehicle_breakdown"`
	TrafficDensity      TrafficDensity `json:"traffic_density"`
	Alerts              []Alert        `json:"emergency_alerts"`
	Error               string         `json:"error,omitempty"`
}

// DecodeCVFeed parses the cv-vehicle-data endpoint
func DecodeCVFeed(body []byte) (CVFeed, error) {
	var w struct {
		CVFeed
		TrafficDensity string      `json:"traffic_density"`
		Alerts         []alertWire `json:"emergency_alerts"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return CVFeed{}, fmt.Errorf("failed to decode cv feed: %w", err)
	}
	f := w.CVFeed
	f.VehiclesDetected = nonNegativeInt(f.VehiclesDetected)
	f.LaneCounts = normalizeCounts(f.LaneCounts)
	f.VehicleBreakdown = normalizeCounts(f.VehicleBreakdown)
	f.TrafficDensity = parseDensity(w.TrafficDensity)
	f.Alerts = normalizeAlerts(w.Alerts)
	return f, nil
}

// ModeRequest is the body of the mode endpoint
type ModeRequest struct {
	Mode Mode `json:"mode"`
}

// ModeResponse is returned by the mode endpoint
type ModeResponse struct {
	Success bool   `json:"success"`
	Mode    Mode   `json:"mode"`
	Error   string `json:"error,omitempty"`
}

// StartSimulationResponse is returned by the start-simulation endpoint
type StartSimulationResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
