package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Mode is the backend operating mode
type Mode string

const (
	ModeAutomation Mode = "automation"
	ModeManual     Mode = "manual"
)

// ParseMode normalizes a wire mode string
func ParseMode(s string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAutomation:
		return ModeAutomation, true
	case ModeManual:
		return ModeManual, true
	}
	return "", false
}

// Severity of an alert
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func parseSeverity(s string) (Severity, bool) {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow, true
	case SeverityMedium:
		return SeverityMedium, true
	case SeverityHigh:
		return SeverityHigh, true
	}
	return SeverityLow, false
}

// SignalColor is the state of a traffic light
type SignalColor string

const (
	ColorRed    SignalColor = "red"
	ColorYellow SignalColor = "yellow"
	ColorGreen  SignalColor = "green"
)

// ParseSignalColor normalizes a wire signal color
func ParseSignalColor(s string) (SignalColor, bool) {
	switch SignalColor(strings.ToLower(strings.TrimSpace(s))) {
	case ColorRed:
		return ColorRed, true
	case ColorYellow:
		return ColorYellow, true
	case ColorGreen:
		return ColorGreen, true
	}
	return "", false
}

// TrafficDensity buckets reported per junction
type TrafficDensity string

const (
	DensityLow      TrafficDensity = "low"
	DensityMedium   TrafficDensity = "medium"
	DensityHigh     TrafficDensity = "high"
	DensityVeryHigh TrafficDensity = "very_high"
	DensityUnknown  TrafficDensity = "unknown"
)

func parseDensity(s string) TrafficDensity {
	switch d := TrafficDensity(strings.ToLower(strings.TrimSpace(s))); d {
	case DensityLow, DensityMedium, DensityHigh, DensityVeryHigh:
		return d
	}
	return DensityUnknown
}

// FlexID is an identifier the backend sends either as a JSON number or a string.
type FlexID string

// UnmarshalJSON accepts strings, numbers and null
func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = FlexID(n.String())
	return nil
}

// Signal is one managed intersection as shown on the map
type Signal struct {
	ID               FlexID  `json:"id"`
	Name             string  `json:"name,omitempty"`
	Lat              float64 `json:"lat"`
	Lng              float64 `json:"lng"`
	CO2Level         float64 `json:"co2_level"`
	VehiclesDetected int     `json:"vehicles_detected"`
	QueueLength      int     `json:"queue_length"`
	Status           string  `json:"status,omitempty"`
}

// Emergency vehicle types
const (
	VehicleAmbulance = "ambulance"
	VehicleFireTruck = "fire_truck"
	VehiclePolice    = "police"
)

// Emergency vehicle statuses
const (
	VehicleEnRoute    = "en_route"
	VehicleStationary = "stationary"
	VehicleArrived    = "arrived"
)

// EmergencyVehicle is a tracked ambulance, fire truck or police unit
type EmergencyVehicle struct {
	ID          FlexID  `json:"id"`
	Type        string  `json:"type"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	Status      string  `json:"status"`
	Destination string  `json:"destination"`
	ETA         string  `json:"eta"`
}

// Alert is one entry in the alert feed
type Alert struct {
	ID        FlexID   `json:"id"`
	Type      string   `json:"type"`
	Severity  Severity `json:"severity"`
	Message   string   `json:"message"`
	Location  string   `json:"location"`
	Timestamp string   `json:"timestamp"`
	Status    string   `json:"status,omitempty"`
	Source    string   `json:"source,omitempty"`
}

// Alert statuses used by emergency alerts
const (
	AlertActive  = "active"
	AlertCleared = "cleared"
)
