package protocol

import (
	"strings"

	"github.com/google/uuid"
)

// anonymousAlertNamespace seeds deterministic ids for alerts the backend
// sends without one, so the same incident seen twice keeps the same id.
var anonymousAlertNamespace = uuid.MustParse("0b5c6f7e-2d1a-4c57-9a61-6f1f3c1e8d42")

// alertWire is the loosest shape any endpoint or event uses for an alert
type alertWire struct {
	ID        FlexID `json:"id"`
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	Priority  string `json:"priority"`
	Message   string `json:"message"`
	Location  string `json:"location"`
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
	Source    string `json:"source"`
}

func (w alertWire) normalize() Alert {
	sev := w.Severity
	if sev == "" {
		// emergency alerts carry priority instead of severity
		sev = w.Priority
	}
	severity, _ := parseSeverity(sev)

	a := Alert{
		ID:        w.ID,
		Type:      strings.TrimSpace(w.Type),
		Severity:  severity,
		Message:   w.Message,
		Location:  w.Location,
		Timestamp: w.Timestamp,
		Status:    strings.ToLower(strings.TrimSpace(w.Status)),
		Source:    w.Source,
	}
	if a.ID == "" {
		a.ID = AnonymousAlertID(a)
	}
	return a
}

// AnonymousAlertID derives a stable id from an alert's content
func AnonymousAlertID(a Alert) FlexID {
	key := strings.Join([]string{a.Type, a.Message, a.Location, a.Timestamp}, "|")
	return FlexID("anon-" + uuid.NewSHA1(anonymousAlertNamespace, []byte(key)).String())
}

func normalizeAlerts(in []alertWire) []Alert {
	out := make([]Alert, 0, len(in))
	for _, w := range in {
		out = append(out, w.normalize())
	}
	return out
}

func normalizeSignals(in []Signal) []Signal {
	out := make([]Signal, 0, len(in))
	for _, s := range in {
		s.VehiclesDetected = nonNegativeInt(s.VehiclesDetected)
		s.QueueLength = nonNegativeInt(s.QueueLength)
		s.CO2Level = nonNegative(s.CO2Level)
		out = append(out, s)
	}
	return out
}

func normalizeVehicles(in []EmergencyVehicle) []EmergencyVehicle {
	out := make([]EmergencyVehicle, 0, len(in))
	for _, v := range in {
		v.Type = strings.ToLower(strings.TrimSpace(v.Type))
		v.Status = strings.ToLower(strings.TrimSpace(v.Status))
		out = append(out, v)
	}
	return out
}

func normalizeCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = nonNegativeInt(v)
	}
	return out
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func nonNegativeInt(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
