package poller

import (
	"time"

	"github.com/smart-traffic/trafficsync/internal/protocol"
)

// Standard job names
const (
	JobJunctions       = "junctions"
	JobAnalytics       = "analytics"
	JobEmergencyFleet  = "emergency_fleet"
	JobEmergencyAlerts = "emergency_alerts"
	JobSimulation      = "simulation"
	JobCV              = "cv"
)

// Backend REST paths
const (
	PathJunctions       = "/api/signals-vehicle-data"
	PathAnalytics       = "/api/analytics"
	PathMapData         = "/api/map-data"
	PathEmergencyAlerts = "/api/emergency-alerts"
	PathSimulation      = "/api/simulation-data"
	PathCV              = "/api/cv-vehicle-data"
)

// Target receives decoded snapshots
type Target interface {
	ApplyJunctionTable(t protocol.JunctionTable)
	ApplyAnalytics(a protocol.Analytics)
	ApplyEmergencyFleet(f protocol.EmergencyFleet)
	AddAlerts(alerts []protocol.Alert) int
	ApplySimulationFeed(f protocol.SimulationFeed)
	ApplyCVFeed(f protocol.CVFeed)
}

// Intervals per standard job. Zero disables a job.
type Intervals struct {
	Junctions       time.Duration `yaml:"junctions"`
	Analytics       time.Duration `yaml:"analytics"`
	EmergencyFleet  time.Duration `yaml:"emergency_fleet"`
	EmergencyAlerts time.Duration `yaml:"emergency_alerts"`
	Simulation      time.Duration `yaml:"simulation"`
	CV              time.Duration `yaml:"cv"`
}

// DefaultIntervals match the dashboard refresh rates
func DefaultIntervals() Intervals {
	return Intervals{
		Junctions:       5 * time.Second,
		Analytics:       30 * time.Second,
		EmergencyFleet:  10 * time.Second,
		EmergencyAlerts: 3 * time.Second,
		Simulation:      3 * time.Second,
		CV:              2 * time.Second,
	}
}

// StandardJobs wires every backend snapshot endpoint to t
func StandardJobs(t Target, iv Intervals) []Job {
	return []Job{
		{Name: JobJunctions, Path: PathJunctions, Interval: iv.Junctions, Apply: func(body []byte) error {
			table, err := protocol.DecodeJunctionTable(body)
			if err != nil {
				return err
			}
			t.ApplyJunctionTable(table)
			return nil
		}},
		{Name: JobAnalytics, Path: PathAnalytics, Interval: iv.Analytics, Apply: func(body []byte) error {
			a, err := protocol.DecodeAnalytics(body)
			if err != nil {
				return err
			}
			t.ApplyAnalytics(a)
			return nil
		}},
		{Name: JobEmergencyFleet, Path: PathMapData, Interval: iv.EmergencyFleet, Apply: func(body []byte) error {
			fleet, err := protocol.DecodeEmergencyFleet(body)
			if err != nil {
				return err
			}
			t.ApplyEmergencyFleet(fleet)
			return nil
		}},
		{Name: JobEmergencyAlerts, Path: PathEmergencyAlerts, Interval: iv.EmergencyAlerts, Apply: func(body []byte) error {
			alerts, err := protocol.DecodeEmergencyAlerts(body)
			if err != nil {
				return err
			}
			t.AddAlerts(alerts)
			return nil
		}},
		{Name: JobSimulation, Path: PathSimulation, Interval: iv.Simulation, Apply: func(body []byte) error {
			feed, err := protocol.DecodeSimulationFeed(body)
			if err != nil {
				return err
			}
			t.ApplySimulationFeed(feed)
			return nil
		}},
		{Name: JobCV, Path: PathCV, Interval: iv.CV, Apply: func(body []byte) error {
			feed, err := protocol.DecodeCVFeed(body)
			if err != nil {
				return err
			}
			t.ApplyCVFeed(feed)
			return nil
		}},
	}
}
