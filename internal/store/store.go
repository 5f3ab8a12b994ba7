// Package store holds the dashboard state tree. Push events and poll
// results are merged under one lock, so arrival order is lock order and
// the last write wins.
package store

import (
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/smart-traffic/trafficsync/internal/protocol"
)

// DefaultSimulationNoticeTTL is how long a simulation status stays visible
const DefaultSimulationNoticeTTL = 5 * time.Second

// Update is delivered to subscribers. Changed is the union of every field
// that changed since the subscriber last received.
type Update struct {
	State   State
	Changed Field
}

// Subscription is a coalescing mailbox on the store. A slow consumer only
// ever sees the latest snapshot.
type Subscription struct {
	ch    chan Update
	store *Store
	once  sync.Once
}

// Updates returns the channel of updates. It is closed by Close.
func (s *Subscription) Updates() <-chan Update { return s.ch }

// Close detaches the subscription and closes its channel
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.store.mu.Lock()
		defer s.store.mu.Unlock()
		if _, ok := s.store.subs[s]; ok {
			delete(s.store.subs, s)
			close(s.ch)
		}
	})
}

// Store is the single source of truth for the dashboard
type Store struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	state    State
	subs     map[*Subscription]struct{}
	seen     *seenSet
	simTimer *time.Timer
	simTTL   time.Duration
	closed   bool
}

// New creates a store with safe defaults
func New(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:    log.With("component", "store"),
		now:    time.Now,
		state:  defaultState(),
		subs:   make(map[*Subscription]struct{}),
		seen:   newSeenSet(seenCapacity),
		simTTL: DefaultSimulationNoticeTTL,
	}
}

// Snapshot returns the current state
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Mode is the operating mode that gates manual commands
func (s *Store) Mode() protocol.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Stats.Mode
}

// Subscribe delivers the full snapshot immediately, then coalesced updates
func (s *Store) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan Update, 1), store: s}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(sub.ch)
		return sub
	}
	s.subs[sub] = struct{}{}
	sub.ch <- Update{State: s.state, Changed: AllFields}
	return sub
}

// Close releases every subscription and pending timer
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.simTimer != nil {
		s.simTimer.Stop()
		s.simTimer = nil
	}
	for sub := range s.subs {
		delete(s.subs, sub)
		close(sub.ch)
	}
}

// update runs fn on a shallow copy of the state. fn must replace, never
// modify, shared slices and maps. Only the fields in mask are compared.
func (s *Store) update(mask Field, fn func(next *State)) Field {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(mask, fn)
}

func (s *Store) updateLocked(mask Field, fn func(next *State)) Field {
	if s.closed {
		return 0
	}
	next := s.state
	fn(&next)

	var changed Field
	for _, f := range fieldNames {
		if mask.Has(f.field) && !reflect.DeepEqual(s.state.Field(f.field), next.Field(f.field)) {
			changed |= f.field
		}
	}
	if changed == 0 {
		return 0
	}
	next.Version = s.state.Version + 1
	s.state = next
	s.publish(changed)
	return changed
}

func (s *Store) publish(changed Field) {
	for sub := range s.subs {
		u := Update{State: s.state, Changed: changed}
		select {
		case old := <-sub.ch:
			u.Changed |= old.Changed
		default:
		}
		select {
		case sub.ch <- u:
		default:
			s.log.Warn("store: subscriber mailbox full, update dropped")
		}
	}
}

func (s *Store) addAlertsLocked(next *State, incoming []protocol.Alert) int {
	var added []protocol.Alert
	next.Alerts, added = prependAlerts(next.Alerts, s.seen, incoming)
	return len(added)
}

// AddAlerts merges polled alerts, given oldest first. Returns how many were new.
func (s *Store) AddAlerts(alerts []protocol.Alert) int {
	var n int
	s.update(FieldAlerts, func(next *State) {
		n = s.addAlertsLocked(next, alerts)
	})
	return n
}

// SetMode records a mode the backend accepted over REST
func (s *Store) SetMode(m protocol.Mode) {
	s.update(FieldStats, func(next *State) {
		next.Stats.Mode = m
	})
}

// RecordFeedResult updates the health of one polled resource
func (s *Store) RecordFeedResult(name string, err error, at time.Time) {
	s.update(FieldFeeds, func(next *State) {
		feeds := make(map[string]FeedStatus, len(next.Feeds)+1)
		for k, v := range next.Feeds {
			feeds[k] = v
		}
		fs := feeds[name]
		if err != nil {
			fs.LastError = err.Error()
			fs.LastErrorAt = at
			fs.ConsecutiveFailures++
		} else {
			fs.Loaded = true
			fs.LastSuccess = at
			fs.LastError = ""
			fs.ConsecutiveFailures = 0
		}
		feeds[name] = fs
		next.Feeds = feeds
	})
}

// ApplyJunctionTable replaces the junction table. Positive system totals
// also write stats.vehicles_detected; a zero or absent total keeps the
// previous value.
func (s *Store) ApplyJunctionTable(t protocol.JunctionTable) {
	s.update(FieldJunctions|FieldStats|FieldVehicleFeeds, func(next *State) {
		next.Junctions = t
		if t.HasTotals && t.Totals.TotalVehiclesDetected > 0 {
			next.Stats.VehiclesDetected = t.Totals.TotalVehiclesDetected
		}
		next.Vehicles.Best = bestCount(next.Vehicles, next.Junctions)
	})
}

// ApplyAnalytics replaces the analytics panel data
func (s *Store) ApplyAnalytics(a protocol.Analytics) {
	s.update(FieldAnalytics, func(next *State) {
		next.Analytics = a
	})
}

// ApplyEmergencyFleet replaces the polled emergency fleet
func (s *Store) ApplyEmergencyFleet(f protocol.EmergencyFleet) {
	s.update(FieldEmergencyFleet, func(next *State) {
		next.EmergencyFleet = f
	})
}

// ApplySimulationFeed replaces the simulation feed
func (s *Store) ApplySimulationFeed(f protocol.SimulationFeed) {
	s.update(FieldVehicleFeeds, func(next *State) {
		next.Vehicles.Simulation = &f
		next.Vehicles.Best = bestCount(next.Vehicles, next.Junctions)
	})
}

// ApplyCVFeed replaces the computer vision feed
func (s *Store) ApplyCVFeed(f protocol.CVFeed) {
	s.update(FieldVehicleFeeds, func(next *State) {
		next.Vehicles.CV = &f
		next.Vehicles.Best = bestCount(next.Vehicles, next.Junctions)
	})
}

// bestCount picks live CV, then system totals, then the simulation
func bestCount(v VehicleFeeds, j protocol.JunctionTable) VehicleCount {
	switch {
	case v.CV != nil && v.CV.Active:
		return VehicleCount{Total: v.CV.VehiclesDetected, Source: SourceCV, Live: true}
	case j.HasTotals:
		return VehicleCount{Total: j.Totals.TotalVehiclesDetected, Source: SourceSystem, Live: j.Totals.CVActive}
	case v.Simulation != nil:
		return VehicleCount{Total: v.Simulation.VehiclesDetected, Source: SourceSimulation, Live: v.Simulation.Active}
	}
	return VehicleCount{Source: SourceNone}
}

// ApplyOptimistic shows a commanded color before the backend confirms it.
// Returns false for an unknown signal.
func (s *Store) ApplyOptimistic(backendID string, color protocol.SignalColor, commandID string) bool {
	ok := false
	s.update(FieldControl, func(next *State) {
		next.Control, ok = next.Control.optimistic(backendID, color, commandID)
	})
	return ok
}

// ExpireCommand rolls back signals still pending on commandID to their
// last confirmed state. Returns the rolled back panel keys.
func (s *Store) ExpireCommand(commandID string) []string {
	var keys []string
	s.update(FieldControl, func(next *State) {
		next.Control, keys = next.Control.rollback(commandID)
	})
	return keys
}

// SetManualPanel records the optimistic manual panel toggle
func (s *Store) SetManualPanel(on bool) {
	s.update(FieldControl, func(next *State) {
		next.Control.ManualMode = on
	})
}

func (s *Store) expireSimulationNotice(at time.Time) {
	s.update(FieldControl, func(next *State) {
		if next.Control.Simulation != nil && next.Control.Simulation.ReceivedAt.Equal(at) {
			next.Control.Simulation = nil
		}
	})
}
