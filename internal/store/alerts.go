package store

import "github.com/smart-traffic/trafficsync/internal/protocol"

// seenCapacity bounds how many evicted alert ids are remembered
const seenCapacity = 256

// seenSet remembers alert ids that already went through the log, so a
// poll returning an evicted alert does not bring it back.
type seenSet struct {
	ids   map[protocol.FlexID]struct{}
	order []protocol.FlexID
	limit int
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{ids: make(map[protocol.FlexID]struct{}, limit), limit: limit}
}

func (s *seenSet) has(id protocol.FlexID) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *seenSet) add(id protocol.FlexID) {
	if s.has(id) {
		return
	}
	if len(s.order) >= s.limit {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
}

// prependAlerts inserts alerts at the head of log in the given order, so
// the last one ends up first. Duplicates by id are discarded. Returns a
// new slice and the alerts actually inserted.
func prependAlerts(log []protocol.Alert, seen *seenSet, incoming []protocol.Alert) ([]protocol.Alert, []protocol.Alert) {
	var added []protocol.Alert
	for _, a := range incoming {
		if a.ID == "" || seen.has(a.ID) {
			continue
		}
		seen.add(a.ID)
		added = append(added, a)
	}
	if len(added) == 0 {
		return log, nil
	}

	n := len(added) + len(log)
	if n > MaxAlerts {
		n = MaxAlerts
	}
	out := make([]protocol.Alert, 0, n)
	for i := len(added) - 1; i >= 0 && len(out) < MaxAlerts; i-- {
		out = append(out, added[i])
	}
	for _, a := range log {
		if len(out) >= MaxAlerts {
			break
		}
		out = append(out, a)
	}
	return out, added
}

// clearEmergencies marks active ambulance alerts as cleared
func clearEmergencies(log []protocol.Alert) ([]protocol.Alert, bool) {
	var out []protocol.Alert
	for i, a := range log {
		if a.Type != protocol.VehicleAmbulance || a.Status != protocol.AlertActive {
			continue
		}
		if out == nil {
			out = make([]protocol.Alert, len(log))
			copy(out, log)
		}
		out[i].Status = protocol.AlertCleared
	}
	if out == nil {
		return log, false
	}
	return out, true
}
