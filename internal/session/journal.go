package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/smart-traffic/trafficsync/internal/control"
	"github.com/smart-traffic/trafficsync/internal/db"
	"github.com/smart-traffic/trafficsync/internal/store"
)

const (
	snapshotInterval = time.Minute
	cleanupInterval  = time.Hour
	journalTimeout   = 5 * time.Second
)

// journal writes alerts, commands and periodic state summaries to sqlite.
// It is diagnostic only; live state is never restored from it.
type journal struct {
	db        *db.DB
	retention time.Duration
	log       *slog.Logger
}

func newJournal(database *db.DB, retention time.Duration, log *slog.Logger) *journal {
	return &journal{db: database, retention: retention, log: log.With("component", "journal")}
}

// run records every alert log change and a summary per snapshotInterval
func (j *journal) run(ctx context.Context, sub *store.Subscription) error {
	defer sub.Close()
	snapshots := time.NewTicker(snapshotInterval)
	defer snapshots.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	var latest store.State
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-sub.Updates():
			if !ok {
				return nil
			}
			latest = u.State
			if u.Changed.Has(store.FieldAlerts) {
				j.recordAlerts(ctx, u.State)
			}
		case <-snapshots.C:
			j.recordSnapshot(ctx, latest)
		case <-cleanup.C:
			j.cleanup(ctx)
		}
	}
}

func (j *journal) recordAlerts(ctx context.Context, state store.State) {
	if len(state.Alerts) == 0 {
		return
	}
	rows := make([]db.Alert, 0, len(state.Alerts))
	for _, a := range state.Alerts {
		rows = append(rows, db.Alert{
			AlertID:   string(a.ID),
			Type:      a.Type,
			Severity:  string(a.Severity),
			Message:   a.Message,
			Location:  a.Location,
			Timestamp: a.Timestamp,
			Status:    a.Status,
			Source:    a.Source,
		})
	}
	ctx, cancel := context.WithTimeout(ctx, journalTimeout)
	defer cancel()
	if err := j.db.UpsertAlerts(ctx, rows, time.Now()); err != nil {
		j.log.Warn("journal: failed to record alerts", "error", err)
	}
}

func (j *journal) recordSnapshot(ctx context.Context, state store.State) {
	ctx, cancel := context.WithTimeout(ctx, journalTimeout)
	defer cancel()
	_, err := j.db.CreateSnapshot(ctx, db.Snapshot{
		RecordedAt:       time.Now(),
		Version:          state.Version,
		Mode:             string(state.Stats.Mode),
		ConnectionState:  state.Connection.State.String(),
		VehiclesDetected: state.Stats.VehiclesDetected,
		SignalCount:      len(state.Signals.Signals),
		AlertCount:       len(state.Alerts),
		VehicleSource:    state.Vehicles.Best.Source,
	})
	if err != nil {
		j.log.Warn("journal: failed to record snapshot", "error", err)
	}
}

func (j *journal) cleanup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, journalTimeout)
	defer cancel()
	if err := j.db.Cleanup(ctx, j.retention); err != nil {
		j.log.Warn("journal: cleanup failed", "error", err)
	}
}

// recordCommand is the controller's OnCommand hook. It runs on the
// caller's goroutine, so the write is bounded by journalTimeout.
func (j *journal) recordCommand(cmd control.Command) {
	signals := make([]db.SignalChange, 0, len(cmd.Signals))
	for _, t := range cmd.Signals {
		signals = append(signals, db.SignalChange{SignalID: t.SignalID, NewState: string(t.NewState)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
	defer cancel()
	err := j.db.InsertCommand(ctx, db.Command{
		CommandID: cmd.ID,
		Event:     cmd.Event,
		Signals:   signals,
		SentAt:    cmd.SentAt,
		Error:     cmd.Error,
	})
	if err != nil {
		j.log.Warn("journal: failed to record command", "command_id", cmd.ID, "error", err)
	}
}
