package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Snapshot summarizes the live state at one instant
type Snapshot struct {
	RecordedAt       time.Time
	Version          uint64
	Mode             string
	ConnectionState  string
	VehiclesDetected int
	SignalCount      int
	AlertCount       int
	VehicleSource    string
}

// CreateSnapshot records a state summary and returns its ID
func (db *DB) CreateSnapshot(ctx context.Context, s Snapshot) (string, error) {
	db.LockWrite()
	defer db.UnlockWrite()

	snapshotID := uuid.New().String()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO journal_snapshots (snapshot_id, recorded_at_utc, state_version, mode,
			connection_state, vehicles_detected, signal_count, alert_count, vehicle_source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, snapshotID, s.RecordedAt.UTC().Format(time.RFC3339), int64(s.Version), s.Mode,
		s.ConnectionState, s.VehiclesDetected, s.SignalCount, s.AlertCount, s.VehicleSource)
	if err != nil {
		return "", fmt.Errorf("failed to create snapshot: %w", err)
	}
	return snapshotID, nil
}

// SignalChange is one signal of a journaled command
type SignalChange struct {
	SignalID string `json:"signal_id"`
	NewState string `json:"new_state"`
}

// Command represents an outbound manual command
type Command struct {
	CommandID string
	Event     string
	Signals   []SignalChange
	SentAt    time.Time
	Error     string
}

// InsertCommand journals one outbound command
func (db *DB) InsertCommand(ctx context.Context, c Command) error {
	signals := c.Signals
	if signals == nil {
		signals = []SignalChange{}
	}
	encoded, err := json.Marshal(signals)
	if err != nil {
		return fmt.Errorf("failed to encode signals: %w", err)
	}

	db.LockWrite()
	defer db.UnlockWrite()

	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO journal_commands (command_id, event, signals, sent_at_utc, error) VALUES (?, ?, ?, ?, ?)",
		c.CommandID, c.Event, string(encoded), c.SentAt.UTC().Format(time.RFC3339), c.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert command %s: %w", c.CommandID, err)
	}
	return nil
}

// RecentCommands returns the newest commands first
func (db *DB) RecentCommands(ctx context.Context, limit int) ([]Command, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT command_id, event, signals, sent_at_utc, error FROM journal_commands ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	var out []Command
	for rows.Next() {
		var c Command
		var signals, sentAt string
		if err := rows.Scan(&c.CommandID, &c.Event, &signals, &sentAt, &c.Error); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		if err := json.Unmarshal([]byte(signals), &c.Signals); err != nil {
			return nil, fmt.Errorf("failed to decode signals of %s: %w", c.CommandID, err)
		}
		c.SentAt, _ = time.Parse(time.RFC3339, sentAt)
		out = append(out, c)
	}
	return out, rows.Err()
}
