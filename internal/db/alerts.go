package db

import (
	"context"
	"fmt"
	"time"
)

// Alert represents an alert log entry for the journal
type Alert struct {
	AlertID   string
	Type      string
	Severity  string
	Message   string
	Location  string
	Timestamp string
	Status    string
	Source    string
}

// UpsertAlerts records alerts, keeping the first time each was seen
func (db *DB) UpsertAlerts(ctx context.Context, alerts []Alert, seenAt time.Time) error {
	if len(alerts) == 0 {
		return nil
	}

	db.LockWrite()
	defer db.UnlockWrite()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO journal_alerts (alert_id, alert_type, severity, message, location,
			alert_timestamp, status, source, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (alert_id) DO UPDATE SET
			status = excluded.status,
			last_seen_at = excluded.last_seen_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare alert statement: %w", err)
	}
	defer stmt.Close()

	seen := seenAt.UTC().Format(time.RFC3339)
	for _, a := range alerts {
		_, err := stmt.ExecContext(ctx,
			a.AlertID, a.Type, a.Severity, a.Message, a.Location,
			a.Timestamp, a.Status, a.Source, seen, seen,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert alert %s: %w", a.AlertID, err)
		}
	}

	return tx.Commit()
}

// CountAlerts returns how many distinct alerts were journaled
func (db *DB) CountAlerts(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM journal_alerts").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count alerts: %w", err)
	}
	return n, nil
}
