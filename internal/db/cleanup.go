package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Cleanup deletes journal rows older than the retention duration
func (db *DB) Cleanup(ctx context.Context, retention time.Duration) error {
	hours := int(retention.Hours())
	if hours < 1 {
		hours = 1
	}

	queries := []struct {
		name  string
		query string
	}{
		{
			name:  "snapshots",
			query: fmt.Sprintf("DELETE FROM journal_snapshots WHERE datetime(recorded_at_utc) < datetime('now', '-%d hours')", hours),
		},
		{
			name:  "alerts",
			query: fmt.Sprintf("DELETE FROM journal_alerts WHERE datetime(last_seen_at) < datetime('now', '-%d hours')", hours),
		},
		{
			name:  "commands",
			query: fmt.Sprintf("DELETE FROM journal_commands WHERE datetime(sent_at_utc) < datetime('now', '-%d hours')", hours),
		},
	}

	db.LockWrite()
	defer db.UnlockWrite()

	totalDeleted := 0
	for _, q := range queries {
		result, err := db.conn.ExecContext(ctx, q.query)
		if err != nil {
			return fmt.Errorf("failed to cleanup %s: %w", q.name, err)
		}
		rows, _ := result.RowsAffected()
		totalDeleted += int(rows)
	}

	if totalDeleted > 0 {
		slog.Info("db: cleanup", "deleted", totalDeleted, "older_than_hours", hours)
	}
	return nil
}
