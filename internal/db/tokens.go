package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/smart-traffic/trafficsync/internal/auth"
)

var _ auth.TokenStore = (*DB)(nil)

// LoadTokens returns the stored session, or zero tokens if there is none
func (db *DB) LoadTokens(ctx context.Context) (auth.Tokens, error) {
	var t auth.Tokens
	var updated string
	err := db.conn.QueryRowContext(ctx,
		"SELECT access_token, refresh_token, updated_at FROM auth_tokens WHERE id = 1",
	).Scan(&t.Access, &t.Refresh, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Tokens{}, nil
	}
	if err != nil {
		return auth.Tokens{}, fmt.Errorf("failed to load tokens: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339, updated); err == nil {
		t.UpdatedAt = ts
	}
	return t, nil
}

// SaveTokens replaces the stored session
func (db *DB) SaveTokens(ctx context.Context, t auth.Tokens) error {
	db.LockWrite()
	defer db.UnlockWrite()

	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO auth_tokens (id, access_token, refresh_token, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			updated_at = excluded.updated_at
	`, t.Access, t.Refresh, updated.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save tokens: %w", err)
	}
	return nil
}

// ClearTokens deletes the stored session
func (db *DB) ClearTokens(ctx context.Context) error {
	db.LockWrite()
	defer db.UnlockWrite()

	if _, err := db.conn.ExecContext(ctx, "DELETE FROM auth_tokens"); err != nil {
		return fmt.Errorf("failed to clear tokens: %w", err)
	}
	return nil
}
