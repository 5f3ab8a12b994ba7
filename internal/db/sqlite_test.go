package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/smart-traffic/trafficsync/internal/auth"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Connect(filepath.Join(t.TempDir(), "trafficsync.db"))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	return database
}

func TestTokens(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)

	empty, err := database.LoadTokens(ctx)
	if err != nil || empty.Access != "" {
		t.Fatalf("expected no tokens, got %+v, %v", empty, err)
	}

	if err := database.SaveTokens(ctx, auth.Tokens{Access: "a1", Refresh: "r1"}); err != nil {
		t.Fatalf("SaveTokens failed: %v", err)
	}
	if err := database.SaveTokens(ctx, auth.Tokens{Access: "a2", Refresh: "r2"}); err != nil {
		t.Fatalf("SaveTokens failed: %v", err)
	}
	got, err := database.LoadTokens(ctx)
	if err != nil {
		t.Fatalf("LoadTokens failed: %v", err)
	}
	if got.Access != "a2" || got.Refresh != "r2" || got.UpdatedAt.IsZero() {
		t.Errorf("unexpected tokens %+v", got)
	}

	if err := database.ClearTokens(ctx); err != nil {
		t.Fatalf("ClearTokens failed: %v", err)
	}
	if got, _ := database.LoadTokens(ctx); got.Access != "" {
		t.Errorf("tokens survived ClearTokens: %+v", got)
	}
}

func TestJournal(t *testing.T) {
	ctx := context.Background()
	database := openTestDB(t)
	now := time.Now()

	alerts := []Alert{
		{AlertID: "1", Type: "ambulance", Severity: "high", Status: "active"},
		{AlertID: "2", Type: "accident", Severity: "low"},
	}
	if err := database.UpsertAlerts(ctx, alerts, now); err != nil {
		t.Fatalf("UpsertAlerts failed: %v", err)
	}
	alerts[0].Status = "cleared"
	if err := database.UpsertAlerts(ctx, alerts[:1], now.Add(time.Second)); err != nil {
		t.Fatalf("UpsertAlerts failed: %v", err)
	}
	if n, err := database.CountAlerts(ctx); err != nil || n != 2 {
		t.Errorf("CountAlerts = %d, %v, expected 2", n, err)
	}

	cmd := Command{CommandID: "c1", Event: "manual_signal_batch", SentAt: now,
		Signals: []SignalChange{{SignalID: "0", NewState: "green"}, {SignalID: "1", NewState: "red"}}}
	if err := database.InsertCommand(ctx, cmd); err != nil {
		t.Fatalf("InsertCommand failed: %v", err)
	}
	if err := database.InsertCommand(ctx, Command{CommandID: "c2", Event: "manual_mode_toggle", SentAt: now, Error: "not connected"}); err != nil {
		t.Fatalf("InsertCommand failed: %v", err)
	}
	recent, err := database.RecentCommands(ctx, 10)
	if err != nil {
		t.Fatalf("RecentCommands failed: %v", err)
	}
	if len(recent) != 2 || recent[0].CommandID != "c2" || len(recent[1].Signals) != 2 {
		t.Errorf("unexpected commands %+v", recent)
	}

	id, err := database.CreateSnapshot(ctx, Snapshot{RecordedAt: now, Version: 7, Mode: "manual", ConnectionState: "connected"})
	if err != nil || id == "" {
		t.Fatalf("CreateSnapshot = %q, %v", id, err)
	}

	if err := database.Cleanup(ctx, time.Hour); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if n, _ := database.CountAlerts(ctx); n != 2 {
		t.Errorf("cleanup removed fresh alerts: %d left", n)
	}
}
