package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/smart-traffic/trafficsync/internal/protocol"
	"github.com/smart-traffic/trafficsync/internal/store"
)

var errOffline = errors.New("not connected")

type fakeSender struct {
	mu   sync.Mutex
	msgs []protocol.Message
	err  error
}

func (f *fakeSender) Send(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSender) sent() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.msgs...)
}

func newManualStore() *store.Store {
	st := store.New(nil)
	st.OnEvent(protocol.ModeChanged{Mode: protocol.ModeManual})
	return st
}

func TestController_NoCommandsInAutomation(t *testing.T) {
	st := store.New(nil)
	defer st.Close()
	sender := &fakeSender{}
	c := New(sender, st, Options{Batch: true}, nil)
	defer c.Close()

	if _, err := c.SetSignal("signal_1", protocol.ColorGreen); !errors.Is(err, ErrNotManual) {
		t.Errorf("SetSignal = %v, expected ErrNotManual", err)
	}
	if _, err := c.ResetAll(); !errors.Is(err, ErrNotManual) {
		t.Errorf("ResetAll = %v, expected ErrNotManual", err)
	}
	if _, err := c.Prioritize("signal_1"); !errors.Is(err, ErrNotManual) {
		t.Errorf("Prioritize = %v, expected ErrNotManual", err)
	}
	if n := len(sender.sent()); n != 0 {
		t.Errorf("sent %d messages in automation mode", n)
	}
	if sig := st.Snapshot().Control.Signals["signal_1"]; sig.State != protocol.ColorRed || sig.Pending != "" {
		t.Errorf("panel changed in automation mode: %+v", sig)
	}
}

func TestController_SetSignalSendsOneCommand(t *testing.T) {
	st := newManualStore()
	defer st.Close()
	sender := &fakeSender{}
	c := New(sender, st, Options{}, nil)
	defer c.Close()

	id, err := c.SetSignal("signal_2", protocol.ColorGreen)
	if err != nil {
		t.Fatalf("SetSignal failed: %v", err)
	}
	msgs := sender.sent()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, expected 1", len(msgs))
	}
	change, ok := msgs[0].Data.(protocol.ManualSignalChange)
	if !ok || msgs[0].Event != protocol.CommandManualSignalChange {
		t.Fatalf("unexpected message %+v", msgs[0])
	}
	if change.SignalID != "1" || change.NewState != protocol.ColorGreen || change.CommandID != id || change.Timestamp == 0 {
		t.Errorf("unexpected change %+v", change)
	}
	sig := st.Snapshot().Control.Signals["signal_2"]
	if sig.State != protocol.ColorGreen || sig.Pending != id {
		t.Errorf("optimistic update missing: %+v", sig)
	}

	if _, err := c.SetSignal("signal_9", protocol.ColorGreen); !errors.Is(err, ErrUnknownSignal) {
		t.Errorf("expected ErrUnknownSignal, got %v", err)
	}
}

func TestController_MultiSignalActions(t *testing.T) {
	tests := []struct {
		name      string
		batch     bool
		action    func(c *Controller) ([]string, error)
		wantMsgs  int
		wantGreen string
	}{
		{"reset batched", true, (*Controller).ResetAll, 1, ""},
		{"reset legacy", false, (*Controller).ResetAll, 4, ""},
		{"prioritize batched", true, func(c *Controller) ([]string, error) { return c.Prioritize("signal_3") }, 1, "signal_3"},
		{"prioritize legacy", false, func(c *Controller) ([]string, error) { return c.Prioritize("2") }, 4, "signal_3"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			st := newManualStore()
			defer st.Close()
			sender := &fakeSender{}
			c := New(sender, st, Options{Batch: tc.batch}, nil)
			defer c.Close()

			if _, err := tc.action(c); err != nil {
				t.Fatalf("action failed: %v", err)
			}
			msgs := sender.sent()
			if len(msgs) != tc.wantMsgs {
				t.Fatalf("sent %d messages, expected %d", len(msgs), tc.wantMsgs)
			}
			if tc.batch {
				batch, ok := msgs[0].Data.(protocol.ManualSignalBatch)
				if !ok || len(batch.Signals) != 4 || batch.BatchID == "" {
					t.Fatalf("unexpected batch %+v", msgs[0])
				}
				for i, s := range batch.Signals {
					if s.SignalID != string(rune('0'+i)) {
						t.Errorf("batch not ordered: %+v", batch.Signals)
					}
				}
			}
			for key, sig := range st.Snapshot().Control.Signals {
				want := protocol.ColorRed
				if key == tc.wantGreen {
					want = protocol.ColorGreen
				}
				if sig.State != want {
					t.Errorf("%s = %s, expected %s", key, sig.State, want)
				}
			}
		})
	}
}

func TestController_DefaultOptionsSendPerSignal(t *testing.T) {
	st := newManualStore()
	defer st.Close()
	sender := &fakeSender{}
	c := New(sender, st, Options{}, nil)
	defer c.Close()

	ids, err := c.ResetAll()
	if err != nil {
		t.Fatalf("ResetAll failed: %v", err)
	}
	msgs := sender.sent()
	if len(msgs) != 4 || len(ids) != 4 {
		t.Fatalf("sent %d messages with %d ids, expected 4", len(msgs), len(ids))
	}
	for i, msg := range msgs {
		change, ok := msg.Data.(protocol.ManualSignalChange)
		if !ok || msg.Event != protocol.CommandManualSignalChange {
			t.Fatalf("message %d: unexpected %+v", i, msg)
		}
		if change.NewState != protocol.ColorRed || change.CommandID != ids[i] {
			t.Errorf("message %d: unexpected change %+v", i, change)
		}
	}
}

func TestController_RollbackWithoutAck(t *testing.T) {
	st := newManualStore()
	defer st.Close()
	c := New(&fakeSender{}, st, Options{AckTimeout: 20 * time.Millisecond}, nil)
	defer c.Close()

	if _, err := c.SetSignal("signal_1", protocol.ColorGreen); err != nil {
		t.Fatalf("SetSignal failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		sig := st.Snapshot().Control.Signals["signal_1"]
		if sig.State == protocol.ColorRed && sig.Pending == "" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("command was not rolled back: %+v", sig)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestController_AckKeepsOptimisticState(t *testing.T) {
	st := newManualStore()
	defer st.Close()
	c := New(&fakeSender{}, st, Options{AckTimeout: 20 * time.Millisecond}, nil)
	defer c.Close()

	id, err := c.SetSignal("signal_1", protocol.ColorGreen)
	if err != nil {
		t.Fatalf("SetSignal failed: %v", err)
	}
	st.OnEvent(protocol.SignalStateUpdate{SignalID: "0", NewState: protocol.ColorGreen, CommandID: id})
	time.Sleep(60 * time.Millisecond)
	if sig := st.Snapshot().Control.Signals["signal_1"]; sig.State != protocol.ColorGreen || sig.Confirmed != protocol.ColorGreen {
		t.Errorf("acknowledged command rolled back: %+v", sig)
	}
}

func TestController_SendFailureRollsBack(t *testing.T) {
	st := newManualStore()
	defer st.Close()
	var journal []Command
	c := New(&fakeSender{err: errOffline}, st, Options{OnCommand: func(cmd Command) { journal = append(journal, cmd) }}, nil)
	defer c.Close()

	if _, err := c.SetSignal("signal_4", protocol.ColorGreen); !errors.Is(err, errOffline) {
		t.Fatalf("expected send error, got %v", err)
	}
	if sig := st.Snapshot().Control.Signals["signal_4"]; sig.State != protocol.ColorRed || sig.Pending != "" {
		t.Errorf("failed command not rolled back: %+v", sig)
	}
	if len(journal) != 1 || journal[0].Error == "" {
		t.Errorf("failed command not journaled: %+v", journal)
	}
}

func TestController_ToggleDroppedWhileDisconnected(t *testing.T) {
	st := store.New(nil)
	defer st.Close()
	sender := &fakeSender{err: errOffline}
	c := New(sender, st, Options{}, nil)
	defer c.Close()

	if err := c.ToggleManualMode(true); !errors.Is(err, errOffline) {
		t.Fatalf("expected dropped toggle, got %v", err)
	}
	if !st.Snapshot().Control.ManualMode {
		t.Error("toggle should be shown optimistically")
	}

	sender.mu.Lock()
	sender.err = nil
	sender.mu.Unlock()
	if n := len(sender.sent()); n != 0 {
		t.Errorf("dropped toggle was queued: %d messages", n)
	}
}

func TestController_SetOperatingMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != PathMode {
			http.NotFound(w, r)
			return
		}
		var req protocol.ModeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Mode != protocol.ModeManual && req.Mode != protocol.ModeAutomation {
			json.NewEncoder(w).Encode(protocol.ModeResponse{Success: false, Error: "invalid mode"})
			return
		}
		json.NewEncoder(w).Encode(protocol.ModeResponse{Success: true, Mode: req.Mode})
	}))
	defer srv.Close()

	st := store.New(nil)
	defer st.Close()
	c := New(&fakeSender{}, st, Options{REST: NewRESTClient(srv.URL, srv.Client())}, nil)
	defer c.Close()

	mode, err := c.SetOperatingMode(context.Background(), protocol.ModeManual)
	if err != nil || mode != protocol.ModeManual {
		t.Fatalf("SetOperatingMode = %q, %v", mode, err)
	}
	if st.Mode() != protocol.ModeManual {
		t.Errorf("store mode = %q after accepted switch", st.Mode())
	}

	if _, err := c.SetOperatingMode(context.Background(), protocol.Mode("chaos")); err == nil {
		t.Error("expected rejected mode to fail")
	}
	if st.Mode() != protocol.ModeManual {
		t.Error("rejected switch changed the store mode")
	}
}
