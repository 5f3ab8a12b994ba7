package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smart-traffic/trafficsync/internal/protocol"
	"github.com/smart-traffic/trafficsync/internal/store"
)

type fakePublisher struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     int
	got      chan struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{got: make(chan struct{}, 16)}
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defer func() { f.got <- struct{}{} }()
	if f.fail > 0 {
		f.fail--
		return errors.New("connection refused")
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakePublisher) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
	}
}

func TestRelay_PublishesDeltas(t *testing.T) {
	st := store.New(nil)
	defer st.Close()
	pub := newFakePublisher()
	pub.fail = 1

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	r := New(pub, "trafficsync:test", nil)
	go func() { done <- r.Run(ctx, st.Subscribe()) }()

	// the snapshot publish fails and is skipped
	pub.wait(t)

	st.SetMode(protocol.ModeManual)
	pub.wait(t)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.payloads) != 1 {
		t.Fatalf("expected 1 payload, got %d", len(pub.payloads))
	}
	var d struct {
		Version uint64
		Changed []string
		Fields  map[string]json.RawMessage
	}
	if err := json.Unmarshal(pub.payloads[0], &d); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if d.Version != 1 || len(d.Changed) != 1 || d.Changed[0] != "stats" {
		t.Errorf("unexpected delta %+v", d)
	}
	if _, ok := d.Fields["stats"]; !ok {
		t.Error("stats field missing")
	}
}

func TestRelay_StopsWhenStoreCloses(t *testing.T) {
	st := store.New(nil)
	pub := newFakePublisher()
	done := make(chan error, 1)
	go func() { done <- New(pub, "c", nil).Run(context.Background(), st.Subscribe()) }()

	pub.wait(t)
	st.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after store close")
	}
}
