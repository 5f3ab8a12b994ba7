package poller

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smart-traffic/trafficsync/internal/store"
)

type tickResult struct {
	job    string
	err    error
	alerts int
}

// syncBuffer guards a log buffer written from job goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestPoller_EmergencyAlertsTimeoutRetainsLog(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PathEmergencyAlerts {
			http.NotFound(w, r)
			return
		}
		switch requests.Add(1) {
		case 1:
			fmt.Fprint(w, `{"alerts":[{"id":1,"type":"ambulance","priority":"high","status":"active"}]}`)
		case 2:
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		default:
			fmt.Fprint(w, `{"alerts":[{"id":1,"type":"ambulance"},{"id":2,"type":"fire_truck"}]}`)
		}
	}))
	defer srv.Close()

	st := store.New(nil)
	defer st.Close()

	results := make(chan tickResult, 16)
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))

	iv := Intervals{EmergencyAlerts: 30 * time.Millisecond}
	p := New(NewHTTPFetcher(srv.URL), StandardJobs(st, iv), Options{
		Timeout: 50 * time.Millisecond,
		OnResult: func(job string, err error, at time.Time) {
			results <- tickResult{job: job, err: err, alerts: len(st.Snapshot().Alerts)}
		},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	var got []tickResult
	for len(got) < 3 {
		select {
		case r := <-results:
			got = append(got, r)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d ticks", len(got))
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}

	if got[0].err != nil || got[0].alerts != 1 {
		t.Errorf("first tick = %+v, expected success with 1 alert", got[0])
	}
	if got[1].err == nil {
		t.Fatal("second tick should have timed out")
	}
	if got[1].alerts != 1 {
		t.Errorf("alert log not retained after failure: %d alerts", got[1].alerts)
	}
	if got[2].err != nil || got[2].alerts != 2 {
		t.Errorf("third tick = %+v, expected success with 2 alerts", got[2])
	}
	if n := strings.Count(logs.String(), "poll failed"); n != 1 {
		t.Errorf("logged %d failures, expected 1", n)
	}

	sums := p.Latency()
	if len(sums) != 1 || sums[0].Failures != 1 || sums[0].Count < 2 {
		t.Errorf("unexpected latency summary %+v", sums)
	}
}

type fetchFunc func(ctx context.Context, path string) ([]byte, error)

func (f fetchFunc) Get(ctx context.Context, path string) ([]byte, error) { return f(ctx, path) }

func TestPoller_ApplyPanicCountsAsFailure(t *testing.T) {
	var calls atomic.Int32
	results := make(chan error, 8)
	job := Job{Name: "flaky", Path: "/x", Interval: 20 * time.Millisecond, Apply: func([]byte) error {
		if calls.Add(1) == 1 {
			panic("bad payload")
		}
		return nil
	}}
	fetch := fetchFunc(func(context.Context, string) ([]byte, error) { return []byte(`{}`), nil })
	p := New(fetch, []Job{job}, Options{OnResult: func(_ string, err error, _ time.Time) { results <- err }}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	first := <-results
	if first == nil || !strings.Contains(first.Error(), "panicked") {
		t.Fatalf("expected panic to surface as error, got %v", first)
	}
	select {
	case err := <-results:
		if err != nil {
			t.Errorf("next tick failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poller stopped after panic")
	}
}

func TestPoller_TriggerCoalesces(t *testing.T) {
	var fetches atomic.Int32
	firstDone := make(chan struct{})
	fetch := fetchFunc(func(context.Context, string) ([]byte, error) {
		if fetches.Add(1) == 1 {
			close(firstDone)
		}
		return []byte(`{}`), nil
	})
	job := Job{Name: JobJunctions, Path: PathJunctions, Interval: time.Hour, Apply: func([]byte) error { return nil }}
	p := New(fetch, []Job{job}, Options{}, nil)

	if p.Trigger("nope") {
		t.Error("Trigger accepted an unknown job")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	<-firstDone

	for i := 0; i < 10; i++ {
		p.Trigger(JobJunctions)
	}
	time.Sleep(100 * time.Millisecond)
	n := fetches.Load()
	if n < 2 || n > 3 {
		t.Errorf("got %d fetches for a burst of triggers, expected 2 or 3", n)
	}
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	fetch := fetchFunc(func(ctx context.Context, _ string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	jobs := StandardJobs(store.New(nil), DefaultIntervals())
	p := New(fetch, jobs, Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHTTPFetcher_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPFetcher(srv.URL).Get(context.Background(), PathAnalytics)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected StatusError 503, got %v", err)
	}
}

func TestStandardJobs_DecodeErrorsKeepState(t *testing.T) {
	st := store.New(nil)
	defer st.Close()

	jobs := StandardJobs(st, DefaultIntervals())
	if len(jobs) != 6 {
		t.Fatalf("expected 6 standard jobs, got %d", len(jobs))
	}
	for _, job := range jobs {
		if err := job.Apply([]byte(`not json`)); err == nil {
			t.Errorf("%s accepted malformed body", job.Name)
		}
	}
	if st.Snapshot().Version != 0 {
		t.Error("malformed bodies should not change state")
	}
}
