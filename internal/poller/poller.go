// Package poller refreshes REST snapshots on independent tickers.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smart-traffic/trafficsync/internal/metrics"
)

// DefaultTimeout bounds every poll request
const DefaultTimeout = 10 * time.Second

// Job is one polled resource. Apply decodes the body and merges it; a
// returned error leaves the previous value in place.
type Job struct {
	Name     string
	Path     string
	Interval time.Duration
	Apply    func(body []byte) error
}

// ResultFunc observes the outcome of every tick
type ResultFunc func(job string, err error, at time.Time)

// Options configure a Poller
type Options struct {
	Timeout  time.Duration
	OnResult ResultFunc
}

// Poller runs every job on its own ticker
type Poller struct {
	fetcher  Fetcher
	jobs     []Job
	timeout  time.Duration
	onResult ResultFunc
	log      *slog.Logger
	latency  *metrics.LatencyTracker
	triggers map[string]chan struct{}
}

// New creates a poller. Jobs without a positive interval are skipped.
func New(fetcher Fetcher, jobs []Job, opts Options, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	p := &Poller{
		fetcher:  fetcher,
		timeout:  opts.Timeout,
		onResult: opts.OnResult,
		log:      log.With("component", "poller"),
		latency:  metrics.NewLatencyTracker(),
		triggers: make(map[string]chan struct{}),
	}
	for _, job := range jobs {
		if job.Interval <= 0 {
			p.log.Info("poller: job disabled", "job", job.Name)
			continue
		}
		p.jobs = append(p.jobs, job)
		p.triggers[job.Name] = make(chan struct{}, 1)
	}
	return p
}

// Run polls until ctx is cancelled. It returns once every job goroutine
// has stopped its ticker.
func (p *Poller) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range p.jobs {
		trigger := p.triggers[job.Name]
		g.Go(func() error {
			p.runJob(gctx, job, trigger)
			return nil
		})
	}
	p.log.Info("poller: running", "jobs", len(p.jobs))
	err := g.Wait()
	p.log.Info("poller: stopped")
	return err
}

// Trigger requests an out-of-band refresh of one job. Triggers arriving
// while one is pending are merged. Returns false for an unknown job.
func (p *Poller) Trigger(name string) bool {
	ch, ok := p.triggers[name]
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

// Latency returns per-job request statistics
func (p *Poller) Latency() []metrics.Summary {
	return p.latency.Summaries()
}

func (p *Poller) runJob(ctx context.Context, job Job, trigger <-chan struct{}) {
	// initial poll immediately
	p.Tick(ctx, job)

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx, job)
		case <-trigger:
			p.Tick(ctx, job)
		}
	}
}

// Tick runs one fetch and apply cycle for job
func (p *Poller) Tick(ctx context.Context, job Job) error {
	start := time.Now()
	err := p.poll(ctx, job)
	if ctx.Err() != nil && err != nil {
		// shutting down, not a feed failure
		return err
	}
	p.latency.Observe(job.Name, time.Since(start), err)
	if err != nil {
		p.log.Warn("poller: poll failed", "job", job.Name, "error", err)
	} else {
		p.log.Debug("poller: polled", "job", job.Name, "took", time.Since(start))
	}
	if p.onResult != nil {
		p.onResult(job.Name, err, time.Now())
	}
	return err
}

func (p *Poller) poll(ctx context.Context, job Job) (err error) {
	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := p.fetcher.Get(reqCtx, job.Path)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%s timed out after %v: %w", job.Path, p.timeout, err)
		}
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("apply %s panicked: %v", job.Name, r)
		}
	}()
	if err := job.Apply(body); err != nil {
		return fmt.Errorf("failed to apply %s: %w", job.Name, err)
	}
	return nil
}
