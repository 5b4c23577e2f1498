package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/cyberrange/pkg/jobs"
	"github.com/cuemby/cyberrange/pkg/log"
	"github.com/cuemby/cyberrange/pkg/metrics"
)

const (
	// DefaultInterval is the period between maintenance cycles
	DefaultInterval = 30 * time.Second

	pingTimeout = 5 * time.Second
)

// Jobs is the part of the job engine the reconciler drives
type Jobs interface {
	Reconcile(ctx context.Context) (jobs.ReconcileResult, error)
	CollectGarbage(now time.Time) (int, error)
}

// Ranges recomputes derived range state
type Ranges interface {
	Resync() error
}

// Pinger checks the container runtime is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// EventPruner removes event log entries past retention
type EventPruner interface {
	PruneEvents(before time.Time) (int, error)
}

// Config holds reconciler configuration
type Config struct {
	Interval time.Duration

	// EventRetention is how long events are kept; 0 keeps them until the
	// range is deleted
	EventRetention time.Duration
}

// Reconciler settles state left by a previous run and keeps long-lived
// state tidy while the server runs
type Reconciler struct {
	jobs   Jobs
	ranges Ranges
	rt     Pinger
	events EventPruner
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReconciler creates a new reconciler. events may be nil.
func NewReconciler(j Jobs, ranges Ranges, rt Pinger, events EventPruner, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Reconciler{
		jobs:   j,
		ranges: ranges,
		rt:     rt,
		events: events,
		cfg:    cfg,
		logger: log.WithComponent("reconciler"),
	}
}

// Recover settles jobs the previous process left non-terminal, then
// recomputes every range's status. It must run before the API accepts
// requests.
func (r *Reconciler) Recover(ctx context.Context) error {
	res, err := r.jobs.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("failed to reconcile jobs: %w", err)
	}
	if err := r.ranges.Resync(); err != nil {
		return fmt.Errorf("failed to resync ranges: %w", err)
	}
	r.logger.Info().
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Int("cancelled", res.Cancelled).
		Msg("Startup recovery complete")
	return nil
}

// Start begins the maintenance loop
func (r *Reconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		return
	}
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.run(r.stopCh, r.doneCh)
}

// Stop stops the maintenance loop and waits for a running cycle to end
func (r *Reconciler) Stop() {
	r.mu.Lock()
	stopCh, doneCh := r.stopCh, r.doneCh
	r.stopCh, r.doneCh = nil, nil
	r.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

func (r *Reconciler) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stopCh
		cancel()
	}()

	r.Tick(ctx, time.Now())
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			r.Tick(ctx, now)
		case <-stopCh:
			return
		}
	}
}

// Tick performs one maintenance cycle
func (r *Reconciler) Tick(ctx context.Context, now time.Time) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.checkRuntime(ctx)

	if n, err := r.jobs.CollectGarbage(now); err != nil {
		r.logger.Warn().Err(err).Msg("Job retention pass failed")
	} else if n > 0 {
		metrics.JobsCollected.Add(float64(n))
		r.logger.Debug().Int("removed", n).Msg("Collected terminal jobs")
	}

	if r.events != nil && r.cfg.EventRetention > 0 {
		n, err := r.events.PruneEvents(now.Add(-r.cfg.EventRetention))
		if err != nil {
			r.logger.Warn().Err(err).Msg("Event retention pass failed")
		} else if n > 0 {
			r.logger.Debug().Int("removed", n).Msg("Pruned events")
		}
	}
}

func (r *Reconciler) checkRuntime(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := r.rt.Ping(pctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		if metrics.ComponentHealthy(metrics.ComponentRuntime) {
			r.logger.Warn().Err(err).Msg("Container runtime unreachable")
		}
		metrics.UpdateComponent(metrics.ComponentRuntime, false, err.Error())
		return
	}
	if !metrics.ComponentHealthy(metrics.ComponentRuntime) {
		r.logger.Info().Msg("Container runtime reachable")
	}
	metrics.UpdateComponent(metrics.ComponentRuntime, true, "ok")
}
