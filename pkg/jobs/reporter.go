package jobs

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/cuemby/cyberrange/pkg/metrics"
	"github.com/cuemby/cyberrange/pkg/types"
)

// Reporter is a job's handle for progress updates. It is safe for use by
// the goroutines of a single job's work function.
type Reporter struct {
	e       *Engine
	logger  zerolog.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	job    types.Job
	sealed bool
}

func newReporter(e *Engine, job *types.Job, logger zerolog.Logger) *Reporter {
	limit := rate.Inf
	if e.cfg.ProgressInterval > 0 {
		limit = rate.Every(e.cfg.ProgressInterval)
	}
	return &Reporter{
		e:       e,
		logger:  logger,
		limiter: rate.NewLimiter(limit, 1),
		job:     *job,
	}
}

// JobID returns the id of the job being reported on
func (r *Reporter) JobID() string {
	return r.job.ID
}

// Job returns a copy of the job as the worker currently sees it
func (r *Reporter) Job() types.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}

// Progress returns the current progress
func (r *Reporter) Progress() types.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job.Progress
}

// Update sets absolute progress. total <= 0 leaves the total unchanged. An
// update below the current value is ignored and reported as
// ErrProgressRegression.
func (r *Reporter) Update(current, total int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(current, total)
}

func (r *Reporter) applyLocked(current, total int64) error {
	if r.sealed {
		return nil
	}

	p := &r.job.Progress
	if current < p.Current {
		metrics.ProgressRegressions.WithLabelValues(string(r.job.Kind)).Inc()
		r.logger.Warn().
			Int64("current", p.Current).
			Int64("update", current).
			Msg("Ignoring out-of-order progress update")
		return fmt.Errorf("%w: %d after %d", ErrProgressRegression, current, p.Current)
	}

	p.Current = current
	if total > 0 {
		p.Total = total
	}
	if p.Total > 0 && p.Total < p.Current {
		p.Total = p.Current
	}
	if r.limiter.Allow() {
		r.persistLocked()
	}
	return nil
}

// Add advances progress by delta
func (r *Reporter) Add(delta int64) error {
	if delta < 0 {
		return fmt.Errorf("%w: negative delta %d", ErrProgressRegression, delta)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(r.job.Progress.Current+delta, 0)
}

// SetTotal records the total once it becomes known
func (r *Reporter) SetTotal(total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed || total <= 0 {
		return
	}
	r.job.Progress.Total = total
	if total < r.job.Progress.Current {
		r.job.Progress.Total = r.job.Progress.Current
	}
}

// Step advances a step-counted job by one and records message. Steps are
// coarse, so they always persist.
func (r *Reporter) Step(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.job.Progress.Current++
	if r.job.Progress.Total > 0 && r.job.Progress.Current > r.job.Progress.Total {
		r.job.Progress.Total = r.job.Progress.Current
	}
	r.job.Message = message
	r.persistLocked()
}

// SetMessage records a human-readable status line
func (r *Reporter) SetMessage(message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return
	}
	r.job.Message = message
	r.persistLocked()
}

// Flush persists the current progress regardless of throttling
func (r *Reporter) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sealed {
		r.persistLocked()
	}
}

func (r *Reporter) persistLocked() {
	snapshot := r.job
	if err := r.e.store.UpdateJob(&snapshot); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to persist job progress")
	}
	if r.e.pub == nil || r.job.RangeID == "" {
		return
	}
	p := snapshot.Progress
	entry := &types.EventLogEntry{
		RangeID: snapshot.RangeID,
		JobID:   snapshot.ID,
		Type:    types.EventJobProgress,
		Message: snapshot.Message,
		Data: map[string]string{
			"kind":    string(snapshot.Kind),
			"unit":    string(p.Unit),
			"current": strconv.FormatInt(p.Current, 10),
			"total":   strconv.FormatInt(p.Total, 10),
		},
	}
	if snapshot.Target.Type == types.TargetVM {
		entry.VMID = snapshot.Target.ID
	}
	r.e.pub.Notify(entry)
}

// seal stops further updates and returns the final view of the job
func (r *Reporter) seal() types.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	return r.job
}
