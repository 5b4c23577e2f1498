package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/cyberrange/pkg/log"
	"github.com/cuemby/cyberrange/pkg/metrics"
	"github.com/cuemby/cyberrange/pkg/storage"
	"github.com/cuemby/cyberrange/pkg/types"
)

var (
	// ErrNotFound is returned for unknown job ids
	ErrNotFound = errors.New("job not found")

	// ErrAlreadyTerminal is returned when cancelling a finished job
	ErrAlreadyTerminal = errors.New("job already terminal")

	// ErrProgressRegression is returned by the Reporter for out-of-order updates
	ErrProgressRegression = errors.New("progress moved backwards")

	// ErrJobClaimed means another writer changed the job record underneath
	// its worker. The worker aborts without writing.
	ErrJobClaimed = errors.New("job claimed by another worker")

	// ErrCancelled is the cancellation cause of a job cancelled by request
	ErrCancelled = errors.New("cancelled")

	// ErrTimeout is the cancellation cause of a job that exceeded its timeout
	ErrTimeout = errors.New("timed out")

	// ErrStopped is returned by Submit after Stop
	ErrStopped = errors.New("job engine stopped")

	errShutdown = errors.New("engine shutting down")
)

// Work is the body of a job. It must leave its target in a consistent state
// when ctx is cancelled, rolling back any runtime resources it created.
type Work func(ctx context.Context, r *Reporter) error

// Spec describes a job to submit
type Spec struct {
	Kind     types.JobKind
	Target   types.Target
	RangeID  string
	ParentID string
	Refs     []string
	Unit     types.ProgressUnit
	Message  string
	Timeout  time.Duration // 0 uses Config.DefaultTimeout outside the coordinator pool
	Attempt  int
	Work     Work
}

// Publisher receives job state changes and progress ticks
type Publisher interface {
	Publish(entry *types.EventLogEntry) error
	Notify(entry *types.EventLogEntry)
}

// Config holds engine configuration
type Config struct {
	Pools            PoolSizes
	DefaultTimeout   time.Duration
	ProgressInterval time.Duration
	Retention        time.Duration
}

type handle struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// Engine runs jobs under durable records. Only the goroutine executing a job
// writes its record; every other caller reads, or requests cancellation
// through the store.
type Engine struct {
	store    storage.Store
	pub      Publisher
	cfg      Config
	pools    map[Pool]*semaphore.Weighted
	checkers map[types.JobKind]Checker
	logger   zerolog.Logger

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool

	// refsMu is held shared while a job holding artifact refs is recorded
	refsMu sync.RWMutex

	ctx  context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup
}

// NewEngine creates a job engine. pub may be nil.
func NewEngine(store storage.Store, pub Publisher, cfg Config) *Engine {
	cfg.Pools = cfg.Pools.withDefaults()
	ctx, stop := context.WithCancelCause(context.Background())

	pools := make(map[Pool]*semaphore.Weighted, 3)
	for _, p := range []Pool{PoolCoordinator, PoolLifecycle, PoolTransfer} {
		pools[p] = semaphore.NewWeighted(int64(cfg.Pools.size(p)))
	}

	return &Engine{
		store:    store,
		pub:      pub,
		cfg:      cfg,
		pools:    pools,
		checkers: make(map[types.JobKind]Checker),
		logger:   log.WithComponent("jobs"),
		handles:  make(map[string]*handle),
		ctx:      ctx,
		stop:     stop,
	}
}

// Submit starts a job unless one is already active for the same kind and
// target, in which case the active job is returned and created is false
func (e *Engine) Submit(spec Spec) (job *types.Job, created bool, err error) {
	if spec.Work == nil {
		return nil, false, fmt.Errorf("job %s for %s has no work", spec.Kind, spec.Target)
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, false, ErrStopped
	}

	if len(spec.Refs) > 0 {
		e.refsMu.RLock()
		defer e.refsMu.RUnlock()
	}

	job = e.newJob(spec)
	stored, created, err := e.store.CreateJobIfAbsent(job)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}
	if !created {
		metrics.JobsDeduplicated.WithLabelValues(string(spec.Kind)).Inc()
		e.logger.Debug().
			Str("job_id", stored.ID).
			Str("kind", string(spec.Kind)).
			Str("target", spec.Target.String()).
			Msg("Submission joined active job")
		return stored, false, nil
	}
	metrics.JobsSubmitted.WithLabelValues(string(spec.Kind)).Inc()

	ctx, cancel := context.WithCancelCause(e.ctx)
	h := &handle{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel(errShutdown)
		return nil, false, ErrStopped
	}
	e.handles[job.ID] = h
	e.wg.Add(1)
	e.mu.Unlock()

	e.publishState(job)
	snapshot := *job
	go e.run(ctx, h, job, spec.Work)
	return &snapshot, true, nil
}

// ExclusiveRefs runs fn while submissions of jobs that hold artifact refs
// wait. Jobs fn finds active are the only holders until it returns.
func (e *Engine) ExclusiveRefs(fn func() error) error {
	e.refsMu.Lock()
	defer e.refsMu.Unlock()
	return fn()
}

// Complete records a job that succeeded without doing any work, such as an
// ensure for an artifact that is already cached. An active job for the same
// kind and target is returned instead when one exists.
func (e *Engine) Complete(spec Spec, message string) (*types.Job, error) {
	job := e.newJob(spec)
	now := time.Now()
	job.State = types.JobStateSucceeded
	job.Message = message
	job.StartedAt = now
	job.FinishedAt = now

	stored, created, err := e.store.CreateJobIfAbsent(job)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if created {
		metrics.JobsSubmitted.WithLabelValues(string(job.Kind)).Inc()
		metrics.JobsFinished.WithLabelValues(string(job.Kind), string(job.State)).Inc()
		e.publishState(job)
	}
	return stored, nil
}

func (e *Engine) newJob(spec Spec) *types.Job {
	timeout := spec.Timeout
	if timeout == 0 && PoolFor(spec.Kind) != PoolCoordinator {
		timeout = e.cfg.DefaultTimeout
	}
	unit := spec.Unit
	if unit == "" {
		unit = types.ProgressSteps
	}
	attempt := spec.Attempt
	if attempt < 1 {
		attempt = 1
	}
	return &types.Job{
		ID:        uuid.New().String(),
		Kind:      spec.Kind,
		Target:    spec.Target,
		RangeID:   spec.RangeID,
		ParentID:  spec.ParentID,
		Refs:      spec.Refs,
		State:     types.JobStateQueued,
		Progress:  types.Progress{Unit: unit},
		Message:   spec.Message,
		Timeout:   timeout,
		Attempt:   attempt,
		CreatedAt: time.Now(),
	}
}

func (e *Engine) run(ctx context.Context, h *handle, job *types.Job, work Work) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.handles, job.ID)
		e.mu.Unlock()
		h.cancel(nil)
		close(h.done)
	}()

	logger := e.logger.With().
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("target", job.Target.String()).
		Logger()

	pool := PoolFor(job.Kind)
	sem := e.pools[pool]
	if err := sem.Acquire(ctx, 1); err != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, errShutdown) {
			return
		}
		job.State = types.JobStateCancelled
		job.Error = "cancelled before start"
		e.finish(job, types.JobStateQueued, logger)
		return
	}
	defer sem.Release(1)

	current, err := e.store.TransitionJob(job.ID, types.JobStateQueued, types.JobStateRunning)
	if err != nil {
		e.violation(job, err, logger)
		return
	}
	job = current
	job.StartedAt = time.Now()
	if err := e.store.UpdateJob(job); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist job start")
	}
	e.publishState(job)
	logger.Debug().Msg("Job started")

	metrics.JobsRunning.WithLabelValues(string(pool)).Inc()
	defer metrics.JobsRunning.WithLabelValues(string(pool)).Dec()

	runCtx := ctx
	if job.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeoutCause(ctx, job.Timeout, ErrTimeout)
		defer cancel()
	}

	rep := newReporter(e, job, logger)
	timer := metrics.NewTimer()
	werr := e.execute(runCtx, work, rep, logger)
	final := rep.seal()
	timer.ObserveDurationVec(metrics.JobDuration, string(job.Kind))

	var pe *panicError
	switch {
	case werr == nil:
		final.State = types.JobStateSucceeded
		if final.Progress.Total > 0 {
			final.Progress.Current = final.Progress.Total
		}
	case errors.As(werr, &pe), errors.Is(werr, ErrJobClaimed), errors.Is(werr, ErrProgressRegression):
		logger.Error().Err(werr).Msg("Job aborted on broken invariant")
		final.State = types.JobStateFailed
		final.Error = werr.Error()
	case runCtx.Err() != nil:
		cause := context.Cause(runCtx)
		if errors.Is(cause, errShutdown) {
			logger.Warn().Msg("Job interrupted by shutdown, left for restart reconciliation")
			return
		}
		final.State = types.JobStateCancelled
		final.Error = ErrCancelled.Error()
		if errors.Is(cause, ErrTimeout) {
			final.Error = fmt.Sprintf("timed out after %s", job.Timeout)
		}
	default:
		final.State = types.JobStateFailed
		final.Error = werr.Error()
	}

	e.finish(&final, types.JobStateRunning, logger)
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func (e *Engine) execute(ctx context.Context, work Work, rep *Reporter, logger zerolog.Logger) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error().Str("stack", string(debug.Stack())).Msgf("Job panicked: %v", p)
			err = &panicError{value: p}
		}
	}()
	return work(ctx, rep)
}

// finish moves a job from `from` to its terminal state. The compare-and-swap
// detects a second writer.
func (e *Engine) finish(job *types.Job, from types.JobState, logger zerolog.Logger) {
	job.FinishedAt = time.Now()
	if _, err := e.store.TransitionJob(job.ID, from, job.State); err != nil {
		e.violation(job, err, logger)
		return
	}
	if err := e.store.UpdateJob(job); err != nil {
		logger.Error().Err(err).Msg("Failed to persist terminal job state")
	}

	metrics.JobsFinished.WithLabelValues(string(job.Kind), string(job.State)).Inc()
	e.publishState(job)

	evt := logger.Info()
	if job.State == types.JobStateFailed {
		evt = logger.Warn().Str("error", job.Error)
	}
	evt.Str("state", string(job.State)).Msg("Job finished")
}

func (e *Engine) violation(job *types.Job, err error, logger zerolog.Logger) {
	if errors.Is(err, storage.ErrStateConflict) {
		logger.Error().Err(err).Msg("Job record changed by another writer, aborting")
		return
	}
	logger.Error().Err(err).Msg("Failed to transition job")
}

// Get returns a job record
func (e *Engine) Get(id string) (*types.Job, error) {
	job, err := e.store.GetJob(id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return job, nil
}

// Status returns the polling view of a job
func (e *Engine) Status(id string) (*Status, error) {
	job, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	st := StatusOf(job)
	return &st, nil
}

// Active returns the non-terminal job for a kind and target, or nil
func (e *Engine) Active(kind types.JobKind, target types.Target) (*types.Job, error) {
	job, err := e.store.GetActiveJob(kind, target)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// Cancel requests cooperative cancellation of a job and its active children
func (e *Engine) Cancel(id string) (*types.Job, error) {
	job, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return job, fmt.Errorf("job %s is %s: %w", id, job.State, ErrAlreadyTerminal)
	}
	if err := e.store.RequestCancel(id); err != nil {
		return nil, fmt.Errorf("failed to record cancel request: %w", err)
	}

	e.mu.Lock()
	h := e.handles[id]
	e.mu.Unlock()
	if h != nil {
		h.cancel(ErrCancelled)
	}

	e.logger.Info().Str("job_id", id).Str("kind", string(job.Kind)).Msg("Job cancellation requested")

	all, err := e.store.ListJobs()
	if err != nil {
		return job, nil
	}
	for _, child := range all {
		if child.ParentID == id && !child.State.Terminal() {
			_, _ = e.Cancel(child.ID)
		}
	}
	return job, nil
}

// Wait blocks until the job is terminal or ctx ends
func (e *Engine) Wait(ctx context.Context, id string) (*types.Job, error) {
	for {
		e.mu.Lock()
		h := e.handles[id]
		e.mu.Unlock()

		if h != nil {
			select {
			case <-h.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		job, err := e.Get(id)
		if err != nil {
			return nil, err
		}
		if job.State.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Filter narrows List
type Filter struct {
	State    types.JobState
	Kind     types.JobKind
	Target   types.Target
	RangeID  string
	ParentID string
}

// List returns jobs matching filter in creation order
func (e *Engine) List(filter Filter) ([]*types.Job, error) {
	all, err := e.store.ListJobs()
	if err != nil {
		return nil, err
	}
	var out []*types.Job
	for _, j := range all {
		if filter.State != "" && j.State != filter.State {
			continue
		}
		if filter.Kind != "" && j.Kind != filter.Kind {
			continue
		}
		if filter.Target.ID != "" && j.Target != filter.Target {
			continue
		}
		if filter.RangeID != "" && j.RangeID != filter.RangeID {
			continue
		}
		if filter.ParentID != "" && j.ParentID != filter.ParentID {
			continue
		}
		out = append(out, j)
	}
	return out, nil
}

// CollectGarbage deletes terminal jobs that finished before now minus the
// retention window
func (e *Engine) CollectGarbage(now time.Time) (int, error) {
	if e.cfg.Retention <= 0 {
		return 0, nil
	}
	cutoff := now.Add(-e.cfg.Retention)

	all, err := e.store.ListJobs()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, j := range all {
		if !j.State.Terminal() || j.FinishedAt.IsZero() || !j.FinishedAt.Before(cutoff) {
			continue
		}
		if err := e.store.DeleteJob(j.ID); err != nil {
			return removed, fmt.Errorf("failed to delete job %s: %w", j.ID, err)
		}
		removed++
	}
	if removed > 0 {
		e.logger.Debug().Int("removed", removed).Msg("Collected expired jobs")
	}
	return removed, nil
}

// Stop interrupts running jobs and waits for their workers. Interrupted jobs
// keep their non-terminal record and are settled by Reconcile on the next start.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.stop(errShutdown)
	e.wg.Wait()
}

func (e *Engine) publishState(job *types.Job) {
	if e.pub == nil || job.RangeID == "" {
		return
	}
	entry := &types.EventLogEntry{
		RangeID: job.RangeID,
		JobID:   job.ID,
		Type:    types.EventJobState,
		Message: fmt.Sprintf("%s %s", job.Kind, job.State),
		Data: map[string]string{
			"kind":   string(job.Kind),
			"state":  string(job.State),
			"target": job.Target.String(),
		},
	}
	if job.Target.Type == types.TargetVM {
		entry.VMID = job.Target.ID
	}
	if job.Error != "" {
		entry.Data["error"] = job.Error
		entry.Message += ": " + job.Error
	}
	if err := e.pub.Publish(entry); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record job event")
	}
}
